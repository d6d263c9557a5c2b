package gensearch

import "math"

// SoftMax rewrites scores in place as probabilities. Temperature divides the
// logits before the stabilizing max shift.
func SoftMax(scores []float32, temperature float32) {
	if len(scores) == 0 {
		return
	}
	maxScore := scores[0] / temperature
	for i := range scores {
		scores[i] /= temperature
		if scores[i] > maxScore {
			maxScore = scores[i]
		}
	}

	var sum float64
	for i, s := range scores {
		e := math.Exp(float64(s - maxScore))
		scores[i] = float32(e)
		sum += e
	}

	inv := float32(1.0 / sum)
	for i := range scores {
		scores[i] *= inv
	}
}

// LogSoftMax rewrites scores in place as log-probabilities using the
// numerically stable log-sum-exp formulation.
func LogSoftMax(scores []float32, temperature float32) {
	if len(scores) == 0 {
		return
	}
	maxScore := scores[0] / temperature
	for i := range scores {
		scores[i] /= temperature
		if scores[i] > maxScore {
			maxScore = scores[i]
		}
	}

	var sum float64
	for _, s := range scores {
		sum += math.Exp(float64(s - maxScore))
	}

	logSum := float32(math.Log(sum))
	for i := range scores {
		scores[i] = scores[i] - maxScore - logSum
	}
}
