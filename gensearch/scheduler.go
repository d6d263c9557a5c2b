package gensearch

import "container/list"

// Scheduler admits requests into prefill and decode steps under the logical
// KV block budget, preempting the youngest running request when blocks run
// out.
type Scheduler struct {
	maxNumSeqs          int
	maxNumBatchedTokens int
	blockManager        *BlockManager
	waiting             *list.List
	running             *list.List
}

// NewScheduler creates a scheduler over the given block budget.
func NewScheduler(maxNumSeqs, maxNumBatchedTokens, numBlocks, blockSize int) *Scheduler {
	return &Scheduler{
		maxNumSeqs:          maxNumSeqs,
		maxNumBatchedTokens: maxNumBatchedTokens,
		blockManager:        NewBlockManager(numBlocks, blockSize),
		waiting:             list.New(),
		running:             list.New(),
	}
}

// IsFinished reports whether every request has drained.
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}

// Add enqueues a request for prefill.
func (s *Scheduler) Add(req *Request) {
	s.waiting.PushBack(req)
}

// Schedule picks the requests for the next step. It prefers admitting waiting
// requests (prefill); otherwise it returns the running set (decode).
func (s *Scheduler) Schedule() ([]*Request, bool) {
	var scheduled []*Request
	numSeqs := 0
	numBatchedTokens := 0

	for s.waiting.Len() > 0 && numSeqs < s.maxNumSeqs {
		elem := s.waiting.Front()
		req := elem.Value.(*Request)
		if numBatchedTokens+req.Len() > s.maxNumBatchedTokens || !s.blockManager.CanAllocate(req) {
			break
		}
		numSeqs++
		s.blockManager.Allocate(req)
		numBatchedTokens += req.Len() - req.NumCachedTokens
		req.Status = RequestRunning
		s.waiting.Remove(elem)
		s.running.PushBack(req)
		scheduled = append(scheduled, req)
	}
	if len(scheduled) > 0 {
		return scheduled, true
	}

	for s.running.Len() > 0 && numSeqs < s.maxNumSeqs {
		elem := s.running.Front()
		req := elem.Value.(*Request)
		s.running.Remove(elem)

		for !s.blockManager.CanAppend(req) {
			if s.running.Len() > 0 {
				last := s.running.Back()
				s.running.Remove(last)
				s.preempt(last.Value.(*Request))
			} else {
				s.preempt(req)
				break
			}
		}

		if req.Status == RequestRunning {
			numSeqs++
			s.blockManager.MayAppend(req)
			scheduled = append(scheduled, req)
		}
	}

	// Scheduled requests go back to the front so decode order stays stable.
	for i := len(scheduled) - 1; i >= 0; i-- {
		s.running.PushFront(scheduled[i])
	}
	return scheduled, false
}

// preempt sends a running request back to the waiting queue. Its generator is
// dropped; the accumulated tokens re-enter as the prompt of a fresh prefill,
// where prefix caching recovers the shared blocks.
func (s *Scheduler) preempt(req *Request) {
	req.Status = RequestWaiting
	req.PromptTokens = append([]int32(nil), req.TokenIDs()...)
	req.generator = nil
	s.blockManager.Deallocate(req)
	s.waiting.PushFront(req)
}

// Finish releases a completed request's blocks and removes it from the
// running queue.
func (s *Scheduler) Finish(req *Request) {
	req.Status = RequestFinished
	s.blockManager.Deallocate(req)
	for elem := s.running.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*Request).ID == req.ID {
			s.running.Remove(elem)
			break
		}
	}
}
