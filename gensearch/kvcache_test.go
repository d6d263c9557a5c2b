package gensearch

import (
	"errors"
	"testing"
)

func kvFixture(t *testing.T, opts ...GeneratorOption) (*KVCache, *GeneratorParams) {
	t.Helper()
	opts = append([]GeneratorOption{WithMaxLength(8), WithKVGeometry(2, 1, 2)}, opts...)
	params, err := NewGeneratorParams(4, opts...)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	return NewKVCache(params, Float32), params
}

func TestKVCacheFirstBindEmptyPast(t *testing.T) {
	kv, _ := kvFixture(t)
	ctx := NewStepContext()
	kv.Bind(ctx, 3)

	past := ctx.Input("past_key_values.0.key")
	if past == nil || past.Dims()[2] != 0 {
		t.Fatalf("Expected empty past on first bind, got %v", past)
	}
	present := ctx.Output("present.0.key")
	if present == nil || present.Dims()[2] != 3 {
		t.Fatalf("Expected present over 3 tokens, got %v", present)
	}
	if ctx.PastLength != 0 || ctx.TokenCount != 3 || ctx.CurrentLength != 3 {
		t.Errorf("Unexpected step lengths: past=%d count=%d current=%d",
			ctx.PastLength, ctx.TokenCount, ctx.CurrentLength)
	}
}

func TestKVCacheIdentityUpdateIsSwap(t *testing.T) {
	kv, _ := kvFixture(t)
	ctx := NewStepContext()
	kv.Bind(ctx, 2)
	present := ctx.Output("present.0.key")
	present.Float32s()[0] = 42

	if err := kv.Update(nil, 2); err != nil {
		t.Fatalf("update: %v", err)
	}

	ctx2 := NewStepContext()
	kv.Bind(ctx2, 1)
	got := ctx2.Input("past_key_values.0.key")
	if got != present {
		t.Errorf("Identity update must swap buffers, not copy")
	}
	if got.Float32s()[0] != 42 {
		t.Errorf("Past lost present data after swap")
	}
	if kv.PastLength() != 2 {
		t.Errorf("Expected past length 2, got %d", kv.PastLength())
	}
}

func TestKVCacheBeamUpdateGathers(t *testing.T) {
	params, err := NewGeneratorParams(4,
		WithMaxLength(8), WithKVGeometry(1, 1, 2), WithNumBeams(2))
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	kv := NewKVCache(params, Float32)
	ctx := NewStepContext()
	kv.Bind(ctx, 2)

	present := ctx.Output("present.0.key")
	// Two rows, 2 positions, head dim 2: mark each row.
	data := present.Float32s()
	for i := 0; i < 4; i++ {
		data[i] = 100 + float32(i) // row 0
		data[4+i] = 200 + float32(i)
	}

	if err := kv.Update([]int32{1, 0}, 2); err != nil {
		t.Fatalf("update: %v", err)
	}

	ctx2 := NewStepContext()
	kv.Bind(ctx2, 1)
	past := ctx2.Input("past_key_values.0.key").Float32s()
	if past[0] != 200 || past[4] != 100 {
		t.Errorf("Expected rows swapped by beam gather, got %v", past)
	}
}

func TestKVCacheUpdateShapeMismatch(t *testing.T) {
	kv, _ := kvFixture(t)
	ctx := NewStepContext()
	kv.Bind(ctx, 2)
	if err := kv.Update(nil, 5); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected shape mismatch, got %v", err)
	}
}

func TestKVCacheSharedBufferAliases(t *testing.T) {
	kv, _ := kvFixture(t, WithPastPresentShareBuffer(true))
	ctx := NewStepContext()
	kv.Bind(ctx, 2)

	past := ctx.Input("past_key_values.0.key")
	present := ctx.Output("present.0.key")
	if past != present {
		t.Fatalf("Expected shared past/present allocation")
	}
	if past.Dims()[2] != 8 {
		t.Errorf("Expected full-capacity shared buffer, got %v", past.Dims())
	}

	present.Float32s()[0] = 7
	if err := kv.Update(nil, 2); err != nil {
		t.Fatalf("update: %v", err)
	}
	if kv.PastLength() != 2 {
		t.Errorf("Expected logical length advanced to 2")
	}
	if past.Float32s()[0] != 7 {
		t.Errorf("Shared update must not touch data")
	}
}

func TestKVCacheUpdateAndResizeTrims(t *testing.T) {
	kv, _ := kvFixture(t)
	ctx := NewStepContext()
	kv.Bind(ctx, 5)
	present := ctx.Output("present.1.value")
	for i := range present.Float32s() {
		present.Float32s()[i] = float32(i)
	}

	if err := kv.UpdateAndResize(4, 3); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if kv.PastLength() != 3 {
		t.Errorf("Expected past length 3, got %d", kv.PastLength())
	}

	ctx2 := NewStepContext()
	kv.Bind(ctx2, 1)
	past := ctx2.Input("past_key_values.1.value")
	if past.Dims()[2] != 3 {
		t.Fatalf("Expected past trimmed to 3 positions, got %v", past.Dims())
	}
	// First row's first three positions survive.
	for i := 0; i < 6; i++ {
		if past.Float32s()[i] != float32(i) {
			t.Errorf("Position %d: expected %d, got %g", i, i, past.Float32s()[i])
		}
	}
	if ctx2.CurrentLength != 4 {
		t.Errorf("Expected next step to cover 4 tokens, got %d", ctx2.CurrentLength)
	}
}

func TestKVCacheUpdatePresentGrows(t *testing.T) {
	kv, _ := kvFixture(t)
	ctx := NewStepContext()
	kv.Bind(ctx, 2)
	present := ctx.Output("present.0.key")
	present.Float32s()[0] = 11

	if err := kv.UpdatePresent(4); err != nil {
		t.Fatalf("grow: %v", err)
	}
	if err := kv.UpdatePresent(2); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected grow-only violation, got %v", err)
	}
}

func TestGatherRowsDTypeDispatch(t *testing.T) {
	for _, dtype := range []DType{Float16, Int8} {
		src := NewTensor(dtype, 2, 1, 1, 2)
		dst := NewTensor(dtype, 2, 1, 1, 2)
		switch dtype {
		case Float16:
			copy(src.Uint16s(), []uint16{1, 2, 3, 4})
		case Int8:
			copy(src.Int8s(), []int8{1, 2, 3, 4})
		}
		if err := GatherLeadingRows(dst, src, []int32{1, 1}); err != nil {
			t.Fatalf("%s gather: %v", dtype, err)
		}
		switch dtype {
		case Float16:
			if dst.Uint16s()[0] != 3 || dst.Uint16s()[2] != 3 {
				t.Errorf("%s gather wrong: %v", dtype, dst.Uint16s())
			}
		case Int8:
			if dst.Int8s()[0] != 3 || dst.Int8s()[2] != 3 {
				t.Errorf("%s gather wrong: %v", dtype, dst.Int8s())
			}
		}
	}
}

func TestGatherRowsRejectsDTypeMix(t *testing.T) {
	src := NewTensor(Float32, 2, 2)
	dst := NewTensor(Float16, 2, 2)
	if err := GatherLeadingRows(dst, src, []int32{0, 1}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected shape mismatch across dtypes, got %v", err)
	}
}

func TestCrossCacheBindsBothSides(t *testing.T) {
	params, _ := NewGeneratorParams(4, WithKVGeometry(1, 1, 2), WithMaxLength(4))
	cc := NewCrossCache(params, Float32, 3)

	enc := NewStepContext()
	cc.BindOutputs(enc)
	out := enc.Output("cross_present.0.key")
	if out == nil || out.Dims()[2] != 3 {
		t.Fatalf("Expected encoder output over 3 source tokens")
	}
	out.Float32s()[0] = 5

	dec := NewStepContext()
	cc.BindInputs(dec)
	in := dec.Input("cross_past_key_values.0.key")
	if in != out {
		t.Errorf("Decoder must read the encoder-produced tensor")
	}
}
