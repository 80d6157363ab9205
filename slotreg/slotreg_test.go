package slotreg

import (
	"testing"

	"expcollector/event"
)

func TestRegistryGetFallsBackToLastPrefix(t *testing.T) {
	r := NewRegistry(KeySpec{Name: "reward", Type: event.F32})

	spec, ok := r.Get("reward")
	if !ok || spec.Type != event.F32 {
		t.Fatalf("Get(reward) = %+v, %v", spec, ok)
	}

	spec, ok = r.Get("last_reward")
	if !ok || spec.Type != event.F32 {
		t.Fatalf("Get(last_reward) = %+v, %v, want fallback to reward's spec", spec, ok)
	}

	if _, ok := r.Get("unknown"); ok {
		t.Fatal("Get(unknown) should fail")
	}
}

func TestKeySpecRowBytes(t *testing.T) {
	scalar := KeySpec{Type: event.F32}
	if scalar.RowBytes() != 4 {
		t.Fatalf("scalar f32 RowBytes = %d, want 4", scalar.RowBytes())
	}

	tensor := KeySpec{Type: event.U8, Shape: []int{3, 3}}
	if tensor.RowBytes() != 9 {
		t.Fatalf("3x3 u8 RowBytes = %d, want 9", tensor.RowBytes())
	}
}

func TestBufferLayoutIsRowMajorNoPadding(t *testing.T) {
	spec := KeySpec{Name: "x", Type: event.I32}
	buf := NewBuffer(spec, 2, 3) // T=2, B=3

	if len(buf.Data) != 2*3*4 {
		t.Fatalf("buffer size = %d, want %d", len(buf.Data), 2*3*4)
	}

	buf.SetRow(0, 0, []byte{1, 0, 0, 0})
	buf.SetRow(0, 1, []byte{2, 0, 0, 0})
	buf.SetRow(1, 0, []byte{3, 0, 0, 0})

	// Row-major [T,B]: row(1,0) must start at offset (1*3+0)*4 = 12.
	got := buf.Row(1, 0)
	if got[0] != 3 {
		t.Fatalf("Row(1,0)[0] = %d, want 3", got[0])
	}
	if buf.Row(0, 1)[0] != 2 {
		t.Fatalf("Row(0,1) leaked into Row(1,0) or vice versa")
	}
}

func TestBufferZeroRow(t *testing.T) {
	buf := NewBuffer(KeySpec{Type: event.I32}, 1, 1)
	buf.SetRow(0, 0, []byte{9, 9, 9, 9})
	buf.ZeroRow(0, 0)
	for _, b := range buf.Row(0, 0) {
		if b != 0 {
			t.Fatalf("ZeroRow left nonzero byte: %v", buf.Row(0, 0))
		}
	}
}
