package ringbuffer

import (
	"bytes"
	"testing"
)

func TestRingBufferBounds(t *testing.T) {
	const capacity = 8

	r := New[byte](capacity)
	if !r.Empty() || r.Full() || r.Size() != 0 {
		t.Fatalf("new buffer: empty=%t full=%t size=%d", r.Empty(), r.Full(), r.Size())
	}

	for i := 0; i < capacity-1; i++ {
		if !r.Put(byte(i)) {
			t.Fatalf("put %d rejected", i)
		}
	}
	if !r.Full() {
		t.Fatal("expected full after C-1 puts")
	}
	if r.Size() != capacity-1 {
		t.Fatalf("have size %d, want %d", r.Size(), capacity-1)
	}
	if r.Put(0xFF) {
		t.Fatal("put on full buffer must fail")
	}
	if r.Free() != 0 {
		t.Fatalf("have free %d, want 0", r.Free())
	}
}

func TestRingBufferFIFO(t *testing.T) {
	r := New[int](5)

	// shift the indices so the run wraps around the backing array
	for round := 0; round < 7; round++ {
		for i := 0; i < 4; i++ {
			if !r.Put(round*10 + i) {
				t.Fatalf("round %d: put %d rejected", round, i)
			}
		}
		for i := 0; i < 4; i++ {
			v, ok := r.Get()
			if !ok || v != round*10+i {
				t.Fatalf("round %d: have %d,%t want %d", round, v, ok, round*10+i)
			}
		}
		if _, ok := r.Get(); ok {
			t.Fatalf("round %d: expected empty", round)
		}
		r.Put(-1)
		r.Get()
	}
}

func TestRingBufferSlices(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		prefill  int
		consume  bool
		input    string
		wantPut  int
	}{
		{"fits", 16, 0, false, "hello", 5},
		{"partial", 6, 0, false, "hello world", 5},
		{"wrapped", 8, 5, true, "abcdef", 6},
		{"exact", 4, 0, false, "abc", 3},
		{"full", 4, 3, false, "abc", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New[byte](tt.capacity)
			for i := 0; i < tt.prefill; i++ {
				r.Put('.')
			}
			if tt.consume {
				// writes start mid-array and wrap
				r.Discard(tt.prefill)
			}

			n := r.PutSlice([]byte(tt.input))
			if n != tt.wantPut {
				t.Fatalf("have put %d, want %d", n, tt.wantPut)
			}
			if r.Size() > tt.capacity-1 {
				t.Fatalf("size %d exceeds usable capacity", r.Size())
			}

			out := make([]byte, r.Size())
			got := r.GetSlice(out)
			if got != len(out) {
				t.Fatalf("have got %d, want %d", got, len(out))
			}
			if !bytes.HasSuffix(out, []byte(tt.input[:n])) {
				t.Fatalf("have %q, want suffix %q", out, tt.input[:n])
			}
			if !r.Empty() {
				t.Fatal("expected empty after draining")
			}
		})
	}
}

func TestRingBufferShortRead(t *testing.T) {
	r := New[byte](32)
	r.PutSlice([]byte("0123456789"))

	out := make([]byte, 4)
	if n := r.GetSlice(out); n != 4 || string(out) != "0123" {
		t.Fatalf("have %d %q", n, out)
	}
	if r.Size() != 6 {
		t.Fatalf("have size %d, want 6", r.Size())
	}
	if n := r.Discard(100); n != 6 {
		t.Fatalf("have discarded %d, want 6", n)
	}
	if n := r.GetSlice(out); n != 0 {
		t.Fatalf("have %d from empty buffer", n)
	}
}

func TestRingBufferReset(t *testing.T) {
	r := New[byte](4)
	r.PutSlice([]byte("abc"))
	r.Reset()

	if !r.Empty() || r.Size() != 0 {
		t.Fatalf("reset: empty=%t size=%d", r.Empty(), r.Size())
	}
	if r.Capacity() != 4 {
		t.Fatalf("have capacity %d, want 4", r.Capacity())
	}
	if n := r.PutSlice([]byte("xyz")); n != 3 {
		t.Fatalf("have put %d after reset, want 3", n)
	}
}
