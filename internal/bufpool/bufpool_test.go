package bufpool

import "testing"

func TestPoolReusesPreallocated(t *testing.T) {
	t.Parallel()

	p := New[byte](16, 2)
	if p.Idle() != 2 {
		t.Fatalf("idle: got %d, want 2", p.Idle())
	}

	a := p.Get(8)
	b := p.Get(16)
	if len(a) != 8 || cap(a) != 16 {
		t.Fatalf("a: len %d cap %d", len(a), cap(a))
	}
	if len(b) != 16 {
		t.Fatalf("b: len %d", len(b))
	}
	if p.Misses() != 0 {
		t.Fatalf("misses: got %d, want 0", p.Misses())
	}

	c := p.Get(4)
	if p.Misses() != 1 {
		t.Fatalf("misses after exhausting pool: got %d, want 1", p.Misses())
	}

	p.Put(a)
	p.Put(b)
	p.Put(c)
	if p.Idle() != 3 {
		t.Fatalf("idle after put: got %d, want 3", p.Idle())
	}
}

func TestPoolClampsAndRejectsForeignSlices(t *testing.T) {
	t.Parallel()

	p := New[float32](4, 0)
	if got := p.Get(10); len(got) != 4 {
		t.Fatalf("len: got %d, want 4", len(got))
	}
	p.Put(make([]float32, 5))
	if p.Idle() != 0 {
		t.Fatalf("foreign slice accepted")
	}
}
