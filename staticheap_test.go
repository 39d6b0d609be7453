package sgxemm

import "testing"

func TestStaticHeapAllocateFree(t *testing.T) {
	h := newStaticHeap(make([]byte, StaticMemSize))

	a, err := h.allocate(64)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	b, err := h.allocate(128)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if a == b {
		t.Fatalf("allocate returned overlapping addresses")
	}

	h.free(a)
	h.free(b)

	c, err := h.allocate(StaticMemSize - 256)
	if err != nil {
		t.Fatalf("allocate after coalesce: %v", err)
	}
	_ = c
}

func TestStaticHeapExhaustion(t *testing.T) {
	h := newStaticHeap(make([]byte, StaticMemSize))
	if _, err := h.allocate(StaticMemSize * 2); err == nil {
		t.Fatal("expected out-of-memory error for oversized request")
	}
}
