package sgxemm

import "testing"

func TestEncodeDecodeAllocFlagsRoundTrip(t *testing.T) {
	word, err := encodeAllocFlags(AllocCommitOnDemand|AllocGrowsDown, PageReg, 3)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	flags, typ, align, err := decodeAllocFlags(word)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if flags != AllocCommitOnDemand|AllocGrowsDown {
		t.Fatalf("flags round-trip mismatch: got %v", flags)
	}
	if typ != PageReg {
		t.Fatalf("page type round-trip mismatch: got %v", typ)
	}
	if align != 3 {
		t.Fatalf("alignment round-trip mismatch: got %d", align)
	}
}

func TestEncodePageInfo(t *testing.T) {
	word, err := encodePageInfo(PageInfo{Type: PageTcs, Prot: ProtR})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if word == 0 {
		t.Fatal("expected non-zero encoding for a non-empty page info")
	}
}
