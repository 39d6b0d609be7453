package sgxemm

import "testing"

func TestEmaSplit(t *testing.T) {
	e := newEma(0x1000, 4*SEPageSize, AllocCommitOnDemand, PageInfo{Type: PageReg, Prot: ProtR | ProtW}, AllocatorReserve)
	e.bitSet(0)
	e.bitSet(1)

	upper, err := e.split(0x1000 + 2*SEPageSize)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	if e.length != 2*SEPageSize {
		t.Fatalf("lower length = %d, want %d", e.length, 2*SEPageSize)
	}
	if upper.start != 0x1000+2*SEPageSize || upper.length != 2*SEPageSize {
		t.Fatalf("upper bounds wrong: start=%#x length=%d", upper.start, upper.length)
	}
	if !e.bitTest(0) || !e.bitTest(1) {
		t.Fatal("lower half lost its committed bits")
	}
	if upper.wordPopcount() != 0 {
		t.Fatal("upper half should start with no committed bits")
	}
}

func TestEmaSplitRejectsBoundary(t *testing.T) {
	e := newEma(0x1000, 2*SEPageSize, AllocReserved, PageInfo{}, AllocatorReserve)
	if _, err := e.split(0x1000); err == nil {
		t.Fatal("split at start should be rejected")
	}
	if _, err := e.split(e.end()); err == nil {
		t.Fatal("split at end should be rejected")
	}
	if _, err := e.split(0x1000 + SEPageSize/2); err == nil {
		t.Fatal("split at non-page-aligned offset should be rejected")
	}
}

func TestEmaCommitOnDemand(t *testing.T) {
	bridge := newHostBridge(nil)
	e := newEma(0x2000, 3*SEPageSize, AllocCommitOnDemand, PageInfo{Type: PageReg, Prot: ProtR | ProtW}, AllocatorReserve)

	if err := e.commit(bridge, 0x2000, SEPageSize); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if e.committedCount(0x2000, 3*SEPageSize) != 1 {
		t.Fatalf("expected exactly one committed page")
	}

	if err := e.uncommit(bridge, 0x2000, SEPageSize); err != nil {
		t.Fatalf("uncommit: %v", err)
	}
	if e.committedCount(0x2000, 3*SEPageSize) != 0 {
		t.Fatal("uncommit did not clear the bit")
	}
}

func TestEmaCommitRejectsNonDemand(t *testing.T) {
	bridge := newHostBridge(nil)
	e := newEma(0x3000, SEPageSize, AllocCommitNow, PageInfo{Type: PageReg, Prot: ProtR | ProtW}, AllocatorReserve)
	if err := e.commit(bridge, 0x3000, SEPageSize); err == nil {
		t.Fatal("commit should reject a non-commit-on-demand ema")
	}
}

func TestEmaChangeToTcsRequiresFullCommit(t *testing.T) {
	bridge := newHostBridge(nil)
	e := newEma(0x4000, 2*SEPageSize, AllocCommitOnDemand, PageInfo{Type: PageReg, Prot: ProtR | ProtW}, AllocatorReserve)
	if err := e.changeToTcs(bridge); err == nil {
		t.Fatal("changeToTcs should reject a partially committed ema")
	}
	if err := e.commit(bridge, 0x4000, 2*SEPageSize); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := e.changeToTcs(bridge); err != nil {
		t.Fatalf("changeToTcs: %v", err)
	}
	if e.info.Type != PageTcs {
		t.Fatal("ema did not convert to tcs")
	}
}
