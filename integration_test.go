package sgxemm

import "testing"

// TestEndToEndBringUp exercises the public package-level API the way a
// host process would: bring up the singleton, replay a small RTS
// layout, allocate commit-on-demand user memory, grow it, then tear a
// page's permissions down.
func TestEndToEndBringUp(t *testing.T) {
	layout := Layout{Size: 16 * 1024 * 1024, UserBase: 8 * 1024 * 1024, UserSize: 4 * 1024 * 1024}
	if err := InitEMM(layout, nil); err != nil {
		t.Fatalf("InitEMM: %v", err)
	}

	entries := []LayoutEntry{
		{RVA: 0, PageCount: 2, Prot: ProtR | ProtW, Type: PageReg, Attr: AttrEAdd},
		{RVA: 2 * SEPageSize, PageCount: 1, Prot: ProtR | ProtW, Type: PageReg, Attr: AttrEAdd | AttrPostRemove},
	}
	if err := InitRTSEmas(entries); err != nil {
		t.Fatalf("InitRTSEmas: %v", err)
	}

	var addr uintptr
	base, err := AllocUser(nil, 4*SEPageSize, AllocCommitOnDemand|AllocGrowsDown, PageInfo{Type: PageReg, Prot: ProtR | ProtW})
	if err != nil {
		t.Fatalf("AllocUser: %v", err)
	}
	addr = base + 3*SEPageSize

	if err := ExpandStackPages(addr, 1); err != nil {
		t.Fatalf("ExpandStackPages: %v", err)
	}

	if err := ModifyPerms(base, SEPageSize, ProtR); err != nil {
		t.Fatalf("ModifyPerms: %v", err)
	}

	if allocated, total, err := ReserveStats(); err != nil || total == 0 {
		t.Fatalf("ReserveStats: allocated=%d total=%d err=%v", allocated, total, err)
	}

	if err := Dealloc(base, 4*SEPageSize); err != nil {
		t.Fatalf("Dealloc: %v", err)
	}
}

func TestPublicAPIRequiresInit(t *testing.T) {
	saved := global
	global = nil
	defer func() { global = saved }()

	if _, err := AllocUser(nil, SEPageSize, AllocCommitNow, PageInfo{}); err == nil {
		t.Fatal("expected an error when InitEMM has not run")
	}
}
