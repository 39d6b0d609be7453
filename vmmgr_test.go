package sgxemm

import "testing"

func newTestVM(t *testing.T) *VMManager {
	t.Helper()
	layout := Layout{Size: 16 * 1024 * 1024, UserBase: 8 * 1024 * 1024, UserSize: 4 * 1024 * 1024}
	mem, err := reserveEnclaveMemory(layout)
	if err != nil {
		t.Fatalf("reserveEnclaveMemory: %v", err)
	}
	sh := newStaticHeap(make([]byte, StaticMemSize))
	bridge := newHostBridge(nil)
	return newVMManager(mem, bridge, sh)
}

func TestAllocUserCommitNow(t *testing.T) {
	vm := newTestVM(t)
	addr, err := vm.Alloc(&EmaOptions{
		Length:     2 * SEPageSize,
		AllocFlags: AllocCommitNow,
		Info:       PageInfo{Type: PageReg, Prot: ProtR | ProtW},
		Allocator:  AllocatorReserve,
		Range:      RangeUser,
	})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr < vm.mem.userBase() || addr >= vm.mem.userEnd() {
		t.Fatalf("addr %#x not within user range", addr)
	}
}

func TestAllocFixedCollision(t *testing.T) {
	vm := newTestVM(t)
	addr := vm.mem.userBase()
	opts := EmaOptions{
		Addr:       &addr,
		Length:     SEPageSize,
		AllocFlags: AllocCommitNow | AllocFixed,
		Info:       PageInfo{Type: PageReg, Prot: ProtR | ProtW},
		Allocator:  AllocatorReserve,
		Range:      RangeUser,
	}
	if _, err := vm.Alloc(&opts); err != nil {
		t.Fatalf("first Alloc: %v", err)
	}
	if _, err := vm.Alloc(&opts); err == nil {
		t.Fatal("second fixed Alloc at the same address should fail")
	}
}

func TestAllocRTSNeverOverlapsUser(t *testing.T) {
	vm := newTestVM(t)
	addr, err := vm.Alloc(&EmaOptions{
		Length:     SEPageSize,
		AllocFlags: AllocCommitNow,
		Info:       PageInfo{Type: PageReg, Prot: ProtR | ProtW},
		Allocator:  AllocatorStatic,
		Range:      RangeRTS,
	})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr >= vm.mem.userBase() && addr < vm.mem.userEnd() {
		t.Fatalf("rts allocation landed inside the user range: %#x", addr)
	}
}

func TestDeallocExactCoverage(t *testing.T) {
	vm := newTestVM(t)
	addr, err := vm.Alloc(&EmaOptions{
		Length:     SEPageSize,
		AllocFlags: AllocCommitNow,
		Info:       PageInfo{Type: PageReg, Prot: ProtR | ProtW},
		Allocator:  AllocatorReserve,
		Range:      RangeUser,
	})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := vm.Dealloc(addr, SEPageSize); err != nil {
		t.Fatalf("Dealloc: %v", err)
	}
	if _, _, err := vm.findOwner(addr, SEPageSize); err == nil {
		t.Fatal("ema should no longer exist after Dealloc")
	}
}

func TestModifyPermsSplitsEma(t *testing.T) {
	vm := newTestVM(t)
	addr, err := vm.Alloc(&EmaOptions{
		Length:     4 * SEPageSize,
		AllocFlags: AllocCommitNow,
		Info:       PageInfo{Type: PageReg, Prot: ProtR | ProtW},
		Allocator:  AllocatorReserve,
		Range:      RangeUser,
	})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := vm.ModifyPerms(addr+SEPageSize, SEPageSize, ProtR); err != nil {
		t.Fatalf("ModifyPerms: %v", err)
	}

	whole := searchEmaRange(vm.user, addr, 4*SEPageSize)
	if len(whole) != 3 {
		t.Fatalf("expected 3 emas after split, got %d", len(whole))
	}
}

func TestCommitOnDemandGrowth(t *testing.T) {
	vm := newTestVM(t)
	addr, err := vm.Alloc(&EmaOptions{
		Length:     4 * SEPageSize,
		AllocFlags: AllocCommitOnDemand,
		Info:       PageInfo{Type: PageReg, Prot: ProtR | ProtW},
		Allocator:  AllocatorReserve,
		Range:      RangeUser,
	})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := vm.Commit(addr, SEPageSize); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := vm.Commit(addr, SEPageSize); err != nil {
		t.Fatalf("re-committing an already-committed page should be a no-op: %v", err)
	}
}
