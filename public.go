package sgxemm

// Package sgxemm implements an enclave-side memory manager: a VM
// manager tracking RTS and user address ranges as ordered EMA
// intervals, backed by a self-growing reserve heap that bootstraps off
// a small fixed-size static heap. The public functions below wrap the
// package-level singleton installed by InitEMM, the way vmmgr.rs
// exposes free mm_* functions over VMMGR.get().unwrap().lock().

const notInitializedMsg = "InitEMM must run first"

func mustGlobal(op string) (*VMManager, error) {
	if global == nil {
		return nil, errInvalid(op, notInitializedMsg)
	}
	return global, nil
}

// AllocRTS reserves or commits length bytes in the RTS range.
func AllocRTS(addr *uintptr, length uintptr, flags AllocFlags, info PageInfo) (uintptr, error) {
	vm, err := mustGlobal("sgxemm.AllocRTS")
	if err != nil {
		return 0, err
	}
	return vm.Alloc(&EmaOptions{
		Addr: addr, Length: length, AllocFlags: flags, Info: info,
		Allocator: AllocatorReserve, Range: RangeRTS,
	})
}

// AllocUser reserves or commits length bytes in the user range.
func AllocUser(addr *uintptr, length uintptr, flags AllocFlags, info PageInfo) (uintptr, error) {
	vm, err := mustGlobal("sgxemm.AllocUser")
	if err != nil {
		return 0, err
	}
	return vm.Alloc(&EmaOptions{
		Addr: addr, Length: length, AllocFlags: flags, Info: info,
		Allocator: AllocatorReserve, Range: RangeUser,
	})
}

// Dealloc releases [addr, addr+length).
func Dealloc(addr, length uintptr) error {
	vm, err := mustGlobal("sgxemm.Dealloc")
	if err != nil {
		return err
	}
	return vm.Dealloc(addr, length)
}

// Commit performs on-demand EACCEPT over [addr, addr+length).
func Commit(addr, length uintptr) error {
	vm, err := mustGlobal("sgxemm.Commit")
	if err != nil {
		return err
	}
	return vm.Commit(addr, length)
}

// Uncommit trims [addr, addr+length) back to reserved.
func Uncommit(addr, length uintptr) error {
	vm, err := mustGlobal("sgxemm.Uncommit")
	if err != nil {
		return err
	}
	return vm.Uncommit(addr, length)
}

// ModifyPerms changes protection over [addr, addr+length), splitting
// the owning EMA at the range boundaries first if needed.
func ModifyPerms(addr, length uintptr, prot ProtFlags) error {
	vm, err := mustGlobal("sgxemm.ModifyPerms")
	if err != nil {
		return err
	}
	return vm.ModifyPerms(addr, length, prot)
}

// ModifyType converts [addr, addr+length) to a new page type (TCS
// conversion is the only supported target).
func ModifyType(addr, length uintptr, typ PageType) error {
	vm, err := mustGlobal("sgxemm.ModifyType")
	if err != nil {
		return err
	}
	return vm.ModifyType(addr, length, typ)
}

// ReserveStats reports the reserve heap's allocated/total byte counts.
func ReserveStats() (allocated, total uintptr, err error) {
	vm, err := mustGlobal("sgxemm.ReserveStats")
	if err != nil {
		return 0, 0, err
	}
	a, t := vm.reserve.Stats()
	return a, t, nil
}
