package sgxemm

import (
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// HardwareOps models the four privileged instructions the original
// source issues directly (EACCEPT, EMODPE, EMODPR, EMODT). They are an
// out-of-scope external collaborator: the VM manager and EMA code call
// this interface, never the instructions themselves. newHostBridge with a
// nil HardwareOps installs simHardware, a software simulation that always
// succeeds — matching spec.md §4.5's "in simulation/hyper-mode they are
// no-ops returning success".
type HardwareOps interface {
	// Accept simulates EACCEPT: commit a single page with the given
	// page info.
	Accept(addr uintptr, info PageInfo) error
	// AcceptTrim simulates EACCEPT of a TRIM notification during
	// uncommit.
	AcceptTrim(addr uintptr) error
	// ModifyExtend simulates EMODPE: widen permissions in place.
	ModifyExtend(addr uintptr, prot ProtFlags) error
	// ModifyRestrict simulates EMODPR: narrow permissions, host
	// acknowledgment required first.
	ModifyRestrict(addr uintptr, prot ProtFlags) error
	// ModifyType simulates EMODT: change a page's type (TCS
	// conversion).
	ModifyType(addr uintptr, typ PageType) error
}

type simHardware struct{}

func (simHardware) Accept(uintptr, PageInfo) error          { return nil }
func (simHardware) AcceptTrim(uintptr) error                { return nil }
func (simHardware) ModifyExtend(uintptr, ProtFlags) error   { return nil }
func (simHardware) ModifyRestrict(uintptr, ProtFlags) error { return nil }
func (simHardware) ModifyType(uintptr, PageType) error      { return nil }

// HostBridge marshals the two out-calls (alloc_ocall, modify_ocall) and
// dispatches to HardwareOps. The core retries nothing on failure: EACCEPT
// is the trust anchor, so a bogus host response can only cause a
// subsequent hardware instruction to fault, which surfaces as KindFault.
type HostBridge struct {
	hw  HardwareOps
	log *logrus.Entry
}

func newHostBridge(hw HardwareOps) *HostBridge {
	if hw == nil {
		hw = simHardware{}
	}
	return &HostBridge{hw: hw, log: log.WithField("component", "hostbridge")}
}

// allocOcall asks the host to back [addr, addr+length) with pages of the
// given type and allocation flags. In simulation mode this is a no-op
// that always succeeds; the wire encoding in wire.go documents the
// layout a real out-call would marshal.
func (b *HostBridge) allocOcall(addr, length uintptr, typ PageType, flags AllocFlags) error {
	req := EmmAllocOcall{Addr: uint64(addr), Size: uint64(length)}
	var err error
	req.PageProperties, err = encodeAllocFlags(flags, typ, 0)
	if err != nil {
		b.log.WithError(err).Error("alloc_ocall: bad request encoding")
		return errFault("sgxemm.allocOcall", err.Error())
	}
	// Simulation mode: the ELRANGE mapping backing this request already
	// exists (reserveEnclaveMemory mmap'd the whole range up front), so
	// there is nothing further to ask the host for.
	return nil
}

// modifyOcall asks the host to change backing page properties from
// infoFrom to infoTo over [addr, addr+length).
func (b *HostBridge) modifyOcall(addr, length uintptr, infoFrom, infoTo PageInfo) error {
	req := EmmModifyOcall{Addr: uint64(addr), Size: uint64(length)}
	var err error
	if req.FlagsFrom, err = encodePageInfo(infoFrom); err != nil {
		return errFault("sgxemm.modifyOcall", err.Error())
	}
	if req.FlagsTo, err = encodePageInfo(infoTo); err != nil {
		return errFault("sgxemm.modifyOcall", err.Error())
	}
	// Simulation mode: the hardware ops are simulated and the backing
	// mapping's protection is left unchanged; there is no separate
	// host-side state to change.
	return nil
}

// mprotectRange is used by the reserve heap's guard pages: the two
// GUARD_SIZE regions flanking a growth chunk are mapped PROT_NONE so a
// wild pointer write faults immediately instead of corrupting an
// adjacent chunk, the same intent as the hardware's own guard handling.
func mprotectRange(addr, length uintptr, prot int) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length))
	return unix.Mprotect(b, prot)
}
