package sgxemm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Layout describes ELRANGE and its RTS/USER sub-ranges. It stands in for
// the out-of-scope enclave-layout table and enclave-bound/RTS-range
// predicates: rather than deriving these ranges from an ELF/loader walk,
// the core simply consumes them as configuration (SPEC_FULL.md §1).
//
// The USER sub-range sits inside ELRANGE at [UserBase, UserBase+UserSize).
// Everything else in ELRANGE belongs to RTS.
type Layout struct {
	Size     uintptr
	UserBase uintptr
	UserSize uintptr
}

func (l Layout) userEnd() uintptr { return l.UserBase + l.UserSize }

func (l Layout) validate() error {
	if l.Size == 0 || l.Size%SEPageSize != 0 {
		return fmt.Errorf("sgxemm: layout size must be a non-zero multiple of SE_PAGE_SIZE")
	}
	if l.UserSize == 0 || l.UserBase%SEPageSize != 0 || l.UserSize%SEPageSize != 0 {
		return fmt.Errorf("sgxemm: layout user range must be page aligned and non-empty")
	}
	if l.userEnd() > l.Size {
		return fmt.Errorf("sgxemm: layout user range exceeds ELRANGE")
	}
	return nil
}

// enclaveMemory is the one real backing mapping for ELRANGE. The VM
// manager computes addresses arithmetically against enclaveMemory.base;
// the reserve heap writes its block headers directly into chunks carved
// out of this mapping. The static heap uses its own separate byte slice.
type enclaveMemory struct {
	layout Layout
	base   uintptr
	region []byte
}

func reserveEnclaveMemory(layout Layout) (*enclaveMemory, error) {
	const op = "sgxemm.reserveEnclaveMemory"
	if err := layout.validate(); err != nil {
		return nil, errInvalid(op, err.Error())
	}
	region, err := unix.Mmap(-1, 0, int(layout.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errOutOfMemory(op, "reserve ELRANGE: "+err.Error())
	}
	return &enclaveMemory{
		layout: layout,
		base:   uintptr(unsafe.Pointer(&region[0])),
		region: region,
	}, nil
}

func (e *enclaveMemory) isWithinEnclave(addr, length uintptr) bool {
	if length == 0 || addr+length < addr {
		return false
	}
	return addr >= e.base && addr+length <= e.base+e.layout.Size
}

func (e *enclaveMemory) isWithinUserRange(addr, length uintptr) bool {
	if length == 0 || addr+length < addr {
		return false
	}
	userBase := e.base + e.layout.UserBase
	userEnd := e.base + e.layout.userEnd()
	return addr >= userBase && addr+length <= userEnd
}

func (e *enclaveMemory) isWithinRTSRange(addr, length uintptr) bool {
	if !e.isWithinEnclave(addr, length) {
		return false
	}
	return !e.rangesOverlapUser(addr, length)
}

func (e *enclaveMemory) rangesOverlapUser(addr, length uintptr) bool {
	userBase := e.base + e.layout.UserBase
	userEnd := e.base + e.layout.userEnd()
	return addr < userEnd && userBase < addr+length
}

func (e *enclaveMemory) userBase() uintptr { return e.base + e.layout.UserBase }
func (e *enclaveMemory) userEnd() uintptr  { return e.base + e.layout.userEnd() }
