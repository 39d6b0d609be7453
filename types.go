package sgxemm

// Page geometry constants fixed by wire compatibility (spec.md §6).
const (
	SEPageShift = 12
	SEPageSize  = 1 << SEPageShift // 4096
)

// AllocFlags packs the allocation intent bits carried on every EMA and
// on the wire format passed to the host bridge.
type AllocFlags uint8

const (
	AllocReserved AllocFlags = 1 << iota
	AllocCommitNow
	AllocCommitOnDemand
	AllocGrowsUp
	AllocGrowsDown
	AllocFixed
	AllocSystem
)

func (f AllocFlags) Has(bit AllocFlags) bool { return f&bit == bit }

// commitKinds reports how many of RESERVED/COMMIT_NOW/COMMIT_ON_DEMAND
// are set; exactly one must be set for a valid EmaOptions.
func (f AllocFlags) commitKinds() int {
	n := 0
	for _, bit := range [...]AllocFlags{AllocReserved, AllocCommitNow, AllocCommitOnDemand} {
		if f.Has(bit) {
			n++
		}
	}
	return n
}

// PageType is the SGX page type an EMA's committed pages carry.
type PageType uint8

const (
	PageNone PageType = iota
	PageReg
	PageTcs
	PageTrim
	PageFirst
)

// ProtFlags are the page permission bits.
type ProtFlags uint8

const (
	ProtNone ProtFlags = 0
	ProtR    ProtFlags = 1 << 0
	ProtW    ProtFlags = 1 << 1
	ProtX    ProtFlags = 1 << 2
)

func (p ProtFlags) Has(bit ProtFlags) bool { return p&bit == bit }

// PageInfo is the {type, permission} pair every committed page of an EMA
// shares.
type PageInfo struct {
	Type PageType
	Prot ProtFlags
}

// AllocatorTag names which internal heap backs an EMA node's own
// storage: the static bootstrap heap, or the growing reserve heap.
type AllocatorTag uint8

const (
	AllocatorStatic AllocatorTag = iota
	AllocatorReserve
)

// RangeType selects one of the two ordered EMA interval lists the VM
// manager keeps.
type RangeType uint8

const (
	RangeRTS RangeType = iota
	RangeUser
)

func (t RangeType) String() string {
	if t == RangeRTS {
		return "rts"
	}
	return "user"
}

// EmaOptions describes a requested memory region; it is consumed by the
// VM manager's Alloc/InitStaticRegion.
type EmaOptions struct {
	Addr        *uintptr
	Length      uintptr
	AllocFlags  AllocFlags
	Info        PageInfo
	Allocator   AllocatorTag
	AlignShift  uint8 // log2 alignment hint, 0 means SEPageSize
	Range       RangeType
}

// NewEmaOptions mirrors EmaOptions::new in the original source: an
// optional fixed address, a length, and the allocation flags. Info
// defaults to the zero value (PageNone, ProtNone) and Allocator to
// AllocatorReserve; both can be set via the fluent setters below.
func NewEmaOptions(addr *uintptr, length uintptr, flags AllocFlags) EmaOptions {
	return EmaOptions{Addr: addr, Length: length, AllocFlags: flags, Allocator: AllocatorReserve}
}

func (o *EmaOptions) WithInfo(info PageInfo) *EmaOptions {
	o.Info = info
	return o
}

func (o *EmaOptions) WithAllocator(tag AllocatorTag) *EmaOptions {
	o.Allocator = tag
	return o
}

// checkEmaOptions validates structural invariants before any EMA is
// built from these options: exactly one commit mode, GROWSUP/GROWSDOWN
// mutual exclusion and gating on COMMIT_ON_DEMAND, page alignment, and
// the X-without-R illegal permission combination.
func checkEmaOptions(o *EmaOptions) error {
	const op = "emm.checkEmaOptions"

	if o.Length == 0 || o.Length%SEPageSize != 0 {
		return errInvalid(op, "length must be a non-zero multiple of SE_PAGE_SIZE")
	}
	if o.Addr != nil {
		if *o.Addr%SEPageSize != 0 {
			return errInvalid(op, "addr must be page aligned")
		}
		if *o.Addr+o.Length < *o.Addr {
			return errInvalid(op, "addr+length overflows")
		}
	}
	if o.AllocFlags.commitKinds() != 1 {
		return errInvalid(op, "exactly one of RESERVED/COMMIT_NOW/COMMIT_ON_DEMAND must be set")
	}
	growsUp, growsDown := o.AllocFlags.Has(AllocGrowsUp), o.AllocFlags.Has(AllocGrowsDown)
	if growsUp && growsDown {
		return errInvalid(op, "GROWSUP and GROWSDOWN are mutually exclusive")
	}
	if (growsUp || growsDown) && !o.AllocFlags.Has(AllocCommitOnDemand) {
		return errInvalid(op, "GROWSUP/GROWSDOWN only meaningful with COMMIT_ON_DEMAND")
	}
	if o.Info.Prot.Has(ProtX) && !o.Info.Prot.Has(ProtR) {
		return errInvalid(op, "X without R is not a legal protection")
	}
	return nil
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

func trimDown(n, align uintptr) uintptr {
	return n &^ (align - 1)
}
