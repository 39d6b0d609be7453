package sgxemm

import "sync"

// LayoutAttr flags one line of the flattened layout table InitRTSEmas
// consumes, mirroring the EADD/EREMOVE/POST_ADD/POST_REMOVE attributes
// the original loader's layout table entries carry (SPEC_FULL.md §3).
type LayoutAttr uint8

const (
	AttrEAdd LayoutAttr = 1 << iota
	AttrERemove
	AttrPostAdd
	AttrPostRemove
)

func (a LayoutAttr) Has(bit LayoutAttr) bool { return a&bit == bit }

// LayoutEntry describes one region of the RTS range as laid out by the
// enclave loader: a relative virtual address, a page count, and the
// page properties/attributes EADD would have carried. InitRTSEmas
// replays these as static-allocator EMAs instead of walking a real
// loader-produced layout table, which is out of scope here.
type LayoutEntry struct {
	RVA       uintptr
	PageCount uintptr
	Prot      ProtFlags
	Type      PageType
	Attr      LayoutAttr
}

var (
	initOnce sync.Once
	initErr  error
	global   *VMManager
)

// InitEMM brings up the whole memory manager: reserves ELRANGE,
// constructs the static bootstrap heap, and wires the VM manager and
// reserve heap together. Mirrors init_emm; safe to call more than
// once, only the first call does the work (spec.md §5's "race-safe
// once-guard").
func InitEMM(layout Layout, hw HardwareOps) error {
	initOnce.Do(func() {
		mem, err := reserveEnclaveMemory(layout)
		if err != nil {
			initErr = err
			return
		}
		bridge := newHostBridge(hw)
		sh := newStaticHeap(make([]byte, StaticMemSize))
		global = newVMManager(mem, bridge, sh)
		log.WithField("elrange_size", layout.Size).Info("sgxemm: emm initialized")
	})
	return initErr
}

// InitRTSEmas replays a flattened layout table as RESERVED or
// COMMIT_NOW static-allocator EMAs covering the RTS range, matching
// init_rts_emas. Entries tagged both EADD and POST_REMOVE are committed
// then immediately trimmed, the way a loader removes scratch EADD pages
// (e.g. relocation scratch space) once layout is finalized.
func InitRTSEmas(entries []LayoutEntry) error {
	const op = "sgxemm.InitRTSEmas"
	if global == nil {
		return errInvalid(op, "InitEMM must run first")
	}
	for _, ent := range entries {
		addr := global.mem.base + ent.RVA
		length := ent.PageCount * SEPageSize

		flags := AllocReserved
		if ent.Attr.Has(AttrEAdd) {
			flags = AllocCommitNow
		}
		opts := &EmaOptions{
			Addr:       &addr,
			Length:     length,
			AllocFlags: flags | AllocFixed,
			Info:       PageInfo{Type: ent.Type, Prot: ent.Prot},
			Allocator:  AllocatorStatic,
			Range:      RangeRTS,
		}
		// These pages were already measured into the enclave by the
		// loader, not EACCEPTed at runtime, so they go through
		// InitStaticRegion rather than Alloc: no hardware op is issued.
		if _, err := global.InitStaticRegion(opts); err != nil {
			return err
		}
		if ent.Attr.Has(AttrPostRemove) && ent.Attr.Has(AttrEAdd) {
			if err := global.Dealloc(addr, length); err != nil {
				return err
			}
		}
	}
	global.clearReservedEmas()
	return nil
}

// ExpandStackPages commits count additional pages starting at addr on
// an existing GROWSDOWN/GROWSUP on-demand stack region, mirroring
// expand_stack_epc_pages: the runtime's SIGSEGV handler calls this
// when a guard page is touched, to grow the stack by one more page
// rather than failing outright.
func ExpandStackPages(addr uintptr, count int) error {
	const op = "sgxemm.ExpandStackPages"
	if global == nil {
		return errInvalid(op, "InitEMM must run first")
	}
	return global.Commit(addr, uintptr(count)*SEPageSize)
}
