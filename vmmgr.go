package sgxemm

import (
	"unsafe"

	"sgxemm/internal/syncx"
)

// VMManager owns the two ordered EMA interval lists (RTS, USER) and is
// the single serialization point for every address-space mutation. Its
// lock is a plain (non-reentrant) spinlock; see DESIGN.md for how
// addChunks's callback into the VM manager is handled without a
// reentrant primitive.
type VMManager struct {
	mu syncx.Spinlock

	mem        *enclaveMemory
	bridge     *HostBridge
	staticHeap *staticHeap
	reserve    *Reserve

	rts  *Ema
	user *Ema
}

func newVMManager(mem *enclaveMemory, bridge *HostBridge, sh *staticHeap) *VMManager {
	vm := &VMManager{mem: mem, bridge: bridge, staticHeap: sh}
	vm.reserve = newReserve(vm, bridge)
	return vm
}

func (vm *VMManager) headFor(rt RangeType) **Ema {
	if rt == RangeRTS {
		return &vm.rts
	}
	return &vm.user
}

// insertSorted splices e into the list rooted at *head in ascending
// start-address order. Lists are never expected to contain overlapping
// ranges by the time insertSorted runs — callers must have already
// checked via searchEmaRange/findFreeRegion.
func insertSorted(head **Ema, e *Ema) {
	if *head == nil || (*head).start > e.start {
		e.next = *head
		e.prev = nil
		if *head != nil {
			(*head).prev = e
		}
		*head = e
		return
	}
	cur := *head
	for cur.next != nil && cur.next.start < e.start {
		cur = cur.next
	}
	e.next = cur.next
	e.prev = cur
	if cur.next != nil {
		cur.next.prev = e
	}
	cur.next = e
}

func removeFromList(head **Ema, e *Ema) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		*head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	e.next, e.prev = nil, nil
}

// searchEmaRange returns every Ema in the list overlapping
// [start, start+length), in ascending order. Mirrors vmmgr.rs's
// search_ema_range.
func searchEmaRange(head *Ema, start, length uintptr) []*Ema {
	var out []*Ema
	for e := head; e != nil; e = e.next {
		if e.lowerThanAddr(start) {
			continue
		}
		if e.higherThanAddr(start + length) {
			break
		}
		if e.overlapAddr(start, length) {
			out = append(out, e)
		}
	}
	return out
}

// findFreeRegionAt reports whether [addr, addr+length) is free (no
// existing Ema overlaps it) and falls within bounds.
func findFreeRegionAt(head *Ema, low, high, addr, length uintptr) bool {
	if addr < low || addr+length > high || addr+length < addr {
		return false
	}
	return len(searchEmaRange(head, addr, length)) == 0
}

// findFreeRegion scans gaps between consecutive EMAs (and the bounds)
// for the first one big enough to hold length bytes aligned to
// 1<<alignShift, preferring low addresses — a simple first-fit, the
// same strategy find_free_region falls back to once a FIXED request
// cannot be honored.
func findFreeRegion(head *Ema, low, high uintptr, length uintptr, alignShift uint8) (uintptr, error) {
	const op = "sgxemm.VMManager.findFreeRegion"
	align := uintptr(1) << alignShift
	if align < SEPageSize {
		align = SEPageSize
	}

	cursor := roundUp(low, align)
	for e := head; e != nil; e = e.next {
		if e.start >= cursor {
			gapEnd := e.start
			if gapEnd > high {
				gapEnd = high
			}
			if gapEnd >= cursor && gapEnd-cursor >= length {
				return cursor, nil
			}
			cursor = roundUp(e.end(), align)
		} else if e.end() > cursor {
			cursor = roundUp(e.end(), align)
		}
	}
	if high-cursor >= length && high >= cursor {
		return cursor, nil
	}
	return 0, errOutOfMemory(op, "no free region large enough")
}

// rangeBounds returns the [low, high) address bounds backing a
// RangeType, derived from the configured Layout.
func (vm *VMManager) rangeBounds(rt RangeType) (uintptr, uintptr) {
	if rt == RangeUser {
		return vm.mem.userBase(), vm.mem.userEnd()
	}
	return vm.mem.base, vm.mem.base + vm.mem.layout.Size
}

// findFreeRegionIn picks a free region for rt, treating the user
// sub-range as permanently occupied when rt is RangeRTS — ELRANGE
// minus USER is really two disjoint intervals (below USER, above
// USER), and an RTS allocation must land in one of them.
func (vm *VMManager) findFreeRegionIn(rt RangeType, length uintptr, alignShift uint8) (uintptr, error) {
	head := *vm.headFor(rt)
	if rt == RangeUser {
		low, high := vm.rangeBounds(RangeUser)
		return findFreeRegion(head, low, high, length, alignShift)
	}

	low, high := vm.rangeBounds(RangeRTS)
	userLow, userHigh := vm.mem.userBase(), vm.mem.userEnd()
	if addr, err := findFreeRegion(head, low, userLow, length, alignShift); err == nil {
		return addr, nil
	}
	return findFreeRegion(head, userHigh, high, length, alignShift)
}

// newEmaNode charges an Ema's own node storage to the allocator the
// caller selected, returning the Ema (a normal Go-heap object) with
// its accounting token set.
func (vm *VMManager) newEmaNode(start, length uintptr, flags AllocFlags, info PageInfo, tag AllocatorTag) (*Ema, error) {
	size := unsafe.Sizeof(Ema{})
	var addr uintptr
	var err error
	switch tag {
	case AllocatorStatic:
		addr, err = vm.staticHeap.allocate(size)
	default:
		addr, err = vm.reserve.emalloc(size)
	}
	if err != nil {
		return nil, err
	}
	e := newEma(start, length, flags, info, tag)
	e.nodeAddr, e.nodeBytes = addr, size
	return e, nil
}

func (vm *VMManager) freeEmaNode(e *Ema) {
	if e.nodeAddr == 0 {
		return
	}
	switch e.allocator {
	case AllocatorStatic:
		vm.staticHeap.free(e.nodeAddr)
	default:
		vm.reserve.efree(e.nodeAddr)
	}
}

// Alloc reserves/commits a new region per opts and returns its base
// address. This is the public, locking entry point; addChunks and
// other reserve-heap-internal callers must use allocLocked instead,
// since they run with vm.mu already held.
func (vm *VMManager) Alloc(opts *EmaOptions) (uintptr, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.allocLocked(opts)
}

func (vm *VMManager) allocLocked(opts *EmaOptions) (uintptr, error) {
	const op = "sgxemm.VMManager.allocLocked"
	if err := checkEmaOptions(opts); err != nil {
		return 0, err
	}

	head := vm.headFor(opts.Range)
	low, high := vm.rangeBounds(opts.Range)

	var addr uintptr
	if opts.Addr != nil {
		addr = *opts.Addr
		if addr < low || addr+opts.Length > high || addr+opts.Length < addr {
			if opts.AllocFlags.Has(AllocFixed) {
				return 0, errNoPermission(op, "fixed address range outside target range bounds")
			}
			return 0, errInvalid(op, "address range outside target range bounds")
		}
		emaOverlap := len(searchEmaRange(*head, addr, opts.Length)) != 0
		userOverlap := opts.Range == RangeRTS && vm.mem.rangesOverlapUser(addr, opts.Length)
		fits := !emaOverlap && !userOverlap

		if !fits && emaOverlap && !userOverlap {
			// Only an EMA overlap, never a user-range collision, is
			// eligible for the RESERVED takeover: attempt it regardless
			// of FIXED, same as alloc's clear_reserved_emas call.
			if err := vm.takeoverReserved(opts.Range, addr, opts.Length, opts.Allocator); err == nil {
				fits = true
			} else if opts.AllocFlags.Has(AllocFixed) {
				return 0, err
			}
		} else if !fits && opts.AllocFlags.Has(AllocFixed) {
			return 0, errNoPermission(op, "fixed address range overlaps the user range")
		}

		if !fits {
			var err error
			addr, err = vm.findFreeRegionIn(opts.Range, opts.Length, opts.AlignShift)
			if err != nil {
				return 0, err
			}
		}
	} else {
		var err error
		addr, err = vm.findFreeRegionIn(opts.Range, opts.Length, opts.AlignShift)
		if err != nil {
			return 0, err
		}
	}

	e, err := vm.newEmaNode(addr, opts.Length, opts.AllocFlags, opts.Info, opts.Allocator)
	if err != nil {
		return 0, err
	}
	insertSorted(head, e)

	if opts.AllocFlags.Has(AllocCommitNow) {
		for i := 0; i < pageCount(e.length); i++ {
			pageAddr := e.start + uintptr(i)*SEPageSize
			if err := vm.bridge.hw.Accept(pageAddr, e.info); err != nil {
				removeFromList(head, e)
				vm.freeEmaNode(e)
				return 0, errFault(op, err.Error())
			}
			if e.eaccept != nil {
				e.bitSet(i)
			}
		}
		if err := vm.bridge.allocOcall(addr, opts.Length, opts.Info.Type, opts.AllocFlags); err != nil {
			return 0, err
		}
	}

	return addr, nil
}

// takeoverReserved attempts to claim [addr, addr+length) from existing
// RESERVED placeholder EMAs so an allocation at a requested address can
// land there.
// Mirrors alloc's clear_reserved_emas-on-overlap path: it only succeeds
// when every EMA overlapping the range is RESERVED and carries the same
// allocator tag as the incoming request; any other overlap is left
// untouched and reported as ALREADY_EXISTS. Boundary placeholders that
// only partially overlap the requested range are split so the
// surrounding RESERVED coverage survives the takeover.
func (vm *VMManager) takeoverReserved(rt RangeType, addr, length uintptr, tag AllocatorTag) error {
	const op = "sgxemm.VMManager.takeoverReserved"
	head := vm.headFor(rt)
	matches := searchEmaRange(*head, addr, length)
	for _, e := range matches {
		if !e.allocFlags.Has(AllocReserved) || e.allocator != tag {
			return errAlreadyExists(op, "fixed address range overlaps a non-reserved ema")
		}
	}
	for _, e := range matches {
		if e.start < addr {
			upper, err := e.split(addr)
			if err != nil {
				return err
			}
			if upper.end() > addr+length {
				tail, err := upper.split(addr + length)
				if err != nil {
					return err
				}
				if err := vm.reinsertReservedRemainder(head, tail); err != nil {
					return err
				}
			}
			continue
		}
		if e.end() > addr+length {
			tail, err := e.split(addr + length)
			if err != nil {
				return err
			}
			if err := vm.reinsertReservedRemainder(head, tail); err != nil {
				return err
			}
		}
		removeFromList(head, e)
		vm.freeEmaNode(e)
	}
	return nil
}

// reinsertReservedRemainder gives a split-off RESERVED remainder (which
// split returns as a plain, unlinked, node-storage-less Ema) a real
// accounting token and splices it back into head.
func (vm *VMManager) reinsertReservedRemainder(head **Ema, remainder *Ema) error {
	node, err := vm.newEmaNode(remainder.start, remainder.length, remainder.allocFlags, remainder.info, remainder.allocator)
	if err != nil {
		return err
	}
	node.eaccept = remainder.eaccept
	insertSorted(head, node)
	return nil
}

// InitStaticRegion stakes out [addr, addr+length) ahead of any general
// allocation traffic — the RTS layout table replay this backs is pure
// bookkeeping for regions the enclave loader already built. Unlike
// Alloc, it never issues a hardware Accept: non-RESERVED entries here
// describe pages the loader measured in at load time, so their commit
// bitmap (when the region is COMMIT_ON_DEMAND) is simply marked full
// up front instead of earning it one EACCEPT at a time.
func (vm *VMManager) InitStaticRegion(opts *EmaOptions) (uintptr, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.initStaticRegionLocked(opts)
}

func (vm *VMManager) initStaticRegionLocked(opts *EmaOptions) (uintptr, error) {
	const op = "sgxemm.VMManager.initStaticRegion"
	if err := checkEmaOptions(opts); err != nil {
		return 0, err
	}
	if opts.Addr == nil {
		return 0, errInvalid(op, "init_static_region requires a fixed address")
	}
	addr := *opts.Addr

	head := vm.headFor(opts.Range)
	low, high := vm.rangeBounds(opts.Range)
	if addr < low || addr+opts.Length > high || addr+opts.Length < addr {
		return 0, errInvalid(op, "address range outside target range bounds")
	}
	if len(searchEmaRange(*head, addr, opts.Length)) != 0 {
		return 0, errInvalid(op, "static region address range already in use")
	}
	if opts.Range == RangeRTS && vm.mem.rangesOverlapUser(addr, opts.Length) {
		return 0, errInvalid(op, "static region overlaps user range")
	}

	e, err := vm.newEmaNode(addr, opts.Length, opts.AllocFlags, opts.Info, opts.Allocator)
	if err != nil {
		return 0, err
	}
	insertSorted(head, e)

	if !opts.AllocFlags.Has(AllocReserved) && e.eaccept != nil {
		for i := 0; i < pageCount(e.length); i++ {
			e.bitSet(i)
		}
	}
	return addr, nil
}

// Dealloc releases [addr, addr+length), which must exactly match one
// or more contiguous EMAs with no partial overlap at either end
// (matching vmmgr.rs's dealloc precondition — partial frees require
// the caller to have already split via a prior ModifyPerms/ModifyType
// boundary).
func (vm *VMManager) Dealloc(addr, length uintptr) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.deallocLocked(addr, length)
}

func (vm *VMManager) deallocLocked(addr, length uintptr) error {
	const op = "sgxemm.VMManager.dealloc"
	rt, err := vm.check(addr, length)
	if err != nil {
		return err
	}
	head := vm.headFor(rt)
	matches := searchEmaRange(*head, addr, length)
	if len(matches) == 0 {
		return errInvalid(op, "no ema covers the requested range")
	}
	first, last := matches[0], matches[len(matches)-1]
	if first.start != addr || last.end() != addr+length {
		return errInvalid(op, "dealloc range must exactly cover whole emas")
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].start != matches[i-1].end() {
			return errInvalid(op, "dealloc range spans a gap between emas")
		}
	}
	for _, e := range matches {
		if err := e.dealloc(vm.bridge); err != nil {
			return err
		}
		removeFromList(head, e)
		vm.freeEmaNode(e)
	}
	return nil
}

// check classifies [addr, length) as RTS or USER, rejecting ranges
// that straddle both or fall outside ELRANGE entirely.
func (vm *VMManager) check(addr, length uintptr) (RangeType, error) {
	const op = "sgxemm.VMManager.check"
	if !vm.mem.isWithinEnclave(addr, length) {
		return 0, errInvalid(op, "range outside enclave")
	}
	if vm.mem.isWithinUserRange(addr, length) {
		return RangeUser, nil
	}
	if vm.mem.rangesOverlapUser(addr, length) {
		return 0, errInvalid(op, "range straddles rts and user sub-ranges")
	}
	return RangeRTS, nil
}

// coveringEmas returns every EMA overlapping [addr, addr+length), in
// ascending order, requiring that together they cover the range
// exactly and contiguously (no gaps, no partial edge miss). This is the
// multi-EMA form apply_commands needs: Commit/Uncommit/ModifyPerms/
// ModifyType all operate "across the selected EMAs" rather than
// requiring a single covering node.
func (vm *VMManager) coveringEmas(addr, length uintptr) ([]*Ema, RangeType, error) {
	const op = "sgxemm.VMManager.coveringEmas"
	rt, err := vm.check(addr, length)
	if err != nil {
		return nil, 0, err
	}
	matches := searchEmaRange(*vm.headFor(rt), addr, length)
	if len(matches) == 0 {
		return nil, 0, errInvalid(op, "no ema covers the requested range")
	}
	if matches[0].start > addr || matches[len(matches)-1].end() < addr+length {
		return nil, 0, errInvalid(op, "range is not fully covered by contiguous emas")
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].start != matches[i-1].end() {
			return nil, 0, errInvalid(op, "range spans a gap between emas")
		}
	}
	return matches, rt, nil
}

// findOwner is coveringEmas restricted to the single-EMA case, kept for
// callers (and tests) that only ever deal with one EMA at a time.
func (vm *VMManager) findOwner(addr, length uintptr) (*Ema, RangeType, error) {
	const op = "sgxemm.VMManager.findOwner"
	matches, rt, err := vm.coveringEmas(addr, length)
	if err != nil {
		return nil, 0, err
	}
	if len(matches) != 1 {
		return nil, 0, errInvalid(op, "range is not covered by a single ema")
	}
	return matches[0], rt, nil
}

// clipRange intersects [addr, addr+length) with e's own bounds, for
// applying a multi-EMA command's per-EMA slice.
func clipRange(e *Ema, addr, length uintptr) (uintptr, uintptr) {
	lo, hi := addr, addr+length
	if e.start > lo {
		lo = e.start
	}
	if e.end() < hi {
		hi = e.end()
	}
	return lo, hi
}

// Commit performs on-demand EACCEPT of [addr, addr+length), which may
// span several contiguous EMAs. Every EMA's precondition is checked
// before any of them is mutated, so a bad request touches nothing.
func (vm *VMManager) Commit(addr, length uintptr) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.commitLocked(addr, length)
}

func (vm *VMManager) commitLocked(addr, length uintptr) error {
	emas, _, err := vm.coveringEmas(addr, length)
	if err != nil {
		return err
	}
	for _, e := range emas {
		lo, hi := clipRange(e, addr, length)
		if err := e.commitCheck(lo, hi-lo); err != nil {
			return err
		}
	}
	for _, e := range emas {
		lo, hi := clipRange(e, addr, length)
		if err := e.commit(vm.bridge, lo, hi-lo); err != nil {
			return err
		}
	}
	return nil
}

// Uncommit trims [addr, addr+length) back to reserved, across however
// many contiguous EMAs it spans, with the same check-all-then-
// mutate-all two-phase pass as Commit.
func (vm *VMManager) Uncommit(addr, length uintptr) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	emas, _, err := vm.coveringEmas(addr, length)
	if err != nil {
		return err
	}
	for _, e := range emas {
		lo, hi := clipRange(e, addr, length)
		if err := e.uncommitCheck(lo, hi-lo); err != nil {
			return err
		}
	}
	for _, e := range emas {
		lo, hi := clipRange(e, addr, length)
		if err := e.uncommit(vm.bridge, lo, hi-lo); err != nil {
			return err
		}
	}
	return nil
}

// ModifyPerms changes permissions over [addr, addr+length), which may
// span several contiguous EMAs. Every covering EMA is checked first;
// only then are the boundary EMAs split down to the requested range and
// every resulting segment's permission changed and reported to the
// host.
func (vm *VMManager) ModifyPerms(addr, length uintptr, newProt ProtFlags) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	emas, rt, err := vm.coveringEmas(addr, length)
	if err != nil {
		return err
	}
	for _, e := range emas {
		if err := e.modifyPermCheck(newProt); err != nil {
			return err
		}
	}
	emas, err = vm.splitRangeBoundaries(rt, emas, addr, length)
	if err != nil {
		return err
	}
	oldInfos := make([]PageInfo, len(emas))
	for i, e := range emas {
		oldInfos[i] = e.info
	}
	for _, e := range emas {
		if err := e.modifyPerm(vm.bridge, newProt); err != nil {
			return err
		}
	}
	for i, e := range emas {
		if err := vm.bridge.modifyOcall(e.start, e.length, oldInfos[i], e.info); err != nil {
			return err
		}
	}
	return nil
}

// ModifyType converts [addr, addr+length) to typ (only PageTcs is
// supported, matching EMODT's single real use in the original source).
// Like ModifyPerms, it may span several contiguous EMAs and validates
// all of them before mutating any.
func (vm *VMManager) ModifyType(addr, length uintptr, typ PageType) error {
	const op = "sgxemm.VMManager.ModifyType"
	if typ != PageTcs {
		return errInvalid(op, "only conversion to tcs is supported")
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	emas, rt, err := vm.coveringEmas(addr, length)
	if err != nil {
		return err
	}
	for _, e := range emas {
		if err := e.changeToTcsCheck(); err != nil {
			return err
		}
	}
	emas, err = vm.splitRangeBoundaries(rt, emas, addr, length)
	if err != nil {
		return err
	}
	for _, e := range emas {
		if err := e.changeToTcs(vm.bridge); err != nil {
			return err
		}
	}
	return nil
}

// splitRangeBoundaries ensures the first and last EMA in emas line up
// exactly with [addr, addr+length), splitting off a leading and/or
// trailing remainder when either boundary EMA extends past the
// requested range. Interior EMAs are already exactly covered by
// construction (coveringEmas rejects gaps), so only the two ends ever
// need splitting. Returns the (possibly narrowed) EMA list covering
// exactly the requested range.
func (vm *VMManager) splitRangeBoundaries(rt RangeType, emas []*Ema, addr, length uintptr) ([]*Ema, error) {
	head := vm.headFor(rt)

	first := emas[0]
	if first.start < addr {
		upper, err := first.split(addr)
		if err != nil {
			return nil, err
		}
		node, err := vm.newEmaNode(upper.start, upper.length, upper.allocFlags, upper.info, first.allocator)
		if err != nil {
			return nil, err
		}
		node.eaccept = upper.eaccept
		insertSorted(head, node)
		emas[0] = node
	}

	last := emas[len(emas)-1]
	if last.end() > addr+length {
		tail, err := last.split(addr + length)
		if err != nil {
			return nil, err
		}
		node, err := vm.newEmaNode(tail.start, tail.length, tail.allocFlags, tail.info, last.allocator)
		if err != nil {
			return nil, err
		}
		node.eaccept = tail.eaccept
		insertSorted(head, node)
	}
	return emas, nil
}

// clearReservedEmas removes every RESERVED placeholder Ema from both
// lists, freeing their node storage. Used once at the end of
// InitRTSEmas, after the initial RTS layout has staked out address ranges that real
// allocations will subsequently claim.
func (vm *VMManager) clearReservedEmas() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for _, rt := range [...]RangeType{RangeRTS, RangeUser} {
		head := vm.headFor(rt)
		e := *head
		for e != nil {
			next := e.next
			if e.allocFlags.Has(AllocReserved) {
				removeFromList(head, e)
				vm.freeEmaNode(e)
			}
			e = next
		}
	}
}
