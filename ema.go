package sgxemm

import "math/bits"

// Ema (Enclave Memory Area) describes one contiguous, homogeneously
// flagged interval of address space. The VM manager keeps two ordered
// doubly linked lists of these (RTS, USER); split only ever touches
// the neighbors in the same list.
type Ema struct {
	start      uintptr
	length     uintptr
	allocFlags AllocFlags
	info       PageInfo
	allocator  AllocatorTag

	// nodeAddr is the opaque accounting token returned by whichever heap
	// (static or reserve) paid for this Ema's own node storage. It is
	// never dereferenced as a pointer to this struct — the Ema itself
	// lives on the normal Go heap — it only exists so Dealloc can credit
	// the byte cost back to the correct heap, preserving the spec's
	// "EMA nodes are themselves heap-allocated" accounting.
	nodeAddr  uintptr
	nodeBytes uintptr

	// eaccept is a per-page commit bitmap: bit i set means page i of
	// this EMA has been committed (EACCEPT'd). Used only for
	// COMMIT_ON_DEMAND EMAs; COMMIT_NOW/RESERVED EMAs leave it nil and
	// rely on allocFlags alone.
	eaccept []uint64

	next, prev *Ema
}

func pageCount(length uintptr) int { return int(length / SEPageSize) }

func newEma(start, length uintptr, flags AllocFlags, info PageInfo, allocator AllocatorTag) *Ema {
	e := &Ema{start: start, length: length, allocFlags: flags, info: info, allocator: allocator}
	if flags.Has(AllocCommitOnDemand) {
		e.eaccept = make([]uint64, (pageCount(length)+63)/64)
	}
	return e
}

func (e *Ema) end() uintptr { return e.start + e.length }

func (e *Ema) lowerThanAddr(addr uintptr) bool  { return e.end() <= addr }
func (e *Ema) higherThanAddr(addr uintptr) bool { return e.start >= addr }
func (e *Ema) overlapAddr(addr, length uintptr) bool {
	return e.start < addr+length && addr < e.end()
}
func (e *Ema) alignedEnd(align uintptr) uintptr { return roundUp(e.end(), align) }

func (e *Ema) pageIndex(addr uintptr) int { return int((addr - e.start) / SEPageSize) }

func (e *Ema) bitSet(i int)   { e.eaccept[i/64] |= 1 << uint(i%64) }
func (e *Ema) bitClear(i int) { e.eaccept[i/64] &^= 1 << uint(i%64) }
func (e *Ema) bitTest(i int) bool {
	return e.eaccept[i/64]&(1<<uint(i%64)) != 0
}

// committedCount reports how many pages in [start, start+length) are
// currently marked EACCEPT'd.
func (e *Ema) committedCount(start, length uintptr) int {
	n := 0
	from, to := e.pageIndex(start), e.pageIndex(start+length)
	for i := from; i < to; i++ {
		if e.bitTest(i) {
			n++
		}
	}
	return n
}

func (e *Ema) wordPopcount() int {
	n := 0
	for _, w := range e.eaccept {
		n += bits.OnesCount64(w)
	}
	return n
}

// split divides e at addr, which must be strictly interior and page
// aligned. The returned Ema becomes the upper half and is left
// unlinked; the caller (VMManager) is responsible for splicing it into
// the list e belongs to. Mirrors vmmgr.rs's Ema::split.
func (e *Ema) split(at uintptr) (*Ema, error) {
	const op = "sgxemm.Ema.split"
	if at <= e.start || at >= e.end() || at%SEPageSize != 0 {
		return nil, errInvalid(op, "split point must be strictly interior and page aligned")
	}
	upperLen := e.end() - at
	upper := newEma(at, upperLen, e.allocFlags, e.info, e.allocator)

	if e.eaccept != nil {
		fromBit := e.pageIndex(at)
		for i := fromBit; i < pageCount(e.length); i++ {
			if e.bitTest(i) {
				upper.bitSet(i - fromBit)
			}
		}
	}
	e.length = at - e.start
	if e.eaccept != nil {
		n := pageCount(e.length)
		e.eaccept = e.eaccept[:(n+63)/64]
		if r := n % 64; r != 0 {
			e.eaccept[len(e.eaccept)-1] &= 1<<uint(r) - 1
		}
	}
	return upper, nil
}

// commitCheck validates that [start, start+length) lies inside e and
// is a COMMIT_ON_DEMAND region eligible for on-demand commit.
func (e *Ema) commitCheck(start, length uintptr) error {
	const op = "sgxemm.Ema.commitCheck"
	if start < e.start || start+length > e.end() {
		return errInvalid(op, "commit range outside ema")
	}
	if !e.allocFlags.Has(AllocCommitOnDemand) {
		return errNoPermission(op, "ema is not commit-on-demand")
	}
	return nil
}

// commit marks [start, start+length) as accepted, issuing one Accept
// per uncommitted page through the host bridge.
func (e *Ema) commit(bridge *HostBridge, start, length uintptr) error {
	if err := e.commitCheck(start, length); err != nil {
		return err
	}
	from, to := e.pageIndex(start), e.pageIndex(start+length)
	for i := from; i < to; i++ {
		if e.bitTest(i) {
			continue
		}
		addr := e.start + uintptr(i)*SEPageSize
		if err := bridge.hw.Accept(addr, e.info); err != nil {
			return errFault("sgxemm.Ema.commit", err.Error())
		}
		e.bitSet(i)
	}
	return nil
}

// uncommitCheck validates an uncommit request the same way
// commitCheck does for commit, but also forbids uncommitting a
// COMMIT_NOW region (those pages are permanently resident).
func (e *Ema) uncommitCheck(start, length uintptr) error {
	const op = "sgxemm.Ema.uncommitCheck"
	if start < e.start || start+length > e.end() {
		return errInvalid(op, "uncommit range outside ema")
	}
	if e.allocFlags.Has(AllocCommitNow) {
		return errNoPermission(op, "commit-now pages cannot be uncommitted")
	}
	if !e.allocFlags.Has(AllocCommitOnDemand) {
		return errNoPermission(op, "ema is not commit-on-demand")
	}
	return nil
}

func (e *Ema) uncommit(bridge *HostBridge, start, length uintptr) error {
	if err := e.uncommitCheck(start, length); err != nil {
		return err
	}
	from, to := e.pageIndex(start), e.pageIndex(start+length)
	for i := from; i < to; i++ {
		if !e.bitTest(i) {
			continue
		}
		addr := e.start + uintptr(i)*SEPageSize
		if err := bridge.hw.AcceptTrim(addr); err != nil {
			return errFault("sgxemm.Ema.uncommit", err.Error())
		}
		e.bitClear(i)
	}
	return nil
}

// modifyPermCheck forbids the X-without-R combination; any other
// protection, wider or narrower than the current one, is accepted.
func (e *Ema) modifyPermCheck(newProt ProtFlags) error {
	const op = "sgxemm.Ema.modifyPermCheck"
	if newProt.Has(ProtX) && !newProt.Has(ProtR) {
		return errInvalid(op, "X without R is not a legal protection")
	}
	return nil
}

// modifyPerm changes e's permission, narrowing via EMODPR (host
// acknowledgment required before the narrower protection takes
// effect) or widening via EMODPE (takes effect immediately).
func (e *Ema) modifyPerm(bridge *HostBridge, newProt ProtFlags) error {
	if err := e.modifyPermCheck(newProt); err != nil {
		return err
	}
	widening := newProt&^e.info.Prot != 0 && e.info.Prot&^newProt == 0
	for i := 0; i < pageCount(e.length); i++ {
		addr := e.start + uintptr(i)*SEPageSize
		if e.eaccept != nil && !e.bitTest(i) {
			continue
		}
		var err error
		if widening {
			err = bridge.hw.ModifyExtend(addr, newProt)
		} else {
			err = bridge.hw.ModifyRestrict(addr, newProt)
		}
		if err != nil {
			return errFault("sgxemm.Ema.modifyPerm", err.Error())
		}
	}
	e.info.Prot = newProt
	return nil
}

// changeToTcsCheck validates that e is eligible for TCS conversion
// without performing it, so callers converting several EMAs at once can
// check every one of them before mutating any.
func (e *Ema) changeToTcsCheck() error {
	const op = "sgxemm.Ema.changeToTcs"
	if e.info.Type != PageReg {
		return errNoPermission(op, "only REG pages can convert to TCS")
	}
	if e.eaccept != nil && e.wordPopcount() != pageCount(e.length) {
		return errInvalid(op, "all pages must be committed before TCS conversion")
	}
	return nil
}

// changeToTcs converts every page in e to PageTcs via EMODT. Only
// legal for REG pages that are fully committed.
func (e *Ema) changeToTcs(bridge *HostBridge) error {
	const op = "sgxemm.Ema.changeToTcs"
	if err := e.changeToTcsCheck(); err != nil {
		return err
	}
	for i := 0; i < pageCount(e.length); i++ {
		addr := e.start + uintptr(i)*SEPageSize
		if err := bridge.hw.ModifyType(addr, PageTcs); err != nil {
			return errFault(op, err.Error())
		}
	}
	e.info.Type = PageTcs
	return nil
}

// dealloc issues an AcceptTrim for every committed page, releasing
// this EMA's hold on its address range. The caller (VMManager) removes
// e from its list and returns the node itself to the owning allocator.
func (e *Ema) dealloc(bridge *HostBridge) error {
	const op = "sgxemm.Ema.dealloc"
	if e.allocFlags.Has(AllocReserved) {
		return nil
	}
	for i := 0; i < pageCount(e.length); i++ {
		if e.eaccept != nil && !e.bitTest(i) {
			continue
		}
		addr := e.start + uintptr(i)*SEPageSize
		if err := bridge.hw.AcceptTrim(addr); err != nil {
			return errFault(op, err.Error())
		}
	}
	return nil
}
