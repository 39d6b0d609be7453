package sgxemm

import "sgxemm/internal/bitfield"

// EmmAllocOcall is the fixed-layout request buffer marshalled to the
// host for alloc_ocall (spec.md §6).
type EmmAllocOcall struct {
	Retval         int32
	Addr           uint64
	Size           uint64
	PageProperties uint32
	AllocFlags     uint32
}

// EmmModifyOcall is the fixed-layout request buffer marshalled to the
// host for modify_ocall.
type EmmModifyOcall struct {
	Retval    int32
	Addr      uint64
	Size      uint64
	FlagsFrom uint32
	FlagsTo   uint32
}

// wireFlags mirrors the bit packing spec.md §6 assigns to the combined
// alloc_flags/page_type/alignment word passed to the host: bits 0-7
// alloc_flags, bits 8-15 page_type, bits 24-31 alignment log2.
type wireFlags struct {
	Alloc AllocFlags `bitfield:",8"`
	Type  PageType   `bitfield:",8"`
	_     uint8      `bitfield:",8"`
	Align uint8      `bitfield:",8"`
}

// encodeAllocFlags packs alloc_flags/page_type/alignment into the wire
// word alloc_ocall expects, using the same tagged-struct packing the
// teacher's bitfield package implements.
func encodeAllocFlags(flags AllocFlags, typ PageType, alignShift uint8) (uint32, error) {
	packed, err := bitfield.Pack(wireFlags{Alloc: flags, Type: typ, Align: alignShift}, &bitfield.Config{NumBits: 32})
	if err != nil {
		return 0, err
	}
	return uint32(packed), nil
}

// decodeAllocFlags is the inverse of encodeAllocFlags, used by tests and
// by any future real out-call handler that needs to read back what was
// requested.
func decodeAllocFlags(word uint32) (AllocFlags, PageType, uint8, error) {
	var w wireFlags
	if err := bitfield.Unpack(uint64(word), &w); err != nil {
		return 0, 0, 0, err
	}
	return w.Alloc, w.Type, w.Align, nil
}

// pageInfoWire packs a PageInfo the way modify_ocall's flags_from/
// flags_to fields encode it: low 3 bits protection, next byte type.
type pageInfoWire struct {
	Prot ProtFlags `bitfield:",3"`
	_    uint8     `bitfield:",5"`
	Type PageType  `bitfield:",8"`
}

func encodePageInfo(info PageInfo) (uint32, error) {
	packed, err := bitfield.Pack(pageInfoWire{Prot: info.Prot, Type: info.Type}, &bitfield.Config{NumBits: 32})
	if err != nil {
		return 0, err
	}
	return uint32(packed), nil
}
