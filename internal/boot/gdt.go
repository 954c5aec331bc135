package boot

import "github.com/loks0n/carbon/internal/kvm"

// gdtEntry mirrors one 8-byte GDT descriptor (grounded in
// BigBossBoolingB-VDATABPro's GDTEntry/NewGDTEntry byte layout,
// generalized here from a 32-bit segment to the 64-bit long-mode code
// descriptor the spec requires, L=1).
type gdtEntry struct {
	limitLow  uint16
	baseLow   uint16
	baseMid   uint8
	access    uint8
	limitHigh uint8 // low nibble: limit[19:16]; high nibble: flags (G,D/B,L,AVL)
	baseHigh  uint8
}

func newGDTEntry(base uint32, limit uint32, access uint8, flags uint8) gdtEntry {
	return gdtEntry{
		baseLow:   uint16(base & 0xffff),
		baseMid:   uint8((base >> 16) & 0xff),
		baseHigh:  uint8((base >> 24) & 0xff),
		limitLow:  uint16(limit & 0xffff),
		limitHigh: uint8((limit>>16)&0x0f) | (flags & 0xf0),
		access:    access,
	}
}

func (e gdtEntry) bytes() [8]byte {
	return [8]byte{
		byte(e.limitLow),
		byte(e.limitLow >> 8),
		byte(e.baseLow),
		byte(e.baseLow >> 8),
		e.baseMid,
		e.access,
		e.limitHigh,
		e.baseHigh,
	}
}

const (
	accessCode64 = 0x9a // present, DPL0, code, execute/read, accessed bit clear
	accessData   = 0x92 // present, DPL0, data, read/write

	flagsCode64 = 0x20 // L=1 (64-bit), D=0, G=0: limit/base ignored in long mode
	flagsData   = 0xc0 // G=1, D/B=1
)

// buildGDT writes a flat null/code/data GDT into mem at GDTAddr
// (spec.md §4.3) and returns the segment descriptors and GDT table
// pointer the vCPU's Sregs must carry.
func buildGDT(mem []byte) (cs, ds kvm.Segment, table kvm.Descriptor) {
	entries := [3]gdtEntry{
		{},
		newGDTEntry(0, 0xfffff, accessCode64, flagsCode64),
		newGDTEntry(0, 0xfffff, accessData, flagsData),
	}

	for i, e := range entries {
		b := e.bytes()
		copy(mem[GDTAddr+i*8:], b[:])
	}

	cs = kvm.Segment{
		Base: 0, Limit: 0xfffff, Selector: 1 << 3,
		Typ: 11, Present: 1, DPL: 0, DB: 0, S: 1, L: 1, G: 1,
	}
	ds = kvm.Segment{
		Base: 0, Limit: 0xfffff, Selector: 2 << 3,
		Typ: 3, Present: 1, DPL: 0, DB: 1, S: 1, L: 0, G: 1,
	}
	table = kvm.Descriptor{Base: GDTAddr, Limit: uint16(len(entries)*8 - 1)}

	return cs, ds, table
}
