package boot

import (
	"encoding/binary"
	"fmt"
)

// E820Entry is one entry of the boot-time physical memory map (struct
// e820entry in <linux/boot_params.h>).
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// buildE820 constructs the memory map spec.md §4.3/invariant 2
// requires: [0, 640 KiB) usable, [1 MiB, memSize) usable, everything
// else reserved, with the virtio MMIO window always carved out of any
// usable region it would otherwise overlap.
func buildE820(memSize uint64) []E820Entry {
	entries := []E820Entry{
		{Addr: 0, Size: lowMemTop, Type: e820Ram},
		{Addr: lowMemTop, Size: highMemBase - lowMemTop, Type: e820Reserved},
	}

	if memSize <= highMemBase {
		return entries
	}

	highEnd := memSize
	if mmioWindowStart >= highMemBase && mmioWindowStart < highEnd {
		entries = append(entries, E820Entry{Addr: highMemBase, Size: mmioWindowStart - highMemBase, Type: e820Ram})
		entries = append(entries, E820Entry{Addr: mmioWindowStart, Size: mmioWindowEnd - mmioWindowStart, Type: e820Reserved})

		if mmioWindowEnd < highEnd {
			entries = append(entries, E820Entry{Addr: mmioWindowEnd, Size: highEnd - mmioWindowEnd, Type: e820Ram})
		}

		return entries
	}

	entries = append(entries, E820Entry{Addr: highMemBase, Size: highEnd - highMemBase, Type: e820Ram})

	return entries
}

// buildZeroPage writes the boot_params block (spec.md §4.3: header
// fields copied from the image, cmd_line_ptr = CmdlineAddr,
// type_of_loader = 0xff, an E820 table) into mem at ZeroPageAddr.
func buildZeroPage(mem []byte, hdr *SetupHeader, memSize uint64) error {
	zp := mem[ZeroPageAddr : ZeroPageAddr+zeroPageSize]
	for i := range zp {
		zp[i] = 0
	}

	copy(zp[setupHeaderOffset:], hdr.raw[setupHeaderOffset:])

	binary.LittleEndian.PutUint16(zp[bootFlagOffset:], bootFlagMagic)
	copy(zp[headerMagicOffset:], headerMagic)
	binary.LittleEndian.PutUint16(zp[versionOffset:], hdr.Version)

	zp[typeOfLoaderOffset] = typeOfLoaderID
	zp[loadFlagsOffset] = hdr.LoadFlags | canUseHeapFlag
	binary.LittleEndian.PutUint16(zp[heapEndPtrOffset:], 0xfe00-0x200)
	binary.LittleEndian.PutUint32(zp[cmdLinePtrOffset:], CmdlineAddr)

	entries := buildE820(memSize)
	if len(entries) > e820MaxEntries {
		return fmt.Errorf("%w: too many e820 entries (%d)", ErrInvalidKernel, len(entries))
	}

	zp[zeroPageE820Entries] = byte(len(entries))

	for i, e := range entries {
		base := zeroPageE820Table + i*e820EntrySize
		binary.LittleEndian.PutUint64(zp[base:], e.Addr)
		binary.LittleEndian.PutUint64(zp[base+8:], e.Size)
		binary.LittleEndian.PutUint32(zp[base+16:], e.Type)
	}

	return nil
}
