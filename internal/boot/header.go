package boot

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SetupHeader holds the fields of the bzImage setup header this loader
// cares about. Everything else in the header is carried through as raw
// bytes and copied into the zero page untouched.
type SetupHeader struct {
	SetupSects  uint8
	Version     uint16
	LoadFlags   uint8
	Code32Start uint32
	XLoadFlags  uint16
	CmdlineSize uint32

	raw [headerReadSize]byte
}

// parseSetupHeader reads and validates the setup header of a bzImage
// kernel (spec.md §4.3: magic `HdrS` at 0x1f1, version >= 2.12, 64-bit
// entry protocol bit).
func parseSetupHeader(kernel io.ReaderAt) (*SetupHeader, error) {
	h := &SetupHeader{}

	n, err := kernel.ReadAt(h.raw[:], 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: read setup header: %v", ErrInvalidKernel, err)
	}

	if n < setupHeaderOffset+4 {
		return nil, fmt.Errorf("%w: kernel image too short", ErrInvalidKernel)
	}

	if binary.LittleEndian.Uint16(h.raw[bootFlagOffset:]) != bootFlagMagic {
		return nil, fmt.Errorf("%w: missing boot sector signature", ErrInvalidKernel)
	}

	if string(h.raw[headerMagicOffset:headerMagicOffset+4]) != headerMagic {
		return nil, fmt.Errorf("%w: missing HdrS magic", ErrInvalidKernel)
	}

	h.Version = binary.LittleEndian.Uint16(h.raw[versionOffset:])
	if h.Version < minHdrVersion {
		return nil, fmt.Errorf("%w: setup header version %#x below %#x", ErrInvalidKernel, h.Version, minHdrVersion)
	}

	h.XLoadFlags = binary.LittleEndian.Uint16(h.raw[xloadflagsOffset:])
	if h.XLoadFlags&xlfKernel64 == 0 {
		return nil, fmt.Errorf("%w: kernel lacks 64-bit entry point", ErrInvalidKernel)
	}

	h.SetupSects = h.raw[setupSectsOffset]
	if h.SetupSects == 0 {
		h.SetupSects = 4
	}

	h.LoadFlags = h.raw[loadFlagsOffset]
	h.Code32Start = binary.LittleEndian.Uint32(h.raw[code32StartOffset:])
	h.CmdlineSize = binary.LittleEndian.Uint32(h.raw[cmdlineSizeOffset:])

	return h, nil
}

// payloadOffset is the byte offset of the protected-mode payload
// within the kernel image file (spec.md §4.3).
func (h *SetupHeader) payloadOffset() int64 {
	return int64(h.SetupSects+1) * 512
}
