package boot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestBuildE820SortedAndNonOverlapping(t *testing.T) {
	for _, memSize := range []uint64{32 << 20, 256 << 20, 1 << 30, 4 << 30} {
		entries := buildE820(memSize)

		var prevEnd uint64
		for i, e := range entries {
			if e.Addr < prevEnd {
				t.Fatalf("memSize=%#x: entry %d overlaps previous (addr %#x < prevEnd %#x)", memSize, i, e.Addr, prevEnd)
			}

			if e.Addr >= mmioWindowStart && e.Addr < mmioWindowEnd && e.Type == e820Ram {
				t.Fatalf("memSize=%#x: entry %d reports MMIO window as usable", memSize, i)
			}

			prevEnd = e.Addr + e.Size
		}

		if prevEnd < memSize && memSize > highMemBase {
			t.Fatalf("memSize=%#x: e820 map covers only up to %#x", memSize, prevEnd)
		}
	}
}

func TestBuildE820ExcludesMMIOWindow(t *testing.T) {
	entries := buildE820(4 << 30)

	for _, e := range entries {
		if e.Type != e820Ram {
			continue
		}

		overlapStart := e.Addr < mmioWindowEnd
		overlapEnd := e.Addr+e.Size > mmioWindowStart
		if overlapStart && overlapEnd {
			t.Fatalf("usable entry [%#x, %#x) overlaps MMIO window", e.Addr, e.Addr+e.Size)
		}
	}
}

func syntheticKernelImage(setupSects uint8, version uint16, xloadflags uint16, payload []byte) []byte {
	img := make([]byte, headerReadSize)
	binary.LittleEndian.PutUint16(img[bootFlagOffset:], bootFlagMagic)
	copy(img[headerMagicOffset:], headerMagic)
	binary.LittleEndian.PutUint16(img[versionOffset:], version)
	binary.LittleEndian.PutUint16(img[xloadflagsOffset:], xloadflags)
	img[setupSectsOffset] = setupSects

	offset := int(setupSects+1) * 512
	if offset < len(img) {
		offset = len(img)
	}

	full := make([]byte, offset)
	copy(full, img)
	full = append(full, payload...)

	return full
}

func TestParseSetupHeaderAccepts64BitKernel(t *testing.T) {
	img := syntheticKernelImage(8, minHdrVersion, xlfKernel64, []byte("payload"))

	hdr, err := parseSetupHeader(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("parseSetupHeader: %v", err)
	}

	if hdr.SetupSects != 8 {
		t.Errorf("SetupSects = %d, want 8", hdr.SetupSects)
	}
}

func TestParseSetupHeaderRejectsMissingMagic(t *testing.T) {
	img := syntheticKernelImage(4, minHdrVersion, xlfKernel64, nil)
	img[headerMagicOffset] = 'X'

	if _, err := parseSetupHeader(bytes.NewReader(img)); !errors.Is(err, ErrInvalidKernel) {
		t.Fatalf("parseSetupHeader: err = %v, want ErrInvalidKernel", err)
	}
}

func TestParseSetupHeaderRejectsOldVersion(t *testing.T) {
	img := syntheticKernelImage(4, 0x0200, xlfKernel64, nil)

	if _, err := parseSetupHeader(bytes.NewReader(img)); !errors.Is(err, ErrInvalidKernel) {
		t.Fatalf("parseSetupHeader: err = %v, want ErrInvalidKernel", err)
	}
}

func TestParseSetupHeaderRejects32BitOnlyKernel(t *testing.T) {
	img := syntheticKernelImage(4, minHdrVersion, 0, nil)

	if _, err := parseSetupHeader(bytes.NewReader(img)); !errors.Is(err, ErrInvalidKernel) {
		t.Fatalf("parseSetupHeader: err = %v, want ErrInvalidKernel", err)
	}
}

func TestLoadRejectsOversizedCmdline(t *testing.T) {
	img := syntheticKernelImage(4, minHdrVersion, xlfKernel64, []byte("payload"))
	mem := make([]byte, 64<<20)

	longCmdline := make([]byte, MaxCmdlineLen+1)
	for i := range longCmdline {
		longCmdline[i] = 'a'
	}

	_, err := Load(mem, uint64(len(mem)), bytes.NewReader(img), int64(len(img)), string(longCmdline))
	if !errors.Is(err, ErrCmdlineTooLong) {
		t.Fatalf("Load: err = %v, want ErrCmdlineTooLong", err)
	}
}

func TestLoadRejectsPayloadLargerThanMemory(t *testing.T) {
	payload := make([]byte, 8<<20)
	img := syntheticKernelImage(4, minHdrVersion, xlfKernel64, payload)
	mem := make([]byte, 4<<20) // smaller than KernelAddr + payload

	_, err := Load(mem, uint64(len(mem)), bytes.NewReader(img), int64(len(img)), "console=ttyS0")
	if !errors.Is(err, ErrKernelTooLarge) {
		t.Fatalf("Load: err = %v, want ErrKernelTooLarge", err)
	}
}

func TestLoadSetsEntryPointAndControlRegisters(t *testing.T) {
	payload := bytes.Repeat([]byte{0x90}, 4096)
	img := syntheticKernelImage(4, minHdrVersion, xlfKernel64, payload)
	mem := make([]byte, 64<<20)

	info, err := Load(mem, uint64(len(mem)), bytes.NewReader(img), int64(len(img)), "console=ttyS0")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if info.RIP != EntryPoint {
		t.Errorf("RIP = %#x, want %#x", info.RIP, uint64(EntryPoint))
	}

	if info.CR0&CR0xPE == 0 || info.CR0&CR0xPG == 0 {
		t.Errorf("CR0 = %#x, want PE|PG set", info.CR0)
	}

	if info.CR4&CR4xPAE == 0 {
		t.Errorf("CR4 = %#x, want PAE set", info.CR4)
	}

	if info.EFER&EFERxLME == 0 || info.EFER&EFERxLMA == 0 {
		t.Errorf("EFER = %#x, want LME|LMA set", info.EFER)
	}

	if info.CR3 != PageTableAddr {
		t.Errorf("CR3 = %#x, want %#x", info.CR3, uint64(PageTableAddr))
	}

	want := "console=ttyS0"
	got := string(mem[CmdlineAddr : CmdlineAddr+len(want)])
	if got != want {
		t.Errorf("cmdline in guest memory = %q, want %q", got, want)
	}
}
