package boot

import (
	"errors"
	"fmt"
	"io"

	"github.com/loks0n/carbon/internal/kvm"
)

// Info carries every piece of initial vCPU state the boot loader
// computed, for the caller to apply via kvm.SetRegs/SetSregs (spec.md
// §4.3's "Set the VCPU" step).
type Info struct {
	RIP    uint64
	RSI    uint64
	RFLAGS uint64
	CR0    uint64
	CR3    uint64
	CR4    uint64
	EFER   uint64
	CS     kvm.Segment
	DS     kvm.Segment
	GDT    kvm.Descriptor
}

// Load implements spec.md §4.3 end to end: validates the setup header,
// places the payload and command line, builds the zero page, identity
// page tables and flat GDT, and returns the register state the vCPU
// must be initialized with.
//
// kernelSize is the full size of the kernel image file; the loader
// needs it to detect a payload that would not fit in guest memory
// without reading the whole file up front.
func Load(mem []byte, memSize uint64, kernel io.ReaderAt, kernelSize int64, cmdline string) (*Info, error) {
	if len(cmdline) > MaxCmdlineLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrCmdlineTooLong, len(cmdline))
	}

	hdr, err := parseSetupHeader(kernel)
	if err != nil {
		return nil, err
	}

	payloadOff := hdr.payloadOffset()
	payloadLen := kernelSize - payloadOff

	if payloadLen <= 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidKernel)
	}

	if uint64(KernelAddr)+uint64(payloadLen) > memSize {
		return nil, fmt.Errorf("%w: payload %d bytes at %#x exceeds %d byte guest memory",
			ErrKernelTooLarge, payloadLen, KernelAddr, memSize)
	}

	n, err := kernel.ReadAt(mem[KernelAddr:KernelAddr+payloadLen], payloadOff)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: read payload: %v", ErrInvalidKernel, err)
	}

	if int64(n) != payloadLen {
		return nil, fmt.Errorf("%w: short payload read (%d of %d bytes)", ErrInvalidKernel, n, payloadLen)
	}

	copy(mem[CmdlineAddr:], cmdline)
	mem[CmdlineAddr+len(cmdline)] = 0

	if err := buildZeroPage(mem, hdr, memSize); err != nil {
		return nil, err
	}

	buildPageTables(mem)
	cs, ds, gdt := buildGDT(mem)

	return &Info{
		RIP:    EntryPoint,
		RSI:    ZeroPageAddr,
		RFLAGS: 0x2,
		CR0:    CR0xPE | CR0xPG,
		CR3:    PageTableAddr,
		CR4:    CR4xPAE,
		EFER:   EFERxLME | EFERxLMA,
		CS:     cs,
		DS:     ds,
		GDT:    gdt,
	}, nil
}
