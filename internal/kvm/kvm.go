// Package kvm provides the raw ioctl bindings onto /dev/kvm that the rest
// of carbon builds on: VM and vCPU lifecycle, register access, and the
// kvm_run exit structure. Struct layouts mirror the kernel's <linux/kvm.h>
// byte for byte; they are read and written through ioctl(2), never
// reinterpreted through encoding/gob or JSON.
package kvm

import (
	"errors"
	"syscall"
	"unsafe"
)

const (
	kvmGetAPIVersion       = 0xae00
	kvmCreateVM            = 0xae01
	kvmCreateVCPU          = 0xae41
	kvmRun                 = 0xae80
	kvmGetVCPUMMapSize     = 0xae04
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTSSAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008ae48
	kvmCreateIRQChip       = 0xae60
	kvmCreatePIT2          = 0x4040ae77
	kvmGetSupportedCPUID   = 0xc008ae05
	kvmSetCPUID2           = 0x4008ae90
	kvmIRQLine             = 0xc008ae67
	kvmGetClock            = 0x8030ae7c
	kvmSetClock            = 0x4030ae7b
	kvmGetIRQChip          = 0xc208ae62
	kvmSetIRQChip          = 0x8208ae63
	kvmGetPIT2             = 0x8070ae9f
	kvmSetPIT2             = 0x4070aea0
	kvmGetMSRIndexList     = 0xc004ae02
	kvmGetMSRs             = 0xc008ae88
	kvmSetMSRs             = 0x4008ae89
	kvmGetLAPIC            = 0x8400ae8e
	kvmSetLAPIC            = 0x4400ae8f
	kvmGetVCPUEvents       = 0x8040ae9f
	kvmSetVCPUEvents       = 0x4040aea0
	kvmGetMPState          = 0x8004ae98
	kvmSetMPState          = 0x4004ae99
	kvmGetDebugRegs        = 0x8080aea1
	kvmSetDebugRegs        = 0x4080aea2
	kvmGetXCRS             = 0x8188aea6
	kvmSetXCRS             = 0x4188aea7

	// ExitUnknown and friends are the kvm_run.exit_reason values the run
	// loop must classify (spec.md's exit dispatch table, §4.2).
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitSetTPR        = 11
	ExitTPRAccess     = 12
	ExitInternalError = 17

	ExitIOIn  = 0
	ExitIOOut = 1

	numInterrupts = 0x100

	CPUIDSignature  = 0x40000000
	CPUIDFeatures   = 0x40000001
	CPUIDFuncPerMon = 0x0A
)

// ErrUnexpectedExitReason is returned when the run loop sees an exit
// reason carbon's CPU Core does not handle (spec.md §4.2, "Any other").
var ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

// Regs holds the general purpose registers for a vCPU (struct kvm_regs).
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI           uint64
	RSP, RBP           uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable (GDTR/IDTR).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs holds the special (segment and control) registers for a vCPU.
type Sregs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT Segment
	GDT, IDT                       Descriptor
	CR0, CR2, CR3, CR4, CR8        uint64
	EFER                           uint64
	ApicBase                      uint64
	InterruptBitmap                [(numInterrupts + 63) / 64]uint64
}

// RunData is the mmap'd kvm_run structure shared between the kernel and
// the vCPU thread. ExitReason and the IO/MMIO payload in Data are read
// after every KVM_RUN.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the fields kvm packs into RunData.Data for an EXITIO
// exit: direction, operand size, port, repeat count, and the byte
// offset of the operand buffer within RunData itself.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the fields kvm packs into RunData.Data for an EXITMMIO
// exit: physical address, operand length, direction (isWrite) and the
// 8-byte data payload itself.
func (r *RunData) MMIO() (phys uint64, length uint32, isWrite bool, data [8]byte) {
	phys = r.Data[0]
	length = uint32(r.Data[2])
	isWrite = r.Data[2]>>32&0x1 != 0

	b := (*[8]byte)(unsafe.Pointer(&r.Data[1]))
	data = *b

	return phys, length, isWrite, data
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// Ioctl exposes the raw ioctl(2) syscall for callers that need it
// directly (e.g. device-specific KVM_TRANSLATE-style queries).
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	return ioctl(fd, op, arg)
}

func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmGetAPIVersion), 0)
}

func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmCreateVM), 0)
}

func CreateVCPU(vmFd uintptr, vcpuID int) (uintptr, error) {
	return ioctl(vmFd, uintptr(kvmCreateVCPU), uintptr(vcpuID))
}

func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, uintptr(kvmRun), 0)
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
			return nil
		}
	}

	return err
}

func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmGetVCPUMMapSize), 0)
}

func GetSregs(vcpuFd uintptr) (Sregs, error) {
	sregs := Sregs{}
	_, err := ioctl(vcpuFd, uintptr(kvmGetSregs), uintptr(unsafe.Pointer(&sregs)))

	return sregs, err
}

func SetSregs(vcpuFd uintptr, sregs Sregs) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetSregs), uintptr(unsafe.Pointer(&sregs)))

	return err
}

func GetRegs(vcpuFd uintptr) (Regs, error) {
	regs := Regs{}
	_, err := ioctl(vcpuFd, uintptr(kvmGetRegs), uintptr(unsafe.Pointer(&regs)))

	return regs, err
}

func SetRegs(vcpuFd uintptr, regs Regs) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetRegs), uintptr(unsafe.Pointer(&regs)))

	return err
}

func SetTSSAddr(vmFd uintptr) error {
	_, err := ioctl(vmFd, kvmSetTSSAddr, 0xffffd000)

	return err
}

func SetIdentityMapAddr(vmFd uintptr) error {
	var mapAddr uint64 = 0xffffc000
	_, err := ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&mapAddr)))

	return err
}

type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLevel := IRQLevel{IRQ: irq, Level: level}
	_, err := ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&irqLevel)))

	return err
}

func CreateIRQChip(vmFd uintptr) error {
	_, err := ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

func CreatePIT2(vmFd uintptr) error {
	pit := PitConfig{Flags: 0}
	_, err := ioctl(vmFd, kvmCreatePIT2, uintptr(unsafe.Pointer(&pit)))

	return err
}

type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := ioctl(kvmFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := ioctl(vcpuFd, kvmSetCPUID2, uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// ExitType renders a kvm_run exit reason for diagnostics.
type ExitType uint32

func (e ExitType) String() string {
	switch uint32(e) {
	case ExitUnknown:
		return "EXIT_UNKNOWN"
	case ExitException:
		return "EXIT_EXCEPTION"
	case ExitIO:
		return "EXIT_IO"
	case ExitHypercall:
		return "EXIT_HYPERCALL"
	case ExitDebug:
		return "EXIT_DEBUG"
	case ExitHLT:
		return "EXIT_HLT"
	case ExitMMIO:
		return "EXIT_MMIO"
	case ExitIRQWindowOpen:
		return "EXIT_IRQ_WINDOW_OPEN"
	case ExitShutdown:
		return "EXIT_SHUTDOWN"
	case ExitFailEntry:
		return "EXIT_FAIL_ENTRY"
	case ExitIntr:
		return "EXIT_INTR"
	case ExitInternalError:
		return "EXIT_INTERNAL_ERROR"
	default:
		return "EXIT_UNSUPPORTED"
	}
}
