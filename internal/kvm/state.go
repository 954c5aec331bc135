package kvm

import "unsafe"

// The structs and ioctls in this file exist for one reason: checkpointing
// must capture every piece of architectural state KVM tracks outside of
// Regs/Sregs, or a restored VM can desync from a guest that observed MSRs,
// APIC state, pending events, or the in-kernel PIT/IOAPIC before the
// snapshot was taken. Grounded in the teacher's machine-state.go, which
// walks this same sequence of ioctls for live migration; carbon reuses it
// verbatim for point-in-time checkpoints.

// MSREntry is an index/value pair for one model-specific register.
type MSREntry struct {
	Index   uint32
	_       uint32
	Data    uint64
}

// MSRList is returned by KVM_GET_MSR_INDEX_LIST. NMSRs is the entry
// count; Indicies holds up to 512 well-known MSR indices (a ceiling
// comfortably above any real host's list).
type MSRList struct {
	NMSRs    uint32
	Indicies [512]uint32
}

// MSRS carries a variable-length set of MSREntry for KVM_GET_MSRS /
// KVM_SET_MSRS.
type MSRS struct {
	NMSRs   uint32
	_       uint32
	Entries []MSREntry
}

// LAPICState mirrors struct kvm_lapic_state: a raw 1 KiB
// (KVM_APIC_REG_SIZE) register block.
type LAPICState struct {
	Regs [1024]byte
}

// VCPUEvents mirrors struct kvm_vcpu_events: pending exceptions,
// interrupts, NMI state and SIPI vector.
type VCPUEvents struct {
	Exception struct {
		Injected    uint8
		Nr          uint8
		HasErrorCode uint8
		Pending     uint8
		ErrorCode   uint32
	}
	Interrupt struct {
		Injected       uint8
		Nr             uint8
		SoftInterrupt  uint8
		ShadowFlags    uint8
	}
	NMI struct {
		Injected  uint8
		Pending   uint8
		Masked    uint8
		_         uint8
	}
	SIPIVector uint32
	Flags      uint32
	SMI        struct {
		SMM            uint8
		PendingSMI     uint8
		SMMInsideNMI   uint8
		LatchedInit    uint8
	}
	_ [36]uint8
}

// MPState mirrors struct kvm_mp_state (multiprocessing state: runnable,
// halted, init-received, etc).
type MPState struct {
	State uint32
}

// DebugRegs mirrors struct kvm_debugregs: DR0-DR7 and the debug
// exception bitmap.
type DebugRegs struct {
	DB       [4]uint64
	DR6      uint64
	DR7      uint64
	Flags    uint64
	_        [9]uint64
}

// XCRS mirrors struct kvm_xcrs: extended control registers (XCR0, used
// by AVX/AVX-512 state).
type XCRS struct {
	NumXCRS uint32
	Flags   uint32
	XCRS    [16]struct {
		XCR   uint32
		_     uint32
		Value uint64
	}
	_ [16]uint64
}

// ClockData mirrors struct kvm_clock_data (the kvmclock pvclock
// source); restoring it keeps the guest's notion of elapsed time
// monotonic across a checkpoint/restore cycle.
type ClockData struct {
	Clock uint64
	Flags uint32
	_     uint32
	_     [4]uint64
}

// IRQChip mirrors struct kvm_irqchip: either PIC master (0), PIC slave
// (1), or IOAPIC (2), selected by ChipID.
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]byte
}

// PITState2 mirrors struct kvm_pit_state2: the in-kernel i8254 PIT.
type PITState2 struct {
	Channels [3]struct {
		Count     uint32
		LatchedCount uint16
		CountLatched uint8
		StatusLatched uint8
		Status    uint8
		ReadState uint8
		WriteState uint8
		WriteLatch uint8
		RWMode    uint8
		Mode      uint8
		BCD       uint8
		Gate      uint8
		CountLoadTime int64
	}
	Flags uint32
	_     [9]uint32
}

func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	_, err := ioctl(kvmFd, uintptr(kvmGetMSRIndexList), uintptr(unsafe.Pointer(list)))

	return err
}

func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := ioctl(vcpuFd, uintptr(kvmGetMSRs), uintptr(unsafe.Pointer(msrs)))

	return err
}

func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetMSRs), uintptr(unsafe.Pointer(msrs)))

	return err
}

func GetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := ioctl(vcpuFd, uintptr(kvmGetLAPIC), uintptr(unsafe.Pointer(lapic)))

	return err
}

func SetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetLAPIC), uintptr(unsafe.Pointer(lapic)))

	return err
}

func GetVCPUEvents(vcpuFd uintptr, events *VCPUEvents) error {
	_, err := ioctl(vcpuFd, uintptr(kvmGetVCPUEvents), uintptr(unsafe.Pointer(events)))

	return err
}

func SetVCPUEvents(vcpuFd uintptr, events *VCPUEvents) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetVCPUEvents), uintptr(unsafe.Pointer(events)))

	return err
}

func GetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := ioctl(vcpuFd, uintptr(kvmGetMPState), uintptr(unsafe.Pointer(mps)))

	return err
}

func SetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetMPState), uintptr(unsafe.Pointer(mps)))

	return err
}

func GetDebugRegs(vcpuFd uintptr, dregs *DebugRegs) error {
	_, err := ioctl(vcpuFd, uintptr(kvmGetDebugRegs), uintptr(unsafe.Pointer(dregs)))

	return err
}

func SetDebugRegs(vcpuFd uintptr, dregs *DebugRegs) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetDebugRegs), uintptr(unsafe.Pointer(dregs)))

	return err
}

func GetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := ioctl(vcpuFd, uintptr(kvmGetXCRS), uintptr(unsafe.Pointer(xcrs)))

	return err
}

func SetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetXCRS), uintptr(unsafe.Pointer(xcrs)))

	return err
}

func GetClock(vmFd uintptr, cd *ClockData) error {
	_, err := ioctl(vmFd, uintptr(kvmGetClock), uintptr(unsafe.Pointer(cd)))

	return err
}

func SetClock(vmFd uintptr, cd *ClockData) error {
	_, err := ioctl(vmFd, uintptr(kvmSetClock), uintptr(unsafe.Pointer(cd)))

	return err
}

func GetIRQChip(vmFd uintptr, chip *IRQChip) error {
	_, err := ioctl(vmFd, uintptr(kvmGetIRQChip), uintptr(unsafe.Pointer(chip)))

	return err
}

func SetIRQChip(vmFd uintptr, chip *IRQChip) error {
	_, err := ioctl(vmFd, uintptr(kvmSetIRQChip), uintptr(unsafe.Pointer(chip)))

	return err
}

func GetPIT2(vmFd uintptr, pit *PITState2) error {
	_, err := ioctl(vmFd, uintptr(kvmGetPIT2), uintptr(unsafe.Pointer(pit)))

	return err
}

func SetPIT2(vmFd uintptr, pit *PITState2) error {
	_, err := ioctl(vmFd, uintptr(kvmSetPIT2), uintptr(unsafe.Pointer(pit)))

	return err
}
