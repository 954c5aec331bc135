package vm

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/loks0n/carbon/internal/kvm"
	"github.com/loks0n/carbon/internal/migration"
)

// structBytes returns a byte slice aliasing the memory of v, the same
// trick the teacher's machine-state.go uses to move a fixed-size KVM
// struct in and out of a migration.* byte slice without re-deriving
// its layout.
func structBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// copyStruct fills *dst from a byte slice produced by structBytes.
func copyStruct[T any](dst *T, b []byte) error {
	size := int(unsafe.Sizeof(*dst))
	if len(b) < size {
		return fmt.Errorf("vm: state buffer too small: got %d want %d", len(b), size)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), size), b[:size])

	return nil
}

func cloneBytes(s []byte) []byte {
	c := make([]byte, len(s))
	copy(c, s)

	return c
}

// msrIndexList retrieves the set of MSR indices this KVM instance
// tracks, via the two-call E2BIG probe the teacher's msrIndexList uses:
// the first call sizes the list, the second fills it.
func (v *VM) msrIndexList() ([]uint32, error) {
	list := &kvm.MSRList{}

	if err := kvm.GetMSRIndexList(v.kvmFd, list); !errors.Is(err, syscall.E2BIG) && err != nil {
		return nil, fmt.Errorf("vm: GetMSRIndexList probe: %w", err)
	}

	if err := kvm.GetMSRIndexList(v.kvmFd, list); err != nil {
		return nil, fmt.Errorf("vm: GetMSRIndexList fetch: %w", err)
	}

	indices := make([]uint32, list.NMSRs)
	copy(indices, list.Indicies[:list.NMSRs])

	return indices, nil
}

// SaveCPUState captures the complete architectural state of the single
// vCPU (spec.md §4.9): general-purpose and segment registers, MSRs,
// local APIC, pending events, multiprocessor state, debug registers
// and extended control registers.
func (v *VM) SaveCPUState() (*migration.VCPUState, error) {
	state := &migration.VCPUState{}

	regs, err := kvm.GetRegs(v.vcpuFd)
	if err != nil {
		return nil, fmt.Errorf("vm: GetRegs: %w", err)
	}

	state.Regs = cloneBytes(structBytes(&regs))

	sregs, err := kvm.GetSregs(v.vcpuFd)
	if err != nil {
		return nil, fmt.Errorf("vm: GetSregs: %w", err)
	}

	state.Sregs = cloneBytes(structBytes(&sregs))

	indices, err := v.msrIndexList()
	if err != nil {
		return nil, err
	}

	msrs := &kvm.MSRS{NMSRs: uint32(len(indices)), Entries: make([]kvm.MSREntry, len(indices))}
	for i, idx := range indices {
		msrs.Entries[i].Index = idx
	}

	if err := kvm.GetMSRs(v.vcpuFd, msrs); err != nil {
		return nil, fmt.Errorf("vm: GetMSRs: %w", err)
	}

	state.MSRs = make([]migration.MSREntry, len(msrs.Entries))
	for i, e := range msrs.Entries {
		state.MSRs[i] = migration.MSREntry{Index: e.Index, Data: e.Data}
	}

	lapic := &kvm.LAPICState{}
	if err := kvm.GetLocalAPIC(v.vcpuFd, lapic); err != nil {
		return nil, fmt.Errorf("vm: GetLocalAPIC: %w", err)
	}

	state.LAPIC = cloneBytes(structBytes(lapic))

	events := &kvm.VCPUEvents{}
	if err := kvm.GetVCPUEvents(v.vcpuFd, events); err != nil {
		return nil, fmt.Errorf("vm: GetVCPUEvents: %w", err)
	}

	state.Events = cloneBytes(structBytes(events))

	mps := &kvm.MPState{}
	if err := kvm.GetMPState(v.vcpuFd, mps); err != nil {
		return nil, fmt.Errorf("vm: GetMPState: %w", err)
	}

	state.MPState = mps.State

	dregs := &kvm.DebugRegs{}
	if err := kvm.GetDebugRegs(v.vcpuFd, dregs); err != nil {
		return nil, fmt.Errorf("vm: GetDebugRegs: %w", err)
	}

	state.DebugRegs = cloneBytes(structBytes(dregs))

	xcrs := &kvm.XCRS{}
	if err := kvm.GetXCRS(v.vcpuFd, xcrs); err != nil {
		return nil, fmt.Errorf("vm: GetXCRS: %w", err)
	}

	state.XCRS = cloneBytes(structBytes(xcrs))

	return state, nil
}

// RestoreCPUState applies a previously captured vCPU state, in the
// same order SaveCPUState captured it.
func (v *VM) RestoreCPUState(state *migration.VCPUState) error {
	var regs kvm.Regs
	if err := copyStruct(&regs, state.Regs); err != nil {
		return fmt.Errorf("vm: decode Regs: %w", err)
	}

	if err := kvm.SetRegs(v.vcpuFd, regs); err != nil {
		return fmt.Errorf("vm: SetRegs: %w", err)
	}

	var sregs kvm.Sregs
	if err := copyStruct(&sregs, state.Sregs); err != nil {
		return fmt.Errorf("vm: decode Sregs: %w", err)
	}

	if err := kvm.SetSregs(v.vcpuFd, sregs); err != nil {
		return fmt.Errorf("vm: SetSregs: %w", err)
	}

	msrs := &kvm.MSRS{NMSRs: uint32(len(state.MSRs)), Entries: make([]kvm.MSREntry, len(state.MSRs))}
	for i, e := range state.MSRs {
		msrs.Entries[i] = kvm.MSREntry{Index: e.Index, Data: e.Data}
	}

	if err := kvm.SetMSRs(v.vcpuFd, msrs); err != nil {
		return fmt.Errorf("vm: SetMSRs: %w", err)
	}

	var lapic kvm.LAPICState
	if err := copyStruct(&lapic, state.LAPIC); err != nil {
		return fmt.Errorf("vm: decode LAPIC: %w", err)
	}

	if err := kvm.SetLocalAPIC(v.vcpuFd, &lapic); err != nil {
		return fmt.Errorf("vm: SetLocalAPIC: %w", err)
	}

	var events kvm.VCPUEvents
	if err := copyStruct(&events, state.Events); err != nil {
		return fmt.Errorf("vm: decode VCPUEvents: %w", err)
	}

	if err := kvm.SetVCPUEvents(v.vcpuFd, &events); err != nil {
		return fmt.Errorf("vm: SetVCPUEvents: %w", err)
	}

	mps := kvm.MPState{State: state.MPState}
	if err := kvm.SetMPState(v.vcpuFd, &mps); err != nil {
		return fmt.Errorf("vm: SetMPState: %w", err)
	}

	var dregs kvm.DebugRegs
	if err := copyStruct(&dregs, state.DebugRegs); err != nil {
		return fmt.Errorf("vm: decode DebugRegs: %w", err)
	}

	if err := kvm.SetDebugRegs(v.vcpuFd, &dregs); err != nil {
		return fmt.Errorf("vm: SetDebugRegs: %w", err)
	}

	var xcrs kvm.XCRS
	if err := copyStruct(&xcrs, state.XCRS); err != nil {
		return fmt.Errorf("vm: decode XCRS: %w", err)
	}

	if err := kvm.SetXCRS(v.vcpuFd, &xcrs); err != nil {
		return fmt.Errorf("vm: SetXCRS: %w", err)
	}

	return nil
}

// SaveVMState captures VM-level (not per-vCPU) hardware state: the
// kvmclock source, both legacy PICs, the IOAPIC, and the in-kernel PIT.
func (v *VM) SaveVMState() (*migration.VMState, error) {
	state := &migration.VMState{}

	cd := &kvm.ClockData{}
	if err := kvm.GetClock(v.vmFd, cd); err != nil {
		return nil, fmt.Errorf("vm: GetClock: %w", err)
	}

	state.Clock = cloneBytes(structBytes(cd))

	for chipID, dest := range [](*[]byte){&state.IRQChipPIC0, &state.IRQChipPIC1, &state.IRQChipIOAPIC} {
		chip := &kvm.IRQChip{ChipID: uint32(chipID)}
		if err := kvm.GetIRQChip(v.vmFd, chip); err != nil {
			return nil, fmt.Errorf("vm: GetIRQChip(%d): %w", chipID, err)
		}

		*dest = cloneBytes(structBytes(chip))
	}

	pit := &kvm.PITState2{}
	if err := kvm.GetPIT2(v.vmFd, pit); err != nil {
		return nil, fmt.Errorf("vm: GetPIT2: %w", err)
	}

	state.PIT2 = cloneBytes(structBytes(pit))

	return state, nil
}

// RestoreVMState applies previously captured VM-level hardware state.
func (v *VM) RestoreVMState(state *migration.VMState) error {
	var cd kvm.ClockData
	if err := copyStruct(&cd, state.Clock); err != nil {
		return fmt.Errorf("vm: decode ClockData: %w", err)
	}

	if err := kvm.SetClock(v.vmFd, &cd); err != nil {
		return fmt.Errorf("vm: SetClock: %w", err)
	}

	for _, src := range [][]byte{state.IRQChipPIC0, state.IRQChipPIC1, state.IRQChipIOAPIC} {
		var chip kvm.IRQChip
		if err := copyStruct(&chip, src); err != nil {
			return fmt.Errorf("vm: decode IRQChip: %w", err)
		}

		if err := kvm.SetIRQChip(v.vmFd, &chip); err != nil {
			return fmt.Errorf("vm: SetIRQChip(%d): %w", chip.ChipID, err)
		}
	}

	var pit kvm.PITState2
	if err := copyStruct(&pit, state.PIT2); err != nil {
		return fmt.Errorf("vm: decode PITState2: %w", err)
	}

	if err := kvm.SetPIT2(v.vmFd, &pit); err != nil {
		return fmt.Errorf("vm: SetPIT2: %w", err)
	}

	return nil
}
