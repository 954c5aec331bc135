// Package vm owns the two substrate components named in spec.md §4.1
// and §4.2: guest memory and the single-vCPU run loop that dispatches
// KVM exits to the serial console and virtio devices. Construction and
// the exit-dispatch loop are ported from the teacher's Machine.New and
// Machine.RunOnce/RunInfiniteLoop (machine.go), generalized from N
// vCPUs down to exactly one (carbon has no SMP, spec.md §1 Non-goals).
package vm

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"

	"github.com/loks0n/carbon/internal/boot"
	"github.com/loks0n/carbon/internal/kvm"
	"github.com/loks0n/carbon/internal/serial"
	"github.com/loks0n/carbon/internal/virtqueue"
)

// Serial console I/O port range (COM1), per spec.md §4.2's exit table.
const (
	serialPortBase = 0x3f8
	serialPortEnd  = 0x3ff

	// MMIO window covering every virtio device's 4 KiB register file,
	// per spec.md §6's device table (blk at 0xd000_0000, vsock at
	// 0xd000_1000, net at 0xd000_2000).
	mmioWindowBase = 0xd000_0000
	mmioWindowEnd  = 0xd000_2fff
	deviceWindow   = 0x1000
)

// device pairs a Transport with the guest-physical base its 4 KiB
// register window starts at.
type device struct {
	base uint64
	t    *virtqueue.Transport
}

// VM owns the KVM handles, the single vCPU, guest memory and the
// device table, and runs the guest until it halts, shuts down or is
// asked to stop.
type VM struct {
	kvmFd  uintptr
	vmFd   uintptr
	vcpuFd uintptr
	run    *kvm.RunData

	mem *Memory

	serial  *serial.Serial
	devices []device

	onDeviceError func(error)

	stopRequested atomic.Bool
}

// Config describes how to construct a VM.
type Config struct {
	MemorySize uint64
	Serial     *serial.Serial

	// RestoreMemory, when non-nil, is installed as the guest's physical
	// address space instead of a freshly allocated one (spec.md §4.9
	// Restore step 2: the region is created MAP_NORESERVE and serviced
	// by a uffd.Handler before New is called). Its length must equal
	// MemorySize.
	RestoreMemory *Memory

	// OnDeviceError, when set, is called with the error a device's
	// HandleNotify returned, after the device has already been
	// disabled (spec.md §7: device faults are logged and the device is
	// disabled, but the VM keeps running).
	OnDeviceError func(error)
}

// New opens /dev/kvm, creates the VM and its one vCPU, and allocates
// guest memory, following the teacher's Machine.New sequence exactly:
// CreateVM, SetTSSAddr, SetIdentityMapAddr, CreateIRQChip, CreatePIT2,
// then per-vCPU CreateVCPU + initCPUID + mmap of the kvm_run page,
// then the guest memory mmap and KVM_SET_USER_MEMORY_REGION.
func New(cfg Config) (*VM, error) {
	devKVM, err := syscall.Open("/dev/kvm", syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vm: open /dev/kvm: %w", err)
	}

	v := &VM{kvmFd: uintptr(devKVM), serial: cfg.Serial, onDeviceError: cfg.OnDeviceError}

	if v.vmFd, err = kvm.CreateVM(v.kvmFd); err != nil {
		return nil, fmt.Errorf("vm: CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(v.vmFd); err != nil {
		return nil, fmt.Errorf("vm: SetTSSAddr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(v.vmFd); err != nil {
		return nil, fmt.Errorf("vm: SetIdentityMapAddr: %w", err)
	}

	if err := kvm.CreateIRQChip(v.vmFd); err != nil {
		return nil, fmt.Errorf("vm: CreateIRQChip: %w", err)
	}

	if err := kvm.CreatePIT2(v.vmFd); err != nil {
		return nil, fmt.Errorf("vm: CreatePIT2: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(v.kvmFd)
	if err != nil {
		return nil, fmt.Errorf("vm: GetVCPUMMmapSize: %w", err)
	}

	if v.vcpuFd, err = kvm.CreateVCPU(v.vmFd, 0); err != nil {
		return nil, fmt.Errorf("vm: CreateVCPU: %w", err)
	}

	if err := v.initCPUID(); err != nil {
		return nil, fmt.Errorf("vm: initCPUID: %w", err)
	}

	runMem, err := syscall.Mmap(int(v.vcpuFd), 0, int(mmapSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("vm: mmap kvm_run: %w", err)
	}

	v.run = (*kvm.RunData)(unsafe.Pointer(&runMem[0]))

	if cfg.RestoreMemory != nil {
		v.mem = cfg.RestoreMemory
	} else {
		v.mem, err = NewMemory(cfg.MemorySize)
		if err != nil {
			return nil, err
		}
	}

	err = kvm.SetUserMemoryRegion(v.vmFd, &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    cfg.MemorySize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&v.mem.Bytes()[0]))),
	})
	if err != nil {
		return nil, fmt.Errorf("vm: SetUserMemoryRegion: %w", err)
	}

	return v, nil
}

func (v *VM) initCPUID() error {
	cpuid := kvm.CPUID{Nent: 100}

	if err := kvm.GetSupportedCPUID(v.kvmFd, &cpuid); err != nil {
		return err
	}

	for i := 0; i < int(cpuid.Nent); i++ {
		switch cpuid.Entries[i].Function {
		case kvm.CPUIDFuncPerMon:
			cpuid.Entries[i].Eax = 0
		case kvm.CPUIDSignature:
			cpuid.Entries[i].Eax = kvm.CPUIDFeatures
			cpuid.Entries[i].Ebx = 0x4b4d564b // "KVMK"
			cpuid.Entries[i].Ecx = 0x564b4d56 // "VMKV"
			cpuid.Entries[i].Edx = 0x4d       // "M"
		}
	}

	return kvm.SetCPUID2(v.vcpuFd, &cpuid)
}

// Memory returns the guest's physical address space.
func (v *VM) Memory() *Memory { return v.mem }

// RegisterDevice wires a virtio transport's MMIO window at base into
// the CPU Core's exit dispatch, and gives the transport a way to
// inject its interrupt line back into the guest.
func (v *VM) RegisterDevice(base uint64, t *virtqueue.Transport, irq uint32) {
	t.InjectIRQ = func() error {
		if err := kvm.IRQLine(v.vmFd, irq, 1); err != nil {
			return err
		}

		return kvm.IRQLine(v.vmFd, irq, 0)
	}

	v.devices = append(v.devices, device{base: base, t: t})
}

// Boot installs the register state a boot.Info describes into the
// vCPU: general-purpose registers (RIP/RSI/RFLAGS) and special
// registers (segments, GDT, control registers), per spec.md §4.3.
func (v *VM) Boot(info *boot.Info) error {
	regs := kvm.Regs{RIP: info.RIP, RSI: info.RSI, RFLAGS: info.RFLAGS}
	if err := kvm.SetRegs(v.vcpuFd, regs); err != nil {
		return fmt.Errorf("vm: SetRegs: %w", err)
	}

	sregs, err := kvm.GetSregs(v.vcpuFd)
	if err != nil {
		return fmt.Errorf("vm: GetSregs: %w", err)
	}

	sregs.CS = info.CS
	sregs.DS = info.DS
	sregs.ES = info.DS
	sregs.FS = info.DS
	sregs.GS = info.DS
	sregs.SS = info.DS
	sregs.GDT = info.GDT
	sregs.CR0 = info.CR0
	sregs.CR3 = info.CR3
	sregs.CR4 = info.CR4
	sregs.EFER = info.EFER

	if err := kvm.SetSregs(v.vcpuFd, sregs); err != nil {
		return fmt.Errorf("vm: SetSregs: %w", err)
	}

	return nil
}

// Stop requests that the run loop return at the next exit boundary.
func (v *VM) Stop() { v.stopRequested.Store(true) }

// Resume clears a previous Stop request so Run can be called again on
// a vCPU that was paused rather than torn down, per spec.md §4.9 step
// 6: "resume the VCPU if the operation was a checkpoint."
func (v *VM) Resume() { v.stopRequested.Store(false) }

// Run pins the calling goroutine to its OS thread (vCPU ioctls are
// thread-affine) and drives KVM_RUN until the guest halts, shuts down,
// ctx is cancelled, or Stop is called.
func (v *VM) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		if v.stopRequested.Load() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cont, err := v.runOnce()
		if err != nil {
			return err
		}

		if !cont {
			return nil
		}
	}
}

// runOnce executes the vCPU until its next exit and dispatches it,
// mirroring the teacher's RunOnce switch over ExitReason.
func (v *VM) runOnce() (bool, error) {
	if err := kvm.Run(v.vcpuFd); err != nil {
		return false, fmt.Errorf("vm: KVM_RUN: %w", err)
	}

	switch v.run.ExitReason {
	case kvm.ExitHLT:
		return false, nil
	case kvm.ExitIO:
		return true, v.handleIO()
	case kvm.ExitMMIO:
		return true, v.handleMMIO()
	case kvm.ExitShutdown:
		return false, nil
	case kvm.ExitUnknown, kvm.ExitIntr:
		return true, nil
	default:
		return false, v.unexpectedExit()
	}
}

func (v *VM) handleIO() error {
	direction, size, port, count, offset := v.run.IO()
	if port < serialPortBase || port > serialPortEnd {
		return nil
	}

	base := uintptr(unsafe.Pointer(v.run)) + uintptr(offset)
	data := unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
	off := port - serialPortBase

	for i := uint64(0); i < count; i++ {
		if direction == kvm.ExitIOIn {
			v.serial.In(off, data)
		} else {
			v.serial.Out(off, data)
		}
	}

	return nil
}

func (v *VM) handleMMIO() error {
	phys, length, isWrite, _ := v.run.MMIO()
	if phys < mmioWindowBase || phys > mmioWindowEnd {
		return nil
	}

	// Alias the kvm_run mmio data[8] field (RunData.Data[1]) directly,
	// the same way handleIO aliases the IO data offset, so a register
	// read lands back in the structure KVM inspects after this ioctl
	// returns instead of a detached copy.
	data := unsafe.Slice((*byte)(unsafe.Pointer(&v.run.Data[1])), length)

	for _, d := range v.devices {
		if phys < d.base || phys >= d.base+deviceWindow {
			continue
		}

		offset := uint32(phys - d.base)

		if isWrite {
			if err := d.t.WriteMMIO(offset, data); err != nil {
				d.t.Disable()

				if v.onDeviceError != nil {
					v.onDeviceError(err)
				}
			}

			return nil
		}

		d.t.ReadMMIO(offset, data)

		return nil
	}

	return nil
}

// unexpectedExit builds a diagnostic that names the exit reason and
// the instruction at RIP, decoded with x86asm the way the teacher's
// GetReg helper resolves register operands for MMIO-style emulation.
func (v *VM) unexpectedExit() error {
	reason := kvm.ExitType(v.run.ExitReason)

	regs, err := kvm.GetRegs(v.vcpuFd)
	if err != nil {
		return fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, reason)
	}

	code, err := v.mem.Slice(regs.RIP, 16)
	if err != nil {
		return fmt.Errorf("%w: %s at rip=%#x", kvm.ErrUnexpectedExitReason, reason, regs.RIP)
	}

	inst, decodeErr := x86asm.Decode(code, 64)
	if decodeErr != nil {
		return fmt.Errorf("%w: %s at rip=%#x", kvm.ErrUnexpectedExitReason, reason, regs.RIP)
	}

	return fmt.Errorf("%w: %s at rip=%#x (%s)", kvm.ErrUnexpectedExitReason, reason, regs.RIP, inst)
}

// Close tears down the vCPU, VM and KVM file descriptors, and unmaps
// guest memory.
func (v *VM) Close() error {
	if v.mem != nil {
		v.mem.Close()
	}

	syscall.Close(int(v.vcpuFd))
	syscall.Close(int(v.vmFd))

	return syscall.Close(int(v.kvmFd))
}
