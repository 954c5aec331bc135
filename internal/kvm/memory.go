package kvm

import "unsafe"

// UserspaceMemoryRegion describes one guest-physical slot backed by a
// host mapping (struct kvm_userspace_memory_region).
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages is unused by checkpoint/restore (carbon takes
// point-in-time snapshots, not live migration) but is kept because the
// underlying KVM_MEM_LOG_DIRTY_PAGES flag is part of the region ABI.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion installs or updates a memory slot for the VM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, uintptr(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))

	return err
}
