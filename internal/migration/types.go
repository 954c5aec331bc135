// Package migration defines the wire types carried inside a checkpoint's
// state.bin payload: per-vCPU architectural state, VM-level hardware
// state, and per-device state. Binary KVM structs are kept as raw byte
// slices (ported from the teacher's machine-state.go) so their exact
// in-memory layout, padding included, survives a save/restore cycle
// without re-deriving field offsets in Go.
package migration

// MSREntry is an index/value pair for one model-specific register.
type MSREntry struct {
	Index uint32
	Data  uint64
}

// VCPUState holds the complete architectural state of the single vCPU
// a carbon VM creates.
type VCPUState struct {
	Regs      []byte // kvm.Regs
	Sregs     []byte // kvm.Sregs
	MSRs      []MSREntry
	LAPIC     []byte // kvm.LAPICState
	Events    []byte // kvm.VCPUEvents
	MPState   uint32 // kvm.MPState.State
	DebugRegs []byte // kvm.DebugRegs
	XCRS      []byte // kvm.XCRS
}

// VMState holds VM-level (not per-vCPU) hardware state.
type VMState struct {
	Clock         []byte // kvm.ClockData
	IRQChipPIC0   []byte // kvm.IRQChip ChipID=0 (master PIC)
	IRQChipPIC1   []byte // kvm.IRQChip ChipID=1 (slave PIC)
	IRQChipIOAPIC []byte // kvm.IRQChip ChipID=2 (IOAPIC)
	PIT2          []byte // kvm.PITState2
}

// BlkState holds checkpoint state for the virtio-blk device: one
// request queue.
type BlkState struct {
	Status        uint32
	Features      uint64
	QueueDescAddr [1]uint64
	QueueAvailAddr [1]uint64
	QueueUsedAddr [1]uint64
	QueueNum      [1]uint32
	LastAvailIdx  [1]uint16
	UsedIdx       [1]uint16
}

// NetState holds checkpoint state for the virtio-net device: rx (0)
// and tx (1) queues.
type NetState struct {
	Status        uint32
	Features      uint64
	QueueDescAddr [2]uint64
	QueueAvailAddr [2]uint64
	QueueUsedAddr [2]uint64
	QueueNum      [2]uint32
	LastAvailIdx  [2]uint16
	UsedIdx       [2]uint16
	DropCount     uint64
}

// VsockState holds checkpoint state for the virtio-vsock device: rx
// (0), tx (1) and event (2) queues, plus the single stream's
// connection state and credit windows.
type VsockState struct {
	Status         uint32
	Features       uint64
	QueueDescAddr  [3]uint64
	QueueAvailAddr [3]uint64
	QueueUsedAddr  [3]uint64
	QueueNum       [3]uint32
	LastAvailIdx   [3]uint16
	UsedIdx        [3]uint16
	StreamState    uint32
	PeerPort       uint32
	PeerBufAlloc   uint32
	PeerFwdCnt     uint32
	LocalBufAlloc  uint32
	LocalFwdCnt    uint32
	TxCnt          uint32
}

// SerialState holds checkpoint state for the emulated 8250 UART.
type SerialState struct {
	IER byte
	LCR byte
	MCR byte
	FCR byte
	Scratch byte
}

// DeviceState aggregates emulated device state. Blk, Net and Vsock are
// nil when the corresponding device is not attached.
type DeviceState struct {
	Serial SerialState
	Blk    *BlkState
	Net    *NetState
	Vsock  *VsockState
}

// Snapshot is the complete VM state captured by a checkpoint. Guest
// memory and disk contents are not included; they are handled as
// separate files in the checkpoint directory.
type Snapshot struct {
	Version   uint32
	MemSize   uint64
	VCPUState VCPUState
	VM        VMState
	Devices   DeviceState
}
