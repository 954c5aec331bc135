// Package virtio implements the three device models carbon exposes
// over the MMIO transport in internal/virtqueue: block, net and
// vsock. Descriptor-chain walking and ring bookkeeping are handled by
// virtqueue.Queue; each device here only interprets the bytes a chain
// points at and performs the host-side I/O (disk read/write, TAP
// frame, control-channel command).
package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/loks0n/carbon/internal/migration"
	"github.com/loks0n/carbon/internal/virtqueue"
)

const (
	// DeviceIDBlk is the virtio device type for block devices.
	DeviceIDBlk = 2

	blkQueueSize = 256
	blkReqHdrLen = 16
	sectorSize   = 512

	blkReqIn    = 0
	blkReqOut   = 1
	blkReqFlush = 4

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2

	featVersion1 = uint64(1) << 32

	blkConfigCapacity = 0x00 // relative to virtqueue.RegConfig
)

// ErrShortChain is returned when a descriptor chain lacks the header
// or status descriptors a block request requires.
var ErrShortChain = errors.New("virtio: malformed block request chain")

// BlkDevice is a virtio-blk device backed by a single raw disk image.
// One request queue, grounded in spec.md §4.6.
type BlkDevice struct {
	Transport *virtqueue.Transport

	mu       sync.Mutex
	file     *os.File
	capacity uint64 // in 512-byte sectors

	memMu sync.RWMutex
	mem   []byte
}

// SetMemory wires the guest's physical address space into the
// device; it must be called once before the transport is notified.
func (d *BlkDevice) SetMemory(mem []byte) {
	d.memMu.Lock()
	d.mem = mem
	d.memMu.Unlock()
}

// NewBlkDevice opens path and wires a Transport for it. The reported
// capacity is the file size rounded down to whole sectors; the file
// itself is not modified.
func NewBlkDevice(path string) (*BlkDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("virtio: open disk: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("virtio: stat disk: %w", err)
	}

	d := &BlkDevice{file: f, capacity: uint64(info.Size()) / sectorSize}
	d.Transport = virtqueue.NewTransport(d, 1)

	return d, nil
}

func (d *BlkDevice) DeviceID() uint32 { return DeviceIDBlk }

func (d *BlkDevice) Features() uint64 { return featVersion1 }

func (d *BlkDevice) QueueNumMax(uint32) uint32 { return blkQueueSize }

func (d *BlkDevice) ReadConfig(offset uint32, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset != blkConfigCapacity {
		for i := range data {
			data[i] = 0
		}

		return
	}

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], d.capacity)
	copy(data, b[:])
}

func (d *BlkDevice) WriteConfig(uint32, []byte) {}

// Quiesce fsyncs the backing file so a checkpoint's reflinked disk
// image reflects every request serviced before the snapshot, per
// spec.md §4.9 step 2 ("wait for in-flight requests to complete and
// fsync the backing file").
func (d *BlkDevice) Quiesce() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.file.Sync()
}

// GetState captures the request queue's register-file and ring-index
// state for a checkpoint (spec.md §4.9); disk contents are checkpointed
// separately by reflinking the backing image.
func (d *BlkDevice) GetState() *migration.BlkState {
	q := d.Transport.Queue(0)

	return &migration.BlkState{
		Status:         d.Transport.Status(),
		Features:       d.Transport.NegotiatedFeatures(),
		QueueDescAddr:  [1]uint64{q.DescAddr},
		QueueAvailAddr: [1]uint64{q.AvailAddr},
		QueueUsedAddr:  [1]uint64{q.UsedAddr},
		QueueNum:       [1]uint32{q.Size},
		LastAvailIdx:   [1]uint16{q.LastAvailIdx},
		UsedIdx:        [1]uint16{q.UsedIdx},
	}
}

// SetState restores a previously captured queue state. The queue is
// marked ready whenever it was given a non-zero descriptor table,
// mirroring the driver having already completed VIRTIO_CONFIG_S_DRIVER_OK
// negotiation by the time the checkpoint was taken.
func (d *BlkDevice) SetState(st *migration.BlkState) {
	q := d.Transport.Queue(0)

	q.DescAddr = st.QueueDescAddr[0]
	q.AvailAddr = st.QueueAvailAddr[0]
	q.UsedAddr = st.QueueUsedAddr[0]
	q.Size = st.QueueNum[0]
	q.LastAvailIdx = st.LastAvailIdx[0]
	q.UsedIdx = st.UsedIdx[0]
	q.Ready = st.QueueDescAddr[0] != 0

	d.Transport.SetStatus(st.Status)
	d.Transport.SetDriverFeatures(st.Features)
}

// HandleNotify drains every newly available request chain on queue 0
// and services it: a 16-byte header, zero or more data descriptors,
// and a trailing 1-byte writable status descriptor.
func (d *BlkDevice) HandleNotify(idx uint32) error {
	q := d.Transport.Queue(idx)
	if q == nil {
		return nil
	}

	mem := d.guestMemory()
	if mem == nil {
		return nil
	}

	chains, err := q.PopAvail(mem)
	if err != nil {
		return fmt.Errorf("virtio: blk PopAvail: %w", err)
	}

	for _, chain := range chains {
		written, _ := d.serviceChain(mem, chain)
		q.PushUsed(mem, chain.HeadID, written)
	}

	if len(chains) > 0 {
		return d.Transport.RaiseUsed()
	}

	return nil
}

func (d *BlkDevice) serviceChain(mem []byte, chain virtqueue.Chain) (written uint32, status byte) {
	if len(chain.Descs) < 2 {
		return 0, blkStatusIOErr
	}

	hdr := chain.Descs[0]
	if hdr.Len < blkReqHdrLen || uint64(hdr.Addr)+blkReqHdrLen > uint64(len(mem)) {
		return 0, blkStatusIOErr
	}

	reqType := binary.LittleEndian.Uint32(mem[hdr.Addr : hdr.Addr+4])
	sector := binary.LittleEndian.Uint64(mem[hdr.Addr+8 : hdr.Addr+16])

	statusDesc := chain.Descs[len(chain.Descs)-1]
	data := chain.Descs[1 : len(chain.Descs)-1]

	d.mu.Lock()
	defer d.mu.Unlock()

	var err error

	switch reqType {
	case blkReqIn:
		written, err = d.readSectors(mem, sector, data)
	case blkReqOut:
		err = d.writeSectors(mem, sector, data)
	case blkReqFlush:
		err = d.file.Sync()
	default:
		status = blkStatusUnsupp
	}

	if err != nil {
		status = blkStatusIOErr
	} else if status == 0 {
		status = blkStatusOK
	}

	if uint64(statusDesc.Addr) < uint64(len(mem)) {
		mem[statusDesc.Addr] = status
	}

	return written + 1, status
}

func (d *BlkDevice) readSectors(mem []byte, sector uint64, data []virtqueue.Desc) (uint32, error) {
	var total uint32

	off := int64(sector) * sectorSize

	for _, desc := range data {
		if uint64(desc.Addr)+uint64(desc.Len) > uint64(len(mem)) {
			return total, ErrShortChain
		}

		n, err := d.file.ReadAt(mem[desc.Addr:desc.Addr+uint64(desc.Len)], off)
		if err != nil {
			return total, err
		}

		off += int64(n)
		total += uint32(n)
	}

	return total, nil
}

func (d *BlkDevice) writeSectors(mem []byte, sector uint64, data []virtqueue.Desc) error {
	off := int64(sector) * sectorSize

	for _, desc := range data {
		if uint64(desc.Addr)+uint64(desc.Len) > uint64(len(mem)) {
			return ErrShortChain
		}

		n, err := d.file.WriteAt(mem[desc.Addr:desc.Addr+uint64(desc.Len)], off)
		if err != nil {
			return err
		}

		off += int64(n)
	}

	return nil
}

// guestMemory returns the memory the owner (cmd/carbon) set once, via
// SetMemory, before the device can service any notification.
func (d *BlkDevice) guestMemory() []byte {
	d.memMu.RLock()
	defer d.memMu.RUnlock()

	return d.mem
}
