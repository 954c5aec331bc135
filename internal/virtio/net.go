package virtio

import (
	"io"
	"sync"

	"github.com/loks0n/carbon/internal/migration"
	"github.com/loks0n/carbon/internal/virtqueue"
)

// DeviceIDNet is the virtio device type for network devices.
const (
	DeviceIDNet = 1

	netQueueSize = 256

	netRxQueue = 0
	netTxQueue = 1

	// netHdrLen is sizeof(struct virtio_net_hdr) without the optional
	// num_buffers field (VIRTIO_NET_F_MRG_RXBUF is not negotiated),
	// matching the teacher's 10-byte skip/prepend in Rx/Tx.
	netHdrLen = 10

	featMAC = uint64(1) << 5

	netConfigMAC = 0x00 // 6 bytes, relative to virtqueue.RegConfig
)

// NetDevice is a virtio-net device bridging a TAP interface to the
// guest over two queues (rx=0, tx=1), grounded directly in the
// teacher's virtio.Net Rx/Tx pair.
type NetDevice struct {
	Transport *virtqueue.Transport

	mac [6]byte
	tap io.ReadWriter

	mu        sync.Mutex
	dropCount uint64

	memMu sync.RWMutex
	mem   []byte
}

// NewNetDevice wires a Transport for a TAP-backed device with the
// given MAC address.
func NewNetDevice(tap io.ReadWriter, mac [6]byte) *NetDevice {
	d := &NetDevice{tap: tap, mac: mac}
	d.Transport = virtqueue.NewTransport(d, 2)

	return d
}

// SetMemory wires the guest's physical address space into the device.
func (d *NetDevice) SetMemory(mem []byte) {
	d.memMu.Lock()
	d.mem = mem
	d.memMu.Unlock()
}

func (d *NetDevice) guestMemory() []byte {
	d.memMu.RLock()
	defer d.memMu.RUnlock()

	return d.mem
}

func (d *NetDevice) DeviceID() uint32 { return DeviceIDNet }

func (d *NetDevice) Features() uint64 { return featVersion1 | featMAC }

func (d *NetDevice) QueueNumMax(uint32) uint32 { return netQueueSize }

func (d *NetDevice) ReadConfig(offset uint32, data []byte) {
	if offset != netConfigMAC {
		for i := range data {
			data[i] = 0
		}

		return
	}

	copy(data, d.mac[:])
}

func (d *NetDevice) WriteConfig(uint32, []byte) {}

// Quiesce is a no-op: spec.md §4.9 step 2 allows the net device to
// either drain its TAP read thread into the guest or drop in-flight
// frames on checkpoint, and carbon takes the documented drop path
// (the same backpressure policy RxFromTAP already applies when no rx
// buffer is posted).
func (d *NetDevice) Quiesce() error { return nil }

// DropCount reports how many inbound frames were dropped because the
// guest had not posted an rx buffer (spec.md §4.7: no per-packet
// blocking — a full rx ring means the frame is simply dropped).
func (d *NetDevice) DropCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dropCount
}

// GetState captures both queues' register-file and ring-index state
// plus the drop counter for a checkpoint (spec.md §4.9).
func (d *NetDevice) GetState() *migration.NetState {
	rx := d.Transport.Queue(netRxQueue)
	tx := d.Transport.Queue(netTxQueue)

	return &migration.NetState{
		Status:         d.Transport.Status(),
		Features:       d.Transport.NegotiatedFeatures(),
		QueueDescAddr:  [2]uint64{rx.DescAddr, tx.DescAddr},
		QueueAvailAddr: [2]uint64{rx.AvailAddr, tx.AvailAddr},
		QueueUsedAddr:  [2]uint64{rx.UsedAddr, tx.UsedAddr},
		QueueNum:       [2]uint32{rx.Size, tx.Size},
		LastAvailIdx:   [2]uint16{rx.LastAvailIdx, tx.LastAvailIdx},
		UsedIdx:        [2]uint16{rx.UsedIdx, tx.UsedIdx},
		DropCount:      d.DropCount(),
	}
}

// SetState restores a previously captured state.
func (d *NetDevice) SetState(st *migration.NetState) {
	for i, idx := range [2]uint32{netRxQueue, netTxQueue} {
		q := d.Transport.Queue(idx)
		q.DescAddr = st.QueueDescAddr[i]
		q.AvailAddr = st.QueueAvailAddr[i]
		q.UsedAddr = st.QueueUsedAddr[i]
		q.Size = st.QueueNum[i]
		q.LastAvailIdx = st.LastAvailIdx[i]
		q.UsedIdx = st.UsedIdx[i]
		q.Ready = st.QueueDescAddr[i] != 0
	}

	d.Transport.SetStatus(st.Status)
	d.Transport.SetDriverFeatures(st.Features)

	d.mu.Lock()
	d.dropCount = st.DropCount
	d.mu.Unlock()
}

// HandleNotify is called for both the rx and tx queues; only tx does
// guest-driven work here; rx buffers are consumed by RxFromTAP as
// frames arrive off the TAP device.
func (d *NetDevice) HandleNotify(idx uint32) error {
	if idx != netTxQueue {
		return nil
	}

	return d.drainTx()
}

// drainTx walks every newly available tx chain, reassembles the
// frame (skipping the virtio-net header each descriptor chain is
// prefixed with) and writes it to the TAP device.
func (d *NetDevice) drainTx() error {
	q := d.Transport.Queue(netTxQueue)

	mem := d.guestMemory()
	if q == nil || mem == nil {
		return nil
	}

	chains, err := q.PopAvail(mem)
	if err != nil {
		return err
	}

	for _, chain := range chains {
		frame := gatherChain(mem, chain.Descs)
		if len(frame) > netHdrLen {
			d.tap.Write(frame[netHdrLen:])
		}

		q.PushUsed(mem, chain.HeadID, 0)
	}

	if len(chains) > 0 {
		return d.Transport.RaiseUsed()
	}

	return nil
}

// RxFromTAP reads one frame from the TAP device and copies it,
// prefixed with a zeroed virtio-net header, into the next available
// rx descriptor chain. Per spec.md §4.7 there is no per-packet
// blocking: if the guest has not posted a buffer the frame is
// dropped and DropCount is incremented.
func (d *NetDevice) RxFromTAP() error {
	buf := make([]byte, netHdrLen+65536)

	n, err := d.tap.Read(buf[netHdrLen:])
	if err != nil {
		return err
	}

	frame := buf[:netHdrLen+n]

	q := d.Transport.Queue(netRxQueue)

	mem := d.guestMemory()
	if q == nil || mem == nil {
		return nil
	}

	chains, err := q.PopAvail(mem)
	if err != nil {
		return err
	}

	if len(chains) == 0 {
		d.mu.Lock()
		d.dropCount++
		d.mu.Unlock()

		return nil
	}

	chain := chains[0]
	written := scatterChain(mem, chain.Descs, frame)
	q.PushUsed(mem, chain.HeadID, written)

	for _, extra := range chains[1:] {
		q.PushUsed(mem, extra.HeadID, 0)
	}

	return d.Transport.RaiseUsed()
}

// gatherChain copies every descriptor in a chain into one contiguous
// buffer, in traversal order.
func gatherChain(mem []byte, descs []virtqueue.Desc) []byte {
	var buf []byte

	for _, d := range descs {
		if uint64(d.Addr)+uint64(d.Len) > uint64(len(mem)) {
			continue
		}

		buf = append(buf, mem[d.Addr:d.Addr+uint64(d.Len)]...)
	}

	return buf
}

// scatterChain writes data across a descriptor chain's writable
// descriptors in order, stopping when data is exhausted or the chain
// runs out of room, and returns the number of bytes written.
func scatterChain(mem []byte, descs []virtqueue.Desc, data []byte) uint32 {
	var written uint32

	for _, d := range descs {
		if len(data) == 0 {
			break
		}

		if !d.Writable() {
			continue
		}

		n := uint32(len(data))
		if n > d.Len {
			n = d.Len
		}

		if uint64(d.Addr)+uint64(n) > uint64(len(mem)) {
			break
		}

		copy(mem[d.Addr:d.Addr+uint64(n)], data[:n])
		data = data[n:]
		written += n
	}

	return written
}
