package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/loks0n/carbon/internal/migration"
	"github.com/loks0n/carbon/internal/virtqueue"
)

// errVsockNotConnected is returned by Send when no stream is open.
// Read reports io.EOF once the stream closes with an empty inbox, the
// conventional io.Reader signal, since workspace's framed decoder
// reads through it with io.ReadFull.
var errVsockNotConnected = errors.New("virtio: vsock stream not connected")

// DeviceIDVsock is the virtio device type for the vsock control
// channel (spec.md §4.8).
const (
	DeviceIDVsock = 19

	vsockQueueSize = 256

	vsockRxQueue    = 0
	vsockTxQueue    = 1
	vsockEventQueue = 2

	vsockHdrLen = 44 // src_cid, dst_cid, src_port, dst_port, len, type, op, flags, buf_alloc, fwd_cnt

	vsockTypeStream = 1

	vsockOpInvalid       = 0
	vsockOpRequest       = 1
	vsockOpResponse      = 2
	vsockOpRst           = 3
	vsockOpShutdown      = 4
	vsockOpRW            = 5
	vsockOpCreditUpdate  = 6
	vsockOpCreditRequest = 7

	// HostCID and GuestCID are carbon's fixed pair (spec.md §4.8: "a
	// single stream between host context id 2 and guest context id 3").
	HostCID  = 2
	GuestCID = 3

	// ControlPort is the well-known port the workspace control channel
	// listens on (spec.md §6).
	ControlPort = 3

	vsockDefaultBufAlloc = 256 << 10

	vsockConfigCID = 0x00 // 8 bytes, relative to virtqueue.RegConfig

	// StreamClosed, StreamOpen and StreamClosing mirror spec.md §4.8's
	// connection state machine.
	StreamClosed = iota
	StreamOpen
	StreamClosing
)

// vsockHeader is the virtio-vsock packet header, ported from the
// tinyrange-cc vsock device's field layout (src/dst cid+port, len,
// type, op, flags, buf_alloc, fwd_cnt).
type vsockHeader struct {
	SrcCID   uint64
	DstCID   uint64
	SrcPort  uint32
	DstPort  uint32
	Len      uint32
	Type     uint16
	Op       uint16
	Flags    uint32
	BufAlloc uint32
	FwdCnt   uint32
}

func decodeVsockHeader(b []byte) vsockHeader {
	return vsockHeader{
		SrcCID:   binary.LittleEndian.Uint64(b[0:8]),
		DstCID:   binary.LittleEndian.Uint64(b[8:16]),
		SrcPort:  binary.LittleEndian.Uint32(b[16:20]),
		DstPort:  binary.LittleEndian.Uint32(b[20:24]),
		Len:      binary.LittleEndian.Uint32(b[24:28]),
		Type:     binary.LittleEndian.Uint16(b[28:30]),
		Op:       binary.LittleEndian.Uint16(b[30:32]),
		Flags:    binary.LittleEndian.Uint32(b[32:36]),
		BufAlloc: binary.LittleEndian.Uint32(b[36:40]),
		FwdCnt:   binary.LittleEndian.Uint32(b[40:44]),
	}
}

func (h vsockHeader) encode() []byte {
	b := make([]byte, vsockHdrLen)
	binary.LittleEndian.PutUint64(b[0:8], h.SrcCID)
	binary.LittleEndian.PutUint64(b[8:16], h.DstCID)
	binary.LittleEndian.PutUint32(b[16:20], h.SrcPort)
	binary.LittleEndian.PutUint32(b[20:24], h.DstPort)
	binary.LittleEndian.PutUint32(b[24:28], h.Len)
	binary.LittleEndian.PutUint16(b[28:30], h.Type)
	binary.LittleEndian.PutUint16(b[30:32], h.Op)
	binary.LittleEndian.PutUint32(b[32:36], h.Flags)
	binary.LittleEndian.PutUint32(b[36:40], h.BufAlloc)
	binary.LittleEndian.PutUint32(b[40:44], h.FwdCnt)

	return b
}

// VsockDevice is a virtio-vsock device implementing the single-stream
// subset spec.md §4.8 describes: one connection between HostCID:3 and
// GuestCID, backing the workspace control channel. Grounded in the
// tinyrange-cc vsock device's packet header/op constants, generalized
// from its multi-connection map down to the single stream carbon
// needs, following carbon's Transport/Handler pattern used by
// BlkDevice and NetDevice.
type VsockDevice struct {
	Transport *virtqueue.Transport

	mu           sync.Mutex
	state        int
	peerPort     uint32
	peerBufAlloc uint32
	peerFwdCnt   uint32
	localFwdCnt  uint32
	txCnt        uint32

	rxFree  []virtqueue.Chain
	outbox  [][]byte
	inbox   bytes.Buffer
	inboxCv *sync.Cond

	memMu sync.RWMutex
	mem   []byte
}

// NewVsockDevice wires a three-queue Transport for the control
// channel device.
func NewVsockDevice() *VsockDevice {
	d := &VsockDevice{}
	d.inboxCv = sync.NewCond(&d.mu)
	d.Transport = virtqueue.NewTransport(d, 3)

	return d
}

// SetMemory wires the guest's physical address space into the device.
func (d *VsockDevice) SetMemory(mem []byte) {
	d.memMu.Lock()
	d.mem = mem
	d.memMu.Unlock()
}

func (d *VsockDevice) guestMemory() []byte {
	d.memMu.RLock()
	defer d.memMu.RUnlock()

	return d.mem
}

func (d *VsockDevice) DeviceID() uint32 { return DeviceIDVsock }

func (d *VsockDevice) Features() uint64 { return featVersion1 }

func (d *VsockDevice) QueueNumMax(uint32) uint32 { return vsockQueueSize }

func (d *VsockDevice) ReadConfig(offset uint32, data []byte) {
	if offset != vsockConfigCID {
		for i := range data {
			data[i] = 0
		}

		return
	}

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(GuestCID))
	copy(data, b[:])
}

func (d *VsockDevice) WriteConfig(uint32, []byte) {}

// Quiesce flushes any outbound frames still queued against posted rx
// buffers before a checkpoint captures the stream's credit state
// (spec.md §4.9 step 2: "flush outbound frames").
func (d *VsockDevice) Quiesce() error {
	return d.flushOutbox()
}

// GetState captures the three queues' register-file and ring-index
// state plus the single stream's connection state and credit windows
// for a checkpoint (spec.md §4.9). Packets already queued in outbox/
// rxFree/inbox at the instant of the snapshot are not preserved: a
// checkpoint taken mid-transfer replays as if those bytes had not yet
// left the sender, which the control-channel protocol's own framing
// tolerates (a retried request is idempotent).
func (d *VsockDevice) GetState() *migration.VsockState {
	rx := d.Transport.Queue(vsockRxQueue)
	tx := d.Transport.Queue(vsockTxQueue)
	ev := d.Transport.Queue(vsockEventQueue)

	d.mu.Lock()
	defer d.mu.Unlock()

	return &migration.VsockState{
		Status:         d.Transport.Status(),
		Features:       d.Transport.NegotiatedFeatures(),
		QueueDescAddr:  [3]uint64{rx.DescAddr, tx.DescAddr, ev.DescAddr},
		QueueAvailAddr: [3]uint64{rx.AvailAddr, tx.AvailAddr, ev.AvailAddr},
		QueueUsedAddr:  [3]uint64{rx.UsedAddr, tx.UsedAddr, ev.UsedAddr},
		QueueNum:       [3]uint32{rx.Size, tx.Size, ev.Size},
		LastAvailIdx:   [3]uint16{rx.LastAvailIdx, tx.LastAvailIdx, ev.LastAvailIdx},
		UsedIdx:        [3]uint16{rx.UsedIdx, tx.UsedIdx, ev.UsedIdx},
		StreamState:    uint32(d.state),
		PeerPort:       d.peerPort,
		PeerBufAlloc:   d.peerBufAlloc,
		PeerFwdCnt:     d.peerFwdCnt,
		LocalBufAlloc:  vsockDefaultBufAlloc,
		LocalFwdCnt:    d.localFwdCnt,
		TxCnt:          d.txCnt,
	}
}

// SetState restores a previously captured state.
func (d *VsockDevice) SetState(st *migration.VsockState) {
	for i, idx := range [3]uint32{vsockRxQueue, vsockTxQueue, vsockEventQueue} {
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
	d.state = int(st.StreamState)
	d.peerPort = st.PeerPort
	d.peerBufAlloc = st.PeerBufAlloc
	d.peerFwdCnt = st.PeerFwdCnt
	d.localFwdCnt = st.LocalFwdCnt
	d.txCnt = st.TxCnt
	d.mu.Unlock()
}

// HandleNotify services the tx queue (guest-sent packets) and the rx
// queue (newly posted empty buffers); the event queue is drained and
// ignored, since carbon never raises VIRTIO_VSOCK_EVENT_TRANSPORT_RESET.
func (d *VsockDevice) HandleNotify(idx uint32) error {
	switch idx {
	case vsockTxQueue:
		return d.drainTx()
	case vsockRxQueue:
		return d.drainRxPostings()
	case vsockEventQueue:
		return d.drainEvent()
	default:
		return nil
	}
}

func (d *VsockDevice) drainEvent() error {
	q := d.Transport.Queue(vsockEventQueue)

	mem := d.guestMemory()
	if q == nil || mem == nil {
		return nil
	}

	chains, err := q.PopAvail(mem)
	if err != nil {
		return err
	}

	for _, c := range chains {
		q.PushUsed(mem, c.HeadID, 0)
	}

	if len(chains) > 0 {
		return d.Transport.RaiseUsed()
	}

	return nil
}

// drainTx walks every newly available tx chain, interprets the vsock
// packet it carries, and advances the connection state machine
// (spec.md §4.8).
func (d *VsockDevice) drainTx() error {
	q := d.Transport.Queue(vsockTxQueue)

	mem := d.guestMemory()
	if q == nil || mem == nil {
		return nil
	}

	chains, err := q.PopAvail(mem)
	if err != nil {
		return err
	}

	for _, chain := range chains {
		d.handlePacket(gatherChain(mem, chain.Descs))
		q.PushUsed(mem, chain.HeadID, 0)
	}

	if len(chains) > 0 {
		if err := d.Transport.RaiseUsed(); err != nil {
			return err
		}
	}

	return d.flushOutbox()
}

func (d *VsockDevice) handlePacket(pkt []byte) {
	if len(pkt) < vsockHdrLen {
		return
	}

	hdr := decodeVsockHeader(pkt)
	payload := pkt[vsockHdrLen:]

	d.mu.Lock()
	defer d.mu.Unlock()

	switch hdr.Op {
	case vsockOpRequest:
		d.peerPort = hdr.SrcPort
		d.peerBufAlloc = hdr.BufAlloc
		d.peerFwdCnt = hdr.FwdCnt
		d.localFwdCnt = 0
		d.txCnt = 0
		d.state = StreamOpen
		d.queueLocked(d.responseHeader(vsockOpResponse, 0, d.localFwdCnt))
	case vsockOpRW:
		if d.state != StreamOpen {
			break
		}

		d.inbox.Write(payload)
		d.localFwdCnt += uint32(len(payload))
		d.inboxCv.Broadcast()

		if d.localFwdCnt+vsockDefaultBufAlloc/2 > d.peerBufAlloc {
			d.queueLocked(d.responseHeader(vsockOpCreditUpdate, 0, d.localFwdCnt))
		}
	case vsockOpCreditUpdate:
		d.peerBufAlloc = hdr.BufAlloc
		d.peerFwdCnt = hdr.FwdCnt
	case vsockOpCreditRequest:
		d.queueLocked(d.responseHeader(vsockOpCreditUpdate, 0, d.localFwdCnt))
	case vsockOpShutdown:
		d.state = StreamClosing
		d.inboxCv.Broadcast()

		if d.inbox.Len() == 0 {
			d.state = StreamClosed
		}
	case vsockOpRst:
		d.state = StreamClosed
		d.inboxCv.Broadcast()
	}
}

// responseHeader builds a header addressed back to the connected peer
// port, with len set to the payload length that follows it (0 for
// control packets).
func (d *VsockDevice) responseHeader(op uint16, flags uint32, fwdCnt uint32) []byte {
	hdr := vsockHeader{
		SrcCID:   HostCID,
		DstCID:   GuestCID,
		SrcPort:  ControlPort,
		DstPort:  d.peerPort,
		Type:     vsockTypeStream,
		Op:       op,
		Flags:    flags,
		BufAlloc: vsockDefaultBufAlloc,
		FwdCnt:   fwdCnt,
	}

	return hdr.encode()
}

// queueLocked appends a fully-encoded packet to the outbound queue.
// Callers must hold d.mu.
func (d *VsockDevice) queueLocked(pkt []byte) {
	d.outbox = append(d.outbox, pkt)
}

// drainRxPostings records newly posted (empty) rx descriptor chains
// and attempts to deliver any queued outbound packets into them.
func (d *VsockDevice) drainRxPostings() error {
	q := d.Transport.Queue(vsockRxQueue)

	mem := d.guestMemory()
	if q == nil || mem == nil {
		return nil
	}

	chains, err := q.PopAvail(mem)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.rxFree = append(d.rxFree, chains...)
	d.mu.Unlock()

	return d.flushOutbox()
}

// flushOutbox pairs queued outbound packets with posted rx chains,
// writing each packet into guest memory and raising the used-ring
// interrupt. Unlike virtio-net, carbon never drops a vsock packet for
// lack of a buffer (spec.md §4.8's stream is reliable); packets that
// cannot be delivered yet simply remain queued until the guest posts
// more rx buffers.
func (d *VsockDevice) flushOutbox() error {
	q := d.Transport.Queue(vsockRxQueue)

	mem := d.guestMemory()
	if q == nil || mem == nil {
		return nil
	}

	var delivered bool

	d.mu.Lock()

	for len(d.outbox) > 0 && len(d.rxFree) > 0 {
		pkt := d.outbox[0]
		chain := d.rxFree[0]
		d.outbox = d.outbox[1:]
		d.rxFree = d.rxFree[1:]

		written := scatterChain(mem, chain.Descs, pkt)
		q.PushUsed(mem, chain.HeadID, written)
		delivered = true
	}

	d.mu.Unlock()

	if delivered {
		return d.Transport.RaiseUsed()
	}

	return nil
}

// Send chunks data into one or more RW packets addressed to the
// connected peer and queues them for delivery. Each chunk is capped at
// maxPacket and at the peer's remaining credit while that credit is
// non-zero; once the credit is used up, the rest of data is still
// queued, so the peer's window is not enforced. It returns without
// blocking; delivery completes as rx buffers become available.
func (d *VsockDevice) Send(data []byte) error {
	const maxPacket = 4096

	d.mu.Lock()

	if d.state != StreamOpen {
		d.mu.Unlock()

		return errVsockNotConnected
	}

	for len(data) > 0 {
		window := d.peerBufAlloc - (d.txCnt - d.peerFwdCnt)
		if window == 0 {
			window = uint32(len(data))
		}

		n := uint32(len(data))
		if n > window {
			n = window
		}

		if n > maxPacket {
			n = maxPacket
		}

		chunk := data[:n]
		data = data[n:]

		hdr := d.responseHeader(vsockOpRW, 0, d.localFwdCnt)
		binary.LittleEndian.PutUint32(hdr[24:28], uint32(len(chunk)))
		d.txCnt += uint32(len(chunk))
		d.queueLocked(append(hdr, chunk...))
	}

	d.mu.Unlock()

	return d.flushOutbox()
}

// Read implements io.Reader over the bytes the guest has written to
// the stream, blocking until data arrives or the stream closes. A
// closing stream is marked closed once its buffered bytes are drained.
func (d *VsockDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.inbox.Len() == 0 {
		if d.state == StreamClosing {
			d.state = StreamClosed
		}

		if d.state == StreamClosed {
			return 0, io.EOF
		}

		d.inboxCv.Wait()
	}

	return d.inbox.Read(p)
}

// Shutdown sends a SHUTDOWN packet to the guest and marks the stream
// closing.
func (d *VsockDevice) Shutdown() error {
	d.mu.Lock()
	if d.state != StreamOpen {
		d.mu.Unlock()

		return nil
	}

	d.state = StreamClosing
	d.queueLocked(d.responseHeader(vsockOpShutdown, 3, d.localFwdCnt))
	d.mu.Unlock()

	return d.flushOutbox()
}

// State reports the connection's current lifecycle phase.
func (d *VsockDevice) State() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}
