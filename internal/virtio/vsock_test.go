package virtio

import (
	"bytes"
	"testing"
)

func writeDesc(mem []byte, descTableAddr, addr uint64, length uint32, flags, next uint16) {
	off := descTableAddr
	putU64(mem, off, addr)
	putU32(mem, off+8, length)
	putU16(mem, off+12, flags)
	putU16(mem, off+14, next)
}

// pushAvail publishes one new descriptor-chain head at ring position
// pos (the count of entries ever pushed so far) and advances the
// ring's idx field to pos+1, mirroring how a real guest driver
// appends to the available ring without resetting it.
func pushAvail(mem []byte, availAddr uint64, pos uint16, headID uint16) {
	putU16(mem, availAddr+4+uint64(pos%vsockQueueSize)*2, headID)
	putU16(mem, availAddr+2, pos+1)
}

func putU16(mem []byte, addr uint64, v uint16) {
	mem[addr] = byte(v)
	mem[addr+1] = byte(v >> 8)
}

func putU32(mem []byte, addr uint64, v uint32) {
	for i := 0; i < 4; i++ {
		mem[addr+uint64(i)] = byte(v >> (8 * i))
	}
}

func putU64(mem []byte, addr uint64, v uint64) {
	for i := 0; i < 8; i++ {
		mem[addr+uint64(i)] = byte(v >> (8 * i))
	}
}

// vsockTestHarness wires a VsockDevice over plain memory with fixed
// queue addresses and tracks each queue's next avail-ring position.
type vsockTestHarness struct {
	d        *VsockDevice
	mem      []byte
	rxPos    uint16
	txPos    uint16
}

func newTestVsock() *vsockTestHarness {
	d := NewVsockDevice()
	mem := make([]byte, 0x40000)
	d.SetMemory(mem)

	q := d.Transport.Queue(vsockRxQueue)
	q.Ready = true
	q.Size = vsockQueueSize
	q.DescAddr = 0x1000
	q.AvailAddr = 0x2000
	q.UsedAddr = 0x3000

	tq := d.Transport.Queue(vsockTxQueue)
	tq.Ready = true
	tq.Size = vsockQueueSize
	tq.DescAddr = 0x10000
	tq.AvailAddr = 0x11000
	tq.UsedAddr = 0x12000

	return &vsockTestHarness{d: d, mem: mem}
}

// postTx writes pkt into a fresh tx descriptor and publishes it.
func (h *vsockTestHarness) postTx(pkt []byte) {
	bufAddr := uint64(0x5000)
	copy(h.mem[bufAddr:], pkt)

	tq := h.d.Transport.Queue(vsockTxQueue)
	slot := h.txPos % vsockQueueSize
	writeDesc(h.mem, tq.DescAddr+uint64(slot)*16, bufAddr, uint32(len(pkt)), 0, 0)
	pushAvail(h.mem, tq.AvailAddr, h.txPos, slot)
	h.txPos++
}

// postRx posts one empty, writable rx buffer at bufAddr.
func (h *vsockTestHarness) postRx(bufAddr uint64, bufLen uint32) {
	rq := h.d.Transport.Queue(vsockRxQueue)
	slot := h.rxPos % vsockQueueSize
	writeDesc(h.mem, rq.DescAddr+uint64(slot)*16, bufAddr, bufLen, 1<<1, 0)
	pushAvail(h.mem, rq.AvailAddr, h.rxPos, slot)
	h.rxPos++
}

func TestVsockRequestOpensStream(t *testing.T) {
	h := newTestVsock()

	pkt := vsockHeader{
		SrcCID: GuestCID, DstCID: HostCID,
		SrcPort: 1024, DstPort: ControlPort,
		Type: vsockTypeStream, Op: vsockOpRequest,
		BufAlloc: vsockDefaultBufAlloc,
	}.encode()

	h.postTx(pkt)

	if err := h.d.drainTx(); err != nil {
		t.Fatalf("drainTx: %v", err)
	}

	if h.d.State() != StreamOpen {
		t.Fatalf("state = %d, want StreamOpen", h.d.State())
	}

	if len(h.d.outbox) != 1 {
		t.Fatalf("outbox len = %d, want 1 (pending RESPONSE)", len(h.d.outbox))
	}
}

func TestVsockRoundTripsDataBothWays(t *testing.T) {
	h := newTestVsock()

	req := vsockHeader{
		SrcCID: GuestCID, DstCID: HostCID,
		SrcPort: 1024, DstPort: ControlPort,
		Type: vsockTypeStream, Op: vsockOpRequest,
		BufAlloc: vsockDefaultBufAlloc,
	}.encode()

	h.postTx(req)
	if err := h.d.drainTx(); err != nil {
		t.Fatalf("drainTx request: %v", err)
	}

	h.postRx(0x6000, 512)
	if err := h.d.drainRxPostings(); err != nil {
		t.Fatalf("drainRxPostings: %v", err)
	}

	got := h.mem[0x6000 : 0x6000+vsockHdrLen]
	if decodeVsockHeader(got).Op != vsockOpResponse {
		t.Fatalf("delivered op = %d, want RESPONSE", decodeVsockHeader(got).Op)
	}

	payload := []byte("hello from host")
	if err := h.d.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	h.postRx(0x7000, 512)
	if err := h.d.drainRxPostings(); err != nil {
		t.Fatalf("drainRxPostings: %v", err)
	}

	delivered := h.mem[0x7000+vsockHdrLen : 0x7000+vsockHdrLen+len(payload)]
	if !bytes.Equal(delivered, payload) {
		t.Fatalf("delivered payload = %q, want %q", delivered, payload)
	}

	rw := vsockHeader{
		SrcCID: GuestCID, DstCID: HostCID,
		SrcPort: 1024, DstPort: ControlPort,
		Type: vsockTypeStream, Op: vsockOpRW,
		BufAlloc: vsockDefaultBufAlloc,
	}.encode()
	guestPayload := []byte("hello from guest")
	rw = append(rw, guestPayload...)

	h.postTx(rw)
	if err := h.d.drainTx(); err != nil {
		t.Fatalf("drainTx rw: %v", err)
	}

	buf := make([]byte, len(guestPayload))
	if _, err := h.d.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if !bytes.Equal(buf, guestPayload) {
		t.Fatalf("Read = %q, want %q", buf, guestPayload)
	}
}
