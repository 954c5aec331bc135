package virtqueue

import (
	"encoding/binary"
	"errors"
	"testing"
)

const (
	testDescAddr  = 0x1000
	testAvailAddr = 0x2000
	testUsedAddr  = 0x3000
	testQueueSize = 8
)

func newTestMem() []byte {
	return make([]byte, 0x10000)
}

func writeDesc(mem []byte, base uint64, id uint16, addr uint64, length uint32, flags, next uint16) {
	off := base + uint64(id)*descSize
	binary.LittleEndian.PutUint64(mem[off:], addr)
	binary.LittleEndian.PutUint32(mem[off+8:], length)
	binary.LittleEndian.PutUint16(mem[off+12:], flags)
	binary.LittleEndian.PutUint16(mem[off+14:], next)
}

func newTestQueue() *Queue {
	return &Queue{
		Size:      testQueueSize,
		DescAddr:  testDescAddr,
		AvailAddr: testAvailAddr,
		UsedAddr:  testUsedAddr,
		Ready:     true,
	}
}

func publishAvail(mem []byte, q *Queue, head uint16) {
	idx := q.AvailIdx(mem)
	ringOff := q.AvailAddr + 4 + uint64(idx%uint16(q.Size))*2
	binary.LittleEndian.PutUint16(mem[ringOff:], head)
	binary.LittleEndian.PutUint16(mem[q.AvailAddr+2:], idx+1)
}

func TestPopAvailSingleDescriptorChain(t *testing.T) {
	mem := newTestMem()
	q := newTestQueue()

	writeDesc(mem, testDescAddr, 0, 0x5000, 64, descFlagWrite, 0)
	publishAvail(mem, q, 0)

	chains, err := q.PopAvail(mem)
	if err != nil {
		t.Fatalf("PopAvail: %v", err)
	}

	if len(chains) != 1 || len(chains[0].Descs) != 1 {
		t.Fatalf("chains = %+v, want one chain with one descriptor", chains)
	}

	if chains[0].Descs[0].Len != 64 {
		t.Errorf("Len = %d, want 64", chains[0].Descs[0].Len)
	}
}

func TestPopAvailFollowsNextChain(t *testing.T) {
	mem := newTestMem()
	q := newTestQueue()

	writeDesc(mem, testDescAddr, 0, 0x5000, 16, descFlagNext, 1)
	writeDesc(mem, testDescAddr, 1, 0x6000, 32, descFlagWrite, 0)
	publishAvail(mem, q, 0)

	chains, err := q.PopAvail(mem)
	if err != nil {
		t.Fatalf("PopAvail: %v", err)
	}

	if len(chains[0].Descs) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chains[0].Descs))
	}

	if chains[0].Descs[1].Addr != 0x6000 {
		t.Errorf("second descriptor addr = %#x, want 0x6000", chains[0].Descs[1].Addr)
	}
}

func TestPopAvailDetectsCycle(t *testing.T) {
	mem := newTestMem()
	q := newTestQueue()

	// Two descriptors pointing at each other: an infinite chain.
	writeDesc(mem, testDescAddr, 0, 0x5000, 16, descFlagNext, 1)
	writeDesc(mem, testDescAddr, 1, 0x6000, 16, descFlagNext, 0)
	publishAvail(mem, q, 0)

	_, err := q.PopAvail(mem)
	if !errors.Is(err, ErrMalformedQueue) {
		t.Fatalf("PopAvail: err = %v, want ErrMalformedQueue", err)
	}
}

func TestPushUsedAdvancesIdx(t *testing.T) {
	mem := newTestMem()
	q := newTestQueue()

	q.PushUsed(mem, 3, 128)
	q.PushUsed(mem, 4, 256)

	if q.UsedIdx != 2 {
		t.Fatalf("UsedIdx = %d, want 2", q.UsedIdx)
	}

	gotIdx := binary.LittleEndian.Uint16(mem[testUsedAddr+2:])
	if gotIdx != 2 {
		t.Fatalf("used.idx in memory = %d, want 2", gotIdx)
	}

	id0 := binary.LittleEndian.Uint32(mem[testUsedAddr+4:])
	len0 := binary.LittleEndian.Uint32(mem[testUsedAddr+8:])

	if id0 != 3 || len0 != 128 {
		t.Errorf("used[0] = (%d,%d), want (3,128)", id0, len0)
	}
}
