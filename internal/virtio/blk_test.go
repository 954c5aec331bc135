package virtio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func newTestBlk(t *testing.T, sectors int) (*BlkDevice, []byte) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "disk.raw")
	if err := os.WriteFile(path, make([]byte, sectors*sectorSize), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d, err := NewBlkDevice(path)
	if err != nil {
		t.Fatalf("NewBlkDevice: %v", err)
	}

	mem := make([]byte, 0x20000)
	d.SetMemory(mem)

	return d, mem
}

func TestBlkDeviceReportsCapacity(t *testing.T) {
	d, _ := newTestBlk(t, 100)

	var b [8]byte
	d.ReadConfig(blkConfigCapacity, b[:])

	if got := binary.LittleEndian.Uint64(b[:]); got != 100 {
		t.Fatalf("capacity = %d, want 100", got)
	}
}

func TestBlkDeviceWriteThenReadRoundTrips(t *testing.T) {
	d, mem := newTestBlk(t, 4)

	payload := []byte("hello, carbon disk")

	const (
		hdrAddr    = 0x1000
		dataAddr   = 0x2000
		statusAddr = 0x3000
	)

	copy(mem[dataAddr:], payload)
	binary.LittleEndian.PutUint32(mem[hdrAddr:], blkReqOut)
	binary.LittleEndian.PutUint64(mem[hdrAddr+8:], 0)

	written, status := d.serviceChain(mem, chainFor(hdrAddr, dataAddr, uint32(len(payload)), statusAddr))
	if status != blkStatusOK {
		t.Fatalf("write status = %d, want OK", status)
	}

	// The only device-writable buffer of a write request is its status
	// byte, so the used length is 1.
	if written != 1 {
		t.Fatalf("written = %d, want 1 (status byte only)", written)
	}

	// Now read it back into a fresh buffer.
	readAddr := uint64(0x4000)
	binary.LittleEndian.PutUint32(mem[hdrAddr:], blkReqIn)
	binary.LittleEndian.PutUint64(mem[hdrAddr+8:], 0)

	_, status = d.serviceChain(mem, chainFor(hdrAddr, readAddr, uint32(len(payload)), statusAddr))
	if status != blkStatusOK {
		t.Fatalf("read status = %d, want OK", status)
	}

	if got := string(mem[readAddr : readAddr+uint64(len(payload))]); got != string(payload) {
		t.Fatalf("read back = %q, want %q", got, payload)
	}
}

func TestBlkDeviceFlushSyncsFile(t *testing.T) {
	d, mem := newTestBlk(t, 1)

	const hdrAddr = 0x1000

	const statusAddr = 0x2000

	binary.LittleEndian.PutUint32(mem[hdrAddr:], blkReqFlush)

	_, status := d.serviceChain(mem, chainFor(hdrAddr, 0, 0, statusAddr))
	if status != blkStatusOK {
		t.Fatalf("flush status = %d, want OK", status)
	}
}

func TestBlkDeviceRejectsUnsupportedRequestType(t *testing.T) {
	d, mem := newTestBlk(t, 1)

	const hdrAddr = 0x1000

	const statusAddr = 0x2000

	binary.LittleEndian.PutUint32(mem[hdrAddr:], 99)

	_, status := d.serviceChain(mem, chainFor(hdrAddr, 0, 0, statusAddr))
	if status != blkStatusUnsupp {
		t.Fatalf("status = %d, want Unsupp", status)
	}
}
