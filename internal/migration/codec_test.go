package migration

import (
	"bytes"
	"errors"
	"testing"
)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		MemSize: 256 << 20,
		VCPUState: VCPUState{
			Regs:  []byte{1, 2, 3, 4},
			Sregs: []byte{5, 6, 7, 8, 9},
			MSRs: []MSREntry{
				{Index: 0x174, Data: 0xdeadbeef},
				{Index: 0x175, Data: 1},
			},
			LAPIC:     bytes.Repeat([]byte{0xaa}, 16),
			Events:    []byte{1, 1, 1},
			MPState:   0,
			DebugRegs: []byte{0, 0, 0, 0},
			XCRS:      []byte{1},
		},
		VM: VMState{
			Clock:         []byte{1, 2, 3, 4, 5, 6, 7, 8},
			IRQChipPIC0:   bytes.Repeat([]byte{1}, 8),
			IRQChipPIC1:   bytes.Repeat([]byte{2}, 8),
			IRQChipIOAPIC: bytes.Repeat([]byte{3}, 8),
			PIT2:          bytes.Repeat([]byte{4}, 8),
		},
		Devices: DeviceState{
			Serial: SerialState{IER: 1, LCR: 3, MCR: 0, FCR: 1, Scratch: 0xff},
			Blk: &BlkState{
				Status:         7,
				Features:       1 << 32,
				QueueDescAddr:  [1]uint64{0x9000},
				QueueAvailAddr: [1]uint64{0x9000 + 0x1000},
				QueueUsedAddr:  [1]uint64{0x9000 + 0x2000},
				QueueNum:       [1]uint32{256},
				LastAvailIdx:   [1]uint16{12},
				UsedIdx:        [1]uint16{12},
			},
			Net: &NetState{
				Status:         7,
				Features:       (1 << 32) | (1 << 5),
				QueueDescAddr:  [2]uint64{0x1000, 0x2000},
				QueueAvailAddr: [2]uint64{0x1100, 0x2100},
				QueueUsedAddr:  [2]uint64{0x1200, 0x2200},
				QueueNum:       [2]uint32{256, 256},
				LastAvailIdx:   [2]uint16{3, 4},
				UsedIdx:        [2]uint16{3, 4},
				DropCount:      42,
			},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := sampleSnapshot()

	var buf bytes.Buffer
	if err := Encode(&buf, want); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.MemSize != want.MemSize {
		t.Errorf("MemSize = %d, want %d", got.MemSize, want.MemSize)
	}

	if !bytes.Equal(got.VCPUState.Regs, want.VCPUState.Regs) {
		t.Errorf("Regs = %v, want %v", got.VCPUState.Regs, want.VCPUState.Regs)
	}

	if len(got.VCPUState.MSRs) != len(want.VCPUState.MSRs) {
		t.Fatalf("MSRs len = %d, want %d", len(got.VCPUState.MSRs), len(want.VCPUState.MSRs))
	}

	for i := range want.VCPUState.MSRs {
		if got.VCPUState.MSRs[i] != want.VCPUState.MSRs[i] {
			t.Errorf("MSRs[%d] = %+v, want %+v", i, got.VCPUState.MSRs[i], want.VCPUState.MSRs[i])
		}
	}

	if got.Devices.Serial != want.Devices.Serial {
		t.Errorf("Serial = %+v, want %+v", got.Devices.Serial, want.Devices.Serial)
	}

	if got.Devices.Blk == nil || *got.Devices.Blk != *want.Devices.Blk {
		t.Errorf("Blk = %+v, want %+v", got.Devices.Blk, want.Devices.Blk)
	}

	if got.Devices.Net == nil || *got.Devices.Net != *want.Devices.Net {
		t.Errorf("Net = %+v, want %+v", got.Devices.Net, want.Devices.Net)
	}

	if got.Devices.Vsock != nil {
		t.Errorf("Vsock = %+v, want nil", got.Devices.Vsock)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("XXXX")

	if _, err := Decode(buf); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("Decode: err = %v, want ErrBadMagic", err)
	}
}

func TestDecodeRejectsFutureVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, sampleSnapshot()); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	raw := buf.Bytes()
	raw[4] = 0xff // corrupt the version field

	if _, err := Decode(bytes.NewReader(raw)); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("Decode: err = %v, want ErrUnsupportedVersion", err)
	}
}
