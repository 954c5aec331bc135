package migration

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic identifies a carbon state.bin file. CurrentVersion is the only
// version this package will decode; per spec.md §9's "mandatory"
// versioning rule, any other version is refused rather than
// reinterpreted.
const (
	Magic          = "CARB"
	CurrentVersion = 1
)

// ErrBadMagic and ErrUnsupportedVersion are returned by Decode.
var (
	ErrBadMagic           = errors.New("migration: bad state.bin magic")
	ErrUnsupportedVersion = errors.New("migration: unsupported state.bin version")
)

// Encode writes s to w as a stable, versioned, little-endian binary
// layout: a 4-byte magic, a 4-byte version, then the CPU, VM and
// device sections in order, each scalar field written directly and
// each byte-slice field length-prefixed.
func Encode(w io.Writer, s *Snapshot) error {
	var buf bytes.Buffer

	buf.WriteString(Magic)
	writeU32(&buf, CurrentVersion)
	writeU64(&buf, s.MemSize)

	writeVCPUState(&buf, &s.VCPUState)
	writeVMState(&buf, &s.VM)
	writeDeviceState(&buf, &s.Devices)

	_, err := w.Write(buf.Bytes())

	return err
}

// Decode reads a Snapshot previously written by Encode. It refuses to
// decode a buffer with a mismatched magic or version.
func Decode(r io.Reader) (*Snapshot, error) {
	br := &byteReader{r: r}

	magic := make([]byte, 4)
	if err := br.readFull(magic); err != nil {
		return nil, fmt.Errorf("migration: read magic: %w", err)
	}

	if string(magic) != Magic {
		return nil, ErrBadMagic
	}

	version := readU32(br)
	if br.err != nil {
		return nil, fmt.Errorf("migration: read version: %w", br.err)
	}

	if version != CurrentVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, version, CurrentVersion)
	}

	s := &Snapshot{Version: version}
	s.MemSize = readU64(br)

	readVCPUState(br, &s.VCPUState)
	readVMState(br, &s.VM)
	readDeviceState(br, &s.Devices)

	if br.err != nil {
		return nil, fmt.Errorf("migration: decode state.bin: %w", br.err)
	}

	return s, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

// byteReader wraps an io.Reader and latches the first error seen so
// every read* helper below can ignore error plumbing; callers check
// br.err once at the end, matching the teacher's "accumulate, check
// once" pattern from its own wire decoders.
type byteReader struct {
	r   io.Reader
	err error
}

func (br *byteReader) readFull(b []byte) error {
	if br.err != nil {
		return br.err
	}

	_, br.err = io.ReadFull(br.r, b)

	return br.err
}

func readU32(br *byteReader) uint32 {
	var b [4]byte
	if br.readFull(b[:]) != nil {
		return 0
	}

	return binary.LittleEndian.Uint32(b[:])
}

func readU64(br *byteReader) uint64 {
	var b [8]byte
	if br.readFull(b[:]) != nil {
		return 0
	}

	return binary.LittleEndian.Uint64(b[:])
}

func readU16(br *byteReader) uint16 {
	var b [2]byte
	if br.readFull(b[:]) != nil {
		return 0
	}

	return binary.LittleEndian.Uint16(b[:])
}

func readBytes(br *byteReader) []byte {
	n := readU32(br)
	if br.err != nil || n == 0 {
		return nil
	}

	b := make([]byte, n)
	if br.readFull(b) != nil {
		return nil
	}

	return b
}

func writeVCPUState(buf *bytes.Buffer, s *VCPUState) {
	writeBytes(buf, s.Regs)
	writeBytes(buf, s.Sregs)

	writeU32(buf, uint32(len(s.MSRs)))

	for _, m := range s.MSRs {
		writeU32(buf, m.Index)
		writeU64(buf, m.Data)
	}

	writeBytes(buf, s.LAPIC)
	writeBytes(buf, s.Events)
	writeU32(buf, s.MPState)
	writeBytes(buf, s.DebugRegs)
	writeBytes(buf, s.XCRS)
}

func readVCPUState(br *byteReader, s *VCPUState) {
	s.Regs = readBytes(br)
	s.Sregs = readBytes(br)

	n := readU32(br)
	s.MSRs = make([]MSREntry, n)

	for i := range s.MSRs {
		s.MSRs[i].Index = readU32(br)
		s.MSRs[i].Data = readU64(br)
	}

	s.LAPIC = readBytes(br)
	s.Events = readBytes(br)
	s.MPState = readU32(br)
	s.DebugRegs = readBytes(br)
	s.XCRS = readBytes(br)
}

func writeVMState(buf *bytes.Buffer, s *VMState) {
	writeBytes(buf, s.Clock)
	writeBytes(buf, s.IRQChipPIC0)
	writeBytes(buf, s.IRQChipPIC1)
	writeBytes(buf, s.IRQChipIOAPIC)
	writeBytes(buf, s.PIT2)
}

func readVMState(br *byteReader, s *VMState) {
	s.Clock = readBytes(br)
	s.IRQChipPIC0 = readBytes(br)
	s.IRQChipPIC1 = readBytes(br)
	s.IRQChipIOAPIC = readBytes(br)
	s.PIT2 = readBytes(br)
}

func writeDeviceState(buf *bytes.Buffer, s *DeviceState) {
	buf.WriteByte(s.Serial.IER)
	buf.WriteByte(s.Serial.LCR)
	buf.WriteByte(s.Serial.MCR)
	buf.WriteByte(s.Serial.FCR)
	buf.WriteByte(s.Serial.Scratch)

	writePresence(buf, s.Blk != nil)
	if s.Blk != nil {
		writeU32(buf, s.Blk.Status)
		writeU64(buf, s.Blk.Features)
		writeU64(buf, s.Blk.QueueDescAddr[0])
		writeU64(buf, s.Blk.QueueAvailAddr[0])
		writeU64(buf, s.Blk.QueueUsedAddr[0])
		writeU32(buf, s.Blk.QueueNum[0])
		writeU16(buf, s.Blk.LastAvailIdx[0])
		writeU16(buf, s.Blk.UsedIdx[0])
	}

	writePresence(buf, s.Net != nil)
	if s.Net != nil {
		writeU32(buf, s.Net.Status)
		writeU64(buf, s.Net.Features)

		for i := 0; i < 2; i++ {
			writeU64(buf, s.Net.QueueDescAddr[i])
			writeU64(buf, s.Net.QueueAvailAddr[i])
			writeU64(buf, s.Net.QueueUsedAddr[i])
			writeU32(buf, s.Net.QueueNum[i])
			writeU16(buf, s.Net.LastAvailIdx[i])
			writeU16(buf, s.Net.UsedIdx[i])
		}

		writeU64(buf, s.Net.DropCount)
	}

	writePresence(buf, s.Vsock != nil)
	if s.Vsock != nil {
		writeU32(buf, s.Vsock.Status)
		writeU64(buf, s.Vsock.Features)

		for i := 0; i < 3; i++ {
			writeU64(buf, s.Vsock.QueueDescAddr[i])
			writeU64(buf, s.Vsock.QueueAvailAddr[i])
			writeU64(buf, s.Vsock.QueueUsedAddr[i])
			writeU32(buf, s.Vsock.QueueNum[i])
			writeU16(buf, s.Vsock.LastAvailIdx[i])
			writeU16(buf, s.Vsock.UsedIdx[i])
		}

		writeU32(buf, s.Vsock.StreamState)
		writeU32(buf, s.Vsock.PeerPort)
		writeU32(buf, s.Vsock.PeerBufAlloc)
		writeU32(buf, s.Vsock.PeerFwdCnt)
		writeU32(buf, s.Vsock.LocalBufAlloc)
		writeU32(buf, s.Vsock.LocalFwdCnt)
		writeU32(buf, s.Vsock.TxCnt)
	}
}

func writePresence(buf *bytes.Buffer, present bool) {
	if present {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readPresence(br *byteReader) bool {
	var b [1]byte
	if br.readFull(b[:]) != nil {
		return false
	}

	return b[0] == 1
}

func readDeviceState(br *byteReader, s *DeviceState) {
	var ier, lcr, mcr, fcr, scratch [1]byte
	br.readFull(ier[:])
	br.readFull(lcr[:])
	br.readFull(mcr[:])
	br.readFull(fcr[:])
	br.readFull(scratch[:])
	s.Serial = SerialState{IER: ier[0], LCR: lcr[0], MCR: mcr[0], FCR: fcr[0], Scratch: scratch[0]}

	if readPresence(br) {
		blk := &BlkState{}
		blk.Status = readU32(br)
		blk.Features = readU64(br)
		blk.QueueDescAddr[0] = readU64(br)
		blk.QueueAvailAddr[0] = readU64(br)
		blk.QueueUsedAddr[0] = readU64(br)
		blk.QueueNum[0] = readU32(br)
		blk.LastAvailIdx[0] = readU16(br)
		blk.UsedIdx[0] = readU16(br)
		s.Blk = blk
	}

	if readPresence(br) {
		net := &NetState{}
		net.Status = readU32(br)
		net.Features = readU64(br)

		for i := 0; i < 2; i++ {
			net.QueueDescAddr[i] = readU64(br)
			net.QueueAvailAddr[i] = readU64(br)
			net.QueueUsedAddr[i] = readU64(br)
			net.QueueNum[i] = readU32(br)
			net.LastAvailIdx[i] = readU16(br)
			net.UsedIdx[i] = readU16(br)
		}

		net.DropCount = readU64(br)
		s.Net = net
	}

	if readPresence(br) {
		vs := &VsockState{}
		vs.Status = readU32(br)
		vs.Features = readU64(br)

		for i := 0; i < 3; i++ {
			vs.QueueDescAddr[i] = readU64(br)
			vs.QueueAvailAddr[i] = readU64(br)
			vs.QueueUsedAddr[i] = readU64(br)
			vs.QueueNum[i] = readU32(br)
			vs.LastAvailIdx[i] = readU16(br)
			vs.UsedIdx[i] = readU16(br)
		}

		vs.StreamState = readU32(br)
		vs.PeerPort = readU32(br)
		vs.PeerBufAlloc = readU32(br)
		vs.PeerFwdCnt = readU32(br)
		vs.LocalBufAlloc = readU32(br)
		vs.LocalFwdCnt = readU32(br)
		vs.TxCnt = readU32(br)
		s.Vsock = vs
	}
}
