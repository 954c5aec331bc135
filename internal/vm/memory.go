package vm

import (
	"encoding/binary"
	"fmt"
	"syscall"
)

// Mode records how a Memory region came to be backed: Fresh memory is
// an ordinary anonymous mapping populated by the boot loader; Restored
// memory is backed lazily by a userfaultfd handler replaying a
// checkpoint (internal/uffd).
type Mode int

const (
	Fresh Mode = iota
	Restored
)

// Memory is the guest's flat physical address space: a single
// anonymous mmap starting at guest-physical 0, exactly as the teacher's
// Machine.New does for its own fixed-size region (machine.go's
// syscall.Mmap(-1, 0, memSize, ...) call), generalized to a
// caller-chosen size and a Restored mode for checkpoint replay.
type Memory struct {
	buf  []byte
	mode Mode
}

// ErrOutOfRange is returned by every bounds-checked accessor.
var ErrOutOfRange = fmt.Errorf("vm: address out of range")

// NewMemory allocates size bytes of anonymous, zero-filled guest
// memory for a fresh boot.
func NewMemory(size uint64) (*Memory, error) {
	buf, err := syscall.Mmap(-1, 0, int(size),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("vm: mmap guest memory: %w", err)
	}

	return &Memory{buf: buf, mode: Fresh}, nil
}

// NewRestoredMemory maps size bytes with MAP_NORESERVE so the host
// commits pages lazily as the uffd handler services faults during
// restore (internal/uffd.Handler.Register is expected to be called
// against this same region immediately after).
func NewRestoredMemory(size uint64) (*Memory, error) {
	buf, err := syscall.Mmap(-1, 0, int(size),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS|unixMapNoReserve)
	if err != nil {
		return nil, fmt.Errorf("vm: mmap restored guest memory: %w", err)
	}

	return &Memory{buf: buf, mode: Restored}, nil
}

// Mode reports whether this region was freshly allocated or is being
// serviced by a restore-time fault handler.
func (m *Memory) Mode() Mode { return m.mode }

// Bytes returns the raw backing slice, for callers (SetUserMemoryRegion,
// uffd registration) that need the base address directly.
func (m *Memory) Bytes() []byte { return m.buf }

// Len returns the guest memory size in bytes.
func (m *Memory) Len() int { return len(m.buf) }

// Slice returns a bounds-checked view of length n starting at addr.
func (m *Memory) Slice(addr uint64, n int) ([]byte, error) {
	if n < 0 || addr > uint64(len(m.buf)) || int(addr)+n > len(m.buf) {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, addr, addr+uint64(n))
	}

	return m.buf[addr : addr+uint64(n)], nil
}

// Uint16At reads a little-endian uint16 at addr.
func (m *Memory) Uint16At(addr uint64) (uint16, error) {
	b, err := m.Slice(addr, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

// Uint32At reads a little-endian uint32 at addr.
func (m *Memory) Uint32At(addr uint64) (uint32, error) {
	b, err := m.Slice(addr, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

// Uint64At reads a little-endian uint64 at addr.
func (m *Memory) Uint64At(addr uint64) (uint64, error) {
	b, err := m.Slice(addr, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

// PutUint32At writes a little-endian uint32 at addr.
func (m *Memory) PutUint32At(addr uint64, v uint32) error {
	b, err := m.Slice(addr, 4)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(b, v)

	return nil
}

// Close unmaps the guest memory region.
func (m *Memory) Close() error {
	if m.buf == nil {
		return nil
	}

	err := syscall.Munmap(m.buf)
	m.buf = nil

	return err
}

// unixMapNoReserve mirrors unix.MAP_NORESERVE; named locally so this
// file does not need to import golang.org/x/sys/unix solely for one
// flag already available as a raw constant on Linux/amd64.
const unixMapNoReserve = 0x4000
