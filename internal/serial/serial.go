// Package serial models the 8250 UART carbon exposes as the guest
// console: a write-only transmitter (THR) plus the handful of status
// and control registers a Linux tty driver probes at boot. There is no
// baud-rate emulation and no interactive input channel — guests are
// driven over the workspace control channel, not a host TTY, so only
// the half of the 8250 a kernel needs to see a usable console is kept.
package serial

import (
	"io"
	"sync"

	"github.com/loks0n/carbon/internal/migration"
)

// Port offsets within the 8 bytes of I/O space a COM port occupies.
const (
	offTHR = 0 // Transmitter Holding Register / Receiver Buffer (write/read)
	offDLL = 0 // Divisor Latch Low, when LCR.DLAB is set
	offIER = 1
	offDLM = 1 // Divisor Latch High, when LCR.DLAB is set
	offIIR = 2 // Interrupt Identification Register (read)
	offFCR = 2 // FIFO Control Register (write)
	offLCR = 3
	offMCR = 4
	offLSR = 5
	offMSR = 6
	offSCR = 7

	lcrDLAB = 1 << 7

	// LSR bits this model always reports: the transmitter is always
	// ready because Out writes synchronously.
	lsrTHRE = 1 << 5
	lsrTEMT = 1 << 6

	// IIR with bit 0 set means "no interrupt pending" (8250 convention).
	iirNoInterrupt = 0x01
)

// Serial is one 8250 UART instance writing its transmitted bytes to
// Out. A VM wires this at guest I/O ports 0x3f8-0x3ff (COM1).
type Serial struct {
	mu sync.Mutex

	out io.Writer

	ier     byte
	fcr     byte
	lcr     byte
	mcr     byte
	scratch byte
	dll     byte
	dlm     byte
}

// New returns a Serial device that writes transmitted bytes to out.
func New(out io.Writer) *Serial {
	return &Serial{out: out}
}

// In services a guest IN instruction reading n bytes starting at the
// register offset off (0-7) within the port's I/O window.
func (s *Serial) In(off uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range data {
		data[i] = s.readRegisterLocked(off + uint64(i))
	}
}

// Out services a guest OUT instruction writing n bytes starting at off.
func (s *Serial) Out(off uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, b := range data {
		s.writeRegisterLocked(off+uint64(i), b)
	}
}

func (s *Serial) readRegisterLocked(off uint64) byte {
	switch off {
	case offTHR:
		if s.lcr&lcrDLAB != 0 {
			return s.dll
		}

		return 0 // RBR: no guest-to-host input is modeled
	case offIER:
		if s.lcr&lcrDLAB != 0 {
			return s.dlm
		}

		return s.ier
	case offIIR:
		return iirNoInterrupt
	case offLCR:
		return s.lcr
	case offMCR:
		return s.mcr
	case offLSR:
		return lsrTHRE | lsrTEMT
	case offMSR:
		return 0
	case offSCR:
		return s.scratch
	default:
		return 0
	}
}

// GetState captures IER, LCR, MCR, FCR and the scratch register for a
// checkpoint; the divisor latch (DLL/DLM) is not captured, and the
// transmit side is stateless and has nothing to save.
func (s *Serial) GetState() migration.SerialState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return migration.SerialState{IER: s.ier, LCR: s.lcr, MCR: s.mcr, FCR: s.fcr, Scratch: s.scratch}
}

// SetState applies a previously captured register state.
func (s *Serial) SetState(st migration.SerialState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ier = st.IER
	s.lcr = st.LCR
	s.mcr = st.MCR
	s.fcr = st.FCR
	s.scratch = st.Scratch
}

func (s *Serial) writeRegisterLocked(off uint64, b byte) {
	switch off {
	case offTHR:
		if s.lcr&lcrDLAB != 0 {
			s.dll = b
			return
		}

		if s.out != nil {
			s.out.Write([]byte{b})
		}
	case offIER:
		if s.lcr&lcrDLAB != 0 {
			s.dlm = b
			return
		}

		s.ier = b
	case offFCR:
		s.fcr = b
	case offLCR:
		s.lcr = b
	case offMCR:
		s.mcr = b
	case offSCR:
		s.scratch = b
	}
}
