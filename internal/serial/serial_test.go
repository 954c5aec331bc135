package serial

import (
	"bytes"
	"testing"
)

func TestOutWritesToHost(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf)

	// Each OUT to THR carries one byte; a second byte in the same call
	// would land on the next register (IER), not the transmitter.
	for _, b := range []byte("hi") {
		s.Out(offTHR, []byte{b})
	}

	if got := buf.String(); got != "hi" {
		t.Fatalf("out = %q, want %q", got, "hi")
	}
}

func TestLSRAlwaysReportsTransmitterReady(t *testing.T) {
	s := New(&bytes.Buffer{})

	var lsr [1]byte
	s.In(offLSR, lsr[:])

	if lsr[0]&(lsrTHRE|lsrTEMT) != (lsrTHRE | lsrTEMT) {
		t.Fatalf("LSR = %#x, want THRE|TEMT set", lsr[0])
	}
}

func TestIIRReportsNoInterruptPending(t *testing.T) {
	s := New(&bytes.Buffer{})

	var iir [1]byte
	s.In(offIIR, iir[:])

	if iir[0] != iirNoInterrupt {
		t.Fatalf("IIR = %#x, want %#x", iir[0], iirNoInterrupt)
	}
}

func TestScratchRegisterRoundTrips(t *testing.T) {
	s := New(&bytes.Buffer{})

	s.Out(offSCR, []byte{0x42})

	var scr [1]byte
	s.In(offSCR, scr[:])

	if scr[0] != 0x42 {
		t.Fatalf("SCR = %#x, want 0x42", scr[0])
	}
}

func TestDivisorLatchHiddenBehindDLAB(t *testing.T) {
	s := New(&bytes.Buffer{})

	s.Out(offLCR, []byte{lcrDLAB})
	s.Out(offDLL, []byte{0x01})
	s.Out(offDLM, []byte{0x00})
	s.Out(offLCR, []byte{0})

	var thr [1]byte
	s.In(offTHR, thr[:]) // DLAB clear: reads RBR, not DLL

	if thr[0] != 0 {
		t.Fatalf("THR/RBR read = %#x, want 0 (DLAB clear)", thr[0])
	}
}
