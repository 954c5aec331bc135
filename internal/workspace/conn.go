package workspace

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// maxFrameSize bounds a single frame's payload so a corrupt or hostile
// length prefix cannot make Conn allocate unbounded memory.
const maxFrameSize = 64 << 20

// Sender is the send half of the underlying transport: one write call
// per frame. VsockDevice satisfies this.
type Sender interface {
	Send(data []byte) error
}

// Conn frames Message values over a Sender/io.Reader pair with a
// 4-byte little-endian length prefix, per spec.md §6's
// "length-prefixed frames over vsock port 3".
type Conn struct {
	r io.Reader
	w Sender

	writeMu sync.Mutex
}

// NewConn wraps a reader/sender pair, typically a *virtio.VsockDevice,
// as a framed message stream.
func NewConn(r io.Reader, w Sender) *Conn {
	return &Conn{r: r, w: w}
}

// WriteMessage encodes and frames m, then sends it as a single frame.
func (c *Conn) WriteMessage(m *Message) error {
	var payload bytes.Buffer
	if err := Encode(&payload, m); err != nil {
		return fmt.Errorf("workspace: encode message: %w", err)
	}

	var frame bytes.Buffer

	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(payload.Len()))
	frame.Write(lenPrefix[:])
	frame.Write(payload.Bytes())

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.w.Send(frame.Bytes())
}

// ReadMessage blocks until one complete frame has arrived and decodes
// it.
func (c *Conn) ReadMessage() (*Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(c.r, lenPrefix[:]); err != nil {
		return nil, fmt.Errorf("workspace: read frame length: %w", err)
	}

	n := binary.LittleEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("workspace: frame of %d bytes exceeds %d byte limit", n, maxFrameSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, fmt.Errorf("workspace: read frame payload: %w", err)
	}

	return Decode(bytes.NewReader(payload))
}
