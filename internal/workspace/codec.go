package workspace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedVersion and ErrUnknownTag are returned by Decode.
var (
	ErrUnsupportedVersion = errors.New("workspace: unsupported protocol version")
	ErrUnknownTag         = errors.New("workspace: unknown message tag")
)

// Encode writes m as a single versioned, tagged frame payload (not
// including the length prefix; see Conn for that).
func Encode(w io.Writer, m *Message) error {
	var buf bytes.Buffer

	buf.WriteByte(ProtocolVersion)
	buf.WriteByte(m.Body.tag())

	switch b := m.Body.(type) {
	case PingRequest:
	case ExecRequest:
		writeString(&buf, b.Path)
		writeU32(&buf, uint32(len(b.Args)))

		for _, a := range b.Args {
			writeString(&buf, a)
		}
	case SignalRequest:
		writeI32(&buf, b.PID)
		writeI32(&buf, b.Signal)
	case ReadFileRequest:
		writeString(&buf, b.Path)
	case WriteFileRequest:
		writeString(&buf, b.Path)
		writeBytes(&buf, b.Data)
	case CheckpointRequest:
		writeString(&buf, b.Name)
	case ShutdownRequest:
	case PongResponse:
	case ExecResultResponse:
		writeI32(&buf, b.ExitCode)
		writeBytes(&buf, b.Stdout)
		writeBytes(&buf, b.Stderr)
	case FileDataResponse:
		writeBytes(&buf, b.Data)
	case AckResponse:
	case ErrorResponse:
		writeString(&buf, b.Message)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownTag, b)
	}

	_, err := w.Write(buf.Bytes())

	return err
}

// Decode reads one message payload previously written by Encode.
func Decode(r io.Reader) (*Message, error) {
	br := &byteReader{r: r}

	var header [2]byte
	if br.readFull(header[:]) != nil {
		return nil, fmt.Errorf("workspace: read header: %w", br.err)
	}

	if header[0] != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, header[0], ProtocolVersion)
	}

	var body Body

	switch header[1] {
	case TagPing:
		body = PingRequest{}
	case TagExec:
		path := readString(br)
		n := readU32(br)
		args := make([]string, n)

		for i := range args {
			args[i] = readString(br)
		}

		body = ExecRequest{Path: path, Args: args}
	case TagSignal:
		body = SignalRequest{PID: readI32(br), Signal: readI32(br)}
	case TagReadFile:
		body = ReadFileRequest{Path: readString(br)}
	case TagWriteFile:
		path := readString(br)
		data := readBytes(br)
		body = WriteFileRequest{Path: path, Data: data}
	case TagCheckpoint:
		body = CheckpointRequest{Name: readString(br)}
	case TagShutdown:
		body = ShutdownRequest{}
	case TagPong:
		body = PongResponse{}
	case TagExecResult:
		code := readI32(br)
		stdout := readBytes(br)
		stderr := readBytes(br)
		body = ExecResultResponse{ExitCode: code, Stdout: stdout, Stderr: stderr}
	case TagFileData:
		body = FileDataResponse{Data: readBytes(br)}
	case TagAck:
		body = AckResponse{}
	case TagError:
		body = ErrorResponse{Message: readString(br)}
	default:
		return nil, fmt.Errorf("%w: %#x", ErrUnknownTag, header[1])
	}

	if br.err != nil {
		return nil, fmt.Errorf("workspace: decode message: %w", br.err)
	}

	return &Message{Body: body}, nil
}

// byteReader latches the first read error so every read* helper below
// can ignore error plumbing, matching migration's codec.go pattern.
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

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI32(buf *bytes.Buffer, v int32) {
	writeU32(buf, uint32(v))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readU32(br *byteReader) uint32 {
	var b [4]byte
	if br.readFull(b[:]) != nil {
		return 0
	}

	return binary.LittleEndian.Uint32(b[:])
}

func readI32(br *byteReader) int32 {
	return int32(readU32(br))
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

func readString(br *byteReader) string {
	return string(readBytes(br))
}
