package workspace

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()

	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	return got
}

func TestEncodeDecodeEveryTag(t *testing.T) {
	cases := []Body{
		PingRequest{},
		ExecRequest{Path: "/bin/echo", Args: []string{"hi", "there"}},
		SignalRequest{PID: 42, Signal: 15},
		ReadFileRequest{Path: "/root/t"},
		WriteFileRequest{Path: "/root/t", Data: []byte("hello")},
		CheckpointRequest{Name: "ready"},
		ShutdownRequest{},
		PongResponse{},
		ExecResultResponse{ExitCode: 1, Stdout: []byte("out"), Stderr: []byte("err")},
		FileDataResponse{Data: []byte("contents")},
		AckResponse{},
		ErrorResponse{Message: "malformed request"},
	}

	for _, body := range cases {
		got := roundTrip(t, &Message{Body: body})

		if got.Body.tag() != body.tag() {
			t.Errorf("tag = %#x, want %#x", got.Body.tag(), body.tag())
		}

		if !reflect.DeepEqual(got.Body, body) {
			t.Errorf("body = %+v, want %+v", got.Body, body)
		}
	}
}

func TestExecRequestPreservesArgOrder(t *testing.T) {
	want := ExecRequest{Path: "/usr/bin/sh", Args: []string{"-c", "echo hi"}}

	got := roundTrip(t, &Message{Body: want})

	gotExec, ok := got.Body.(ExecRequest)
	if !ok {
		t.Fatalf("Body type = %T, want ExecRequest", got.Body)
	}

	if gotExec.Path != want.Path || len(gotExec.Args) != len(want.Args) {
		t.Fatalf("got %+v, want %+v", gotExec, want)
	}

	for i := range want.Args {
		if gotExec.Args[i] != want.Args[i] {
			t.Errorf("Args[%d] = %q, want %q", i, gotExec.Args[i], want.Args[i])
		}
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Message{Body: PingRequest{}}); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	raw := buf.Bytes()
	raw[0] = 0xff

	if _, err := Decode(bytes.NewReader(raw)); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("Decode: err = %v, want ErrUnsupportedVersion", err)
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	buf := bytes.NewReader([]byte{ProtocolVersion, 0x55})

	if _, err := Decode(buf); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("Decode: err = %v, want ErrUnknownTag", err)
	}
}
