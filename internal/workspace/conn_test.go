package workspace

import (
	"io"
	"testing"
)

// pipeSender adapts an io.Writer to the Sender interface used by Conn.
type pipeSender struct {
	w io.Writer
}

func (p pipeSender) Send(data []byte) error {
	_, err := p.w.Write(data)

	return err
}

func TestConnRoundTrip(t *testing.T) {
	r, w := io.Pipe()

	client := NewConn(nil, pipeSender{w})

	sent := &Message{Body: ExecRequest{Path: "/bin/true"}}

	done := make(chan error, 1)

	go func() {
		done <- client.WriteMessage(sent)
	}()

	server := NewConn(r, nil)

	got, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	exec, ok := got.Body.(ExecRequest)
	if !ok || exec.Path != "/bin/true" {
		t.Fatalf("got %+v, want ExecRequest{Path: /bin/true}", got.Body)
	}
}
