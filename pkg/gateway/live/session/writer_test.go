package session

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
	closed bool
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	_ = deadline
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestOutboundWriter_PriorityBeatsNormal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan []byte, 1)
	normal := make(chan []byte, 1)

	normal <- []byte(`{"type":"system_status","data":{"state":"ready"}}`)
	priority <- []byte(`{"type":"error","data":{"code":"session_expired","close":true}}`)
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
	}

	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("writes=%d, want 2", len(writes))
	}
	if !strings.Contains(writes[0].data, `"type":"error"`) {
		t.Fatalf("first write was not the error frame: %q", writes[0].data)
	}
}

func TestOutboundWriter_CancelSendsCloseCode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	priority := make(chan []byte, 1)
	normal := make(chan []byte, 1)
	priority <- []byte(`{"type":"error"}`)
	cancel()

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:        ws,
		ctx:       ctx,
		cfg:       Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority:  priority,
		normal:    normal,
		closeCode: func() (int, string) { return websocket.CloseGoingAway, "drain deadline reached" },
	}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("writes=%+v, want flushed error then close", writes)
	}
	if writes[0].data != `{"type":"error"}` {
		t.Fatalf("first write=%q", writes[0].data)
	}
	closeFrame := writes[1]
	if closeFrame.messageType != websocket.CloseMessage {
		t.Fatalf("second write type=%d, want close", closeFrame.messageType)
	}
	if code := binary.BigEndian.Uint16([]byte(closeFrame.data[:2])); int(code) != websocket.CloseGoingAway {
		t.Fatalf("close code=%d, want %d", code, websocket.CloseGoingAway)
	}
	if !strings.HasSuffix(closeFrame.data, "drain deadline reached") {
		t.Fatalf("close reason=%q", closeFrame.data[2:])
	}
	if !ws.closed {
		t.Fatal("connection not closed")
	}
}
