package vai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-toy/pkg/core"
	"github.com/vango-go/vai-toy/pkg/gateway/live/protocol"
)

const (
	streamPath         = "/v1/devices/stream"
	defaultDialTimeout = 10 * time.Second
	closeWriteTimeout  = 2 * time.Second
	streamEventBuffer  = 64
)

type dialer interface {
	DialContext(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error)
}

func defaultDialer() dialer {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = defaultDialTimeout
	return &d
}

// StreamParams are the handshake parameters of a streaming session.
type StreamParams struct {
	DeviceID  string
	ChildID   string
	ChildName string
	ChildAge  int

	// Token is sent as a bearer header. Gateways that do not require
	// tokens ignore it.
	Token string
}

func (p StreamParams) query() url.Values {
	q := url.Values{}
	q.Set("device_id", strings.TrimSpace(p.DeviceID))
	q.Set("child_id", strings.TrimSpace(p.ChildID))
	q.Set("child_name", p.ChildName)
	q.Set("child_age", strconv.Itoa(p.ChildAge))
	return q
}

// StreamEvent is one decoded server frame. Concrete types are
// StatusEvent, TextEvent, HeartbeatEvent, ErrorEvent and UnknownEvent.
type StreamEvent interface {
	streamEventType() string
}

type StatusEvent struct {
	Timestamp time.Time
	protocol.StatusData
}

type TextEvent struct {
	Timestamp time.Time
	Text      string
}

type HeartbeatEvent struct {
	Timestamp  time.Time
	ServerTime string
}

type ErrorEvent struct {
	Timestamp time.Time
	protocol.ErrorData
}

// UnknownEvent carries frames of a type this client does not know.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (StatusEvent) streamEventType() string    { return protocol.TypeSystemStatus }
func (TextEvent) streamEventType() string      { return protocol.TypeTextMessage }
func (HeartbeatEvent) streamEventType() string { return protocol.TypeHeartbeat }
func (ErrorEvent) streamEventType() string     { return protocol.TypeError }
func (e UnknownEvent) streamEventType() string { return e.Type }

// CloseError reports how the gateway ended a stream.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("stream closed by gateway: %d %s", e.Code, e.Reason)
}

// Draining reports whether the gateway refused or ended the session because
// it is draining. Devices should reconnect, ideally to another instance.
func (e *CloseError) Draining() bool {
	return e != nil && (e.Code == protocol.CloseTryAgainLater || e.Code == websocket.CloseGoingAway)
}

// Stream is an open device streaming session.
type Stream struct {
	conn    *websocket.Conn
	events  chan StreamEvent
	done    chan struct{}
	closing chan struct{}
	now     func() time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// DialStream opens a streaming session. Handshake rejections (validation,
// authentication, per-device stream limit) are returned as *Error.
func (c *Client) DialStream(ctx context.Context, p StreamParams) (*Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint, err := c.websocketEndpoint(streamPath)
	if err != nil {
		return nil, err
	}
	endpoint += "?" + p.query().Encode()

	header := http.Header{}
	header.Set("X-Device-Protocol", ProtocolVersion)
	if tok := strings.TrimSpace(p.Token); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, decodeErrorResponse(resp)
			}
		}
		return nil, &TransportError{Op: "DIAL", URL: endpoint, Err: err}
	}
	conn.SetReadLimit(int64(protocol.MaxMessageBytes) * 4)

	s := &Stream{
		conn:    conn,
		events:  make(chan StreamEvent, streamEventBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		now:     c.now,
	}
	go s.readLoop()
	return s, nil
}

func (c *Client) websocketEndpoint(path string) (string, error) {
	endpoint, err := c.endpoint(path)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid gateway base URL %q", c.baseURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("gateway base URL must use http(s) or ws(s)")
	}
	return u.String(), nil
}

// Events returns the frames received from the gateway. The channel is closed
// when the stream ends; Err then reports why.
func (s *Stream) Events() <-chan StreamEvent { return s.events }

// Done is closed once the read loop has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the terminal error. A normal close yields nil; a gateway close
// with any other code yields *CloseError.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// SendAudioStart announces an utterance.
func (s *Stream) SendAudioStart(sampleRateHz int) error {
	var data any
	if sampleRateHz > 0 {
		data = map[string]int{"sample_rate_hz": sampleRateHz}
	}
	return s.send(protocol.TypeAudioStart, data)
}

// SendAudioChunk sends PCM16 little-endian samples in-band.
func (s *Stream) SendAudioChunk(pcm []byte, seq int64) error {
	data := map[string]any{"audio": base64.StdEncoding.EncodeToString(pcm)}
	if seq > 0 {
		data["seq"] = seq
	}
	return s.send(protocol.TypeAudioChunk, data)
}

// SendAudioFrame sends raw PCM16 as a binary frame, skipping base64.
func (s *Stream) SendAudioFrame(pcm []byte) error {
	return s.write(websocket.BinaryMessage, pcm)
}

// SendAudioEnd ends the current utterance.
func (s *Stream) SendAudioEnd() error {
	return s.send(protocol.TypeAudioEnd, nil)
}

func (s *Stream) SendText(text string) error {
	return s.send(protocol.TypeTextMessage, map[string]string{"text": text})
}

func (s *Stream) SendHeartbeat() error {
	return s.send(protocol.TypeHeartbeat, nil)
}

// RequestStatus asks the gateway for a system_status frame.
func (s *Stream) RequestStatus() error {
	return s.send(protocol.TypeSystemStatus, nil)
}

func (s *Stream) send(typ string, data any) error {
	payload, err := protocol.EncodeClientMessage(typ, data, s.now())
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, payload)
}

func (s *Stream) write(messageType int, payload []byte) error {
	if s.closed.Load() {
		return errors.New("stream is closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, payload)
}

// Close sends a normal close and waits for the read loop to exit.
func (s *Stream) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closing)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeWriteTimeout))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

func (s *Stream) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure:
			case errors.As(err, &ce):
				s.setErr(&CloseError{Code: ce.Code, Reason: ce.Text})
			case s.closed.Load():
			default:
				s.setErr(&TransportError{Op: "READ", Err: err})
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		event, err := decodeServerFrame(data)
		if err != nil {
			s.setErr(err)
			return
		}
		s.emit(event)
	}
}

// emit blocks until the consumer takes the event or Close is called.
func (s *Stream) emit(event StreamEvent) {
	select {
	case s.events <- event:
	case <-s.closing:
	}
}

func decodeServerFrame(data []byte) (StreamEvent, error) {
	var env struct {
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp string          `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, core.NewProtocolError("invalid_frame", "gateway sent invalid JSON frame")
	}
	ts, _ := time.Parse(time.RFC3339Nano, env.Timestamp)

	unmarshal := func(v any) error {
		if len(env.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Data, v); err != nil {
			return core.NewProtocolError("invalid_frame", fmt.Sprintf("gateway sent malformed %s frame", env.Type))
		}
		return nil
	}

	switch env.Type {
	case protocol.TypeSystemStatus:
		var d protocol.StatusData
		err := unmarshal(&d)
		return StatusEvent{Timestamp: ts, StatusData: d}, err
	case protocol.TypeTextMessage:
		var d protocol.TextData
		err := unmarshal(&d)
		return TextEvent{Timestamp: ts, Text: d.Text}, err
	case protocol.TypeHeartbeat:
		var d protocol.HeartbeatData
		err := unmarshal(&d)
		return HeartbeatEvent{Timestamp: ts, ServerTime: d.ServerTime}, err
	case protocol.TypeError:
		var d protocol.ErrorData
		err := unmarshal(&d)
		return ErrorEvent{Timestamp: ts, ErrorData: d}, err
	default:
		return UnknownEvent{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
