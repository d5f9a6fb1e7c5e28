package protocol

import (
	"encoding/json"
	"time"
)

// ServerFrame is the envelope of every server-to-device message.
type ServerFrame struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

type ErrorData struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Param     string `json:"param,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Close     bool   `json:"close,omitempty"`
}

// Session states reported in system_status frames.
const (
	StatusReady      = "ready"
	StatusListening  = "listening"
	StatusProcessing = "processing"
	StatusDraining   = "draining"
	StatusClosing    = "closing"
)

type StatusData struct {
	State          string `json:"state"`
	SessionID      string `json:"session_id,omitempty"`
	Message        string `json:"message,omitempty"`
	BufferedChunks int    `json:"buffered_chunks,omitempty"`
	VoicedChunks   int64  `json:"voiced_chunks,omitempty"`
	EvictedChunks  uint64 `json:"evicted_chunks,omitempty"`
	DrainDeadline  string `json:"drain_deadline,omitempty"`
}

type HeartbeatData struct {
	ServerTime string `json:"server_time"`
}

type TextData struct {
	Text string `json:"text"`
}

// NewFrame builds a frame stamped with now in UTC.
func NewFrame(typ string, data any, now time.Time) ServerFrame {
	return ServerFrame{
		Type:      typ,
		Data:      data,
		Timestamp: FormatTimestamp(now),
	}
}

// ErrorFrame builds an in-band error frame.
func ErrorFrame(code, message, param string, closing bool, now time.Time) ServerFrame {
	return NewFrame(TypeError, ErrorData{Code: code, Message: message, Param: param, Close: closing}, now)
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// EncodeClientMessage renders a device message. Devices and tests use it
// to build envelopes.
func EncodeClientMessage(typ string, data any, now time.Time) ([]byte, error) {
	env := struct {
		Type      string `json:"type"`
		Data      any    `json:"data,omitempty"`
		Timestamp string `json:"timestamp"`
	}{Type: typ, Data: data, Timestamp: FormatTimestamp(now)}
	return json.Marshal(env)
}
