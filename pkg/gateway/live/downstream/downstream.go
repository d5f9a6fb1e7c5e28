// Package downstream hands completed utterances and text messages from
// streaming sessions to the processing service behind the gateway.
package downstream

import (
	"context"
	"log/slog"
	"time"
)

// SessionInfo identifies the session a payload came from.
type SessionInfo struct {
	SessionID string
	DeviceID  string
	ChildID   string
	ChildName string
	ChildAge  int
}

// Utterance is the voiced audio buffered between audio_start and audio_end.
type Utterance struct {
	SessionInfo
	Seq     int64
	Audio   []byte
	Chunks  int
	EndedAt time.Time
}

// Text is a text_message from the device.
type Text struct {
	SessionInfo
	Text   string
	SentAt time.Time
}

// Reply is optional text the session relays back to the device.
type Reply struct {
	Text string `json:"text,omitempty"`
}

// Sink receives session payloads. Implementations must be safe for
// concurrent use by many sessions.
type Sink interface {
	HandleUtterance(ctx context.Context, u Utterance) (Reply, error)
	HandleText(ctx context.Context, t Text) (Reply, error)
}

// LogSink records payload metadata and replies with nothing.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) HandleUtterance(ctx context.Context, u Utterance) (Reply, error) {
	s.logger().InfoContext(ctx, "utterance received",
		"session_id", u.SessionID,
		"device_id", u.DeviceID,
		"seq", u.Seq,
		"chunks", u.Chunks,
		"bytes", len(u.Audio),
	)
	return Reply{}, nil
}

func (s LogSink) HandleText(ctx context.Context, t Text) (Reply, error) {
	s.logger().InfoContext(ctx, "text message received",
		"session_id", t.SessionID,
		"device_id", t.DeviceID,
		"chars", len(t.Text),
	)
	return Reply{}, nil
}

func (s LogSink) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}
