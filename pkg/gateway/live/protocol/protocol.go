// Package protocol defines the device streaming wire format: the handshake
// query parameters, the inbound message envelope and the server frames.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageBytes is the largest inbound message accepted in-band.
const MaxMessageBytes = 10000

// CloseTryAgainLater is the close code sent when a connection is refused
// because the instance is draining.
const CloseTryAgainLater = 1013

// MaxTextRunes bounds text_message payloads.
const MaxTextRunes = 2000

const (
	TypeAudioChunk   = "audio_chunk"
	TypeTextMessage  = "text_message"
	TypeHeartbeat    = "heartbeat"
	TypeSystemStatus = "system_status"
	TypeAudioStart   = "audio_start"
	TypeAudioEnd     = "audio_end"

	// TypeError is server-to-device only.
	TypeError = "error"
)

// Decode error codes sent back in-band.
const (
	CodeMessageTooLarge = "message_too_large"
	CodeInvalidJSON     = "invalid_json"
	CodeUnknownType     = "unknown_type"
	CodeBadRequest      = "bad_request"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

// Envelope is the common shape of every streaming message.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Meta carries envelope fields shared by all decoded messages.
type Meta struct {
	Timestamp time.Time
}

type AudioChunk struct {
	Meta
	Audio []byte
	Seq   int64
}

type TextMessage struct {
	Meta
	Text string
}

type Heartbeat struct{ Meta }

type SystemStatus struct{ Meta }

type AudioStart struct {
	Meta
	SampleRateHz int
}

type AudioEnd struct{ Meta }

type audioChunkData struct {
	Audio string `json:"audio"`
	Seq   int64  `json:"seq,omitempty"`
}

type textMessageData struct {
	Text string `json:"text"`
}

type audioStartData struct {
	SampleRateHz int `json:"sample_rate_hz,omitempty"`
}

// DecodeClientMessage decodes one inbound text message. Messages larger
// than maxBytes are rejected before parsing; a non-positive maxBytes selects
// MaxMessageBytes.
func DecodeClientMessage(data []byte, maxBytes int) (any, error) {
	if maxBytes <= 0 {
		maxBytes = MaxMessageBytes
	}
	if len(data) > maxBytes {
		return nil, &DecodeError{
			Code:    CodeMessageTooLarge,
			Message: fmt.Sprintf("message is %d bytes, limit is %d", len(data), maxBytes),
		}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Code: CodeInvalidJSON, Message: "invalid json message"}
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}
	ts, err := parseTimestamp(env.Timestamp)
	if err != nil {
		return nil, err
	}
	meta := Meta{Timestamp: ts}
	if err := checkDataObject(env.Data); err != nil {
		return nil, err
	}

	switch typ {
	case TypeAudioChunk:
		var d audioChunkData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, badRequest("invalid audio_chunk data", "data")
		}
		if strings.TrimSpace(d.Audio) == "" {
			return nil, badRequest("audio_chunk.data.audio is required", "data.audio")
		}
		audio, err := base64.StdEncoding.DecodeString(d.Audio)
		if err != nil {
			return nil, badRequest("audio_chunk.data.audio must be base64", "data.audio")
		}
		if len(audio) == 0 {
			return nil, badRequest("audio_chunk.data.audio is empty", "data.audio")
		}
		return AudioChunk{Meta: meta, Audio: audio, Seq: d.Seq}, nil
	case TypeTextMessage:
		var d textMessageData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, badRequest("invalid text_message data", "data")
		}
		text := strings.TrimSpace(d.Text)
		if text == "" {
			return nil, badRequest("text_message.data.text is required", "data.text")
		}
		if utf8.RuneCountInString(text) > MaxTextRunes {
			return nil, badRequest(fmt.Sprintf("text_message.data.text exceeds %d characters", MaxTextRunes), "data.text")
		}
		return TextMessage{Meta: meta, Text: text}, nil
	case TypeHeartbeat:
		return Heartbeat{Meta: meta}, nil
	case TypeSystemStatus:
		return SystemStatus{Meta: meta}, nil
	case TypeAudioStart:
		var d audioStartData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, badRequest("invalid audio_start data", "data")
		}
		if d.SampleRateHz < 0 {
			return nil, badRequest("audio_start.data.sample_rate_hz must be >= 0", "data.sample_rate_hz")
		}
		return AudioStart{Meta: meta, SampleRateHz: d.SampleRateHz}, nil
	case TypeAudioEnd:
		return AudioEnd{Meta: meta}, nil
	default:
		return nil, &DecodeError{Code: CodeUnknownType, Message: fmt.Sprintf("unsupported message type %q", typ), Param: "type"}
	}
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, badRequest("timestamp is required", "timestamp")
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, badRequest("timestamp must be ISO-8601", "timestamp")
}

func checkDataObject(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || trimmed[0] == '{' {
		return nil
	}
	return badRequest("data must be an object", "data")
}

func unmarshalData(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.Unmarshal(trimmed, v)
}
