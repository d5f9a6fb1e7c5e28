// Package session runs one device streaming connection: admission, the
// inbound message loop, voice-gated audio buffering and delivery of
// utterances to the downstream sink.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-toy/pkg/core"
	"github.com/vango-go/vai-toy/pkg/core/live"
	"github.com/vango-go/vai-toy/pkg/gateway/live/downstream"
	"github.com/vango-go/vai-toy/pkg/gateway/live/protocol"
)

const (
	defaultOutboundQueueSize  = 64
	outboundPriorityQueueSize = 8
	defaultReadLimit          = 64 << 10
)

var (
	errBackpressure = errors.New("session outbound backpressure")
	// ErrNotAdmitted is returned by Admit when the admission gate is closed.
	ErrNotAdmitted = errors.New("session not admitted: instance is draining")
	errPanic       = errors.New("session message handler panicked")
)

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type Config struct {
	// MaxMessageBytes is the in-band message limit; larger messages get an
	// error frame and the session stays open.
	MaxMessageBytes int
	// ReadLimit is the transport limit; exceeding it closes the connection.
	ReadLimit          int64
	ChunksPerSecond    int
	BytesPerSecond     int64
	BurstSeconds       int
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	MaxSessionDuration time.Duration
	ForwardTimeout     time.Duration
	OutboundQueueSize  int
}

type Dependencies struct {
	Conn      Conn
	Logger    *slog.Logger
	Params    protocol.ConnectParams
	SessionID string
	RequestID string
	Buffer    *live.AudioBuffer
	Detector  live.VoiceDetector
	Sink      downstream.Sink
	Config    Config
	Now       func() time.Time
}

// StreamSession is one admitted device connection.
type StreamSession struct {
	conn      Conn
	logger    *slog.Logger
	params    protocol.ConnectParams
	sessionID string
	buffer    *live.AudioBuffer
	detector  live.VoiceDetector
	sink      downstream.Sink
	cfg       Config
	now       func() time.Time
	startedAt time.Time

	fsm stateMachine

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan []byte
	outboundNormal   chan []byte

	closeMu     sync.Mutex
	closeCode   int
	closeReason string

	forwards     sync.WaitGroup
	utteranceSeq atomic.Int64
	voicedChunks atomic.Int64
	droppedMsgs  atomic.Int64
	releaseOnce  sync.Once
}

// New builds a session in StateConnecting.
func New(deps Dependencies) (*StreamSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Buffer == nil {
		return nil, fmt.Errorf("audio buffer is required")
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("downstream sink is required")
	}
	if deps.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cfg := deps.Config
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = protocol.MaxMessageBytes
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.ReadLimit < int64(cfg.MaxMessageBytes) {
		cfg.ReadLimit = int64(cfg.MaxMessageBytes)
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 30 * time.Second
	}
	queueSize := cfg.OutboundQueueSize
	if queueSize <= 0 {
		queueSize = defaultOutboundQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &StreamSession{
		conn:      deps.Conn,
		logger:    logger.With("session_id", deps.SessionID, "device_id", deps.Params.DeviceID, "request_id", deps.RequestID),
		params:    deps.Params,
		sessionID: deps.SessionID,
		buffer:    deps.Buffer,
		detector:  deps.Detector,
		sink:      deps.Sink,
		cfg:       cfg,
		now:       now,
		startedAt: now(),

		ctx:    ctx,
		cancel: cancel,

		outboundPriority: make(chan []byte, outboundPriorityQueueSize),
		outboundNormal:   make(chan []byte, queueSize),

		closeCode: websocket.CloseNormalClosure,
	}, nil
}

func (s *StreamSession) ID() string { return s.sessionID }

func (s *StreamSession) State() State { return s.fsm.Current() }

func (s *StreamSession) StartedAt() time.Time { return s.startedAt }

// Admit moves the session to StateAdmitted if canAccept reports true. The
// gate is consulted once; a later drain does not evict admitted sessions.
// On refusal the session moves to StateClosed and ErrNotAdmitted is
// returned.
func (s *StreamSession) Admit(canAccept func() bool) error {
	ok, err := s.fsm.toIf(StateAdmitted, canAccept)
	if err != nil {
		return err
	}
	if !ok {
		_ = s.fsm.To(StateClosed)
		s.cancel()
		return ErrNotAdmitted
	}
	return nil
}

// Run serves the connection until the device disconnects, the session is
// canceled, or a fatal error occurs. The audio buffer is cleared and the
// session reaches StateClosed on every return path.
func (s *StreamSession) Run() (err error) {
	if err := s.fsm.To(StateActive); err != nil {
		s.release()
		return err
	}
	defer s.release()

	s.conn.SetReadLimit(s.cfg.ReadLimit)
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 16)
	writerDone := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:        s.conn,
			ctx:       s.ctx,
			cfg:       s.cfg,
			priority:  s.outboundPriority,
			normal:    s.outboundNormal,
			closeCode: s.closeInfo,
		}
		writerDone <- w.Run()
		close(writerDone)
	}()
	defer func() {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerDone:
		case <-timer.C:
		}
	}()

	limiter := newChunkLimiter(s.now, s.cfg.ChunksPerSecond, s.cfg.BytesPerSecond, s.cfg.BurstSeconds)

	var expired <-chan time.Time
	if s.cfg.MaxSessionDuration > 0 {
		timer := time.NewTimer(s.cfg.MaxSessionDuration)
		defer timer.Stop()
		expired = timer.C
	}

	s.logger.Info("stream session started", "child_id", s.params.ChildID, "child_age", s.params.ChildAge)
	_ = s.sendStatus(protocol.StatusReady, "")

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-expired:
			s.closeWith(websocket.ClosePolicyViolation, "max session duration reached")
			_ = s.sendError(core.NewProtocolError("session_expired", "max session duration reached"), true)
			return nil
		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				if websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return nil
				}
				if s.ctx.Err() != nil {
					return nil
				}
				return frame.err
			}
			if err := s.handleFrameSafely(frame, limiter); err != nil {
				if errors.Is(err, errBackpressure) {
					s.droppedMsgs.Add(1)
					s.logger.Warn("stream outbound backpressure, frame dropped")
					continue
				}
				return err
			}
		}
	}
}

// release runs once per session, on every exit path.
func (s *StreamSession) release() {
	s.releaseOnce.Do(func() {
		if s.fsm.Current() == StateActive || s.fsm.Current() == StateAdmitted {
			_ = s.fsm.To(StateClosing)
		}
		s.cancel()
		s.forwards.Wait()
		s.buffer.Clear()
		if s.fsm.Current() != StateClosed {
			_ = s.fsm.To(StateClosed)
		}
		s.logger.Info("stream session closed",
			"duration_ms", s.now().Sub(s.startedAt).Milliseconds(),
			"voiced_chunks", s.voicedChunks.Load(),
			"evicted_chunks", s.buffer.Evicted(),
			"dropped_messages", s.droppedMsgs.Load(),
		)
	})
}

// handleFrameSafely confines a panic to this session.
func (s *StreamSession) handleFrameSafely(frame inboundFrame, limiter *chunkLimiter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling stream message", "panic", r, "stack", string(debug.Stack()))
			s.closeWith(websocket.CloseInternalServerErr, "internal error")
			_ = s.sendError(core.NewAPIError("internal error"), true)
			err = errPanic
		}
	}()
	return s.handleFrame(frame, limiter)
}

func (s *StreamSession) handleFrame(frame inboundFrame, limiter *chunkLimiter) error {
	if len(frame.data) > s.cfg.MaxMessageBytes {
		s.droppedMsgs.Add(1)
		return s.sendProtocolError(protocol.CodeMessageTooLarge,
			fmt.Sprintf("message is %d bytes, limit is %d", len(frame.data), s.cfg.MaxMessageBytes), "")
	}

	if frame.messageType == websocket.BinaryMessage {
		if len(frame.data) == 0 {
			return s.sendProtocolError(protocol.CodeBadRequest, "binary audio frame is empty", "")
		}
		return s.handleAudioChunk(protocol.AudioChunk{Audio: frame.data}, limiter)
	}

	msg, err := protocol.DecodeClientMessage(frame.data, s.cfg.MaxMessageBytes)
	if err != nil {
		s.droppedMsgs.Add(1)
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			return s.sendProtocolError(de.Code, de.Message, de.Param)
		}
		return s.sendProtocolError(protocol.CodeBadRequest, "invalid message", "")
	}

	switch m := msg.(type) {
	case protocol.AudioChunk:
		return s.handleAudioChunk(m, limiter)
	case protocol.AudioStart:
		s.buffer.Clear()
		return s.sendStatus(protocol.StatusListening, "")
	case protocol.AudioEnd:
		return s.flushUtterance()
	case protocol.TextMessage:
		s.forward(func(ctx context.Context) (downstream.Reply, error) {
			return s.sink.HandleText(ctx, downstream.Text{SessionInfo: s.info(), Text: m.Text, SentAt: m.Timestamp})
		})
		return nil
	case protocol.Heartbeat:
		return s.send(protocol.NewFrame(protocol.TypeHeartbeat, protocol.HeartbeatData{
			ServerTime: protocol.FormatTimestamp(s.now()),
		}, s.now()))
	case protocol.SystemStatus:
		return s.sendStatus(s.statusName(), "")
	default:
		return s.sendProtocolError(protocol.CodeUnknownType, fmt.Sprintf("unhandled message %T", msg), "type")
	}
}

func (s *StreamSession) handleAudioChunk(m protocol.AudioChunk, limiter *chunkLimiter) error {
	if !limiter.Allow(len(m.Audio)) {
		s.droppedMsgs.Add(1)
		return s.sendProtocolError("rate_limited", "inbound audio rate exceeded", "")
	}
	voice, err := s.detector.IsVoice(m.Audio)
	if err != nil {
		s.droppedMsgs.Add(1)
		return s.sendProtocolError(protocol.CodeBadRequest, "audio chunk has no complete 16-bit sample", "data.audio")
	}
	if !voice {
		return nil
	}
	s.buffer.AddChunk(m.Audio)
	s.voicedChunks.Add(1)
	return nil
}

func (s *StreamSession) flushUtterance() error {
	chunks := s.buffer.Len()
	audio := s.buffer.Drain()
	if len(audio) == 0 {
		return s.sendStatus(protocol.StatusReady, "no voice detected")
	}
	u := downstream.Utterance{
		SessionInfo: s.info(),
		Seq:         s.utteranceSeq.Add(1),
		Audio:       audio,
		Chunks:      chunks,
		EndedAt:     s.now(),
	}
	if err := s.sendStatus(protocol.StatusProcessing, ""); err != nil {
		return err
	}
	s.forward(func(ctx context.Context) (downstream.Reply, error) {
		return s.sink.HandleUtterance(ctx, u)
	})
	return nil
}

// forward runs fn off the read loop. Replies are relayed as text_message
// frames; failures are reported in-band and do not end the session.
func (s *StreamSession) forward(fn func(ctx context.Context) (downstream.Reply, error)) {
	s.forwards.Add(1)
	go func() {
		defer s.forwards.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in downstream forward", "panic", r, "stack", string(debug.Stack()))
				s.closeWith(websocket.CloseInternalServerErr, "internal error")
				s.cancel()
			}
		}()

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ForwardTimeout)
		defer cancel()
		reply, err := fn(ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("downstream forward failed", "error", err)
			ce := core.NewExternalServiceError("downstream", err)
			_ = s.sendError(ce, false)
			return
		}
		if reply.Text != "" {
			_ = s.send(protocol.NewFrame(protocol.TypeTextMessage, protocol.TextData{Text: reply.Text}, s.now()))
		}
		_ = s.sendStatus(protocol.StatusReady, "")
	}()
}

func (s *StreamSession) info() downstream.SessionInfo {
	return downstream.SessionInfo{
		SessionID: s.sessionID,
		DeviceID:  s.params.DeviceID,
		ChildID:   s.params.ChildID,
		ChildName: s.params.ChildName,
		ChildAge:  s.params.ChildAge,
	}
}

func (s *StreamSession) statusName() string {
	if s.buffer.Len() > 0 {
		return protocol.StatusListening
	}
	return protocol.StatusReady
}

// Cancel ends the session with a normal close.
func (s *StreamSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// Close ends the session with the given close code and reason.
func (s *StreamSession) Close(code int, reason string) {
	if s == nil {
		return
	}
	s.closeWith(code, reason)
	s.cancel()
}

// SendWarning notifies the device without closing the session. Drain
// notices use this.
func (s *StreamSession) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	payload, err := json.Marshal(protocol.NewFrame(protocol.TypeSystemStatus, protocol.StatusData{
		State:     code,
		SessionID: s.sessionID,
		Message:   message,
	}, s.now()))
	if err != nil {
		return err
	}
	return s.enqueuePriority(payload)
}

func (s *StreamSession) closeWith(code int, reason string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closeCode == websocket.CloseNormalClosure {
		s.closeCode = code
		s.closeReason = reason
	}
}

func (s *StreamSession) closeInfo() (int, string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeCode, s.closeReason
}

func (s *StreamSession) sendStatus(state, message string) error {
	return s.send(protocol.NewFrame(protocol.TypeSystemStatus, protocol.StatusData{
		State:          state,
		SessionID:      s.sessionID,
		Message:        message,
		BufferedChunks: s.buffer.Len(),
		VoicedChunks:   s.voicedChunks.Load(),
		EvictedChunks:  s.buffer.Evicted(),
	}, s.now()))
}

func (s *StreamSession) sendProtocolError(code, message, param string) error {
	s.logger.Debug("stream protocol error", "code", code, "message", message)
	err := s.send(protocol.ErrorFrame(code, message, param, false, s.now()))
	if errors.Is(err, errBackpressure) {
		// Dropping an error frame under backpressure is preferable to
		// ending the session.
		return nil
	}
	return err
}

func (s *StreamSession) sendError(ce *core.Error, closing bool) error {
	code := ce.Code
	if code == "" {
		code = string(ce.Type)
	}
	frame := protocol.NewFrame(protocol.TypeError, protocol.ErrorData{
		Code:      code,
		Message:   ce.Message,
		Param:     ce.Param,
		Retryable: ce.IsRetryable(),
		Close:     closing,
	}, s.now())
	if closing {
		payload, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		return s.enqueuePriority(payload)
	}
	return s.send(frame)
}

func (s *StreamSession) send(frame protocol.ServerFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.enqueueNormal(payload)
}

func (s *StreamSession) enqueueNormal(payload []byte) error {
	if s.ctx.Err() != nil {
		return nil
	}
	select {
	case s.outboundNormal <- payload:
		return nil
	default:
		return errBackpressure
	}
}

func (s *StreamSession) enqueuePriority(payload []byte) error {
	select {
	case s.outboundPriority <- payload:
		return nil
	default:
	}
	// Drop the oldest priority frame to make room.
	select {
	case <-s.outboundPriority:
	default:
	}
	select {
	case s.outboundPriority <- payload:
		return nil
	default:
		return errBackpressure
	}
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func (s *StreamSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}
