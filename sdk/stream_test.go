package vai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-toy/pkg/gateway/config"
	"github.com/vango-go/vai-toy/pkg/gateway/live/protocol"
)

func TestStream_TextRoundTrip(t *testing.T) {
	f := newGatewayFixture(t, nil)

	s, err := f.client.DialStream(context.Background(), f.streamParams(""))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SendText("hello bear"))
	text := nextEvent[TextEvent](t, s)
	assert.Equal(t, "heard hello bear", text.Text)
	assert.False(t, text.Timestamp.IsZero())
}

func TestStream_Utterance(t *testing.T) {
	f := newGatewayFixture(t, nil)

	s, err := f.client.DialStream(context.Background(), f.streamParams(""))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SendAudioStart(16000))
	status := nextEvent[StatusEvent](t, s)
	for status.State != protocol.StatusListening {
		status = nextEvent[StatusEvent](t, s)
	}

	require.NoError(t, s.SendAudioChunk(loudPCM(160), 1))
	require.NoError(t, s.SendAudioFrame(loudPCM(160)))
	require.NoError(t, s.SendAudioEnd())

	text := nextEvent[TextEvent](t, s)
	assert.Equal(t, "utterance 1: 2 chunks", text.Text)
}

func TestStream_HeartbeatAndStatus(t *testing.T) {
	f := newGatewayFixture(t, nil)

	s, err := f.client.DialStream(context.Background(), f.streamParams(""))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SendHeartbeat())
	hb := nextEvent[HeartbeatEvent](t, s)
	_, err = time.Parse(time.RFC3339Nano, hb.ServerTime)
	assert.NoError(t, err)

	require.NoError(t, s.RequestStatus())
	st := nextEvent[StatusEvent](t, s)
	assert.NotEmpty(t, st.State)
}

func TestStream_InvalidParamsIsValidationError(t *testing.T) {
	f := newGatewayFixture(t, nil)
	p := f.streamParams("")
	p.ChildAge = 42

	_, err := f.client.DialStream(context.Background(), p)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrValidation, ce.Type)
	require.NotEmpty(t, ce.Fields)
	assert.Equal(t, "query.child_age", ce.Fields[0].Loc)
}

func TestStream_TokenRequired(t *testing.T) {
	f := newGatewayFixture(t, func(c *config.Config) { c.StreamRequireToken = true })

	_, err := f.client.DialStream(context.Background(), f.streamParams(""))
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrAuthentication, ce.Type)

	sess, err := f.client.Claim(context.Background(), f.device, testChildID)
	require.NoError(t, err)
	s, err := f.client.DialStream(context.Background(), f.streamParams(sess.AccessToken))
	require.NoError(t, err)
	defer s.Close()

	ready := nextEvent[StatusEvent](t, s)
	assert.Equal(t, sess.DeviceSessionID, ready.SessionID)
	_, ok := f.srv.Sessions().Get(sess.DeviceSessionID)
	assert.True(t, ok)

	require.NoError(t, s.SendText("hi"))
	assert.Equal(t, "heard hi", nextEvent[TextEvent](t, s).Text)
}

func TestStream_SecondStreamPerDeviceIsRateLimited(t *testing.T) {
	f := newGatewayFixture(t, nil)

	s, err := f.client.DialStream(context.Background(), f.streamParams(""))
	require.NoError(t, err)
	defer s.Close()

	_, err = f.client.DialStream(context.Background(), f.streamParams(""))
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrRateLimit, ce.Type)
}

func TestStream_DrainingRefusal(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.srv.StartDrain("test", "rollout")

	s, err := f.client.DialStream(context.Background(), f.streamParams(""))
	require.NoError(t, err)

	ev := nextEvent[ErrorEvent](t, s)
	assert.Equal(t, "draining", ev.Code)
	assert.True(t, ev.Close)

	<-s.Done()
	var ce *CloseError
	require.True(t, errors.As(s.Err(), &ce), "err=%v", s.Err())
	assert.Equal(t, protocol.CloseTryAgainLater, ce.Code)
	assert.True(t, ce.Draining())
	require.NoError(t, s.Close())
}

func TestStream_DrainCancelEndsSession(t *testing.T) {
	f := newGatewayFixture(t, nil)

	s, err := f.client.DialStream(context.Background(), f.streamParams(""))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SendHeartbeat())
	nextEvent[HeartbeatEvent](t, s)
	require.Equal(t, 1, f.srv.Sessions().Count())

	f.srv.Sessions().CancelAll()

	// Drain the channel so the read loop can reach the close frame.
	for range s.Events() {
	}
	var ce *CloseError
	require.True(t, errors.As(s.Err(), &ce), "err=%v", s.Err())
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	f := newGatewayFixture(t, nil)

	s, err := f.client.DialStream(context.Background(), f.streamParams(""))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Error(t, s.SendText("late"))
	assert.NoError(t, s.Err())
}

func TestDecodeServerFrame(t *testing.T) {
	ev, err := decodeServerFrame([]byte(`{"type":"system_status","data":{"state":"draining","drain_deadline":"2026-01-01T00:00:00Z"},"timestamp":"2026-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	st, ok := ev.(StatusEvent)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusDraining, st.State)
	assert.Equal(t, "2026-01-01T00:00:00Z", st.DrainDeadline)

	ev, err = decodeServerFrame([]byte(`{"type":"future_thing","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "future_thing", ev.(UnknownEvent).Type)

	_, err = decodeServerFrame([]byte(`not json`))
	assert.Error(t, err)
}

func TestWebsocketEndpoint(t *testing.T) {
	c := NewClient(WithBaseURL("https://toy.example.com"))
	got, err := c.websocketEndpoint(streamPath)
	require.NoError(t, err)
	assert.Equal(t, "wss://toy.example.com/v1/devices/stream", got)

	c = NewClient(WithBaseURL("ftp://toy.example.com"))
	_, err = c.websocketEndpoint(streamPath)
	assert.Error(t, err)
}
