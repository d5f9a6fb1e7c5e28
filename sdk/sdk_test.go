package vai

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/vai-toy/pkg/core/pairing"
	"github.com/vango-go/vai-toy/pkg/gateway/config"
	"github.com/vango-go/vai-toy/pkg/gateway/live/downstream"
	"github.com/vango-go/vai-toy/pkg/gateway/server"
	"github.com/vango-go/vai-toy/pkg/store/children"
	"github.com/vango-go/vai-toy/pkg/store/replay"
)

const (
	testSalt     = "sdk-test-salt"
	testAdminKey = "ops-key"
	testDeviceID = "Teddy-ESP32-001"
	testChildID  = "child_42"
)

type echoSink struct{}

func (echoSink) HandleUtterance(_ context.Context, u downstream.Utterance) (downstream.Reply, error) {
	return downstream.Reply{Text: fmt.Sprintf("utterance %d: %d chunks", u.Seq, u.Chunks)}, nil
}

func (echoSink) HandleText(_ context.Context, t downstream.Text) (downstream.Reply, error) {
	return downstream.Reply{Text: "heard " + t.Text}, nil
}

func testGatewayConfig() config.Config {
	return config.Config{
		SigningKey:                []byte("0123456789abcdef0123456789abcdef"),
		OOBSalt:                   testSalt,
		TokenTTL:                  time.Hour,
		NonceTTL:                  time.Minute,
		DependencyTimeout:         time.Second,
		HandlerTimeout:            time.Second,
		DrainDefaultMaxSessionAge: 900 * time.Second,
		AudioBufferCapacity:       64,
		VADThreshold:              0.01,
		MaxMessageBytes:           10000,
		WSReadLimit:               64 << 10,
		WSHandshakeTimeout:        time.Second,
		WSWriteTimeout:            time.Second,
		DownstreamTimeout:         time.Second,
		MaxStreamsPerDevice:       1,
		AdminAPIKeys:              map[string]struct{}{testAdminKey: {}},
		ClaimRPM:                  600,
		ClaimBurst:                50,
	}
}

type gatewayFixture struct {
	srv    *server.Server
	ts     *httptest.Server
	client *Client
	device Device
}

func newGatewayFixture(t *testing.T, mutate func(*config.Config)) *gatewayFixture {
	t.Helper()
	cfg := testGatewayConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := server.New(cfg, logger, server.Dependencies{
		Nonces:   replay.NewMemory(),
		Children: children.NewMemory(pairing.ChildProfile{ID: testChildID}),
		Sink:     echoSink{},
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &gatewayFixture{
		srv: srv,
		ts:  ts,
		client: NewClient(
			WithBaseURL(ts.URL),
			WithAdminKey(testAdminKey),
			WithHTTPClient(ts.Client()),
			WithRetries(0),
			WithLogger(logger),
		),
		device: NewDevice(testDeviceID, testSalt, "1.2.0"),
	}
}

func (f *gatewayFixture) streamParams(token string) StreamParams {
	return StreamParams{
		DeviceID:  testDeviceID,
		ChildID:   testChildID,
		ChildName: "Mia",
		ChildAge:  6,
		Token:     token,
	}
}

// loudPCM returns n little-endian samples at half full scale.
func loudPCM(n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(16000)
		if i%2 == 1 {
			v = -16000
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func nextEvent[T StreamEvent](t *testing.T, s *Stream) T {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				var zero T
				t.Fatalf("stream ended waiting for %T: err=%v", zero, s.Err())
			}
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
		}
	}
}
