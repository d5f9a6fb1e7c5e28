package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-toy/pkg/core/pairing"
	"github.com/vango-go/vai-toy/pkg/gateway/config"
	"github.com/vango-go/vai-toy/pkg/gateway/live/downstream"
	"github.com/vango-go/vai-toy/pkg/gateway/server"
	"github.com/vango-go/vai-toy/pkg/store/children"
	"github.com/vango-go/vai-toy/pkg/store/replay"
)

const testSalt = "device-cli-salt"

type replySink struct{}

func (replySink) HandleUtterance(_ context.Context, u downstream.Utterance) (downstream.Reply, error) {
	return downstream.Reply{Text: "got audio"}, nil
}

func (replySink) HandleText(_ context.Context, t downstream.Text) (downstream.Reply, error) {
	return downstream.Reply{Text: "heard " + t.Text}, nil
}

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	cfg, err := config.LoadFromMap(map[string]string{
		"VAI_TOY_SIGNING_KEY":          "0123456789abcdef0123456789abcdef",
		"VAI_TOY_OOB_SALT":             testSalt,
		"VAI_TOY_STREAM_REQUIRE_TOKEN": "true",
	})
	if err != nil {
		t.Fatalf("LoadFromMap: %v", err)
	}
	srv, err := server.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), server.Dependencies{
		Nonces:   replay.NewMemory(),
		Children: children.NewMemory(pairing.ChildProfile{ID: "child_42"}),
		Sink:     replySink{},
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func baseArgs(gateway string) []string {
	return []string{
		"--gateway", gateway,
		"--device-id", "Teddy-ESP32-001",
		"--salt", testSalt,
		"--child-id", "child_42",
		"--child-name", "Mia",
		"--child-age", "6",
		"--wait", "2s",
	}
}

func TestRun_ClaimOnly(t *testing.T) {
	ts := newGateway(t)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), append(baseArgs(ts.URL), "--claim-only"), &stdout, &stderr)
	if err != nil {
		t.Fatalf("run: %v (stderr=%s)", err, stderr.String())
	}
	var sess struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &sess); err != nil {
		t.Fatalf("decode stdout %q: %v", stdout.String(), err)
	}
	if sess.AccessToken == "" || sess.TokenType != "Bearer" {
		t.Fatalf("session=%+v", sess)
	}
}

func TestRun_SayPrintsReply(t *testing.T) {
	ts := newGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	err := run(ctx, append(baseArgs(ts.URL), "--say", "hello bear"), &stdout, &stderr)
	if err != nil {
		t.Fatalf("run: %v (stderr=%s)", err, stderr.String())
	}
	if !strings.Contains(stdout.String(), `"text":"heard hello bear"`) {
		t.Fatalf("stdout=%s", stdout.String())
	}
}

func TestRun_AudioFile(t *testing.T) {
	ts := newGateway(t)

	pcm := make([]byte, 6400)
	for i := 0; i < len(pcm)/2; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(12000)))
	}
	path := filepath.Join(t.TempDir(), "hello.pcm")
	if err := os.WriteFile(path, pcm, 0o600); err != nil {
		t.Fatalf("write pcm: %v", err)
	}

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), append(baseArgs(ts.URL), "--audio", path), &stdout, &stderr)
	if err != nil {
		t.Fatalf("run: %v (stderr=%s)", err, stderr.String())
	}
	if !strings.Contains(stdout.String(), `"text":"got audio"`) {
		t.Fatalf("stdout=%s", stdout.String())
	}
}

func TestRun_WithoutTokenIsRejected(t *testing.T) {
	ts := newGateway(t)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), append(baseArgs(ts.URL), "--no-token"), &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "authentication_error") {
		t.Fatalf("err=%v, want authentication_error", err)
	}
}

func TestParseFlags_Validation(t *testing.T) {
	cases := map[string][]string{
		"missing device": {"--child-id", "c1", "--salt", "s"},
		"missing child":  {"--device-id", "Teddy-ESP32-001", "--salt", "s"},
		"odd chunk":      {"--device-id", "Teddy-ESP32-001", "--child-id", "c1", "--salt", "s", "--chunk-bytes", "3"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parseFlags(args, io.Discard); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
