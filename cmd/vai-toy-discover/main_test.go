package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/vai-toy/pkg/discovery"
)

func deviceServer(t *testing.T, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != discovery.DefaultPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestRun_TablePrintsCandidates(t *testing.T) {
	toy := deviceServer(t, `{"device_id":"Teddy-ESP32-001","firmware_version":"1.2.0","model":"bear"}`)
	other := deviceServer(t, `{"device_id":"x"}`)

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{toy, other}, &stdout, &stderr); err != nil {
		t.Fatalf("run: %v", err)
	}
	out := stdout.String()
	if !strings.Contains(out, "DEVICE ID") || !strings.Contains(out, "Teddy-ESP32-001") || !strings.Contains(out, "bear") {
		t.Fatalf("stdout=%q", out)
	}
	if strings.Count(out, "\n") != 2 {
		t.Fatalf("want header plus one row, got %q", out)
	}
}

func TestRun_JSON(t *testing.T) {
	toy := deviceServer(t, `{"device_id":"Teddy-ESP32-001"}`)

	var stdout bytes.Buffer
	if err := run(context.Background(), []string{"--json", toy}, &stdout, io.Discard); err != nil {
		t.Fatalf("run: %v", err)
	}
	var got []discovery.Candidate
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v (%q)", err, stdout.String())
	}
	if len(got) != 1 || got[0].Address != toy || got[0].Info.DeviceID != "Teddy-ESP32-001" {
		t.Fatalf("candidates=%+v", got)
	}
}

func TestRun_NothingFound(t *testing.T) {
	var stdout bytes.Buffer
	if err := run(context.Background(), []string{"--json", "--timeout", "100ms", "127.0.0.1:1"}, &stdout, io.Discard); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(stdout.String()) != "[]" {
		t.Fatalf("stdout=%q, want []", stdout.String())
	}
}

func TestRun_RejectsOversizedCIDR(t *testing.T) {
	err := run(context.Background(), []string{"--cidr", "10.0.0.0/8", "--max-hosts", "256"}, io.Discard, io.Discard)
	if err == nil {
		t.Fatalf("expected error for oversized network")
	}
}

func TestParseFlags_RequiresTarget(t *testing.T) {
	if _, err := parseFlags(nil, io.Discard); err == nil {
		t.Fatalf("expected error without hosts or cidr")
	}
}
