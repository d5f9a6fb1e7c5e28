package principal

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-toy/pkg/gateway/auth"
)

func TestClientIP_IgnoresProxyHeadersUnlessTrusted(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/devices/claim", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := ClientIP(r, false); got != "192.0.2.10" {
		t.Fatalf("untrusted ClientIP=%q, want 192.0.2.10", got)
	}
	if got := ClientIP(r, true); got != "203.0.113.7" {
		t.Fatalf("trusted ClientIP=%q, want 203.0.113.7", got)
	}

	r.Header.Set("CF-Connecting-IP", "198.51.100.4")
	if got := ClientIP(r, true); got != "198.51.100.4" {
		t.Fatalf("CF header ClientIP=%q", got)
	}
}

func TestClientIP_RejectsGarbage(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:1"
	r.Header.Set("X-Real-IP", "not-an-ip")
	if got := ClientIP(r, true); got != "192.0.2.10" {
		t.Fatalf("ClientIP=%q", got)
	}
}

func TestResolve(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:1"
	got := Resolve(r, false)
	if got.Kind != KindIP || got.Key != "ip_192.0.2.10" {
		t.Fatalf("Resolve=%+v", got)
	}

	r = r.WithContext(auth.WithPrincipal(r.Context(), &auth.Principal{KeyID: "k_abc"}))
	got = Resolve(r, false)
	if got.Kind != KindAdmin || got.Key != "k_abc" {
		t.Fatalf("Resolve=%+v", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = ""
	if got := Resolve(r, false); got.Kind != KindAnon {
		t.Fatalf("Resolve=%+v, want anonymous", got)
	}
}
