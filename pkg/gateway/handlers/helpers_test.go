package handlers

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/vai-toy/pkg/core"
	"github.com/vango-go/vai-toy/pkg/core/pairing"
	"github.com/vango-go/vai-toy/pkg/core/token"
	"github.com/vango-go/vai-toy/pkg/gateway/mw"
	"github.com/vango-go/vai-toy/pkg/store/children"
	"github.com/vango-go/vai-toy/pkg/store/replay"
)

const (
	testSalt     = "handler-test-salt"
	testDeviceID = "Teddy-ESP32-001"
	testChildID  = "child_42"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

func newTestIssuer(t *testing.T) *token.Issuer {
	t.Helper()
	iss, err := token.NewIssuer(token.Config{SigningKey: testSigningKey, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss
}

type claimFixture struct {
	issuer   *token.Issuer
	children *children.Memory
	service  *pairing.Service
}

func newClaimFixture(t *testing.T, cfg pairing.Config) claimFixture {
	t.Helper()
	iss := newTestIssuer(t)
	kids := children.NewMemory(pairing.ChildProfile{ID: testChildID, DeviceID: testDeviceID, Name: "Sam", Age: 7})
	cfg.Salt = testSalt
	svc := pairing.NewService(cfg, pairing.Dependencies{
		Nonces:   replay.NewMemory(),
		Children: kids,
		Tokens:   iss,
	})
	return claimFixture{issuer: iss, children: kids, service: svc}
}

func signedClaim(deviceID, childID, nonceHex string) pairing.ClaimRequest {
	nonce, _ := hex.DecodeString(nonceHex)
	key := pairing.OOBSecretKey(deviceID, testSalt)
	return pairing.ClaimRequest{
		DeviceID: deviceID,
		ChildID:  childID,
		Nonce:    nonceHex,
		HMACHex:  pairing.ComputeClaimHMAC(key, deviceID, childID, nonce),
	}
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req.WithContext(mw.WithRequestID(context.Background(), "req_test"))
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) core.Error {
	t.Helper()
	var env struct {
		Error core.Error `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v body=%q", err, rr.Body.String())
	}
	return env.Error
}
