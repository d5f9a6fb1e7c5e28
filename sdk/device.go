package vai

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-toy/pkg/core"
	"github.com/vango-go/vai-toy/pkg/core/pairing"
)

const (
	claimPath   = "/v1/devices/claim"
	refreshPath = "/v1/devices/token/refresh"

	// NonceBytes is the nonce length used by Claim.
	NonceBytes = 16
)

// Device holds the identity a toy is provisioned with.
type Device struct {
	ID              string
	FirmwareVersion string

	key []byte
}

// NewDevice derives the device's pairing key from its id and the
// installation salt.
func NewDevice(id, salt, firmwareVersion string) Device {
	id = strings.TrimSpace(id)
	return Device{
		ID:              id,
		FirmwareVersion: strings.TrimSpace(firmwareVersion),
		key:             pairing.OOBSecretKey(id, salt),
	}
}

// ClaimRequest builds a signed claim for childID with the given nonce.
func (d Device) ClaimRequest(childID string, nonce []byte) pairing.ClaimRequest {
	childID = strings.TrimSpace(childID)
	return pairing.ClaimRequest{
		DeviceID:        d.ID,
		ChildID:         childID,
		Nonce:           hex.EncodeToString(nonce),
		HMACHex:         pairing.ComputeClaimHMAC(d.key, d.ID, childID, nonce),
		FirmwareVersion: d.FirmwareVersion,
	}
}

// NewNonce returns n random bytes.
func NewNonce(n int) ([]byte, error) {
	if n <= 0 {
		n = NonceBytes
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return b, nil
}

// Session is the token grant returned by claim and refresh.
type Session struct {
	AccessToken     string `json:"access_token"`
	DeviceSessionID string `json:"device_session_id"`
	ExpiresIn       int64  `json:"expires_in"`
	TokenType       string `json:"token_type"`
}

// Expires reports whether the token carries an expiry.
func (s Session) Expires() bool { return s.ExpiresIn > 0 }

// Claim proves possession of the device key for childID and returns a
// session token. Rate limits, transport failures and 5xx responses are
// retried with a fresh nonce; authentication and validation failures are
// returned immediately.
func (c *Client) Claim(ctx context.Context, d Device, childID string) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var out *Session
	backoff := retry.WithMaxRetries(uint64(c.maxRetries), retry.NewExponential(c.retryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		nonce, err := NewNonce(NonceBytes)
		if err != nil {
			return err
		}
		var sess Session
		if err := c.postJSON(ctx, claimPath, d.ClaimRequest(childID, nonce), false, &sess); err != nil {
			if retryableClaimError(err) {
				c.logger.Debug("claim attempt failed", "device_id", d.ID, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		out = &sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func retryableClaimError(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	return false
}

// RefreshToken exchanges a still-valid token for a new one bound to the same
// device session. It needs an admin key.
func (c *Client) RefreshToken(ctx context.Context, deviceID, token string) (*Session, error) {
	if c.adminKey == "" {
		return nil, core.NewAuthenticationError("admin key required for token refresh")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	body := map[string]string{"device_id": strings.TrimSpace(deviceID), "token": strings.TrimSpace(token)}
	var sess Session
	if err := c.postJSON(ctx, refreshPath, body, true, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, admin bool, out any) error {
	endpoint, err := c.endpoint(path)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Device-Protocol", ProtocolVersion)
	if admin {
		req.Header.Set("Authorization", "Bearer "+c.adminKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: http.MethodPost, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: http.MethodPost, URL: endpoint, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// endpoint joins path onto the base URL. Credentials embedded in the base URL
// are rejected so they cannot leak into logs.
func (c *Client) endpoint(path string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid gateway base URL %q", c.baseURL)
	}
	if u.User != nil {
		return "", errors.New("gateway base URL must not contain credentials")
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultRequestTimeout)
}
