// Package vai is the device-side client for the vai-toy gateway.
//
// A Client claims session tokens over HTTP and opens streaming sessions over
// websocket. Canonical gateway errors surface as *Error; network failures
// surface as *TransportError.
package vai

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL        = "http://localhost:8080"
	defaultRequestTimeout = 30 * time.Second
	defaultClaimRetries   = 2
	defaultRetryBackoff   = 250 * time.Millisecond

	// ProtocolVersion is the X-Device-Protocol value this client speaks.
	ProtocolVersion = "1"
)

// Client talks to one gateway instance.
type Client struct {
	baseURL      string
	adminKey     string
	httpClient   *http.Client
	dialer       dialer
	logger       *slog.Logger
	maxRetries   int
	retryBackoff time.Duration
	now          func() time.Time
}

// NewClient builds a Client. The zero configuration targets a local gateway.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: defaultRequestTimeout},
		logger:       slog.Default(),
		maxRetries:   defaultClaimRetries,
		retryBackoff: defaultRetryBackoff,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baseURL = strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if c.dialer == nil {
		c.dialer = defaultDialer()
	}
	return c
}

// BaseURL returns the normalized gateway URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL sets the gateway base URL, e.g. https://toy.example.com.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithAdminKey sets the bearer key used for admin-only calls such as
// RefreshToken.
func WithAdminKey(key string) ClientOption {
	return func(c *Client) {
		c.adminKey = strings.TrimSpace(key)
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger sets the logger for the client.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRetries sets how many times Claim is retried after a retryable
// failure. Each attempt uses a fresh nonce.
func WithRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the initial backoff between Claim attempts.
func WithRetryBackoff(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.retryBackoff = d
		}
	}
}
