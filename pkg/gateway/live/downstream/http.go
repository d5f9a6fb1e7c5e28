package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// maxReplyBytes bounds how much of a downstream response is read.
const maxReplyBytes = 64 << 10

// HTTPForwarder POSTs utterances to {base}/utterances as raw PCM and text to
// {base}/messages as JSON. A 2xx JSON body {"text": "..."} becomes the reply;
// 204 means no reply. 429 and 5xx responses and transport errors are retried.
type HTTPForwarder struct {
	base    *url.URL
	client  *http.Client
	retries uint64
	backoff time.Duration
}

type HTTPForwarderOptions struct {
	Client  *http.Client
	Retries uint64
	Backoff time.Duration
}

func NewHTTPForwarder(baseURL string, opts HTTPForwarderOptions) (*HTTPForwarder, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse downstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("downstream url must be http or https, got %q", u.Scheme)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	return &HTTPForwarder{base: u, client: client, retries: opts.Retries, backoff: backoff}, nil
}

func (f *HTTPForwarder) HandleUtterance(ctx context.Context, u Utterance) (Reply, error) {
	header := sessionHeaders(u.SessionInfo)
	header.Set("Content-Type", "application/octet-stream")
	header.Set("X-Utterance-Seq", strconv.FormatInt(u.Seq, 10))
	return f.post(ctx, "/utterances", header, u.Audio)
}

func (f *HTTPForwarder) HandleText(ctx context.Context, t Text) (Reply, error) {
	body, err := json.Marshal(struct {
		Text   string    `json:"text"`
		SentAt time.Time `json:"sent_at"`
	}{Text: t.Text, SentAt: t.SentAt})
	if err != nil {
		return Reply{}, err
	}
	header := sessionHeaders(t.SessionInfo)
	header.Set("Content-Type", "application/json")
	return f.post(ctx, "/messages", header, body)
}

func (f *HTTPForwarder) post(ctx context.Context, path string, header http.Header, body []byte) (Reply, error) {
	endpoint := f.base.JoinPath(path).String()

	var reply Reply
	backoff := retry.WithMaxRetries(f.retries, retry.NewExponential(f.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header = header.Clone()

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("read downstream response: %w", err))
		}
		switch {
		case resp.StatusCode == http.StatusNoContent:
			reply = Reply{}
			return nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			reply = Reply{}
			if len(bytes.TrimSpace(data)) == 0 {
				return nil
			}
			if err := json.Unmarshal(data, &reply); err != nil {
				return fmt.Errorf("decode downstream reply: %w", err)
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return retry.RetryableError(&StatusError{StatusCode: resp.StatusCode})
		default:
			return &StatusError{StatusCode: resp.StatusCode}
		}
	})
	if err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// StatusError is a non-2xx downstream response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("downstream returned status %d", e.StatusCode)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

func sessionHeaders(info SessionInfo) http.Header {
	h := http.Header{}
	h.Set("X-Session-ID", info.SessionID)
	h.Set("X-Device-ID", info.DeviceID)
	h.Set("X-Child-ID", info.ChildID)
	h.Set("X-Child-Name", info.ChildName)
	h.Set("X-Child-Age", strconv.Itoa(info.ChildAge))
	return h
}
