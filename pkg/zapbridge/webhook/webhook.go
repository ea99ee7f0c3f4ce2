// Package webhook posts inbound messages to the automation webhook and
// interprets its reply contract.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/channels"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/metrics"
)

const (
	// DefaultTimeout bounds a single webhook call.
	DefaultTimeout = 15000 * time.Millisecond

	// SecretHeader carries the optional shared secret.
	SecretHeader = "x-bridge-secret"

	// maxErrorBody is the number of characters of a failing response body
	// kept in the error detail.
	maxErrorBody = 800

	// maxResponseBody caps how much of a response is read.
	maxResponseBody = 1 << 20
)

// Request is the JSON payload posted to the webhook.
type Request struct {
	RequestID        string    `json:"requestId"`
	ReceivedAt       time.Time `json:"receivedAt"`
	ChatJID          string    `json:"chatJid"`
	SenderJID        string    `json:"senderJid,omitempty"`
	IsGroup          bool      `json:"isGroup"`
	MessageID        string    `json:"messageId,omitempty"`
	MessageTimestamp int64     `json:"messageTimestamp,omitempty"`
	Text             string    `json:"text,omitempty"`
}

// NewRequest builds the payload for msg with a fresh request id.
func NewRequest(msg *channels.IncomingMessage, receivedAt time.Time) *Request {
	req := &Request{
		RequestID:  uuid.NewString(),
		ReceivedAt: receivedAt.UTC(),
		ChatJID:    msg.ChatID,
		SenderJID:  msg.From,
		IsGroup:    msg.IsGroup,
		MessageID:  msg.ID,
		Text:       msg.Text,
	}
	if !msg.Timestamp.IsZero() {
		req.MessageTimestamp = msg.Timestamp.Unix()
	}
	return req
}

// Result is the webhook's reply. Every field is optional; a malformed body
// yields the zero Result.
type Result struct {
	ReplyText string `json:"replyText,omitempty"`
	SendTo    string `json:"sendTo,omitempty"`
	SkipReply bool   `json:"skipReply,omitempty"`

	// StatusCode is the HTTP status observed by the dispatcher.
	StatusCode int `json:"-"`
}

// WebhookError reports a failed dispatch. StatusCode is zero when no
// response was received (timeout or network failure).
type WebhookError struct {
	StatusCode int
	Detail     string
	RequestID  string
	Err        error
}

func (e *WebhookError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webhook %s: status %d: %s", e.RequestID, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("webhook %s: %s", e.RequestID, e.Detail)
}

func (e *WebhookError) Unwrap() error { return e.Err }

// Timeout reports whether the call was aborted by the dispatch timeout.
func (e *WebhookError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Config configures the dispatcher.
type Config struct {
	URL     string
	Timeout time.Duration
	Secret  string
}

// Dispatcher sends requests to the automation webhook.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the HTTP client used for calls.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// New creates a dispatcher. A non-positive timeout selects DefaultTimeout.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.With("component", "webhook"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Timeout returns the per-call timeout.
func (d *Dispatcher) Timeout() time.Duration { return d.cfg.Timeout }

// Dispatch posts req and parses the reply. The call is cancelled when the
// configured timeout elapses. Every failure is returned as *WebhookError.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &WebhookError{RequestID: req.RequestID, Detail: "encode request: " + err.Error(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &WebhookError{RequestID: req.RequestID, Detail: "build request: " + err.Error(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.cfg.Secret != "" {
		httpReq.Header.Set(SecretHeader, d.cfg.Secret)
	}

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, d.timeoutError(req)
		}
		metrics.WebhookRequests.WithLabelValues("network").Inc()
		return nil, &WebhookError{RequestID: req.RequestID, Detail: "request failed: " + err.Error(), Err: err}
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	// A body still streaming at the deadline is a timeout, whatever the
	// status line said.
	if readErr != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, d.timeoutError(req)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.WebhookRequests.WithLabelValues("http_error").Inc()
		return nil, &WebhookError{
			StatusCode: resp.StatusCode,
			RequestID:  req.RequestID,
			Detail:     fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(data)), maxErrorBody)),
		}
	}

	metrics.WebhookRequests.WithLabelValues("ok").Inc()
	result := &Result{StatusCode: resp.StatusCode}
	if readErr != nil {
		d.logger.Warn("webhook: reading response body failed", "request_id", req.RequestID, "error", readErr)
		return result, nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		d.logger.Warn("webhook: malformed response body treated as empty",
			"request_id", req.RequestID, "status", resp.StatusCode, "error", err)
		return &Result{StatusCode: resp.StatusCode}, nil
	}
	result.StatusCode = resp.StatusCode
	return result, nil
}

// timeoutError reports a call that did not complete within the timeout.
func (d *Dispatcher) timeoutError(req *Request) *WebhookError {
	metrics.WebhookRequests.WithLabelValues("timeout").Inc()
	return &WebhookError{
		RequestID: req.RequestID,
		Detail:    fmt.Sprintf("timed out after %dms", d.cfg.Timeout.Milliseconds()),
		Err:       context.DeadlineExceeded,
	}
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
