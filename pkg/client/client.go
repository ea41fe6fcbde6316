// Package client is the official Go SDK for Herald.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Send a notification
//	msg, err := c.Send(ctx, "alice", "your order shipped")
//
//	// Override the retry ceiling and lifetime for one message
//	msg, err := c.Send(ctx, "alice", "…",
//	    client.WithMaxRetryAttempts(5), client.WithMessageTimeout(time.Hour))
//
//	// Receive as the recipient; every delivery is acknowledged when fn returns nil
//	err := c.Listen(ctx, "alice", func(ctx context.Context, d *client.Delivery) error {
//	    fmt.Println(d.Content)
//	    return nil
//	})
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. IsNotFound and IsGone cover the statuses callers branch on.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the Herald server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("herald: server returned %d: %s", e.StatusCode, e.Message)
}

// ErrStop is returned by a Listen callback to acknowledge the current message
// and end the listen loop.
var ErrStop = errors.New("herald: stop listening")

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsGone reports whether the error is a 410, returned when acknowledging a
// message that already expired.
func IsGone(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusGone
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithDialer replaces the websocket dialer used by Listen.
func WithDialer(d *gorillaws.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the Herald API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	dialer  *gorillaws.Dialer
}

// New creates a new Client that connects to the Herald server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("https://herald.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		dialer:  gorillaws.DefaultDialer,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Send options ─────────────────────────────────────────────────────────────

// SendOption configures a single Send call.
type SendOption func(*sendPayload)

// WithMaxRetryAttempts overrides the server-default retry ceiling.
// Set to 0 to use the server default.
func WithMaxRetryAttempts(n int) SendOption {
	return func(p *sendPayload) { p.MaxRetryAttempts = n }
}

// WithMessageTimeout overrides the server-default lifetime of the message.
func WithMessageTimeout(d time.Duration) SendOption {
	return func(p *sendPayload) { p.TimeoutMs = d.Milliseconds() }
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Message is a stored message as the server reports it.
type Message struct {
	// ID is the ULID assigned at send time.
	ID          string
	RecipientID string
	Content     string

	// State is one of created, queued, delivered, acknowledged, expired.
	State string

	// RetryAttempts counts retry sweeps; it never exceeds MaxRetryAttempts.
	RetryAttempts    int
	MaxRetryAttempts int
	Timeout          time.Duration

	CreatedAt time.Time
	// AcknowledgedAt is zero until the message is acknowledged.
	AcknowledgedAt time.Time
	ExpiresAt      time.Time

	// Expired is computed by the server at read time.
	Expired bool
}

// Delivery is a message pushed over the realtime channel.
type Delivery struct {
	ID      string
	Content string
}

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status     string
	NodeID     string
	Channels   int
	Recipients int
	Uptime     time.Duration
}

// ─── Message operations ───────────────────────────────────────────────────────

// Send stores a notification for recipientID and returns it. The server makes
// one delivery attempt before answering, so State is delivered when the
// recipient had a channel open and queued otherwise.
//
//	msg, err := c.Send(ctx, "alice", "hello")
func (c *Client) Send(ctx context.Context, recipientID, content string, opts ...SendOption) (*Message, error) {
	p := &sendPayload{RecipientID: recipientID, Content: content}
	for _, o := range opts {
		o(p)
	}
	var w wireMessage
	if err := c.do(ctx, http.MethodPost, "/messages", p, &w); err != nil {
		return nil, err
	}
	return w.toMessage(), nil
}

// Get returns the message with the given id.
func (c *Client) Get(ctx context.Context, id string) (*Message, error) {
	var w wireMessage
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(id), nil, &w); err != nil {
		return nil, err
	}
	return w.toMessage(), nil
}

// ListUnacknowledged returns the recipient's unacknowledged, unexpired
// messages in creation order.
func (c *Client) ListUnacknowledged(ctx context.Context, recipientID string) ([]*Message, error) {
	return c.list(ctx, "/recipients/"+url.PathEscape(recipientID)+"/messages")
}

// ListExpired returns every message that expired unacknowledged.
func (c *Client) ListExpired(ctx context.Context) ([]*Message, error) {
	return c.list(ctx, "/messages/expired")
}

func (c *Client) list(ctx context.Context, path string) ([]*Message, error) {
	var resp struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(resp.Messages))
	for i := range resp.Messages {
		out = append(out, resp.Messages[i].toMessage())
	}
	return out, nil
}

// Acknowledge confirms receipt of a message. Acknowledging twice succeeds.
// An unknown id fails IsNotFound; an expired message fails IsGone.
func (c *Client) Acknowledge(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(id)+"/ack", nil, nil)
}

// ─── Admin operations ─────────────────────────────────────────────────────────

// Health returns the server's health information.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status     string `json:"status"`
		NodeID     string `json:"node_id"`
		Channels   int    `json:"channels"`
		Recipients int    `json:"recipients"`
		UptimeMs   int64  `json:"uptime_ms"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:     resp.Status,
		NodeID:     resp.NodeID,
		Channels:   resp.Channels,
		Recipients: resp.Recipients,
		Uptime:     time.Duration(resp.UptimeMs) * time.Millisecond,
	}, nil
}

// ─── Realtime channel ─────────────────────────────────────────────────────────

// Listen opens a realtime channel as recipientID and calls fn for every pushed
// message. When fn returns nil the message is acknowledged over the channel;
// when it returns an error the message stays unacknowledged and the server
// resends it later.
//
// Returning an error wrapping ErrStop acknowledges the message and makes
// Listen return nil. Otherwise Listen blocks until ctx is cancelled,
// returning ctx.Err(), or until the connection fails.
func (c *Client) Listen(ctx context.Context, recipientID string, fn func(ctx context.Context, d *Delivery) error) error {
	wsURL, err := c.wsURL(recipientID)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("X-User-Id", recipientID)
	if c.apiKey != "" {
		header.Set("X-Api-Key", c.apiKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return readAPIError(resp)
		}
		return fmt.Errorf("herald: dial %s: %w", wsURL, err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(gorillaws.CloseMessage,
				gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("herald: channel closed: %w", err)
		}
		if f.Type != "message" {
			continue
		}
		err := fn(ctx, &Delivery{ID: f.ID, Content: f.Content})
		stopAfterAck := errors.Is(err, ErrStop)
		if err != nil && !stopAfterAck {
			continue
		}
		if err := conn.WriteJSON(frame{Type: "ack", ID: f.ID}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("herald: send ack: %w", err)
		}
		if stopAfterAck {
			return nil
		}
	}
}

func (c *Client) wsURL(recipientID string) (string, error) {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return "", fmt.Errorf("herald: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"recipient": {recipientID}}.Encode()
	return u.String(), nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("herald: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("herald: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("herald: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return readAPIError(httpResp)
	}
	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("herald: read response body: %w", err)
	}
	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("herald: decode response: %w", err)
		}
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(data, &errResp)
	msg := errResp.Error
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type sendPayload struct {
	RecipientID      string `json:"recipient_id"`
	Content          string `json:"content"`
	MaxRetryAttempts int    `json:"max_retry_attempts,omitempty"`
	TimeoutMs        int64  `json:"timeout_ms,omitempty"`
}

type frame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
	OK      *bool  `json:"ok,omitempty"`
	Error   string `json:"error,omitempty"`
}

type wireMessage struct {
	ID               string `json:"id"`
	RecipientID      string `json:"recipient_id"`
	Content          string `json:"content"`
	State            string `json:"state"`
	CreatedAt        int64  `json:"created_at"`
	AcknowledgedAt   int64  `json:"acknowledged_at"`
	RetryAttempts    int    `json:"retry_attempts"`
	MaxRetryAttempts int    `json:"max_retry_attempts"`
	TimeoutMs        int64  `json:"timeout_ms"`
	Expired          bool   `json:"expired"`
	ExpiresAt        int64  `json:"expires_at"`
}

func (w *wireMessage) toMessage() *Message {
	m := &Message{
		ID:               w.ID,
		RecipientID:      w.RecipientID,
		Content:          w.Content,
		State:            w.State,
		RetryAttempts:    w.RetryAttempts,
		MaxRetryAttempts: w.MaxRetryAttempts,
		Timeout:          time.Duration(w.TimeoutMs) * time.Millisecond,
		CreatedAt:        time.UnixMilli(w.CreatedAt).UTC(),
		ExpiresAt:        time.UnixMilli(w.ExpiresAt).UTC(),
		Expired:          w.Expired,
	}
	if w.AcknowledgedAt > 0 {
		m.AcknowledgedAt = time.UnixMilli(w.AcknowledgedAt).UTC()
	}
	return m
}
