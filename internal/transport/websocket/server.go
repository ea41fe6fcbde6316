// Package websocket provides the realtime push channel for Herald.
//
// Recipients open a WebSocket connection to:
//
//	GET /ws            with header X-User-Id: <recipient>
//	GET /ws?recipient=<recipient>
//
// Every connection is one channel with a random UUID. The Hub pushes message
// frames to all of a recipient's channels and the recipient acknowledges them
// over the same connection.
//
// Server → client message frame:
//
//	{"type":"message","id":"<ULID>","content":"..."}
//
// Client → server control frame, and its answer:
//
//	{"type":"ack","id":"<ULID>"}
//	{"type":"ack_result","id":"<ULID>","ok":true}
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/herald/internal/delivery"
	"github.com/snehjoshi/herald/internal/presence"
)

// Frame types.
const (
	FrameMessage   = "message"
	FrameAck       = "ack"
	FrameAckResult = "ack_result"
	FrameError     = "error"
)

// UserHeader carries the already-authenticated recipient id.
const UserHeader = "X-User-Id"

// Defaults used when an option is zero.
const (
	DefaultWriteTimeout    = 10 * time.Second
	DefaultPingInterval    = 30 * time.Second
	DefaultSendBuffer      = 64
	DefaultMaxMessageBytes = 64 << 10
)

// Frame is the JSON structure exchanged in both directions.
type Frame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
	OK      *bool  `json:"ok,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Service is the part of broker.Service a channel needs.
type Service interface {
	OnChannelConnect(ctx context.Context, channelID, recipientID string) error
	OnChannelDisconnect(channelID string)
	Acknowledge(ctx context.Context, id string) (bool, error)
}

// ErrHubClosed is returned to upgrades that arrive after Close.
var ErrHubClosed = errors.New("websocket: hub closed")

var errChannelClosed = errors.New("websocket: channel closed")

// ─── Hub ─────────────────────────────────────────────────────────────────────

// Hub owns every open channel and implements delivery.Pusher.
//
// The presence registry answers which channels a recipient has; the Hub maps
// those channel ids to live connections. Each connection has one writer
// goroutine draining a bounded send buffer, so Push never blocks on a slow
// client: a full buffer counts as a failed push for that channel.
type Hub struct {
	presence *presence.Registry
	upgrader gorillaws.Upgrader

	writeTimeout    time.Duration
	pingInterval    time.Duration
	sendBuffer      int
	maxMessageBytes int64
	log             *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

var _ delivery.Pusher = (*Hub)(nil)

// Option configures a Hub.
type Option func(*Hub)

// WithWriteTimeout bounds every frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithPingInterval sets the keep-alive period. A channel that answers no ping
// within one interval plus the write timeout is closed.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithSendBuffer sets how many frames may wait for a slow channel.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithMaxMessageBytes caps the size of a client frame.
func WithMaxMessageBytes(n int64) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxMessageBytes = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// NewHub creates a Hub that resolves recipients through reg.
func NewHub(reg *presence.Registry, opts ...Option) *Hub {
	h := &Hub{
		presence:        reg,
		writeTimeout:    DefaultWriteTimeout,
		pingInterval:    DefaultPingInterval,
		sendBuffer:      DefaultSendBuffer,
		maxMessageBytes: DefaultMaxMessageBytes,
		log:             slog.Default(),
		conns:           make(map[string]*conn),
	}
	h.upgrader = gorillaws.Upgrader{
		// A request is same-origin when its Origin host matches Host.
		// Requests without an Origin header (native clients) are allowed.
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			host, err := parseHost(origin)
			if err != nil {
				return false
			}
			return host == r.Host
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Push implements delivery.Pusher. It succeeds when at least one of the
// recipient's channels accepted the frame into its send buffer. A full buffer
// is waited on until ctx ends, so the caller's push timeout bounds the call.
func (h *Hub) Push(ctx context.Context, recipientID, messageID, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Frame{Type: FrameMessage, ID: messageID, Content: content})
	if err != nil {
		return err
	}

	accepted := 0
	var lastErr error
	for _, channelID := range h.presence.Channels(recipientID) {
		c := h.lookup(channelID)
		if c == nil {
			continue
		}
		if err := c.deliver(ctx, data); err != nil {
			lastErr = err
			h.log.Warn("ws push not accepted", "channel", channelID, "recipient", recipientID, "msg_id", messageID, "err", err)
			continue
		}
		accepted++
	}
	if accepted == 0 {
		if lastErr != nil {
			return fmt.Errorf("%w: no channel of %s accepted %s: %w", delivery.ErrPushFailed, recipientID, messageID, lastErr)
		}
		return fmt.Errorf("%w: no channel of %s accepted %s", delivery.ErrPushFailed, recipientID, messageID)
	}
	return nil
}

func (h *Hub) lookup(channelID string) *conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[channelID]
}

// add registers c unless the hub is closed. The caller must call h.wg.Done
// when it returns true.
func (h *Hub) add(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	return true
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

// Close disconnects every channel and waits for their handlers to return.
// Later upgrades are refused. Safe to call multiple times.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	open := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		open = append(open, c)
	}
	h.mu.Unlock()

	for _, c := range open {
		c.shutdown()
	}
	h.wg.Wait()
	return nil
}

// ─── HTTP handler ────────────────────────────────────────────────────────────

// Handler returns the GET /ws endpoint. svc is notified of every connect and
// disconnect and answers acknowledgments.
func (h *Hub) Handler(svc Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.serve(svc, w, r)
	})
}

func (h *Hub) serve(svc Service, w http.ResponseWriter, r *http.Request) {
	recipientID := r.Header.Get(UserHeader)
	if recipientID == "" {
		recipientID = r.URL.Query().Get("recipient")
	}
	if recipientID == "" {
		http.Error(w, "recipient is required ("+UserHeader+" header or recipient query)", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "recipient", recipientID, "err", err)
		return
	}

	c := &conn{
		id:        uuid.NewString(),
		recipient: recipientID,
		ws:        ws,
		send:      make(chan []byte, h.sendBuffer),
		done:      make(chan struct{}),
	}
	if !h.add(c) {
		_ = ws.WriteControl(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, ErrHubClosed.Error()),
			time.Now().Add(h.writeTimeout))
		_ = ws.Close()
		return
	}
	defer h.wg.Done()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(c)
	}()

	defer func() {
		svc.OnChannelDisconnect(c.id)
		h.remove(c)
		c.shutdown()
		<-writerDone
	}()

	ctx := r.Context()
	if err := svc.OnChannelConnect(ctx, c.id, recipientID); err != nil {
		// The channel is registered; the retry sweep resends what the flush missed.
		h.log.Warn("ws connect flush failed", "channel", c.id, "recipient", recipientID, "err", err)
	}

	h.readLoop(ctx, svc, c)
}

// readLoop handles client frames until the connection fails or closes.
func (h *Hub) readLoop(ctx context.Context, svc Service, c *conn) {
	pongWait := h.pingInterval + h.writeTimeout
	c.ws.SetReadLimit(h.maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				h.log.Debug("ws read ended", "channel", c.id, "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			h.reply(c, Frame{Type: FrameError, Error: "malformed frame"})
			continue
		}
		switch f.Type {
		case FrameAck:
			h.ack(ctx, svc, c, f.ID)
		default:
			h.reply(c, Frame{Type: FrameError, ID: f.ID, Error: "unknown frame type " + f.Type})
		}
	}
}

func (h *Hub) ack(ctx context.Context, svc Service, c *conn, id string) {
	ok, err := svc.Acknowledge(ctx, id)
	if err != nil {
		h.log.Warn("ws ack failed", "channel", c.id, "msg_id", id, "err", err)
	}
	h.reply(c, Frame{Type: FrameAckResult, ID: id, OK: &ok})
}

func (h *Hub) reply(c *conn, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		h.log.Warn("ws reply dropped", "channel", c.id, "type", f.Type)
	}
}

// writeLoop is the only goroutine that writes data frames to c.
func (h *Hub) writeLoop(c *conn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(gorillaws.CloseMessage,
				gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""),
				time.Now().Add(h.writeTimeout))
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.ws.WriteMessage(gorillaws.TextMessage, data); err != nil {
				h.log.Debug("ws write failed", "channel", c.id, "err", err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				h.log.Debug("ws ping failed", "channel", c.id, "err", err)
				c.shutdown()
				return
			}
		}
	}
}

// ─── conn ────────────────────────────────────────────────────────────────────

type conn struct {
	id        string
	recipient string
	ws        *gorillaws.Conn

	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

// enqueue offers data to the writer without blocking.
func (c *conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// deliver hands data to the writer, waiting for buffer space until ctx ends
// or the channel closes.
func (c *conn) deliver(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown stops the writer, which closes the socket and so ends the reader.
func (c *conn) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}
