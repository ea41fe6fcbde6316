package http

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/snehjoshi/herald/internal/ack"
	"github.com/snehjoshi/herald/internal/broker"
	"github.com/snehjoshi/herald/internal/storage"
	"github.com/snehjoshi/herald/internal/types"
)

// maxRecipientBytes bounds a recipient id taken from the path or body.
const maxRecipientBytes = 256

// validRecipient rejects empty, oversized, or control-character ids.
func validRecipient(s string) bool {
	if s == "" || len(s) > maxRecipientBytes {
		return false
	}
	return !strings.ContainsAny(s, "\x00\r\n")
}

// Handler groups all HTTP request handlers around a broker.Service.
type Handler struct {
	svc     broker.Service
	nodeID  string
	started time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type sendReq struct {
	RecipientID      string `json:"recipient_id"`
	Content          string `json:"content"`
	MaxRetryAttempts int    `json:"max_retry_attempts"` // 0 = server default
	TimeoutMs        int64  `json:"timeout_ms"`         // 0 = server default
}

// messageResp is a stored message plus fields computed at read time.
type messageResp struct {
	*types.Message
	Expired   bool  `json:"expired"`
	ExpiresAt int64 `json:"expires_at"`
}

type messageListResp struct {
	Messages []messageResp `json:"messages"`
}

type healthResp struct {
	Status     string `json:"status"`
	NodeID     string `json:"node_id"`
	Channels   int    `json:"channels"`
	Recipients int    `json:"recipients"`
	Uptime     string `json:"uptime"`
	UptimeMs   int64  `json:"uptime_ms"`
}

type errorResp struct {
	Error string `json:"error"`
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	stats := h.svc.Stats()
	up := time.Since(h.started)
	writeJSON(w, http.StatusOK, healthResp{
		Status:     "ok",
		NodeID:     h.nodeID,
		Channels:   stats.Channels,
		Recipients: stats.Recipients,
		Uptime:     up.Round(time.Second).String(),
		UptimeMs:   up.Milliseconds(),
	})
}

// maxTimeoutMs is the largest timeout_ms that converts to a time.Duration.
const maxTimeoutMs = math.MaxInt64 / int64(time.Millisecond)

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validRecipient(req.RecipientID) {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "recipient_id is required"})
		return
	}

	if req.TimeoutMs > maxTimeoutMs {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "timeout_ms is too large"})
		return
	}

	msg, err := h.svc.Send(r.Context(), broker.SendRequest{
		RecipientID:      req.RecipientID,
		Content:          req.Content,
		MaxRetryAttempts: req.MaxRetryAttempts,
		Timeout:          time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Location", "/messages/"+msg.ID)
	writeJSON(w, http.StatusCreated, toResp(msg, time.Now()))
}

func (h *Handler) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResp(msg, time.Now()))
}

// ackMessage answers 204 on success (including a repeated ack), 404 for an
// unknown id and 410 when the message expired first.
func (h *Handler) ackMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := h.svc.Acknowledge(r.Context(), id)
	switch {
	case err != nil:
		writeServiceError(w, err)
	case !ok:
		writeJSON(w, http.StatusNotFound, errorResp{Error: "message " + id + " not found"})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) listUnacknowledged(w http.ResponseWriter, r *http.Request) {
	recipient := r.PathValue("recipient")
	if !validRecipient(recipient) {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid recipient"})
		return
	}
	msgs, err := h.svc.ListUnacknowledged(r.Context(), recipient)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toListResp(msgs, time.Now()))
}

func (h *Handler) listExpired(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.ListExpired(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toListResp(msgs, time.Now()))
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func toResp(m *types.Message, now time.Time) messageResp {
	return messageResp{
		Message:   m,
		Expired:   m.IsExpired(now),
		ExpiresAt: m.CreatedAt + m.TimeoutMs,
	}
}

func toListResp(msgs []*types.Message, now time.Time) messageListResp {
	out := messageListResp{Messages: make([]messageResp, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, toResp(m, now))
	}
	return out
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, broker.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ack.ErrExpired):
		return http.StatusGone
	case errors.Is(err, broker.ErrClosed),
		errors.Is(err, storage.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResp{Error: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResp{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}
