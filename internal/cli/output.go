package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/snehjoshi/herald/pkg/client"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The server rejected the request (not found, expired, ...)
	ExitCommandError = 2 // Bad flags, unreachable server
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// requestError classifies an SDK error: server answers are failures, anything
// else (connection refused, timeouts) is a command error.
func requestError(message string, err error) error {
	var ae *client.APIError
	if errors.As(err, &ae) {
		return WrapExitError(ExitFailure, message, err)
	}
	return WrapExitError(ExitCommandError, message, err)
}

// ─── Printing ────────────────────────────────────────────────────────────────

type jsonMessage struct {
	ID               string     `json:"id"`
	RecipientID      string     `json:"recipient_id"`
	Content          string     `json:"content"`
	State            string     `json:"state"`
	RetryAttempts    int        `json:"retry_attempts"`
	MaxRetryAttempts int        `json:"max_retry_attempts"`
	CreatedAt        time.Time  `json:"created_at"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
	Expired          bool       `json:"expired"`
}

func toJSONMessage(m *client.Message) jsonMessage {
	j := jsonMessage{
		ID:               m.ID,
		RecipientID:      m.RecipientID,
		Content:          m.Content,
		State:            m.State,
		RetryAttempts:    m.RetryAttempts,
		MaxRetryAttempts: m.MaxRetryAttempts,
		CreatedAt:        m.CreatedAt,
		ExpiresAt:        m.ExpiresAt,
		Expired:          m.Expired,
	}
	if !m.AcknowledgedAt.IsZero() {
		at := m.AcknowledgedAt
		j.AcknowledgedAt = &at
	}
	return j
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printMessages writes msgs as a table or a JSON array.
func printMessages(w io.Writer, format string, msgs []*client.Message) error {
	if format == "json" {
		out := make([]jsonMessage, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, toJSONMessage(m))
		}
		return writeJSON(w, out)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRECIPIENT\tSTATE\tRETRIES\tCREATED\tCONTENT")
	for _, m := range msgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			m.ID, m.RecipientID, m.State, m.RetryAttempts, m.MaxRetryAttempts,
			m.CreatedAt.Format(time.RFC3339), truncate(m.Content, 40))
	}
	return tw.Flush()
}

// printMessage writes one message as key/value lines or a JSON object.
func printMessage(w io.Writer, format string, m *client.Message) error {
	if format == "json" {
		return writeJSON(w, toJSONMessage(m))
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", m.ID)
	fmt.Fprintf(tw, "recipient:\t%s\n", m.RecipientID)
	fmt.Fprintf(tw, "state:\t%s\n", m.State)
	fmt.Fprintf(tw, "retries:\t%d/%d\n", m.RetryAttempts, m.MaxRetryAttempts)
	fmt.Fprintf(tw, "created:\t%s\n", m.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "expires:\t%s\n", m.ExpiresAt.Format(time.RFC3339))
	if !m.AcknowledgedAt.IsZero() {
		fmt.Fprintf(tw, "acknowledged:\t%s\n", m.AcknowledgedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "content:\t%s\n", m.Content)
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
