package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/herald/pkg/client"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	MaxRetries int
	TTL        time.Duration
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <recipient> <content>",
		Short: "Send a notification",
		Long: `Store a notification for a recipient and attempt delivery.

The message is pushed at once when the recipient has a channel open and
queued otherwise. Unacknowledged messages are resent by the server's retry
sweep until they are acknowledged, run out of retries, or expire.

Examples:
  heraldctl send alice "your order shipped"
  heraldctl send alice "flash sale" --max-retries 5 --ttl 1h`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sendOpts []client.SendOption
			if opts.MaxRetries > 0 {
				sendOpts = append(sendOpts, client.WithMaxRetryAttempts(opts.MaxRetries))
			}
			if opts.TTL > 0 {
				sendOpts = append(sendOpts, client.WithMessageTimeout(opts.TTL))
			}
			msg, err := opts.Client().Send(cmd.Context(), args[0], args[1], sendOpts...)
			if err != nil {
				return requestError("send failed", err)
			}
			return printMessage(cmd.OutOrStdout(), opts.Format, msg)
		},
	}

	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "retry ceiling for this message (0 = server default)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "lifetime of this message (0 = server default)")

	return cmd
}

// NewGetCommand creates the get command.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <id>",
		Short:         "Show one message",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := opts.Client().Get(cmd.Context(), args[0])
			if err != nil {
				if client.IsNotFound(err) {
					return NewExitError(ExitFailure, fmt.Sprintf("message %s not found", args[0]))
				}
				return requestError("get failed", err)
			}
			return printMessage(cmd.OutOrStdout(), opts.Format, msg)
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list <recipient>",
		Short:         "List a recipient's unacknowledged messages",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := opts.Client().ListUnacknowledged(cmd.Context(), args[0])
			if err != nil {
				return requestError("list failed", err)
			}
			return printMessages(cmd.OutOrStdout(), opts.Format, msgs)
		},
	}
}

// NewExpiredCommand creates the expired command.
func NewExpiredCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "expired",
		Short:         "List messages that expired unacknowledged",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := opts.Client().ListExpired(cmd.Context())
			if err != nil {
				return requestError("expired failed", err)
			}
			return printMessages(cmd.OutOrStdout(), opts.Format, msgs)
		},
	}
}

type ackResult struct {
	ID           string `json:"id"`
	Acknowledged bool   `json:"acknowledged"`
	Reason       string `json:"reason,omitempty"`
}

// NewAckCommand creates the ack command.
func NewAckCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <id>...",
		Short: "Acknowledge one or more messages",
		Long: `Acknowledge messages by id. Acknowledging twice succeeds.

Every id is attempted; the command fails when any of them is unknown or
already expired.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.Client()
			results := make([]ackResult, 0, len(args))
			var firstErr error
			for _, id := range args {
				res := ackResult{ID: id}
				err := c.Acknowledge(cmd.Context(), id)
				switch {
				case err == nil:
					res.Acknowledged = true
				case client.IsNotFound(err):
					res.Reason = "not found"
				case client.IsGone(err):
					res.Reason = "expired"
				default:
					return requestError("ack failed", err)
				}
				if !res.Acknowledged && firstErr == nil {
					firstErr = NewExitError(ExitFailure, fmt.Sprintf("message %s %s", id, res.Reason))
				}
				results = append(results, res)
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				if err := writeJSON(out, results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					if r.Acknowledged {
						fmt.Fprintf(out, "acknowledged %s\n", r.ID)
					} else {
						fmt.Fprintf(out, "not acknowledged %s: %s\n", r.ID, r.Reason)
					}
				}
			}
			return firstErr
		},
	}
}

// NewHealthCommand creates the health command.
func NewHealthCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "health",
		Short:         "Show server health",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := opts.Client().Health(cmd.Context())
			if err != nil {
				return requestError("health failed", err)
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, map[string]any{
					"status":     h.Status,
					"node_id":    h.NodeID,
					"channels":   h.Channels,
					"recipients": h.Recipients,
					"uptime":     h.Uptime.String(),
				})
			}
			fmt.Fprintf(out, "%s node=%s channels=%d recipients=%d uptime=%s\n",
				h.Status, h.NodeID, h.Channels, h.Recipients, h.Uptime.Round(time.Second))
			return nil
		},
	}
}
