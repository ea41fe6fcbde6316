package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/herald/pkg/client"
)

// ListenOptions holds flags for the listen command.
type ListenOptions struct {
	*RootOptions
	Count int
	NoAck bool
}

var errSkipAck = errors.New("ack skipped")

// NewListenCommand creates the listen command.
func NewListenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "listen <recipient>",
		Short: "Open a realtime channel and print pushed messages",
		Long: `Connect as a recipient and print every message the server pushes.

Pending messages are flushed on connect. Each message is acknowledged once
printed unless --no-ack is given.

Examples:
  heraldctl listen alice
  heraldctl listen alice --count 1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd, opts, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many messages (0 = run until interrupted)")
	cmd.Flags().BoolVar(&opts.NoAck, "no-ack", false, "print messages without acknowledging them")

	return cmd
}

func runListen(cmd *cobra.Command, opts *ListenOptions, recipient string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	out := cmd.OutOrStdout()
	var (
		mu   sync.Mutex
		seen int
	)
	err := opts.Client().Listen(ctx, recipient, func(_ context.Context, d *client.Delivery) error {
		mu.Lock()
		defer mu.Unlock()

		if opts.Format == "json" {
			_ = writeJSON(out, map[string]string{"id": d.ID, "content": d.Content})
		} else {
			fmt.Fprintf(out, "%s\t%s\n", d.ID, d.Content)
		}

		seen++
		last := opts.Count > 0 && seen >= opts.Count
		switch {
		case opts.NoAck && last:
			cancel()
			return errSkipAck
		case opts.NoAck:
			return errSkipAck
		case last:
			return client.ErrStop
		}
		return nil
	})

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	default:
		return requestError("listen failed", err)
	}
}
