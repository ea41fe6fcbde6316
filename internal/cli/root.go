// Package cli implements heraldctl, the command-line client for a Herald
// server. Every command is a thin wrapper over pkg/client.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/herald/pkg/client"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	APIKey  string
	Format  string // "json" | "text"
	Timeout time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Client builds an SDK client from the global flags.
func (o *RootOptions) Client() *client.Client {
	opts := []client.ClientOption{client.WithTimeout(o.Timeout)}
	if o.APIKey != "" {
		opts = append(opts, client.WithAPIKey(o.APIKey))
	}
	return client.New(o.Server, opts...)
}

// NewRootCommand creates the root command for heraldctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "heraldctl",
		Short: "heraldctl - Herald notification client",
		Long:  "Send, inspect and acknowledge Herald notifications, or listen as a recipient.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.Server, "server", envOr("HERALD_SERVER", "http://localhost:8080"), "Herald server base URL")
	cmd.PersistentFlags().StringVar(&opts.APIKey, "api-key", os.Getenv("HERALD_API_KEY"), "API key sent as X-Api-Key")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "per-request timeout")

	// Add subcommands
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewAckCommand(opts))
	cmd.AddCommand(NewExpiredCommand(opts))
	cmd.AddCommand(NewListenCommand(opts))
	cmd.AddCommand(NewHealthCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
