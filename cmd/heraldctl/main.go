// Command heraldctl is the command-line client for a Herald server.
//
// Usage:
//
//	heraldctl [--server URL] [--api-key KEY] <command> [args]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/snehjoshi/herald/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "heraldctl: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
