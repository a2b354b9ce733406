// Command sbctl reads the Super Bowl LX market and trades on it from a
// terminal, signing with any of the configured wallet providers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/alanyoungcy/sbmarket/cmd/sbctl/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "sbctl: %v\n", err)
		os.Exit(1)
	}
}
