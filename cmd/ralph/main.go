// Command ralph drives a coding agent through a feature backlog, keeping
// only the iterations whose changes pass the project's build and tests.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"featureloop/internal/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cmd.Main(ctx)
	stop()
	os.Exit(code)
}
