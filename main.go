// File: main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/sandbridge/cmd"
	"github.com/xkilldash9x/sandbridge/internal/observability"
)

// main is the entry point for the sandbridge binary.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}
