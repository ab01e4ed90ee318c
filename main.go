// Package main is the entry point for the signalwatch ingestion,
// detection, and correlation pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signalwatch/bootstrap"
)

// run initializes, starts, and runs the signalwatch pipeline until a
// shutdown signal arrives.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("start application: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	done := make(chan struct{})
	go func() {
		app.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(bootstrap.WaitTimeout):
		fmt.Fprintln(os.Stderr, "shutdown timed out, exiting anyway")
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
