package osutil

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Returns a context that will live until Ctrl+C is pressed
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	return ctx
}

// Fatal logs and exits, only for errors during startup.
func Fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
