// Command catalogctl operates the catalog update cycles from a shell. It
// works against the configured store directly, with the same lease and quota
// rules as the daemon.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"catalog-sync/internal/app"
	"catalog-sync/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(openApp)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openApp(ctx context.Context, opts *globalOptions) (catalogService, io.Closer, error) {
	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a.Service, a, nil
}
