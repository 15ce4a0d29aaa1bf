// Command locsyncd runs a local-first sync node: it keeps entities in a local
// store, queues local mutations and delivers them to the remote API whenever
// the network is reachable.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/c0deZ3R0/locsync/config"
	"github.com/c0deZ3R0/locsync/daemon"
	"github.com/c0deZ3R0/locsync/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("LOCSYNC_CONFIG"), "path to a YAML or JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal("Failed to load configuration", logging.ErrorAttr(err))
	}
	logging.Init(cfg.Logging)
	logger := logging.WithComponent(logging.Component("locsyncd")).Logger

	d, err := daemon.Build(cfg, daemon.WithLogger(logger))
	if err != nil {
		logging.Fatal("Failed to assemble node", logging.ErrorAttr(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		_ = d.Close()
		logging.Fatal("Failed to start node", logging.ErrorAttr(err))
	}
	logger.Info("Node started",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("remote", cfg.Remote.BaseURL),
		slog.String("addr", cfg.Server.Addr))

	serveErr := d.Serve(ctx, cfg.Server.Addr)
	if serveErr != nil {
		logger.Error("HTTP server failed", "error", serveErr)
	}

	logger.Info("Shutting down")
	if err := d.Close(); err != nil {
		logger.Error("Shutdown incomplete", "error", err)
		os.Exit(1)
	}
	if serveErr != nil {
		os.Exit(1)
	}
}
