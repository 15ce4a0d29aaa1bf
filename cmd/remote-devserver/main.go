// Command remote-devserver serves the reference remote API in memory. It is
// meant for local development and end-to-end tests of locsyncd.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c0deZ3R0/locsync/logging"
	"github.com/c0deZ3R0/locsync/transport/httptransport"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	tokens := flag.String("tokens", os.Getenv("DEVSERVER_TOKENS"), "comma separated bearer tokens; empty disables auth")
	flag.Parse()

	logging.Init(logging.GetConfigFromEnv())
	logger := logging.WithComponent(logging.Component("remote-devserver")).Logger

	opts := []httptransport.ServerOption{httptransport.WithServerLogger(logger)}
	if *tokens != "" {
		opts = append(opts, httptransport.WithBearerTokens(strings.Split(*tokens, ",")...))
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           httptransport.NewHandler(opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Remote dev server listening", "addr", *addr, "auth", *tokens != "")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
