package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"go.uber.org/zap"

	"github.com/fieldledger/microledger/api"
)

type serveCmd struct {
	addr string
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run the HTTP API" }
func (*serveCmd) Usage() string {
	return `serve [-addr <host:port>]

  Seeds the configured accounts, then serves the API until SIGINT or
  SIGTERM. In-flight requests get the configured shutdown timeout.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", "", "listen address (overrides http.addr)")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer a.Close()
	log := a.log

	n, err := a.seed(ctx)
	if err != nil {
		log.Error("seeding failed", zap.Error(err))
		return subcommands.ExitFailure
	}
	if n > 0 {
		log.Info("seeded accounts", zap.Int("count", n))
	}

	handler := api.NewHandler(api.Deps{
		Engine:      a.engine,
		Reports:     a.reports,
		Identity:    a.identity,
		Store:       a.store,
		Currency:    a.cfg.Ledger.Currency,
		MaxBodySize: a.cfg.HTTP.MaxBodySize,
	})
	router := api.NewRouter(handler, api.RouterOptions{
		Logger:         log.Named("http"),
		AllowedOrigins: a.cfg.HTTP.CORSAllowOrigins,
	})

	addr := a.cfg.HTTP.Addr
	if c.addr != "" {
		addr = c.addr
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	// Start server in goroutine
	errc := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		log.Error("server failed", zap.Error(err))
		return subcommands.ExitFailure
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
		return subcommands.ExitFailure
	}

	log.Info("server stopped")
	return subcommands.ExitSuccess
}
