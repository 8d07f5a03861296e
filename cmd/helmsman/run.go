package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/helmsman"
	"github.com/loykin/helmsman/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
)

// shutdownTimeout bounds the fleet stop on exit.
const shutdownTimeout = 30 * time.Second

// Run starts the orchestrator in the foreground. Every exit path, including
// a panic, stops the fleet and tears down the process group.
func (c command) Run(ctx context.Context, f RunFlags) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := helmsman.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log, closer := logger.New(cfg.Log)
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, err := helmsman.New(ctx, helmsman.Options{
		Config:     cfg,
		Logger:     log,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := orch.Close(sctx); cerr != nil {
			log.Warn("shutdown finished with errors", "err", cerr)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic, stopping fleet", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	addr := cfg.APIAddr
	if f.Listen != "" {
		addr = f.Listen
	}
	srv := orch.Server(addr, f.BasePath)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	log.Info("api listening", "addr", ln.Addr().String(), "base_path", f.BasePath)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	if !f.NoStart {
		if err := orch.StartAll(ctx); err != nil {
			// The API stays up so failed services can be inspected and retried.
			log.Error("fleet start failed", "err", err)
		}
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-serveErr:
		return err
	}
}
