package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourorg/leak-scanner/internal/api"
)

func newServeCommand() *cobra.Command {
	var (
		addr         string
		drainTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and scan workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()
			if addr == "" {
				addr = a.cfg.HTTPAddr
			}
			return a.serve(ctx, addr, drainTimeout)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address; overrides HTTP_ADDR")
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "on shutdown, how long to wait for cancelled scans to record their failed status")
	return cmd
}

func (a *app) serve(ctx context.Context, addr string, drainTimeout time.Duration) error {
	a.logToolVersions(ctx)

	// scans left behind by a previous process can never finish
	if ids, err := a.runner.Recover(ctx); err != nil {
		a.log.Error("recover interrupted scans", zap.Error(err))
	} else if len(ids) > 0 {
		a.log.Warn("marked interrupted scans as failed", zap.Strings("scan_ids", ids))
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &api.Server{
		Scans:   a.runner,
		Store:   a.store,
		Repos:   a.repos,
		Metrics: a.metrics.Handler(),
		Ping:    a.ping,
		Log:     a.log,
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown requested")
	case serveErr = <-errCh:
		a.log.Error("http server stopped", zap.Error(serveErr))
	}

	shCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shCtx); err != nil {
		a.log.Warn("http shutdown", zap.Error(err))
	}
	if err := a.runner.Shutdown(shCtx); err != nil {
		a.log.Warn("scans still running at exit", zap.Strings("scan_ids", a.runner.InFlight()), zap.Error(err))
	}
	return serveErr
}
