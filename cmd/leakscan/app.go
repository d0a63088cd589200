package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourorg/leak-scanner/internal/command"
	"github.com/yourorg/leak-scanner/internal/config"
	"github.com/yourorg/leak-scanner/internal/logger"
	"github.com/yourorg/leak-scanner/internal/metrics"
	"github.com/yourorg/leak-scanner/internal/notify"
	"github.com/yourorg/leak-scanner/internal/repos"
	"github.com/yourorg/leak-scanner/internal/s3"
	"github.com/yourorg/leak-scanner/internal/scanner"
	"github.com/yourorg/leak-scanner/internal/store"
	"github.com/yourorg/leak-scanner/internal/vcs"
	"github.com/yourorg/leak-scanner/internal/worker"
)

// app holds every wired component for one command invocation.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	store   store.Store
	ping    func(ctx context.Context) error
	repos   repos.File
	metrics *metrics.Metrics
	runner  *worker.Runner

	closers []func()
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}

	log, err := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		log:     log,
		repos:   repos.File{Path: cfg.ReposFile},
		metrics: metrics.New(true),
	}
	a.closers = append(a.closers, func() { _ = log.Sync() })

	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}

	exec := command.Exec{}
	gw := vcs.NewGateway(cfg.WorkDir, cfg.GitPath, cfg.CloneDepth, exec, log)
	sc := scanner.NewGitleaks(cfg.GitleaksPath, cfg.ReportsDir, exec, log)

	opts := worker.Options{
		Concurrency: cfg.ScanConcurrency,
		Timeout:     cfg.ScanTimeout,
		Metrics:     a.metrics,
	}
	if cfg.ArchiveEnabled() {
		s3c, err := s3.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL, cfg.ReportsBucket)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		if err := s3c.EnsureBucket(ctx); err != nil {
			// uploads are retried per scan; a bucket that is down now may be back later
			log.Warn("report archive unavailable", zap.Error(err))
		}
		opts.Archiver = s3c
	}
	if cfg.SQSQueueURL != "" {
		client, err := notify.NewSQSClient(ctx, cfg.AWSRegion)
		if err != nil {
			a.close()
			return nil, err
		}
		opts.Notifier = notify.NewSQSNotifier(client, cfg.SQSQueueURL, log)
	}

	a.runner = worker.NewRunner(a.store, gw, sc, opts, log)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := store.OpenPostgres(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			if !isInsufficientPrivilege(err) {
				return fmt.Errorf("ensure schema: %w", err)
			}
			a.log.Warn("ensure schema skipped due to insufficient privilege", zap.Error(err))
		}
		a.store = pg
		a.ping = pg.Ping
	default:
		a.store = store.NewFileStore(a.cfg.DataDir, a.log)
	}
	a.log.Info("store ready", zap.String("backend", a.cfg.StoreBackend))
	return nil
}

// logToolVersions records which git and gitleaks binaries will run. A
// missing binary is only a warning here; the scan that needs it fails.
func (a *app) logToolVersions(ctx context.Context) {
	exec := command.Exec{}
	for _, tool := range []struct{ path, arg string }{
		{a.cfg.GitPath, "--version"},
		{a.cfg.GitleaksPath, "version"},
	} {
		res, err := exec.Run(ctx, "", tool.path, tool.arg)
		if err != nil || res.ExitCode != 0 {
			a.log.Warn("tool check failed", zap.String("tool", tool.path), zap.Int("exit_code", res.ExitCode), zap.Error(err))
			continue
		}
		a.log.Info("tool found", zap.String("tool", tool.path), zap.String("version", strings.TrimSpace(string(res.Output))))
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func isInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}
