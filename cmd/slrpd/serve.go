package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/slrpd/pkg/api"
	"github.com/Mindburn-Labs/slrpd/pkg/approval"
	"github.com/Mindburn-Labs/slrpd/pkg/archive"
	"github.com/Mindburn-Labs/slrpd/pkg/config"
	"github.com/Mindburn-Labs/slrpd/pkg/contracts"
	"github.com/Mindburn-Labs/slrpd/pkg/executor"
	"github.com/Mindburn-Labs/slrpd/pkg/ledger"
	"github.com/Mindburn-Labs/slrpd/pkg/observability"
	"github.com/Mindburn-Labs/slrpd/pkg/retrieval"
	"github.com/Mindburn-Labs/slrpd/pkg/service"
	"github.com/Mindburn-Labs/slrpd/pkg/session"
	"github.com/Mindburn-Labs/slrpd/pkg/statemachine"
	"github.com/Mindburn-Labs/slrpd/pkg/store"
)

const (
	serviceName     = "slrpd"
	version         = "0.1.0"
	wasmMemoryLimit = 64 << 20
	shutdownTimeout = 10 * time.Second
)

func runServeCmd(args []string, _, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgFile := fs.String("config", "", "configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}

// app is the assembled process.
type app struct {
	service *service.Service
	handler http.Handler
	closers []func(context.Context) error
	logger  *slog.Logger
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// build wires every component from cfg. On error, already opened
// resources are released.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	telemetry, err := observability.New(ctx, observability.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Endpoint:       cfg.OTel.Endpoint,
		Enabled:        cfg.OTel.Enabled,
		Insecure:       cfg.OTel.Insecure,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(telemetry.Shutdown)
	metrics := telemetry.Metrics()

	l, err := openLedger(ctx, cfg, a)
	if err != nil {
		return nil, err
	}
	rec := ledger.NewRecorder(l, logger).WithObserver(metrics)

	sessions, requests, err := openStores(ctx, cfg, a)
	if err != nil {
		return nil, err
	}

	cs, err := contracts.NewStore(cfg.ContractsDir, logger)
	if err != nil {
		return nil, err
	}

	exec, err := newExecutor(ctx, cfg, a)
	if err != nil {
		return nil, err
	}

	corpus := retrieval.NewCorpusIndex()
	if err := corpus.LoadDir(cfg.CorpusDir); err != nil {
		return nil, err
	}
	logger.Info("corpus loaded", "dir", cfg.CorpusDir, "documents", corpus.Len())

	exporter, err := newExporter(ctx, cfg, l, a)
	if err != nil {
		return nil, err
	}

	machine := statemachine.New(cs, rec, logger).WithObserver(metrics)
	gate := approval.NewGate(sessions, requests, cs, rec, exec, logger).
		WithTimeout(cfg.ExecutorTimeout).
		WithObserver(metrics)

	a.service = service.New(service.Deps{
		Sessions:  sessions,
		Contracts: cs,
		Machine:   machine,
		Gate:      gate,
		Recorder:  rec,
		Retriever: corpus,
		Exporter:  exporter,
	}, service.Options{
		AllowFaultInjection:      cfg.AllowFaultInjection,
		MinRetrievalScoreDefault: cfg.MinRetrievalScoreDefault,
	}, logger)

	var auth *api.ApproverAuth
	if cfg.ApproverAuthEnabled() {
		if auth, err = api.NewApproverAuth(cfg.Approver.Secret, cfg.Approver.Issuer, cfg.Approver.TokenTTL); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("approver authentication disabled; approvers are taken from request bodies")
	}
	if cfg.AllowFaultInjection {
		logger.Warn("fault injection enabled")
	}

	a.handler = api.NewServer(a.service, auth, api.NewRateLimiter(cfg.HTTP.RPS, cfg.HTTP.Burst), logger).Handler()
	return a, nil
}

func openLedger(ctx context.Context, cfg *config.Config, a *app) (ledger.Ledger, error) {
	switch cfg.Audit.Backend {
	case "memory":
		return ledger.NewMemoryLedger(), nil
	case "sqlite", "postgres":
		l, err := ledger.OpenSQLLedger(ctx, cfg.Audit.Backend, cfg.Audit.DSN)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return l.Close() })
		return l, nil
	default:
		return ledger.NewFileLedger(cfg.Audit.Dir)
	}
}

func openStores(ctx context.Context, cfg *config.Config, a *app) (store.Store[*session.Session], store.Store[*approval.Request], error) {
	if cfg.Store.Backend != "redis" {
		return store.NewMemoryStore((*session.Session).Clone), store.NewMemoryStore((*approval.Request).Clone), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.RedisAddr,
		Password: cfg.Store.RedisPassword,
		DB:       cfg.Store.RedisDB,
	})
	a.onClose(func(context.Context) error { return client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	return store.NewRedisStore[*session.Session](client, "slrpd:session").WithLease(cfg.Store.LockLease),
		store.NewRedisStore[*approval.Request](client, "slrpd:approval").WithLease(cfg.Store.LockLease),
		nil
}

func newExecutor(ctx context.Context, cfg *config.Config, a *app) (executor.Executor, error) {
	mux := executor.NewMux()
	mux.Handle(executor.ActionCreateReport, executor.NewReportExecutor(cfg.ReportsDir))

	wasm, err := executor.NewWasmExecutor(ctx, executor.WasmConfig{Dir: cfg.WasmDir, MemoryLimitBytes: wasmMemoryLimit})
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return wasm.Close() })
	mux.Fallback(wasm)
	return mux, nil
}

func newExporter(ctx context.Context, cfg *config.Config, l ledger.Ledger, a *app) (*archive.Exporter, error) {
	var sink archive.Sink
	switch cfg.Archive.Backend {
	case "s3":
		s, err := archive.NewS3Sink(ctx, archive.S3Config{
			Bucket:   cfg.Archive.Bucket,
			Region:   cfg.Archive.Region,
			Endpoint: cfg.Archive.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		sink = s
	case "gcs":
		s, err := archive.NewGCSSink(ctx, cfg.Archive.Bucket)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return s.Close() })
		sink = s
	default:
		return nil, nil
	}
	return archive.NewExporter(l, sink, cfg.Archive.Prefix, a.logger), nil
}
