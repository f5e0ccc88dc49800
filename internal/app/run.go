package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nuetzliches/updategate/internal/dedup"
	"github.com/nuetzliches/updategate/internal/forward"
	"github.com/nuetzliches/updategate/internal/ingress"
	"github.com/nuetzliches/updategate/internal/queue"
	"github.com/nuetzliches/updategate/internal/secrets"
	"github.com/nuetzliches/updategate/internal/suspicion"
	"github.com/nuetzliches/updategate/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func run(args []string) int {
	cfg, err := parseRunConfig(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}

	if cfg.Dotenv != "" {
		if err := loadDotenv(cfg.Dotenv); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
	}

	logger, logCloser, err := newLoggerToSink(cfg.LogLevel, cfg.LogOutput, cfg.LogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}

	releasePID, err := claimPIDFile(cfg.PIDFile)
	if err != nil {
		logger.Error("pid_file_claim_failed", slog.Any("err", err))
		return 1
	}
	defer releasePID()

	if err := secrets.ValidateRef(cfg.SecretRef); err != nil {
		logger.Error("secret_invalid", slog.Any("err", err))
		return 1
	}
	secret, err := secrets.LoadRef(cfg.SecretRef)
	if err != nil {
		logger.Error("secret_load_failed", slog.Any("err", err))
		return 1
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("store_open_failed", slog.String("store", cfg.StoreKind), slog.Any("err", err))
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store_close_failed", slog.Any("err", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rm := newRuntimeMetrics()

	var shutdownTracing func(context.Context) error
	if cfg.TracingEnabled {
		shutdownTracing, err = initTracing(ctx, cfg.TracingEndpoint, cfg.TracingInsecure)
		if err != nil {
			// Tracing is best-effort; the gate keeps running without it.
			logger.Warn("tracing_init_failed", slog.Any("err", err))
			rm.incTracingInitFailures()
			shutdownTracing = nil
		} else {
			rm.setTracingEnabled(true)
		}
	}

	auth := ingress.NewSecretAuth(cfg.SecretHeader, secret)
	guard := dedup.NewGuard(cfg.DedupWindow)
	tracker := suspicion.NewTracker(store, logger)

	gate := ingress.NewServer(store, auth, guard, tracker)
	gate.IDField = cfg.IDField
	gate.MaxBodyBytes = cfg.MaxBodyBytes
	gate.DedupThreshold = cfg.DedupThreshold
	gate.ObserveAccept = rm.ObserveAccept
	gate.ObserveReject = rm.ObserveReject

	if cfg.WatchSecret {
		path := secrets.FilePath(cfg.SecretRef)
		if path == "" {
			logger.Warn("secret_watch_unsupported", slog.String("ref_scheme", "non-file"))
		} else {
			go watchSecretFile(ctx, path, logger, func() {
				token, err := secrets.LoadRef(cfg.SecretRef)
				if err != nil {
					logger.Error("secret_reload_failed", slog.Any("err", err))
					return
				}
				auth.Rotate(token)
				logger.Info("secret_rotated", slog.String("path", path))
			})
		}
	}

	wrk := &worker.Worker{
		Store:        store,
		Handler:      newHandler(cfg, secret, logger),
		Metrics:      rm,
		Logger:       logger,
		BatchSize:    cfg.BatchSize,
		IdleDelay:    cfg.IdleDelay,
		FailureDelay: cfg.FailureDelay,
		MaxAttempts:  cfg.MaxAttempts,
	}
	if err := wrk.Start(); err != nil {
		logger.Error("worker_start_failed", slog.Any("err", err))
		return 1
	}

	webhookMux := http.NewServeMux()
	webhookMux.Handle("/webhook", wrapTracingHandler(cfg.TracingEnabled, "webhook", gate))
	webhookMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	webhookSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           withAccessLog(logger, webhookMux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("webhook_listening", slog.String("addr", cfg.Listen))
		if err := webhookSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("webhook listener: %w", err)
		}
	}()

	var opsSrv *http.Server
	if cfg.OpsListen != "" {
		ops := newOpsServer(store, newMetricsHandler(version, time.Now(), rm))
		opsSrv = &http.Server{
			Addr:              cfg.OpsListen,
			Handler:           ops.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("ops_listening", slog.String("addr", cfg.OpsListen))
			if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("ops listener: %w", err)
			}
		}()
	}

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal")
	case err := <-errCh:
		logger.Error("listener_failed", slog.Any("err", err))
		code = 1
	}
	stop()

	// Stop accepting before draining the worker so nothing new lands in
	// the queue while we wait for in-flight items.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := webhookSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("webhook_shutdown_failed", slog.Any("err", err))
	}
	if opsSrv != nil {
		if err := opsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("ops_shutdown_failed", slog.Any("err", err))
		}
	}
	if err := wrk.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker_shutdown_failed", slog.Any("err", err))
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing_shutdown_failed", slog.Any("err", err))
		}
	}

	logger.Info("stopped")
	return code
}

func openStore(cfg runConfig) (queue.Store, error) {
	switch cfg.StoreKind {
	case "memory":
		return queue.NewMemoryStore(queue.WithFailureDelay(cfg.FailureDelay)), nil
	case "postgres":
		return queue.NewPostgresStore(cfg.PostgresDSN, queue.WithPostgresFailureDelay(cfg.FailureDelay))
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, err
		}
		return queue.NewSQLiteStore(cfg.DBPath, queue.WithSQLiteFailureDelay(cfg.FailureDelay))
	}
}

// newHandler picks the item handler. With --forward-url the default
// forwarding handler posts each payload downstream; without one, items are
// logged and acknowledged, which keeps the queue drained in setups that
// consume updates elsewhere (e.g. straight from the database).
func newHandler(cfg runConfig, secret []byte, logger *slog.Logger) worker.Handler {
	if cfg.ForwardURL != "" {
		f := forward.New(cfg.ForwardURL, cfg.ForwardTimeout)
		f.SecretHeader = cfg.SecretHeader
		f.Secret = string(secret)
		return f.Handle
	}
	return func(_ context.Context, item queue.Item) error {
		logger.Debug("update_discarded",
			slog.String("id", item.ID),
			slog.String("external_id", item.ExternalID))
		return nil
	}
}
