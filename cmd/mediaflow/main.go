// mediaflow serves the media generation dispatch API.
//
// Usage:
//
//	mediaflow --config config.yaml
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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/forgeml/mediaflow/api"
	"github.com/forgeml/mediaflow/config"
	"github.com/forgeml/mediaflow/dispatch"
	"github.com/forgeml/mediaflow/metrics"
	"github.com/forgeml/mediaflow/providers/factory"
	"github.com/forgeml/mediaflow/store"
	"github.com/forgeml/mediaflow/transfer"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "mediaflow:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	tr, err := openTransfer(cfg.Transfer, logger)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	adapters := factory.New(cfg.AdapterConfigs(), logger.Named("providers"))
	registry := dispatch.NewRegistry(cfg.Models)
	orch := dispatch.New(st, adapters, registry, tr, m, cfg.Dispatch, logger.Named("dispatch"))
	defer orch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if n, err := orch.Recover(ctx); err != nil {
		logger.Warn("recovery scan failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("resumed interrupted requests", zap.Int("count", n))
	}

	if cfg.Cleanup.Enabled {
		go cleanupLoop(ctx, st, cfg.Cleanup, logger)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.New(orch, st, promReg, logger.Named("api")),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func openStore(cfg config.StoreConfig) (store.GenerationStore, error) {
	switch cfg.Backend {
	case store.BackendMemory, "":
		return store.NewMemoryStore(), nil
	case store.BackendDatabase:
		return store.NewDBStore(cfg.Database)
	case store.BackendRedis:
		return store.NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func openTransfer(cfg config.TransferConfig, logger *zap.Logger) (transfer.Transferrer, error) {
	if cfg.Dir == "" {
		logger.Warn("no transfer directory configured, provider URLs will be served as-is")
		return transfer.Noop{}, nil
	}
	return transfer.NewLocal(cfg.Dir, cfg.BaseURL, logger.Named("transfer"))
}

func cleanupLoop(ctx context.Context, st store.GenerationStore, cfg config.CleanupConfig, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.Cleanup(ctx, cfg.MaxAge)
			if err != nil {
				logger.Warn("cleanup pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("cleaned up old records", zap.Int("removed", n))
			}
		}
	}
}
