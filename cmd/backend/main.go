package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/VarunGitGood/livedata/internal/demobackend"
	"github.com/VarunGitGood/livedata/internal/logger"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

type backendConfig struct {
	Port        int           `envconfig:"DEMO_BACKEND_PORT" default:"3000"`
	RunInterval time.Duration `envconfig:"DEMO_RUN_INTERVAL" default:"5s"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string        `envconfig:"LOG_FORMAT" default:"console"`
}

var demoAssets = []struct {
	key    string
	policy *demobackend.FreshnessPolicy
}{
	{"raw/orders", &demobackend.FreshnessPolicy{MaximumLagMinutes: 1}},
	{"raw/customers", &demobackend.FreshnessPolicy{MaximumLagMinutes: 5, CronSchedule: "*/5 * * * *"}},
	{"clean/orders", &demobackend.FreshnessPolicy{MaximumLagMinutes: 2}},
	{"reports/daily_revenue", nil},
}

func main() {
	var cfg backendConfig
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Setup(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "demo-backend"}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	backend, err := demobackend.New(logger.Named("backend"))
	if err != nil {
		logger.Fatal("failed to build schema", zap.Error(err))
	}
	for _, a := range demoAssets {
		backend.AddAsset(strings.Split(a.key, "/"), a.policy)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go simulateRuns(ctx, backend, cfg.RunInterval)

	mux := http.NewServeMux()
	mux.Handle("/graphql", backend)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("demo backend starting", zap.String("addr", srv.Addr), zap.Int("assets", len(demoAssets)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")
	backend.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// simulateRuns starts a run for a random asset every interval and settles
// it a moment later, mostly successfully.
func simulateRuns(ctx context.Context, backend *demobackend.Backend, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		path := strings.Split(demoAssets[rand.Intn(len(demoAssets))].key, "/")
		runID := fmt.Sprintf("run-%d", n)
		backend.QueueRun(path, runID)
		backend.StartRun(path, runID)
		logger.Info("run started", zap.String("run_id", runID), zap.Strings("asset", path))

		go func() {
			select {
			case <-time.After(interval / 2):
			case <-ctx.Done():
				return
			}
			if rand.Intn(5) == 0 {
				backend.FailRun(path, runID)
				logger.Warn("run failed", zap.String("run_id", runID), zap.Strings("asset", path))
				return
			}
			backend.Materialize(path, runID)
			logger.Info("asset materialized", zap.String("run_id", runID), zap.Strings("asset", path))
		}()
	}
}
