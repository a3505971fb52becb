package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VarunGitGood/livedata/internal/api"
	"github.com/VarunGitGood/livedata/internal/collapser"
	"github.com/VarunGitGood/livedata/internal/config"
	"github.com/VarunGitGood/livedata/internal/graphql"
	"github.com/VarunGitGood/livedata/internal/livedata"
	"github.com/VarunGitGood/livedata/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Track live data and serve it over HTTP and gRPC",
	Long: `Track live data for TRACKED_ASSETS and serve it until interrupted.

Environment:
	GRAPHQL_URL                 GraphQL endpoint (required)
	GRAPHQL_WS_URL              Event subscription endpoint (default: derived from GRAPHQL_URL)
	GRAPHQL_TIMEOUT             Per-query timeout (default 10s)
	TRACKED_ASSETS              Comma separated asset keys, e.g. raw/orders,clean/orders
	REFETCH_DELAY               Trailing delay before an event-driven refetch (default 1s)
	POLL_INTERVAL               Poll interval, 0 disables polling (default 15s)
	LIVEDATA_CACHE_SIZE         Last known live data kept for ad-hoc lookups (default 4096)
	SUBSCRIPTION_MAX_BACKOFF    Longest wait between subscription reconnects (default 30s)
	COLLAPSER_CACHE_DURATION    How long identical queries share a result (default 250ms)
	COLLAPSER_CLEANUP_INTERVAL  Expired result sweep interval (default 1s)
	HTTP_PORT                   HTTP, websocket and metrics port (default 2112)
	GRPC_PORT                   gRPC port (default 50052)
	LOG_LEVEL, LOG_FORMAT       Logging (default info, json)
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := logger.Setup(cfg.LogOptions("livedata")); err != nil {
			return fmt.Errorf("failed to set up logger: %w", err)
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config) error {
	keys, err := livedata.ParseAssetKeys(cfg.TrackedAssets)
	if err != nil {
		return fmt.Errorf("invalid TRACKED_ASSETS: %w", err)
	}
	if len(keys) == 0 {
		return errors.New("TRACKED_ASSETS cannot be empty")
	}

	logger.Info("starting livedata",
		zap.String("graphql_url", cfg.GraphQLURL),
		zap.Int("assets", len(keys)),
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort))

	c := collapser.NewCollapser(collapser.Config{
		ResultCacheDuration: cfg.ResultCacheDuration,
		BackendTimeout:      cfg.GraphQLTimeout,
		CleanupInterval:     cfg.CleanupInterval,
	})
	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start collapser: %w", err)
	}
	defer c.Stop()

	store, err := livedata.NewStore(cfg.LiveDataCacheSize)
	if err != nil {
		return err
	}
	client := graphql.NewClient(cfg.GraphQLURL, graphql.WithHTTPClient(&http.Client{Timeout: cfg.GraphQLTimeout}))
	fetcher := livedata.NewFetcher(client, c, store, logger.Named("fetcher"))

	trackerCfg := livedata.TrackerConfig{
		Keys:         keys,
		Fetcher:      fetcher,
		RefetchDelay: cfg.RefetchDelay,
		PollInterval: cfg.PollInterval,
		MaxBackoff:   cfg.SubscriptionMaxBackoff,
		Logger:       logger.Named("tracker"),
	}
	if cfg.GraphQLWSURL != "" {
		trackerCfg.Events = graphql.NewSubscriber(cfg.GraphQLWSURL,
			graphql.WithSubscriberLogger(logger.Named("subscriber")))
	}
	tracker := livedata.NewTracker(trackerCfg)
	if err := tracker.Start(ctx); err != nil {
		return err
	}
	defer tracker.Stop()

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           api.NewHTTPServer(tracker, fetcher, logger.Named("http")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcSrv := api.NewGRPCServer(tracker, fetcher, logger.Named("grpc"))
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc server starting", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
