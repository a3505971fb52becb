package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VarunGitGood/livedata/internal/api"
	"github.com/VarunGitGood/livedata/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	addr        string
	asset       string
	numRequests int
)

// Fires concurrent LiveData/Get calls for the same assets so the server's
// query collapsing shows up in its metrics.
var rootCmd = &cobra.Command{
	Use:   "client",
	Short: "Send a burst of identical LiveData/Get calls",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func main() {
	rootCmd.Flags().StringVar(&addr, "addr", "localhost:50052", "livedata gRPC address")
	rootCmd.Flags().StringVar(&asset, "asset", "raw/orders", "asset key to request")
	rootCmd.Flags().IntVarP(&numRequests, "requests", "n", 100, "concurrent requests")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if err := logger.Setup(logger.Options{Format: "console"}); err != nil {
		return err
	}
	defer logger.Sync()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("did not connect: %w", err)
	}
	defer conn.Close()

	req, err := structpb.NewStruct(map[string]any{"assetKeys": []any{asset}})
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	var wg sync.WaitGroup
	var failed atomic.Int32
	wg.Add(numRequests)

	start := time.Now()
	for i := 0; i < numRequests; i++ {
		go func(id int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			out := new(structpb.Struct)
			if err := conn.Invoke(ctx, api.MethodGet, req, out); err != nil {
				failed.Add(1)
				logger.Warn("request failed", zap.Int("id", id), zap.Error(err))
			}
		}(i)
	}
	wg.Wait()

	logger.Info("done",
		zap.Int("requests", numRequests),
		zap.Int32("failed", failed.Load()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
