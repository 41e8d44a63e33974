// Command caption-collector captures live meeting captions from a stream of
// page events on stdin and hands each finished session to the captions bucket.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/transcriptflow/internal/captions"
	"github.com/Lllllllleong/transcriptflow/internal/gcp"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Could not load .env file", "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Caption collector failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	bucketName := gcp.GetEnv("CAPTIONS_BUCKET", "")
	if bucketName == "" {
		return errors.New("CAPTIONS_BUCKET environment variable must be set")
	}
	settleDelay, err := time.ParseDuration(gcp.GetEnv("SETTLE_DELAY", captions.DefaultSettleDelay.String()))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return err
	}
	defer storageClient.Close()

	recovery, err := captions.OpenRecoveryStore(gcp.GetEnv("RECOVERY_DB", "caption-recovery.db"))
	if err != nil {
		return err
	}
	defer recovery.Close()

	collector := captions.NewCollector(captions.Config{
		CallHost:    gcp.GetEnv("CALL_HOST", captions.DefaultCallHost),
		SettleDelay: settleDelay,
	}, captions.NewBucketHandoff(storageClient.Bucket(bucketName)), recovery)

	recovered, err := collector.RecoverPending(ctx)
	if err != nil {
		slog.Warn("Could not deliver every recovered session", "error", err)
	}
	if recovered > 0 {
		slog.Info("Delivered recovered sessions.", "count", recovered)
	}

	return collector.Run(ctx, captions.NewStreamObserver(ctx, os.Stdin))
}
