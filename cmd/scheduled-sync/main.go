package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/transcriptflow/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	syncInstance *services.ScheduledSyncFunction
	once         sync.Once
	initErr      error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("ScheduledSync", scheduledSync)
}

// main is required by the Go Functions Framework.
func main() {}

// scheduledSync runs a sync for the user and folder named in a Cloud Scheduler
// Pub/Sub message.
func scheduledSync(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		syncInstance, initErr = services.NewScheduledSync(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	req, err := services.DecodeScheduledSync(e.Data())
	if err != nil {
		// A malformed schedule payload will never succeed; do not retry it.
		slog.Error("Failed to decode scheduled sync event", "error", err, "data", string(e.Data()))
		return nil
	}

	summary, err := syncInstance.Process(ctx, req)
	if err != nil {
		return err
	}
	slog.Info("Scheduled sync finished.", "userId", req.UserID, "imported", summary.Imported, "errors", summary.Errors)
	return nil
}
