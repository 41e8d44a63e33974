package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/transcriptflow/internal/services"
)

var (
	importerInstance *services.TranscriptImporterFunction
	once             sync.Once
	initErr          error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// "HandleImportTranscripts" is the entry point name configured in GCP.
	functions.HTTP("HandleImportTranscripts", handleImportTranscripts)
}

// main is required by the Go Functions Framework.
func main() {}

// handleImportTranscripts streams the progress of one folder import as server-sent events.
func handleImportTranscripts(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		importerInstance, initErr = services.NewTranscriptImporter(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	importerInstance.ServeHTTP(w, r)
}
