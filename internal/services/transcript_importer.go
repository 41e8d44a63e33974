package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Lllllllleong/transcriptflow/internal/importer"
	"github.com/Lllllllleong/transcriptflow/internal/progress"
	"github.com/go-playground/validator/v10"
)

// UserIDHeader carries the authenticated caller's id, set by the gateway in
// front of the function.
const UserIDHeader = "X-User-ID"

const streamBuffer = 64

// ImportRequest is the JSON body of an import call.
type ImportRequest struct {
	FolderID string `json:"folderId" validate:"required,folderid"`
	Mode     string `json:"mode" validate:"omitempty,oneof=fast full"`
}

// TranscriptImporterFunction serves the import endpoint as a server-sent
// event stream.
type TranscriptImporterFunction struct {
	runner   SyncRunner
	validate *validator.Validate
}

// NewTranscriptImporter creates a TranscriptImporterFunction from the environment.
func NewTranscriptImporter(ctx context.Context) (*TranscriptImporterFunction, error) {
	config, err := loadSyncConfig()
	if err != nil {
		return nil, err
	}
	engine, err := newSyncEngine(ctx, config)
	if err != nil {
		return nil, err
	}
	return NewTranscriptImporterWithRunner(engine), nil
}

// NewTranscriptImporterWithRunner creates a TranscriptImporterFunction around an existing runner.
func NewTranscriptImporterWithRunner(runner SyncRunner) *TranscriptImporterFunction {
	return &TranscriptImporterFunction{runner: runner, validate: newValidator()}
}

// ServeHTTP validates the request, then streams the run's progress events
// until a terminal event or until the client disconnects.
func (f *TranscriptImporterFunction) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if userID == "" {
		http.Error(w, "Unauthorized: missing caller identity", http.StatusUnauthorized)
		return
	}

	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if err := f.validate.Struct(req); err != nil {
		http.Error(w, fmt.Sprintf("Bad Request: %s", describeValidation(err)), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Internal Server Error: streaming unsupported", http.StatusInternalServerError)
		return
	}

	logCtx := slog.With("userId", userID, "folderId", req.FolderID)
	logCtx.Info("Starting transcript import.", "mode", modeOrDefault(req.Mode))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	stream := progress.NewStream(streamBuffer)
	go func() {
		run := importer.Request{UserID: userID, FolderID: req.FolderID, Mode: modeOrDefault(req.Mode)}
		if _, err := f.runner.Run(ctx, run, stream); err != nil {
			logCtx.Error("Transcript import failed", "error", err)
		}
	}()

	for {
		select {
		case e, ok := <-stream.Events():
			if !ok {
				return
			}
			if err := progress.WriteFrame(w, e); err != nil {
				logCtx.Warn("Client stream write failed, stopping.", "error", err)
				stream.Close()
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			logCtx.Info("Client disconnected.")
			stream.Close()
			return
		}
	}
}
