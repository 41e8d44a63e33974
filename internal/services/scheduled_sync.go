package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/transcriptflow/internal/importer"
	"github.com/Lllllllleong/transcriptflow/internal/progress"
	"github.com/go-playground/validator/v10"
)

// ScheduledSyncRequest is the Pub/Sub payload published by Cloud Scheduler.
type ScheduledSyncRequest struct {
	UserID   string `json:"userId" validate:"required"`
	FolderID string `json:"folderId" validate:"required,folderid"`
	Mode     string `json:"mode" validate:"omitempty,oneof=fast full"`
}

// MessagePublishedData is the CloudEvent data of a Pub/Sub push.
type MessagePublishedData struct {
	Message struct {
		Data []byte `json:"data"`
	} `json:"message"`
}

// ScheduledSyncFunction runs unattended syncs and logs their progress.
type ScheduledSyncFunction struct {
	runner   SyncRunner
	validate *validator.Validate
}

// NewScheduledSync creates a ScheduledSyncFunction from the environment.
func NewScheduledSync(ctx context.Context) (*ScheduledSyncFunction, error) {
	config, err := loadSyncConfig()
	if err != nil {
		return nil, err
	}
	engine, err := newSyncEngine(ctx, config)
	if err != nil {
		return nil, err
	}
	return NewScheduledSyncWithRunner(engine), nil
}

// NewScheduledSyncWithRunner creates a ScheduledSyncFunction around an existing runner.
func NewScheduledSyncWithRunner(runner SyncRunner) *ScheduledSyncFunction {
	return &ScheduledSyncFunction{runner: runner, validate: newValidator()}
}

// DecodeScheduledSync reads the sync request out of a Pub/Sub CloudEvent payload.
func DecodeScheduledSync(data []byte) (ScheduledSyncRequest, error) {
	var msg MessagePublishedData
	if err := json.Unmarshal(data, &msg); err != nil {
		return ScheduledSyncRequest{}, fmt.Errorf("failed to decode pubsub message: %w", err)
	}
	var req ScheduledSyncRequest
	if err := json.Unmarshal(msg.Message.Data, &req); err != nil {
		return ScheduledSyncRequest{}, fmt.Errorf("failed to decode sync request: %w", err)
	}
	return req, nil
}

// Process validates req and runs the sync to completion. A run with only
// per-document errors is not a failure of the invocation.
func (f *ScheduledSyncFunction) Process(ctx context.Context, req ScheduledSyncRequest) (progress.Summary, error) {
	if err := f.validate.Struct(req); err != nil {
		return progress.Summary{}, fmt.Errorf("invalid scheduled sync request: %s", describeValidation(err))
	}

	logCtx := slog.With("userId", req.UserID, "folderId", req.FolderID)
	stream := progress.NewStream(streamBuffer)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for e := range stream.Events() {
			switch e.Type {
			case progress.TypeProgress:
				logCtx.Debug("Sync progress.", "fileName", e.FileName, "outcome", e.Outcome, "reason", e.Reason)
			case progress.TypeResult:
				logCtx.Info("Imported transcript.", "recordId", e.RecordID, "title", e.Title)
			case progress.TypeError:
				logCtx.Error("Sync ended with error", "message", e.Message)
			}
		}
	}()

	summary, err := f.runner.Run(ctx, importer.Request{UserID: req.UserID, FolderID: req.FolderID, Mode: modeOrDefault(req.Mode)}, stream)
	<-drained
	if err != nil {
		return summary, fmt.Errorf("scheduled sync for %s failed: %w", req.UserID, err)
	}
	if summary.Failed {
		logCtx.Warn("Every document in the run failed.", "errors", summary.Errors)
	}
	return summary, nil
}
