package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/transcriptflow/internal/captions"
	"github.com/Lllllllleong/transcriptflow/internal/gcp"
	"github.com/Lllllllleong/transcriptflow/internal/importer"
	"github.com/Lllllllleong/transcriptflow/internal/models"
	"github.com/Lllllllleong/transcriptflow/internal/transcript"
)

// CaptionIngestConfig holds configuration for the caption ingest service.
type CaptionIngestConfig struct {
	ProjectID         string
	VertexAIRegion    string
	RecordsCollection string
	WorkflowID        string
	WorkflowLocation  string
	SummaryModel      string
	EmbeddingModel    string
}

// GCSEvent is the data of a storage object finalize CloudEvent.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

type captionRecords interface {
	Insert(ctx context.Context, rec *models.ImportRecord) (string, error)
	AnalysisExecution(ctx context.Context, recordID string) (string, error)
	SetAnalysisExecution(ctx context.Context, recordID, execution string) error
}

type workflowStarter interface {
	Trigger(ctx context.Context, args any) (string, error)
}

type objectReader func(ctx context.Context, bucket, object string) ([]byte, error)

// CaptionIngestFunction turns caption handoffs into transcript records and
// starts their analysis.
type CaptionIngestFunction struct {
	read       objectReader
	store      captionRecords
	summarizer importer.Summarizer
	embedder   importer.Embedder
	workflow   workflowStarter
	now        func() time.Time
}

// NewCaptionIngest creates a CaptionIngestFunction from the environment.
func NewCaptionIngest(ctx context.Context) (*CaptionIngestFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}

	config := CaptionIngestConfig{
		ProjectID:         projectID,
		VertexAIRegion:    gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		RecordsCollection: gcp.GetEnv("TRANSCRIPTS_COLLECTION", "transcripts"),
		WorkflowLocation:  gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		WorkflowID:        gcp.GetEnv("ANALYSIS_WORKFLOW_ID", "transcript-analysis"),
		SummaryModel:      gcp.GetEnv("SUMMARY_MODEL", gcp.DefaultSummaryModel),
		EmbeddingModel:    gcp.GetEnv("EMBEDDING_MODEL", gcp.DefaultEmbeddingModel),
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	vertexClient, err := gcp.NewVertexClient(ctx, config.ProjectID, config.VertexAIRegion, config.SummaryModel)
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}
	embeddingClient, err := gcp.NewEmbeddingClient(ctx, config.ProjectID, config.VertexAIRegion, config.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}
	workflow, err := gcp.NewWorkflowTrigger(ctx, config.ProjectID, config.WorkflowLocation, config.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow trigger: %w", err)
	}

	slog.Info("Caption ingest initialized.", "workflowId", config.WorkflowID)
	return &CaptionIngestFunction{
		read: func(ctx context.Context, bucket, object string) ([]byte, error) {
			return gcp.ReadGCSObject(ctx, storageClient, bucket, object)
		},
		store:      gcp.NewRecordStore(firestoreClient, config.RecordsCollection, ""),
		summarizer: vertexClient,
		embedder:   embeddingClient,
		workflow:   workflow,
		now:        time.Now,
	}, nil
}

// Process ingests one handoff object. A re-delivered event for a session whose
// analysis already started is acknowledged; one whose workflow call failed
// starts the analysis again.
func (f *CaptionIngestFunction) Process(ctx context.Context, e GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	if !strings.HasPrefix(e.Name, captions.HandoffPrefix) || !strings.HasSuffix(e.Name, ".json") {
		logCtx.Info("Not a caption handoff, ignoring.")
		return nil
	}

	data, err := f.read(ctx, e.Bucket, e.Name)
	if err != nil {
		logCtx.Error("Failed to read handoff object", "error", err)
		return err
	}
	var handoff models.CaptionHandoff
	if err := json.Unmarshal(data, &handoff); err != nil {
		// A malformed object will never parse; retrying would not help.
		logCtx.Error("Failed to decode handoff, dropping", "error", err)
		return nil
	}
	logCtx = logCtx.With("sessionId", handoff.SessionID, "recovered", handoff.Recovered)

	text := strings.TrimSpace(handoff.Transcript)
	if utf8.RuneCountInString(text) < importer.DefaultMinContentLength {
		logCtx.Info("Caption transcript too short, skipping.", "chars", utf8.RuneCountInString(text))
		return nil
	}

	fileName := handoff.Title
	if fileName == "" {
		fileName = "Live captions " + handoff.StartedAt.UTC().Format("2006-01-02 15:04")
	}

	analysis, err := f.summarizer.Summarize(ctx, text, fileName)
	if err != nil {
		logCtx.Error("Failed to summarize caption transcript", "error", err)
		return fmt.Errorf("%w: %w", importer.ErrSummarize, err)
	}
	embedding, err := f.embedder.Embed(ctx, text)
	if err != nil {
		logCtx.Warn("Failed to embed caption transcript, storing without embedding", "error", err)
		embedding = nil
	}

	rec := captionRecord(handoff, text, fileName, analysis, embedding, f.now())
	recordID, err := f.store.Insert(ctx, rec)
	if errors.Is(err, gcp.ErrAlreadyExists) {
		recordID = rec.ID
		execution, err := f.store.AnalysisExecution(ctx, recordID)
		if err != nil {
			logCtx.Error("Failed to read existing caption record", "error", err)
			return fmt.Errorf("%w: %w", importer.ErrPersistence, err)
		}
		if execution != "" {
			logCtx.Info("Session already ingested and analysed, skipping.", "execution", execution)
			return nil
		}
		logCtx.Info("Session already ingested but analysis never started, starting it.")
	} else if err != nil {
		logCtx.Error("Failed to insert caption record", "error", err)
		return fmt.Errorf("%w: %w", importer.ErrPersistence, err)
	}
	logCtx = logCtx.With("recordId", recordID)

	execution, err := f.workflow.Trigger(ctx, map[string]any{"recordId": recordID})
	if err != nil {
		logCtx.Error("Failed to start analysis workflow", "error", err)
		return err
	}
	if err := f.store.SetAnalysisExecution(ctx, recordID, execution); err != nil {
		// Returning an error would start a second execution on retry.
		logCtx.Warn("Failed to record analysis execution", "execution", execution, "error", err)
	}
	logCtx.Info("Caption transcript ingested.", "execution", execution, "participants", len(rec.Participants))
	return nil
}

// CaptionRecordID is the record id of a caption session.
func CaptionRecordID(sessionID string) string {
	return "captions-" + sessionID
}

func captionRecord(h models.CaptionHandoff, text, fileName string, a models.TranscriptAnalysis, embedding []float32, now time.Time) *models.ImportRecord {
	meetingDate := a.MeetingDate
	if meetingDate == "" && !h.StartedAt.IsZero() {
		meetingDate = h.StartedAt.UTC().Format("2006-01-02")
	}
	meetingTitle := a.MeetingTitle
	if meetingTitle == "" {
		meetingTitle = h.Title
	}
	return &models.ImportRecord{
		ID:                 CaptionRecordID(h.SessionID),
		Transcript:         text,
		TranscriptFileName: fileName,
		CandidateName:      a.CandidateName,
		Interviewer:        a.Interviewer,
		MeetingTitle:       meetingTitle,
		MeetingType:        a.MeetingType,
		MeetingDate:        meetingDate,
		Summary:            a.Summary,
		Participants:       mergeParticipants(h.Participants, transcript.Speakers(transcript.Parse(text))),
		SessionID:          h.SessionID,
		Embedding:          embedding,
		Source:             models.SourceCaptions,
		CreatedAt:          now,
	}
}

// mergeParticipants keeps the order of first appearance across both lists.
func mergeParticipants(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, name := range list {
			name = strings.TrimSpace(name)
			if name == "" || seen[strings.ToLower(name)] {
				continue
			}
			seen[strings.ToLower(name)] = true
			out = append(out, name)
		}
	}
	return out
}
