// Package importer turns the documents in a Drive folder into persisted
// transcript records, incrementally and with streamed progress.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Lllllllleong/transcriptflow/internal/gcp"
	"github.com/Lllllllleong/transcriptflow/internal/importsource"
	"github.com/Lllllllleong/transcriptflow/internal/models"
	"github.com/Lllllllleong/transcriptflow/internal/progress"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrExport is a failure to fetch one document's text.
	ErrExport = errors.New("export failed")
	// ErrPersistence is a failure to read or write the record store.
	ErrPersistence = errors.New("persistence failed")
	// ErrSummarize is a failure of the summarization collaborator.
	ErrSummarize = errors.New("summarization failed")
	// ErrContentTooShort is not a failure: the document is skipped.
	ErrContentTooShort = errors.New("content too short")
	// ErrDuplicate is returned by RecordStore.Insert when a record for the
	// same Drive file already exists.
	ErrDuplicate = gcp.ErrAlreadyExists
)

// Mode selects how much of the folder a run inspects.
type Mode string

const (
	ModeFast Mode = "fast"
	ModeFull Mode = "full"
)

// Outcome is the per-document result class.
type Outcome string

const (
	OutcomeImported Outcome = "imported"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeError    Outcome = "error"
)

// Skip and error reasons reported in progress events.
const (
	ReasonDuplicate  = "duplicate"
	ReasonTooShort   = "too_short"
	ReasonDedupCheck = "dedup_check_failed"
	ReasonExport     = "export_failed"
	ReasonSummarize  = "summarize_failed"
	ReasonInsert     = "insert_failed"
)

// Enumerator lists the candidate documents of a folder.
type Enumerator interface {
	Enumerate(ctx context.Context, rootID string, opts importsource.ListOptions, onPage func(found int)) ([]models.RemoteDocument, error)
}

// Documents exports and renames remote documents.
type Documents interface {
	ExportText(ctx context.Context, fileID string) (string, error)
	Rename(ctx context.Context, fileID, name string) error
}

// RecordStore is the persisted source of truth for dedup and cursors.
type RecordStore interface {
	FindByDriveFileID(ctx context.Context, driveFileID string) (bool, error)
	FindByFileName(ctx context.Context, fileName string) (bool, error)
	// Insert stores rec and returns its id, or an error wrapping ErrDuplicate.
	Insert(ctx context.Context, rec *models.ImportRecord) (string, error)
	// Cursor returns nil when the user has never synced.
	Cursor(ctx context.Context, userID string) (*models.SyncCursor, error)
	SaveCursor(ctx context.Context, userID string, c models.SyncCursor) error
}

// Summarizer classifies and summarizes a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, transcript, fileName string) (models.TranscriptAnalysis, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds the engine's tuning knobs. Zero values use the defaults.
type Config struct {
	BatchSize          int
	FastLimit          int
	EarlyExitThreshold int
	MinContentLength   int
	SafetySkew         time.Duration
}

const (
	DefaultBatchSize          = 5
	DefaultFastLimit          = 30
	DefaultEarlyExitThreshold = 10
	DefaultMinContentLength   = 50
	DefaultSafetySkew         = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FastLimit <= 0 {
		c.FastLimit = DefaultFastLimit
	}
	if c.EarlyExitThreshold <= 0 {
		c.EarlyExitThreshold = DefaultEarlyExitThreshold
	}
	if c.MinContentLength <= 0 {
		c.MinContentLength = DefaultMinContentLength
	}
	if c.SafetySkew <= 0 {
		c.SafetySkew = DefaultSafetySkew
	}
	return c
}

// Request is one sync run.
type Request struct {
	UserID   string
	FolderID string
	Mode     Mode
}

// Engine runs incremental syncs.
type Engine struct {
	source     Enumerator
	docs       Documents
	store      RecordStore
	summarizer Summarizer
	embedder   Embedder
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an Engine.
func New(source Enumerator, docs Documents, store RecordStore, summarizer Summarizer, embedder Embedder, cfg Config) *Engine {
	return &Engine{
		source:     source,
		docs:       docs,
		store:      store,
		summarizer: summarizer,
		embedder:   embedder,
		cfg:        cfg.withDefaults(),
		logger:     slog.Default(),
		now:        time.Now,
	}
}

type docResult struct {
	outcome  Outcome
	reason   string
	recordID string
	title    string
	// known is set when the document was already imported.
	known bool
}

// Run enumerates the folder, imports new documents and streams progress. The
// stream receives exactly one terminal event and is finished on return. The
// returned error is non-nil only when the run could not enumerate the folder.
func (e *Engine) Run(ctx context.Context, req Request, stream *progress.Stream) (progress.Summary, error) {
	defer stream.Finish()

	logCtx := e.logger.With("userId", req.UserID, "folderId", req.FolderID, "mode", req.Mode)
	startedAt := e.now()

	stream.Send(progress.Event{Type: progress.TypeScanning, Message: "Scanning folder for transcripts"})

	cursor, err := e.store.Cursor(ctx, req.UserID)
	if err != nil {
		err = fmt.Errorf("%w: read sync cursor: %w", ErrPersistence, err)
		logCtx.Error("Failed to read sync cursor", "error", err)
		stream.Send(progress.Event{Type: progress.TypeError, Message: err.Error()})
		return progress.Summary{}, err
	}

	opts := e.listOptions(req.Mode, cursor)
	docs, err := e.source.Enumerate(ctx, req.FolderID, opts, func(found int) {
		stream.Send(progress.Event{Type: progress.TypeScanning, Found: found})
	})
	if err != nil {
		logCtx.Error("Failed to enumerate folder", "error", err)
		stream.Send(progress.Event{Type: progress.TypeError, Message: err.Error()})
		return progress.Summary{}, err
	}
	logCtx.Info("Enumerated folder.", "documents", len(docs), "modifiedAfter", opts.ModifiedAfter)
	stream.Send(progress.Event{Type: progress.TypeTotal, Total: len(docs)})

	summary := e.process(ctx, req, docs, stream, logCtx)

	next := models.SyncCursor{LastPollTime: startedAt, LastPollFileCount: len(docs), UpdatedAt: e.now()}
	if err := e.store.SaveCursor(context.WithoutCancel(ctx), req.UserID, next); err != nil {
		logCtx.Error("Failed to update sync cursor", "error", err)
	}

	logCtx.Info("Sync complete.",
		"total", summary.Total,
		"imported", summary.Imported,
		"skipped", summary.Skipped,
		"errors", summary.Errors,
		"earlyExit", summary.EarlyExit,
	)
	stream.Send(progress.Event{Type: progress.TypeComplete, Summary: &summary})
	return summary, nil
}

func (e *Engine) listOptions(mode Mode, cursor *models.SyncCursor) importsource.ListOptions {
	if mode != ModeFast {
		return importsource.ListOptions{}
	}
	opts := importsource.ListOptions{NewestFirst: true, Limit: e.cfg.FastLimit}
	if cursor != nil && !cursor.LastPollTime.IsZero() {
		opts.ModifiedAfter = cursor.LastPollTime.Add(-e.cfg.SafetySkew)
	}
	return opts
}

// process runs the documents in sequential batches of concurrent work. Batch
// i, with its tallies and the early-exit check, completes before batch i+1.
func (e *Engine) process(ctx context.Context, req Request, docs []models.RemoteDocument, stream *progress.Stream, logCtx *slog.Logger) progress.Summary {
	var (
		mu      sync.Mutex
		tallies progress.Tallies
	)
	summary := progress.Summary{Total: len(docs)}
	consecutiveKnown := 0

	for start := 0; start < len(docs); start += e.cfg.BatchSize {
		if ctx.Err() != nil || stream.Closed() {
			logCtx.Warn("Stopping sync early: caller went away.", "processed", tallies.Processed)
			break
		}

		end := min(start+e.cfg.BatchSize, len(docs))
		batch := docs[start:end]
		results := make([]docResult, len(batch))

		var eg errgroup.Group
		for i, doc := range batch {
			eg.Go(func() error {
				res := e.processOne(ctx, doc)
				results[i] = res

				mu.Lock()
				defer mu.Unlock()
				tallies.Processed++
				switch res.outcome {
				case OutcomeImported:
					tallies.Imported++
				case OutcomeSkipped:
					tallies.Skipped++
				default:
					tallies.Errors++
				}
				snapshot := tallies
				stream.Send(progress.Event{
					Type:     progress.TypeProgress,
					FileName: doc.Name,
					Outcome:  string(res.outcome),
					Reason:   res.reason,
					Total:    len(docs),
					Tallies:  &snapshot,
				})
				if res.outcome == OutcomeImported {
					stream.Send(progress.Event{
						Type:     progress.TypeResult,
						FileName: doc.Name,
						RecordID: res.recordID,
						Title:    res.title,
					})
				}
				return nil
			})
		}
		_ = eg.Wait()

		if req.Mode != ModeFast {
			continue
		}
		for _, r := range results {
			if r.known {
				consecutiveKnown++
			} else {
				consecutiveKnown = 0
			}
		}
		if consecutiveKnown >= e.cfg.EarlyExitThreshold {
			logCtx.Info("Early exit: run of already imported documents.", "consecutive", consecutiveKnown, "inspected", end)
			summary.EarlyExit = true
			break
		}
	}

	summary.Imported = tallies.Imported
	summary.Skipped = tallies.Skipped
	summary.Errors = tallies.Errors
	summary.Failed = tallies.Processed > 0 && tallies.Errors == tallies.Processed
	return summary
}

// processOne imports a single document. Failures are classified and logged,
// never returned.
func (e *Engine) processOne(ctx context.Context, doc models.RemoteDocument) docResult {
	logCtx := e.logger.With("driveFileId", doc.ID, "fileName", doc.Name)

	known, err := e.isImported(ctx, doc)
	if err != nil {
		logCtx.Error("Dedup check failed", "error", err)
		return docResult{outcome: OutcomeError, reason: ReasonDedupCheck}
	}
	if known {
		return docResult{outcome: OutcomeSkipped, reason: ReasonDuplicate, known: true}
	}

	text, err := e.docs.ExportText(ctx, doc.ID)
	if err != nil {
		logCtx.Error("Failed to export document", "error", fmt.Errorf("%w: %w", ErrExport, err))
		return docResult{outcome: OutcomeError, reason: ReasonExport}
	}
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < e.cfg.MinContentLength {
		logCtx.Info("Skipping document.", "reason", ErrContentTooShort, "chars", utf8.RuneCountInString(text))
		return docResult{outcome: OutcomeSkipped, reason: ReasonTooShort}
	}

	analysis, err := e.summarizer.Summarize(ctx, text, doc.Name)
	if err != nil {
		logCtx.Error("Failed to summarize transcript", "error", fmt.Errorf("%w: %w", ErrSummarize, err))
		return docResult{outcome: OutcomeError, reason: ReasonSummarize}
	}

	embedding, err := e.embedder.Embed(ctx, text)
	if err != nil {
		// The record is still useful without a vector; it can be backfilled.
		logCtx.Warn("Failed to embed transcript, storing without embedding", "error", err)
		embedding = nil
	}

	rec := NewRecord(doc, text, analysis, embedding, e.now())
	recordID, err := e.store.Insert(ctx, rec)
	if errors.Is(err, ErrDuplicate) {
		logCtx.Info("Record was inserted concurrently, skipping.")
		return docResult{outcome: OutcomeSkipped, reason: ReasonDuplicate, known: true}
	}
	if err != nil {
		logCtx.Error("Failed to insert record", "error", fmt.Errorf("%w: %w", ErrPersistence, err))
		return docResult{outcome: OutcomeError, reason: ReasonInsert}
	}

	title := DescriptiveTitle(analysis, doc)
	if title != "" && title != doc.Name {
		if err := e.docs.Rename(ctx, doc.ID, title); err != nil {
			logCtx.Warn("Failed to rename document", "title", title, "error", err)
			title = ""
		}
	} else {
		title = ""
	}

	logCtx.Info("Imported transcript.", "recordId", recordID)
	return docResult{outcome: OutcomeImported, recordID: recordID, title: title}
}

// isImported checks the Drive file id first, then falls back to the file
// name for records created before ids were tracked.
func (e *Engine) isImported(ctx context.Context, doc models.RemoteDocument) (bool, error) {
	found, err := e.store.FindByDriveFileID(ctx, doc.ID)
	if err != nil {
		return false, fmt.Errorf("%w: lookup by drive file id: %w", ErrPersistence, err)
	}
	if found {
		return true, nil
	}
	found, err = e.store.FindByFileName(ctx, doc.Name)
	if err != nil {
		return false, fmt.Errorf("%w: lookup by file name: %w", ErrPersistence, err)
	}
	return found, nil
}

// NewRecord builds the record persisted for an imported document.
func NewRecord(doc models.RemoteDocument, text string, a models.TranscriptAnalysis, embedding []float32, now time.Time) *models.ImportRecord {
	return &models.ImportRecord{
		Transcript:         text,
		TranscriptFileName: doc.Name,
		DriveFileID:        doc.ID,
		CandidateName:      a.CandidateName,
		Interviewer:        a.Interviewer,
		MeetingTitle:       a.MeetingTitle,
		MeetingType:        a.MeetingType,
		MeetingDate:        a.MeetingDate,
		Summary:            a.Summary,
		Embedding:          embedding,
		Source:             models.SourceDrive,
		CreatedAt:          now,
	}
}
