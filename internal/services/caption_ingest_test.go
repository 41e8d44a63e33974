package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Lllllllleong/transcriptflow/internal/gcp"
	"github.com/Lllllllleong/transcriptflow/internal/importer"
	"github.com/Lllllllleong/transcriptflow/internal/models"
)

type fakeInserter struct {
	records map[string]*models.ImportRecord
	err     error
}

func (f *fakeInserter) Insert(_ context.Context, rec *models.ImportRecord) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if _, ok := f.records[rec.ID]; ok {
		return "", fmt.Errorf("insert %s: %w", rec.ID, gcp.ErrAlreadyExists)
	}
	f.records[rec.ID] = rec
	return rec.ID, nil
}

func (f *fakeInserter) AnalysisExecution(_ context.Context, id string) (string, error) {
	rec, ok := f.records[id]
	if !ok {
		return "", errors.New("record not found")
	}
	return rec.AnalysisExecution, nil
}

func (f *fakeInserter) SetAnalysisExecution(_ context.Context, id, execution string) error {
	rec, ok := f.records[id]
	if !ok {
		return errors.New("record not found")
	}
	rec.AnalysisExecution = execution
	return nil
}

type fakeWorkflow struct {
	args []any
	err  error
}

func (f *fakeWorkflow) Trigger(_ context.Context, args any) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.args = append(f.args, args)
	return fmt.Sprintf("executions/%d", len(f.args)), nil
}

type stubSummarizer struct{ err error }

func (s stubSummarizer) Summarize(context.Context, string, string) (models.TranscriptAnalysis, error) {
	if s.err != nil {
		return models.TranscriptAnalysis{}, s.err
	}
	return models.TranscriptAnalysis{CandidateName: "Ana Ruiz", MeetingType: "screening", Summary: "Intro call."}, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 2}, nil
}

var sessionStart = time.Date(2025, 7, 3, 15, 0, 0, 0, time.UTC)

func newIngest(t *testing.T, objects map[string]models.CaptionHandoff) (*CaptionIngestFunction, *fakeInserter, *fakeWorkflow) {
	t.Helper()
	store := &fakeInserter{records: map[string]*models.ImportRecord{}}
	workflow := &fakeWorkflow{}
	f := &CaptionIngestFunction{
		read: func(_ context.Context, _, object string) ([]byte, error) {
			h, ok := objects[object]
			if !ok {
				return nil, errors.New("object not found")
			}
			return json.Marshal(h)
		},
		store:      store,
		summarizer: stubSummarizer{},
		embedder:   stubEmbedder{},
		workflow:   workflow,
		now:        func() time.Time { return sessionStart.Add(time.Hour) },
	}
	return f, store, workflow
}

const captionText = "[15:00:01] Sam Lee: Thanks for joining today.\n[15:00:09] Ana Ruiz: Happy to be here and talk about the role."

func TestCaptionIngestCreatesRecordAndStartsWorkflow(t *testing.T) {
	name := "captions/2025-07-03/s1.json"
	f, store, workflow := newIngest(t, map[string]models.CaptionHandoff{
		name: {SessionID: "s1", Title: "Weekly sync", Participants: []string{"Sam Lee"}, Transcript: captionText, StartedAt: sessionStart},
	})

	if err := f.Process(context.Background(), GCSEvent{Bucket: "captions", Name: name}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	rec := store.records[CaptionRecordID("s1")]
	if rec == nil {
		t.Fatal("record was not inserted")
	}
	if rec.Source != models.SourceCaptions || rec.SessionID != "s1" || rec.MeetingDate != "2025-07-03" {
		t.Errorf("record = %+v", rec)
	}
	if strings.Join(rec.Participants, ",") != "Sam Lee,Ana Ruiz" {
		t.Errorf("participants = %v", rec.Participants)
	}
	if rec.MeetingTitle != "Weekly sync" {
		t.Errorf("meeting title = %q", rec.MeetingTitle)
	}
	if len(workflow.args) != 1 {
		t.Fatalf("workflow triggered %d times, want 1", len(workflow.args))
	}
	args := workflow.args[0].(map[string]any)
	if args["recordId"] != CaptionRecordID("s1") {
		t.Errorf("workflow args = %v", args)
	}
}

func TestCaptionIngestIsIdempotent(t *testing.T) {
	name := "captions/2025-07-03/s1.json"
	f, _, workflow := newIngest(t, map[string]models.CaptionHandoff{
		name: {SessionID: "s1", Transcript: captionText, StartedAt: sessionStart},
	})

	for i := 0; i < 2; i++ {
		if err := f.Process(context.Background(), GCSEvent{Bucket: "captions", Name: name}); err != nil {
			t.Fatalf("Process #%d: %v", i+1, err)
		}
	}
	if len(workflow.args) != 1 {
		t.Fatalf("workflow triggered %d times, want 1", len(workflow.args))
	}
}

func TestCaptionIngestRetryStartsFailedWorkflow(t *testing.T) {
	name := "captions/2025-07-03/s3.json"
	f, store, workflow := newIngest(t, map[string]models.CaptionHandoff{
		name: {SessionID: "s3", Transcript: captionText, StartedAt: sessionStart},
	})

	workflow.err = errors.New("workflows unavailable")
	if err := f.Process(context.Background(), GCSEvent{Bucket: "captions", Name: name}); err == nil {
		t.Fatal("a failed workflow start should be returned so the event is redelivered")
	}
	if store.records[CaptionRecordID("s3")] == nil {
		t.Fatal("record should already be stored after the first attempt")
	}

	workflow.err = nil
	if err := f.Process(context.Background(), GCSEvent{Bucket: "captions", Name: name}); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(workflow.args) != 1 {
		t.Fatalf("workflow started %d times, want 1", len(workflow.args))
	}
	if got := store.records[CaptionRecordID("s3")].AnalysisExecution; got != "executions/1" {
		t.Errorf("analysis execution = %q", got)
	}

	// A third delivery finds the analysis already started.
	if err := f.Process(context.Background(), GCSEvent{Bucket: "captions", Name: name}); err != nil {
		t.Fatalf("third delivery: %v", err)
	}
	if len(workflow.args) != 1 {
		t.Fatalf("workflow started %d times, want 1", len(workflow.args))
	}
}

func TestCaptionIngestSkips(t *testing.T) {
	f, store, workflow := newIngest(t, map[string]models.CaptionHandoff{
		"captions/2025-07-03/short.json": {SessionID: "short", Transcript: "hi there"},
	})

	for _, name := range []string{"uploads/report.pdf", "captions/2025-07-03/short.json"} {
		if err := f.Process(context.Background(), GCSEvent{Bucket: "captions", Name: name}); err != nil {
			t.Fatalf("Process(%s): %v", name, err)
		}
	}
	if len(store.records) != 0 || len(workflow.args) != 0 {
		t.Fatal("nothing should be ingested")
	}
}

func TestCaptionIngestFailures(t *testing.T) {
	name := "captions/2025-07-03/s2.json"
	handoff := models.CaptionHandoff{SessionID: "s2", Transcript: captionText, StartedAt: sessionStart}

	f, _, _ := newIngest(t, map[string]models.CaptionHandoff{name: handoff})
	f.summarizer = stubSummarizer{err: errors.New("quota exceeded")}
	if err := f.Process(context.Background(), GCSEvent{Name: name}); !errors.Is(err, importer.ErrSummarize) {
		t.Errorf("summarizer failure: err = %v", err)
	}

	f, store, _ := newIngest(t, map[string]models.CaptionHandoff{name: handoff})
	store.err = errors.New("unavailable")
	if err := f.Process(context.Background(), GCSEvent{Name: name}); !errors.Is(err, importer.ErrPersistence) {
		t.Errorf("insert failure: err = %v", err)
	}

	f, _, _ = newIngest(t, nil)
	if err := f.Process(context.Background(), GCSEvent{Name: name}); err == nil {
		t.Error("read failure should be returned so the event is retried")
	}
}

func TestMergeParticipants(t *testing.T) {
	got := mergeParticipants([]string{"Sam Lee", " ", "ana ruiz"}, []string{"Ana Ruiz", "Kim"})
	if strings.Join(got, ",") != "Sam Lee,ana ruiz,Kim" {
		t.Fatalf("participants = %v", got)
	}
}
