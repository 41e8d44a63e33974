package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/transcriptflow/internal/importsource"
	"github.com/Lllllllleong/transcriptflow/internal/models"
	"github.com/Lllllllleong/transcriptflow/internal/progress"
)

var testNow = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

const longText = "Interviewer: Tell me about a system you designed. Candidate: I built a queue."

type fakeSource struct {
	docs []models.RemoteDocument
	err  error
	opts importsource.ListOptions
}

func (f *fakeSource) Enumerate(_ context.Context, _ string, opts importsource.ListOptions, onPage func(int)) ([]models.RemoteDocument, error) {
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	if onPage != nil {
		onPage(len(f.docs))
	}
	return f.docs, nil
}

type fakeDocs struct {
	mu        sync.Mutex
	texts     map[string]string
	exportErr map[string]error
	renameErr error
	exported  []string
	renamed   map[string]string
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{texts: map[string]string{}, exportErr: map[string]error{}, renamed: map[string]string{}}
}

func (f *fakeDocs) ExportText(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exported = append(f.exported, id)
	if err := f.exportErr[id]; err != nil {
		return "", err
	}
	if text, ok := f.texts[id]; ok {
		return text, nil
	}
	return longText, nil
}

func (f *fakeDocs) Rename(_ context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renameErr != nil {
		return f.renameErr
	}
	f.renamed[id] = name
	return nil
}

type memoryStore struct {
	mu        sync.Mutex
	records   map[string]*models.ImportRecord
	names     map[string]bool
	cursors   map[string]models.SyncCursor
	insertErr map[string]error
	lookups   int
	cursorErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		records:   map[string]*models.ImportRecord{},
		names:     map[string]bool{},
		cursors:   map[string]models.SyncCursor{},
		insertErr: map[string]error{},
	}
}

func (m *memoryStore) FindByDriveFileID(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	_, ok := m.records[id]
	return ok, nil
}

func (m *memoryStore) FindByFileName(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.names[name], nil
}

func (m *memoryStore) Insert(_ context.Context, rec *models.ImportRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.insertErr[rec.DriveFileID]; err != nil {
		return "", err
	}
	if _, ok := m.records[rec.DriveFileID]; ok {
		return "", fmt.Errorf("insert %s: %w", rec.DriveFileID, ErrDuplicate)
	}
	m.records[rec.DriveFileID] = rec
	m.names[rec.TranscriptFileName] = true
	return rec.DriveFileID, nil
}

func (m *memoryStore) Cursor(_ context.Context, userID string) (*models.SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursorErr != nil {
		return nil, m.cursorErr
	}
	c, ok := m.cursors[userID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *memoryStore) SaveCursor(_ context.Context, userID string, c models.SyncCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[userID] = c
	return nil
}

func (m *memoryStore) seed(doc models.RemoteDocument) {
	m.records[doc.ID] = &models.ImportRecord{DriveFileID: doc.ID, TranscriptFileName: doc.Name}
	m.names[doc.Name] = true
}

type fakeSummarizer struct{ err error }

func (f fakeSummarizer) Summarize(context.Context, string, string) (models.TranscriptAnalysis, error) {
	if f.err != nil {
		return models.TranscriptAnalysis{}, f.err
	}
	return models.TranscriptAnalysis{
		CandidateName: "Jane Doe",
		Interviewer:   "Sam Lee",
		MeetingType:   "technical interview",
		MeetingDate:   "2025-06-01",
		Summary:       "Discussed queue design.",
	}, nil
}

type fakeEmbedder struct{ err error }

func (f fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

// makeDocs returns n documents ordered newest first.
func makeDocs(n int) []models.RemoteDocument {
	docs := make([]models.RemoteDocument, n)
	for i := range docs {
		docs[i] = models.RemoteDocument{
			ID:           fmt.Sprintf("doc-%02d", i+1),
			Name:         fmt.Sprintf("Transcript %02d", i+1),
			ModifiedTime: testNow.Add(-time.Duration(i) * time.Hour),
		}
	}
	return docs
}

type harness struct {
	source *fakeSource
	docs   *fakeDocs
	store  *memoryStore
	engine *Engine
}

func newHarness(docs []models.RemoteDocument, cfg Config) *harness {
	h := &harness{
		source: &fakeSource{docs: docs},
		docs:   newFakeDocs(),
		store:  newMemoryStore(),
	}
	h.engine = New(h.source, h.docs, h.store, fakeSummarizer{}, fakeEmbedder{}, cfg)
	h.engine.now = func() time.Time { return testNow }
	return h
}

func (h *harness) run(t *testing.T, mode Mode) (progress.Summary, []progress.Event) {
	t.Helper()
	stream := progress.NewStream(1024)
	summary, err := h.engine.Run(context.Background(), Request{UserID: "u1", FolderID: "root", Mode: mode}, stream)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var events []progress.Event
	for e := range stream.Events() {
		events = append(events, e)
	}
	return summary, events
}

func assertOneTerminal(t *testing.T, events []progress.Event) progress.Event {
	t.Helper()
	terminals := 0
	for _, e := range events {
		if e.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", terminals)
	}
	last := events[len(events)-1]
	if !last.Terminal() {
		t.Fatalf("last event should be terminal, got %s", last.Type)
	}
	return last
}

func TestFastModeExitsEarlyOnKnownRun(t *testing.T) {
	docs := makeDocs(50)
	h := newHarness(docs, Config{FastLimit: 50})
	for _, d := range docs[10:] {
		h.store.seed(d)
	}

	summary, events := h.run(t, ModeFast)

	if summary.Imported != 10 {
		t.Errorf("imported = %d, want 10", summary.Imported)
	}
	if !summary.EarlyExit {
		t.Error("expected early exit")
	}
	if len(h.docs.exported) != 10 {
		t.Errorf("exported %d documents, want only the 10 new ones", len(h.docs.exported))
	}
	// Two batches of known documents reach the threshold; the rest are never inspected.
	if h.store.lookups != 20 {
		t.Errorf("dedup lookups = %d, want 20", h.store.lookups)
	}
	last := assertOneTerminal(t, events)
	if last.Type != progress.TypeComplete || last.Summary == nil || !last.Summary.EarlyExit {
		t.Fatalf("unexpected terminal event: %+v", last)
	}
}

func TestFullModeNeverExitsEarly(t *testing.T) {
	docs := makeDocs(30)
	h := newHarness(docs, Config{})
	for _, d := range docs[:25] {
		h.store.seed(d)
	}

	summary, _ := h.run(t, ModeFull)

	if summary.EarlyExit {
		t.Error("full mode must not exit early")
	}
	if summary.Imported != 5 || summary.Skipped != 25 {
		t.Errorf("summary = %+v", summary)
	}
	if h.source.opts != (importsource.ListOptions{}) {
		t.Errorf("full mode should list without filters, got %+v", h.source.opts)
	}
}

func TestRerunImportsNothing(t *testing.T) {
	h := newHarness(makeDocs(12), Config{})

	first, _ := h.run(t, ModeFull)
	if first.Imported != 12 {
		t.Fatalf("first run imported %d, want 12", first.Imported)
	}
	second, _ := h.run(t, ModeFull)
	if second.Imported != 0 || second.Skipped != 12 {
		t.Fatalf("second run = %+v, want everything skipped", second)
	}
	if len(h.store.records) != 12 {
		t.Fatalf("store holds %d records, want 12", len(h.store.records))
	}
}

func TestDedupFallsBackToFileName(t *testing.T) {
	docs := makeDocs(1)
	h := newHarness(docs, Config{})
	h.store.names[docs[0].Name] = true

	summary, _ := h.run(t, ModeFull)
	if summary.Skipped != 1 || len(h.docs.exported) != 0 {
		t.Fatalf("legacy record by file name should be skipped, summary = %+v", summary)
	}
}

func TestDocumentFailuresAreIsolated(t *testing.T) {
	docs := makeDocs(7)
	h := newHarness(docs, Config{})
	h.docs.exportErr["doc-03"] = errors.New("500 backend error")
	h.store.insertErr["doc-06"] = errors.New("deadline exceeded")

	summary, events := h.run(t, ModeFull)

	if summary.Imported != 5 || summary.Errors != 2 || summary.Failed {
		t.Fatalf("summary = %+v", summary)
	}
	reasons := map[string]string{}
	for _, e := range events {
		if e.Type == progress.TypeProgress && e.Outcome == string(OutcomeError) {
			reasons[e.FileName] = e.Reason
		}
	}
	if reasons["Transcript 03"] != ReasonExport || reasons["Transcript 06"] != ReasonInsert {
		t.Errorf("error reasons = %v", reasons)
	}
	assertOneTerminal(t, events)
}

func TestAllDocumentsFailingMarksRunFailed(t *testing.T) {
	docs := makeDocs(3)
	h := newHarness(docs, Config{})
	for _, d := range docs {
		h.docs.exportErr[d.ID] = errors.New("403 forbidden")
	}

	summary, events := h.run(t, ModeFull)
	if !summary.Failed || summary.Errors != 3 {
		t.Fatalf("summary = %+v", summary)
	}
	if last := assertOneTerminal(t, events); last.Type != progress.TypeComplete {
		t.Fatalf("terminal = %s, want complete with failed summary", last.Type)
	}
}

func TestShortContentIsSkipped(t *testing.T) {
	docs := makeDocs(2)
	h := newHarness(docs, Config{})
	h.docs.texts["doc-01"] = "   too short   "

	summary, events := h.run(t, ModeFull)
	if summary.Imported != 1 || summary.Skipped != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	for _, e := range events {
		if e.Type == progress.TypeProgress && e.FileName == "Transcript 01" && e.Reason != ReasonTooShort {
			t.Errorf("reason = %q, want %q", e.Reason, ReasonTooShort)
		}
	}
}

func TestConcurrentInsertIsSkipped(t *testing.T) {
	docs := makeDocs(1)
	h := newHarness(docs, Config{})
	h.store.insertErr["doc-01"] = fmt.Errorf("create: %w", ErrDuplicate)

	summary, _ := h.run(t, ModeFull)
	if summary.Skipped != 1 || summary.Errors != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestRenameFailureStillImports(t *testing.T) {
	docs := makeDocs(1)
	h := newHarness(docs, Config{})
	h.docs.renameErr = errors.New("insufficient permissions")

	summary, events := h.run(t, ModeFull)
	if summary.Imported != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	for _, e := range events {
		if e.Type == progress.TypeResult && e.Title != "" {
			t.Errorf("failed rename should not report a title, got %q", e.Title)
		}
	}
}

func TestImportedRecordIsRenamedAndReported(t *testing.T) {
	docs := makeDocs(1)
	h := newHarness(docs, Config{})

	_, events := h.run(t, ModeFull)

	want := "2025-06-01 Technical Interview - Jane Doe with Sam Lee"
	if got := h.docs.renamed["doc-01"]; got != want {
		t.Errorf("renamed to %q, want %q", got, want)
	}
	rec := h.store.records["doc-01"]
	if rec.Source != models.SourceDrive || len(rec.Embedding) != 3 || rec.CandidateName != "Jane Doe" {
		t.Errorf("record = %+v", rec)
	}
	var result *progress.Event
	for i := range events {
		if events[i].Type == progress.TypeResult {
			result = &events[i]
		}
	}
	if result == nil || result.RecordID != "doc-01" || result.Title != want {
		t.Fatalf("result event = %+v", result)
	}
}

func TestEmbeddingFailureStoresRecordWithoutVector(t *testing.T) {
	h := newHarness(makeDocs(1), Config{})
	h.engine.embedder = fakeEmbedder{err: errors.New("quota")}

	summary, _ := h.run(t, ModeFull)
	if summary.Imported != 1 || h.store.records["doc-01"].Embedding != nil {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestSummarizerFailureIsAnError(t *testing.T) {
	h := newHarness(makeDocs(1), Config{})
	h.engine.summarizer = fakeSummarizer{err: errors.New("model unavailable")}

	summary, _ := h.run(t, ModeFull)
	if summary.Errors != 1 || len(h.store.records) != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestCursorDrivesFastListingAndIsUpdated(t *testing.T) {
	h := newHarness(makeDocs(3), Config{})
	last := testNow.Add(-24 * time.Hour)
	h.store.cursors["u1"] = models.SyncCursor{LastPollTime: last}
	for _, d := range makeDocs(3) {
		h.store.seed(d)
	}

	h.run(t, ModeFast)

	want := importsource.ListOptions{ModifiedAfter: last.Add(-DefaultSafetySkew), NewestFirst: true, Limit: DefaultFastLimit}
	if h.source.opts != want {
		t.Errorf("list options = %+v, want %+v", h.source.opts, want)
	}
	// Nothing was imported, the cursor still moves.
	got := h.store.cursors["u1"]
	if !got.LastPollTime.Equal(testNow) || got.LastPollFileCount != 3 {
		t.Errorf("cursor = %+v", got)
	}
}

func TestFirstFastRunHasNoTimeFilter(t *testing.T) {
	h := newHarness(makeDocs(2), Config{})
	h.run(t, ModeFast)
	if !h.source.opts.ModifiedAfter.IsZero() || h.source.opts.Limit != DefaultFastLimit {
		t.Fatalf("list options = %+v", h.source.opts)
	}
}

func TestEnumerationFailureEndsWithErrorEvent(t *testing.T) {
	h := newHarness(nil, Config{})
	h.source.err = fmt.Errorf("%w: 401 unauthorized", importsource.ErrRemoteListing)

	stream := progress.NewStream(16)
	_, err := h.engine.Run(context.Background(), Request{UserID: "u1", FolderID: "root", Mode: ModeFast}, stream)
	if !errors.Is(err, importsource.ErrRemoteListing) {
		t.Fatalf("err = %v, want ErrRemoteListing", err)
	}
	var events []progress.Event
	for e := range stream.Events() {
		events = append(events, e)
	}
	last := assertOneTerminal(t, events)
	if last.Type != progress.TypeError || !strings.Contains(last.Message, "401") {
		t.Fatalf("terminal = %+v", last)
	}
	if _, ok := h.store.cursors["u1"]; ok {
		t.Error("cursor must not move when the folder could not be listed")
	}
}

func TestStopsWhenConsumerDisconnects(t *testing.T) {
	h := newHarness(makeDocs(20), Config{})
	stream := progress.NewStream(0)
	stream.Close()

	summary, err := h.engine.Run(context.Background(), Request{UserID: "u1", FolderID: "root", Mode: ModeFull}, stream)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.docs.exported) != 0 || summary.Imported != 0 {
		t.Fatalf("no batch should start after the consumer left, exported %d", len(h.docs.exported))
	}
}

func TestProgressTalliesAreMonotonic(t *testing.T) {
	h := newHarness(makeDocs(13), Config{})
	_, events := h.run(t, ModeFull)

	prev := 0
	count := 0
	for _, e := range events {
		if e.Type != progress.TypeProgress {
			continue
		}
		count++
		if e.Processed != prev+1 {
			t.Fatalf("processed jumped from %d to %d", prev, e.Processed)
		}
		if e.Imported+e.Skipped+e.Errors != e.Processed {
			t.Fatalf("tallies do not add up: %+v", *e.Tallies)
		}
		prev = e.Processed
	}
	if count != 13 {
		t.Fatalf("got %d progress events, want 13", count)
	}
	if events[0].Type != progress.TypeScanning {
		t.Errorf("first event = %s, want scanning", events[0].Type)
	}
}
