package models

import (
	"time"

	"cloud.google.com/go/firestore"
)

// RemoteDocument is a transcript document in the remote document store. Its
// identity belongs to the store; the pipeline only reads it.
type RemoteDocument struct {
	ID           string
	Name         string
	MimeType     string
	CreatedTime  time.Time
	ModifiedTime time.Time
}

// ImportRecord is the persisted transcript record in Firestore. Drive-sourced
// records use the Drive file id as their document id, caption records a
// session-derived id.
type ImportRecord struct {
	ID                 string             `firestore:"-"`
	Transcript         string             `firestore:"transcript"`
	TranscriptFileName string             `firestore:"transcript_file_name,omitempty"`
	DriveFileID        string             `firestore:"drive_file_id,omitempty"`
	CandidateName      string             `firestore:"candidate_name,omitempty"`
	Interviewer        string             `firestore:"interviewer,omitempty"`
	MeetingTitle       string             `firestore:"meeting_title,omitempty"`
	MeetingType        string             `firestore:"meeting_type,omitempty"`
	MeetingDate        string             `firestore:"meeting_date,omitempty"`
	Summary            string             `firestore:"summary,omitempty"`
	Participants       []string           `firestore:"participants,omitempty"`
	SessionID          string             `firestore:"session_id,omitempty"`
	Embedding          firestore.Vector32 `firestore:"embedding,omitempty"`
	Source             string             `firestore:"source,omitempty"`
	AnalysisExecution  string             `firestore:"analysis_execution,omitempty"`
	CreatedAt          time.Time          `firestore:"created_at,omitempty"`
}

// Record sources.
const (
	SourceDrive    = "drive"
	SourceCaptions = "captions"
)

// SyncCursor is the per-user bookkeeping for incremental sync.
type SyncCursor struct {
	LastPollTime      time.Time `firestore:"last_poll_time"`
	LastPollFileCount int       `firestore:"last_poll_file_count"`
	UpdatedAt         time.Time `firestore:"updated_at"`
}

// FileQuery is one page request against the remote document store.
type FileQuery struct {
	Query     string
	OrderBy   string
	PageSize  int64
	PageToken string
}

// FilePage is one page of a remote listing.
type FilePage struct {
	Files         []RemoteDocument
	NextPageToken string
}

// TranscriptAnalysis is what the summarization model extracts from a
// transcript.
type TranscriptAnalysis struct {
	CandidateName string `json:"candidate_name"`
	Interviewer   string `json:"interviewer"`
	MeetingTitle  string `json:"meeting_title"`
	MeetingType   string `json:"meeting_type"`
	MeetingDate   string `json:"meeting_date"`
	Summary       string `json:"summary"`
}
