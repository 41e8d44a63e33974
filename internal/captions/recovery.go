package captions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Lllllllleong/transcriptflow/internal/models"
	_ "modernc.org/sqlite"
)

const recoverySchema = `
	CREATE TABLE IF NOT EXISTS partial_transcripts (
		sessionId TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		participants TEXT NOT NULL DEFAULT '[]',
		transcript TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		startedAt REAL NOT NULL,
		savedAt REAL NOT NULL
	);
`

// SQLiteRecoveryStore keeps partial transcripts in a local SQLite file so a
// later run can report them.
type SQLiteRecoveryStore struct {
	db *sql.DB
}

// OpenRecoveryStore opens (and creates if needed) the store at path.
func OpenRecoveryStore(path string) (*SQLiteRecoveryStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("open recovery store: %w", err)
	}
	if _, err := db.Exec(recoverySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create recovery schema: %w", err)
	}
	return &SQLiteRecoveryStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteRecoveryStore) Close() error {
	return s.db.Close()
}

// Save upserts the partial transcript for a session.
func (s *SQLiteRecoveryStore) Save(ctx context.Context, h models.CaptionHandoff) error {
	participants, err := json.Marshal(h.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO partial_transcripts (sessionId, title, participants, transcript, reason, startedAt, savedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sessionId) DO UPDATE SET
			title = excluded.title,
			participants = excluded.participants,
			transcript = excluded.transcript,
			reason = excluded.reason,
			savedAt = excluded.savedAt
	`, h.SessionID, h.Title, string(participants), h.Transcript, h.Reason,
		unixFromTime(h.StartedAt), unixFromTime(h.EndedAt))
	if err != nil {
		return fmt.Errorf("save partial transcript: %w", err)
	}
	return nil
}

// Pending returns saved partial transcripts, oldest first.
func (s *SQLiteRecoveryStore) Pending(ctx context.Context) ([]models.CaptionHandoff, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sessionId, title, participants, transcript, reason, startedAt, savedAt
		FROM partial_transcripts
		ORDER BY savedAt ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query partial transcripts: %w", err)
	}
	defer rows.Close()

	var out []models.CaptionHandoff
	for rows.Next() {
		var h models.CaptionHandoff
		var participants string
		var startedAt, savedAt float64
		if err := rows.Scan(&h.SessionID, &h.Title, &participants, &h.Transcript, &h.Reason, &startedAt, &savedAt); err != nil {
			return nil, fmt.Errorf("scan partial transcript: %w", err)
		}
		if err := json.Unmarshal([]byte(participants), &h.Participants); err != nil {
			return nil, fmt.Errorf("decode participants for %s: %w", h.SessionID, err)
		}
		h.StartedAt = timeFromUnix(startedAt)
		h.EndedAt = timeFromUnix(savedAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// Delete removes a session's entry. Deleting a missing entry is not an error.
func (s *SQLiteRecoveryStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM partial_transcripts WHERE sessionId = ?`, sessionID); err != nil {
		return fmt.Errorf("delete partial transcript: %w", err)
	}
	return nil
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeFromUnix(f float64) time.Time {
	return time.Unix(0, int64(f*float64(time.Second)))
}
