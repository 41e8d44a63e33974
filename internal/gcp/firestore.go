package gcp

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/transcriptflow/internal/models"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrAlreadyExists is returned by RecordStore.Insert when the record's
// document id is taken.
var ErrAlreadyExists = errors.New("record already exists")

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// RecordStore keeps transcript records and per-user sync cursors in Firestore.
type RecordStore struct {
	client  *firestore.Client
	records string
	cursors string
}

// NewRecordStore creates a RecordStore over the given collections.
func NewRecordStore(client *firestore.Client, recordsCollection, cursorsCollection string) *RecordStore {
	return &RecordStore{client: client, records: recordsCollection, cursors: cursorsCollection}
}

// FindByDriveFileID reports whether a record for the Drive file exists, either
// keyed by the file id or carrying it as a field.
func (s *RecordStore) FindByDriveFileID(ctx context.Context, driveFileID string) (bool, error) {
	_, err := s.client.Collection(s.records).Doc(driveFileID).Get(ctx)
	if err == nil {
		return true, nil
	}
	if status.Code(err) != codes.NotFound {
		return false, fmt.Errorf("failed to get record %s: %w", driveFileID, err)
	}
	return s.exists(ctx, s.client.Collection(s.records).Where("drive_file_id", "==", driveFileID))
}

// FindByFileName reports whether a record was imported from a file with this name.
func (s *RecordStore) FindByFileName(ctx context.Context, fileName string) (bool, error) {
	return s.exists(ctx, s.client.Collection(s.records).Where("transcript_file_name", "==", fileName))
}

func (s *RecordStore) exists(ctx context.Context, q firestore.Query) (bool, error) {
	iter := q.Limit(1).Documents(ctx)
	defer iter.Stop()
	_, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query records: %w", err)
	}
	return true, nil
}

// Insert creates rec and returns its document id. The id is rec.ID if set,
// else the Drive file id, so a second insert of the same source fails with
// ErrAlreadyExists instead of creating a duplicate.
func (s *RecordStore) Insert(ctx context.Context, rec *models.ImportRecord) (string, error) {
	coll := s.client.Collection(s.records)
	var ref *firestore.DocumentRef
	switch {
	case rec.ID != "":
		ref = coll.Doc(rec.ID)
	case rec.DriveFileID != "":
		ref = coll.Doc(rec.DriveFileID)
	default:
		ref = coll.NewDoc()
	}

	if _, err := ref.Create(ctx, rec); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return "", fmt.Errorf("insert %s: %w", ref.ID, ErrAlreadyExists)
		}
		return "", fmt.Errorf("failed to create record %s: %w", ref.ID, err)
	}
	rec.ID = ref.ID
	return ref.ID, nil
}

// AnalysisExecution returns the analysis workflow execution recorded on a
// record, or "" if none was started.
func (s *RecordStore) AnalysisExecution(ctx context.Context, recordID string) (string, error) {
	snap, err := s.client.Collection(s.records).Doc(recordID).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get record %s: %w", recordID, err)
	}
	var rec models.ImportRecord
	if err := snap.DataTo(&rec); err != nil {
		return "", fmt.Errorf("failed to decode record %s: %w", recordID, err)
	}
	return rec.AnalysisExecution, nil
}

// SetAnalysisExecution records the analysis workflow execution started for a record.
func (s *RecordStore) SetAnalysisExecution(ctx context.Context, recordID, execution string) error {
	_, err := s.client.Collection(s.records).Doc(recordID).Update(ctx, []firestore.Update{
		{Path: "analysis_execution", Value: execution},
	})
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", recordID, err)
	}
	return nil
}

// Cursor returns the user's sync cursor, or nil if they have never synced.
func (s *RecordStore) Cursor(ctx context.Context, userID string) (*models.SyncCursor, error) {
	snap, err := s.client.Collection(s.cursors).Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cursor for %s: %w", userID, err)
	}
	var c models.SyncCursor
	if err := snap.DataTo(&c); err != nil {
		return nil, fmt.Errorf("failed to decode sync cursor for %s: %w", userID, err)
	}
	return &c, nil
}

// SaveCursor overwrites the user's sync cursor.
func (s *RecordStore) SaveCursor(ctx context.Context, userID string, c models.SyncCursor) error {
	if _, err := s.client.Collection(s.cursors).Doc(userID).Set(ctx, c); err != nil {
		return fmt.Errorf("failed to save sync cursor for %s: %w", userID, err)
	}
	return nil
}
