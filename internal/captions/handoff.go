package captions

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/transcriptflow/internal/gcp"
	"github.com/Lllllllleong/transcriptflow/internal/models"
)

// HandoffPrefix is the object prefix the caption-ingest function listens on.
const HandoffPrefix = "captions/"

// BucketHandoff delivers transcripts as JSON objects in a Cloud Storage
// bucket. A finalize event on that bucket starts ingestion.
type BucketHandoff struct {
	bucket *storage.BucketHandle
}

func NewBucketHandoff(bucket *storage.BucketHandle) *BucketHandoff {
	return &BucketHandoff{bucket: bucket}
}

// Deliver writes the handoff once. Re-delivering the same session is a no-op.
func (b *BucketHandoff) Deliver(ctx context.Context, h models.CaptionHandoff) error {
	payload, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal caption handoff: %w", err)
	}
	return gcp.SaveToGCSAtomically(ctx, b.bucket, HandoffObjectName(h), string(payload))
}

// HandoffObjectName returns the object name for a session's handoff.
func HandoffObjectName(h models.CaptionHandoff) string {
	return fmt.Sprintf("%s%s/%s.json", HandoffPrefix, h.StartedAt.UTC().Format("2006-01-02"), h.SessionID)
}
