package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Lllllllleong/transcriptflow/internal/models"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// GoogleDocMimeType is the mime type of native Google Docs.
	GoogleDocMimeType = "application/vnd.google-apps.document"
	// FolderMimeType is the mime type of Drive folders.
	FolderMimeType = "application/vnd.google-apps.folder"

	listFields       = "nextPageToken, files(id, name, mimeType, createdTime, modifiedTime)"
	maxExportBytes   = 10 << 20
	exportMaxRetries = 3
)

// DriveClient wraps the Drive v3 API calls the importer needs.
type DriveClient struct {
	svc *drive.Service
}

// NewDriveClient creates a Drive client with full Drive scope (rename needs write access).
func NewDriveClient(ctx context.Context, opts ...option.ClientOption) (*DriveClient, error) {
	opts = append([]option.ClientOption{option.WithScopes(drive.DriveScope)}, opts...)
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Drive service: %w", err)
	}
	return &DriveClient{svc: svc}, nil
}

// ListFiles fetches a single page of files matching q.
func (c *DriveClient) ListFiles(ctx context.Context, q models.FileQuery) (models.FilePage, error) {
	call := c.svc.Files.List().
		Q(q.Query).
		Fields(listFields).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx)
	if q.OrderBy != "" {
		call = call.OrderBy(q.OrderBy)
	}
	if q.PageSize > 0 {
		call = call.PageSize(q.PageSize)
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}

	res, err := call.Do()
	if err != nil {
		return models.FilePage{}, fmt.Errorf("drive files.list: %w", err)
	}

	page := models.FilePage{NextPageToken: res.NextPageToken}
	for _, f := range res.Files {
		page.Files = append(page.Files, models.RemoteDocument{
			ID:           f.Id,
			Name:         f.Name,
			MimeType:     f.MimeType,
			CreatedTime:  parseDriveTime(f.CreatedTime),
			ModifiedTime: parseDriveTime(f.ModifiedTime),
		})
	}
	return page, nil
}

// ExportText exports a Google Doc as plain text. Rate-limit and server errors
// are retried with a doubling backoff.
func (c *DriveClient) ExportText(ctx context.Context, fileID string) (string, error) {
	backoff := 1 * time.Second
	var lastErr error

	for i := 0; i < exportMaxRetries; i++ {
		text, err := c.exportOnce(ctx, fileID)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable(err) {
			return "", err
		}
		slog.Warn(
			"Export failed, will retry.",
			"driveFileId", fileID,
			"attempt", i+1,
			"maxRetries", exportMaxRetries,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("export of %s failed after all retries: %w", fileID, lastErr)
}

func (c *DriveClient) exportOnce(ctx context.Context, fileID string) (string, error) {
	resp, err := c.svc.Files.Export(fileID, "text/plain").Context(ctx).Download()
	if err != nil {
		return "", fmt.Errorf("drive files.export: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxExportBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read export body: %w", err)
	}
	return strings.TrimPrefix(string(data), "\ufeff"), nil
}

// Rename sets a new display name on a file.
func (c *DriveClient) Rename(ctx context.Context, fileID, name string) error {
	_, err := c.svc.Files.Update(fileID, &drive.File{Name: name}).
		SupportsAllDrives(true).
		Fields("id, name").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("drive files.update: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError
}

func parseDriveTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
