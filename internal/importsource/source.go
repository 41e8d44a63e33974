// Package importsource enumerates transcript documents under a Drive folder.
package importsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Lllllllleong/transcriptflow/internal/gcp"
	"github.com/Lllllllleong/transcriptflow/internal/models"
	"golang.org/x/sync/errgroup"
)

// ErrRemoteListing marks a failure to enumerate the remote folder. It is
// fatal to a sync run.
var ErrRemoteListing = errors.New("remote listing failed")

const (
	DefaultMaxDepth = 2
	defaultPageSize = 100
	// Drive rejects very long queries, so parents are OR-ed in groups.
	parentsPerQuery  = 20
	folderListLimit  = 4
	driveTimeFormat  = "2006-01-02T15:04:05"
	newestFirstOrder = "modifiedTime desc"
)

// Lister fetches one page of a Drive listing.
type Lister interface {
	ListFiles(ctx context.Context, q models.FileQuery) (models.FilePage, error)
}

// ListOptions narrows a document listing.
type ListOptions struct {
	// ModifiedAfter restricts to documents modified strictly after it.
	ModifiedAfter time.Time
	// NewestFirst orders by modified time, descending.
	NewestFirst bool
	// Limit caps the number of documents returned. Zero means no cap.
	Limit int
}

// Source enumerates documents with bounded folder recursion.
type Source struct {
	lister   Lister
	maxDepth int
	pageSize int64
}

// New creates a Source. maxDepth <= 0 uses DefaultMaxDepth.
func New(lister Lister, maxDepth int) *Source {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Source{lister: lister, maxDepth: maxDepth, pageSize: defaultPageSize}
}

// Enumerate expands rootID into its folder tree and lists the documents in it.
func (s *Source) Enumerate(ctx context.Context, rootID string, opts ListOptions, onPage func(found int)) ([]models.RemoteDocument, error) {
	folders, err := s.ExpandFolders(ctx, rootID)
	if err != nil {
		return nil, err
	}
	return s.ListDocuments(ctx, folders, opts, onPage)
}

// ExpandFolders returns rootID followed by its subfolders, breadth-first, down
// to the configured depth.
func (s *Source) ExpandFolders(ctx context.Context, rootID string) ([]string, error) {
	all := []string{rootID}
	seen := map[string]bool{rootID: true}
	level := []string{rootID}

	for depth := 1; depth <= s.maxDepth && len(level) > 0; depth++ {
		children, err := s.listChildFolders(ctx, level)
		if err != nil {
			return nil, err
		}
		var next []string
		for _, id := range children {
			if seen[id] {
				continue
			}
			seen[id] = true
			next = append(next, id)
		}
		slog.Debug("Expanded folder level.", "rootFolderId", rootID, "depth", depth, "folders", len(next))
		all = append(all, next...)
		level = next
	}
	return all, nil
}

func (s *Source) listChildFolders(ctx context.Context, parents []string) ([]string, error) {
	groups := chunk(parents, parentsPerQuery)
	results := make([][]string, len(groups))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(folderListLimit)
	for i, group := range groups {
		eg.Go(func() error {
			q := fmt.Sprintf("(%s) and mimeType = '%s' and trashed = false", parentsClause(group), gcp.FolderMimeType)
			docs, err := s.listAll(gctx, models.FileQuery{Query: q, PageSize: s.pageSize}, 0, nil)
			if err != nil {
				return err
			}
			for _, d := range docs {
				results[i] = append(results[i], d.ID)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var ids []string
	for _, r := range results {
		ids = append(ids, r...)
	}
	return ids, nil
}

// ListDocuments lists Google Docs directly inside any of folderIDs, following
// page tokens until exhausted (or until opts.Limit is reached). onPage, if
// set, receives the running count after every page.
func (s *Source) ListDocuments(ctx context.Context, folderIDs []string, opts ListOptions, onPage func(found int)) ([]models.RemoteDocument, error) {
	found := 0
	report := func(n int) {
		found += n
		if onPage != nil {
			onPage(found)
		}
	}

	var docs []models.RemoteDocument
	seen := make(map[string]bool)
	for _, group := range chunk(folderIDs, parentsPerQuery) {
		q := models.FileQuery{Query: documentQuery(group, opts.ModifiedAfter), PageSize: s.pageSize}
		if opts.NewestFirst {
			q.OrderBy = newestFirstOrder
		}
		if opts.Limit > 0 && int64(opts.Limit) < q.PageSize {
			q.PageSize = int64(opts.Limit)
		}

		page, err := s.listAll(ctx, q, opts.Limit, report)
		if err != nil {
			return nil, err
		}
		for _, d := range page {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			docs = append(docs, d)
		}
	}

	if opts.NewestFirst {
		sort.SliceStable(docs, func(i, j int) bool { return docs[i].ModifiedTime.After(docs[j].ModifiedTime) })
	}
	if opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	return docs, nil
}

// listAll follows page tokens until none remain or limit documents were read.
func (s *Source) listAll(ctx context.Context, q models.FileQuery, limit int, report func(int)) ([]models.RemoteDocument, error) {
	var out []models.RemoteDocument
	for {
		page, err := s.lister.ListFiles(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRemoteListing, err)
		}
		out = append(out, page.Files...)
		if report != nil {
			report(len(page.Files))
		}
		if page.NextPageToken == "" || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
		q.PageToken = page.NextPageToken
	}
}

func documentQuery(parents []string, modifiedAfter time.Time) string {
	q := fmt.Sprintf("(%s) and mimeType = '%s' and trashed = false", parentsClause(parents), gcp.GoogleDocMimeType)
	if !modifiedAfter.IsZero() {
		q += fmt.Sprintf(" and modifiedTime > '%s'", modifiedAfter.UTC().Format(driveTimeFormat))
	}
	return q
}

func parentsClause(ids []string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("'%s' in parents", escapeQuery(id))
	}
	return strings.Join(parts, " or ")
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
