package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/Lllllllleong/transcriptflow/internal/gcp"
	"github.com/Lllllllleong/transcriptflow/internal/importer"
	"github.com/Lllllllleong/transcriptflow/internal/importsource"
	"github.com/Lllllllleong/transcriptflow/internal/progress"
	"github.com/go-playground/validator/v10"
)

// SyncRunner runs one import over a folder and streams its progress.
type SyncRunner interface {
	Run(ctx context.Context, req importer.Request, stream *progress.Stream) (progress.Summary, error)
}

// SyncConfig holds the configuration shared by the functions that run the
// import engine.
type SyncConfig struct {
	ProjectID         string
	VertexAIRegion    string
	RecordsCollection string
	CursorsCollection string
	SummaryModel      string
	EmbeddingModel    string
	MaxFolderDepth    int
}

func loadSyncConfig() (SyncConfig, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return SyncConfig{}, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	depth, err := strconv.Atoi(gcp.GetEnv("MAX_FOLDER_DEPTH", strconv.Itoa(importsource.DefaultMaxDepth)))
	if err != nil {
		return SyncConfig{}, fmt.Errorf("MAX_FOLDER_DEPTH must be an integer: %w", err)
	}
	return SyncConfig{
		ProjectID:         projectID,
		VertexAIRegion:    gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		RecordsCollection: gcp.GetEnv("TRANSCRIPTS_COLLECTION", "transcripts"),
		CursorsCollection: gcp.GetEnv("CURSORS_COLLECTION", "sync_cursors"),
		SummaryModel:      gcp.GetEnv("SUMMARY_MODEL", gcp.DefaultSummaryModel),
		EmbeddingModel:    gcp.GetEnv("EMBEDDING_MODEL", gcp.DefaultEmbeddingModel),
		MaxFolderDepth:    depth,
	}, nil
}

// newSyncEngine wires the import engine to Drive, Firestore and Vertex AI.
func newSyncEngine(ctx context.Context, config SyncConfig) (*importer.Engine, error) {
	driveClient, err := gcp.NewDriveClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive client: %w", err)
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

	store := gcp.NewRecordStore(firestoreClient, config.RecordsCollection, config.CursorsCollection)
	source := importsource.New(driveClient, config.MaxFolderDepth)
	engine := importer.New(source, driveClient, store, vertexClient, embeddingClient, importer.Config{})

	slog.Info("Import engine initialized.", "recordsCollection", config.RecordsCollection, "maxFolderDepth", config.MaxFolderDepth)
	return engine, nil
}

var folderIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

// newValidator returns a validator that knows the "folderid" tag.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("folderid", func(fl validator.FieldLevel) bool {
		return folderIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// describeValidation turns validator errors into a short client-facing message.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "folderid":
		return fmt.Sprintf("%s must be 1-100 letters, digits, '-' or '_'", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// modeOrDefault maps an empty mode to fast.
func modeOrDefault(mode string) importer.Mode {
	if mode == "" {
		return importer.ModeFast
	}
	return importer.Mode(mode)
}
