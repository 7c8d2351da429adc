// Package records persists files, parse attempts and their elements.
package records

import (
	"context"
	"errors"
	"time"

	"github.com/Lllllllleong/docparser/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAttemptNotRunning is returned when finalizing an attempt that has
	// already reached a terminal status.
	ErrAttemptNotRunning = errors.New("attempt is not running")
)

// FileInput carries the fields UpsertFile writes.
type FileInput struct {
	ExternalID string
	Digest     string
	Origin     models.Origin
	SourceKind string
	Name       string
	MediaType  string
	SizeBytes  int64
	FolderID   string
	LocalPath  string
}

// Finalization is the terminal state written by FinalizeAttempt. Elements
// are only inserted for completed attempts.
type Finalization struct {
	Status         models.ParseStatus
	MarkdownPath   string
	DetailPath     string
	PagesPath      string
	WorkbookPath   string
	HasWorkbook    bool
	HasChart       bool
	PageCount      int
	ValidPageCount int
	SrcPageCount   int
	DurationMs     int64
	CallCount      int
	RequestID      string
	ErrorMessage   string
	CompletedAt    time.Time
	Elements       []models.ElementRecord
}

// Store is safe for concurrent use across distinct files.
type Store interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// UpsertFile creates or updates the record keyed by ExternalID. The
	// digest is replaced only when it differs; changed reports whether the
	// record is new or its digest was replaced.
	UpsertFile(ctx context.Context, in FileInput) (rec *models.FileRecord, changed bool, err error)
	GetFile(ctx context.Context, id string) (*models.FileRecord, error)
	GetFileByExternalID(ctx context.Context, externalID string) (*models.FileRecord, error)
	UpdateFileMetadata(ctx context.Context, fileID string, md models.DocumentMetadata) error
	DeleteFile(ctx context.Context, id string) error

	// HasCompletedParse returns the most recent completed attempt for the
	// file's current digest. It always reports false when reparse is set.
	HasCompletedParse(ctx context.Context, file *models.FileRecord, reparse bool) (*models.ParseAttempt, bool, error)
	CreateRunningAttempt(ctx context.Context, fileID, digest string, params models.ParameterSet) (*models.ParseAttempt, error)
	// FinalizeAttempt moves a running attempt to a terminal status and
	// inserts its elements in the same transaction.
	FinalizeAttempt(ctx context.Context, id string, f Finalization) error
	GetAttempt(ctx context.Context, id string) (*models.ParseAttempt, error)
	ListAttempts(ctx context.Context, fileID string) ([]models.ParseAttempt, error)
	ListElements(ctx context.Context, attemptID string) ([]models.ElementRecord, error)
	CountElements(ctx context.Context, attemptID string) (int64, error)

	Status(ctx context.Context) (*models.StatusReport, error)
}

func newAttempt(id, fileID, digest string, params models.ParameterSet, now time.Time) *models.ParseAttempt {
	return &models.ParseAttempt{
		ID:          id,
		FileID:      fileID,
		Digest:      digest,
		Status:      models.StatusRunning,
		ParseMode:   params["pdf_parse_mode"],
		ParseConfig: params.JSONMap(),
		StartedAt:   now,
		CreatedAt:   now,
	}
}

func metadataUpdates(md models.DocumentMetadata) map[string]any {
	out := map[string]any{}
	set := func(col, v string) {
		if v != "" {
			out[col] = v
		}
	}
	set("title", md.Title)
	set("broker", md.Broker)
	set("authors", md.Authors)
	set("market", md.Market)
	set("sector", md.Sector)
	set("document_type", md.DocumentType)
	set("target_company", md.TargetCompany)
	set("ticker_symbol", md.TickerSymbol)
	if md.PublishDate != nil {
		out["publish_date"] = *md.PublishDate
	}
	return out
}
