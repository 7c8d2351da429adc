// Package source lists and fetches input documents from Google Drive,
// Cloud Storage or the local filesystem.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/Lllllllleong/docparser/internal/models"
)

// Source kinds.
const (
	KindDrive = "drive"
	KindGCS   = "gcs"
	KindLocal = "local"
)

// ErrNotFound is returned when a descriptor names no existing file.
var ErrNotFound = errors.New("source file not found")

// TransferError wraps a failure while fetching an existing file.
type TransferError struct {
	ID  string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("failed to transfer %s: %v", e.ID, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// SupportedMediaTypes are the document types the extraction service
// accepts.
var SupportedMediaTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/tiff":      true,
	"image/bmp":       true,
	"image/webp":      true,
}

var extMediaTypes = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".bmp":  "image/bmp",
	".webp": "image/webp",
}

// MediaTypeByName guesses a supported media type from a file extension.
// It returns "" for unsupported extensions.
func MediaTypeByName(name string) string {
	return extMediaTypes[strings.ToLower(filepath.Ext(name))]
}

// FileInfo describes one source file. ID is stable across runs and is
// used as the record's external identifier.
type FileInfo struct {
	ID        string
	Name      string
	MediaType string
	Size      int64
	FolderID  string
	CreatedAt time.Time
	LocalPath string
}

// Source is implemented by every backend.
type Source interface {
	Kind() string
	Origin() models.Origin
	List(ctx context.Context, folder string) ([]FileInfo, error)
	Open(ctx context.Context, id string) (io.ReadCloser, *FileInfo, error)
}

// Locator is implemented by sources whose files are already on local
// disk and need no transient copy.
type Locator interface {
	Locate(ctx context.Context, id string) (*FileInfo, error)
}
