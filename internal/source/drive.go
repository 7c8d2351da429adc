package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"github.com/Lllllllleong/docparser/internal/models"
)

const driveFileFields = "id, name, mimeType, size, createdTime, parents"

// Drive lists and downloads files from Google Drive folders.
type Drive struct {
	svc *drive.Service
}

func NewDrive(svc *drive.Service) *Drive {
	return &Drive{svc: svc}
}

func (*Drive) Kind() string          { return KindDrive }
func (*Drive) Origin() models.Origin { return models.OriginRemote }

// List pages through every supported, non-trashed file in folderID.
func (d *Drive) List(ctx context.Context, folderID string) ([]FileInfo, error) {
	query := fmt.Sprintf("'%s' in parents and (%s) and trashed=false", escapeQuery(folderID), mimeFilter())

	var out []FileInfo
	err := d.svc.Files.List().
		Q(query).
		Fields(googleapi.Field("nextPageToken, files(" + driveFileFields + ")")).
		PageSize(100).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				out = append(out, driveInfo(f))
			}
			return nil
		})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: folder %s", ErrNotFound, folderID)
		}
		return nil, fmt.Errorf("failed to list drive folder %s: %w", folderID, err)
	}

	slog.Info("Listed drive folder.", "folderId", folderID, "files", len(out))
	return out, nil
}

// Open fetches a file's metadata and starts its download.
func (d *Drive) Open(ctx context.Context, id string) (io.ReadCloser, *FileInfo, error) {
	f, err := d.svc.Files.Get(id).Fields(googleapi.Field(driveFileFields)).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, nil, fmt.Errorf("%w: drive file %s", ErrNotFound, id)
		}
		return nil, nil, &TransferError{ID: id, Err: err}
	}
	info := driveInfo(f)

	resp, err := d.svc.Files.Get(id).Context(ctx).Download()
	if err != nil {
		if isNotFound(err) {
			return nil, nil, fmt.Errorf("%w: drive file %s", ErrNotFound, id)
		}
		return nil, nil, &TransferError{ID: id, Err: err}
	}
	return resp.Body, &info, nil
}

func driveInfo(f *drive.File) FileInfo {
	info := FileInfo{
		ID:        f.Id,
		Name:      f.Name,
		MediaType: f.MimeType,
		Size:      f.Size,
	}
	if len(f.Parents) > 0 {
		info.FolderID = f.Parents[0]
	}
	if t, err := time.Parse(time.RFC3339, f.CreatedTime); err == nil {
		info.CreatedAt = t
	}
	return info
}

func mimeFilter() string {
	types := make([]string, 0, len(SupportedMediaTypes))
	for m := range SupportedMediaTypes {
		types = append(types, m)
	}
	sort.Strings(types)
	parts := make([]string, len(types))
	for i, m := range types {
		parts[i] = fmt.Sprintf("mimeType='%s'", m)
	}
	return strings.Join(parts, " or ")
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
