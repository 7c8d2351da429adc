package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Lllllllleong/docparser/internal/models"
)

const localPrefix = "local:"

// Local reads files straight off the filesystem.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (*Local) Kind() string          { return KindLocal }
func (*Local) Origin() models.Origin { return models.OriginLocal }

// LocalID returns the external identifier for a filesystem path.
func LocalID(path string) (string, error) {
	abs, err := filepath.Abs(strings.TrimPrefix(path, localPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	return localPrefix + abs, nil
}

// List returns the supported files directly inside dir, sorted by name.
func (l *Local) List(ctx context.Context, dir string) ([]FileInfo, error) {
	dir = strings.TrimPrefix(dir, localPrefix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var out []FileInfo
	for _, e := range entries {
		if e.IsDir() || MediaTypeByName(e.Name()) == "" {
			continue
		}
		info, err := l.Locate(ctx, filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Locate stats a path without opening it.
func (l *Local) Locate(_ context.Context, id string) (*FileInfo, error) {
	extID, err := LocalID(id)
	if err != nil {
		return nil, err
	}
	path := strings.TrimPrefix(extID, localPrefix)

	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, &TransferError{ID: extID, Err: err}
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}

	mediaType := MediaTypeByName(path)
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return &FileInfo{
		ID:        extID,
		Name:      filepath.Base(path),
		MediaType: mediaType,
		Size:      st.Size(),
		FolderID:  filepath.Dir(path),
		CreatedAt: st.ModTime(),
		LocalPath: path,
	}, nil
}

func (l *Local) Open(ctx context.Context, id string) (io.ReadCloser, *FileInfo, error) {
	info, err := l.Locate(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(info.LocalPath)
	if err != nil {
		return nil, nil, &TransferError{ID: info.ID, Err: err}
	}
	return f, info, nil
}
