package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Lllllllleong/docparser/internal/models"
)

// Descriptor names one file in one source.
type Descriptor struct {
	Kind string
	ID   string
}

func (d Descriptor) String() string { return d.Kind + ":" + d.ID }

// Resolved is a file available on local disk for the duration of one
// pipeline run. Release must be called exactly once the run is done; it is
// safe to call more than once.
type Resolved struct {
	Path   string
	Info   FileInfo
	Kind   string
	Origin models.Origin

	once    sync.Once
	release func()
}

// Release removes any transient copy. For local files it does nothing.
func (r *Resolved) Release() {
	r.once.Do(func() {
		if r.release != nil {
			r.release()
		}
	})
}

// Resolver turns descriptors into local files.
type Resolver struct {
	sources map[string]Source
	tempDir string
}

// NewResolver registers sources by kind. Remote files are downloaded into
// fresh directories under tempDir, or the system temp dir when empty.
func NewResolver(tempDir string, sources ...Source) *Resolver {
	r := &Resolver{sources: make(map[string]Source, len(sources)), tempDir: tempDir}
	for _, s := range sources {
		r.sources[s.Kind()] = s
	}
	return r
}

// Source returns the registered source for kind.
func (r *Resolver) Source(kind string) (Source, error) {
	s, ok := r.sources[kind]
	if !ok {
		return nil, fmt.Errorf("no source registered for kind %q", kind)
	}
	return s, nil
}

// Resolve makes d available on local disk. Errors are ErrNotFound or a
// *TransferError, possibly wrapped.
func (r *Resolver) Resolve(ctx context.Context, d Descriptor) (*Resolved, error) {
	src, err := r.Source(d.Kind)
	if err != nil {
		return nil, err
	}
	logCtx := slog.With("source", d.Kind, "sourceId", d.ID)

	if loc, ok := src.(Locator); ok {
		info, err := loc.Locate(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		logCtx.Debug("Using local file in place.", "path", info.LocalPath)
		return &Resolved{Path: info.LocalPath, Info: *info, Kind: src.Kind(), Origin: src.Origin()}, nil
	}

	rc, info, err := src.Open(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if r.tempDir != "" {
		if err := os.MkdirAll(r.tempDir, 0o755); err != nil {
			return nil, &TransferError{ID: d.ID, Err: fmt.Errorf("failed to create download directory: %w", err)}
		}
	}
	dir, err := os.MkdirTemp(r.tempDir, "docparser-*")
	if err != nil {
		return nil, &TransferError{ID: d.ID, Err: fmt.Errorf("failed to create temp dir: %w", err)}
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			logCtx.Warn("Failed to remove transient download.", "dir", dir, "error", err)
		}
	}

	dest := filepath.Join(dir, safeName(info.Name))
	if err := copyToFile(dest, rc); err != nil {
		cleanup()
		if ctx.Err() != nil {
			return nil, &TransferError{ID: d.ID, Err: errors.Join(err, ctx.Err())}
		}
		return nil, &TransferError{ID: d.ID, Err: err}
	}
	logCtx.Debug("Downloaded remote file.", "path", dest)

	info.LocalPath = dest
	return &Resolved{
		Path:    dest,
		Info:    *info,
		Kind:    src.Kind(),
		Origin:  src.Origin(),
		release: cleanup,
	}, nil
}

func copyToFile(dest string, r io.Reader) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to download: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dest, err)
	}
	return nil
}

func safeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "download"
	}
	return name
}
