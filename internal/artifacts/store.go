package artifacts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Artifact file names inside an attempt directory.
const (
	MarkdownFile = "output.md"
	DetailFile   = "detail.json"
	PagesFile    = "pages.json"
	WorkbookFile = "tables.xlsx"
	MetadataFile = "metadata.json"
)

// Artifacts are the payloads produced by one successful extraction.
// Workbook is optional.
type Artifacts struct {
	Markdown string
	Detail   json.RawMessage
	Pages    json.RawMessage
	Workbook []byte
}

// Paths are artifact locations relative to the store root. Workbook is
// empty when no workbook was written.
type Paths struct {
	Markdown string
	Detail   string
	Pages    string
	Workbook string
}

// Store writes artifacts under a content-addressed layout:
//
//	<root>/<digest[:4]>/<digest>/<attemptID>/{output.md, detail.json, pages.json, tables.xlsx}
type Store struct {
	root    string
	cleaner *Cleaner
}

// NewStore returns a store rooted at root. A nil cleaner leaves markdown
// untouched.
func NewStore(root string, cleaner *Cleaner) *Store {
	return &Store{root: root, cleaner: cleaner}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the attempt directory relative to the root.
func Dir(digest, attemptID string) (string, error) {
	if len(digest) < 4 || strings.ContainsAny(digest, `/\.`) {
		return "", fmt.Errorf("invalid digest %q", digest)
	}
	if attemptID == "" || strings.ContainsAny(attemptID, `/\`) || attemptID == "." || attemptID == ".." {
		return "", fmt.Errorf("invalid attempt id %q", attemptID)
	}
	return filepath.Join(digest[:4], digest, attemptID), nil
}

// Abs resolves a relative artifact path against the root.
func (s *Store) Abs(rel string) string {
	return filepath.Join(s.root, rel)
}

// Write stores all artifacts for (digest, attemptID). Either every file is
// in place when it returns nil, or none is. Writing the same pair again
// replaces the previous contents.
func (s *Store) Write(digest, attemptID string, a Artifacts) (Paths, error) {
	rel, err := Dir(digest, attemptID)
	if err != nil {
		return Paths{}, err
	}
	final := s.Abs(rel)
	parent := filepath.Dir(final)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return Paths{}, fmt.Errorf("failed to create artifact directory %s: %w", parent, err)
	}

	tmp, err := os.MkdirTemp(parent, "."+attemptID+".tmp-*")
	if err != nil {
		return Paths{}, fmt.Errorf("failed to create staging directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmp)
		}
	}()

	markdown := a.Markdown
	if s.cleaner != nil {
		markdown = s.cleaner.Clean(markdown)
	}

	detail, err := indentJSON(a.Detail)
	if err != nil {
		return Paths{}, fmt.Errorf("failed to encode %s: %w", DetailFile, err)
	}
	pages, err := indentJSON(a.Pages)
	if err != nil {
		return Paths{}, fmt.Errorf("failed to encode %s: %w", PagesFile, err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{MarkdownFile, []byte(markdown)},
		{DetailFile, detail},
		{PagesFile, pages},
	}
	if len(a.Workbook) > 0 {
		files = append(files, struct {
			name string
			data []byte
		}{WorkbookFile, a.Workbook})
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(tmp, f.name), f.data, 0o644); err != nil {
			return Paths{}, fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}

	if err := replaceDir(tmp, final); err != nil {
		return Paths{}, err
	}
	committed = true

	paths := Paths{
		Markdown: filepath.Join(rel, MarkdownFile),
		Detail:   filepath.Join(rel, DetailFile),
		Pages:    filepath.Join(rel, PagesFile),
	}
	if len(a.Workbook) > 0 {
		paths.Workbook = filepath.Join(rel, WorkbookFile)
	}
	return paths, nil
}

// WriteFile adds a single file to an existing attempt directory.
func (s *Store) WriteFile(digest, attemptID, name string, data []byte) (string, error) {
	rel, err := Dir(digest, attemptID)
	if err != nil {
		return "", err
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	dir := s.Abs(rel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return filepath.Join(rel, name), nil
}

// Files lists the artifact files of an attempt, relative to the root.
func (s *Store) Files(digest, attemptID string) ([]string, error) {
	rel, err := Dir(digest, attemptID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.Abs(rel))
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, filepath.Join(rel, e.Name()))
	}
	return out, nil
}

// Remove deletes an attempt directory. A missing directory is not an error.
func (s *Store) Remove(digest, attemptID string) error {
	rel, err := Dir(digest, attemptID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(s.Abs(rel)); err != nil {
		return fmt.Errorf("failed to remove artifacts: %w", err)
	}
	return nil
}

// replaceDir moves tmp to final, swapping out anything already there.
func replaceDir(tmp, final string) error {
	old := ""
	if _, err := os.Stat(final); err == nil {
		old = tmp + ".old"
		if err := os.Rename(final, old); err != nil {
			return fmt.Errorf("failed to move existing artifacts aside: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", final, err)
	}

	if err := os.Rename(tmp, final); err != nil {
		if old != "" {
			os.Rename(old, final)
		}
		return fmt.Errorf("failed to move artifacts into place: %w", err)
	}
	if old != "" {
		os.RemoveAll(old)
	}
	return nil
}

func indentJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("[]"), nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
