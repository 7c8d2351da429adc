package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

const testDigest = "ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"

func sampleArtifacts() Artifacts {
	return Artifacts{
		Markdown: "# Report\n\nBody",
		Detail:   json.RawMessage(`[{"type":"paragraph","text":"Body"}]`),
		Pages:    json.RawMessage(`[{"page_id":1}]`),
		Workbook: []byte("PK-xlsx"),
	}
}

func TestDirIsDeterministic(t *testing.T) {
	a, err := Dir(testDigest, "attempt-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	b, _ := Dir(testDigest, "attempt-1")
	if a != b {
		t.Errorf("Expected identical paths, got %q and %q", a, b)
	}
	want := filepath.Join("ab12", testDigest, "attempt-1")
	if a != want {
		t.Errorf("Expected %q, got %q", want, a)
	}
	if c, _ := Dir(testDigest, "attempt-2"); c == a {
		t.Error("Expected distinct attempts to get distinct paths")
	}
}

func TestDirRejectsBadInput(t *testing.T) {
	tests := []struct{ digest, attempt string }{
		{"abc", "a"},
		{testDigest, ""},
		{testDigest, "../x"},
		{"../" + testDigest, "a"},
	}
	for _, tt := range tests {
		if _, err := Dir(tt.digest, tt.attempt); err == nil {
			t.Errorf("Dir(%q, %q): expected error", tt.digest, tt.attempt)
		}
	}
}

func TestWriteLayout(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, nil)

	paths, err := s.Write(testDigest, "attempt-1", sampleArtifacts())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	dir := filepath.Join("ab12", testDigest, "attempt-1")
	if paths.Markdown != filepath.Join(dir, MarkdownFile) ||
		paths.Detail != filepath.Join(dir, DetailFile) ||
		paths.Pages != filepath.Join(dir, PagesFile) ||
		paths.Workbook != filepath.Join(dir, WorkbookFile) {
		t.Errorf("Unexpected paths: %+v", paths)
	}

	md, err := os.ReadFile(s.Abs(paths.Markdown))
	if err != nil {
		t.Fatalf("failed to read markdown: %v", err)
	}
	if string(md) != "# Report\n\nBody" {
		t.Errorf("Unexpected markdown %q", md)
	}
	detail, _ := os.ReadFile(s.Abs(paths.Detail))
	var parsed []map[string]any
	if err := json.Unmarshal(detail, &parsed); err != nil || len(parsed) != 1 {
		t.Errorf("Expected valid detail JSON, got %q (%v)", detail, err)
	}

	entries, _ := os.ReadDir(filepath.Join(root, "ab12", testDigest))
	if len(entries) != 1 {
		t.Errorf("Expected only the attempt directory, got %d entries", len(entries))
	}
}

func TestWriteWithoutWorkbook(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	a := sampleArtifacts()
	a.Workbook = nil

	paths, err := s.Write(testDigest, "attempt-1", a)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if paths.Workbook != "" {
		t.Errorf("Expected no workbook path, got %q", paths.Workbook)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(s.Abs(paths.Markdown)), WorkbookFile)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected no workbook file, got %v", err)
	}
}

func TestWriteIsIdempotent(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	first, err := s.Write(testDigest, "attempt-1", sampleArtifacts())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	second := sampleArtifacts()
	second.Markdown = "# Report v2"
	second.Workbook = nil
	paths, err := s.Write(testDigest, "attempt-1", second)
	if err != nil {
		t.Fatalf("Unexpected error on rewrite: %v", err)
	}
	if paths.Markdown != first.Markdown {
		t.Errorf("Expected same markdown path, got %q and %q", first.Markdown, paths.Markdown)
	}

	md, _ := os.ReadFile(s.Abs(paths.Markdown))
	if string(md) != "# Report v2" {
		t.Errorf("Expected rewritten markdown, got %q", md)
	}
	if _, err := os.Stat(s.Abs(first.Workbook)); !errors.Is(err, os.ErrNotExist) {
		t.Error("Expected stale workbook to be replaced")
	}
}

func TestWriteFailureLeavesNothing(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, nil)
	a := sampleArtifacts()
	a.Pages = json.RawMessage(`{not json`)

	if _, err := s.Write(testDigest, "attempt-1", a); err == nil {
		t.Fatal("Expected error for invalid pages JSON")
	}
	entries, err := os.ReadDir(filepath.Join(root, "ab12", testDigest))
	if err != nil {
		t.Fatalf("failed to read parent: %v", err)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("Expected no leftovers, got %v", names)
	}
}

func TestWriteStripsWatermarks(t *testing.T) {
	s := NewStore(t.TempDir(), NewCleaner())
	a := sampleArtifacts()
	a.Markdown = "# Title\n扫一扫关注\nReal content"

	paths, err := s.Write(testDigest, "attempt-1", a)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	md, _ := os.ReadFile(s.Abs(paths.Markdown))
	if strings.Contains(string(md), "扫一扫") || !strings.Contains(string(md), "Real content") {
		t.Errorf("Unexpected cleaned markdown %q", md)
	}
}

func TestWriteFileAndRemove(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	if _, err := s.Write(testDigest, "attempt-1", sampleArtifacts()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	rel, err := s.WriteFile(testDigest, "attempt-1", MetadataFile, []byte(`{"title":"x"}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if filepath.Base(rel) != MetadataFile {
		t.Errorf("Unexpected path %q", rel)
	}

	files, err := s.Files(testDigest, "attempt-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(files) != 5 {
		t.Errorf("Expected 5 files, got %v", files)
	}

	if err := s.Remove(testDigest, "attempt-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := s.Files(testDigest, "attempt-1"); err == nil {
		t.Error("Expected listing a removed attempt to fail")
	}
	if err := s.Remove(testDigest, "attempt-1"); err != nil {
		t.Errorf("Expected removing twice to succeed, got %v", err)
	}
}

type memMirror struct {
	objects map[string][]byte
	types   map[string]string
}

func (m *memMirror) Put(_ context.Context, object string, r io.Reader, size int64, contentType string) error {
	if _, ok := m.objects[object]; ok {
		return nil
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	if int64(buf.Len()) != size {
		return errors.New("size mismatch")
	}
	m.objects[object] = buf.Bytes()
	m.types[object] = contentType
	return nil
}

func TestMirrorAttempt(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	if _, err := s.Write(testDigest, "attempt-1", sampleArtifacts()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	m := &memMirror{objects: map[string][]byte{}, types: map[string]string{}}
	n, err := s.MirrorAttempt(context.Background(), m, "parsed", testDigest, "attempt-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if n != 4 {
		t.Errorf("Expected 4 mirrored files, got %d", n)
	}

	var keys []string
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	want := "parsed/ab12/" + testDigest + "/attempt-1/output.md"
	found := false
	for _, k := range keys {
		if k == want {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected object %q, got %v", want, keys)
	}
	if m.types[want] != "text/markdown; charset=utf-8" {
		t.Errorf("Unexpected content type %q", m.types[want])
	}
}
