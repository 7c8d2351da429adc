package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

func newTestDrive(t *testing.T, handler http.HandlerFunc) *Drive {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	svc, err := drive.NewService(context.Background(),
		option.WithEndpoint(server.URL+"/"),
		option.WithHTTPClient(server.Client()),
		option.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("failed to create drive service: %v", err)
	}
	return NewDrive(svc)
}

func TestDriveListPages(t *testing.T) {
	d := newTestDrive(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/files") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query().Get("q")
		if !strings.Contains(q, "'folder-1' in parents") || !strings.Contains(q, "trashed=false") {
			t.Errorf("Unexpected query %q", q)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"nextPageToken": "p2",
				"files":         []map[string]any{{"id": "f1", "name": "a.pdf", "mimeType": "application/pdf", "size": "10", "parents": []string{"folder-1"}}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"files": []map[string]any{{"id": "f2", "name": "b.png", "mimeType": "image/png", "size": "20", "createdTime": "2024-05-01T10:00:00Z"}},
		})
	})

	files, err := d.List(context.Background(), "folder-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("Expected 2 files across pages, got %+v", files)
	}
	if files[0].ID != "f1" || files[0].Size != 10 || files[0].FolderID != "folder-1" {
		t.Errorf("Unexpected first file %+v", files[0])
	}
	if files[1].CreatedAt.IsZero() {
		t.Error("Expected created time parsed")
	}
}

func TestDriveOpen(t *testing.T) {
	d := newTestDrive(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/files/missing"):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":404,"message":"File not found"}}`))
		case r.URL.Query().Get("alt") == "media":
			w.Write([]byte("%PDF-drive"))
		default:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"f1","name":"a.pdf","mimeType":"application/pdf","size":"10"}`))
		}
	})

	rc, info, err := d.Open(context.Background(), "f1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "%PDF-drive" || info.Name != "a.pdf" {
		t.Errorf("Unexpected download %q %+v", data, info)
	}

	if _, _, err := d.Open(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
