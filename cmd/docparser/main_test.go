package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Lllllllleong/docparser/internal/models"
	"github.com/Lllllllleong/docparser/internal/source"
)

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"pdf_dpi=216", " md_title = 0 ", "empty="})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got["pdf_dpi"] != "216" || got["md_title"] != "0" || got["empty"] != "" {
		t.Errorf("Unexpected params %v", got)
	}
	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("Expected an error for %q", bad)
		}
	}
	if got, _ := parseParams(nil); got != nil {
		t.Errorf("Expected nil for no params, got %v", got)
	}
}

func TestParseFlagsRequest(t *testing.T) {
	f := &parseFlags{force: true, parseMode: "scan", noExcel: true, params: []string{"pdf_dpi=72"}}
	req, err := f.request()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !req.Reparse || req.Overrides.ParseMode != "scan" || !req.Overrides.NoWorkbook || req.Overrides.NoChart {
		t.Errorf("Unexpected request %+v", req)
	}
	if req.Overrides.Extra["pdf_dpi"] != "72" {
		t.Errorf("Expected extra param, got %v", req.Overrides.Extra)
	}
}

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"init-db", "parse-folder", "parse-file", "parse-gcs", "parse-local", "list-files", "status", "serve"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Expected command %s, got %v (%v)", name, cmd, err)
		}
	}
	cmd, _, _ := root.Find([]string{"parse-local"})
	for _, flag := range []string{"force", "parse-mode", "no-excel", "no-chart", "param", "concurrency"} {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("Expected flag --%s on parse-local", flag)
		}
	}
}

func TestInitDBAndStatus(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(dir, "records.db"))

	for _, args := range [][]string{{"init-db"}, {"status"}} {
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(append(args, "--config", filepath.Join(dir, "missing.yaml")))
		if err := root.Execute(); err != nil {
			t.Fatalf("%s failed: %v", args[0], err)
		}
		if args[0] == "status" && !strings.Contains(out.String(), "Elements") {
			t.Errorf("Expected status output, got %q", out.String())
		}
	}
}

func TestPrintStatus(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, &models.StatusReport{
		FilesByOrigin:    map[models.Origin]int64{models.OriginLocal: 2, models.OriginRemote: 1},
		AttemptsByStatus: map[models.ParseStatus]int64{models.StatusCompleted: 3, models.StatusFailed: 1},
		Elements:         42,
	})
	s := out.String()
	for _, want := range []string{"Files", "3", "Attempts", "4", "Elements", "42"} {
		if !strings.Contains(s, want) {
			t.Errorf("Expected %q in output:\n%s", want, s)
		}
	}
}

func TestPrintFiles(t *testing.T) {
	var out bytes.Buffer
	printFiles(&out, []source.FileInfo{
		{ID: "2", Name: "b.pdf", MediaType: "application/pdf", Size: 10},
		{ID: "1", Name: "a.png", MediaType: "image/png", Size: 5},
	})
	s := out.String()
	if strings.Index(s, "a.png") > strings.Index(s, "b.pdf") {
		t.Errorf("Expected files sorted by name:\n%s", s)
	}
	if !strings.Contains(s, "2 file(s)") {
		t.Errorf("Expected a count line:\n%s", s)
	}
}
