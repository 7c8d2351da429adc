package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Lllllllleong/docparser/internal/config"
	"github.com/Lllllllleong/docparser/internal/source"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(dir, "records.db")},
		Storage:  config.StorageConfig{Root: filepath.Join(dir, "parsed"), StripWatermarks: true},
		TextIn:   config.TextInConfig{Endpoint: "http://127.0.0.1:1", AppID: "app", SecretCode: "secret", ParseMode: "auto", MaxAttempts: 1},
	}
}

func TestNewWiresLocalPipeline(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer a.Close()

	if err := a.Store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := a.Store.Ping(ctx); err != nil {
		t.Errorf("Expected reachable store: %v", err)
	}
	if _, err := a.Resolver.Source(source.KindLocal); err != nil {
		t.Errorf("Expected local source: %v", err)
	}
	if _, err := a.Resolver.Source(source.KindDrive); err == nil {
		t.Error("Expected drive to be unregistered without credentials")
	}
	if a.Pipeline == nil {
		t.Error("Expected a pipeline")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.TextIn.AppID = ""
	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("Expected an error without credentials")
	}

	cfg = testConfig(t)
	cfg.Metadata.Provider = "openai"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("Expected an error for openai without an api key")
	}
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	if _, err := OpenStore(context.Background(), config.DatabaseConfig{Driver: "mongo"}); err == nil {
		t.Error("Expected an error for an unknown driver")
	}
}
