package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/docparser/internal/app"
	"github.com/Lllllllleong/docparser/internal/config"
	"github.com/Lllllllleong/docparser/internal/models"
	"github.com/Lllllllleong/docparser/internal/services"
	"github.com/Lllllllleong/docparser/internal/source"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	instance *app.App
	once     sync.Once
	initErr  error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("ParseUploadedDocument", parseUploadedDocument)
}

// main is required by the Go Functions Framework.
func main() {}

func newApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	cfg.GCS.Enabled = true
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Store.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to migrate record store: %w", err)
	}
	return a, nil
}

// parseUploadedDocument runs the pipeline for one finalized GCS object.
func parseUploadedDocument(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		instance, initErr = newApp(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent models.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	req, ok := services.EventRequest(gcsEvent)
	if !ok {
		slog.Info("Ignoring unsupported object.", "gcsBucket", gcsEvent.Bucket, "gcsObject", gcsEvent.Name, "contentType", gcsEvent.ContentType)
		return nil
	}

	out := instance.Pipeline.Process(ctx, req)
	if out.Status != services.OutcomeFailed {
		return nil
	}
	// A deleted object will never resolve; retrying the event cannot help.
	if errors.Is(out.Err, source.ErrNotFound) {
		return nil
	}
	return out.Err
}
