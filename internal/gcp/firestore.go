package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/firestore"
)

// NewFirestoreClient creates a Firestore client for the given project ID.
// When FIRESTORE_EMULATOR_HOST is set the client library targets the
// emulator instead of production.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	if host := os.Getenv("FIRESTORE_EMULATOR_HOST"); host != "" {
		slog.Info("Using Firestore emulator.", "host", host, "projectId", projectID)
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return client, nil
}
