package gcp

import (
	"context"
	"fmt"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// NewDriveService creates a read-only Google Drive client. A non-empty
// credentialsFile selects a service account key instead of ADC.
func NewDriveService(ctx context.Context, credentialsFile string) (*drive.Service, error) {
	opts := []option.ClientOption{option.WithScopes(drive.DriveReadonlyScope)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return svc, nil
}
