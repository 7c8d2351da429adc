package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Lllllllleong/docparser/internal/config"
	"github.com/Lllllllleong/docparser/internal/gcp"
)

// Mirror replicates artifact files to object storage. Put must not
// overwrite an existing object.
type Mirror interface {
	Put(ctx context.Context, object string, r io.Reader, size int64, contentType string) error
}

// MirrorAttempt copies every artifact file of an attempt to m under
// <prefix>/<digest[:4]>/<digest>/<attemptID>/<file>.
func (s *Store) MirrorAttempt(ctx context.Context, m Mirror, prefix, digest, attemptID string) (int, error) {
	files, err := s.Files(digest, attemptID)
	if err != nil {
		return 0, err
	}

	var n int
	for _, rel := range files {
		data, err := os.ReadFile(s.Abs(rel))
		if err != nil {
			return n, fmt.Errorf("failed to read %s: %w", rel, err)
		}
		object := path.Join(prefix, filepath.ToSlash(rel))
		if err := m.Put(ctx, object, bytes.NewReader(data), int64(len(data)), contentType(rel)); err != nil {
			return n, fmt.Errorf("failed to mirror %s: %w", rel, err)
		}
		n++
	}
	return n, nil
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".json":
		return "application/json"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}

// GCSMirror writes to a Cloud Storage bucket with a does-not-exist
// precondition.
type GCSMirror struct {
	bucket *storage.BucketHandle
}

func NewGCSMirror(client *storage.Client, bucket string) *GCSMirror {
	return &GCSMirror{bucket: client.Bucket(bucket)}
}

func (m *GCSMirror) Put(ctx context.Context, object string, r io.Reader, _ int64, contentType string) error {
	_, err := gcp.SaveToGCSAtomically(ctx, m.bucket, object, r, contentType)
	return err
}

// MinioMirror writes to an S3-compatible bucket, skipping objects that
// already exist.
type MinioMirror struct {
	client *minio.Client
	bucket string
}

func NewMinioMirror(cfg config.MirrorConfig) (*MinioMirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioMirror{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (m *MinioMirror) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (m *MinioMirror) Put(ctx context.Context, object string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.StatObject(ctx, m.bucket, object, minio.StatObjectOptions{})
	if err == nil {
		slog.Debug("Object already exists, skipping.", "object", object)
		return nil
	}
	if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("failed to stat object: %w", err)
	}

	if _, err := m.client.PutObject(ctx, m.bucket, object, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}
