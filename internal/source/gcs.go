package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/docparser/internal/models"
)

// GCS reads objects from Cloud Storage. Identifiers have the form
// gs://bucket/object.
type GCS struct {
	client *storage.Client
}

func NewGCS(client *storage.Client) *GCS {
	return &GCS{client: client}
}

func (*GCS) Kind() string          { return KindGCS }
func (*GCS) Origin() models.Origin { return models.OriginRemote }

// ParseURI splits gs://bucket/object into its parts. The object may be
// empty when the URI names a bucket or is used as a listing prefix.
func ParseURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("invalid gcs uri %q: missing gs:// prefix", uri)
	}
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid gcs uri %q: missing bucket", uri)
	}
	return bucket, object, nil
}

// URI builds the identifier for an object.
func URI(bucket, object string) string {
	return "gs://" + bucket + "/" + object
}

// List returns supported objects under a gs://bucket/prefix URI.
func (g *GCS) List(ctx context.Context, prefixURI string) ([]FileInfo, error) {
	bucket, prefix, err := ParseURI(prefixURI)
	if err != nil {
		return nil, err
	}

	var out []FileInfo
	it := g.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if errors.Is(err, storage.ErrBucketNotExist) {
				return nil, fmt.Errorf("%w: bucket %s", ErrNotFound, bucket)
			}
			return nil, fmt.Errorf("failed to list %s: %w", prefixURI, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		info := objectInfo(attrs)
		if !SupportedMediaTypes[info.MediaType] {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (g *GCS) Open(ctx context.Context, id string) (io.ReadCloser, *FileInfo, error) {
	bucket, object, err := ParseURI(id)
	if err != nil {
		return nil, nil, err
	}
	if object == "" {
		return nil, nil, fmt.Errorf("%w: %s names no object", ErrNotFound, id)
	}

	obj := g.client.Bucket(bucket).Object(object)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, nil, &TransferError{ID: id, Err: err}
	}
	rc, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, nil, &TransferError{ID: id, Err: err}
	}
	info := objectInfo(attrs)
	return rc, &info, nil
}

func objectInfo(attrs *storage.ObjectAttrs) FileInfo {
	mediaType := attrs.ContentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	if !SupportedMediaTypes[mediaType] {
		if guessed := MediaTypeByName(attrs.Name); guessed != "" {
			mediaType = guessed
		}
	}
	return FileInfo{
		ID:        URI(attrs.Bucket, attrs.Name),
		Name:      path.Base(attrs.Name),
		MediaType: mediaType,
		Size:      attrs.Size,
		FolderID:  URI(attrs.Bucket, path.Dir(attrs.Name)),
		CreatedAt: attrs.Created,
	}
}
