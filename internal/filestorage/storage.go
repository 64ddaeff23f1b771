// Package filestorage stores uploaded dataset files in an S3 compatible
// object store.
package filestorage

import (
	"context"
	"io"
	"time"
)

// FileStorage is the object store port used by the upload service and the
// metadata parser. File URLs returned by Upload are accepted by every other
// method.
type FileStorage interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	Download(ctx context.Context, fileURL string) (io.ReadCloser, error)
	Delete(ctx context.Context, fileURL string) error
	URL(key string) string
	PresignedURL(ctx context.Context, fileURL string, ttl time.Duration) (string, error)
}
