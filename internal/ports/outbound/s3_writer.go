package outbound

import (
	"context"
	"io"
)

// S3Writer defines the interface for writing files to S3.
type S3Writer interface {
	// WriteFileIfNotExists writes content to key unless an object is already
	// there. It reports whether the object was written.
	WriteFileIfNotExists(ctx context.Context, bucket, key string, content io.Reader, compressGzip bool) (bool, error)
}
