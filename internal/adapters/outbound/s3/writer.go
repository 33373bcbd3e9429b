// Package s3 archives cycle reports to AWS S3.
package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// s3WriterAPI is the subset of the S3 client used by Writer.
type s3WriterAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Compile-time check that Writer implements outbound.S3Writer
var _ outbound.S3Writer = (*Writer)(nil)

// Writer writes JSON objects to S3.
type Writer struct {
	client s3WriterAPI
	logger *slog.Logger
}

// NewWriter creates a new S3 Writer with optional S3 client options.
func NewWriter(cfg aws.Config, logger *slog.Logger, optFns ...func(*s3.Options)) *Writer {
	return newWriter(s3.NewFromConfig(cfg, optFns...), logger)
}

func newWriter(client s3WriterAPI, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		client: client,
		logger: logger.With("component", "s3-writer"),
	}
}

// prepareBody gzips content when asked and returns the matching content encoding.
func (w *Writer) prepareBody(content io.Reader, compressGzip bool) (io.Reader, *string, error) {
	if !compressGzip {
		return content, nil, nil
	}

	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	if _, err := io.Copy(gzWriter, content); err != nil {
		return nil, nil, fmt.Errorf("failed to compress content: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return bytes.NewReader(buf.Bytes()), aws.String("gzip"), nil
}

// WriteFileIfNotExists writes content to key only if no object exists there.
// It returns false without error when the object already exists.
func (w *Writer) WriteFileIfNotExists(ctx context.Context, bucket, key string, content io.Reader, compressGzip bool) (bool, error) {
	body, contentEncoding, err := w.prepareBody(content, compressGzip)
	if err != nil {
		return false, err
	}

	_, err = w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		Body:            body,
		ContentType:     aws.String("application/json"),
		ContentEncoding: contentEncoding,
		IfNoneMatch:     aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "PreconditionFailed" || apiErr.ErrorCode() == "412") {
			return false, nil
		}
		return false, fmt.Errorf("failed to write to S3: %w", err)
	}

	w.logger.Debug("wrote file to S3", "bucket", bucket, "key", key, "compressed", compressGzip)
	return true, nil
}
