package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// Compile-time check that ReportArchive implements outbound.ReportArchive
var _ outbound.ReportArchive = (*ReportArchive)(nil)

// ReportArchive stores each cycle report once as gzipped JSON under
// reports/{chainId}/{yyyy-mm-dd}/{runId}.json.
type ReportArchive struct {
	writer outbound.S3Writer
	bucket string
	logger *slog.Logger
}

// NewReportArchive creates an archive writing to bucket.
func NewReportArchive(writer outbound.S3Writer, bucket string, logger *slog.Logger) (*ReportArchive, error) {
	if writer == nil {
		return nil, fmt.Errorf("writer cannot be nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportArchive{
		writer: writer,
		bucket: bucket,
		logger: logger.With("component", "report-archive"),
	}, nil
}

// Archive uploads the report. An existing object for the same run is left as is.
func (a *ReportArchive) Archive(ctx context.Context, report *entity.CycleReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshalling report: %w", err)
	}

	key := ReportKey(report)
	written, err := a.writer.WriteFileIfNotExists(ctx, a.bucket, key, bytes.NewReader(body), true)
	if err != nil {
		return fmt.Errorf("archiving report %s: %w", report.RunID, err)
	}
	if !written {
		a.logger.Warn("report already archived", "key", key)
		return nil
	}
	a.logger.Info("report archived", "bucket", a.bucket, "key", key)
	return nil
}

// ReportKey returns the object key for a report, dated by its start time in UTC.
func ReportKey(report *entity.CycleReport) string {
	return fmt.Sprintf("reports/%d/%s/%s.json",
		report.ChainID,
		report.StartedAt.UTC().Format("2006-01-02"),
		report.RunID.String())
}
