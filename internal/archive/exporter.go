// Package archive exports aged audit entries to object storage. Export is
// copy-only: rows are never deleted from the database, so the append-only
// audit trail stays intact even if the bucket is lost.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/homelab-dash/gatekeeper/internal/config"
	"github.com/homelab-dash/gatekeeper/internal/repository"
)

const pageSize = 1000

// objectPutter is the slice of the S3 API the exporter needs
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Exporter periodically copies audit entries older than MinAge into
// gzip-compressed JSON Lines objects. A cursor row in the database marks
// the newest exported entry so runs never re-upload or skip anything.
type Exporter struct {
	client   objectPutter
	repo     repository.AuditRepository
	bucket   string
	minAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewExporter builds an Exporter from configuration. It returns nil when
// no bucket is configured; the caller treats that as archiving disabled.
func NewExporter(cfg config.ArchiveConfig, repo repository.AuditRepository, logger *slog.Logger) *Exporter {
	if cfg.Bucket == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := s3.Options{
		Region: cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		),
	}
	if cfg.Endpoint != "" {
		endpointURL := cfg.Endpoint
		if !strings.HasPrefix(endpointURL, "http://") && !strings.HasPrefix(endpointURL, "https://") {
			endpointURL = "https://" + endpointURL
		}
		opts.BaseEndpoint = aws.String(endpointURL)
		// Path-style addressing for MinIO and other S3-compatible stores.
		opts.UsePathStyle = true
	}

	return &Exporter{
		client:   s3.New(opts),
		repo:     repo,
		bucket:   cfg.Bucket,
		minAge:   cfg.MinAge,
		interval: cfg.Interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes export cycles until the context is cancelled
func (e *Exporter) Run(ctx context.Context) {
	interval := e.interval
	if interval <= 0 {
		interval = 6 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ExportOnce(ctx); err != nil {
				e.logger.Error("audit archive export failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ExportOnce exports every un-archived entry older than the age floor.
// Each page becomes one object; the cursor advances only after a
// successful upload, so a failed run resumes where it stopped.
func (e *Exporter) ExportOnce(ctx context.Context) error {
	cutoff := e.now().Add(-e.minAge)

	cursor, err := e.repo.ArchiveCursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to load archive cursor: %w", err)
	}

	for {
		entries, err := e.repo.ListOlderThan(ctx, cutoff, cursor, pageSize)
		if err != nil {
			return fmt.Errorf("failed to list entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		key := objectKey(entries[0].CreatedAt, entries[len(entries)-1].CreatedAt)
		body, err := encodePage(entries)
		if err != nil {
			return err
		}

		_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:          aws.String(e.bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(body),
			ContentType:     aws.String("application/gzip"),
			ContentEncoding: aws.String("gzip"),
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}

		cursor = entries[len(entries)-1].CreatedAt
		if err := e.repo.SetArchiveCursor(ctx, cursor); err != nil {
			return fmt.Errorf("failed to advance archive cursor: %w", err)
		}

		e.logger.Info("exported audit entries",
			slog.String("key", key),
			slog.Int("count", len(entries)))

		if len(entries) < pageSize {
			return nil
		}
	}
}

// encodePage serializes entries as gzip-compressed JSON Lines
func encodePage(entries []repository.AuditLogEntry) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return nil, fmt.Errorf("failed to encode entry %s: %w", entry.ID, err)
		}
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return buf.Bytes(), nil
}

func objectKey(first, last time.Time) string {
	return fmt.Sprintf("audit/%s/%s_%s.jsonl.gz",
		first.UTC().Format("2006/01"),
		first.UTC().Format("20060102T150405Z"),
		last.UTC().Format("20060102T150405Z"))
}
