package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alphadeck/optionsbot/internal/domain"
)

// S3Config holds the configuration for the archive target. Any S3-compatible
// provider works via the Endpoint field; leave it empty for AWS S3 proper.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string // key prefix inside the bucket, e.g. "journals"
}

// Archiver uploads the day's closed trades as a JSONL object at
// {prefix}/YYYY/MM/DD.jsonl after the session ends.
type Archiver struct {
	s3     *s3.Client
	cfg    S3Config
	ledger domain.TradeLedger
	logger *slog.Logger
}

// NewArchiver creates an Archiver connected to the configured object store.
func NewArchiver(ctx context.Context, cfg S3Config, ledger domain.TradeLedger, logger *slog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("journal: bucket name is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("journal: load aws config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint, err := normalizeEndpoint(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return &Archiver{
		s3:     s3.NewFromConfig(awsCfg, opts...),
		cfg:    cfg,
		ledger: ledger,
		logger: logger.With(slog.String("component", "journal")),
	}, nil
}

func normalizeEndpoint(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("journal: parse endpoint %q: %w", raw, err)
	}
	return u.String(), nil
}

// ArchiveDay serializes all trades created on day to JSONL and uploads them.
// It returns the number of archived rows; zero rows skips the upload.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) (int, error) {
	since := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	until := since.Add(24 * time.Hour)

	trades, err := a.ledger.History(ctx, domain.ListOpts{Limit: 500, Since: &since, Until: &until})
	if err != nil {
		return 0, fmt.Errorf("journal: query day trades: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range trades {
		if err := enc.Encode(t); err != nil {
			return 0, fmt.Errorf("journal: encode trade %d: %w", t.ID, err)
		}
	}

	key := a.objectKey(day)
	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return 0, fmt.Errorf("journal: upload %s: %w", key, err)
	}

	a.logger.InfoContext(ctx, "day journal archived",
		slog.String("key", key), slog.Int("trades", len(trades)))
	return len(trades), nil
}

func (a *Archiver) objectKey(day time.Time) string {
	prefix := strings.Trim(a.cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return prefix + day.Format("2006/01/02") + ".jsonl"
}
