package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "hyperflow/config"
	"hyperflow/logger"
)

// uploadArtifacts puts every finished artifact in the shared bucket under a
// date-partitioned key. Upload is all-or-error; a half-uploaded snapshot is
// worse than a loud failure.
func (e *Exporter) uploadArtifacts(ctx context.Context, summary *Summary, ts time.Time) (int, error) {
	if !e.s3cfg.Enabled {
		return 0, fmt.Errorf("s3 uploads disabled in config")
	}

	client, err := newS3Client(ctx, e.s3cfg)
	if err != nil {
		return 0, err
	}

	uploaded := 0
	for _, path := range summary.Artifacts {
		key := artifactKey(e.s3cfg.Prefix, ts, filepath.Base(path))
		if err := e.putArtifact(ctx, client, path, key, summary.ExportID); err != nil {
			return uploaded, err
		}
		uploaded++
	}

	e.log.WithFields(logger.Fields{
		"bucket":   e.s3cfg.Bucket,
		"uploaded": uploaded,
	}).Info("artifacts uploaded")
	return uploaded, nil
}

func newS3Client(ctx context.Context, cfg appconfig.S3Config) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return client, nil
}

func (e *Exporter) putArtifact(ctx context.Context, client *s3.Client, path, key, exportID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read artifact %s: %w", path, err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(e.s3cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentTypeFor(path)),
		Metadata: map[string]string{
			"export-id": exportID,
		},
	}

	if _, err := client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload to S3 bucket %s key %s: %w", e.s3cfg.Bucket, key, err)
	}

	e.log.WithFields(logger.Fields{
		"s3_key":    key,
		"data_size": len(data),
	}).Info("artifact uploaded")
	return nil
}

// artifactKey builds the partitioned object key, forward slashed for S3.
func artifactKey(prefix string, ts time.Time, filename string) string {
	parts := make([]string, 0, 4)
	if trimmed := strings.Trim(prefix, "/"); trimmed != "" {
		parts = append(parts, trimmed)
	}
	parts = append(parts,
		"universe_snapshots",
		fmt.Sprintf("date=%s", ts.UTC().Format("2006-01-02")),
		filename,
	)
	return filepath.ToSlash(filepath.Join(parts...))
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
