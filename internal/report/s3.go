package report

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	"devicecheck/internal/orchestrator"
)

// Uploader is the part of manager.Uploader the S3 sink needs.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Sink uploads report.json and every scenario log under
// Prefix/<run id>/ in Bucket.
type S3Sink struct {
	Uploader Uploader
	Bucket   string
	Prefix   string
}

// NewS3Sink builds a sink from the default AWS credential chain.
func NewS3Sink(ctx context.Context, region, bucket, prefix string) (*S3Sink, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Sink{
		Uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
		Bucket:   bucket,
		Prefix:   prefix,
	}, nil
}

func (s *S3Sink) Name() string { return "s3" }

// Key returns the object key of name within the run.
func (s *S3Sink) Key(runID, name string) string {
	return path.Join(s.Prefix, runID, name)
}

func (s *S3Sink) Publish(ctx context.Context, r *orchestrator.Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := s.put(ctx, s.Key(r.RunID, JSONFile), "application/json", data); err != nil {
		return err
	}
	for _, res := range r.Results {
		if res.OutputPath == "" {
			continue
		}
		log, err := os.ReadFile(res.OutputPath)
		if err != nil {
			// skipped scenarios have no log
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		key := s.Key(r.RunID, path.Join(res.Scenario, filepath.Base(res.OutputPath)))
		if err := s.put(ctx, key, "text/plain", log); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Sink) put(ctx context.Context, key, contentType string, body []byte) error {
	_, err := s.Uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", s.Bucket, key, err)
	}
	return nil
}
