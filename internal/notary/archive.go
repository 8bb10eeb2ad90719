package notary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the subset of the S3 client used by ArchiveSink.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveConfig configures an S3 compatible archive (AWS S3, Cloudflare R2,
// MinIO).
type ArchiveConfig struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// ArchiveSink writes every batch as a JSON object.
type ArchiveSink struct {
	client ObjectPutter
	bucket string
	prefix string
}

var _ Sink = (*ArchiveSink)(nil)

// NewArchiveClient builds an S3 client from cfg. Static credentials are used
// when given, otherwise the default AWS credential chain applies.
func NewArchiveClient(ctx context.Context, cfg ArchiveConfig) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load archive config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// NewArchiveSink creates a sink writing to bucket under prefix.
func NewArchiveSink(client ObjectPutter, bucket, prefix string) (*ArchiveSink, error) {
	if client == nil {
		return nil, fmt.Errorf("archive client required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket required")
	}
	if prefix == "" {
		prefix = "decisions"
	}
	return &ArchiveSink{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *ArchiveSink) Name() string { return "archive" }

// Key returns the object key for b.
func (s *ArchiveSink) Key(b Batch) string {
	return path.Join(s.prefix, b.CreatedAt.Format("2006/01/02"), fmt.Sprintf("%020d-%s.json", b.First(), b.ID))
}

func (s *ArchiveSink) Publish(ctx context.Context, b Batch) (string, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode batch: %w", err)
	}
	key := s.Key(b)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"batch-root": b.Root,
			"batch-seal": b.Seal,
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
