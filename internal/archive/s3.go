package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string // key prefix, e.g. "EEE355/"
	Endpoint        string // S3-compatible endpoint (MinIO, R2); empty for AWS
	AccessKeyID     string // empty uses the default credential chain
	SecretAccessKey string
	UsePathStyle    bool
	Logger          *slog.Logger
}

// S3 stores media as objects in a bucket.
type S3 struct {
	client *s3.Client
	cfg    S3Config
	logger *slog.Logger
}

func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &S3{client: client, cfg: cfg, logger: logger}, nil
}

func (s *S3) Name() string { return "s3" }

// Upload puts the file under Prefix + its base name and returns the object URL.
func (s *S3) Upload(ctx context.Context, filePath, mimeType string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	key := path.Join(s.cfg.Prefix, filepath.Base(filePath))
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if mimeType != "" {
		input.ContentType = aws.String(mimeType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}

	s.logger.Debug("s3 upload", "bucket", s.cfg.Bucket, "key", key)
	return s.objectURL(key), nil
}

func (s *S3) objectURL(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	if s.cfg.Endpoint != "" {
		base := strings.TrimRight(s.cfg.Endpoint, "/")
		if s.cfg.UsePathStyle {
			return base + "/" + s.cfg.Bucket + "/" + escaped
		}
		u, err := url.Parse(base)
		if err == nil && u.Host != "" {
			u.Host = s.cfg.Bucket + "." + u.Host
			return strings.TrimRight(u.String(), "/") + "/" + escaped
		}
		return base + "/" + s.cfg.Bucket + "/" + escaped
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, escaped)
}
