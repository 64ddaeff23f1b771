package filestorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/logger"
)

const (
	defaultPartSize    = 8 * 1024 * 1024
	defaultConcurrency = 4
	maxPresignTTL      = 7 * 24 * time.Hour
)

// Config holds S3 client configuration.
type Config struct {
	Region string
	Bucket string
	// Endpoint overrides the default S3 endpoint (MinIO, LocalStack).
	Endpoint     string
	UsePathStyle bool

	// Credentials fall back to the default chain when empty.
	AccessKeyID     string
	SecretAccessKey string

	// PublicBaseURL prefixes keys in returned file URLs.
	PublicBaseURL string
}

// S3Storage implements FileStorage over aws-sdk-go-v2.
type S3Storage struct {
	cfg      Config
	base     string
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	log      *slog.Logger
}

var _ FileStorage = (*S3Storage)(nil)

// NewS3 creates an S3 backed storage.
func NewS3(ctx context.Context, cfg Config, log *slog.Logger) (*S3Storage, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Storage{
		cfg:    cfg,
		base:   publicBase(cfg),
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = defaultPartSize
			u.Concurrency = defaultConcurrency
		}),
		presign: s3.NewPresignClient(client),
		log:     logger.OrDiscard(log),
	}, nil
}

// publicBase returns the URL prefix, with a trailing slash, for keys in the bucket.
func publicBase(cfg Config) string {
	if cfg.PublicBaseURL != "" {
		return strings.TrimRight(cfg.PublicBaseURL, "/") + "/"
	}
	if cfg.Endpoint != "" {
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket + "/"
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/", cfg.Bucket, region)
}

// URL returns the public URL of key.
func (s *S3Storage) URL(key string) string {
	return s.base + strings.TrimLeft(key, "/")
}

// KeyFromURL extracts the object key from a URL produced by URL, or from an
// s3://bucket/key reference to the configured bucket.
func (s *S3Storage) KeyFromURL(fileURL string) (string, error) {
	return keyFromURL(s.cfg.Bucket, s.base, fileURL)
}

func keyFromURL(bucket, base, fileURL string) (string, error) {
	raw := strings.TrimSpace(fileURL)
	var key string
	switch {
	case strings.HasPrefix(raw, "s3://"):
		rest := strings.TrimPrefix(raw, "s3://")
		b, k, ok := strings.Cut(rest, "/")
		if !ok || b != bucket {
			return "", apperr.Newf(apperr.FileInvalidURL, "url %q is not in bucket %s", fileURL, bucket)
		}
		key = k
	case strings.HasPrefix(raw, base):
		key = strings.TrimPrefix(raw, base)
	default:
		return "", apperr.Newf(apperr.FileInvalidURL, "url %q does not belong to this storage", fileURL)
	}
	if key == "" {
		return "", apperr.Newf(apperr.FileInvalidURL, "url %q has no object key", fileURL)
	}
	return key, nil
}

// Upload writes body under key and returns its public URL. Large bodies are
// sent as multipart uploads.
func (s *S3Storage) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		s.log.Error("s3 upload failed", slog.String("key", key), slog.Int64("size", size), slog.Any("err", err))
		return "", apperr.Wrap(apperr.FileUploadFailure, key, err)
	}
	s.log.Debug("s3 upload complete", slog.String("key", key), slog.Int64("size", size))
	return s.URL(key), nil
}

// Download opens the object behind fileURL. The caller closes the reader.
func (s *S3Storage) Download(ctx context.Context, fileURL string) (io.ReadCloser, error) {
	key, err := s.KeyFromURL(fileURL)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.Wrap(apperr.FileNotFound, key, err)
		}
		return nil, apperr.Wrap(apperr.FileDownloadFailure, key, err)
	}
	return out.Body, nil
}

// Delete removes the object behind fileURL. Deleting a missing object succeeds.
func (s *S3Storage) Delete(ctx context.Context, fileURL string) error {
	key, err := s.KeyFromURL(fileURL)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return apperr.Wrap(apperr.FileDeleteFailure, key, err)
	}
	return nil
}

// PresignedURL returns a time limited GET URL for fileURL.
func (s *S3Storage) PresignedURL(ctx context.Context, fileURL string, ttl time.Duration) (string, error) {
	key, err := s.KeyFromURL(fileURL)
	if err != nil {
		return "", err
	}
	if ttl <= 0 || ttl > maxPresignTTL {
		return "", apperr.Newf(apperr.DataDownloadURL, "presign ttl %s out of range", ttl)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = ttl
	})
	if err != nil {
		return "", apperr.Wrap(apperr.DataDownloadURL, key, err)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey"
	}
	var respErr interface{ HTTPStatusCode() int }
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
