// ABOUTME: MinIO/S3 implementation of the attachment store
// ABOUTME: Creates the bucket on first use and returns public object URLs

package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/2389/parlor-gateway/internal/store"
)

// objectAPI is the subset of the MinIO client the store uses.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	SetBucketPolicy(ctx context.Context, bucket, policy string) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioConfig configures the S3-compatible backend.
type MinioConfig struct {
	Endpoint      string
	UseSSL        bool
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	Limits        Limits
}

// MinioStore stores attachments in a bucket.
type MinioStore struct {
	api           objectAPI
	bucket        string
	publicBaseURL string
	limits        Limits
	logger        *slog.Logger

	bucketOnce sync.Once
	bucketErr  error
}

// NewMinioStore connects to the endpoint. Pass nil logger for default.
func NewMinioStore(cfg MinioConfig, logger *slog.Logger) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("blob: endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("blob: bucket is required")
	}

	client, err := minio.New(parseEndpoint(endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	base := strings.TrimSpace(cfg.PublicBaseURL)
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + parseEndpoint(endpoint)
	}
	return newMinioStore(client, bucket, base, cfg.Limits, logger), nil
}

func newMinioStore(api objectAPI, bucket, publicBaseURL string, limits Limits, logger *slog.Logger) *MinioStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MinioStore{
		api:           api,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		limits:        limits,
		logger:        logger.With("component", "blob"),
	}
}

// Store validates and uploads the content.
func (s *MinioStore) Store(ctx context.Context, r io.Reader, meta Metadata) (*store.FileRef, error) {
	p, err := prepare(r, meta, s.limits)
	if err != nil {
		return nil, err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}

	_, err = s.api.PutObject(ctx, s.bucket, p.key, bytes.NewReader(p.data), int64(len(p.data)), minio.PutObjectOptions{
		ContentType: p.contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("putting object: %w", err)
	}

	ref := &store.FileRef{
		Key:         p.key,
		URL:         s.objectURL(p.key),
		Name:        meta.Name,
		Size:        int64(len(p.data)),
		ContentType: p.contentType,
	}
	s.logger.Info("attachment stored", "key", ref.Key, "size", ref.Size, "content_type", ref.ContentType)
	return ref, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context) error {
	s.bucketOnce.Do(func() {
		exists, err := s.api.BucketExists(ctx, s.bucket)
		if err != nil {
			s.bucketErr = fmt.Errorf("checking bucket: %w", err)
			return
		}
		if exists {
			return
		}
		if err := s.api.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			s.bucketErr = fmt.Errorf("creating bucket: %w", err)
			return
		}
		policy := fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/attachments/*"]}]}`, s.bucket)
		if err := s.api.SetBucketPolicy(ctx, s.bucket, policy); err != nil {
			s.bucketErr = fmt.Errorf("setting bucket policy: %w", err)
		}
	})
	return s.bucketErr
}

func (s *MinioStore) objectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.publicBaseURL, s.bucket, key)
}

func parseEndpoint(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}

var _ Store = (*MinioStore)(nil)
