package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"gitlab.com/voxline/services/backend/internal/config"
	"gitlab.com/voxline/services/backend/internal/logger"
)

var log = logger.For("Storage")

// Service keeps raw webhook payloads that could not be parsed, so the
// always-200 ingress policy does not lose them.
type Service struct {
	client       *minio.Client
	bucketName   string
	bucketRegion string
}

// NewService creates the S3-compatible client and ensures the bucket exists.
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	endpoint := cfg.Storage.Endpoint
	if endpoint == "" {
		endpoint = "localhost:9000"
	}

	accessKey := cfg.Storage.AccessKey
	if accessKey == "" {
		accessKey = "minioadmin"
	}

	secretKey := cfg.Storage.SecretKey
	if secretKey == "" {
		secretKey = "minioadmin"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: cfg.Storage.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	service := &Service{
		client:       client,
		bucketName:   cfg.Storage.Bucket,
		bucketRegion: cfg.Storage.Region,
	}

	if err := service.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}

	return service, nil
}

func (s *Service) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return err
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{
			Region: s.bucketRegion,
		})
		if err != nil {
			return err
		}
		log.Infof("Created bucket: %s", s.bucketName)
	}

	return nil
}

// Archive uploads a raw payload and returns its object key.
func (s *Service) Archive(ctx context.Context, provider, contentType string, body []byte) (string, error) {
	key := ArchiveKey(provider, time.Now().UTC(), uuid.New())
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive payload: %w", err)
	}
	return key, nil
}

// ArchiveKey lays out archived payloads by provider and day.
func ArchiveKey(provider string, at time.Time, id uuid.UUID) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = "unknown"
	}
	return fmt.Sprintf("webhooks/malformed/%s/%s/%s", provider, at.Format("2006-01-02"), id)
}
