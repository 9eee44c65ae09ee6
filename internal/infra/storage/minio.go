// Package storage archives raw tool output to S3-compatible object storage.
// Archiving is optional and failures degrade to warnings; an analysis
// result is never failed because its artifact could not be uploaded.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Store struct {
	client *minio.Client
	bucket string
	region string
	logger *slog.Logger
}

func New(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, useSSL bool, logger *slog.Logger) (*Store, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, err
		}
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: cli, bucket: bucket, region: region, logger: logger}, nil
}

// Upload pushes a local artifact and returns its object URL.
func (s *Store) Upload(ctx context.Context, localPath, key string) (string, error) {
	contentType := "text/plain; charset=utf-8"
	if filepath.Ext(localPath) == ".json" {
		contentType = "application/json"
	}

	_, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s/%s/%s", s.client.EndpointURL().Host, s.bucket, key), nil
}

// UploadAndCleanup uploads the artifact then removes the local file.
func (s *Store) UploadAndCleanup(ctx context.Context, localPath, key string) (string, error) {
	url, err := s.Upload(ctx, localPath, key)
	if err != nil {
		return "", err
	}
	if removeErr := os.Remove(localPath); removeErr != nil {
		// upload already succeeded, keep the URL
		s.logger.Warn("failed to remove local artifact", "path", localPath, "error", removeErr)
	}
	return url, nil
}
