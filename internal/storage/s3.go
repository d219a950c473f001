package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hauworth/mediamill/pkg/logger"
)

var log = logger.Get("ObjectStore")

type Config struct {
	Bucket string `yaml:"bucket" env:"STORAGE_BUCKET" env-required:"true"`
	Region string `yaml:"region" env:"STORAGE_REGION" env-default:"us-east-1"`
}

// S3Store is the asset-store collaborator: it resolves storage keys to
// source bytes for the workers, accepts derived artifacts back, and
// removes objects during maintenance purges.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(ctx context.Context, config Config) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(config.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: config.Bucket,
	}, nil
}

// DownloadTo materializes the object at the given storage key in to the
// destination path. Workers call this to stage source bytes inside their
// scoped temp directory before probing or transcoding.
func (s *S3Store) DownloadTo(ctx context.Context, storageKey string, destPath string) error {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(storageKey),
	})
	if err != nil {
		return fmt.Errorf("failed to fetch object %s: %w", storageKey, err)
	}
	defer resp.Body.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create staging file for object %s: %w", storageKey, err)
	}
	defer dest.Close()

	written, err := io.Copy(dest, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to stage object %s: %w", storageKey, err)
	}

	log.Debugf("Materialized object %s (%d bytes) at %s\n", storageKey, written, destPath)
	return nil
}

// UploadFrom stores a derived artifact under the given storage key.
func (s *S3Store) UploadFrom(ctx context.Context, storageKey string, sourcePath string, contentType string) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open artifact %s for upload: %w", sourcePath, err)
	}
	defer source.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(storageKey),
		Body:        source,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload artifact to %s: %w", storageKey, err)
	}

	log.Debugf("Uploaded artifact %s\n", storageKey)
	return nil
}

// Delete permanently removes the object at the given storage key.
func (s *S3Store) Delete(ctx context.Context, storageKey string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(storageKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", storageKey, err)
	}

	return nil
}
