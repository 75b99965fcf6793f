package watcher

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// OpenArchiver builds an Archiver from a bucket URL using ambient cloud
// credentials. Supported schemes are s3:// and gs://.
func OpenArchiver(ctx context.Context, bucketURL, prefix string) (Archiver, error) {
	switch {
	case strings.HasPrefix(bucketURL, "s3://"):
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewS3Archiver(s3.NewFromConfig(cfg), strings.TrimPrefix(bucketURL, "s3://"), prefix), nil
	case strings.HasPrefix(bucketURL, "gs://"):
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return NewGCSArchiver(client, strings.TrimPrefix(bucketURL, "gs://"), prefix), nil
	default:
		return nil, fmt.Errorf("unsupported snapshot bucket %q: expected s3:// or gs://", bucketURL)
	}
}

// S3Archiver stores snapshot frames in an S3 bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver wraps an S3 client. prefix may be empty.
func NewS3Archiver(client *s3.Client, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

func (a *S3Archiver) Archive(ctx context.Context, key string, jpeg []byte) (string, error) {
	fullKey := key
	if a.prefix != "" {
		fullKey = a.prefix + "/" + key
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(jpeg),
		ContentType: aws.String("image/jpeg"),
	})
	if err != nil {
		return "", fmt.Errorf("archive snapshot to s3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, fullKey), nil
}

// GCSArchiver stores snapshot frames in a Cloud Storage bucket.
type GCSArchiver struct {
	bucket *storage.BucketHandle
	name   string
	prefix string
}

// NewGCSArchiver wraps a Cloud Storage client. prefix may be empty.
func NewGCSArchiver(client *storage.Client, bucket, prefix string) *GCSArchiver {
	return &GCSArchiver{bucket: client.Bucket(bucket), name: bucket, prefix: prefix}
}

func (a *GCSArchiver) Archive(ctx context.Context, key string, jpeg []byte) (string, error) {
	fullKey := key
	if a.prefix != "" {
		fullKey = a.prefix + "/" + key
	}
	w := a.bucket.Object(fullKey).NewWriter(ctx)
	w.ContentType = "image/jpeg"
	if _, err := w.Write(jpeg); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive snapshot to gcs: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive snapshot to gcs: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.name, fullKey), nil
}
