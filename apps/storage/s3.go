package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the object storage settings
type S3Config struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	// PublicURL serves objects directly when the bucket is public;
	// otherwise links are presigned
	PublicURL string
	URLExpiry time.Duration
}

// S3Backend stores attachments in an S3-compatible bucket
type S3Backend struct {
	client  *s3.Client
	presign *s3.PresignClient
	config  S3Config
}

// NewS3Backend creates the client. Path-style addressing keeps it usable
// with S3-compatible services.
func NewS3Backend(config S3Config) (*S3Backend, error) {
	if config.Bucket == "" || config.Endpoint == "" || config.AccessKey == "" || config.SecretKey == "" {
		return nil, fmt.Errorf("S3 configuration incomplete")
	}
	endpoint := config.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	if config.URLExpiry <= 0 {
		config.URLExpiry = 7 * 24 * time.Hour
	}

	cfg := aws.Config{
		Region:      config.Region,
		Credentials: credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, ""),
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &S3Backend{
		client:  client,
		presign: s3.NewPresignClient(client),
		config:  config,
	}, nil
}

func (b *S3Backend) Name() string {
	return "s3"
}

// Put uploads an object and returns a link the provider can fetch
func (b *S3Backend) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	if b.config.PublicURL != "" {
		return strings.TrimRight(b.config.PublicURL, "/") + "/" + key, nil
	}
	signed, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(b.config.URLExpiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return signed.URL, nil
}
