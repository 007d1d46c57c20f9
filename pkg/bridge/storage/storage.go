// Package storage uploads captured audio chunks to S3-compatible object
// storage. Keys follow <callID>/chunk_<index>.raw so a call's audio can be
// listed with a single prefix scan.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// s3API is the slice of the S3 client the store uses; tests substitute a
// fake.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config describes the target bucket.
type Config struct {
	Bucket string
	Region string
	// Endpoint overrides the AWS endpoint for S3-compatible stores
	// (MinIO, Wasabi). Empty means real AWS.
	Endpoint string
	// PublicURL is the base URL returned in storage references. Empty
	// falls back to the virtual-hosted AWS URL.
	PublicURL string
	// AccessKeyID and SecretAccessKey override the ambient credential
	// chain when both are set.
	AccessKeyID     string
	SecretAccessKey string
}

// Store uploads chunk payloads.
type Store struct {
	api s3API
	cfg Config
}

// New builds a store from ambient AWS credentials.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Store{api: client, cfg: cfg}, nil
}

// ChunkKey returns the object key for one chunk of a call.
func ChunkKey(callID string, index uint64) string {
	return fmt.Sprintf("%s/chunk_%d.raw", callID, index)
}

// Put uploads data under key and returns the public reference URL.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("storage: put %s: %w", key, err)
	}
	return s.URLFor(key), nil
}

// URLFor derives the reference URL for a stored key.
func (s *Store) URLFor(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	if s.cfg.PublicURL != "" {
		return strings.TrimSuffix(s.cfg.PublicURL, "/") + "/" + escaped
	}
	if s.cfg.Endpoint != "" {
		return strings.TrimSuffix(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket + "/" + escaped
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, escaped)
}

// Retryable reports whether an upload error is worth retrying. Throttling
// and server-side faults are transient; access and validation errors are
// not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		return code == 429 || code >= 500
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "RequestTimeout", "SlowDown", "ServiceUnavailable", "InternalError", "Throttling", "ThrottlingException":
			return true
		}
		return false
	}
	// Transport-level failures (connection reset, timeouts) surface as
	// plain errors.
	return true
}
