// Package s3 provides an ObjectStore backed by Amazon S3 or an S3-compatible endpoint.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// API is the subset of the S3 client used by the object store.
type API interface {
	PutObject(ctx context.Context, in *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
}

// Config captures bucket addressing.
type Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	PublicBaseURL  string
}

// ObjectStore writes mirrored assets to an S3 bucket.
type ObjectStore struct {
	api     API
	bucket  string
	baseURL string
}

// NewClient builds an S3 client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg Config) (*awss3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	} else if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}
	var opts []func(*awss3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		opts = append(opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		opts = append(opts, func(o *awss3.Options) {
			o.UsePathStyle = true
		})
	}
	return awss3.NewFromConfig(awsCfg, opts...), nil
}

// New creates an S3-backed object store.
func New(api API, cfg Config) (*ObjectStore, error) {
	if api == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &ObjectStore{
		api:     api,
		bucket:  cfg.Bucket,
		baseURL: publicBase(cfg),
	}, nil
}

func publicBase(cfg Config) string {
	if base := strings.TrimRight(cfg.PublicBaseURL, "/"); base != "" {
		return base
	}
	if cfg.Endpoint != "" {
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	if cfg.ForcePathStyle {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s", region, cfg.Bucket)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
}

// Put uploads r under key.
func (s *ObjectStore) Put(ctx context.Context, key, contentType string, r io.Reader) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	in := &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Exists reports whether key is already present in the bucket.
func (s *ObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.api.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("head object: %w", err)
}

// URL returns the public URL of key.
func (s *ObjectStore) URL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
