package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/couchcryptid/weather-ingest/internal/domain"
)

// S3Options configures the S3 client. Endpoint and ForcePathStyle allow
// S3-compatible stores such as MinIO.
type S3Options struct {
	Region         string
	Endpoint       string
	ForcePathStyle bool
	AccessKey      string
	SecretKey      string
	MaxAttempts    int
}

// S3 reads s3:// locators.
type S3 struct {
	client *s3.Client
}

// NewS3 loads the default AWS config chain, overridden by opts.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.AccessKey != "" && opts.SecretKey != "" {
		provider := credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(provider))
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.MaxAttempts > 0 {
		loadOpts = append(loadOpts, awsconfig.WithRetryMaxAttempts(opts.MaxAttempts))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})
	return &S3{client: client}, nil
}

// Fetch implements Store.
func (s *S3) Fetch(ctx context.Context, loc domain.Locator) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Path),
	})
	if err != nil {
		return nil, mapS3Error(loc, err)
	}
	return out.Body, nil
}

func mapS3Error(loc domain.Locator, err error) error {
	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return fmt.Errorf("%w: %s", domain.ErrObjectNotFound, loc)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%w: %s", domain.ErrObjectNotFound, loc)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %s: %w", domain.ErrAccessDenied, loc, err)
		case "SlowDown", "RequestTimeout", "ServiceUnavailable", "InternalError":
			return domain.Retryable(fmt.Errorf("read %s: %w", loc, err))
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return classifyStatus(loc, respErr.HTTPStatusCode(), err)
	}
	return fmt.Errorf("read %s: %w", loc, err)
}
