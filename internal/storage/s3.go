package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) S3API {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// S3API is the subset of the S3 client used by S3Storage.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// S3Storage implements Storage on top of the AWS SDK.
type S3Storage struct {
	client     S3API
	bucket     string
	publicBase string
}

// NewS3Storage resolves AWS configuration once and returns a shared S3Storage.
// Static credentials are used when an access key is configured; otherwise the
// default credential chain applies. A non-empty endpoint switches the client
// to path-style addressing for S3-compatible servers.
func NewS3Storage(ctx context.Context, opts Options) (*S3Storage, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if endpoint := opts.endpointURL(); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Storage{
		client:     client,
		bucket:     opts.Bucket,
		publicBase: opts.publicBase(),
	}, nil
}

// PutFile streams the local file to S3 with its exact length.
func (s *S3Storage) PutFile(ctx context.Context, localPath, key string) (string, error) {
	contentType, err := detectContentType(localPath)
	if err != nil {
		return "", localFail(key, err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", localFail(key, fmt.Errorf("open %q: %w", localPath, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", localFail(key, fmt.Errorf("stat %q: %w", localPath, err))
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", s.fail("put", key, err)
	}
	return s.PublicURL(key), nil
}

// Get opens the object at key for streaming.
func (s *S3Storage) Get(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.fail("get", key, err)
	}

	return &Object{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Body:        out.Body,
	}, nil
}

// Delete removes the object at key. S3 reports success for absent keys; a
// NotFound from a compatible server is treated the same way.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}
	if err := s.fail("delete", key, err); !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// PublicURL returns the browser-accessible URL for the given key.
// For AWS: "https://bucket.s3.region.amazonaws.com/uploads/report.pdf"
func (s *S3Storage) PublicURL(key string) string {
	return s.publicBase + "/" + key
}

func (s *S3Storage) fail(op, key string, err error) error {
	return &Error{Op: op, Key: key, Kind: classifyAWS(err), Err: err}
}

func classifyAWS(err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return ErrNotFound
	}

	var code string
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}

	var status int
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		status = statusErr.HTTPStatusCode()
	}

	return classify(code, status)
}
