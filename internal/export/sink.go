package export

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

// Sink stores a finished artifact and returns where it can be fetched from.
type Sink interface {
	Store(ctx context.Context, name, contentType string, body io.ReadSeeker) (string, error)
}

// LocalSink stores artifacts in a directory.
type LocalSink struct {
	Dir string
}

// Store copies body to Dir/name and returns the absolute file path.
func (s LocalSink) Store(ctx context.Context, name, contentType string, body io.ReadSeeker) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create export directory %s", s.Dir)
	}
	target, err := filepath.Abs(filepath.Join(s.Dir, filepath.Base(name)))
	if err != nil {
		return "", err
	}
	f, err := os.Create(target)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create %s", target)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return "", errors.Wrapf(err, "failed to write %s", target)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return target, nil
}

// PutObjectAPI is the part of the S3 client used by S3Sink.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads artifacts to a bucket under a key prefix.
type S3Sink struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Sink creates an S3Sink over an existing client.
func NewS3Sink(client PutObjectAPI, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

// NewS3SinkFromEnv builds the client from the default AWS credential chain.
func NewS3SinkFromEnv(ctx context.Context, region, bucket, prefix string) (*S3Sink, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}
	return NewS3Sink(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// Store uploads body and returns its s3:// URL.
func (s *S3Sink) Store(ctx context.Context, name, contentType string, body io.ReadSeeker) (string, error) {
	key := path.Join(s.prefix, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to upload %s to bucket %s", key, s.bucket)
	}
	return "s3://" + s.bucket + "/" + key, nil
}
