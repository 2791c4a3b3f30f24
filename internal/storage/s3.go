// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/tomtom215/dumpvault/internal/config"
	"github.com/tomtom215/dumpvault/internal/models"
)

// S3API is the subset of the S3 client the backend uses.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	s3.ListObjectsV2APIClient
}

// S3Backend stores objects in a bucket under an optional key prefix.
// Uploads go through the multipart upload manager.
type S3Backend struct {
	name     string
	bucket   string
	prefix   string
	client   S3API
	uploader *manager.Uploader
}

// NewS3Backend builds a client from cfg. Static credentials are used when
// both keys are set; otherwise the default AWS credential chain applies.
func NewS3Backend(ctx context.Context, name string, cfg *config.S3Config) (*S3Backend, error) {
	if cfg == nil {
		return nil, models.Configurationf("destination %s: s3 block is missing", name)
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("destination %s: failed to load AWS config: %w", name, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.PartSizeMiB > 0 {
			u.PartSize = cfg.PartSizeMiB << 20
		}
		if cfg.Concurrency > 0 {
			u.Concurrency = cfg.Concurrency
		}
	})

	return newS3Backend(name, cfg.Bucket, cfg.Prefix, client, uploader), nil
}

func newS3Backend(name, bucket, prefix string, client S3API, uploader *manager.Uploader) *S3Backend {
	return &S3Backend{
		name:     name,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		client:   client,
		uploader: uploader,
	}
}

func (s *S3Backend) Name() string { return s.name }
func (s *S3Backend) Kind() string { return "s3" }

func (s *S3Backend) objectKey(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return JoinKey(s.prefix, k), nil
}

func (s *S3Backend) relativeKey(objectKey string) string {
	if s.prefix == "" {
		return objectKey
	}
	return strings.TrimPrefix(objectKey, s.prefix+"/")
}

func (s *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(k)})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *S3Backend) Upload(ctx context.Context, r io.Reader, key string, _ int64) (models.ObjectRef, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return models.ObjectRef{}, err
	}
	counter := &countingReader{r: r}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
		Body:   counter,
	})
	if err != nil {
		return models.ObjectRef{}, fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return models.ObjectRef{
		Key:         key,
		Size:        counter.n,
		ModifiedAt:  time.Now().UTC(),
		Destination: s.name,
	}, nil
}

func (s *S3Backend) UploadDirectory(ctx context.Context, dir, prefix string) ([]models.ObjectRef, []models.ObjectError) {
	return uploadDirectory(ctx, s, dir, prefix)
}

func (s *S3Backend) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(k)})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, models.ErrNotFound)
		}
		return nil, err
	}
	return out.Body, nil
}

// List pages through ListObjectsV2 until no continuation token remains.
func (s *S3Backend) List(ctx context.Context, prefix string) ([]models.ObjectRef, error) {
	full := s.prefix
	if prefix != "" {
		full = JoinKey(s.prefix, prefix)
		if strings.HasSuffix(prefix, "/") {
			full += "/"
		}
	} else if full != "" {
		full += "/"
	}

	var refs []models.ObjectRef
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(full),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.bucket, full, err)
		}
		for _, obj := range page.Contents {
			refs = append(refs, models.ObjectRef{
				Key:         s.relativeKey(aws.ToString(obj.Key)),
				Size:        aws.ToInt64(obj.Size),
				ModifiedAt:  aws.ToTime(obj.LastModified).UTC(),
				Destination: s.name,
			})
		}
	}
	return refs, nil
}

// Delete reports whether the object existed. S3 deletes are idempotent, so
// existence is checked first.
func (s *S3Backend) Delete(ctx context.Context, key string) (bool, error) {
	exists, err := s.Exists(ctx, key)
	if err != nil || !exists {
		return false, err
	}
	k, err := s.objectKey(key)
	if err != nil {
		return false, err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(k)}); err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return true, nil
}

func (s *S3Backend) TestConnection(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("bucket %s is not reachable: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Backend) Close() error { return nil }

// UsageBytes sums the listed sizes under prefix.
func (s *S3Backend) UsageBytes(ctx context.Context, prefix string) (int64, error) {
	refs, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return sumSizes(refs), nil
}

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
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
