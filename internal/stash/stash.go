// Package stash uploads the compressed archive of a job to S3 for safekeeping.
package stash

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/tanq16/parcel/internal/utils"
)

var ErrStashFailed = errors.New("stash failed")

// Uploader is the subset of manager.Uploader used here.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type Stash struct {
	uploader Uploader
	bucket   string
	prefix   string
}

// ParseURL splits s3://bucket/prefix (or bucket/prefix) into its parts.
func ParseURL(u string) (string, string, error) {
	trimmed := strings.TrimPrefix(u, "s3://")
	bucket, prefix, _ := strings.Cut(trimmed, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid S3 URL %q", u)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// New builds a stash backed by the AWS shared config profile.
func New(ctx context.Context, url, profile string) (*Stash, error) {
	opts := []func(*config.LoadOptions) error{config.WithRetryMode(aws.RetryModeAdaptive)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	uploader := manager.NewUploader(s3.NewFromConfig(cfg), func(u *manager.Uploader) {
		u.PartSize = 16 * 1024 * 1024
		u.Concurrency = utils.DefaultConcurrency
	})
	return NewWithUploader(uploader, url)
}

func NewWithUploader(uploader Uploader, url string) (*Stash, error) {
	bucket, prefix, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Stash{uploader: uploader, bucket: bucket, prefix: prefix}, nil
}

// Key is the object key used for a job's archive.
func (s *Stash) Key(jobID, archivePath string) string {
	return path.Join(s.prefix, jobID, path.Base(archivePath))
}

// Put uploads the archive and returns its s3:// location.
func (s *Stash) Put(ctx context.Context, jobID, archivePath string) (string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStashFailed, err)
	}
	defer f.Close()
	key := s.Key(jobID, archivePath)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStashFailed, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
