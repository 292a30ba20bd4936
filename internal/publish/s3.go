package publish

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3 multipart settings.
const (
	s3PartSize    = 8 * 1024 * 1024
	s3Concurrency = 5
)

// S3Uploader writes objects to an S3 bucket through the multipart upload
// manager.
type S3Uploader struct {
	uploader *manager.Uploader
	bucket   string
}

// NewS3Uploader loads the default AWS configuration. A non-empty endpoint
// selects an S3-compatible service with path-style addressing.
func NewS3Uploader(ctx context.Context, bucket, region, endpoint string) (*S3Uploader, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewS3Uploader: loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Uploader(client, bucket), nil
}

func newS3Uploader(api manager.UploadAPIClient, bucket string) *S3Uploader {
	return &S3Uploader{
		uploader: manager.NewUploader(api, func(u *manager.Uploader) {
			u.PartSize = s3PartSize
			u.Concurrency = s3Concurrency
		}),
		bucket: bucket,
	}
}

// Upload implements Uploader.
func (u *S3Uploader) Upload(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file %q: %w", localPath, err)
	}
	defer f.Close()

	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(localPath)),
	})
	if err != nil {
		return fmt.Errorf("upload to s3://%s/%s: %w", u.bucket, key, err)
	}
	return nil
}

// URI implements Uploader.
func (u *S3Uploader) URI(key string) string {
	return "s3://" + u.bucket + "/" + key
}

// Close implements Uploader.
func (u *S3Uploader) Close() error {
	return nil
}
