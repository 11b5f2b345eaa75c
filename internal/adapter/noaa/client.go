// Package noaa downloads MRMS PrecipRate archive files from the public
// NOAA bucket on S3.
package noaa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/couchcryptid/mrms-compare/internal/config"
	"github.com/couchcryptid/mrms-compare/internal/domain"
	"github.com/couchcryptid/mrms-compare/internal/fetch"
)

// getObjectAPI is the slice of the S3 client the downloader needs.
type getObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client fetches PrecipRate archives for aligned buckets.
type Client struct {
	s3      getObjectAPI
	bucket  string
	product string
	logger  *slog.Logger
}

// NewClient builds a Client against the configured bucket. The MRMS bucket
// allows anonymous reads, so the credential chain is bypassed.
func NewClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.GribRegion),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Client{
		s3:      s3.NewFromConfig(awsCfg),
		bucket:  cfg.GribBucket,
		product: cfg.GribProduct,
		logger:  logger,
	}, nil
}

// FileName returns the archive file name for one aligned bucket.
func (c *Client) FileName(bucket time.Time) string {
	return fmt.Sprintf("MRMS_%s_%s.grib2.gz", c.product, domain.GribTimeKey(bucket))
}

// ObjectKey returns the bucket-relative object key for one aligned bucket.
func (c *Client) ObjectKey(bucket time.Time) string {
	return fmt.Sprintf("CONUS/%s/%s/%s", c.product, domain.DatePath(bucket), c.FileName(bucket))
}

// SourceURL returns the public HTTPS URL recorded in reports.
func (c *Client) SourceURL(bucket time.Time) string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", c.bucket, c.ObjectKey(bucket))
}

// Get performs one download attempt for the bucket's archive file. SlowDown
// responses surface as throttled results so the fetcher can back off.
func (c *Client) Get(ctx context.Context, bucket time.Time) (fetch.AttemptResult, error) {
	key := c.ObjectKey(bucket)
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isSlowDown(err) {
			return fetch.AttemptResult{Throttled: true}, nil
		}
		return fetch.AttemptResult{}, fmt.Errorf("get s3://%s/%s: %w", c.bucket, key, err)
	}
	defer out.Body.Close()

	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return fetch.AttemptResult{}, fmt.Errorf("read s3://%s/%s: %w", c.bucket, key, err)
	}
	c.logger.Debug("downloaded archive", "key", key, "bytes", len(payload))
	return fetch.AttemptResult{Payload: payload}, nil
}

// apiError is the error-code surface of SDK service errors.
type apiError interface {
	ErrorCode() string
}

func isSlowDown(err error) bool {
	var ae apiError
	return errors.As(err, &ae) && ae.ErrorCode() == "SlowDown"
}
