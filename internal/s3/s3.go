// Package s3 archives raw gitleaks reports to S3-compatible object storage.
package s3

import (
	"context"
	"fmt"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Client struct {
	mc     *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey string, useSSL bool, bucket string) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &Client{mc: mc, bucket: bucket}, nil
}

// ReportKey is the object key a scan's raw report is archived under.
func ReportKey(scanID string) string {
	return fmt.Sprintf("reports/%s.json", scanID)
}

// EnsureBucket creates the archive bucket when it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	ok, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if ok {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// ArchiveReport uploads the report file at path and returns its object key.
func (c *Client) ArchiveReport(ctx context.Context, scanID, path string) (string, error) {
	key := ReportKey(scanID)
	if err := c.UploadFile(ctx, key, path, "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

func (c *Client) UploadFile(ctx context.Context, key, filePath, contentType string) error {
	_, err := c.mc.FPutObject(ctx, c.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// Delete removes the archived report of scanID. A missing object is not an error.
func (c *Client) Delete(ctx context.Context, scanID string) error {
	return c.mc.RemoveObject(ctx, c.bucket, ReportKey(scanID), minio.RemoveObjectOptions{})
}
