// Package storage serves lab attachments (challenge files) out of S3 with a
// local on-disk cache. The orchestrator only reads; uploads are the content
// pipeline's business.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cyberlabs/labd/pkg/errors"
)

// Client provides attachment downloads from S3.
type Client struct {
	s3Client *s3.Client
	bucket   string
	cacheDir string
	maxSize  int64
}

// NewClient creates an attachment client. Attachments are public objects, so
// anonymous credentials are enough.
func NewClient(ctx context.Context, bucket, region, cacheDir string, maxSize int64) (*Client, error) {
	slog.Info("attachment_client_init", "bucket", bucket, "region", region, "cache_dir", cacheDir)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create attachment cache dir")
	}

	return &Client{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
		cacheDir: cacheDir,
		maxSize:  maxSize,
	}, nil
}

// Fetch returns a local path for the attachment, downloading it into the
// cache on first use. The cache key is the object key's base name prefixed
// with its owning lab, so catalog edits that repoint a lab to a new key
// never serve a stale file.
func (c *Client) Fetch(ctx context.Context, labID, key string) (string, error) {
	localPath := filepath.Join(c.cacheDir, labID+"-"+filepath.Base(key))
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	}

	ok, err := c.exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.ErrNotFound
	}

	if _, err := c.download(ctx, key, localPath); err != nil {
		return "", err
	}
	return localPath, nil
}

func (c *Client) exists(ctx context.Context, key string) (bool, error) {
	head, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if err.Error() == "NotFound" {
			return false, nil
		}
		slog.Error("attachment_head_failed", "key", key, "error", err)
		return false, errors.Wrap(err, "failed to check attachment existence")
	}
	if c.maxSize > 0 && head.ContentLength != nil && *head.ContentLength > c.maxSize {
		return false, fmt.Errorf("attachment %s is %d bytes, cap is %d", key, *head.ContentLength, c.maxSize)
	}
	return true, nil
}

// download streams the object to disk and records its checksum for the log.
func (c *Client) download(ctx context.Context, key, localPath string) (int64, error) {
	slog.Info("attachment_download_start", "bucket", c.bucket, "key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("attachment_get_failed", "key", key, "error", err)
		return 0, errors.Wrap(err, "failed to get attachment from S3")
	}
	defer result.Body.Close()

	tmpPath := localPath + ".partial"
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create cache file")
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), io.LimitReader(result.Body, c.maxSize+1))
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return 0, errors.Wrap(err, "failed to download attachment")
	}
	if c.maxSize > 0 && size > c.maxSize {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("attachment %s exceeds size cap %d", key, c.maxSize)
	}

	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		return 0, errors.Wrap(err, "failed to publish cache file")
	}

	slog.Info("attachment_download_complete",
		"key", key,
		"size", size,
		"sha256", hex.EncodeToString(hash.Sum(nil))[:16]+"...",
	)
	return size, nil
}
