package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// defaultPresignExpiry applies when URL is called without an expiry and no
// public bucket URL is configured.
const defaultPresignExpiry = 15 * time.Minute

// R2Storage stores objects in a Cloudflare R2 bucket through the S3 API.
type R2Storage struct {
	client    *s3.Client
	presign   *s3.PresignClient
	bucket    string
	publicURL string
	logger    *slog.Logger
}

// NewR2Storage builds an S3 client for the account's R2 endpoint, or for
// cfg.Endpoint when set.
func NewR2Storage(cfg R2Config, logger *slog.Logger) (*R2Storage, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("r2: bucket name is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.AccountID == "" {
			return nil, errors.New("r2: account id is required")
		}
		endpoint = "https://" + cfg.AccountID + ".r2.cloudflarestorage.com"
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	client := s3.New(s3.Options{
		Region:       region,
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	})

	s := &R2Storage{
		client:    client,
		presign:   s3.NewPresignClient(client),
		bucket:    cfg.BucketName,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		logger:    logger.With("storage", ProviderR2),
	}
	s.logger.Info("R2 storage ready", "bucket", s.bucket, "endpoint", endpoint, "public_url", s.publicURL)
	return s, nil
}

// Put uploads data to key. Create-only puts send If-None-Match: * so the
// bucket rejects an existing key in the same request.
func (s *R2Storage) Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error {
	if err := checkKey(key); err != nil {
		return &StorageError{Op: "Put", Key: key, Err: err}
	}

	// The SDK needs a seekable body to sign and checksum the upload.
	body, err := io.ReadAll(capReader(data, opts.MaxSize))
	if err != nil {
		return &StorageError{Op: "Put", Key: key, Err: err}
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(DetectContentType(opts.ContentType, key)),
	}
	if !opts.Overwrite {
		input.IfNoneMatch = aws.String("*")
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return &StorageError{Op: "Put", Key: key, Err: classifyR2Error(err)}
	}

	s.logger.Debug("Stored object", "key", key, "bytes", len(body), "etag", aws.ToString(out.ETag))
	return nil
}

// Get streams the object at key.
func (s *R2Storage) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := checkKey(key); err != nil {
		return nil, ObjectInfo{}, &StorageError{Op: "Get", Key: key, Err: err}
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ObjectInfo{}, &StorageError{Op: "Get", Key: key, Err: classifyR2Error(err)}
	}

	return out.Body, ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  DetectContentType(aws.ToString(out.ContentType), key),
		LastModified: aws.ToTime(out.LastModified),
		ETag:         aws.ToString(out.ETag),
	}, nil
}

// Delete removes key. S3 deletes succeed for missing keys.
func (s *R2Storage) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return &StorageError{Op: "Delete", Key: key, Err: err}
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return &StorageError{Op: "Delete", Key: key, Err: classifyR2Error(err)}
	}
	s.logger.Debug("Deleted object", "key", key)
	return nil
}

// URL returns the public bucket URL when one is configured and expires is
// zero. Every other case gets a presigned GET.
func (s *R2Storage) URL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if err := checkKey(key); err != nil {
		return "", &StorageError{Op: "URL", Key: key, Err: err}
	}

	if expires == 0 {
		if s.publicURL != "" {
			return s.publicURL + "/" + key, nil
		}
		expires = defaultPresignExpiry
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", &StorageError{Op: "URL", Key: key, Err: fmt.Errorf("presign: %w", err)}
	}
	return req.URL, nil
}

// classifyR2Error maps S3 responses onto the package's sentinel errors.
// Anything unrecognized is returned unchanged.
func classifyR2Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		case "PreconditionFailed":
			return ErrKeyExists
		case "AccessDenied", "Forbidden":
			return ErrAccessDenied
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusPreconditionFailed:
			return ErrKeyExists
		case http.StatusForbidden:
			return ErrAccessDenied
		}
	}

	return err
}
