package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds configuration for S3 storage.
type S3Config struct {
	Region string
	// Endpoint overrides the AWS endpoint, e.g. for MinIO.
	Endpoint string
	// UsePathStyle is required by most S3-compatible servers.
	UsePathStyle bool
	MaxRetries   int
	Multipart    MultipartUploadConfig
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:     "eu-west-1",
		MaxRetries: 3,
		Multipart:  DefaultMultipartConfig(),
	}
}

// S3Storage stores run artifacts in an S3 bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
	cfg    S3Config
}

// NewS3Storage loads the default AWS credential chain and returns a client
// for bucket.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("storage: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	if cfg.Multipart.PartSize <= 0 {
		cfg.Multipart = DefaultMultipartConfig()
	}
	return &S3Storage{client: client, bucket: bucket, cfg: cfg}, nil
}

// Upload stores a local file as objectPath.
func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) error {
	_, err := s.put(ctx, localPath, objectPath)
	return err
}

// UploadMultipart stores a local file, splitting it in parts when it is
// larger than the configured part size. The returned ETag has its quotes
// stripped so it compares with the local backend's digest.
func (s *S3Storage) UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error) {
	stat, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if stat.Size() <= s.cfg.Multipart.PartSize {
		return s.put(ctx, localPath, objectPath)
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()

	var etag string
	err = s.retry(ctx, func() error {
		var uploadErr error
		etag, uploadErr = s.uploadParts(ctx, file, stat.Size(), objectPath)
		return uploadErr
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, objectPath, err)
	}
	return etag, nil
}

func (s *S3Storage) put(ctx context.Context, localPath, objectPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()

	var etag string
	err = s.retry(ctx, func() error {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(objectPath),
			Body:        file,
			ContentType: aws.String(contentType(objectPath)),
		})
		if err != nil {
			return err
		}
		etag = trimETag(out.ETag)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, objectPath, err)
	}
	return etag, nil
}

// uploadParts runs one complete multipart upload. A failed part aborts the
// whole upload.
func (s *S3Storage) uploadParts(ctx context.Context, file *os.File, size int64, objectPath string) (string, error) {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectPath),
		ContentType: aws.String(contentType(objectPath)),
	})
	if err != nil {
		return "", err
	}
	abort := func() {
		_, _ = s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(objectPath),
			UploadId: created.UploadId,
		})
	}

	partSize := s.cfg.Multipart.PartSize
	var parts []types.CompletedPart
	for n, offset := int32(1), int64(0); offset < size; n, offset = n+1, offset+partSize {
		length := min(partSize, size-offset)
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(objectPath),
			UploadId:      created.UploadId,
			PartNumber:    aws.Int32(n),
			Body:          io.NewSectionReader(file, offset, length),
			ContentLength: aws.Int64(length),
		})
		if err != nil {
			abort()
			return "", fmt.Errorf("part %d: %w", n, err)
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(n)})
	}

	done, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(objectPath),
		UploadId:        created.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		abort()
		return "", err
	}
	return trimETag(done.ETag), nil
}

// Download writes objectPath to localPath through a temporary file that is
// renamed into place.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	err := s.retry(ctx, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
		if err != nil {
			return err
		}
		if _, err := io.Copy(tmp, out.Body); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return err
		}
		return os.Rename(tmp.Name(), localPath)
	})
	switch {
	case err == nil:
		return nil
	case isS3NotFound(err):
		return fmt.Errorf("%w: %s", ErrObjectNotFound, objectPath)
	default:
		return fmt.Errorf("%w: %s: %v", ErrDownloadFailed, objectPath, err)
	}
}

// Delete removes an object. S3 reports success for missing keys.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	err := s.retry(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeleteFailed, objectPath, err)
	}
	return nil
}

// Exists reports whether objectPath is present in the bucket.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	err := s.retry(ctx, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if isS3NotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: head %s: %w", objectPath, err)
	}
	return true, nil
}

// ListObjects returns the keys under prefix.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: listing %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// retry runs op until it succeeds, the context ends or MaxRetries is
// exhausted, doubling the wait from 200ms. Missing objects are not retried.
func (s *S3Storage) retry(ctx context.Context, op func() error) error {
	wait := 200 * time.Millisecond
	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = op(); err == nil || isS3NotFound(err) || attempt >= s.cfg.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

func trimETag(etag *string) string {
	return strings.Trim(aws.ToString(etag), `"`)
}

// contentType labels the artifacts a run produces.
func contentType(objectPath string) string {
	switch name := path.Base(objectPath); {
	case strings.HasSuffix(name, ".json.sz"):
		return "application/x-snappy"
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".csv"):
		return "text/csv"
	case strings.HasSuffix(name, ".db"), strings.HasSuffix(name, ".sqlite"):
		return "application/vnd.sqlite3"
	default:
		return "application/octet-stream"
	}
}
