// Package storage publishes run artifacts (database file, dictionary
// snapshot, query exports) to object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// Storage types accepted by Open.
const (
	TypeNone  = "none"
	TypeLocal = "local"
	TypeS3    = "s3"
)

// ObjectStorage abstracts object storage operations.
// Implementations are S3 and the local filesystem.
type ObjectStorage interface {
	// Upload copies a local file to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// UploadMultipart uploads in parts when the file is larger than the
	// configured part size and returns the ETag of the stored object.
	UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error)

	// Download copies objectPath to a local file.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64
	// Concurrency is the number of files uploaded in parallel (default: 5).
	Concurrency int
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize:    5 * 1024 * 1024, // 5MB
		Concurrency: 5,
	}
}

// Options selects and configures a storage backend.
type Options struct {
	Type         string
	Path         string
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// Open creates the backend named by opts.Type. It returns nil for TypeNone
// or an empty type.
func Open(ctx context.Context, opts Options) (ObjectStorage, error) {
	switch opts.Type {
	case "", TypeNone:
		return nil, nil
	case TypeLocal:
		if opts.Path == "" {
			return nil, fmt.Errorf("storage: local storage requires a path")
		}
		return NewLocalStorage(opts.Path)
	case TypeS3:
		if opts.Bucket == "" {
			return nil, fmt.Errorf("storage: s3 storage requires a bucket")
		}
		cfg := DefaultS3Config()
		if opts.Region != "" {
			cfg.Region = opts.Region
		}
		cfg.Endpoint = opts.Endpoint
		cfg.UsePathStyle = opts.UsePathStyle
		return NewS3Storage(ctx, opts.Bucket, cfg)
	default:
		return nil, fmt.Errorf("storage: unknown storage type %q", opts.Type)
	}
}
