package server

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned by ObjectStore implementations when the key
// does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the subset of S3 semantics the upload, download and
// reconciliation flows rely on. Two implementations exist: minioStore
// (minio-go) and s3Store (aws-sdk-go-v2).
type ObjectStore interface {
	// Put streams r into key. size may be -1 when unknown. It returns the
	// number of bytes stored.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error)
	// Stat returns the stored size of key or ErrObjectNotFound.
	Stat(ctx context.Context, key string) (int64, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every key in the bucket.
	List(ctx context.Context) ([]ObjectEntry, error)

	PresignGet(ctx context.Context, key string, ttl time.Duration, downloadName string) (string, error)
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)

	CreateMultipart(ctx context.Context, key string) (uploadID string, err error)
	PresignPart(ctx context.Context, key, uploadID string, partNum int, ttl time.Duration) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error
	AbortMultipart(ctx context.Context, key, uploadID string) error

	// Ping checks that the bucket is reachable.
	Ping(ctx context.Context) error
}

// CompletedPart identifies one uploaded part of a multipart session.
type CompletedPart struct {
	PartNum int    `json:"partNum"`
	ETag    string `json:"etag"`
}

// ObjectEntry is one key returned by ObjectStore.List.
type ObjectEntry struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// StorageConfig selects and configures an ObjectStore backend.
type StorageConfig struct {
	Driver         string // "minio" or "s3"
	Endpoint       string
	PublicEndpoint string
	AccessKey      string
	SecretKey      string
	Region         string
	Bucket         string
}

// NewObjectStore builds the backend named by cfg.Driver and verifies the
// bucket exists.
func NewObjectStore(ctx context.Context, cfg StorageConfig) (ObjectStore, error) {
	switch cfg.Driver {
	case "s3":
		st, err := newS3Store(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "", "minio":
		st, err := newMinioStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

// attachmentDisposition builds a Content-Disposition value for presigned
// downloads. Quotes and backslashes are stripped from the name.
func attachmentDisposition(name string) string {
	if name == "" {
		return "attachment"
	}
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '"' || r == '\\' || r < 0x20 {
			continue
		}
		clean = append(clean, r)
	}
	return `attachment; filename="` + string(clean) + `"`
}
