package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		secure = (u.Scheme == "https")
		return u.Host, secure, nil
	}

	// No scheme provided, treat as host:port (insecure by default for local MinIO).
	return raw, false, nil
}

const streamPartSize = 16 << 20

// minioStore implements ObjectStore with minio-go. Presigned URLs are signed
// by a second client bound to the public endpoint so browsers can reach them.
type minioStore struct {
	client *minio.Client
	core   minio.Core
	signer *minio.Client
	bucket string
}

func newMinioClient(rawEndpoint, accessKey, secretKey, region string) (*minio.Client, error) {
	endpoint, secure, err := normaliseEndpoint(rawEndpoint)
	if err != nil {
		return nil, err
	}
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
		// A fixed region keeps presigning offline (no GetBucketLocation call).
		Region: region,
	})
}

func newMinioStore(ctx context.Context, cfg StorageConfig) (*minioStore, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio configuration incomplete")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := newMinioClient(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, region)
	if err != nil {
		return nil, err
	}

	signer := client
	if cfg.PublicEndpoint != "" && cfg.PublicEndpoint != cfg.Endpoint {
		signer, err = newMinioClient(cfg.PublicEndpoint, cfg.AccessKey, cfg.SecretKey, region)
		if err != nil {
			return nil, fmt.Errorf("public endpoint: %w", err)
		}
	}

	// Sanity check: bucket must exist.
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("minio bucket does not exist: %s", cfg.Bucket)
	}

	return &minioStore{
		client: client,
		core:   minio.Core{Client: client},
		signer: signer,
		bucket: cfg.Bucket,
	}, nil
}

// isMinioNotFound matches a missing object only. NoSuchBucket and other 404s
// are configuration faults and must surface as errors.
func isMinioNotFound(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (m *minioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	if size < 0 {
		// Unknown length is buffered one part at a time.
		opts.PartSize = streamPartSize
	}
	info, err := m.client.PutObject(ctx, m.bucket, key, r, size, opts)
	if err != nil {
		return 0, fmt.Errorf("put object %s: %w", key, err)
	}
	return info.Size, nil
}

func (m *minioStore) Stat(ctx context.Context, key string) (int64, error) {
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return 0, ErrObjectNotFound
		}
		return 0, fmt.Errorf("stat object %s: %w", key, err)
	}
	return info.Size, nil
}

func (m *minioStore) Delete(ctx context.Context, key string) error {
	err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (m *minioStore) List(ctx context.Context) ([]ObjectEntry, error) {
	var out []ObjectEntry
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		out = append(out, ObjectEntry{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}
	return out, nil
}

func (m *minioStore) PresignGet(ctx context.Context, key string, ttl time.Duration, downloadName string) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", attachmentDisposition(downloadName))
	u, err := m.signer.PresignedGetObject(ctx, m.bucket, key, ttl, params)
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, err)
	}
	return u.String(), nil
}

func (m *minioStore) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := m.signer.PresignedPutObject(ctx, m.bucket, key, ttl)
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", key, err)
	}
	return u.String(), nil
}

func (m *minioStore) CreateMultipart(ctx context.Context, key string) (string, error) {
	id, err := m.core.NewMultipartUpload(ctx, m.bucket, key, minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("create multipart %s: %w", key, err)
	}
	return id, nil
}

func (m *minioStore) PresignPart(ctx context.Context, key, uploadID string, partNum int, ttl time.Duration) (string, error) {
	params := url.Values{}
	params.Set("partNumber", strconv.Itoa(partNum))
	params.Set("uploadId", uploadID)
	u, err := m.signer.Presign(ctx, http.MethodPut, m.bucket, key, ttl, params)
	if err != nil {
		return "", fmt.Errorf("presign part %d of %s: %w", partNum, key, err)
	}
	return u.String(), nil
}

func (m *minioStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	cp := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		cp = append(cp, minio.CompletePart{PartNumber: p.PartNum, ETag: p.ETag})
	}
	if _, err := m.core.CompleteMultipartUpload(ctx, m.bucket, key, uploadID, cp, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("complete multipart %s: %w", key, err)
	}
	return nil
}

func (m *minioStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	err := m.core.AbortMultipartUpload(ctx, m.bucket, key, uploadID)
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchUpload" {
		return fmt.Errorf("abort multipart %s: %w", key, err)
	}
	return nil
}

func (m *minioStore) Ping(ctx context.Context) error {
	ok, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s missing", m.bucket)
	}
	return nil
}
