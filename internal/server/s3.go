package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// s3Store implements ObjectStore on aws-sdk-go-v2 for AWS S3 and other
// S3-compatible services (Ceph, R2, OCI compatibility endpoints).
type s3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
}

func newS3Client(endpoint, accessKey, secretKey, region string) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.Region = region
			o.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
		},
	}
	if endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.New(s3.Options{}, opts...)
}

func newS3Store(ctx context.Context, cfg StorageConfig) (*s3Store, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 configuration incomplete")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client := newS3Client(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, region)
	signClient := client
	if cfg.PublicEndpoint != "" && cfg.PublicEndpoint != cfg.Endpoint {
		signClient = newS3Client(cfg.PublicEndpoint, cfg.AccessKey, cfg.SecretKey, region)
	}

	st := &s3Store{
		client:    client,
		presigner: s3.NewPresignClient(signClient),
		bucket:    cfg.Bucket,
	}
	if err := st.Ping(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}

func (s *s3Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	body := r
	if size < 0 {
		// The SDK needs a content length for unsigned streams; spool to disk.
		tmp, err := os.CreateTemp("", "sharenest-upload-*")
		if err != nil {
			return 0, err
		}
		defer func() {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}()
		n, err := io.Copy(tmp, r)
		if err != nil {
			return 0, err
		}
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		body, size = tmp, n
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return 0, fmt.Errorf("put object %s: %w", key, err)
	}
	return size, nil
}

func (s *s3Store) Stat(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return 0, ErrObjectNotFound
		}
		return 0, fmt.Errorf("stat object %s: %w", key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) List(ctx context.Context) ([]ObjectEntry, error) {
	var out []ObjectEntry
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			out = append(out, ObjectEntry{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

func presignTTL(ttl time.Duration) func(*s3.PresignOptions) {
	return s3.WithPresignExpires(ttl)
}

func (s *s3Store) PresignGet(ctx context.Context, key string, ttl time.Duration, downloadName string) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(s.bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String(attachmentDisposition(downloadName)),
	}, presignTTL(ttl))
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *s3Store) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, presignTTL(ttl))
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *s3Store) CreateMultipart(ctx context.Context, key string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart %s: %w", key, err)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *s3Store) PresignPart(ctx context.Context, key, uploadID string, partNum int, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNum)),
	}, presignTTL(ttl))
	if err != nil {
		return "", fmt.Errorf("presign part %d of %s: %w", partNum, key, err)
	}
	return req.URL, nil
}

func (s *s3Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	cp := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		cp = append(cp, types.CompletedPart{
			PartNumber: aws.Int32(int32(p.PartNum)),
			ETag:       aws.String(p.ETag),
		})
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: cp},
	})
	if err != nil {
		return fmt.Errorf("complete multipart %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err == nil {
		return nil
	}
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return nil
	}
	return fmt.Errorf("abort multipart %s: %w", key, err)
}

func (s *s3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}
	return nil
}
