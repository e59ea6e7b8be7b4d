package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"storeit/internal/util"
)

// Blob describes an object accepted by a BlobStore.
type Blob struct {
	ID   string
	Name string
	Size int64
}

// BlobStore provides access to object storage keyed by platform-generated ids.
type BlobStore interface {
	// Put stores r under a fresh blob id. It either stores the whole object or
	// returns an error.
	Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (Blob, error)
	PresignGet(ctx context.Context, blobID, filename string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, blobID string) error
}

var errBlobIDRequired = errors.New("blob id required")

// MinioStore implements BlobStore for MinIO/S3 compatible storage.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// Put uploads an object under a new blob id.
func (m *MinioStore) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (Blob, error) {
	id := util.NewID()
	info, err := m.client.PutObject(ctx, m.bucket, objectKey(id), r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"filename": name},
	})
	if err != nil {
		return Blob{}, fmt.Errorf("put object: %w", err)
	}
	return Blob{ID: id, Name: name, Size: info.Size}, nil
}

// PresignGet generates a pre-signed GET URL that downloads as filename.
func (m *MinioStore) PresignGet(ctx context.Context, blobID, filename string, expiry time.Duration) (string, error) {
	if strings.TrimSpace(blobID) == "" {
		return "", errBlobIDRequired
	}
	url, err := m.client.PresignedGetObject(ctx, m.bucket, objectKey(blobID), expiry, contentDisposition(filename))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return url.String(), nil
}

// Delete removes an object.
func (m *MinioStore) Delete(ctx context.Context, blobID string) error {
	if strings.TrimSpace(blobID) == "" {
		return errBlobIDRequired
	}
	if err := m.client.RemoveObject(ctx, m.bucket, objectKey(blobID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func objectKey(blobID string) string {
	return path.Join("blobs", blobID)
}
