/**
 * Object storage
 *
 * S3-compatible blob storage for original uploads and rasterized page
 * images. The MinIO client speaks to MinIO itself as well as AWS S3 and
 * other compatible endpoints.
 */

package storage

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore abstracts the blob backend so the pipeline and tests can
// swap in fakes.
type ObjectStore interface {
	// Download fetches bucket/key into destPath.
	Download(ctx context.Context, bucket, key, destPath string) error
	// Upload stores the file at srcPath under bucket/key.
	Upload(ctx context.Context, bucket, key, srcPath string) error
	// Delete removes bucket/key.
	Delete(ctx context.Context, bucket, key string) error
	// Exists reports whether bucket/key is present.
	Exists(ctx context.Context, bucket, key string) (bool, error)
	// URLFor returns a time-limited download URL for bucket/key.
	URLFor(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// MinioStore implements ObjectStore against an S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
}

// NewMinioStore connects to the endpoint and verifies the default
// bucket exists, creating it when missing.
func NewMinioStore(endpoint, accessKey, secretKey string, useSSL bool, defaultBucket string) (*MinioStore, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("object storage endpoint is required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	store := &MinioStore{client: client}

	if defaultBucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		exists, err := client.BucketExists(ctx, defaultBucket)
		if err != nil {
			return nil, fmt.Errorf("failed to check bucket %s: %w", defaultBucket, err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, defaultBucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("failed to create bucket %s: %w", defaultBucket, err)
			}
		}
	}

	return store, nil
}

func (m *MinioStore) Download(ctx context.Context, bucket, key, destPath string) error {
	if err := m.client.FGetObject(ctx, bucket, key, destPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("failed to download %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (m *MinioStore) Upload(ctx context.Context, bucket, key, srcPath string) error {
	contentType := mimeTypeForKey(key)
	_, err := m.client.FPutObject(ctx, bucket, key, srcPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (m *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	if err := m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (m *MinioStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (m *MinioStore) URLFor(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

func mimeTypeForKey(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}

// GenerateObjectKey builds the storage key for a local file. When key
// is empty the file's base name is used. A datetime segment keeps keys
// from distinct runs of the same filename apart.
func GenerateObjectKey(localPath, key, prefix string, appendDatetime bool) string {
	if key == "" {
		key = filepath.Base(localPath)
	}
	if appendDatetime {
		key = time.Now().UTC().Format("2006-01-02T15-04-05") + "/" + key
	}
	if prefix != "" {
		key = strings.TrimSuffix(prefix, "/") + "/" + key
	}
	return key
}

// ParseCloudURI splits an s3:// or minio:// URI into bucket and key.
func ParseCloudURI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid cloud URI %q: %w", uri, err)
	}
	if u.Scheme != "s3" && u.Scheme != "minio" {
		return "", "", fmt.Errorf("unsupported cloud URI scheme %q", u.Scheme)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("cloud URI %q must include bucket and key", uri)
	}
	return bucket, key, nil
}
