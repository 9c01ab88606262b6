package assetstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const maxAssetBytes int64 = 10 * 1024 * 1024

// MinioStore stores expression images in a MinIO/S3 bucket.
type MinioStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewMinioStoreFromEnv initialises MinioStore using MINIO_* environment
// variables. Returns (nil, nil) when no endpoint is configured so callers can
// treat object storage as optional.
func NewMinioStoreFromEnv() (*MinioStore, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("assetstore: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("assetstore: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("assetstore: create bucket: %w", err)
		}
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &MinioStore{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Upload stores data at the given object path and returns its public URL.
func (s *MinioStore) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("assetstore: object storage not configured")
	}

	objectName := strings.Trim(strings.TrimSpace(path), "/")
	if objectName == "" {
		return "", errors.New("assetstore: object path is required")
	}
	if int64(len(data)) > maxAssetBytes {
		return "", fmt.Errorf("assetstore: asset size exceeds %d bytes", maxAssetBytes)
	}

	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !isAllowedImageContent(contentType) {
		return "", fmt.Errorf("assetstore: unsupported content type %q", contentType)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(uploadCtx, s.bucket, objectName, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=604800",
	})
	if err != nil {
		return "", fmt.Errorf("%w: upload %s: %v", ErrConnectionFailed, objectName, err)
	}

	return s.buildPublicURL(objectName), nil
}

// Download fetches the object bytes behind a storage path or public URL.
func (s *MinioStore) Download(ctx context.Context, pathOrURL string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("assetstore: object storage not configured")
	}
	objectName, ok := s.objectNameFromLocator(pathOrURL)
	if !ok {
		return nil, fmt.Errorf("assetstore: cannot resolve object for %q", pathOrURL)
	}

	downloadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	object, err := s.client.GetObject(downloadCtx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: download %s: %v", ErrConnectionFailed, objectName, err)
	}
	defer object.Close()

	data, err := io.ReadAll(io.LimitReader(object, maxAssetBytes+1))
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: download %s: %v", ErrConnectionFailed, objectName, err)
	}
	if int64(len(data)) > maxAssetBytes {
		return nil, fmt.Errorf("assetstore: asset at %s exceeds %d bytes", objectName, maxAssetBytes)
	}
	return data, nil
}

// Delete removes the object pointed to by the provided URL or object path.
func (s *MinioStore) Delete(ctx context.Context, pathOrURL string) error {
	if s == nil || s.client == nil {
		return nil
	}
	objectName, ok := s.objectNameFromLocator(pathOrURL)
	if !ok {
		return nil
	}

	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.client.RemoveObject(removeCtx, s.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrConnectionFailed, objectName, err)
	}
	return nil
}

func (s *MinioStore) buildPublicURL(objectName string) string {
	base := strings.TrimSuffix(s.publicURL, "/")
	object := strings.TrimPrefix(objectName, "/")
	return fmt.Sprintf("%s/%s/%s", base, s.bucket, object)
}

func (s *MinioStore) objectNameFromLocator(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}

	base := strings.TrimSuffix(s.publicURL, "/")
	if base != "" && strings.HasPrefix(trimmed, base) {
		candidate := strings.TrimPrefix(trimmed, base)
		candidate = strings.TrimPrefix(candidate, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		candidate = strings.TrimPrefix(candidate, "/")
		if candidate != "" {
			return candidate, true
		}
	}

	target, err := url.Parse(trimmed)
	if err != nil {
		return "", false
	}
	baseURL, err := url.Parse(base)
	if err == nil && baseURL.Host != "" && baseURL.Host == target.Host {
		candidate := strings.TrimPrefix(target.Path, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		candidate = strings.TrimPrefix(candidate, "/")
		if candidate != "" {
			return candidate, true
		}
	}

	if !strings.Contains(trimmed, "://") {
		candidate := strings.TrimPrefix(trimmed, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		candidate = strings.TrimPrefix(candidate, "/")
		if candidate != "" {
			return candidate, true
		}
	}

	return "", false
}

func isAllowedImageContent(contentType string) bool {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png", "image/x-png":
		return true
	case "image/jpeg", "image/pjpeg":
		return true
	case "image/webp":
		return true
	case "image/gif":
		return true
	default:
		return false
	}
}
