// Package assets mirrors generated media into a MinIO (S3-compatible)
// bucket so projects keep working after the generation service's temporary
// URLs expire.
package assets

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds MinIO connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// URLExpiry is the lifetime of the presigned URLs handed back.
	URLExpiry time.Duration

	// HTTPClient downloads the source media. Defaults to a client with a
	// one minute timeout.
	HTTPClient *http.Client

	Logger *log.Logger
}

// objectStore is the subset of *minio.Client the mirror uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// Mirror copies remote media into the bucket.
type Mirror struct {
	store  objectStore
	bucket string
	expiry time.Duration
	http   *http.Client
	logger *log.Logger

	mu          sync.Mutex
	bucketReady bool
}

// NewMirror connects to MinIO.
func NewMirror(cfg Config) (*Mirror, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("assets endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return newMirror(client, cfg), nil
}

func newMirror(store objectStore, cfg Config) *Mirror {
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 72 * time.Hour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: time.Minute}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[assets] ", log.LstdFlags)
	}
	return &Mirror{
		store:  store,
		bucket: cfg.Bucket,
		expiry: cfg.URLExpiry,
		http:   cfg.HTTPClient,
		logger: cfg.Logger,
	}
}

// Mirror downloads sourceURL, stores it under objectName and returns a
// presigned GET URL for the copy.
func (m *Mirror) Mirror(ctx context.Context, sourceURL, objectName string) (string, error) {
	if err := m.ensureBucket(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", sourceURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download %s: HTTP %d", sourceURL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = ContentTypeFor(objectName)
	}

	_, err = m.store.PutObject(ctx, m.bucket, objectName, resp.Body, resp.ContentLength, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", objectName, err)
	}

	presigned, err := m.store.PresignedGetObject(ctx, m.bucket, objectName, m.expiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", objectName, err)
	}

	m.logger.Printf("Mirrored %s", objectName)
	return presigned.String(), nil
}

func (m *Mirror) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bucketReady {
		return nil
	}

	exists, err := m.store.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", m.bucket, err)
	}
	if !exists {
		if err := m.store.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", m.bucket, err)
		}
		m.logger.Printf("Created bucket %s", m.bucket)
	}
	m.bucketReady = true
	return nil
}

// ImageObject names the object for a scene image.
func ImageObject(projectID, sceneID, sourceURL string) string {
	return path.Join("projects", projectID, "scenes", sceneID+extFromURL(sourceURL, ".png"))
}

// VideoObject names the object for a project video.
func VideoObject(projectID, sourceURL string) string {
	return path.Join("projects", projectID, "video"+extFromURL(sourceURL, ".mp4"))
}

func extFromURL(raw, fallback string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return fallback
	}
	ext := strings.ToLower(filepath.Ext(u.Path))
	if ext == "" || len(ext) > 5 {
		return fallback
	}
	return ext
}

// ContentTypeFor guesses a media type from the object's extension.
func ContentTypeFor(objectName string) string {
	switch strings.ToLower(filepath.Ext(objectName)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	}
	return "application/octet-stream"
}
