package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/animus-labs/appfabric/internal/platform/env"
)

// MinioConfig locates the S3-compatible endpoint. Artifact bundles and
// per-application data live in separate buckets.
type MinioConfig struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketArtifacts string
	BucketAppData   string
}

// MinioConfigFromEnv reads APPFABRIC_MINIO_* settings.
func MinioConfigFromEnv(r *env.Reader) MinioConfig {
	return MinioConfig{
		Endpoint:        r.String("APPFABRIC_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       r.String("APPFABRIC_MINIO_ACCESS_KEY", "appfabric"),
		SecretKey:       r.String("APPFABRIC_MINIO_SECRET_KEY", "appfabricminio"),
		Region:          r.String("APPFABRIC_MINIO_REGION", "us-east-1"),
		UseSSL:          r.Bool("APPFABRIC_MINIO_USE_SSL", false),
		BucketArtifacts: r.String("APPFABRIC_MINIO_BUCKET_ARTIFACTS", "artifacts"),
		BucketAppData:   r.String("APPFABRIC_MINIO_BUCKET_APPDATA", "appdata"),
	}
}

func (c MinioConfig) Validate() error {
	var errs []error
	switch {
	case c.Endpoint == "":
		errs = append(errs, errors.New("minio endpoint is required"))
	case strings.Contains(c.Endpoint, "://"):
		errs = append(errs, fmt.Errorf("minio endpoint must be host:port, got %q", c.Endpoint))
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		errs = append(errs, errors.New("minio credentials are required"))
	}
	if c.BucketArtifacts == "" || c.BucketAppData == "" {
		errs = append(errs, errors.New("artifact and appdata buckets are required"))
	} else if c.BucketArtifacts == c.BucketAppData {
		errs = append(errs, errors.New("artifact and appdata buckets must differ"))
	}
	return errors.Join(errs...)
}

// Buckets lists every bucket the service writes to.
func (c MinioConfig) Buckets() []string {
	return []string{c.BucketArtifacts, c.BucketAppData}
}

// MinioStore implements Store on MinIO or any S3-compatible endpoint.
type MinioStore struct {
	client  *minio.Client
	buckets []string
	region  string
}

// OpenMinio connects and creates any missing bucket.
func OpenMinio(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	s := &MinioStore{client: client, buckets: cfg.Buckets(), region: cfg.Region}
	if err := s.ensureBuckets(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinioStore) ensureBuckets(ctx context.Context) error {
	for _, bucket := range s.buckets {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		err = s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region})
		if err != nil && minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// Ready fails when any bucket is unreachable or missing.
func (s *MinioStore) Ready(ctx context.Context) error {
	for _, bucket := range s.buckets {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket %s: %w", bucket, err)
		}
		if !exists {
			return fmt.Errorf("bucket %s missing", bucket)
		}
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, mapMinioError(bucket, key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before any read.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, ObjectInfo{}, mapMinioError(bucket, key, err)
	}
	return obj, toObjectInfo(info), nil
}

func (s *MinioStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapMinioError(bucket, key, err)
	}
	return toObjectInfo(info), nil
}

func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if errors.Is(mapMinioError(bucket, key, err), ErrNotFound) {
			return nil
		}
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, obj.Err)
		}
		out = append(out, toObjectInfo(obj))
	}
	return out, nil
}

// DeletePrefix streams the listing into the multi-object delete API.
func (s *MinioStore) DeletePrefix(ctx context.Context, bucket, prefix string) (int, error) {
	if prefix == "" {
		return 0, errEmptyPrefix
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		submitted int
		failed    []error
	)
	listErr := make(chan error, 1)
	objects := make(chan minio.ObjectInfo)
	go func() {
		defer close(objects)
		for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				listErr <- obj.Err
				return
			}
			select {
			case objects <- obj:
				submitted++
			case <-ctx.Done():
				return
			}
		}
	}()
	// submitted is final once the result channel closes: RemoveObjects
	// drains objects before closing it.
	for res := range s.client.RemoveObjects(ctx, bucket, objects, minio.RemoveObjectsOptions{}) {
		if res.Err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", res.ObjectName, res.Err))
		}
	}
	select {
	case err := <-listErr:
		failed = append(failed, fmt.Errorf("list %s/%s: %w", bucket, prefix, err))
	default:
	}
	removed := submitted - len(failed)
	if len(failed) > 0 {
		return max(removed, 0), fmt.Errorf("delete prefix %s/%s: %w", bucket, prefix, errors.Join(failed...))
	}
	return removed, nil
}

func toObjectInfo(info minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}
}

func mapMinioError(bucket, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}
	return err
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
