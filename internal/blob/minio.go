package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"tiered/internal/tier"
)

// MinioConfig holds the connection settings for a MinIO (or any
// S3-compatible) backend.
type MinioConfig struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Secure       bool
	BucketPrefix string
}

// MinioStore is a Store implementation that keeps each tier in its own
// bucket on an S3-compatible object store, named <prefix>-<tier>. Objects
// are keyed like the local layout: a two-character shard prefix followed by
// the file id.
type MinioStore struct {
	client       *minio.Client
	bucketPrefix string
}

// NewMinioStore connects to the configured endpoint and ensures the
// per-tier buckets exist.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint must not be empty")
	}
	if cfg.BucketPrefix == "" {
		cfg.BucketPrefix = "tiered"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &MinioStore{client: client, bucketPrefix: cfg.BucketPrefix}
	for _, t := range tier.All() {
		if err := s.ensureBucket(ctx, s.bucketFor(t)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MinioStore) bucketFor(t tier.Tier) string {
	return s.bucketPrefix + "-" + strings.ToLower(t.String())
}

func objectKey(id string) string {
	if len(id) < 2 {
		return id
	}
	return id[:2] + "/" + id
}

func (s *MinioStore) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}

func (s *MinioStore) Put(ctx context.Context, t tier.Tier, id string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucketFor(t), objectKey(id), r, size,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", t, id, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, t tier.Tier, id string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucketFor(t), objectKey(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", t, id, err)
	}

	// GetObject is lazy; Stat forces the lookup so absence surfaces here
	// rather than on first read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, t, id)
		}
		return nil, fmt.Errorf("stat object %s/%s: %w", t, id, err)
	}
	return obj, nil
}

// Copy uses server-side object copy, so payload bytes never round-trip
// through this process.
func (s *MinioStore) Copy(ctx context.Context, from tier.Tier, to tier.Tier, id string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucketFor(to), Object: objectKey(id)},
		minio.CopySrcOptions{Bucket: s.bucketFor(from), Object: objectKey(id)},
	)
	if err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, from, id)
		}
		return fmt.Errorf("copy object %s: %s -> %s: %w", id, from, to, err)
	}
	return nil
}

// Checksum streams the stored payload and hashes it. The object store's
// ETag is not usable here: it is an MD5 (or a multipart composite) rather
// than the SHA-256 digest the catalog records.
func (s *MinioStore) Checksum(ctx context.Context, t tier.Tier, id string) (string, int64, error) {
	rc, err := s.Get(ctx, t, id)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	h := sha256.New()
	size, err := io.Copy(h, rc)
	if err != nil {
		return "", 0, fmt.Errorf("hash object %s/%s: %w", t, id, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func (s *MinioStore) Delete(ctx context.Context, t tier.Tier, id string) error {
	bucket, key := s.bucketFor(t), objectKey(id)

	// RemoveObject succeeds silently for absent keys; stat first so callers
	// get the same ErrNotFound semantics as the local backend.
	if _, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, t, id)
		}
		return fmt.Errorf("stat object %s/%s: %w", t, id, err)
	}

	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s/%s: %w", t, id, err)
	}
	return nil
}
