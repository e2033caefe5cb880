// Package minio stores inbound media in a MinIO (S3 compatible) bucket.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"wabridge/pkg/objectstore"
)

// Config holds the connection settings of the MinIO endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// client is the subset of *minio.Client used by Store.
type client interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts miniogo.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts miniogo.PutObjectOptions) (miniogo.UploadInfo, error)
}

// Store implements objectstore.Store on top of minio-go.
type Store struct {
	client client
	region string
	log    *slog.Logger

	// ensured caches buckets known to exist.
	ensured sync.Map
}

var _ objectstore.Store = (*Store)(nil)

// New creates a Store for the endpoint in cfg. No request is made until the
// first EnsureBucket or Put.
func New(cfg Config, log *slog.Logger) (*Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}

	c, err := miniogo.New(endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return newStore(c, cfg.Region, log), nil
}

func newStore(c client, region string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		client: c,
		region: region,
		log:    log.With("component", "objectstore.minio"),
	}
}

// EnsureBucket creates bucket unless it exists. A concurrent creation that
// loses the race counts as success.
func (s *Store) EnsureBucket(ctx context.Context, bucket string) error {
	if strings.TrimSpace(bucket) == "" {
		return objectstore.ErrInvalidKey
	}
	if _, ok := s.ensured.Load(bucket); ok {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}

	if exists {
		s.log.Debug("Bucket already exists", "bucket", bucket)
	} else {
		err := s.client.MakeBucket(ctx, bucket, miniogo.MakeBucketOptions{Region: s.region})
		switch {
		case err == nil:
			s.log.Info("Bucket created", "bucket", bucket)
		case alreadyExists(err):
			s.log.Info("Bucket already exists", "bucket", bucket)
		default:
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	s.ensured.Store(bucket, struct{}{})
	return nil
}

// Put uploads data under key with the given content type and returns the
// object name.
func (s *Store) Put(ctx context.Context, bucket, key string, data []byte, mimeType string) (string, error) {
	name := objectstore.ObjectName(key)
	if name == "" {
		return "", objectstore.ErrInvalidKey
	}

	if err := s.EnsureBucket(ctx, bucket); err != nil {
		return "", err
	}

	info, err := s.client.PutObject(ctx, bucket, name, bytes.NewReader(data), int64(len(data)), miniogo.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s/%s: %w", bucket, name, err)
	}

	if info.Key != "" {
		name = info.Key
	}
	s.log.Debug("Object stored", "bucket", bucket, "key", name, "size", len(data), "mime_type", mimeType)
	return name, nil
}

func alreadyExists(err error) bool {
	switch miniogo.ToErrorResponse(err).Code {
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return true
	default:
		return false
	}
}
