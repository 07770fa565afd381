package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	"CrisisBridge/pkg/errors"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore S3 兼容存储，首次写入时创建 bucket
type MinioStore struct {
	cfg         MinioConfig
	cli         *minio.Client
	bucketOnce  sync.Once
	bucketError error
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}
	return &MinioStore{cfg: cfg, cli: cli}, nil
}

func (m *MinioStore) ensureBucket(ctx context.Context) error {
	m.bucketOnce.Do(func() {
		exists, err := m.cli.BucketExists(ctx, m.cfg.Bucket)
		if err != nil {
			m.bucketError = errors.Wrapf(err, "check bucket %s", m.cfg.Bucket)
			return
		}
		if !exists {
			if err := m.cli.MakeBucket(ctx, m.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
				m.bucketError = errors.Wrapf(err, "make bucket %s", m.cfg.Bucket)
			}
		}
	})
	return m.bucketError
}

func (m *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := m.ensureBucket(ctx); err != nil {
		return err
	}
	_, err := m.cli.PutObject(ctx, m.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	return errors.Wrapf(err, "put object %s", key)
}

func (m *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.cli.GetObject(ctx, m.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get object %s", key)
	}
	defer obj.Close()
	b, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, errors.Wrapf(errors.ErrNotFound, "object %s", key)
		}
		return nil, errors.Wrapf(err, "read object %s", key)
	}
	return b, nil
}

func (m *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.cli.StatObject(ctx, m.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat object %s", key)
	}
	return true, nil
}

func (m *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	for obj := range m.cli.ListObjects(ctx, m.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, errors.Wrapf(obj.Err, "list objects %s", prefix)
		}
		out = append(out, obj.Key)
	}
	return out, nil
}
