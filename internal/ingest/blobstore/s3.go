package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/http"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Laisky/file-ingest/library/log"
)

// S3Config configures an S3Store.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// CreateBucket creates the bucket with anonymous object read access when missing.
	CreateBucket bool
}

// S3Store stores objects in an S3-compatible bucket.
type S3Store struct {
	cl     *minio.Client
	bucket string
	logger logSDK.Logger
}

// NewS3Store connects to the endpoint and prepares the bucket.
func NewS3Store(ctx context.Context, cfg S3Config, logger logSDK.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if logger == nil {
		logger = log.Logger.Named("s3_store")
	}

	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new minio client")
	}

	s := &S3Store{cl: cl, bucket: cfg.Bucket, logger: logger}
	if cfg.CreateBucket {
		if err = s.ensureBucket(ctx, cfg.Region); err != nil {
			logger.Error("initialize bucket", zap.Error(err), zap.String("bucket", cfg.Bucket))
			return nil, errors.WithStack(err)
		}
		logger.Info("bucket initialized", zap.String("bucket", cfg.Bucket))
	}

	return s, nil
}

// ensureBucket creates the bucket when missing and grants anonymous object reads.
func (s *S3Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.cl.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.Wrapf(err, "check bucket %s", s.bucket)
	}
	if exists {
		return nil
	}

	if err = s.cl.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return errors.Wrapf(err, "make bucket %s", s.bucket)
	}
	if err = s.cl.SetBucketPolicy(ctx, s.bucket, publicReadPolicy(s.bucket)); err != nil {
		return errors.Wrapf(err, "set policy of bucket %s", s.bucket)
	}

	return nil
}

// publicReadPolicy allows anonymous GetObject on every object, not bucket listing.
func publicReadPolicy(bucket string) string {
	return fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow",`+
		`"Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, bucket)
}

// PutObject uploads body with content type and user metadata.
func (s *S3Store) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) (Object, error) {
	if err := ValidateKey(key); err != nil {
		return Object{}, errors.WithStack(err)
	}

	info, err := s.cl.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return Object{}, errors.Wrapf(err, "put object %s", key)
	}

	return Object{Key: info.Key, Size: info.Size, ETag: info.ETag}, nil
}

// Exists stats the object, a missing key is reported as false without error.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.cl.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "stat object %s", key)
}

// DeleteIfExists removes the object.
func (s *S3Store) DeleteIfExists(ctx context.Context, key string) error {
	err := s.cl.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return errors.Wrapf(err, "remove object %s", key)
	}
	return nil
}

// PublicURL returns the path-style object URL on the configured endpoint.
func (s *S3Store) PublicURL(key string) string {
	return objectURL(s.cl.EndpointURL().String(), s.bucket, key)
}

// Kind returns KindS3.
func (s *S3Store) Kind() string {
	return KindS3
}

// Container returns the bucket name.
func (s *S3Store) Container() string {
	return s.bucket
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
