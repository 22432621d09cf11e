package cmd

import (
	"context"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/Laisky/file-ingest/internal/ingest/blobstore"
	"github.com/Laisky/file-ingest/internal/ingest/pipeline"
	"github.com/Laisky/file-ingest/internal/ingest/registry"
	"github.com/Laisky/file-ingest/internal/ingest/scanner"
	"github.com/Laisky/file-ingest/internal/ingest/spool"
	rdb "github.com/Laisky/file-ingest/library/db/redis"
	"github.com/Laisky/file-ingest/library/log"
)

// components holds the collaborators built from settings.
type components struct {
	settings pipeline.Settings
	store    blobstore.Store
	scanner  *scanner.Client
	redis    *rdb.DB
	registry *registry.Registry
	svc      *pipeline.Service
}

// newScanner builds the scan client from settings.
func newScanner(s pipeline.ScanSettings) *scanner.Client {
	return scanner.New(scanner.Config{
		Host:           s.Host,
		Port:           s.Port,
		ConnectTimeout: s.ConnectTimeout,
		IOTimeout:      s.IOTimeout,
		ChunkBytes:     s.ChunkBytes,
	}, log.Logger.Named("scanner"))
}

// newStore builds the configured blob store backend.
func newStore(ctx context.Context, s pipeline.StorageSettings) (blobstore.Store, error) {
	switch s.Type {
	case pipeline.StorageTypeS3:
		store, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
			Endpoint:     s.S3.Endpoint,
			Region:       s.S3.Region,
			Bucket:       s.Container,
			AccessKey:    s.S3.AccessKey,
			SecretKey:    s.S3.SecretKey,
			UseSSL:       s.S3.UseSSL,
			CreateBucket: s.CreateContainer,
		}, log.Logger.Named("s3_store"))
		if err != nil {
			return nil, errors.Wrap(err, "new s3 store")
		}
		return store, nil
	case pipeline.StorageTypeLocal:
		store, err := blobstore.NewLocalStore(afero.NewOsFs(), s.Local.Dir, s.Local.PublicURL,
			log.Logger.Named("local_store"))
		if err != nil {
			return nil, errors.Wrap(err, "new local store")
		}
		return store, nil
	default:
		return nil, errors.Errorf("unknown storage type %q", s.Type)
	}
}

// buildComponents wires every collaborator of the pipeline from settings.
func buildComponents(ctx context.Context, settings pipeline.Settings) (*components, error) {
	c := &components{settings: settings}

	var err error
	if c.store, err = newStore(ctx, settings.Storage); err != nil {
		return nil, errors.WithStack(err)
	}

	var sc pipeline.Scanner
	if settings.Scan.Enabled {
		c.scanner = newScanner(settings.Scan)
		sc = c.scanner
	}

	var opts []pipeline.Option
	if settings.Redis.Addr != "" {
		c.redis = rdb.NewDB(&redis.Options{
			Addr:     settings.Redis.Addr,
			DB:       settings.Redis.DB,
			Password: settings.Redis.Password,
		})
		if c.registry, err = registry.New(c.redis, settings.Registry.Prefix, 0,
			log.Logger.Named("file_registry")); err != nil {
			return nil, errors.Wrap(err, "new registry")
		}
		opts = append(opts, pipeline.WithRecorder(c.registry))
	}

	if c.svc, err = pipeline.NewService(c.store, sc,
		spool.New(afero.NewOsFs(), settings.Upload.SpoolDir), settings, opts...); err != nil {
		return nil, errors.Wrap(err, "new pipeline")
	}

	log.Logger.Info("components ready",
		zap.String("storage", c.store.Kind()),
		zap.String("container", c.store.Container()),
		zap.Bool("scan", settings.Scan.Enabled),
		zap.Bool("registry", c.registry != nil))
	return c, nil
}

// Close releases network resources.
func (c *components) Close() {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			log.Logger.Warn("close redis", zap.Error(err))
		}
	}
}
