// Package registry records stored-file metadata so files can be looked up by id.
package registry

import (
	"context"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Laisky/file-ingest/internal/ingest/pipeline"
	"github.com/Laisky/file-ingest/library/log"
)

// ErrNotFound is returned when no record exists for a file id.
var ErrNotFound = errors.New("file record not found")

// KV is the key-value store records are kept in. GetItem must return an error
// matching redis.Nil for missing keys.
type KV interface {
	SetItem(ctx context.Context, key, val string, ttl time.Duration) error
	GetItem(ctx context.Context, key string) (string, error)
	DelItem(ctx context.Context, key string) error
}

var _ pipeline.Recorder = (*Registry)(nil)

// Registry stores StoredFile records as JSON keyed by file id.
type Registry struct {
	kv     KV
	prefix string
	ttl    time.Duration
	logger logSDK.Logger
}

// New constructs a Registry. A zero ttl keeps records forever.
func New(kv KV, prefix string, ttl time.Duration, logger logSDK.Logger) (*Registry, error) {
	if kv == nil {
		return nil, errors.New("kv store is required")
	}
	if prefix == "" {
		return nil, errors.New("key prefix is required")
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if logger == nil {
		logger = log.Logger.Named("file_registry")
	}

	return &Registry{kv: kv, prefix: prefix, ttl: ttl, logger: logger}, nil
}

func (r *Registry) key(id uuid.UUID) string {
	return r.prefix + id.String()
}

// Record saves file under its id, replacing any previous record.
func (r *Registry) Record(ctx context.Context, file *pipeline.StoredFile) error {
	if file == nil {
		return errors.New("stored file is nil")
	}

	payload, err := gutils.JSON.Marshal(file)
	if err != nil {
		return errors.Wrap(err, "marshal stored file")
	}
	if err = r.kv.SetItem(ctx, r.key(file.FileID), string(payload), r.ttl); err != nil {
		return errors.Wrapf(err, "record file %s", file.FileID)
	}

	r.logger.Debug("file recorded", zap.String("file_id", file.FileID.String()))
	return nil
}

// Lookup loads the record of id, returning ErrNotFound when absent.
func (r *Registry) Lookup(ctx context.Context, id uuid.UUID) (*pipeline.StoredFile, error) {
	payload, err := r.kv.GetItem(ctx, r.key(id))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(ErrNotFound, "file %s", id)
		}
		return nil, errors.Wrapf(err, "lookup file %s", id)
	}

	file := new(pipeline.StoredFile)
	if err = gutils.JSON.UnmarshalFromString(payload, file); err != nil {
		return nil, errors.Wrapf(err, "unmarshal record of file %s", id)
	}
	return file, nil
}

// Forget removes the record of id. A missing record is not an error.
func (r *Registry) Forget(ctx context.Context, id uuid.UUID) error {
	if err := r.kv.DelItem(ctx, r.key(id)); err != nil {
		return errors.Wrapf(err, "forget file %s", id)
	}
	return nil
}
