package redis

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	gredis "github.com/Laisky/go-redis/v2"
	"github.com/redis/go-redis/v9"
)

// DB is a wrapper for go-redis
type DB struct {
	rdb *redis.Client
	db  *gredis.Utils
}

// NewDB creates a new DB instance
func NewDB(opt *redis.Options) *DB {
	rdb := redis.NewClient(opt)
	rutils := gredis.NewRedisUtils(rdb)

	return &DB{
		rdb: rdb,
		db:  rutils,
	}
}

// SetItem stores val under key. A zero ttl keeps the key forever.
func (db *DB) SetItem(ctx context.Context, key, val string, ttl time.Duration) error {
	if err := db.db.SetItem(ctx, key, val, ttl); err != nil {
		return errors.Wrapf(err, "set %s", key)
	}
	return nil
}

// GetItem loads key. A missing key returns an error matching redis.Nil.
func (db *DB) GetItem(ctx context.Context, key string) (string, error) {
	val, err := db.db.GetItem(ctx, key)
	if err != nil {
		return "", errors.Wrapf(err, "get %s", key)
	}
	return val, nil
}

// DelItem removes key.
func (db *DB) DelItem(ctx context.Context, key string) error {
	if err := db.rdb.Del(ctx, key).Err(); err != nil {
		return errors.Wrapf(err, "del %s", key)
	}
	return nil
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return errors.Wrap(db.rdb.Ping(ctx).Err(), "ping redis")
}

// Close releases the connection pool.
func (db *DB) Close() error {
	return db.rdb.Close()
}
