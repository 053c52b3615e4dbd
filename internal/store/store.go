// Package store defines the minimal key/value store protocol the cache core
// depends on: string get/set-with-ttl/del/exists/scan, pipelining, sorted
// sets, sets, and pub/sub. MemoryStore implements it entirely in-process
// for tests and single-binary deployments; RedisStore backs the same
// interface with a real Redis server for production use.
package store

import (
	"context"
	"time"
)

// ErrKeyNotFound is returned by Get when the key does not exist or has expired.
var ErrKeyNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "key not found" }

// ZMember is one sorted-set member/score pair, returned in score order by
// ZRange.
type ZMember struct {
	Member string
	Score  float64
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live channel subscription; Close stops delivery and
// releases resources.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Pipeliner batches a sequence of writes for a single round trip. Exec
// applies them in the order queued; per-command errors are returned in the
// same order as the queued commands. MemoryStore never returns an overall
// error. RedisStore returns a non-nil overall error (and no per-command
// errors) when the pipeline could not be submitted or when any queued
// command failed; commands that succeeded are still applied.
type Pipeliner interface {
	Set(key string, value []byte, ttl time.Duration)
	Del(key string)
	Exec(ctx context.Context) ([]error, error)
}

// Store is the full protocol surface the cache core may exercise.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Scan returns keys matching match (a glob pattern), advancing cursor;
	// a returned nextCursor of 0 signals the scan is complete.
	Scan(ctx context.Context, cursor uint64, match string, count int64) (nextCursor uint64, keys []string, err error)
	Pipeline() Pipeliner

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]ZMember, error)
	ZRem(ctx context.Context, key, member string) error
	ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error)
	ZScore(ctx context.Context, key, member string) (score float64, ok bool, err error)

	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error
	SCard(ctx context.Context, key string) (int64, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// TTLReader is an optional capability a Store may implement to report a
// key's remaining time-to-live. The rebalancer uses it to preserve TTL
// across a copy-then-delete migration; a store without this capability
// causes migrated keys to be written without expiry.
type TTLReader interface {
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)
}
