// Package store abstracts the external key-value and stream store that
// backs every cache family the coordination core manages. Callers never
// talk to Redis (or any other backend) directly; they go through Store so
// that invalidation, recomputation, and the shadow comparator can run
// against either a real deployment or the in-memory stub used in tests.
package store

import (
	"context"
	"time"
)

// StreamMessage is one entry read from a consumer group.
type StreamMessage struct {
	ID     string
	Fields map[string]string
}

// Store is the narrow contract every backend (Redis, in-memory stub) must
// satisfy. Every method returns errors from infrastructure/errors so callers
// can branch on category rather than string-matching.
type Store interface {
	// Get returns the value for key. exists is false and err is nil when the
	// key is absent; callers should treat that as a normal miss, not a
	// failure.
	Get(ctx context.Context, key string) (value []byte, exists bool, err error)

	// SetWithTTL writes value under key with the given expiry. A zero TTL
	// means "no expiry".
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// DeleteMany removes the given keys and reports how many actually
	// existed. Deleting an absent key is not an error.
	DeleteMany(ctx context.Context, keys ...string) (deleted int, err error)

	// ScanPattern returns every key matching pattern, fetched in batches of
	// batchSize. Implementations must bound memory use: a KeyIterator is
	// returned rather than a materialized slice.
	ScanPattern(ctx context.Context, pattern string, batchSize int) (KeyIterator, error)

	// HashGetAll, HashSet, HashDelete operate on a single hash key.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashSet(ctx context.Context, key, field, value string) error
	HashDelete(ctx context.Context, key string, fields ...string) error

	// SetAdd, SetRemove, SetMembers operate on a single set key.
	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	// StreamAppend appends one entry to stream, trimming to maxlen
	// (approximately, when the backend supports it), and returns its id.
	StreamAppend(ctx context.Context, stream string, fields map[string]string, maxlen int64) (id string, err error)

	// StreamGroupCreate creates a consumer group at the tail of the stream.
	// Creating a group that already exists is not an error.
	StreamGroupCreate(ctx context.Context, stream, group string) error

	// StreamReadGroup reads up to count undelivered (or pending, per
	// backend semantics) entries for consumer within group, blocking up to
	// blockMs when nothing is immediately available.
	StreamReadGroup(ctx context.Context, stream, group, consumer string, count int64, blockMs int64) ([]StreamMessage, error)

	// StreamAck acknowledges one or more message ids within group.
	StreamAck(ctx context.Context, stream, group string, ids ...string) error

	// Ping checks connectivity for health checks.
	Ping(ctx context.Context) error

	// Close releases any underlying connections.
	Close() error
}

// KeyIterator yields keys matching a scan pattern without materializing
// the full result set in memory.
type KeyIterator interface {
	// Next advances the iterator and reports whether a key is available.
	Next(ctx context.Context) bool
	// Key returns the key most recently yielded by Next.
	Key() string
	// Err returns the first error encountered, if any.
	Err() error
}
