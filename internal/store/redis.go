package store

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	svcerrors "github.com/R3E-Network/service_layer/infrastructure/errors"
)

// RedisStore implements Store against a real Redis (or Redis-protocol
// compatible) deployment using go-redis.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig configures the underlying go-redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisStore dials a Redis client from cfg. It does not ping; call
// Ping explicitly during startup health checks.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	return &RedisStore{client: redis.NewClient(opts)}
}

// classify maps a go-redis error into the core's error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == redis.Nil {
		return nil // caller translates to exists=false
	}
	if err == context.DeadlineExceeded || err == context.Canceled {
		return svcerrors.StoreTimeout(op, err)
	}
	return svcerrors.StoreUnavailable(op, err)
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("Get", err)
	}
	return v, true, nil
}

func (r *RedisStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return classify("SetWithTTL", err)
	}
	return nil
}

func (r *RedisStore) DeleteMany(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, classify("DeleteMany", err)
	}
	return int(n), nil
}

// redisKeyIterator wraps a redis.ScanIterator so callers never see more
// than batchSize keys buffered at a time, matching the SCAN cursor
// contract described for C1.
type redisKeyIterator struct {
	iter *redis.ScanIterator
}

func (it *redisKeyIterator) Next(ctx context.Context) bool { return it.iter.Next(ctx) }
func (it *redisKeyIterator) Key() string                   { return it.iter.Val() }
func (it *redisKeyIterator) Err() error                    { return it.iter.Err() }

func (r *RedisStore) ScanPattern(ctx context.Context, pattern string, batchSize int) (KeyIterator, error) {
	if pattern == "" {
		return nil, svcerrors.InvalidPattern(pattern)
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	iter := r.client.Scan(ctx, 0, pattern, int64(batchSize)).Iterator()
	return &redisKeyIterator{iter: iter}, nil
}

func (r *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, classify("HashGetAll", err)
	}
	return m, nil
}

func (r *RedisStore) HashSet(ctx context.Context, key, field, value string) error {
	if err := r.client.HSet(ctx, key, field, value).Err(); err != nil {
		return classify("HashSet", err)
	}
	return nil
}

func (r *RedisStore) HashDelete(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, key, fields...).Err(); err != nil {
		return classify("HashDelete", err)
	}
	return nil
}

func (r *RedisStore) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SAdd(ctx, key, args...).Err(); err != nil {
		return classify("SetAdd", err)
	}
	return nil
}

func (r *RedisStore) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SRem(ctx, key, args...).Err(); err != nil {
		return classify("SetRemove", err)
	}
	return nil
}

func (r *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, classify("SetMembers", err)
	}
	return members, nil
}

func (r *RedisStore) StreamAppend(ctx context.Context, stream string, fields map[string]string, maxlen int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}
	if maxlen > 0 {
		args.MaxLen = maxlen
		args.Approx = true
	}
	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", classify("StreamAppend", err)
	}
	return id, nil
}

func (r *RedisStore) StreamGroupCreate(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists: idempotent by contract.
		if isBusyGroup(err) {
			return nil
		}
		return classify("StreamGroupCreate", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return len(s) >= 9 && s[:9] == "BUSYGROUP"
}

func (r *RedisStore) StreamReadGroup(ctx context.Context, stream, group, consumer string, count int64, blockMs int64) ([]StreamMessage, error) {
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, svcerrors.StreamReadFailed(err)
	}

	var out []StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				} else {
					fields[k] = toString(v)
				}
			}
			out = append(out, StreamMessage{ID: m.ID, Fields: fields})
		}
	}
	return out, nil
}

func (r *RedisStore) StreamAck(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return classify("StreamAck", err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return classify("Ping", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
