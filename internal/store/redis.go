package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the Store interface with a real Redis server via
// go-redis. Production deployments point every node at its own Redis
// instance; the in-memory store covers everything else.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials addr (host:port) and returns a Store backed by it.
// The caller is responsible for calling Close.
func NewRedisStore(addr string, opts ...func(*redis.Options)) *RedisStore {
	options := &redis.Options{Addr: addr}
	for _, opt := range opts {
		opt(options)
	}
	return &RedisStore{client: redis.NewClient(options)}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	return b, err
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) (int, error) {
	n, err := r.client.Del(ctx, keys...).Result()
	return int(n), err
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *RedisStore) Scan(ctx context.Context, cursor uint64, match string, count int64) (uint64, []string, error) {
	keys, next, err := r.client.Scan(ctx, cursor, match, count).Result()
	return next, keys, err
}

// TTL reports key's remaining time-to-live via Redis's PTTL command.
func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	if d <= 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (r *RedisStore) Pipeline() Pipeliner {
	return &redisPipeline{pipe: r.client.Pipeline()}
}

type redisPipeline struct {
	pipe redis.Pipeliner
}

func (p *redisPipeline) Set(key string, value []byte, ttl time.Duration) {
	p.pipe.Set(context.Background(), key, value, ttl)
}

func (p *redisPipeline) Del(key string) {
	p.pipe.Del(context.Background(), key)
}

func (p *redisPipeline) Exec(ctx context.Context) ([]error, error) {
	cmds, err := p.pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return nil, err
	}
	errs := make([]error, len(cmds))
	for i, cmd := range cmds {
		if cmdErr := cmd.Err(); cmdErr != redis.Nil {
			errs[i] = cmdErr
		}
	}
	return errs, nil
}

func (r *RedisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	return r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	zs, err := r.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ZMember, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		out[i] = ZMember{Member: member, Score: z.Score}
	}
	return out, nil
}

func (r *RedisStore) ZRem(ctx context.Context, key, member string) error {
	return r.client.ZRem(ctx, key, member).Err()
}

func (r *RedisStore) ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	return r.client.ZIncrBy(ctx, key, delta, member).Result()
}

func (r *RedisStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := r.client.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	return score, err == nil, err
}

func (r *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SAdd(ctx, key, args...).Err()
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SRem(ctx, key, args...).Err()
}

func (r *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	return r.client.SCard(ctx, key).Result()
}

func (r *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}
	out := make(chan Message, 64)
	go func() {
		for msg := range pubsub.Channel() {
			out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		}
		close(out)
	}()
	return &redisSubscription{pubsub: pubsub, ch: out}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
}

func (s *redisSubscription) Channel() <-chan Message { return s.ch }
func (s *redisSubscription) Close() error            { return s.pubsub.Close() }

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
