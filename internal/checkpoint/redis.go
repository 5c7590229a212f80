package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "nextrade:checkpoint:"

// RedisStore keeps each namespace in one hash. A non-zero ttl is refreshed on
// every write to the namespace.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

type redisEnvelope struct {
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: defaultRedisPrefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

// ConnectRedis parses a redis:// URL and checks the server answers.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (s *RedisStore) hash(namespace string) string {
	return s.prefix + namespace
}

func (s *RedisStore) Put(ctx context.Context, namespace, key string, value any) error {
	data, err := encode(namespace, key, value)
	if err != nil {
		return err
	}
	env, err := json.Marshal(redisEnvelope{Value: data, UpdatedAt: s.now().UTC()})
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.hash(namespace), key, env)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.hash(namespace), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("checkpoint: redis put %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, namespace, key string, dst any) (bool, error) {
	raw, err := s.client.HGet(ctx, s.hash(namespace), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checkpoint: redis get %s/%s: %w", namespace, key, err)
	}

	var env redisEnvelope
	if err := decode(namespace, key, raw, &env); err != nil {
		return false, err
	}
	return true, decode(namespace, key, env.Value, dst)
}

func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	return s.client.HDel(ctx, s.hash(namespace), key).Err()
}

func (s *RedisStore) List(ctx context.Context, namespace string) ([]Entry, error) {
	all, err := s.client.HGetAll(ctx, s.hash(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: redis list %s: %w", namespace, err)
	}

	entries := make([]Entry, 0, len(all))
	for key, raw := range all {
		var env redisEnvelope
		if err := decode(namespace, key, []byte(raw), &env); err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Key: key, Value: env.Value, UpdatedAt: env.UpdatedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}
