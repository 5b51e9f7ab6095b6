package reputation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSnapshot keeps the lists in one Redis hash so several edge nodes can
// share them.
type RedisSnapshot struct {
	client *redis.Client
	key    string
}

func OpenRedis(ctx context.Context, redisURL, key string) (*RedisSnapshot, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if key == "" {
		key = "edgeguard:lists"
	}
	return &RedisSnapshot{client: client, key: key}, nil
}

func (r *RedisSnapshot) Save(ctx context.Context, entries []Entry) error {
	fields := make([]any, 0, 2*len(entries))
	for _, e := range entries {
		v, err := json.Marshal(e)
		if err != nil {
			return err
		}
		fields = append(fields, e.id(), string(v))
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		if len(fields) > 0 {
			pipe.HSet(ctx, r.key, fields...)
		}
		return nil
	})
	return err
}

func (r *RedisSnapshot) Load(ctx context.Context) ([]Entry, error) {
	m, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(m))
	for field, v := range m {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", field, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisSnapshot) Close() error { return r.client.Close() }
