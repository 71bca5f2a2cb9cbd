package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"task-api/domain"
)

// RedisOptions configures the Redis driver. ConnectionString accepts a
// redis:// URL or the "host:port,password=...,ssl=true" form.
type RedisOptions struct {
	ConnectionString string
	KeyPrefix        string
}

// Redis keeps one JSON value per task, a token index and a sorted set of
// live ids scored by insertion sequence.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(parseRedisOptions(opts.ConnectionString))
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "tasks"
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func parseRedisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func (r *Redis) taskKey(id string) string     { return r.prefix + ":task:" + id }
func (r *Redis) tokenKey(token string) string { return r.prefix + ":token:" + token }
func (r *Redis) liveKey() string              { return r.prefix + ":live" }
func (r *Redis) seqKey() string               { return r.prefix + ":seq" }

func (r *Redis) EnsureSchema(context.Context) error {
	return nil
}

func (r *Redis) ListTasks(ctx context.Context) ([]domain.Task, error) {
	ids, err := r.client.ZRange(ctx, r.liveKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list tasks: %w", err)
	}
	tasks := make([]domain.Task, 0, len(ids))
	if len(ids) == 0 {
		return tasks, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.taskKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list tasks: %w", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		t, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("redis: decode task: %w", err)
		}
		if t.Live() {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (r *Redis) InsertTask(ctx context.Context, name, description string) (domain.Task, error) {
	return insertWithToken(ctx, func(ctx context.Context, token string) (domain.Task, error) {
		task := newTask(newID(), name, description, token)

		reserved, err := r.client.SetNX(ctx, r.tokenKey(token), task.ID, 0).Result()
		if err != nil {
			return domain.Task{}, fmt.Errorf("redis: reserve token: %w", err)
		}
		if !reserved {
			return domain.Task{}, domain.ErrDuplicateToken
		}

		payload, err := encodeRecord(task)
		if err != nil {
			return domain.Task{}, err
		}
		seq, err := r.client.Incr(ctx, r.seqKey()).Result()
		if err == nil {
			_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, r.taskKey(task.ID), payload, 0)
				pipe.ZAdd(ctx, r.liveKey(), redis.Z{Score: float64(seq), Member: task.ID})
				return nil
			})
		}
		if err != nil {
			r.client.Del(ctx, r.tokenKey(token))
			return domain.Task{}, fmt.Errorf("redis: insert task: %w", err)
		}
		return task, nil
	})
}

func (r *Redis) FindTask(ctx context.Context, id string) (domain.Task, error) {
	data, err := r.client.Get(ctx, r.taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, fmt.Errorf("redis: get task: %w", err)
	}
	task, err := decodeRecord(data)
	if err != nil {
		return domain.Task{}, fmt.Errorf("redis: decode task: %w", err)
	}
	if !task.Live() {
		return domain.Task{}, domain.ErrNotFound
	}
	return task, nil
}

func (r *Redis) FindTaskWithToken(ctx context.Context, id, token string) (domain.Task, error) {
	task, err := r.FindTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if !tokensMatch(task.SecureToken, token) {
		return domain.Task{}, domain.ErrNotFound
	}
	return task, nil
}

func (r *Redis) UpdateTask(ctx context.Context, task domain.Task, name, description string) (domain.Task, error) {
	return r.modify(ctx, task.ID, rename(name, description))
}

func (r *Redis) SoftDeleteTask(ctx context.Context, task domain.Task) error {
	_, err := r.modify(ctx, task.ID, markDeleted)
	return err
}

// modify rewrites a live task inside WATCH/MULTI and retries when the key
// changed underneath.
func (r *Redis) modify(ctx context.Context, id string, change func(*domain.Task)) (domain.Task, error) {
	key := r.taskKey(id)
	var updated domain.Task
	apply := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return domain.ErrNotFound
			}
			return err
		}
		task, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if !task.Live() {
			return domain.ErrNotFound
		}
		change(&task)
		payload, err := encodeRecord(task)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if !task.Live() {
				pipe.ZRem(ctx, r.liveKey(), id)
			}
			return nil
		})
		if err == nil {
			updated = task
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := r.client.Watch(ctx, apply, key)
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, domain.ErrNotFound):
			return domain.Task{}, err
		default:
			return domain.Task{}, fmt.Errorf("redis: update task: %w", err)
		}
	}
	return domain.Task{}, fmt.Errorf("redis: update task %s: %w", id, errConcurrentUpdate)
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close(context.Context) error {
	return r.client.Close()
}
