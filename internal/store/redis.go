package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/CZERTAINLY/mediagate/internal/model"
	"github.com/redis/go-redis/v9"
)

// Redis mirrors job views to a redis server, so status requests survive a
// restart of the process. Entries expire with the retention deadline.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to a server, ttl is the expiration of views without
// a retention deadline.
func NewRedis(ctx context.Context, cfg model.Redis, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &Redis{
		client: client,
		prefix: cfg.Prefix,
		ttl:    ttl,
	}, nil
}

func (r *Redis) key(id string) string {
	return r.prefix + id
}

func (r *Redis) Publish(ctx context.Context, view model.JobView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	ttl := r.ttl
	if view.RetentionDeadline != nil {
		ttl = max(time.Until(*view.RetentionDeadline), time.Second)
	}
	return r.client.Set(ctx, r.key(view.ID), data, ttl).Err()
}

func (r *Redis) Lookup(ctx context.Context, id string) (model.JobView, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.JobView{}, ErrNotFound
	}
	if err != nil {
		return model.JobView{}, err
	}
	var view model.JobView
	if err := json.Unmarshal(data, &view); err != nil {
		return model.JobView{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return view, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.key(id)).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
