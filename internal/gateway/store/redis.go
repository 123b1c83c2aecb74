package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/nkkko/packlock/pkg/proto"
	redis "github.com/redis/go-redis/v9"
)

// RedisOptions configures the redis store
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string

	// Client overrides the connection settings above
	Client *redis.Client
}

// Redis stores records in redis so several gateway replicas can share them.
// Each record is a string key; a set indexes the resource ids.
type Redis struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedis connects to redis and verifies the connection
func NewRedis(opts RedisOptions) (*Redis, error) {
	client, owned := opts.Client, false
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
		owned = true
	}

	if err := client.Ping(context.Background()).Err(); err != nil {
		if owned {
			client.Close()
		}
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client, prefix: opts.Prefix, owned: owned}, nil
}

func (r *Redis) key(resourceID string) string {
	return r.prefix + prefixResources + resourceID
}

func (r *Redis) indexKey() string {
	return r.prefix + "resources"
}

// Load returns the record for resourceID
func (r *Redis) Load(ctx context.Context, resourceID string) (*proto.ResourceRecord, error) {
	data, err := r.client.Get(ctx, r.key(resourceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		observe(BackendRedis, "load", ErrNotFound)
		return nil, ErrNotFound
	}
	if err != nil {
		observe(BackendRedis, "load", err)
		return nil, fmt.Errorf("failed to load record: %w", err)
	}

	rec, err := decode(data)
	observe(BackendRedis, "load", err)
	return rec, err
}

// Save stores rec
func (r *Redis) Save(ctx context.Context, rec *proto.ResourceRecord) error {
	if rec.Empty() {
		return r.Delete(ctx, rec.ResourceID)
	}

	data, err := encode(rec)
	if err != nil {
		observe(BackendRedis, "save", err)
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(rec.ResourceID), data, 0)
		pipe.SAdd(ctx, r.indexKey(), rec.ResourceID)
		return nil
	})
	observe(BackendRedis, "save", err)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// Delete removes the record for resourceID
func (r *Redis) Delete(ctx context.Context, resourceID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(resourceID))
		pipe.SRem(ctx, r.indexKey(), resourceID)
		return nil
	})
	observe(BackendRedis, "delete", err)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// List returns every indexed record ordered by resource id
func (r *Redis) List(ctx context.Context) ([]*proto.ResourceRecord, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		observe(BackendRedis, "list", err)
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	sort.Strings(ids)

	records := make([]*proto.ResourceRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	observe(BackendRedis, "list", nil)
	return records, nil
}

// Close closes the client if the store created it
func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
