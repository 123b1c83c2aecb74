package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nkkko/packlock/internal/metrics"
	"github.com/nkkko/packlock/pkg/proto"
)

// ErrNotFound is returned when no record exists for a resource
var ErrNotFound = errors.New("resource record not found")

// Backend names
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// LeaseStore persists the gateway's per-resource records
type LeaseStore interface {
	// Load returns the record for resourceID or ErrNotFound
	Load(ctx context.Context, resourceID string) (*proto.ResourceRecord, error)

	// Save stores rec, deleting it when it is empty
	Save(ctx context.Context, rec *proto.ResourceRecord) error

	// Delete removes the record for resourceID. Missing records are not an error.
	Delete(ctx context.Context, resourceID string) error

	// List returns every stored record
	List(ctx context.Context) ([]*proto.ResourceRecord, error)

	// Close releases the backend
	Close() error
}

// Config selects and configures a backend
type Config struct {
	// memory, badger or redis
	Backend string

	// Badger data directory. Empty runs badger in memory.
	DataDir string

	// Redis connection
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Prefix for keys in shared backends
	KeyPrefix string
}

// DefaultConfig returns an in-memory store configuration
func DefaultConfig() Config {
	return Config{
		Backend:   BackendMemory,
		RedisAddr: "localhost:6379",
		KeyPrefix: "packlock:",
	}
}

// New creates the backend named in config
func New(config Config) (LeaseStore, error) {
	switch config.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendBadger:
		return NewBadger(config.DataDir, config.KeyPrefix)
	case BackendRedis:
		return NewRedis(RedisOptions{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
			Prefix:   config.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", config.Backend)
	}
}

func encode(rec *proto.ResourceRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*proto.ResourceRecord, error) {
	var rec proto.ResourceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

func observe(backend, operation string, err error) {
	metrics.GetGatewayMetrics().StoreOperations.
		WithLabelValues(backend, operation, strconv.FormatBool(err == nil || errors.Is(err, ErrNotFound))).
		Inc()
}
