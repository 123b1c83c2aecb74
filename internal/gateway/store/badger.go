package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/nkkko/packlock/internal/logging"
	"github.com/nkkko/packlock/pkg/proto"
	"github.com/rs/zerolog"
)

const prefixResources = "res:"

// Badger persists records in an embedded badger database
type Badger struct {
	db     *badger.DB
	prefix []byte
	logger zerolog.Logger
}

// NewBadger opens a badger store in dataDir. An empty dataDir runs badger
// in memory.
func NewBadger(dataDir, keyPrefix string) (*Badger, error) {
	logger := logging.Component("store-badger")

	var options badger.Options
	if dataDir == "" {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		options = badger.DefaultOptions(dataDir)
	}
	options = options.WithLoggingLevel(badger.WARNING) // Reduce logging noise

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Info().Str("data_dir", dataDir).Bool("in_memory", dataDir == "").Msg("Opened lease store")

	return &Badger{
		db:     db,
		prefix: []byte(keyPrefix + prefixResources),
		logger: logger,
	}, nil
}

func (b *Badger) key(resourceID string) []byte {
	key := make([]byte, len(b.prefix)+len(resourceID))
	copy(key, b.prefix)
	copy(key[len(b.prefix):], resourceID)
	return key
}

// Load returns the record for resourceID
func (b *Badger) Load(ctx context.Context, resourceID string) (*proto.ResourceRecord, error) {
	var rec *proto.ResourceRecord
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(resourceID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = decode(val)
			return err
		})
	})
	observe(BackendBadger, "load", err)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Save stores rec
func (b *Badger) Save(ctx context.Context, rec *proto.ResourceRecord) error {
	if rec.Empty() {
		return b.Delete(ctx, rec.ResourceID)
	}

	data, err := encode(rec)
	if err != nil {
		observe(BackendBadger, "save", err)
		return err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(rec.ResourceID), data)
	})
	observe(BackendBadger, "save", err)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// Delete removes the record for resourceID
func (b *Badger) Delete(ctx context.Context, resourceID string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(resourceID))
	})
	observe(BackendBadger, "delete", err)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// List returns every record in key order
func (b *Badger) List(ctx context.Context) ([]*proto.ResourceRecord, error) {
	var records []*proto.ResourceRecord
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(b.prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				rec, err := decode(val)
				if err != nil {
					return err
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	observe(BackendBadger, "list", err)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close closes the database
func (b *Badger) Close() error {
	return b.db.Close()
}
