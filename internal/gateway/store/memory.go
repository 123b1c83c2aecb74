package store

import (
	"context"
	"sort"
	"sync"

	"github.com/nkkko/packlock/pkg/proto"
)

// Memory keeps records in process. Records are stored encoded so callers
// never share pointers with the store.
type Memory struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{records: make(map[string][]byte)}
}

// Load returns the record for resourceID
func (m *Memory) Load(ctx context.Context, resourceID string) (*proto.ResourceRecord, error) {
	m.mu.RLock()
	data, ok := m.records[resourceID]
	m.mu.RUnlock()

	if !ok {
		observe(BackendMemory, "load", ErrNotFound)
		return nil, ErrNotFound
	}
	rec, err := decode(data)
	observe(BackendMemory, "load", err)
	return rec, err
}

// Save stores rec
func (m *Memory) Save(ctx context.Context, rec *proto.ResourceRecord) error {
	if rec.Empty() {
		return m.Delete(ctx, rec.ResourceID)
	}

	data, err := encode(rec)
	if err != nil {
		observe(BackendMemory, "save", err)
		return err
	}

	m.mu.Lock()
	m.records[rec.ResourceID] = data
	m.mu.Unlock()

	observe(BackendMemory, "save", nil)
	return nil
}

// Delete removes the record for resourceID
func (m *Memory) Delete(ctx context.Context, resourceID string) error {
	m.mu.Lock()
	delete(m.records, resourceID)
	m.mu.Unlock()

	observe(BackendMemory, "delete", nil)
	return nil
}

// List returns every record ordered by resource id
func (m *Memory) List(ctx context.Context) ([]*proto.ResourceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records := make([]*proto.ResourceRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := decode(m.records[id])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	observe(BackendMemory, "list", nil)
	return records, nil
}

// Close is a no-op
func (m *Memory) Close() error {
	return nil
}
