package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nkkko/packlock/pkg/proto"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func newRedisStore(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s, err := NewRedis(RedisOptions{Client: client, Prefix: "test:"})
	require.NoError(t, err)
	return s
}

func backends(t *testing.T) map[string]LeaseStore {
	t.Helper()

	b, err := NewBadger("", "test:")
	require.NoError(t, err)

	stores := map[string]LeaseStore{
		BackendMemory: NewMemory(),
		BackendBadger: b,
		BackendRedis:  newRedisStore(t),
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func record(id string) *proto.ResourceRecord {
	now := time.Now()
	return &proto.ResourceRecord{
		ResourceID: id,
		Lease: &proto.Lease{
			ResourceID:  id,
			OwnerID:     "alice",
			TabID:       "tab-1",
			OwnerLabel:  "Alice",
			Fingerprint: "f1",
			AcquiredAt:  timestamppb.New(now),
			ExpiresAt:   timestamppb.New(now.Add(5 * time.Minute)),
		},
		Transfer: &proto.TransferRecord{
			RequestID:        "r1",
			RequesterOwnerID: "bob",
			RequesterTabID:   "tab-2",
			Status:           proto.RequestPending,
			ExpiresAt:        timestamppb.New(now.Add(2 * time.Minute)),
		},
	}
}

func TestLeaseStores(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			rec := record("pack-1")
			require.NoError(t, s.Save(ctx, rec))
			require.NoError(t, s.Save(ctx, record("pack-2")))

			got, err := s.Load(ctx, "pack-1")
			require.NoError(t, err)
			assert.Equal(t, "f1", got.Lease.Fingerprint)
			assert.Equal(t, "Alice", got.Lease.OwnerLabel)
			assert.True(t, got.Lease.ExpiresAt.AsTime().Equal(rec.Lease.ExpiresAt.AsTime()))
			assert.Equal(t, proto.RequestPending, got.Transfer.Status)

			// Loaded records are independent copies
			got.Lease.Fingerprint = "changed"
			again, err := s.Load(ctx, "pack-1")
			require.NoError(t, err)
			assert.Equal(t, "f1", again.Lease.Fingerprint)

			all, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "pack-1", all[0].ResourceID)
			assert.Equal(t, "pack-2", all[1].ResourceID)

			// Saving an empty record deletes it
			require.NoError(t, s.Save(ctx, &proto.ResourceRecord{ResourceID: "pack-2"}))
			_, err = s.Load(ctx, "pack-2")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Delete(ctx, "pack-1"))
			require.NoError(t, s.Delete(ctx, "pack-1"))
			all, err = s.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewBadger(dir, "")
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, record("pack-9")))
	require.NoError(t, s.Close())

	s, err = NewBadger(dir, "")
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(ctx, "pack-9")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Lease.OwnerID)
}

func TestNew(t *testing.T) {
	s, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	mr := miniredis.RunT(t)
	s, err = New(Config{Backend: BackendRedis, RedisAddr: mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, s)
	require.NoError(t, s.Close())

	_, err = New(Config{Backend: "etcd"})
	assert.Error(t, err)
}
