package cas

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strongboxhq/strongbox/internal/metadata"
)

func newTestDeduplicator(t *testing.T) *Deduplicator {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	mdStore, err := metadata.Open("sqlite::memory:")
	require.NoError(t, err)
	ctx := context.Background()
	_, err = mdStore.GetOrCreateUser(ctx, "u1", 1<<30)
	require.NoError(t, err)
	_, err = mdStore.GetOrCreateUser(ctx, "u2", 1<<30)
	require.NoError(t, err)
	return &Deduplicator{CAS: store, Metadata: mdStore}
}

func TestStoreBlockDedupsWithinOwner(t *testing.T) {
	ctx := context.Background()
	d := newTestDeduplicator(t)
	data := []byte("repeated block content")

	r1, err := d.StoreBlock(ctx, "u1", data, 0)
	require.NoError(t, err)
	require.False(t, r1.IsDuplicate)

	r2, err := d.StoreBlock(ctx, "u1", data, 4096)
	require.NoError(t, err)
	require.True(t, r2.IsDuplicate)
	require.Equal(t, r1.Hash, r2.Hash)

	plaintext, err := d.ReadBlock(r1.Hash)
	require.NoError(t, err)
	require.Equal(t, data, plaintext)
}

func TestStoreBlockCrossUserIsolationByDefault(t *testing.T) {
	ctx := context.Background()
	d := newTestDeduplicator(t)
	data := []byte("shared plaintext across tenants")

	_, err := d.StoreBlock(ctx, "u1", data, 0)
	require.NoError(t, err)

	r2, err := d.StoreBlock(ctx, "u2", data, 0)
	require.NoError(t, err)
	require.False(t, r2.IsDuplicate, "cross-user dedup must be off by default")
}

func TestStoreBlockCrossUserDedupEnabled(t *testing.T) {
	ctx := context.Background()
	d := newTestDeduplicator(t)
	d.CrossUserDedup = true
	data := []byte("shared plaintext across tenants, dedup enabled")

	r1, err := d.StoreBlock(ctx, "u1", data, 0)
	require.NoError(t, err)
	r2, err := d.StoreBlock(ctx, "u2", data, 0)
	require.NoError(t, err)
	require.True(t, r2.IsDuplicate)
	require.Equal(t, r1.Hash, r2.Hash)
}

func TestReadBlockDetectsTampering(t *testing.T) {
	ctx := context.Background()
	d := newTestDeduplicator(t)
	data := []byte("integrity-checked content")

	r, err := d.StoreBlock(ctx, "u1", data, 0)
	require.NoError(t, err)

	path, err := d.CAS.Path(TierCache, r.Hash)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = d.ReadBlock(r.Hash)
	require.Error(t, err)
}
