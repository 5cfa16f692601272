package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite::memory:")
	require.NoError(t, err)
	return s
}

func TestReserveQuotaRejectsOverage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.GetOrCreateUser(ctx, "alice", 1000)
	require.NoError(t, err)

	require.NoError(t, s.ReserveQuota(ctx, "alice", 500))

	require.NoError(t, s.AdjustUsed(ctx, nil, "alice", 900))
	err = s.ReserveQuota(ctx, "alice", 500)
	require.Error(t, err)
}

func TestBlockRefCountingAcrossTwoFiles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.GetOrCreateUser(ctx, "bob", 10_000_000)
	require.NoError(t, err)

	require.NoError(t, s.CreateBlock(ctx, nil, "hash1", 100, "bob"))

	require.NoError(t, s.IncrementBlockRef(ctx, nil, "hash1"))
	b, found, err := s.FindBlockForDedup(ctx, nil, "hash1", "bob", false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(2), b.ReferenceCount)

	require.NoError(t, s.DecrementBlockRef(ctx, nil, "hash1"))
	b, _, err = s.FindBlockForDedup(ctx, nil, "hash1", "bob", false)
	require.NoError(t, err)
	require.Equal(t, int64(1), b.ReferenceCount)
}

func TestDeleteFileDecrementsRefcounts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.GetOrCreateUser(ctx, "carol", 10_000_000)
	require.NoError(t, err)
	require.NoError(t, s.CreateBlock(ctx, nil, "h1", 1000, "carol"))
	require.NoError(t, s.IncrementBlockRef(ctx, nil, "h1")) // refcount now 2, simulating two files

	f := &File{
		ID: "file-1", Owner: "carol", Name: "a.bin", Size: 1000,
		StorageType: StorageContentAddressed,
		Manifest:    []BlockRef{{BlockHash: "h1", Size: 1000, Sequence: 0}},
	}
	require.NoError(t, s.CreateFile(ctx, nil, f))
	require.NoError(t, s.AdjustUsed(ctx, nil, "carol", 1000))

	require.NoError(t, s.DeleteFile(ctx, "file-1", "carol"))

	b, found, err := s.FindBlockForDedup(ctx, nil, "h1", "carol", false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), b.ReferenceCount, "deleting one of two referencing files should leave refcount at 1")
}

func TestDeleteFilePinnedByReferenceIsRefused(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.GetOrCreateUser(ctx, "dave", 10_000_000)
	require.NoError(t, err)

	target := &File{ID: "target", Owner: "dave", Name: "orig.bin", Size: 10, StorageType: StorageSingle}
	require.NoError(t, s.CreateFile(ctx, nil, target))

	ref := &File{ID: "ref", Owner: "dave", Name: "copy.bin", Size: 10, StorageType: StorageDeduplicatedReference, ReferenceTargetID: "target"}
	require.NoError(t, s.CreateFile(ctx, nil, ref))

	err = s.DeleteFile(ctx, "target", "dave")
	require.Error(t, err, "deleting a file pinned by a live reference must fail")
}
