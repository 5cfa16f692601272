package gc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strongboxhq/strongbox/internal/cas"
	"github.com/strongboxhq/strongbox/internal/metadata"
)

func newTestCollector(t *testing.T) (*Collector, *cas.Store, *metadata.Store) {
	t.Helper()
	mdStore, err := metadata.Open("sqlite::memory:")
	require.NoError(t, err)
	casStore, err := cas.NewStore(t.TempDir())
	require.NoError(t, err)
	return &Collector{Metadata: mdStore, CAS: casStore}, casStore, mdStore
}

func TestRunOnceDeletesZeroRefBlock(t *testing.T) {
	ctx := context.Background()
	c, casStore, mdStore := newTestCollector(t)

	_, err := casStore.WriteIfAbsent(cas.TierCache, "deadbeef", []byte("sealed bytes"))
	require.NoError(t, err)
	require.NoError(t, mdStore.CreateBlock(ctx, nil, "deadbeef", 12, "erin"))
	require.NoError(t, mdStore.DecrementBlockRef(ctx, nil, "deadbeef")) // created with refcount 1

	summary, err := c.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Deleted)
	require.Equal(t, int64(12), summary.FreedBytes)
	require.Empty(t, summary.Errors)

	_, present := casStore.Exists("deadbeef")
	require.False(t, present)
}

func TestRunOnceRepairsRaceWithLiveReference(t *testing.T) {
	ctx := context.Background()
	c, casStore, mdStore := newTestCollector(t)

	_, err := mdStore.GetOrCreateUser(ctx, "erin", 1<<30)
	require.NoError(t, err)
	_, err = casStore.WriteIfAbsent(cas.TierCache, "feedface", []byte("sealed bytes"))
	require.NoError(t, err)
	require.NoError(t, mdStore.CreateBlock(ctx, nil, "feedface", 12, "erin"))
	require.NoError(t, mdStore.DecrementBlockRef(ctx, nil, "feedface")) // refcount 0 in the row

	// Simulate a concurrent upload that already inserted a live File
	// pointing at this block before the row's refcount caught up.
	f := &metadata.File{
		ID: "file-1", Owner: "erin", Name: "race.bin", Size: 12,
		StorageType: metadata.StorageContentAddressed,
		Manifest:    []metadata.BlockRef{{BlockHash: "feedface", Size: 12, Sequence: 0}},
	}
	require.NoError(t, mdStore.CreateFile(ctx, nil, f))

	summary, err := c.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, summary.Deleted)
	require.Equal(t, 1, summary.Repaired)

	_, present := casStore.Exists("feedface")
	require.True(t, present, "a block with a live reference must not be removed")
}

func TestRunOnceIsNoOpWithNoCandidates(t *testing.T) {
	ctx := context.Background()
	c, _, mdStore := newTestCollector(t)
	require.NoError(t, mdStore.CreateBlock(ctx, nil, "abc123", 5, "erin"))

	summary, err := c.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, summary.Deleted)
	require.Equal(t, 0, summary.Repaired)
}
