package placement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strongboxhq/strongbox/internal/cas"
	"github.com/strongboxhq/strongbox/internal/metadata"
	"github.com/strongboxhq/strongbox/internal/sessioncache"
)

func TestChooseStrategyBoundaries(t *testing.T) {
	const inlineT, singleT = 512 << 10, 50 << 20
	require.Equal(t, sessioncache.StrategyInline, ChooseStrategy(100, inlineT, singleT))
	require.Equal(t, sessioncache.StrategySingle, ChooseStrategy(inlineT, inlineT, singleT))
	require.Equal(t, sessioncache.StrategyChunked, ChooseStrategy(singleT, inlineT, singleT))
}

func TestChunkCountRoundsUp(t *testing.T) {
	require.Equal(t, 3, ChunkCount(96<<20, 32<<20))
	require.Equal(t, 1, ChunkCount(1, 32<<20))
	require.Equal(t, 0, ChunkCount(0, 32<<20))
}

func TestMigratorMovesColdFiles(t *testing.T) {
	ctx := context.Background()
	mdStore, err := metadata.Open("sqlite::memory:")
	require.NoError(t, err)
	casStore, err := cas.NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = mdStore.GetOrCreateUser(ctx, "erin", 1<<30)
	require.NoError(t, err)

	_, err = casStore.WriteIfAbsent(cas.TierCache, "hhh1", []byte("sealed"))
	require.NoError(t, err)

	f := &metadata.File{
		ID: "file-1", Owner: "erin", Name: "old.bin", Size: 6,
		StorageType: metadata.StorageContentAddressed, PlacementTier: metadata.TierCache,
		LastAccessed: time.Now().Add(-40 * 24 * time.Hour),
		Manifest:     []metadata.BlockRef{{BlockHash: "hhh1", Size: 6}},
	}
	require.NoError(t, mdStore.CreateFile(ctx, nil, f))

	m := &Migrator{Metadata: mdStore, CAS: casStore, CacheTierAge: 30 * 24 * time.Hour, WarmTierAge: 90 * 24 * time.Hour}
	require.NoError(t, m.RunOnce(ctx))

	tier, present := casStore.Exists("hhh1")
	require.True(t, present)
	require.Equal(t, cas.TierWarm, tier)

	got, err := mdStore.GetFile(ctx, "file-1", "erin")
	require.NoError(t, err)
	require.Equal(t, metadata.TierWarm, got.PlacementTier)
}
