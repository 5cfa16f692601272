package sessioncache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	s := &UploadSession{
		ID: "sess-1", Owner: "alice", FileName: "movie.mp4",
		Strategy: StrategyChunked, ExpectedChunks: 3,
		ReceivedIndices: map[int]bool{0: true, 2: true},
		ChunkHashes:     map[int]string{0: "h0", 2: "h2"},
		StartTime:       time.Now(),
	}
	require.NoError(t, store.SaveSession(ctx, s, time.Hour))

	got, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, []int{1}, got.MissingIndices())
	require.InDelta(t, 66.7, got.Progress(), 0.1)
}

func TestSessionExpires(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	s := &UploadSession{ID: "sess-2", ExpectedChunks: 1, ReceivedIndices: map[int]bool{}}
	require.NoError(t, store.SaveSession(ctx, s, -time.Second)) // already expired

	got, err := store.GetSession(ctx, "sess-2")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestInlinePayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.PutInline(ctx, "alice", "hash1", []byte("ciphertext")))
	got, ok, err := store.GetInline(ctx, "alice", "hash1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("ciphertext"), got)

	_, ok, err = store.GetInline(ctx, "alice", "nonexistent")
	require.NoError(t, err)
	require.False(t, ok)
}
