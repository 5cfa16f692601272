package upload

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strongboxhq/strongbox/internal/cas"
	"github.com/strongboxhq/strongbox/internal/config"
	"github.com/strongboxhq/strongbox/internal/metadata"
	"github.com/strongboxhq/strongbox/internal/sessioncache"
	"github.com/strongboxhq/strongbox/internal/versioning"
	"github.com/strongboxhq/strongbox/internal/workerpool"
)

func newTestManager(t *testing.T) (*Manager, context.Context) {
	t.Helper()
	ctx := context.Background()

	mdStore, err := metadata.Open("sqlite::memory:")
	require.NoError(t, err)
	_, err = mdStore.GetOrCreateUser(ctx, "erin", 1<<30)
	require.NoError(t, err)

	casStore, err := cas.NewStore(t.TempDir())
	require.NoError(t, err)

	sessions, err := sessioncache.NewBoltStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	cfg := &config.Config{
		ChunkSize: 4 << 20, InlineThreshold: 1 << 10, SingleObjectThreshold: 1 << 20,
		SessionTTL:           time.Hour,
		ObjectsRoot:          t.TempDir(),
		MaxVersionsPerFile:   10,
		VersionRetentionDays: 30,
	}

	return &Manager{
		Config:     cfg,
		Metadata:   mdStore,
		Sessions:   sessions,
		CAS:        casStore,
		Dedup:      &cas.Deduplicator{CAS: casStore, Metadata: mdStore},
		Versioning: &versioning.Manager{Metadata: mdStore, MaxVersionsPerFile: 10, RetentionDays: 30},
		Pool:       workerpool.New(4),
		StagingDir: t.TempDir(),
	}, ctx
}

func TestInlineUploadRoundTrip(t *testing.T) {
	m, ctx := newTestManager(t)
	payload := []byte("a small inline file")

	session, err := m.Init(ctx, "erin", "note.txt", "", int64(len(payload)), "text/plain")
	require.NoError(t, err)
	require.Equal(t, sessioncache.StrategyInline, session.Strategy)

	require.NoError(t, m.AcceptDirect(ctx, session.ID, payload))
	file, err := m.Complete(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.StorageInline, file.StorageType)
	require.NotEmpty(t, file.InlinePayload)

	// The session is gone once completed.
	_, err = m.Status(ctx, session.ID)
	require.Error(t, err)
}

func TestChunkedUploadResumeThenComplete(t *testing.T) {
	m, ctx := newTestManager(t)
	const size = 10 << 20 // larger than SingleObjectThreshold -> chunked
	payload := make([]byte, size)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	session, err := m.Init(ctx, "erin", "blob.bin", "", int64(len(payload)), "application/octet-stream")
	require.NoError(t, err)
	require.Equal(t, sessioncache.StrategyChunked, session.Strategy)
	require.Greater(t, session.ExpectedChunks, 1)

	chunkSize := int(session.ChunkSize)
	for i := 0; i < session.ExpectedChunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		_, err := m.AcceptChunk(ctx, session.ID, i, payload[start:end])
		require.NoError(t, err)
	}

	status, err := m.Status(ctx, session.ID)
	require.NoError(t, err)
	require.True(t, status.IsComplete())
	require.Empty(t, status.MissingIndices())

	file, err := m.Complete(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.StorageContentAddressed, file.StorageType)
	require.Equal(t, int64(size), file.Size)
	require.NotEmpty(t, file.Manifest)
}

func TestChunkedUploadMissingChunkRefusesCompletion(t *testing.T) {
	m, ctx := newTestManager(t)
	payload := make([]byte, 10<<20)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	session, err := m.Init(ctx, "erin", "blob2.bin", "", int64(len(payload)), "application/octet-stream")
	require.NoError(t, err)

	chunkSize := int(session.ChunkSize)
	// Skip the last chunk.
	for i := 0; i < session.ExpectedChunks-1; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		_, err := m.AcceptChunk(ctx, session.ID, i, payload[start:end])
		require.NoError(t, err)
	}

	_, err = m.Complete(ctx, session.ID)
	require.Error(t, err)
}

func TestFullFileDuplicateShortCircuitsSecondUpload(t *testing.T) {
	m, ctx := newTestManager(t)
	payload := []byte("identical content uploaded twice under different names")

	s1, err := m.Init(ctx, "erin", "first.txt", "", int64(len(payload)), "text/plain")
	require.NoError(t, err)
	require.NoError(t, m.AcceptDirect(ctx, s1.ID, payload))
	f1, err := m.Complete(ctx, s1.ID)
	require.NoError(t, err)

	s2, err := m.Init(ctx, "erin", "second.txt", "", int64(len(payload)), "text/plain")
	require.NoError(t, err)
	require.NoError(t, m.AcceptDirect(ctx, s2.ID, payload))
	f2, err := m.Complete(ctx, s2.ID)
	require.NoError(t, err)

	require.Equal(t, metadata.StorageDeduplicatedReference, f2.StorageType)
	require.Equal(t, f1.ID, f2.ReferenceTargetID)
}

func TestAcceptChunkReuploadIsIdempotent(t *testing.T) {
	m, ctx := newTestManager(t)
	payload := make([]byte, 10<<20)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	session, err := m.Init(ctx, "erin", "race.bin", "", int64(len(payload)), "application/octet-stream")
	require.NoError(t, err)
	chunkSize := int(session.ChunkSize)
	first := payload[:chunkSize]

	status, err := m.AcceptChunk(ctx, session.ID, 0, first)
	require.NoError(t, err)
	require.Equal(t, ChunkAccepted, status)

	status, err = m.AcceptChunk(ctx, session.ID, 0, []byte("different bytes, should be ignored"))
	require.NoError(t, err)
	require.Equal(t, ChunkAlreadyUploaded, status)

	refreshed, err := m.Status(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, hashHex(first), refreshed.ChunkHashes[0])
}

func TestAbortDiscardsSession(t *testing.T) {
	m, ctx := newTestManager(t)
	session, err := m.Init(ctx, "erin", "abort.bin", "", 100, "application/octet-stream")
	require.NoError(t, err)
	require.NoError(t, m.Abort(ctx, session.ID))

	_, err = m.Status(ctx, session.ID)
	require.Error(t, err)
}
