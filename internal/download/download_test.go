package download

import (
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strongboxhq/strongbox/internal/cas"
	"github.com/strongboxhq/strongbox/internal/config"
	"github.com/strongboxhq/strongbox/internal/metadata"
	"github.com/strongboxhq/strongbox/internal/sessioncache"
	"github.com/strongboxhq/strongbox/internal/upload"
	"github.com/strongboxhq/strongbox/internal/versioning"
	"github.com/strongboxhq/strongbox/internal/workerpool"
)

type testRig struct {
	Upload *upload.Manager
	Engine *Engine
	ctx    context.Context
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	ctx := context.Background()

	mdStore, err := metadata.Open("sqlite::memory:")
	require.NoError(t, err)
	_, err = mdStore.GetOrCreateUser(ctx, "erin", 1<<30)
	require.NoError(t, err)

	casStore, err := cas.NewStore(t.TempDir())
	require.NoError(t, err)
	dedup := &cas.Deduplicator{CAS: casStore, Metadata: mdStore}

	sessions, err := sessioncache.NewBoltStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	var masterKey [32]byte
	copy(masterKey[:], []byte("0123456789abcdef0123456789abcdef"))

	cfg := &config.Config{
		MasterKey: masterKey,
		ChunkSize: 4 << 20, InlineThreshold: 1 << 10, SingleObjectThreshold: 1 << 20,
		SessionTTL: time.Hour, ObjectsRoot: t.TempDir(),
		MaxVersionsPerFile: 10, VersionRetentionDays: 30,
	}

	um := &upload.Manager{
		Config: cfg, Metadata: mdStore, Sessions: sessions, CAS: casStore, Dedup: dedup,
		Versioning: &versioning.Manager{Metadata: mdStore, MaxVersionsPerFile: 10, RetentionDays: 30},
		Pool:       workerpool.New(4),
		StagingDir: t.TempDir(),
	}

	engine := &Engine{Metadata: mdStore, CAS: casStore, Dedup: dedup, MasterKey: masterKey}

	return &testRig{Upload: um, Engine: engine, ctx: ctx}
}

func TestHeadAndDownloadInlineFile(t *testing.T) {
	rig := newTestRig(t)
	payload := []byte("hello inline world")

	session, err := rig.Upload.Init(rig.ctx, "erin", "hello.txt", "", int64(len(payload)), "text/plain")
	require.NoError(t, err)
	require.NoError(t, rig.Upload.AcceptDirect(rig.ctx, session.ID, payload))
	file, err := rig.Upload.Complete(rig.ctx, session.ID)
	require.NoError(t, err)

	head, err := rig.Engine.Head(rig.ctx, file.ID, "erin")
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), head.Size)
	require.False(t, head.AcceptsRanges)

	rc, n, err := rig.Engine.Open(rig.ctx, file.ID, "erin", nil)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), n)
	require.Equal(t, payload, got)
}

func TestRangeDownloadOfChunkedFile(t *testing.T) {
	rig := newTestRig(t)
	payload := make([]byte, 10<<20)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	session, err := rig.Upload.Init(rig.ctx, "erin", "big.bin", "", int64(len(payload)), "application/octet-stream")
	require.NoError(t, err)
	chunkSize := int(session.ChunkSize)
	for i := 0; i < session.ExpectedChunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		_, err := rig.Upload.AcceptChunk(rig.ctx, session.ID, i, payload[start:end])
		require.NoError(t, err)
	}
	file, err := rig.Upload.Complete(rig.ctx, session.ID)
	require.NoError(t, err)

	head, err := rig.Engine.Head(rig.ctx, file.ID, "erin")
	require.NoError(t, err)
	require.True(t, head.AcceptsRanges)

	rc, n, err := rig.Engine.Open(rig.ctx, file.ID, "erin", &Range{Start: 5 << 20, End: 5<<20 + 999})
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, int64(1000), n)
	require.Equal(t, payload[5<<20:5<<20+1000], got)
}

func TestRangeUnsatisfiableBeyondFileSize(t *testing.T) {
	rig := newTestRig(t)
	payload := []byte("short file")

	session, err := rig.Upload.Init(rig.ctx, "erin", "short.txt", "", int64(len(payload)), "text/plain")
	require.NoError(t, err)
	require.NoError(t, rig.Upload.AcceptDirect(rig.ctx, session.ID, payload))
	file, err := rig.Upload.Complete(rig.ctx, session.ID)
	require.NoError(t, err)

	_, _, err = rig.Engine.Open(rig.ctx, file.ID, "erin", &Range{Start: 1000, End: 2000})
	require.Error(t, err)
}

func TestDownloadFailsBeforeAnyBytesOnTamperedBlock(t *testing.T) {
	rig := newTestRig(t)
	payload := make([]byte, 10<<20)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	session, err := rig.Upload.Init(rig.ctx, "erin", "tamper.bin", "", int64(len(payload)), "application/octet-stream")
	require.NoError(t, err)
	chunkSize := int(session.ChunkSize)
	for i := 0; i < session.ExpectedChunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		_, err := rig.Upload.AcceptChunk(rig.ctx, session.ID, i, payload[start:end])
		require.NoError(t, err)
	}
	file, err := rig.Upload.Complete(rig.ctx, session.ID)
	require.NoError(t, err)

	firstHash := file.Manifest[0].BlockHash
	path, err := rig.Engine.CAS.Path(cas.TierCache, firstHash)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, _, err = rig.Engine.Open(rig.ctx, file.ID, "erin", nil)
	require.Error(t, err)
}
