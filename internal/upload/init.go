package upload

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/strongboxhq/strongbox/internal/compressutil"
	"github.com/strongboxhq/strongbox/internal/envelope"
	"github.com/strongboxhq/strongbox/internal/placement"
	"github.com/strongboxhq/strongbox/internal/sessioncache"
)

// Init starts a new upload session (spec §4.1 init()): it admission-checks
// the declared size against quota, picks a storage strategy, generates and
// wraps a per-file key, and decides the compression flag, then records the
// session in the Session Cache.
func (m *Manager) Init(ctx context.Context, owner, fileName, folderID string, declaredSize int64, mimeType string) (*sessioncache.UploadSession, error) {
	if err := m.Metadata.ReserveQuota(ctx, owner, declaredSize); err != nil {
		return nil, err
	}

	strategy := placement.ChooseStrategy(declaredSize, m.Config.InlineThreshold, m.Config.SingleObjectThreshold)

	fileKey, err := envelope.NewFileKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := envelope.Wrap(m.Config.MasterKey[:], fileKey)
	if err != nil {
		return nil, err
	}

	// Compressing before content-defined chunking would make the rolling
	// hash see different bytes for files that are otherwise byte-identical
	// after the first differing chunk, defeating cross-file dedup. Only
	// whole-file strategies (inline, single) compress.
	compress := strategy != sessioncache.StrategyChunked && compressutil.ShouldCompress(fileName, declaredSize)

	expectedChunks := 0
	if strategy == sessioncache.StrategyChunked {
		expectedChunks = placement.ChunkCount(declaredSize, m.Config.ChunkSize)
	}

	session := &sessioncache.UploadSession{
		ID:              uuid.NewString(),
		Owner:           owner,
		FileName:        fileName,
		FolderID:        folderID,
		DeclaredSize:    declaredSize,
		Strategy:        strategy,
		ChunkSize:       m.Config.ChunkSize,
		ExpectedChunks:  expectedChunks,
		Compress:        compress,
		WrappedFileKey:  wrapped,
		ReceivedIndices: map[int]bool{},
		ChunkPaths:      map[int]string{},
		ChunkHashes:     map[int]string{},
		StartTime:       time.Now(),
	}
	if err := m.saveSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}
