package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/strongboxhq/strongbox/internal/apperror"
	"github.com/strongboxhq/strongbox/internal/sessioncache"
)

// ChunkStatus is the status spec §4.1's accept_chunk() reports back to the
// caller: "accepted" for a new index, "already_uploaded" for a no-op
// re-upload of an index already on file.
type ChunkStatus string

const (
	ChunkAccepted        ChunkStatus = "accepted"
	ChunkAlreadyUploaded ChunkStatus = "already_uploaded"
)

// AcceptChunk implements spec §4.1 accept_chunk(): it stages one fixed-size
// client chunk to local scratch space and marks its index received.
// Re-uploading an already-accepted index is a no-op: it leaves the staged
// bytes and session state untouched and reports already_uploaded, so a
// client that retries a chunk it is unsure landed cannot clobber a chunk
// that already made it into the manifest.
func (m *Manager) AcceptChunk(ctx context.Context, sessionID string, index int, plaintext []byte) (ChunkStatus, error) {
	session, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.Strategy != sessioncache.StrategyChunked {
		return "", apperror.New(apperror.Validation, "session %s does not use chunked upload", sessionID)
	}
	if index < 0 || index >= session.ExpectedChunks {
		return "", apperror.New(apperror.Validation, "chunk index %d out of range [0,%d)", index, session.ExpectedChunks)
	}
	if session.ReceivedIndices[index] {
		return ChunkAlreadyUploaded, nil
	}

	path := stagingChunkPath(m.StagingDir, sessionID, index)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", apperror.Wrap(apperror.StorageIO, err, "preparing staging directory for session %s", sessionID)
	}
	if err := os.WriteFile(path, plaintext, 0o600); err != nil {
		return "", apperror.Wrap(apperror.StorageIO, err, "staging chunk %d for session %s", index, sessionID)
	}

	sum := sha256.Sum256(plaintext)
	session.ChunkHashes[index] = hex.EncodeToString(sum[:])
	session.ChunkPaths[index] = path
	session.ReceivedIndices[index] = true
	if err := m.saveSession(ctx, session); err != nil {
		return "", err
	}
	return ChunkAccepted, nil
}

// AcceptDirect implements spec §4.1 accept_direct(), used by the inline and
// single-object strategies: the whole payload arrives in one call.
func (m *Manager) AcceptDirect(ctx context.Context, sessionID string, plaintext []byte) error {
	session, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Strategy == sessioncache.StrategyChunked {
		return apperror.New(apperror.Validation, "session %s uses chunked upload, not direct", sessionID)
	}

	path := stagingDirectPath(m.StagingDir, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperror.Wrap(apperror.StorageIO, err, "preparing staging directory for session %s", sessionID)
	}
	if err := os.WriteFile(path, plaintext, 0o600); err != nil {
		return apperror.Wrap(apperror.StorageIO, err, "staging direct payload for session %s", sessionID)
	}

	session.DirectObjectPath = path
	session.DirectReceived = true
	return m.saveSession(ctx, session)
}
