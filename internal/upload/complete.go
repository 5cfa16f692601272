package upload

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/strongboxhq/strongbox/internal/apperror"
	"github.com/strongboxhq/strongbox/internal/cas"
	"github.com/strongboxhq/strongbox/internal/compressutil"
	"github.com/strongboxhq/strongbox/internal/envelope"
	"github.com/strongboxhq/strongbox/internal/metadata"
	"github.com/strongboxhq/strongbox/internal/sessioncache"
	"github.com/strongboxhq/strongbox/internal/workerpool"
)

// Complete implements spec §4.1 complete(): it validates every expected
// byte arrived, performs the full-file dedup short-circuit, otherwise
// re-chunks/encrypts/stores the payload per the session's strategy, and
// durably records a File row. The session and its staged bytes are removed
// whether completion succeeds or fails, since a failed completion needs a
// fresh init() rather than a retry against stale staging state.
func (m *Manager) Complete(ctx context.Context, sessionID string) (*metadata.File, error) {
	session, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		m.cleanupStaging(session.ID)
		_ = m.Sessions.DeleteSession(ctx, session.ID)
	}()

	if session.Strategy == sessioncache.StrategyChunked {
		if !session.IsComplete() {
			return nil, apperror.New(apperror.Validation, "upload %s incomplete: missing chunks %v", sessionID, session.MissingIndices())
		}
	} else if !session.DirectReceived {
		return nil, apperror.New(apperror.Validation, "upload %s incomplete: payload not received", sessionID)
	}

	var file *metadata.File
	switch session.Strategy {
	case sessioncache.StrategyInline:
		file, err = m.completeInline(ctx, session)
	case sessioncache.StrategySingle:
		file, err = m.completeSingle(ctx, session)
	case sessioncache.StrategyChunked:
		file, err = m.completeChunked(ctx, session)
	default:
		err = apperror.New(apperror.Validation, "session %s has unknown strategy %q", sessionID, session.Strategy)
	}
	if err != nil {
		return nil, err
	}

	if err := m.Sessions.DeleteSession(ctx, session.ID); err != nil {
		return nil, err
	}
	_ = m.Metadata.RecordActivity(ctx, &metadata.ActivityRecord{
		UserID: session.Owner, Action: "upload_complete", Object: file.ID, Severity: "info",
	})
	return file, nil
}

func (m *Manager) completeInline(ctx context.Context, session *sessioncache.UploadSession) (*metadata.File, error) {
	plaintext, err := os.ReadFile(session.DirectObjectPath)
	if err != nil {
		return nil, apperror.Wrap(apperror.StorageIO, err, "reading staged payload for session %s", session.ID)
	}
	if err := checkDeclaredSize(session, int64(len(plaintext))); err != nil {
		return nil, err
	}
	hexHash := hashHex(plaintext)

	if dup, err := m.tryFullFileDuplicate(ctx, session, hexHash, int64(len(plaintext))); err != nil {
		return nil, err
	} else if dup != nil {
		return dup, nil
	}

	payload := plaintext
	compressed := false
	if session.Compress {
		c, err := compressutil.Compress(plaintext)
		if err != nil {
			return nil, err
		}
		payload, compressed = c, true
	}
	fileKey, err := envelope.Unwrap(m.Config.MasterKey[:], session.WrappedFileKey)
	if err != nil {
		return nil, apperror.Wrap(apperror.IntegrityFailure, err, "unwrapping file key for session %s", session.ID)
	}
	sealed, err := envelope.SealWhole(fileKey, payload)
	if err != nil {
		return nil, apperror.Wrap(apperror.StorageIO, err, "sealing inline payload for session %s", session.ID)
	}

	now := time.Now()
	file := &metadata.File{
		ID: uuid.NewString(), Owner: session.Owner, FolderID: session.FolderID, Name: session.FileName,
		Size: int64(len(plaintext)), ContentHash: hexHash, StorageType: metadata.StorageInline,
		PlacementTier: metadata.TierCache, WrappedFileKey: session.WrappedFileKey, Compressed: compressed,
		InlinePayload: base64.StdEncoding.EncodeToString(sealed),
		LogicalSize:   int64(len(plaintext)), SavedSize: 0,
		CreatedAt: now, LastAccessed: now,
	}
	if err := m.persistFile(ctx, session, file); err != nil {
		return nil, err
	}
	return file, nil
}

func (m *Manager) completeSingle(ctx context.Context, session *sessioncache.UploadSession) (*metadata.File, error) {
	plaintext, err := os.ReadFile(session.DirectObjectPath)
	if err != nil {
		return nil, apperror.Wrap(apperror.StorageIO, err, "reading staged payload for session %s", session.ID)
	}
	if err := checkDeclaredSize(session, int64(len(plaintext))); err != nil {
		return nil, err
	}
	hexHash := hashHex(plaintext)

	if dup, err := m.tryFullFileDuplicate(ctx, session, hexHash, int64(len(plaintext))); err != nil {
		return nil, err
	} else if dup != nil {
		return dup, nil
	}

	payload := plaintext
	compressed := false
	if session.Compress {
		c, err := compressutil.Compress(plaintext)
		if err != nil {
			return nil, err
		}
		payload, compressed = c, true
	}
	fileKey, err := envelope.Unwrap(m.Config.MasterKey[:], session.WrappedFileKey)
	if err != nil {
		return nil, apperror.Wrap(apperror.IntegrityFailure, err, "unwrapping file key for session %s", session.ID)
	}
	sealed, err := envelope.SealWhole(fileKey, payload)
	if err != nil {
		return nil, apperror.Wrap(apperror.StorageIO, err, "sealing payload for session %s", session.ID)
	}

	id := uuid.NewString()
	objectPath, err := m.writeSingleObject(session.Owner, id, sealed)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	file := &metadata.File{
		ID: id, Owner: session.Owner, FolderID: session.FolderID, Name: session.FileName,
		Size: int64(len(plaintext)), ContentHash: hexHash, StorageType: metadata.StorageSingle,
		PlacementTier: metadata.TierCache, WrappedFileKey: session.WrappedFileKey, Compressed: compressed,
		ObjectPath:  objectPath,
		LogicalSize: int64(len(plaintext)), SavedSize: 0,
		CreatedAt: now, LastAccessed: now,
	}
	if err := m.persistFile(ctx, session, file); err != nil {
		return nil, err
	}
	return file, nil
}

func (m *Manager) completeChunked(ctx context.Context, session *sessioncache.UploadSession) (*metadata.File, error) {
	totalSize, hexHash, err := m.hashStagedChunks(session)
	if err != nil {
		return nil, err
	}
	if err := checkDeclaredSize(session, totalSize); err != nil {
		return nil, err
	}

	if dup, err := m.tryFullFileDuplicate(ctx, session, hexHash, totalSize); err != nil {
		return nil, err
	} else if dup != nil {
		return dup, nil
	}

	manifest, logicalSize, savedSize, err := m.dedupStagedChunks(ctx, session)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	file := &metadata.File{
		ID: uuid.NewString(), Owner: session.Owner, FolderID: session.FolderID, Name: session.FileName,
		Size: totalSize, ContentHash: hexHash, StorageType: metadata.StorageContentAddressed,
		PlacementTier: metadata.TierCache, WrappedFileKey: session.WrappedFileKey,
		LogicalSize: logicalSize, SavedSize: savedSize,
		CreatedAt: now, LastAccessed: now,
		Manifest: manifest,
	}
	if err := m.persistFile(ctx, session, file); err != nil {
		return nil, err
	}
	return file, nil
}

// hashStagedChunks computes the whole-file content hash by streaming
// through the staged chunks in order, without holding the full payload in
// memory. This is the cheap pre-pass that lets the full-file dedup
// short-circuit run before any per-block CAS writes happen.
func (m *Manager) hashStagedChunks(session *sessioncache.UploadSession) (int64, string, error) {
	h := sha256.New()
	var total int64
	for i := 0; i < session.ExpectedChunks; i++ {
		path, ok := session.ChunkPaths[i]
		if !ok {
			return 0, "", apperror.New(apperror.Validation, "missing staged chunk %d for session %s", i, session.ID)
		}
		f, err := os.Open(path)
		if err != nil {
			return 0, "", apperror.Wrap(apperror.StorageIO, err, "reading staged chunk %d", i)
		}
		n, err := io.Copy(h, f)
		f.Close()
		if err != nil {
			return 0, "", apperror.Wrap(apperror.StorageIO, err, "hashing staged chunk %d", i)
		}
		total += n
	}
	return total, hex.EncodeToString(h.Sum(nil)), nil
}

// dedupStagedChunks re-chunks the reassembled stream with content-defined
// chunking (spec §4.3) and stores each resulting block through the
// Deduplicator, fanning the CPU-bound sealing work out across the worker
// pool while preserving manifest ordering.
func (m *Manager) dedupStagedChunks(ctx context.Context, session *sessioncache.UploadSession) ([]metadata.BlockRef, int64, int64, error) {
	readers := make([]io.Reader, session.ExpectedChunks)
	closers := make([]io.Closer, 0, session.ExpectedChunks)
	for i := 0; i < session.ExpectedChunks; i++ {
		f, err := os.Open(session.ChunkPaths[i])
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, 0, 0, apperror.Wrap(apperror.StorageIO, err, "reopening staged chunk %d", i)
		}
		readers[i] = f
		closers = append(closers, f)
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	var pending []<-chan workerpool.Result
	err := cas.Split(io.MultiReader(readers...), func(chunk cas.Chunk) error {
		offset := chunk.Offset
		data := chunk.Data
		ch := m.Pool.Submit(ctx, func() (interface{}, error) {
			return m.Dedup.StoreBlock(ctx, session.Owner, data, offset)
		})
		pending = append(pending, ch)
		return nil
	})
	if err != nil {
		return nil, 0, 0, apperror.Wrap(apperror.StorageIO, err, "content-defined chunking for session %s", session.ID)
	}

	manifest := make([]metadata.BlockRef, 0, len(pending))
	var logicalSize, savedSize int64
	for seq, ch := range pending {
		res := <-ch
		if res.Err != nil {
			return nil, 0, 0, res.Err
		}
		block := res.Value.(cas.BlockResult)
		manifest = append(manifest, metadata.BlockRef{
			BlockHash: block.Hash, Offset: block.Offset, Size: block.Size,
			Sequence: seq, IsDuplicate: block.IsDuplicate,
		})
		logicalSize += block.Size
		if block.IsDuplicate {
			savedSize += block.Size
		}
	}
	return manifest, logicalSize, savedSize, nil
}

// tryFullFileDuplicate implements the full-file dedup short-circuit of spec
// §4.3: if a File with this content hash already exists for the owner (or
// globally under cross-user dedup), create a pinned reference instead of
// storing anything new.
func (m *Manager) tryFullFileDuplicate(ctx context.Context, session *sessioncache.UploadSession, hexHash string, size int64) (*metadata.File, error) {
	target, err := m.Dedup.FullFileDuplicate(ctx, session.Owner, hexHash)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, nil
	}
	now := time.Now()
	file := &metadata.File{
		ID: uuid.NewString(), Owner: session.Owner, FolderID: session.FolderID, Name: session.FileName,
		Size: size, ContentHash: hexHash, StorageType: metadata.StorageDeduplicatedReference,
		PlacementTier: target.PlacementTier, ReferenceTargetID: target.ID, WrappedFileKey: session.WrappedFileKey,
		LogicalSize: size, SavedSize: size,
		CreatedAt: now, LastAccessed: now,
	}
	if err := m.persistFile(ctx, session, file); err != nil {
		return nil, err
	}
	return file, nil
}

// persistFile snapshots any file it supersedes, inserts the File row (and
// manifest, if any), and commits its bytes against the owner's quota, all
// in one transaction.
func (m *Manager) persistFile(ctx context.Context, session *sessioncache.UploadSession, file *metadata.File) error {
	return m.Metadata.Transaction(ctx, func(tx *gorm.DB) error {
		if err := m.Versioning.SnapshotIfSuperseding(ctx, tx, session.Owner, session.FolderID, session.FileName); err != nil {
			return err
		}
		if err := m.Metadata.CreateFile(ctx, tx, file); err != nil {
			return err
		}
		return m.Metadata.AdjustUsed(ctx, tx, session.Owner, file.Size)
	})
}

func checkDeclaredSize(session *sessioncache.UploadSession, actual int64) error {
	if actual != session.DeclaredSize {
		return apperror.New(apperror.Validation, "session %s: declared size %d does not match received size %d", session.ID, session.DeclaredSize, actual)
	}
	return nil
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
