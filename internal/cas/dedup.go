package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"gorm.io/gorm"

	"github.com/strongboxhq/strongbox/internal/apperror"
	"github.com/strongboxhq/strongbox/internal/envelope"
	"github.com/strongboxhq/strongbox/internal/metadata"
)

// Deduplicator runs the block storage protocol of spec §4.3 against a
// Store (the on-disk CAS) and a metadata.Store (the refcounted block
// graph).
type Deduplicator struct {
	CAS            *Store
	Metadata       *metadata.Store
	CrossUserDedup bool
}

// BlockResult is the outcome of storing one content-defined chunk.
type BlockResult struct {
	Hash        string
	Size        int64
	Offset      int64
	IsDuplicate bool
}

// StoreBlock implements spec §4.3's per-block protocol:
//  1. hash the plaintext
//  2. query the metadata store for an existing Block (dedup candidate)
//  3. if present, increment its refcount and mark the manifest entry a
//     duplicate
//  4. if absent, seal convergently and write-if-absent to the CAS, then
//     insert a Block row with reference_count=1
//
// Detection and refcount increment happen in the same transaction to
// avoid the lost-update race spec §5 calls out.
func (d *Deduplicator) StoreBlock(ctx context.Context, ownerID string, plaintext []byte, offset int64) (BlockResult, error) {
	sum := sha256.Sum256(plaintext)
	hexHash := hex.EncodeToString(sum[:])

	result := BlockResult{Hash: hexHash, Size: int64(len(plaintext)), Offset: offset}

	err := d.Metadata.Transaction(ctx, func(tx *gorm.DB) error {
		_, found, err := d.Metadata.FindBlockForDedup(ctx, tx, hexHash, ownerID, d.CrossUserDedup)
		if err != nil {
			return err
		}
		if found {
			if err := d.Metadata.IncrementBlockRef(ctx, tx, hexHash); err != nil {
				return err
			}
			result.IsDuplicate = true
			return nil
		}

		sealed, err := envelope.SealConvergent(sum[:], hexHash, plaintext)
		if err != nil {
			return apperror.Wrap(apperror.StorageIO, err, "sealing block %s", hexHash)
		}
		if _, err := d.CAS.WriteIfAbsent(TierCache, hexHash, sealed); err != nil {
			return err
		}
		if err := d.Metadata.CreateBlock(ctx, tx, hexHash, int64(len(plaintext)), ownerID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return BlockResult{}, err
	}
	return result, nil
}

// ReadBlock reads and authenticates a block's ciphertext, returning the
// original plaintext. A tampered block surfaces as apperror.IntegrityFailure
// with no partial output (spec §7).
func (d *Deduplicator) ReadBlock(hexHash string) ([]byte, error) {
	sealed, err := d.CAS.Read(hexHash)
	if err != nil {
		return nil, err
	}
	sum, err := hex.DecodeString(hexHash)
	if err != nil {
		return nil, apperror.Wrap(apperror.Validation, err, "malformed block hash %s", hexHash)
	}
	plaintext, err := envelope.OpenConvergent(sum, hexHash, sealed)
	if err != nil {
		return nil, apperror.Wrap(apperror.IntegrityFailure, err, "block %s failed AEAD verification", hexHash)
	}
	return plaintext, nil
}

// OpenBlockStream reads and authenticates a block, exposing it as a
// reader so the download engine can stream without buffering the whole
// thing twice. Integrity is still checked eagerly (AES-GCM requires the
// whole ciphertext before it can authenticate) but the returned Reader
// avoids a second large allocation by the caller.
func (d *Deduplicator) OpenBlockStream(hexHash string) (io.Reader, int64, error) {
	plaintext, err := d.ReadBlock(hexHash)
	if err != nil {
		return nil, 0, err
	}
	return &byteSliceReader{data: plaintext}, int64(len(plaintext)), nil
}

type byteSliceReader struct {
	data []byte
	pos  int
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// FullFileDuplicate implements the full-file dedup short-circuit of spec
// §4.3: before any chunk-level work, check whether a File with the same
// content hash already exists for this owner (or globally, under
// cross-user dedup).
func (d *Deduplicator) FullFileDuplicate(ctx context.Context, ownerID string, plaintextHash string) (*metadata.File, error) {
	return d.Metadata.FindFileByContentHash(ctx, plaintextHash, ownerID, d.CrossUserDedup)
}
