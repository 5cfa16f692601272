// Package download implements the Download Engine (spec §4.5): metadata
// lookups for HEAD, full-stream and byte-range GET, reconstructing a
// File's plaintext from whichever storage representation it used.
package download

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"os"

	"github.com/strongboxhq/strongbox/internal/apperror"
	"github.com/strongboxhq/strongbox/internal/applog"
	"github.com/strongboxhq/strongbox/internal/cas"
	"github.com/strongboxhq/strongbox/internal/compressutil"
	"github.com/strongboxhq/strongbox/internal/envelope"
	"github.com/strongboxhq/strongbox/internal/metadata"
)

// Engine serves file content and metadata for reads.
type Engine struct {
	Metadata  *metadata.Store
	CAS       *cas.Store
	Dedup     *cas.Deduplicator
	MasterKey [32]byte
}

// Manifest is what a HEAD request or a GET's response headers need: size,
// content hash (used as an ETag) and whether byte ranges are supported.
type Manifest struct {
	File          *metadata.File
	Size          int64
	ETag          string
	AcceptsRanges bool
}

// Head implements spec §4.5's HEAD path: metadata only, no last_accessed
// side effect, no bytes read.
func (e *Engine) Head(ctx context.Context, fileID, ownerID string) (*Manifest, error) {
	f, err := e.Metadata.GetFile(ctx, fileID, ownerID)
	if err != nil {
		return nil, err
	}
	resolved, err := e.Metadata.ResolveReference(ctx, f)
	if err != nil {
		return nil, err
	}
	// Chunked files support ranges because each block can be opened and
	// sliced independently; inline and single-object files are one sealed
	// frame and must be fully decrypted before any byte can be returned.
	acceptsRanges := resolved.StorageType == metadata.StorageContentAddressed || resolved.StorageType == metadata.StorageChunked
	return &Manifest{File: f, Size: f.Size, ETag: f.ContentHash, AcceptsRanges: acceptsRanges}, nil
}

// Range is an inclusive byte range [Start, End], resolved against the
// file's size (negative End means "to the end of the file").
type Range struct {
	Start, End int64
}

// normalizeRange clamps r.End to the file's last byte and rejects an
// unsatisfiable range as apperror.RangeUnsatisfiable (HTTP 416).
func normalizeRange(r *Range, size int64) error {
	if r == nil {
		return nil
	}
	if r.End < 0 || r.End >= size {
		r.End = size - 1
	}
	if r.Start < 0 || r.Start > r.End || size == 0 {
		return apperror.New(apperror.RangeUnsatisfiable, "range [%d,%d] unsatisfiable for size %d", r.Start, r.End, size)
	}
	return nil
}

// Open returns a reader for a file's plaintext (optionally restricted to
// rng), the number of bytes it will yield, and whether the open succeeded
// at all. Integrity failures are detected before any bytes are handed to
// the caller (spec §7 S7): every storage type fully authenticates its
// sealed frame(s) before Open returns.
func (e *Engine) Open(ctx context.Context, fileID, ownerID string, rng *Range) (io.ReadCloser, int64, error) {
	f, err := e.Metadata.GetFile(ctx, fileID, ownerID)
	if err != nil {
		return nil, 0, err
	}
	resolved, err := e.Metadata.ResolveReference(ctx, f)
	if err != nil {
		return nil, 0, err
	}

	if err := normalizeRange(rng, resolved.Size); err != nil {
		return nil, 0, err
	}

	var plaintext []byte
	switch resolved.StorageType {
	case metadata.StorageInline:
		plaintext, err = e.openInline(resolved)
	case metadata.StorageSingle:
		plaintext, err = e.openSingle(resolved)
	case metadata.StorageContentAddressed, metadata.StorageChunked:
		plaintext, err = e.openChunked(resolved, rng)
	default:
		err = apperror.New(apperror.Validation, "file %s has unknown storage type %q", resolved.ID, resolved.StorageType)
	}
	if err != nil {
		if apperror.Is(err, apperror.IntegrityFailure) {
			applog.WithFields(applog.Fields{"file": f.ID, "user": ownerID}).Errorf("integrity failure on download: %v", err)
			_ = e.Metadata.RecordActivity(ctx, &metadata.ActivityRecord{
				UserID: ownerID, Action: "integrity_failure", Object: f.ID, Severity: "high",
			})
		}
		return nil, 0, err
	}

	if rng != nil && resolved.StorageType != metadata.StorageContentAddressed && resolved.StorageType != metadata.StorageChunked {
		// Whole-file representations decrypt everything, then slice.
		if rng.Start >= int64(len(plaintext)) {
			return nil, 0, apperror.New(apperror.RangeUnsatisfiable, "range start %d beyond file size %d", rng.Start, len(plaintext))
		}
		end := rng.End + 1
		if end > int64(len(plaintext)) {
			end = int64(len(plaintext))
		}
		plaintext = plaintext[rng.Start:end]
	}

	if err := e.Metadata.TouchAccess(ctx, f.ID); err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(plaintext)), int64(len(plaintext)), nil
}

func (e *Engine) openInline(f *metadata.File) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(f.InlinePayload)
	if err != nil {
		return nil, apperror.Wrap(apperror.IntegrityFailure, err, "decoding inline payload for file %s", f.ID)
	}
	return e.openWholeFrame(f, sealed)
}

func (e *Engine) openSingle(f *metadata.File) ([]byte, error) {
	rc, _, err := openObjectFile(f.ObjectPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	sealed, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperror.Wrap(apperror.StorageIO, err, "reading object %s", f.ObjectPath)
	}
	return e.openWholeFrame(f, sealed)
}

func (e *Engine) openWholeFrame(f *metadata.File, sealed []byte) ([]byte, error) {
	fileKey, err := envelope.Unwrap(e.MasterKey[:], f.WrappedFileKey)
	if err != nil {
		return nil, apperror.Wrap(apperror.IntegrityFailure, err, "unwrapping file key for file %s", f.ID)
	}
	plaintext, err := envelope.OpenWhole(fileKey, sealed)
	if err != nil {
		return nil, apperror.Wrap(apperror.IntegrityFailure, err, "file %s failed AEAD verification", f.ID)
	}
	if f.Compressed {
		plaintext, err = compressutil.Decompress(plaintext)
		if err != nil {
			return nil, err
		}
	}
	return plaintext, nil
}

// openChunked reconstructs the requested byte range by reading and
// authenticating only the blocks that overlap it, then concatenating. Every
// touched block is fully authenticated (AES-GCM requires the whole
// ciphertext) before any of its bytes are appended to the output, so a
// tampered block anywhere in the overlap set fails before partial output.
func (e *Engine) openChunked(f *metadata.File, rng *Range) ([]byte, error) {
	start, end := int64(0), f.Size-1
	if rng != nil {
		start, end = rng.Start, rng.End
	}

	var out []byte
	for _, ref := range f.Manifest {
		blockStart := ref.Offset
		blockEnd := ref.Offset + ref.Size - 1
		if blockEnd < start || blockStart > end {
			continue
		}
		plaintext, err := e.Dedup.ReadBlock(ref.BlockHash)
		if err != nil {
			return nil, err
		}
		loStart := int64(0)
		if start > blockStart {
			loStart = start - blockStart
		}
		hiEnd := int64(len(plaintext))
		if end < blockEnd {
			hiEnd = end - blockStart + 1
		}
		out = append(out, plaintext[loStart:hiEnd]...)
	}
	return out, nil
}

func openObjectFile(path string) (io.ReadCloser, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, apperror.Wrap(apperror.StorageIO, err, "opening object %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, apperror.Wrap(apperror.StorageIO, err, "stat object %s", path)
	}
	return f, info.Size(), nil
}
