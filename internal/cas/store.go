// Package cas implements the content-addressed block store: on-disk
// layout, content-defined chunking, the bloom-filter fast-negative probe,
// and the deduplication write protocol of spec §4.3.
//
// Layout mirrors backend/local's sharded-directory convention but keys by
// content hash rather than path: a block with hash h lives at
// <root>/<tier>/<h[0:2]>/<h>, containing nonce(12) || tag(16) || ciphertext,
// no header, no trailer (spec §6).
package cas

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/strongboxhq/strongbox/internal/apperror"
)

// Tier is a coarse access-latency class a block's bytes currently live in.
type Tier string

// Tiers, in the order data cools through them.
const (
	TierCache Tier = "cache"
	TierWarm  Tier = "warm"
	TierCold  Tier = "cold"
)

// Store is the sharded on-disk block tree. It is safe for concurrent use:
// concurrent writers of the same hash race to create the file and the
// loser's write becomes a no-op (spec §5).
type Store struct {
	root  string
	bloom *BloomFilter
}

// NewStore opens (creating if absent) a CAS rooted at root, with tier
// subdirectories for cache/warm/cold.
func NewStore(root string) (*Store, error) {
	for _, tier := range []Tier{TierCache, TierWarm, TierCold} {
		if err := os.MkdirAll(filepath.Join(root, string(tier)), 0o755); err != nil {
			return nil, errors.Wrapf(err, "cas: creating tier directory %s", tier)
		}
	}
	return &Store{root: root, bloom: NewBloomFilter(1 << 20)}, nil
}

// Path returns the on-disk path for a block with the given hex hash in the
// given tier, creating its shard directory if necessary.
func (s *Store) Path(tier Tier, hexHash string) (string, error) {
	if len(hexHash) < 2 {
		return "", fmt.Errorf("cas: hash %q too short to shard", hexHash)
	}
	dir := filepath.Join(s.root, string(tier), hexHash[0:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "cas: creating shard directory")
	}
	return filepath.Join(dir, hexHash), nil
}

// Exists reports whether a block's bytes are resident in any tier.
// Presence of the file is authoritative (spec §4.3): the metadata store
// may lag, but existence here is ground truth.
func (s *Store) Exists(hexHash string) (Tier, bool) {
	for _, tier := range []Tier{TierCache, TierWarm, TierCold} {
		p, err := s.Path(tier, hexHash)
		if err != nil {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return tier, true
		}
	}
	return "", false
}

// MaybeSeen is a fast, best-effort negative check: false means "definitely
// not written since the bloom filter was populated"; true means "might be
// present, verify against the metadata store or the filesystem." The
// filter is never authoritative (spec §5).
func (s *Store) MaybeSeen(hexHash string) bool {
	return s.bloom.Test(hexHash)
}

// MarkSeen records hexHash in the bloom filter after a confirmed write.
func (s *Store) MarkSeen(hexHash string) {
	s.bloom.Add(hexHash)
}

// WriteIfAbsent writes sealed bytes for hexHash into tier, unless a block
// with that hash is already resident anywhere in the store. Returns
// (wrote=true) only if this call performed the write.
//
// CAS files are immutable after first write, so a create-if-absent
// approach (O_EXCL) is correct under concurrent writers: the loser's
// write fails with os.IsExist and is treated as success.
func (s *Store) WriteIfAbsent(tier Tier, hexHash string, sealed []byte) (wrote bool, err error) {
	if _, present := s.Exists(hexHash); present {
		return false, nil
	}
	path, err := s.Path(tier, hexHash)
	if err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, apperror.Wrap(apperror.StorageIO, err, "writing CAS block %s", hexHash)
	}
	defer f.Close()
	if _, err := f.Write(sealed); err != nil {
		return false, apperror.Wrap(apperror.StorageIO, err, "writing CAS block %s", hexHash)
	}
	s.MarkSeen(hexHash)
	return true, nil
}

// Read returns the sealed bytes (nonce || tag || ciphertext) for a block,
// searching tiers from hottest to coldest.
func (s *Store) Read(hexHash string) ([]byte, error) {
	tier, present := s.Exists(hexHash)
	if !present {
		return nil, apperror.New(apperror.NotFound, "CAS block %s missing", hexHash)
	}
	path, err := s.Path(tier, hexHash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Raced with a GC unlink between Exists and ReadFile.
			return nil, apperror.New(apperror.NotFound, "CAS block %s missing", hexHash)
		}
		return nil, apperror.Wrap(apperror.StorageIO, err, "reading CAS block %s", hexHash)
	}
	return data, nil
}

// Open returns a file handle positioned at the start of a block's sealed
// bytes, for streaming reads during download.
func (s *Store) Open(hexHash string) (io.ReadCloser, int64, error) {
	tier, present := s.Exists(hexHash)
	if !present {
		return nil, 0, apperror.New(apperror.NotFound, "CAS block %s missing", hexHash)
	}
	path, err := s.Path(tier, hexHash)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, apperror.New(apperror.NotFound, "CAS block %s missing", hexHash)
		}
		return nil, 0, apperror.Wrap(apperror.StorageIO, err, "opening CAS block %s", hexHash)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, apperror.Wrap(apperror.StorageIO, err, "stat CAS block %s", hexHash)
	}
	return f, info.Size(), nil
}

// Remove deletes a block's on-disk bytes if present ("remove-if-present"
// per spec §4.6): it is not an error for the file to already be gone.
func (s *Store) Remove(hexHash string) (freedBytes int64, err error) {
	tier, present := s.Exists(hexHash)
	if !present {
		return 0, nil
	}
	path, err := s.Path(tier, hexHash)
	if err != nil {
		return 0, err
	}
	info, statErr := os.Stat(path)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, apperror.Wrap(apperror.StorageIO, err, "removing CAS block %s", hexHash)
	}
	if statErr == nil {
		freedBytes = info.Size()
	}
	return freedBytes, nil
}

// Move relocates a block's bytes from one tier to another, atomically at
// the filesystem level: rename within the same volume, or copy-then-unlink
// across volumes (spec §4.4).
func (s *Store) Move(hexHash string, from, to Tier) error {
	srcPath, err := s.Path(from, hexHash)
	if err != nil {
		return err
	}
	if _, err := os.Stat(srcPath); err != nil {
		if os.IsNotExist(err) {
			return nil // already moved, or never existed in `from`
		}
		return apperror.Wrap(apperror.StorageIO, err, "stat CAS block %s", hexHash)
	}
	dstPath, err := s.Path(to, hexHash)
	if err != nil {
		return err
	}
	if err := os.Rename(srcPath, dstPath); err == nil {
		return nil
	}
	// Cross-device rename: copy then unlink.
	if err := copyThenUnlink(srcPath, dstPath); err != nil {
		return apperror.Wrap(apperror.StorageIO, err, "moving CAS block %s from %s to %s", hexHash, from, to)
	}
	return nil
}

func copyThenUnlink(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
