package metadata

import (
	"context"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/strongboxhq/strongbox/internal/apperror"
)

// Store is the Metadata Store: the durable source of truth for ownership,
// quotas, and block reference counts (spec §2).
type Store struct {
	db *gorm.DB
}

// Open connects to databaseURL (a postgres:// DSN, or "sqlite::memory:" /
// a file path for tests and single-node deployments) and migrates the
// schema.
func Open(databaseURL string) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		dialector = postgres.Open(databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite:"):
		dialector = sqlite.Open(strings.TrimPrefix(databaseURL, "sqlite:"))
	default:
		dialector = sqlite.Open(databaseURL)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, apperror.Wrap(apperror.Transient, err, "opening metadata store")
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, apperror.Wrap(apperror.Transient, err, "migrating metadata store schema")
	}
	return &Store{db: db}, nil
}

// WithContext is a thin helper returning a *gorm.DB scoped to ctx, so
// every database statement below carries the request-scoped timeout spec
// §5 requires.
func (s *Store) withContext(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// --- Users ---------------------------------------------------------------

// GetOrCreateUser fetches a User row, creating one with the given quota if
// absent. Used mainly by tests and bootstrap flows; real user creation is
// out of scope (spec §1).
func (s *Store) GetOrCreateUser(ctx context.Context, id string, quota int64) (*User, error) {
	var u User
	err := s.withContext(ctx).FirstOrCreate(&u, User{ID: id, Quota: quota}).Error
	if err != nil {
		return nil, apperror.Wrap(apperror.Transient, err, "loading user %s", id)
	}
	return &u, nil
}

// ReserveQuota checks declaredSize against a user's quota, failing with
// QuotaExceeded when used+declaredSize>quota. It only checks: nothing is
// set aside, and `used` changes only through AdjustUsed when a completed
// upload is persisted and through DeleteFile.
func (s *Store) ReserveQuota(ctx context.Context, userID string, declaredSize int64) error {
	return s.withContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&u, "id = ?", userID).Error; err != nil {
			return apperror.Wrap(apperror.NotFound, err, "user %s not found", userID)
		}
		if u.Used+declaredSize > u.Quota {
			return apperror.New(apperror.QuotaExceeded, "user %s: used=%d declared=%d quota=%d", userID, u.Used, declaredSize, u.Quota)
		}
		return nil
	})
}

// AdjustUsed atomically adds delta (positive or negative) to a user's used
// bytes, keeping invariant 0<=used<=quota only loosely enforced here since
// a delete always decreases used and a completed upload was already
// admission-checked by ReserveQuota.
func (s *Store) AdjustUsed(ctx context.Context, tx *gorm.DB, userID string, delta int64) error {
	db := tx
	if db == nil {
		db = s.withContext(ctx)
	}
	res := db.Model(&User{}).Where("id = ?", userID).
		Update("used", gorm.Expr("used + ?", delta))
	if res.Error != nil {
		return apperror.Wrap(apperror.Transient, res.Error, "adjusting used for user %s", userID)
	}
	return nil
}

// --- Blocks & dedup --------------------------------------------------------

// FindBlockForDedup looks up a Block row by content hash, scoped to
// ownerID unless crossUserDedup is enabled (spec §4.3 step 2). When
// several rows could match under cross-tenant dedup, only one physical
// Block row exists per hash (it is the primary key), so no ordering
// ambiguity exists in this schema; the ORDER BY created_at ASC from the
// spec is preserved for API compatibility with deployments that keep
// per-owner Block rows.
func (s *Store) FindBlockForDedup(ctx context.Context, tx *gorm.DB, hash string, ownerID string, crossUserDedup bool) (*Block, bool, error) {
	db := tx
	if db == nil {
		db = s.withContext(ctx)
	}
	q := db.Where("content_hash = ?", hash)
	if !crossUserDedup {
		q = q.Where("owner_for_dedup = ?", ownerID)
	}
	var b Block
	err := q.Order("created_at ASC").First(&b).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperror.Wrap(apperror.Transient, err, "looking up block %s", hash)
	}
	return &b, true, nil
}

// IncrementBlockRef increments a Block's reference_count, on tx when one
// is given. The deduplicator calls it in the same transaction as its
// FindBlockForDedup lookup, so detection and increment are not split
// (the lost-update race spec §5 warns about). That transaction commits
// on its own, before the File row that references the block is inserted.
func (s *Store) IncrementBlockRef(ctx context.Context, tx *gorm.DB, hash string) error {
	db := tx
	if db == nil {
		db = s.withContext(ctx)
	}
	res := db.Model(&Block{}).Where("content_hash = ?", hash).
		Update("reference_count", gorm.Expr("reference_count + 1"))
	if res.Error != nil {
		return apperror.Wrap(apperror.Transient, res.Error, "incrementing refcount for block %s", hash)
	}
	return nil
}

// DecrementBlockRef decrements a Block's reference_count, never below
// zero.
func (s *Store) DecrementBlockRef(ctx context.Context, tx *gorm.DB, hash string) error {
	db := tx
	if db == nil {
		db = s.withContext(ctx)
	}
	res := db.Model(&Block{}).Where("content_hash = ? AND reference_count > 0", hash).
		Update("reference_count", gorm.Expr("reference_count - 1"))
	if res.Error != nil {
		return apperror.Wrap(apperror.Transient, res.Error, "decrementing refcount for block %s", hash)
	}
	return nil
}

// CreateBlock inserts a new Block row with reference_count=1, or, if a
// block with the same content hash already exists (another owner raced
// it in, or per-owner dedup scoping hid it from FindBlockForDedup),
// increments that row's reference_count instead. content_hash is the
// Block primary key, so the single global row invariant (spec §3) must
// hold no matter which owner's upload discovers the hash first.
func (s *Store) CreateBlock(ctx context.Context, tx *gorm.DB, hash string, size int64, ownerID string) error {
	db := tx
	if db == nil {
		db = s.withContext(ctx)
	}
	b := Block{ContentHash: hash, Size: size, ReferenceCount: 1, CreatedAt: time.Now(), OwnerForDedup: ownerID}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_hash"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"reference_count": gorm.Expr("blocks.reference_count + 1")}),
	}).Create(&b)
	if res.Error != nil {
		return apperror.Wrap(apperror.Transient, res.Error, "creating block %s", hash)
	}
	return nil
}

// RepairBlockRef sets a block's reference_count to an authoritative value
// computed by a live scan (used by GC when a row claims zero references
// but a scan finds a live File pointing at it).
func (s *Store) RepairBlockRef(ctx context.Context, hash string, count int64) error {
	res := s.withContext(ctx).Model(&Block{}).Where("content_hash = ?", hash).Update("reference_count", count)
	if res.Error != nil {
		return apperror.Wrap(apperror.Transient, res.Error, "repairing refcount for block %s", hash)
	}
	return nil
}

// ZeroRefBlocks returns all Block rows with reference_count<=0, the GC
// candidate set (spec §4.6 step 1).
func (s *Store) ZeroRefBlocks(ctx context.Context) ([]Block, error) {
	var blocks []Block
	if err := s.withContext(ctx).Where("reference_count <= 0").Find(&blocks).Error; err != nil {
		return nil, apperror.Wrap(apperror.Transient, err, "listing zero-ref blocks")
	}
	return blocks, nil
}

// CountLiveReferences scans File manifests for a hash, used by GC to
// re-verify a zero-refcount block actually has no live references before
// deleting it (spec §4.6 step 2).
func (s *Store) CountLiveReferences(ctx context.Context, hash string) (int64, error) {
	var count int64
	err := s.withContext(ctx).Model(&BlockRef{}).
		Joins("JOIN files ON files.id = block_refs.file_id AND files.deleted_at IS NULL").
		Where("block_refs.block_hash = ?", hash).
		Count(&count).Error
	if err != nil {
		return 0, apperror.Wrap(apperror.Transient, err, "counting live references to block %s", hash)
	}
	return count, nil
}

// DeleteBlockRow removes a Block row entirely (spec §4.6 step 3).
func (s *Store) DeleteBlockRow(ctx context.Context, hash string) error {
	if err := s.withContext(ctx).Delete(&Block{}, "content_hash = ?", hash).Error; err != nil {
		return apperror.Wrap(apperror.Transient, err, "deleting block row %s", hash)
	}
	return nil
}

// --- Files -----------------------------------------------------------------

// FindFileByContentHash implements the full-file dedup lookup of spec
// §4.3: a File row with a matching content hash, scoped by ownership
// policy, not itself a dangling reference.
func (s *Store) FindFileByContentHash(ctx context.Context, hash, ownerID string, crossUserDedup bool) (*File, error) {
	q := s.withContext(ctx).Where("content_hash = ? AND storage_type != ?", hash, StorageDeduplicatedReference)
	if !crossUserDedup {
		q = q.Where("owner = ?", ownerID)
	}
	var f File
	err := q.Order("created_at ASC").First(&f).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.Transient, err, "looking up file by content hash")
	}
	return &f, nil
}

// Transaction runs fn inside a database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if err := s.withContext(ctx).Transaction(fn); err != nil {
		if ae, ok := asAppError(err); ok {
			return ae
		}
		return apperror.Wrap(apperror.Transient, err, "metadata transaction failed")
	}
	return nil
}

func asAppError(err error) (*apperror.Error, bool) {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if ae, ok := e.(*apperror.Error); ok {
			return ae, true
		}
		u, ok := e.(unwrapper)
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return nil, false
}

// CreateFile inserts a new File row plus its manifest. During completion
// it runs inside the same transaction as the version snapshot and the
// quota update (spec §4.1 complete()). Block refcounts are not part of
// that transaction: the deduplicator has already incremented them in its
// own per-block transactions, and a completion that fails here leaves
// those increments in place.
func (s *Store) CreateFile(ctx context.Context, tx *gorm.DB, f *File) error {
	db := tx
	if db == nil {
		db = s.withContext(ctx)
	}
	if err := db.Create(f).Error; err != nil {
		return apperror.Wrap(apperror.Transient, err, "creating file %s", f.ID)
	}
	return nil
}

// GetFile loads a File (with its manifest) by id, enforcing ownership.
func (s *Store) GetFile(ctx context.Context, id, ownerID string) (*File, error) {
	var f File
	err := s.withContext(ctx).Preload("Manifest", func(db *gorm.DB) *gorm.DB {
		return db.Order("block_refs.sequence ASC")
	}).First(&f, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperror.New(apperror.NotFound, "file %s not found", id)
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.Transient, err, "loading file %s", id)
	}
	if f.Owner != ownerID {
		return nil, apperror.New(apperror.Auth, "file %s not owned by caller", id)
	}
	return &f, nil
}

// ResolveReference follows a deduplicated_reference File to its pinned
// target, returning the target's manifest and envelope (Open Question
// (b): references pin their target, so the target cannot be deleted while
// references exist - see DeleteFile).
func (s *Store) ResolveReference(ctx context.Context, f *File) (*File, error) {
	if f.StorageType != StorageDeduplicatedReference {
		return f, nil
	}
	var target File
	err := s.withContext(ctx).Preload("Manifest", func(db *gorm.DB) *gorm.DB {
		return db.Order("block_refs.sequence ASC")
	}).First(&target, "id = ?", f.ReferenceTargetID).Error
	if err != nil {
		return nil, apperror.Wrap(apperror.Transient, err, "resolving reference target %s", f.ReferenceTargetID)
	}
	return &target, nil
}

// TouchAccess updates last_accessed on a successful download open (spec
// §4.5: not on HEAD or 416).
func (s *Store) TouchAccess(ctx context.Context, id string) error {
	if err := s.withContext(ctx).Model(&File{}).Where("id = ?", id).Update("last_accessed", time.Now()).Error; err != nil {
		return apperror.Wrap(apperror.Transient, err, "touching last_accessed for file %s", id)
	}
	return nil
}

// ListFiles lists a user's files, optionally filtered to a folder.
func (s *Store) ListFiles(ctx context.Context, ownerID, folderID string) ([]File, error) {
	q := s.withContext(ctx).Where("owner = ?", ownerID)
	if folderID != "" {
		q = q.Where("folder_id = ?", folderID)
	}
	var files []File
	if err := q.Order("created_at DESC").Find(&files).Error; err != nil {
		return nil, apperror.Wrap(apperror.Transient, err, "listing files for user %s", ownerID)
	}
	return files, nil
}

// DeleteFile soft-deletes a File and decrements refcounts for every block
// in its manifest, inside one transaction (spec §3: "deleted only after
// refcount decrements succeed"). It refuses to delete a File that is the
// pinned target of a live deduplicated_reference.
func (s *Store) DeleteFile(ctx context.Context, id, ownerID string) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		var f File
		if err := tx.Preload("Manifest").First(&f, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apperror.New(apperror.NotFound, "file %s not found", id)
			}
			return err
		}
		if f.Owner != ownerID {
			return apperror.New(apperror.Auth, "file %s not owned by caller", id)
		}
		if f.StorageType != StorageDeduplicatedReference {
			var refCount int64
			if err := tx.Model(&File{}).Where("reference_target_id = ? AND deleted_at IS NULL", id).Count(&refCount).Error; err != nil {
				return err
			}
			if refCount > 0 {
				return apperror.New(apperror.Conflict, "file %s is pinned by %d deduplicated_reference file(s)", id, refCount)
			}
		}
		for _, ref := range f.Manifest {
			if err := tx.Model(&Block{}).Where("content_hash = ? AND reference_count > 0", ref.BlockHash).
				Update("reference_count", gorm.Expr("reference_count - 1")).Error; err != nil {
				return err
			}
		}
		if f.StorageType != StorageDeduplicatedReference {
			if err := tx.Model(&User{}).Where("id = ?", f.Owner).
				Update("used", gorm.Expr("used - ?", f.Size)).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&f).Error
	})
}

// StorageStats is the aggregate returned by GET /storage/stats.
type StorageStats struct {
	Used          int64
	Quota         int64
	ByStorageType map[StorageType]int64
	ByTier        map[PlacementTier]int64
}

// Stats computes the storage breakdown (supplemented feature, see
// SPEC_FULL.md).
func (s *Store) Stats(ctx context.Context, ownerID string) (*StorageStats, error) {
	var u User
	if err := s.withContext(ctx).First(&u, "id = ?", ownerID).Error; err != nil {
		return nil, apperror.Wrap(apperror.NotFound, err, "user %s not found", ownerID)
	}
	var files []File
	if err := s.withContext(ctx).Where("owner = ?", ownerID).Find(&files).Error; err != nil {
		return nil, apperror.Wrap(apperror.Transient, err, "listing files for stats")
	}
	stats := &StorageStats{
		Used:          u.Used,
		Quota:         u.Quota,
		ByStorageType: map[StorageType]int64{},
		ByTier:        map[PlacementTier]int64{},
	}
	for _, f := range files {
		stats.ByStorageType[f.StorageType] += f.Size
		stats.ByTier[f.PlacementTier] += f.Size
	}
	return stats, nil
}

// RecordActivity appends an ActivityRecord.
func (s *Store) RecordActivity(ctx context.Context, rec *ActivityRecord) error {
	rec.Ts = time.Now()
	if err := s.withContext(ctx).Create(rec).Error; err != nil {
		return apperror.Wrap(apperror.Transient, err, "recording activity")
	}
	return nil
}

// FilesForTierMigration returns a user's files whose placement tier is
// `from` and whose last_accessed is older than olderThan, candidates for
// the background tiering task (spec §4.4).
func (s *Store) FilesForTierMigration(ctx context.Context, ownerID string, from PlacementTier, olderThan time.Time) ([]File, error) {
	var files []File
	err := s.withContext(ctx).Preload("Manifest").
		Where("owner = ? AND placement_tier = ? AND last_accessed < ?", ownerID, from, olderThan).
		Find(&files).Error
	if err != nil {
		return nil, apperror.Wrap(apperror.Transient, err, "listing files for tier migration")
	}
	return files, nil
}

// UpdateFileTier persists a file's new placement tier after a successful
// migration move.
func (s *Store) UpdateFileTier(ctx context.Context, id string, tier PlacementTier) error {
	if err := s.withContext(ctx).Model(&File{}).Where("id = ?", id).Update("placement_tier", tier).Error; err != nil {
		return apperror.Wrap(apperror.Transient, err, "updating tier for file %s", id)
	}
	return nil
}

// AllOwners lists distinct user ids, used by the tier-migration sweep.
func (s *Store) AllOwners(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.withContext(ctx).Model(&User{}).Pluck("id", &ids).Error; err != nil {
		return nil, apperror.Wrap(apperror.Transient, err, "listing owners")
	}
	sort.Strings(ids)
	return ids, nil
}

// DB exposes the underlying *gorm.DB for callers (versioning, GC) that
// need bespoke queries not worth adding to this interface.
func (s *Store) DB() *gorm.DB { return s.db }
