// Package metadata is the durable relational Metadata Store: users, files,
// blocks, versions and activity records, plus the transactional refcount
// bookkeeping spec §9 calls for ("a relational table (block_hash, file_id,
// offset, size) plus a counter column maintained in the same transaction
// as file creation/deletion").
package metadata

import (
	"time"

	"gorm.io/gorm"
)

// StorageType enumerates how a File's bytes are physically represented.
type StorageType string

// Storage types (spec §3).
const (
	StorageInline               StorageType = "inline"
	StorageSingle               StorageType = "single"
	StorageChunked              StorageType = "chunked"
	StorageContentAddressed     StorageType = "content_addressed"
	StorageDeduplicatedReference StorageType = "deduplicated_reference"
)

// PlacementTier mirrors cas.Tier, duplicated here to keep the metadata
// package free of a dependency on cas (the relationship is: metadata
// records where a file's bytes live, cas knows how to read/write there).
type PlacementTier string

// Placement tiers (spec §3).
const (
	TierCache PlacementTier = "cache"
	TierWarm  PlacementTier = "warm"
	TierCold  PlacementTier = "cold"
)

// User is a tenant with a storage quota.
type User struct {
	ID        string `gorm:"primaryKey"`
	Quota     int64
	Used      int64
	CreatedAt time.Time
}

// BlockRef is one entry in a File's manifest: an ordered reference to a
// content-addressed block. It is the relational, graph-free representation
// of the File<->Block many-to-many relationship spec §9 calls for.
type BlockRef struct {
	ID          uint   `gorm:"primaryKey"`
	FileID      string `gorm:"index"`
	BlockHash   string `gorm:"index"`
	Offset      int64
	Size        int64
	Sequence    int
	IsDuplicate bool
}

// File is a single stored object's metadata row.
type File struct {
	ID                   string `gorm:"primaryKey"`
	Owner                string `gorm:"index"`
	FolderID             string `gorm:"index"`
	Name                 string
	Size                 int64
	ContentHash          string `gorm:"index"`
	MimeType             string
	StorageType          StorageType
	PlacementTier        PlacementTier
	WrappedFileKey       string
	ConvergentEncryption bool
	Compressed           bool

	// InlinePayload holds base64 ciphertext for StorageInline files.
	InlinePayload string
	// ObjectPath holds the on-disk path for StorageSingle files.
	ObjectPath string
	// ReferenceTargetID pins the File a StorageDeduplicatedReference
	// points at (Open Question (b): the reference pins the target so
	// target deletion cannot silently invalidate it).
	ReferenceTargetID string

	LogicalSize int64
	SavedSize   int64

	CreatedAt    time.Time
	LastAccessed time.Time
	DeletedAt    gorm.DeletedAt `gorm:"index"`

	Manifest []BlockRef `gorm:"foreignKey:FileID"`
}

// DedupRatio returns the percentage of logical bytes saved by
// deduplication, 0-100.
func (f *File) DedupRatio() float64 {
	if f.LogicalSize == 0 {
		return 0
	}
	return 100 * float64(f.SavedSize) / float64(f.LogicalSize)
}

// Block is a content-addressed, refcounted piece of ciphertext.
type Block struct {
	ContentHash     string `gorm:"primaryKey"`
	Size            int64
	ReferenceCount  int64
	CreatedAt       time.Time
	OwnerForDedup   string `gorm:"index"` // first uploader; used when cross-user dedup is disabled
}

// FileVersion records the manifest of a File at the moment a newer upload
// of the same owner+folder+name was persisted; the older File row itself
// is kept (supplemented feature; see SPEC_FULL.md).
type FileVersion struct {
	ID          uint   `gorm:"primaryKey"`
	FileID      string `gorm:"index"` // the live File row
	VersionedAt time.Time
	Size        int64
	ContentHash string
	ObjectPath  string  // snapshot of the CAS/object location metadata at this version
	Manifest    string  // JSON-encoded []BlockRef snapshot
}

// ActivityRecord is an append-only audit trail entry.
type ActivityRecord struct {
	ID       uint   `gorm:"primaryKey"`
	UserID   string `gorm:"index"`
	Action   string
	Object   string
	IP       string
	UA       string
	Meta     string // JSON blob
	Severity string
	Ts       time.Time
}

// AllModels lists every model for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&File{},
		&BlockRef{},
		&Block{},
		&FileVersion{},
		&ActivityRecord{},
	}
}
