// Package placement implements the Placement Engine: choosing a storage
// strategy per file at init time, and the background cache->warm->cold
// tier migration sweep (spec §4.4).
package placement

import (
	"context"
	"time"

	"github.com/strongboxhq/strongbox/internal/apperror"
	"github.com/strongboxhq/strongbox/internal/cas"
	"github.com/strongboxhq/strongbox/internal/metadata"
	"github.com/strongboxhq/strongbox/internal/sessioncache"
)

// ChooseStrategy implements spec §4.1's strategy selection by declared
// size: size<inlineThreshold -> inline; inlineThreshold<=size<singleThreshold
// -> single; otherwise chunked.
func ChooseStrategy(declaredSize, inlineThreshold, singleThreshold int64) sessioncache.Strategy {
	switch {
	case declaredSize < inlineThreshold:
		return sessioncache.StrategyInline
	case declaredSize < singleThreshold:
		return sessioncache.StrategySingle
	default:
		return sessioncache.StrategyChunked
	}
}

// ChunkCount returns the number of fixed-size chunks a chunked upload will
// require for declaredSize at the configured chunkSize.
func ChunkCount(declaredSize, chunkSize int64) int {
	if declaredSize <= 0 {
		return 0
	}
	count := declaredSize / chunkSize
	if declaredSize%chunkSize != 0 {
		count++
	}
	return int(count)
}

// Migrator walks a user's files and moves backing bytes between tiers
// based on access age, the background task described in spec §4.4. Moves
// are atomic at the filesystem level; metadata is only updated after the
// move succeeds, so a crash mid-migration leaves the old tier as the
// source of truth.
type Migrator struct {
	Metadata     *metadata.Store
	CAS          *cas.Store
	CacheTierAge time.Duration
	WarmTierAge  time.Duration
}

// RunOnce sweeps every user once, migrating eligible files.
func (m *Migrator) RunOnce(ctx context.Context) error {
	owners, err := m.Metadata.AllOwners(ctx)
	if err != nil {
		return err
	}
	for _, owner := range owners {
		if err := m.migrateOwner(ctx, owner); err != nil {
			return err
		}
	}
	return nil
}

// migrateOwner moves one owner's eligible blocks between CAS tiers.
// migrateFile below is a no-op for single-object and inline files: only
// content-addressed/chunked files have blocks in the tiered CAS to move.
func (m *Migrator) migrateOwner(ctx context.Context, owner string) error {
	now := time.Now()
	if err := m.migrateTier(ctx, owner, metadata.TierCache, cas.TierCache, cas.TierWarm, now.Add(-m.CacheTierAge)); err != nil {
		return err
	}
	if err := m.migrateTier(ctx, owner, metadata.TierWarm, cas.TierWarm, cas.TierCold, now.Add(-m.WarmTierAge)); err != nil {
		return err
	}
	return nil
}

func (m *Migrator) migrateTier(ctx context.Context, owner string, from metadata.PlacementTier, fromCAS, toCAS cas.Tier, cutoff time.Time) error {
	files, err := m.Metadata.FilesForTierMigration(ctx, owner, from, cutoff)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := m.migrateFile(ctx, &f, fromCAS, toCAS); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) migrateFile(ctx context.Context, f *metadata.File, fromCAS, toCAS cas.Tier) error {
	switch f.StorageType {
	case metadata.StorageChunked, metadata.StorageContentAddressed:
		for _, ref := range f.Manifest {
			if err := m.CAS.Move(ref.BlockHash, fromCAS, toCAS); err != nil {
				return err
			}
		}
	case metadata.StorageSingle:
		// Single objects are tracked by path, not content hash, and are
		// not moved between tiers; their placement tier is left as is.
		return nil
	default:
		// Inline payloads live in the session cache's backing KV, not on
		// a tiered filesystem, so there is nothing to move.
		return nil
	}
	newTier := metadata.TierWarm
	if toCAS == cas.TierCold {
		newTier = metadata.TierCold
	}
	if err := m.Metadata.UpdateFileTier(ctx, f.ID, newTier); err != nil {
		return apperror.Wrap(apperror.Transient, err, "updating tier for file %s after migration", f.ID)
	}
	return nil
}
