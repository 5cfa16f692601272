// Package gc implements the Garbage Collector (spec §4.6): reclaiming the
// on-disk bytes of blocks whose reference count has dropped to zero.
package gc

import (
	"context"

	"github.com/strongboxhq/strongbox/internal/apperror"
	"github.com/strongboxhq/strongbox/internal/applog"
	"github.com/strongboxhq/strongbox/internal/cas"
	"github.com/strongboxhq/strongbox/internal/metadata"
)

// Collector sweeps zero-refcount Block rows and reclaims their bytes.
type Collector struct {
	Metadata *metadata.Store
	CAS      *cas.Store
}

// Summary reports the outcome of one collection sweep.
type Summary struct {
	Deleted    int
	FreedBytes int64
	Repaired   int
	Errors     []error
}

// RunOnce implements spec §4.6's three-step protocol: select the
// zero-refcount candidate set, re-verify each candidate against a live scan
// of File manifests (closing the race where a concurrent upload incremented
// a block's refcount between the candidate read and the delete), then
// remove-if-present from the CAS followed by the Block row.
//
// A candidate whose live scan finds references the row didn't know about is
// repaired in place rather than deleted (spec §5's concurrent-write safety
// requirement): the row's count is corrected, and it is left for a later
// sweep once it genuinely reaches zero.
func (c *Collector) RunOnce(ctx context.Context) (Summary, error) {
	candidates, err := c.Metadata.ZeroRefBlocks(ctx)
	if err != nil {
		return Summary{}, err
	}

	var summary Summary
	for _, block := range candidates {
		live, err := c.Metadata.CountLiveReferences(ctx, block.ContentHash)
		if err != nil {
			summary.Errors = append(summary.Errors, err)
			continue
		}
		if live > 0 {
			if err := c.Metadata.RepairBlockRef(ctx, block.ContentHash, live); err != nil {
				summary.Errors = append(summary.Errors, err)
				continue
			}
			summary.Repaired++
			applog.WithFields(applog.Fields{"block": block.ContentHash, "live_refs": live}).
				Warnf("gc: zero-refcount block had live references, repaired instead of deleted")
			continue
		}

		freed, err := c.CAS.Remove(block.ContentHash)
		if err != nil {
			summary.Errors = append(summary.Errors, err)
			continue
		}
		if err := c.Metadata.DeleteBlockRow(ctx, block.ContentHash); err != nil {
			summary.Errors = append(summary.Errors, apperror.Wrap(apperror.Transient, err, "deleting block row %s after freeing bytes", block.ContentHash))
			continue
		}
		summary.Deleted++
		summary.FreedBytes += freed
	}
	return summary, nil
}
