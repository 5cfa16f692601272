package cas

import (
	"github.com/ipfs/bbloom"
)

// BloomFilter is the process-wide, best-effort "seen?" probe of spec §4.3
// step 1 and §9 ("the bloom filter is process-wide and best-effort").
// It is never authoritative: a positive means "maybe", a negative means
// "definitely not yet".
type BloomFilter struct {
	filter *bbloom.Bloom
}

// NewBloomFilter builds a filter sized for roughly expectedBlocks entries
// at a 1% false-positive rate.
func NewBloomFilter(expectedBlocks int) *BloomFilter {
	f, err := bbloom.New(float64(expectedBlocks), 0.01)
	if err != nil {
		// bbloom only errors on non-positive sizes; expectedBlocks is a
		// compile-time-controlled constant, so fall back to a tiny filter
		// rather than propagating a startup error for a best-effort cache.
		f, _ = bbloom.New(1024, 0.01)
	}
	return &BloomFilter{filter: f}
}

// Add records hexHash as seen.
func (b *BloomFilter) Add(hexHash string) {
	b.filter.Add([]byte(hexHash))
}

// Test reports whether hexHash might have been added.
func (b *BloomFilter) Test(hexHash string) bool {
	return b.filter.Has([]byte(hexHash))
}
