// Package chunked moves large files across many request/response round trips,
// adapting the chunk size to the link and resuming after pause or failure.
package chunked

import (
	"time"

	"github.com/rescale/rescale-bulk/internal/constants"
)

// Tiers is an ascending table of chunk sizes with the thresholds that move
// between them.
type Tiers struct {
	Sizes []int64
	// Slow: a round trip longer than this shrinks the chunk by one tier.
	Slow time.Duration
	// Fast: a round trip shorter than this grows the chunk by one tier.
	Fast time.Duration
}

// DefaultTiers returns the 1 MB / 2 MB / 4 MB table.
func DefaultTiers() Tiers {
	return Tiers{
		Sizes: []int64{constants.ChunkTierSmall, constants.ChunkTierMedium, constants.ChunkTierLarge},
		Slow:  constants.ChunkSlowThreshold,
		Fast:  constants.ChunkFastThreshold,
	}
}

// Start returns the index transfers begin at: the middle tier.
func (t Tiers) Start() int {
	return len(t.Sizes) / 2
}

// Size returns the chunk size for tier idx.
func (t Tiers) Size(idx int) int64 {
	return t.Sizes[idx]
}

// Largest returns the biggest chunk size.
func (t Tiers) Largest() int64 {
	return t.Sizes[len(t.Sizes)-1]
}

// Adapt returns the tier to use after a round trip on tier idx took elapsed.
// The result never leaves the table.
func (t Tiers) Adapt(idx int, elapsed time.Duration) int {
	switch {
	case elapsed > t.Slow && idx > 0:
		return idx - 1
	case elapsed < t.Fast && idx < len(t.Sizes)-1:
		return idx + 1
	default:
		return idx
	}
}
