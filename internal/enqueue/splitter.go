// Package enqueue splits a client-submitted list of test entries into
// buckets per a pluggable strategy, then hands them to the balancing
// queue.
package enqueue

import "github.com/AutoQASpace/emcee-queueserver/internal/domain"

// SplitStrategy names one of the four partitioning strategies. The
// string value is also stored on each produced bucket's
// Payload.SplitStrategy so re-enqueue can preserve it (queue.SingleJobQueue).
type SplitStrategy string

const (
	// SplitIndividual puts exactly one test entry per bucket.
	SplitIndividual SplitStrategy = "individual"
	// SplitEquallyDivided spreads entries evenly across a fixed bucket count.
	SplitEquallyDivided SplitStrategy = "equallyDivided"
	// SplitProgressive starts with small buckets and grows bucket size as
	// entries are consumed, trading early feedback for later throughput.
	SplitProgressive SplitStrategy = "progressive"
	// SplitUnsplit puts every entry into a single bucket.
	SplitUnsplit SplitStrategy = "unsplit"
)

// Split partitions entries into one or more slices per strategy.
// bucketCount is only consulted by SplitEquallyDivided (defaulting to 1
// if non-positive); other strategies ignore it.
func Split(strategy SplitStrategy, entries []domain.TestEntry, bucketCount int) [][]domain.TestEntry {
	switch strategy {
	case SplitIndividual:
		return splitIndividual(entries)
	case SplitEquallyDivided:
		return splitEquallyDivided(entries, bucketCount)
	case SplitProgressive:
		return splitProgressive(entries)
	case SplitUnsplit:
		fallthrough
	default:
		return splitUnsplit(entries)
	}
}

func splitIndividual(entries []domain.TestEntry) [][]domain.TestEntry {
	out := make([][]domain.TestEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, []domain.TestEntry{e})
	}
	return out
}

func splitUnsplit(entries []domain.TestEntry) [][]domain.TestEntry {
	if len(entries) == 0 {
		return nil
	}
	return [][]domain.TestEntry{entries}
}

func splitEquallyDivided(entries []domain.TestEntry, bucketCount int) [][]domain.TestEntry {
	if len(entries) == 0 {
		return nil
	}
	if bucketCount <= 0 {
		bucketCount = 1
	}
	if bucketCount > len(entries) {
		bucketCount = len(entries)
	}

	out := make([][]domain.TestEntry, bucketCount)
	for i, e := range entries {
		idx := i % bucketCount
		out[idx] = append(out[idx], e)
	}
	return out
}

// splitProgressive starts with one-entry buckets and doubles bucket size
// each round, so a worker fleet gets quick early feedback on the first
// few tests before throughput-optimized larger buckets take over.
func splitProgressive(entries []domain.TestEntry) [][]domain.TestEntry {
	if len(entries) == 0 {
		return nil
	}
	var out [][]domain.TestEntry
	size := 1
	i := 0
	for i < len(entries) {
		end := i + size
		if end > len(entries) {
			end = len(entries)
		}
		out = append(out, entries[i:end])
		i = end
		size *= 2
	}
	return out
}
