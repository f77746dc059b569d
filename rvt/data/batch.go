package data

import (
	"math/rand"
)

// Batch is a rectangular stack of Features fields. Transient: built per
// step, discarded after use.
type Batch struct {
	ExampleIDs []int
	SourceIDs  [][]int64
	SourceMask [][]int64
	TargetIDs  [][]int64
	TargetMask [][]int64
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.ExampleIDs) }

// TargetTokens counts non-ignored target positions across the batch.
func (b *Batch) TargetTokens() int {
	n := 0
	for _, mask := range b.TargetMask {
		for _, m := range mask {
			if m == 1 {
				n++
			}
		}
	}
	return n
}

// Stack builds one Batch from a slice of Features.
func Stack(features []Features) Batch {
	b := Batch{
		ExampleIDs: make([]int, len(features)),
		SourceIDs:  make([][]int64, len(features)),
		SourceMask: make([][]int64, len(features)),
		TargetIDs:  make([][]int64, len(features)),
		TargetMask: make([][]int64, len(features)),
	}
	for i, f := range features {
		b.ExampleIDs[i] = f.ExampleID
		b.SourceIDs[i] = f.SourceIDs
		b.SourceMask[i] = f.SourceMask
		b.TargetIDs[i] = f.TargetIDs
		b.TargetMask[i] = f.TargetMask
	}
	return b
}

// SequentialBatches produces deterministic evaluation batches. Every
// example appears exactly once; the last batch may be smaller.
func SequentialBatches(features []Features, batchSize int) []Batch {
	if batchSize <= 0 || len(features) == 0 {
		return nil
	}
	batches := make([]Batch, 0, (len(features)+batchSize-1)/batchSize)
	for start := 0; start < len(features); start += batchSize {
		end := start + batchSize
		if end > len(features) {
			end = len(features)
		}
		batches = append(batches, Stack(features[start:end]))
	}
	return batches
}

// Shard partitions features across distributed workers so each worker
// sees a disjoint subset. rank < 0 means single-process: all features.
func Shard(features []Features, rank, worldSize int) []Features {
	if rank < 0 || worldSize <= 1 {
		return features
	}
	shard := make([]Features, 0, len(features)/worldSize+1)
	for i := rank; i < len(features); i += worldSize {
		shard = append(shard, features[i])
	}
	return shard
}

// CyclicLoader yields training batches drawn from a randomly-shuffled
// permutation, repeating the same sequence indefinitely once exhausted.
// This supports a step-count-driven loop rather than an epoch-driven one.
type CyclicLoader struct {
	batches []Batch
	pos     int
}

// NewCyclicLoader shuffles features with the seeded generator and chunks
// them into batches of batchSize (last chunk may be smaller).
func NewCyclicLoader(features []Features, batchSize int, seed int64) *CyclicLoader {
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(len(features))
	shuffled := make([]Features, len(features))
	for i, j := range perm {
		shuffled[i] = features[j]
	}
	return &CyclicLoader{batches: SequentialBatches(shuffled, batchSize)}
}

// Next returns the next batch, wrapping around at the end of the sequence.
func (l *CyclicLoader) Next() Batch {
	if len(l.batches) == 0 {
		return Batch{}
	}
	b := l.batches[l.pos]
	l.pos = (l.pos + 1) % len(l.batches)
	return b
}
