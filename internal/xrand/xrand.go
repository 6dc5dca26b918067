// Package xrand holds the sampling and hashing primitives every protocol in
// this module shares: a deterministic per-node RNG substream, sample-without-
// replacement, a seeded peer hash, and the either/or/combine option merge used
// throughout metrics reduction.
package xrand

import (
	"math/rand"

	"github.com/cespare/xxhash/v2"
)

// Stream is a node-local pseudo-random source. The simulator owns one seed
// and hands every node a distinct, deterministic substream derived from it,
// so a run is a pure function of (seed, N, T, params).
type Stream struct {
	rng *rand.Rand
}

// NewStream derives a node's substream from the simulation-wide seed and the
// node's PeerRef. Two runs with the same seed produce byte-identical streams
// for every node.
func NewStream(seed uint64, nodeID uint64) *Stream {
	mixed := HashPeer(seed, nodeID)
	return &Stream{rng: rand.New(rand.NewSource(int64(mixed)))}
}

// Float64 returns a uniform value in [0, 1).
func (s *Stream) Float64() float64 { return s.rng.Float64() }

// Intn returns a uniform value in [0, n).
func (s *Stream) Intn(n int) int { return s.rng.Intn(n) }

// Shuffle permutes a slice of length n in place using the Fisher-Yates swap
// hook swap(i, j).
func (s *Stream) Shuffle(n int, swap func(i, j int)) { s.rng.Shuffle(n, swap) }

// HashPeer mixes the simulation seed with a peer id through xxhash,
// deriving an independent sub-stream seed per node.
func HashPeer(seed uint64, peer uint64) uint64 {
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(seed >> (8 * i))
		buf[8+i] = byte(peer >> (8 * i))
	}
	return xxhash.Sum64(buf[:])
}

// SampleUint64 draws n distinct values without replacement from
// [0, population): shuffle-and-truncate when n is a large fraction of the
// population, rejection sampling otherwise, avoiding an O(population)
// allocation for small samples out of a huge population.
func SampleUint64(s *Stream, population int, n int) []uint64 {
	if n >= population {
		out := make([]uint64, population)
		for i := range out {
			out[i] = uint64(i)
		}
		return out
	}
	if n*4 >= population {
		all := make([]uint64, population)
		for i := range all {
			all[i] = uint64(i)
		}
		s.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
		return all[:n]
	}
	seen := make(map[uint64]struct{}, n)
	out := make([]uint64, 0, n)
	for len(out) < n {
		v := uint64(s.Intn(population))
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// SampleFrom draws n distinct elements without replacement from a slice,
// shuffling a working copy in place for the dense case and falling back to
// index rejection sampling for the sparse case.
func SampleFrom[T any](s *Stream, from []T, n int) []T {
	if n >= len(from) {
		out := make([]T, len(from))
		copy(out, from)
		return out
	}
	if n*4 >= len(from) {
		work := make([]T, len(from))
		copy(work, from)
		s.Shuffle(len(work), func(i, j int) { work[i], work[j] = work[j], work[i] })
		return work[:n]
	}
	idx := SampleUint64(s, len(from), n)
	out := make([]T, len(idx))
	for i, ix := range idx {
		out[i] = from[ix]
	}
	return out
}

// EitherOrCombine merges two optional values: when only one of a, b is
// present the present one passes through unchanged; when both are present
// they are merged with combine. Used by "min/max when present" metrics
// fields.
func EitherOrCombine[T any](a, b *T, combine func(x, y T) T) *T {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		v := *b
		return &v
	case b == nil:
		v := *a
		return &v
	default:
		v := combine(*a, *b)
		return &v
	}
}
