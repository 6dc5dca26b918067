// Package rps defines the Random Peer Sampling contract and its two
// baseline implementations: Basic, a minimum-viable gossip-based view
// maintainer, and Oracle, a ground-truth sampler used to isolate
// Avalanche's own convergence behavior from any defect a real RPS under
// test might introduce.
package rps

import "github.com/basalt-rps/basalt-sim/internal/simnet"

// RPS is the contract any peer-sampling protocol promises: callers drain
// whatever fresh samples are currently buffered and may clear them during
// warm-up. Implementations are free to produce samples at a cadence
// independent of the caller's own cadence.
type RPS interface {
	// GetSamples returns zero or more peers drawn from the current local
	// view. The returned set is not guaranteed to persist; callers must
	// copy what they need.
	GetSamples() []simnet.PeerRef
	// ClearSamples discards any buffered samples.
	ClearSamples()
}
