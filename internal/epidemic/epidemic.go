// Package epidemic is a minimal flood-fill protocol: node 0 starts
// infected, every infection forwards to FanOut uniform peers, and a node
// counts as contaminated after its first infection. It is not a
// CLI-selectable subcommand; it has no Byzantine behavior and no RPS role,
// and exists solely as a fixture that exercises the simnet engine's
// ordering and bus-draining guarantees.
package epidemic

import (
	"strconv"

	"github.com/basalt-rps/basalt-sim/internal/simnet"
)

// Init holds the fan-out; node 0 starts the infection.
type Init struct {
	// FanOut is how many uniform peers an infection forwards to.
	FanOut int
}

// Msg carries the infection boolean payload; delivery itself is the
// signal, so the payload only ever reads true in this module's usage.
type Msg bool

// Epidemic is one node's state: whether it has been contaminated yet.
type Epidemic struct {
	params       Init
	contaminated bool
}

// New constructs an uninitialized node instance.
func New() *Epidemic { return &Epidemic{} }

// Metrics counts how many nodes (out of the reducing partition) are
// contaminated.
type Metrics struct {
	NContaminated int
}

// Empty implements simnet.Metrics.
func (Metrics) Empty() Metrics { return Metrics{} }

// Combine implements simnet.Metrics.
func (m Metrics) Combine(other Metrics) Metrics {
	return Metrics{NContaminated: m.NContaminated + other.NContaminated}
}

// Headers implements simnet.Metrics.
func (Metrics) Headers() []string { return []string{"n_contaminated"} }

// Values implements simnet.Metrics.
func (m Metrics) Values() []string { return []string{strconv.Itoa(m.NContaminated)} }

// Init implements simnet.App: node 0 seeds the infection to FanOut uniform
// peers.
func (e *Epidemic) Init(id simnet.PeerRef, net simnet.NetIface[Msg], params Init) {
	e.params = params
	if id == 0 {
		for _, p := range net.SamplePeers(params.FanOut) {
			net.Send(p, Msg(true))
		}
		e.contaminated = true
	}
}

// Handle implements simnet.App: the first true message received forwards
// the infection onward exactly once.
func (e *Epidemic) Handle(net simnet.NetIface[Msg], _ simnet.PeerRef, msg Msg) {
	if bool(msg) && !e.contaminated {
		for _, p := range net.SamplePeers(e.params.FanOut) {
			net.Send(p, Msg(true))
		}
		e.contaminated = true
	}
}

// NodeMetrics implements simnet.App.
func (e *Epidemic) NodeMetrics(_ simnet.NetIface[Msg]) Metrics {
	if e.contaminated {
		return Metrics{NContaminated: 1}
	}
	return Metrics{}
}
