package rps

import (
	"github.com/basalt-rps/basalt-sim/internal/mfmt"
	"github.com/basalt-rps/basalt-sim/internal/simnet"
	"github.com/basalt-rps/basalt-sim/internal/xrand"
)

// BasicInit is Basic RPS's parameter set.
type BasicInit struct {
	NByzantine int // number of Byzantine nodes, ids [0, NByzantine)
	ViewSize   int
	Count      int // samples returned per period
	Period     int // sampling period, phased by id
}

// BasicMsg is Basic RPS's message set: a self-notification tick and the
// two-phase view exchange.
type BasicMsg struct {
	Kind BasicMsgKind
	View []simnet.PeerRef
}

// BasicMsgKind tags which of the three Basic RPS message shapes a BasicMsg
// carries.
type BasicMsgKind int

const (
	// BasicSelfNotif re-schedules the node's own per-step tick.
	BasicSelfNotif BasicMsgKind = iota
	// BasicStep1 is the initiating half of a view exchange.
	BasicStep1
	// BasicStep2 is the reply half of a view exchange.
	BasicStep2
)

// BasicMetrics reports the average count of Byzantine neighbors a correct
// node's view holds, and how many correct nodes ended up with an
// all-Byzantine (isolated) view.
type BasicMetrics struct {
	NProcs              int
	NByzantineNeighbors int
	NIsolated           int
}

// Empty implements simnet.Metrics.
func (BasicMetrics) Empty() BasicMetrics { return BasicMetrics{} }

// Combine implements simnet.Metrics.
func (m BasicMetrics) Combine(other BasicMetrics) BasicMetrics {
	return BasicMetrics{
		NProcs:              m.NProcs + other.NProcs,
		NByzantineNeighbors: m.NByzantineNeighbors + other.NByzantineNeighbors,
		NIsolated:           m.NIsolated + other.NIsolated,
	}
}

// Headers implements simnet.Metrics.
func (BasicMetrics) Headers() []string { return []string{"avgByzN", "n_isolated"} }

// Values implements simnet.Metrics.
func (m BasicMetrics) Values() []string {
	return []string{mfmt.Ratio(m.NByzantineNeighbors, m.NProcs), mfmt.Int(m.NIsolated)}
}

// Basic is the minimum-viable RPS baseline: maintain a bounded view,
// gossip it with one uniformly chosen view member per step, and
// periodically hand the caller a few samples from it.
type Basic struct {
	params BasicInit

	myID        simnet.PeerRef
	isByzantine bool
	view        []simnet.PeerRef
	counter     int

	stream *xrand.Stream
}

// NewBasic constructs an uninitialized Basic RPS node.
func NewBasic() *Basic { return &Basic{} }

// Init implements simnet.App. Byzantine nodes start with a static view of
// only Byzantine ids and never integrate incoming views.
func (b *Basic) Init(id simnet.PeerRef, net simnet.NetIface[BasicMsg], params BasicInit) {
	b.params = params
	b.myID = id
	b.isByzantine = id < simnet.PeerRef(params.NByzantine)
	b.stream = net.Rand()

	if b.isByzantine {
		size := params.ViewSize
		if size > params.NByzantine {
			size = params.NByzantine
		}
		b.view = make([]simnet.PeerRef, size)
		for i := range b.view {
			b.view[i] = simnet.PeerRef(i)
		}
	} else {
		b.view = net.SamplePeers(params.ViewSize)
	}
	net.Send(id, BasicMsg{Kind: BasicSelfNotif})
}

// Handle implements simnet.App.
func (b *Basic) Handle(net simnet.NetIface[BasicMsg], from simnet.PeerRef, msg BasicMsg) {
	var toIntegrate []simnet.PeerRef
	switch msg.Kind {
	case BasicSelfNotif:
		if len(b.view) > 0 {
			i := b.stream.Intn(len(b.view))
			net.Send(b.view[i], BasicMsg{Kind: BasicStep1, View: append([]simnet.PeerRef(nil), b.view...)})
		}
		net.Send(b.myID, BasicMsg{Kind: BasicSelfNotif})
	case BasicStep1:
		net.Send(from, BasicMsg{Kind: BasicStep2, View: append([]simnet.PeerRef(nil), b.view...)})
		toIntegrate = msg.View
	case BasicStep2:
		toIntegrate = msg.View
	}

	if !b.isByzantine && toIntegrate != nil {
		b.integrate(toIntegrate)
	}
}

// integrate unions the incoming view with the current one, shuffles, and
// truncates back to ViewSize.
func (b *Basic) integrate(incoming []simnet.PeerRef) {
	seen := make(map[simnet.PeerRef]struct{}, len(b.view)+len(incoming))
	merged := make([]simnet.PeerRef, 0, len(b.view)+len(incoming))
	for _, p := range b.view {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			merged = append(merged, p)
		}
	}
	for _, p := range incoming {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			merged = append(merged, p)
		}
	}
	b.stream.Shuffle(len(merged), func(i, j int) { merged[i], merged[j] = merged[j], merged[i] })
	if len(merged) > b.params.ViewSize {
		merged = merged[:b.params.ViewSize]
	}
	b.view = merged
}

// NodeMetrics implements simnet.App.
func (b *Basic) NodeMetrics(_ simnet.NetIface[BasicMsg]) BasicMetrics {
	if b.isByzantine {
		return BasicMetrics{}
	}
	nbn := 0
	for _, p := range b.view {
		if p < simnet.PeerRef(b.params.NByzantine) {
			nbn++
		}
	}
	isolated := 0
	if nbn == len(b.view) && len(b.view) > 0 {
		isolated = 1
	}
	return BasicMetrics{NProcs: 1, NByzantineNeighbors: nbn, NIsolated: isolated}
}

// GetSamples implements rps.RPS: count uniform view members, once every
// Period steps, phased by id.
func (b *Basic) GetSamples() []simnet.PeerRef {
	b.counter++
	if b.params.Period <= 0 {
		return nil
	}
	if (b.counter+int(b.myID))%b.params.Period == 0 {
		return xrand.SampleFrom(b.stream, b.view, b.params.Count)
	}
	return nil
}

// ClearSamples implements rps.RPS. Basic never buffers samples across
// calls, so there is nothing to clear.
func (b *Basic) ClearSamples() {}
