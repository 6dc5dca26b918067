// Package simnet is the discrete-event network simulator: a deterministic
// message bus, the Network capability surface a protocol instance sees, the
// App contract any protocol implements, and the associative metrics
// aggregation the simulator drives once per step.
//
// Each step advances the logical clock, delivers every message queued for
// the new time in ascending destination order (and, within a destination,
// in sender-then-send order), invokes the node's handler, then reduces
// per-node metrics. No message is ever dropped and no cross-node
// concurrency is introduced; the whole run is a pure function of
// (N, T, seed, params).
package simnet

import (
	"fmt"

	"github.com/basalt-rps/basalt-sim/internal/xrand"
)

// PeerRef is a dense non-negative node identity in 0..N-1. Node i is
// Byzantine iff i < nByzantine, an invariant every protocol in this module
// relies on instead of carrying a per-node flag from the outside.
type PeerRef = uint64

// envelope is a message in flight: sent during step t, delivered at step t+1.
type envelope[M any] struct {
	dst, src     PeerRef
	payload      M
	deliveryTime uint64
}

// Metrics is the contract every protocol's per-node metrics record
// satisfies: a zero element, an associative and commutative combine, and
// stable column headers/values for the tab-separated stream.
type Metrics[T any] interface {
	Empty() T
	Combine(other T) T
	Headers() []string
	Values() []string
}

// App is the protocol contract the simulator drives. Implementations are
// instantiated once per node. Simulator is generic over App rather than
// holding a slice of interfaces, keeping message delivery free of virtual
// calls in high-N runs.
//
// Handlers are coded against NetIface rather than the concrete *Network, so
// a protocol that embeds another (Avalanche wrapping an RPS) can hand its
// inner App a translating proxy that implements the same interface over a
// different wire message type.
type App[InitT any, MsgT any, MetT Metrics[MetT]] interface {
	// Init is called once per node, in ascending id order, before any
	// message is delivered. A node may Send, SamplePeers, and read
	// Time() (== 0) during Init.
	Init(id PeerRef, net NetIface[MsgT], params InitT)
	// Handle is invoked once per inbound message, in enqueue order.
	Handle(net NetIface[MsgT], from PeerRef, msg MsgT)
	// NodeMetrics returns this node's current metrics record; protocols
	// that keep per-step counters reset them here.
	NodeMetrics(net NetIface[MsgT]) MetT
}

// NetIface is the capability surface exposed to a running node: peer
// sampling, send, the logical clock, and the node's own randomness
// substream. *Network satisfies this; a proxy wrapping a differently-typed
// *Network also can, which is how a nested protocol's messages get tagged
// and forwarded through its parent's wire format.
type NetIface[MsgT any] interface {
	SamplePeers(count int) []PeerRef
	Send(dst PeerRef, msg MsgT)
	Time() uint64
	Rand() *xrand.Stream
}

// Network is the concrete capability surface the simulator itself hands to
// top-level nodes.
type Network[MsgT any] struct {
	sim    *rawSim[MsgT]
	nodeID PeerRef
}

// SamplePeers returns n uniformly random distinct peers from 0..N-1 (may
// include self), drawn from this node's own substream.
func (n *Network[MsgT]) SamplePeers(count int) []PeerRef {
	return xrand.SampleUint64(n.sim.streamFor(n.nodeID), n.sim.numNodes, count)
}

// Send enqueues msg for delivery to dst at the next step. Sending to an
// out-of-range peer is a protocol-internal defect and is rejected rather
// than silently dropped or clamped.
func (n *Network[MsgT]) Send(dst PeerRef, msg MsgT) {
	n.sim.enqueue(n.nodeID, dst, msg)
}

// Time returns the simulator's current logical step.
func (n *Network[MsgT]) Time() uint64 { return n.sim.now }

// Rand exposes this node's own deterministic substream for randomness needs
// beyond SamplePeers (shuffling a local view, picking a random index into
// it). Every protocol in this module reaches for this instead of an ambient
// global RNG, so reruns with the same seed reproduce bit-identical output.
func (n *Network[MsgT]) Rand() *xrand.Stream { return n.sim.streamFor(n.nodeID) }

// InvariantError identifies a protocol-internal defect the simulator refuses
// to paper over: the step it happened at, the offending node, and what went
// wrong.
type InvariantError struct {
	Step uint64
	Node PeerRef
	Kind string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("simnet: invariant violation at step %d, node %d: %s", e.Step, e.Node, e.Kind)
}

// rawSim is the non-generic engine state shared across the generic
// Simulator wrapper; splitting it out keeps the message-bus bookkeeping free
// of the App type parameter noise.
type rawSim[MsgT any] struct {
	numNodes int
	now      uint64
	seed     uint64

	// pending[t] holds every envelope with deliveryTime == t, keyed by
	// destination for O(1) per-node draining; within a destination,
	// envelopes are appended in sender-then-send order.
	pending map[uint64]map[PeerRef][]envelope[MsgT]

	streams []*xrand.Stream

	invariantErr error
}

func newRawSim[MsgT any](numNodes int, seed uint64) *rawSim[MsgT] {
	streams := make([]*xrand.Stream, numNodes)
	for i := range streams {
		streams[i] = xrand.NewStream(seed, uint64(i))
	}
	return &rawSim[MsgT]{
		numNodes: numNodes,
		seed:     seed,
		pending:  make(map[uint64]map[PeerRef][]envelope[MsgT]),
		streams:  streams,
	}
}

func (r *rawSim[MsgT]) streamFor(node PeerRef) *xrand.Stream { return r.streams[node] }

func (r *rawSim[MsgT]) enqueue(src, dst PeerRef, msg MsgT) {
	if r.invariantErr != nil {
		return
	}
	if dst >= uint64(r.numNodes) {
		r.invariantErr = &InvariantError{Step: r.now, Node: src, Kind: fmt.Sprintf("send to out-of-range peer %d", dst)}
		return
	}
	deliverAt := r.now + 1
	byDst, ok := r.pending[deliverAt]
	if !ok {
		byDst = make(map[PeerRef][]envelope[MsgT])
		r.pending[deliverAt] = byDst
	}
	byDst[dst] = append(byDst[dst], envelope[MsgT]{dst: dst, src: src, payload: msg, deliveryTime: deliverAt})
}

// drain removes and returns every envelope destined for node at the current
// step, in arrival order. No message sent at the current step can appear
// here; those are queued for now+1.
func (r *rawSim[MsgT]) drain(node PeerRef) []envelope[MsgT] {
	byDst, ok := r.pending[r.now]
	if !ok {
		return nil
	}
	msgs := byDst[node]
	delete(byDst, node)
	if len(byDst) == 0 {
		delete(r.pending, r.now)
	}
	return msgs
}

// Simulator owns the population of App instances, the logical clock, and
// the message bus.
type Simulator[InitT any, MsgT any, MetT Metrics[MetT]] struct {
	raw     *rawSim[MsgT]
	nodes   []App[InitT, MsgT, MetT]
	newNode func() App[InitT, MsgT, MetT]
}

// New constructs N instances via newNode and invokes Init(i, ..., params)
// on each in ascending index order.
func New[InitT any, MsgT any, MetT Metrics[MetT]](
	numNodes int,
	seed uint64,
	newNode func() App[InitT, MsgT, MetT],
	params InitT,
) *Simulator[InitT, MsgT, MetT] {
	sim := &Simulator[InitT, MsgT, MetT]{
		raw:     newRawSim[MsgT](numNodes, seed),
		nodes:   make([]App[InitT, MsgT, MetT], numNodes),
		newNode: newNode,
	}
	for i := 0; i < numNodes; i++ {
		sim.nodes[i] = newNode()
	}
	for i := 0; i < numNodes; i++ {
		id := PeerRef(i)
		sim.nodes[i].Init(id, &Network[MsgT]{sim: sim.raw, nodeID: id}, params)
	}
	return sim
}

// Time returns the simulator's current logical step (0 before any Step call).
func (s *Simulator[InitT, MsgT, MetT]) Time() uint64 { return s.raw.now }

// NumNodes returns the population size N.
func (s *Simulator[InitT, MsgT, MetT]) NumNodes() int { return s.raw.numNodes }

// Node exposes node i's App instance, e.g. for the -R/--random-samples mode
// which reads samples off the last node directly.
func (s *Simulator[InitT, MsgT, MetT]) Node(i int) App[InitT, MsgT, MetT] { return s.nodes[i] }

// Step advances the logical clock by one and delivers every message queued
// for the new time, in ascending node-index order, invoking each recipient's
// Handle once per message in enqueue order. Returns an error if any protocol
// tripped an internal invariant (e.g. an out-of-range send) during the step.
func (s *Simulator[InitT, MsgT, MetT]) Step() error {
	s.raw.now++
	for i := 0; i < s.raw.numNodes; i++ {
		id := PeerRef(i)
		net := &Network[MsgT]{sim: s.raw, nodeID: id}
		msgs := s.raw.drain(id)
		for _, env := range msgs {
			s.nodes[i].Handle(net, env.src, env.payload)
			if s.raw.invariantErr != nil {
				return s.raw.invariantErr
			}
		}
	}
	if s.raw.invariantErr != nil {
		return s.raw.invariantErr
	}
	return nil
}

// PendingCount reports how many messages are currently queued across all
// future delivery times. Used by cmd/bsim for the optional Prometheus gauge
// in internal/obs and the per-step debug log.
func (s *Simulator[InitT, MsgT, MetT]) PendingCount() int {
	total := 0
	for _, byDst := range s.raw.pending {
		for _, q := range byDst {
			total += len(q)
		}
	}
	return total
}

// NoMessagesAtOrBeforeNow reports whether no envelope remains scheduled
// for delivery at or before the current step. After Step returns, the bus
// must hold only messages for future steps.
func (s *Simulator[InitT, MsgT, MetT]) NoMessagesAtOrBeforeNow() bool {
	for t := range s.raw.pending {
		if t <= s.raw.now {
			return false
		}
	}
	return true
}

// CollectMetrics calls NodeMetrics on every node and reduces the results
// with the associative Combine, in node-index order. Reduction order does
// not matter for a correct Metrics implementation, but index order keeps
// behavior deterministic even for a combine some future protocol implements
// non-commutatively by mistake.
func (s *Simulator[InitT, MsgT, MetT]) CollectMetrics() MetT {
	var acc MetT
	acc = acc.Empty()
	for i := 0; i < s.raw.numNodes; i++ {
		id := PeerRef(i)
		net := &Network[MsgT]{sim: s.raw, nodeID: id}
		m := s.nodes[i].NodeMetrics(net)
		acc = acc.Combine(m)
	}
	return acc
}
