// Package avalanche implements the gossip-based binary consensus layered on
// top of an arbitrary peer-sampling service: repeated
// query/reply rounds against a k-sized sample drawn from the underlying RPS,
// a counter that must clear a confidence threshold theta before a node
// commits, and three Byzantine adversary strategies that can read a
// process-wide shared tally of how the honest population is currently
// leaning.
package avalanche

import (
	"fmt"
	"sync"

	"github.com/basalt-rps/basalt-sim/internal/mfmt"
	"github.com/basalt-rps/basalt-sim/internal/rps"
	"github.com/basalt-rps/basalt-sim/internal/simnet"
	"github.com/basalt-rps/basalt-sim/internal/xrand"
)

// Scenario is the Byzantine adversary strategy.
type Scenario int

const (
	// Absent Byzantine nodes never answer a Pull.
	Absent Scenario = iota
	// Disagreeing Byzantine nodes answer every Pull with a constant
	// Push(true), the side the honest minority starts on.
	Disagreeing
	// Adaptive Byzantine nodes read the shared counter and push whichever
	// value is currently in the minority.
	Adaptive
)

// ParseScenario parses the CLI's -S/--scenario flag.
func ParseScenario(s string) (Scenario, error) {
	switch s {
	case "absent":
		return Absent, nil
	case "disagreeing":
		return Disagreeing, nil
	case "adaptive":
		return Adaptive, nil
	default:
		return Absent, fmt.Errorf("avalanche: invalid scenario %q (want absent, disagreeing, or adaptive)", s)
	}
}

// InitArgs is Avalanche's own parameter set, independent of whichever RPS
// it is layered on top of.
type InitArgs struct {
	NByzantine   int
	NDisagreeing int
	Scenario     Scenario

	K         int
	AlphaK    int
	Beta      float64
	Theta     int
	StartTime uint64
}

// SharedCounter is the process-wide (nFalse, nTrue) tally Byzantine nodes
// running the Adaptive scenario read from, and every honest node's metrics
// collection writes to once per step. The write happens through a dedicated
// end-of-step hook (UpdateSharedCounter) rather than as a side effect of
// Metrics.Values, so the counter's mutation is not hidden inside an
// otherwise-pure reduction. The simulator never runs nodes concurrently,
// but the RWMutex keeps the writer-at-metrics-time / reader-at-handler-time
// split safe for any future parallel driver.
type SharedCounter struct {
	mu     sync.RWMutex
	nFalse int
	nTrue  int
}

// NewSharedCounter constructs a zeroed counter.
func NewSharedCounter() *SharedCounter { return &SharedCounter{} }

// Snapshot returns the counter's current (nFalse, nTrue) reading.
func (c *SharedCounter) Snapshot() (nFalse, nTrue int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nFalse, c.nTrue
}

// set overwrites the counter, called once per step from UpdateSharedCounter.
func (c *SharedCounter) set(nFalse, nTrue int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nFalse = nFalse
	c.nTrue = nTrue
}

// MsgKind tags Avalanche's own three message shapes; a fourth case carries a
// nested RPS message and is not itself a MsgKind value (see Msg.RPS).
type MsgKind int

const (
	// SelfNotif re-schedules a node's own per-step tick.
	SelfNotif MsgKind = iota
	// Pull asks a sampled peer for its current value.
	Pull
	// Push answers a Pull with a boolean value.
	Push
)

// Msg[RMsg] is Avalanche's wire message: one of its own three shapes, or a
// nested RPS message forwarded verbatim through netProxy. Exactly one of the
// Avalanche-native fields or RPS is meaningful for any given value; Go has
// no tagged union, so IsRPS distinguishes the two arms instead of relying on
// a zero RMsg being indistinguishable from "no RPS payload".
type Msg[RMsg any] struct {
	Kind    MsgKind
	PushVal bool

	IsRPS bool
	RPS   RMsg
}

// Init is Avalanche's full parameter set: its own args, the inner RPS's init
// params, and the shared counter every node instance is handed the same
// pointer to.
type Init[RInit any] struct {
	Args          InitArgs
	RPSArgs       RInit
	SharedCounter *SharedCounter
}

// RPSApp is the constraint an inner peer-sampling protocol must satisfy to
// be layered under Avalanche: the simnet.App contract plus the
// samples-producing rps.RPS contract.
type RPSApp[RInit any, RMsg any, RMet simnet.Metrics[RMet]] interface {
	simnet.App[RInit, RMsg, RMet]
	rps.RPS
}

// netProxy adapts the outer Msg[RMsg] wire format to the RMsg-only surface
// the inner RPS app is written against: inner sends get wrapped into the
// IsRPS arm of the outer envelope, everything else passes through.
type netProxy[RMsg any] struct {
	outer simnet.NetIface[Msg[RMsg]]
}

func (p *netProxy[RMsg]) SamplePeers(n int) []simnet.PeerRef { return p.outer.SamplePeers(n) }
func (p *netProxy[RMsg]) Send(dst simnet.PeerRef, msg RMsg) {
	p.outer.Send(dst, Msg[RMsg]{IsRPS: true, RPS: msg})
}
func (p *netProxy[RMsg]) Time() uint64        { return p.outer.Time() }
func (p *netProxy[RMsg]) Rand() *xrand.Stream { return p.outer.Rand() }

// Avalanche is one node's binary-consensus state, parameterized over the
// inner RPS's Init/Msg/Metrics types and its concrete implementation R.
type Avalanche[RInit any, RMsg any, RMet simnet.Metrics[RMet], R RPSApp[RInit, RMsg, RMet]] struct {
	newInner func() R
	inner    R

	params        InitArgs
	sharedCounter *SharedCounter

	myID        simnet.PeerRef
	isByzantine bool

	rpsSet   []simnet.PeerRef
	querySet map[simnet.PeerRef]struct{}
	replySet map[simnet.PeerRef]bool

	value   bool
	timeout int
	counter int
	decided *bool
}

// New constructs an uninitialized Avalanche node around an inner RPS built
// by newInner.
func New[RInit any, RMsg any, RMet simnet.Metrics[RMet], R RPSApp[RInit, RMsg, RMet]](newInner func() R) *Avalanche[RInit, RMsg, RMet, R] {
	return &Avalanche[RInit, RMsg, RMet, R]{
		newInner: newInner,
		querySet: make(map[simnet.PeerRef]struct{}),
		replySet: make(map[simnet.PeerRef]bool),
	}
}

// Init implements simnet.App.
func (a *Avalanche[RInit, RMsg, RMet, R]) Init(id simnet.PeerRef, net simnet.NetIface[Msg[RMsg]], params Init[RInit]) {
	a.inner = a.newInner()
	a.inner.Init(id, &netProxy[RMsg]{outer: net}, params.RPSArgs)

	a.myID = id
	a.params = params.Args
	a.sharedCounter = params.SharedCounter

	a.isByzantine = id < simnet.PeerRef(a.params.NByzantine)
	if !a.isByzantine {
		net.Send(id, Msg[RMsg]{Kind: SelfNotif})
		a.value = uint64(a.myID)-uint64(a.params.NByzantine) < uint64(a.params.NDisagreeing)
	}
}

// Handle implements simnet.App.
func (a *Avalanche[RInit, RMsg, RMet, R]) Handle(net simnet.NetIface[Msg[RMsg]], from simnet.PeerRef, msg Msg[RMsg]) {
	if msg.IsRPS {
		a.inner.Handle(&netProxy[RMsg]{outer: net}, from, msg.RPS)
		return
	}
	if a.isByzantine {
		a.handleByzantine(net, from, msg)
		return
	}
	switch msg.Kind {
	case SelfNotif:
		a.handleSelfNotif(net)
	case Pull:
		if a.decided != nil {
			net.Send(from, Msg[RMsg]{Kind: Push, PushVal: *a.decided})
		} else {
			net.Send(from, Msg[RMsg]{Kind: Push, PushVal: a.value})
		}
	case Push:
		a.handlePush(from, msg.PushVal)
	}
}

func (a *Avalanche[RInit, RMsg, RMet, R]) handleByzantine(net simnet.NetIface[Msg[RMsg]], from simnet.PeerRef, msg Msg[RMsg]) {
	if msg.Kind != Pull {
		return
	}
	switch a.params.Scenario {
	case Absent:
		// never answer
	case Disagreeing:
		net.Send(from, Msg[RMsg]{Kind: Push, PushVal: true})
	case Adaptive:
		nFalse, nTrue := a.sharedCounter.Snapshot()
		net.Send(from, Msg[RMsg]{Kind: Push, PushVal: nFalse > nTrue})
	}
}

func (a *Avalanche[RInit, RMsg, RMet, R]) handleSelfNotif(net simnet.NetIface[Msg[RMsg]]) {
	if a.decided == nil {
		if net.Time() < a.params.StartTime {
			a.inner.ClearSamples()
		} else {
			a.rpsSet = append(a.rpsSet, a.inner.GetSamples()...)
		}

		a.evaluateReplies()

		if a.timeout == 0 && net.Time() >= a.params.StartTime && len(a.rpsSet) >= a.params.K {
			a.querySet = make(map[simnet.PeerRef]struct{}, a.params.K)
			a.replySet = make(map[simnet.PeerRef]bool, a.params.K)
			for len(a.querySet) < a.params.K && len(a.rpsSet) > 0 {
				p := a.rpsSet[len(a.rpsSet)-1]
				a.rpsSet = a.rpsSet[:len(a.rpsSet)-1]
				a.querySet[p] = struct{}{}
				net.Send(p, Msg[RMsg]{Kind: Pull})
			}
			a.timeout = 2
		} else if a.timeout > 0 {
			a.timeout--
		}
	}
	net.Send(a.myID, Msg[RMsg]{Kind: SelfNotif})
}

// handlePush records a reply from a queried peer. Replies are not judged
// here: judging happens on the next self tick, once the round's replies
// are in, so the outcome depends on what the sampled peers answered and
// not on the order the bus delivered their messages in. Replies arriving
// after the decision has latched are discarded, keeping the decision
// monotone.
func (a *Avalanche[RInit, RMsg, RMet, R]) handlePush(from simnet.PeerRef, v bool) {
	if a.decided != nil {
		return
	}
	if _, ok := a.querySet[from]; ok {
		a.replySet[from] = v
	}
}

// evaluateReplies closes the current query round once at least AlphaK
// replies are in: a strict Beta-majority among them becomes a proposal
// (false overrides true when Beta < 0.5 lets both sides clear the
// threshold, and callers rely on that ordering). Agreeing with the
// proposal grows the confidence counter toward Theta, disagreeing shrinks
// it and can flip the node's value once the counter hits zero. A round
// that never collected AlphaK replies is left for the next query launch to
// discard.
func (a *Avalanche[RInit, RMsg, RMet, R]) evaluateReplies() {
	if len(a.querySet) == 0 || len(a.replySet) < a.params.AlphaK {
		return
	}

	countTrue, countFalse := 0, 0
	for _, v := range a.replySet {
		if v {
			countTrue++
		} else {
			countFalse++
		}
	}
	a.querySet = make(map[simnet.PeerRef]struct{})
	a.replySet = make(map[simnet.PeerRef]bool)

	var proposal *bool
	thresh := a.params.Beta * float64(countTrue+countFalse)
	if float64(countTrue) > thresh {
		t := true
		proposal = &t
	}
	if float64(countFalse) > thresh {
		f := false
		proposal = &f
	}
	if proposal == nil {
		return
	}

	if a.value == *proposal {
		a.counter++
		if a.counter >= a.params.Theta {
			d := a.value
			a.decided = &d
		}
	} else {
		if a.counter > 0 {
			a.counter--
		}
		if a.counter == 0 {
			a.value = *proposal
		}
	}
}

// Metrics is Avalanche's per-node metrics record, wrapping the inner RPS's
// own metrics so both protocols' numbers travel together in one
// tab-separated row.
type Metrics[RMet simnet.Metrics[RMet]] struct {
	NProcs int

	NTrue  int
	NFalse int

	NDecidedTrue  int
	NDecidedFalse int

	RPSMetrics RMet
}

// Empty implements simnet.Metrics.
func (m Metrics[RMet]) Empty() Metrics[RMet] {
	var rm RMet
	return Metrics[RMet]{RPSMetrics: rm.Empty()}
}

// Combine implements simnet.Metrics.
func (m Metrics[RMet]) Combine(other Metrics[RMet]) Metrics[RMet] {
	return Metrics[RMet]{
		NProcs:        m.NProcs + other.NProcs,
		NTrue:         m.NTrue + other.NTrue,
		NFalse:        m.NFalse + other.NFalse,
		NDecidedTrue:  m.NDecidedTrue + other.NDecidedTrue,
		NDecidedFalse: m.NDecidedFalse + other.NDecidedFalse,
		RPSMetrics:    m.RPSMetrics.Combine(other.RPSMetrics),
	}
}

// Headers implements simnet.Metrics.
func (m Metrics[RMet]) Headers() []string {
	var rm RMet
	return append([]string{"nTrue", "nFalse", "decTrue", "decFalse"}, rm.Headers()...)
}

// Values implements simnet.Metrics. The shared counter is deliberately not
// written here (see UpdateSharedCounter); Values stays a pure read of
// already-reduced totals.
func (m Metrics[RMet]) Values() []string {
	return append([]string{
		mfmt.Int(m.NTrue),
		mfmt.Int(m.NFalse),
		mfmt.Int(m.NDecidedTrue),
		mfmt.Int(m.NDecidedFalse),
	}, m.RPSMetrics.Values()...)
}

// UpdateSharedCounter writes this step's reduced (nFalse, nTrue) totals
// into sc, for the Adaptive Byzantine scenario to read back on the next
// step. Call once per step after CollectMetrics.
func UpdateSharedCounter[RMet simnet.Metrics[RMet]](m Metrics[RMet], sc *SharedCounter) {
	sc.set(m.NFalse, m.NTrue)
}

// NodeMetrics implements simnet.App.
func (a *Avalanche[RInit, RMsg, RMet, R]) NodeMetrics(net simnet.NetIface[Msg[RMsg]]) Metrics[RMet] {
	innerMetrics := a.inner.NodeMetrics(&netProxy[RMsg]{outer: net})

	if a.isByzantine {
		var m Metrics[RMet]
		m = m.Empty()
		m.RPSMetrics = innerMetrics
		return m
	}

	m := Metrics[RMet]{NProcs: 1, RPSMetrics: innerMetrics}
	if a.value {
		m.NTrue = 1
	} else {
		m.NFalse = 1
	}
	if a.decided != nil {
		if *a.decided {
			m.NDecidedTrue = 1
		} else {
			m.NDecidedFalse = 1
		}
	}
	return m
}
