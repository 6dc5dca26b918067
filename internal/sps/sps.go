// Package sps implements Secure Peer Sampling: an RPS
// variant that keeps a statistical ledger of every peer it has ever seen
// mentioned in an exchanged view (ptable), ages that ledger into a trusted
// whitelist (wlist), and blacklists any peer whose hit count stands out
// more than one standard deviation above the mean, the rule a flooding
// Byzantine peer is designed to trip.
package sps

import (
	"math"
	"sort"

	"github.com/basalt-rps/basalt-sim/internal/mfmt"
	"github.com/basalt-rps/basalt-sim/internal/simnet"
	"github.com/basalt-rps/basalt-sim/internal/xrand"
)

// PeerTS pairs a peer with the logical time of the freshest evidence for
// it. Every view exchanged between nodes travels as a []PeerTS.
type PeerTS struct {
	Peer simnet.PeerRef
	TS   int64
}

// MsgKind tags the three SPS message shapes.
type MsgKind int

const (
	// SelfNotif re-schedules a node's own per-step tick.
	SelfNotif MsgKind = iota
	// Request asks a peer to exchange views.
	Request
	// Reply answers a Request with the replier's own view.
	Reply
)

// Msg is SPS's wire message: a self-tick, or a Request/Reply carrying a
// view snapshot.
type Msg struct {
	Kind     MsgKind
	PeerList []PeerTS
}

// Init is SPS's parameter set, shared by honest and Byzantine instances.
type Init struct {
	NByzantine           int
	ByzantineFloodFactor int
	AttackStartTime      uint64

	// SamplingFrequency is nil when the node never buffers sample output
	// for GetSamples.
	SamplingFrequency *uint64
	SamplingCount     int

	ViewSize         int
	NumExchanges     int
	ExchangeInterval int
	TTL0             int64
	WlistMax         int

	// GraphStats, when true, feeds GraphFeed a GraphSample on every metrics
	// collection. Graph analysis itself lives outside this module; SPS only
	// produces the feed.
	GraphStats bool
	GraphFeed  simnet.GraphFeed
}

// pentry is the per-peer observation ledger row: freshest evidence
// timestamp, remaining time-to-live, and how often the peer has been seen
// in exchanged views.
type pentry struct {
	ts   int64
	ttl  int64
	hits int
}

// SPS is one node's Secure Peer Sampling state.
type SPS struct {
	params Init
	myID   simnet.PeerRef
	stream *xrand.Stream
	isByz  bool

	view   map[simnet.PeerRef]int64
	ptable map[simnet.PeerRef]*pentry
	wlist  map[simnet.PeerRef]int64

	done       bool
	hasCheck   bool
	check      simnet.PeerRef
	requestSet []simnet.PeerRef
	hitsMu     float64
	hitsSigma  float64

	outSamples []simnet.PeerRef

	nReceived          int
	nByzantineReceived int
}

// New constructs an uninitialized SPS node. hitsMu/hitsSigma start at a
// 1000.0 sentinel so every peer stays unblacklistable until the ptable has
// accumulated real evidence.
func New() *SPS {
	return &SPS{
		view:      make(map[simnet.PeerRef]int64),
		ptable:    make(map[simnet.PeerRef]*pentry),
		wlist:     make(map[simnet.PeerRef]int64),
		hitsMu:    1000.0,
		hitsSigma: 1000.0,
	}
}

// Init implements simnet.App.
func (s *SPS) Init(id simnet.PeerRef, net simnet.NetIface[Msg], params Init) {
	s.myID = id
	s.params = params
	if s.params.GraphFeed == nil {
		s.params.GraphFeed = simnet.NullGraphFeed{}
	}
	s.stream = net.Rand()
	s.isByz = id < simnet.PeerRef(params.NByzantine)

	if !s.isByz {
		for _, p := range net.SamplePeers(params.ViewSize) {
			s.view[p] = 0
		}
	}
	net.Send(id, Msg{Kind: SelfNotif})
}

// Handle implements simnet.App.
func (s *SPS) Handle(net simnet.NetIface[Msg], from simnet.PeerRef, msg Msg) {
	if s.isByz {
		s.handleByzantine(net, from, msg)
		return
	}
	switch msg.Kind {
	case SelfNotif:
		s.handleSelfNotif(net)
	case Request:
		s.handleRequest(net, from, msg.PeerList)
	case Reply:
		s.handleReply(net, from, msg.PeerList)
	}
}

// handleByzantine is the adversarial instance: a cover phase that answers
// Requests like an honest node before AttackStartTime, and a flood phase
// afterward that hits ByzantineFloodFactor random peers per step with
// Requests advertising only Byzantine ids, trying to drive honest views
// toward an all-Byzantine membership.
func (s *SPS) handleByzantine(net simnet.NetIface[Msg], from simnet.PeerRef, msg Msg) {
	now := net.Time()
	switch msg.Kind {
	case SelfNotif:
		if now >= s.params.AttackStartTime {
			targets := net.SamplePeers(s.params.ByzantineFloodFactor)
			payload := s.byzantineViewPayload(now)
			for _, p := range targets {
				net.Send(p, Msg{Kind: Request, PeerList: payload})
			}
		}
		net.Send(s.myID, Msg{Kind: SelfNotif})
	case Request:
		var payload []PeerTS
		if now >= s.params.AttackStartTime {
			payload = s.byzantineViewPayload(now)
		} else {
			payload = make([]PeerTS, 0, s.params.ViewSize)
			for _, p := range net.SamplePeers(s.params.ViewSize) {
				payload = append(payload, PeerTS{Peer: p, TS: int64(now)})
			}
		}
		net.Send(from, Msg{Kind: Reply, PeerList: payload})
	case Reply:
		// Byzantine SPS never consumes replies.
	}
}

// byzantineViewPayload advertises ViewSize Byzantine ids, timestamped now.
func (s *SPS) byzantineViewPayload(now uint64) []PeerTS {
	byzIDs := make([]simnet.PeerRef, s.params.NByzantine)
	for i := range byzIDs {
		byzIDs[i] = simnet.PeerRef(i)
	}
	picked := xrand.SampleFrom(s.stream, byzIDs, s.params.ViewSize)
	out := make([]PeerTS, 0, len(picked))
	for _, p := range picked {
		out = append(out, PeerTS{Peer: p, TS: int64(now)})
	}
	return out
}

func (s *SPS) handleSelfNotif(net simnet.NetIface[Msg]) {
	now := net.Time()

	if (uint64(s.myID)+now)%uint64(s.params.ExchangeInterval) == 0 {
		s.done = false

		blacklist := s.computeBlacklist()

		viewKeys := sortedPeerRefs(s.view)
		s.requestSet = xrand.SampleFrom(s.stream, viewKeys, s.params.NumExchanges)

		sent := s.viewPayload(now)
		for _, p := range s.requestSet {
			if !containsPeer(blacklist, p) {
				net.Send(p, Msg{Kind: Request, PeerList: sent})
			}
		}

		if len(blacklist) > 0 {
			s.check = xrand.SampleFrom(s.stream, blacklist, 1)[0]
			s.hasCheck = true
			net.Send(s.check, Msg{Kind: Request, PeerList: sent})
		}

		newPtable := make(map[simnet.PeerRef]*pentry, len(s.ptable))
		for p, e := range s.ptable {
			if e.ttl <= 1 {
				s.wlist[p] = e.ts
			} else {
				newPtable[p] = &pentry{ts: e.ts, ttl: e.ttl - 1, hits: e.hits}
			}
		}
		s.limitWlist()
		s.ptable = newPtable
	}

	if s.params.SamplingFrequency != nil && *s.params.SamplingFrequency > 0 {
		if (uint64(s.myID)+now)%(*s.params.SamplingFrequency) == 0 && len(s.outSamples) < 200 {
			viewKeys := sortedPeerRefs(s.view)
			s.outSamples = append(s.outSamples, xrand.SampleFrom(s.stream, viewKeys, s.params.SamplingCount)...)
		}
	}

	net.Send(s.myID, Msg{Kind: SelfNotif})
}

func (s *SPS) viewPayload(now uint64) []PeerTS {
	sent := make([]PeerTS, 0, len(s.view)+1)
	for p, ts := range s.view {
		sent = append(sent, PeerTS{Peer: p, TS: ts})
	}
	sent = append(sent, PeerTS{Peer: s.myID, TS: int64(now)})
	return sent
}

func (s *SPS) handleRequest(net simnet.NetIface[Msg], from simnet.PeerRef, peerList []PeerTS) {
	s.recordReceived(peerList)

	sent := s.viewPayload(net.Time())
	net.Send(from, Msg{Kind: Reply, PeerList: sent})

	if !s.blacklisted(from) {
		s.mergeView(peerList)
	}
}

func (s *SPS) handleReply(net simnet.NetIface[Msg], from simnet.PeerRef, peerList []PeerTS) {
	s.recordReceived(peerList)

	toss := s.stream.Float64()
	thresh := 1.0 / float64(s.params.NumExchanges)
	if containsPeer(s.requestSet, from) && !s.blacklisted(from) && !s.done && toss < thresh {
		s.done = true
		s.mergeView(peerList)
	} else {
		s.updateStatistics(peerList)
	}

	if s.hasCheck && from == s.check {
		blacklist := s.computeBlacklist()
		clean := true
		for _, pt := range peerList {
			if containsPeer(blacklist, pt.Peer) {
				clean = false
				break
			}
		}
		if clean {
			if e, ok := s.ptable[from]; ok {
				s.wlist[from] = e.ts
				delete(s.ptable, from)
				s.limitWlist()
			}
		}
	}
}

func (s *SPS) recordReceived(peerList []PeerTS) {
	s.nReceived += len(peerList)
	for _, pt := range peerList {
		if pt.Peer < simnet.PeerRef(s.params.NByzantine) {
			s.nByzantineReceived++
		}
	}
}

// computeBlacklist returns the currently-blacklisted peers in ascending id
// order, so any RNG draw over the result (e.g. picking the check peer) is a
// pure function of (seed, ptable contents) rather than Go's runtime-
// randomized map iteration order.
func (s *SPS) computeBlacklist() []simnet.PeerRef {
	var out []simnet.PeerRef
	for _, p := range sortedPeerRefs(s.ptable) {
		if e := s.ptable[p]; float64(e.hits) > s.hitsMu+s.hitsSigma {
			out = append(out, p)
		}
	}
	return out
}

// sortedPeerRefs returns m's keys in ascending peer-id order. Go map
// iteration order is runtime-randomized and not stable even across two
// range statements over the same unmodified map; every call site that
// samples from, or otherwise order-sensitively consumes, a map-derived peer
// set must go through this instead of a bare range, or the result stops
// being a pure function of the seed.
func sortedPeerRefs[V any](m map[simnet.PeerRef]V) []simnet.PeerRef {
	keys := make([]simnet.PeerRef, 0, len(m))
	for p := range m {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (s *SPS) blacklisted(p simnet.PeerRef) bool {
	e, ok := s.ptable[p]
	if !ok {
		return false
	}
	return float64(e.hits) > s.hitsMu+s.hitsSigma
}

// mergeView folds an exchanged peer list into the view and re-caps it.
// Currently-blacklisted peers are never admitted, so the view stays clean
// after every handle rather than only after the next statistics pass.
func (s *SPS) mergeView(peerList []PeerTS) {
	for _, pt := range peerList {
		if s.blacklisted(pt.Peer) {
			continue
		}
		s.view[pt.Peer] = pt.TS
	}
	s.view = keepMostRecent(s.view, s.params.ViewSize)
}

func (s *SPS) limitWlist() {
	s.wlist = keepMostRecent(s.wlist, s.params.WlistMax)
}

// updateStatistics folds every (peer, ts) observation into the ptable,
// recomputes the blacklist threshold, strips newly-blacklisted keys from
// wlist, then substitutes any now-blacklisted view entry with a whitelisted
// peer not already in the view.
func (s *SPS) updateStatistics(peerList []PeerTS) {
	for _, pt := range peerList {
		if e, ok := s.ptable[pt.Peer]; ok {
			e.hits++
			e.ttl++
		} else {
			s.ptable[pt.Peer] = &pentry{ts: pt.TS, ttl: s.params.TTL0, hits: 1}
		}
	}

	if len(s.ptable) == 0 {
		// No evidence yet: keep every peer unblacklistable rather than
		// dividing by zero.
		s.hitsMu = 0
		s.hitsSigma = 1000.0
	} else {
		sum := 0.0
		for _, e := range s.ptable {
			sum += float64(e.hits)
		}
		mu := sum / float64(len(s.ptable))
		variance := 0.0
		for _, e := range s.ptable {
			d := float64(e.hits) - mu
			variance += d * d
		}
		variance /= float64(len(s.ptable))
		s.hitsMu = mu
		s.hitsSigma = math.Sqrt(variance)
	}

	blacklist := s.computeBlacklist()
	for _, p := range blacklist {
		delete(s.wlist, p)
	}

	newView := make(map[simnet.PeerRef]int64, len(s.view))
	for p, ts := range s.view {
		newView[p] = ts
	}
	for _, q := range sortedPeerRefs(s.view) {
		if !containsPeer(blacklist, q) {
			continue
		}
		sub, ok := s.pickSubstitute(newView)
		if !ok {
			continue
		}
		delete(newView, q)
		newView[sub.Peer] = sub.TS
	}
	s.view = newView
}

// pickSubstitute sorts whitelist candidates by (ts descending, peer id
// ascending) and picks the first one not already present in the in-progress
// view, making the choice a pure function of state instead of Go's
// randomized map iteration order.
func (s *SPS) pickSubstitute(inProgressView map[simnet.PeerRef]int64) (PeerTS, bool) {
	candidates := make([]PeerTS, 0, len(s.wlist))
	for p, ts := range s.wlist {
		candidates = append(candidates, PeerTS{Peer: p, TS: ts})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].TS != candidates[j].TS {
			return candidates[i].TS > candidates[j].TS
		}
		return candidates[i].Peer < candidates[j].Peer
	})
	for _, c := range candidates {
		if _, inView := inProgressView[c.Peer]; !inView {
			return c, true
		}
	}
	return PeerTS{}, false
}

// keepMostRecent retains the count entries with the largest ts, ties broken
// by ascending peer id.
func keepMostRecent(m map[simnet.PeerRef]int64, count int) map[simnet.PeerRef]int64 {
	if len(m) <= count {
		out := make(map[simnet.PeerRef]int64, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	all := make([]PeerTS, 0, len(m))
	for p, ts := range m {
		all = append(all, PeerTS{Peer: p, TS: ts})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].TS != all[j].TS {
			return all[i].TS > all[j].TS
		}
		return all[i].Peer < all[j].Peer
	})
	if count < 0 {
		count = 0
	}
	if count > len(all) {
		count = len(all)
	}
	out := make(map[simnet.PeerRef]int64, count)
	for _, pt := range all[:count] {
		out[pt.Peer] = pt.TS
	}
	return out
}

func containsPeer(xs []simnet.PeerRef, p simnet.PeerRef) bool {
	for _, x := range xs {
		if x == p {
			return true
		}
	}
	return false
}

// GetSamples implements rps.RPS.
func (s *SPS) GetSamples() []simnet.PeerRef {
	out := s.outSamples
	s.outSamples = nil
	return out
}

// ClearSamples implements rps.RPS.
func (s *SPS) ClearSamples() { s.outSamples = nil }

// Metrics is SPS's per-node metrics record.
type Metrics struct {
	NProcs int

	NByzantineReceived int
	NReceived          int

	NByzantineNeighbors   int
	MinByzantineNeighbors *int64
	MaxByzantineNeighbors *int64
	NIsolated             int
}

// Empty implements simnet.Metrics.
func (Metrics) Empty() Metrics { return Metrics{} }

// Combine implements simnet.Metrics.
func (m Metrics) Combine(other Metrics) Metrics {
	maxFn := func(a, b int64) int64 {
		if a > b {
			return a
		}
		return b
	}
	minFn := func(a, b int64) int64 {
		if a < b {
			return a
		}
		return b
	}
	return Metrics{
		NProcs:                m.NProcs + other.NProcs,
		NByzantineReceived:    m.NByzantineReceived + other.NByzantineReceived,
		NReceived:             m.NReceived + other.NReceived,
		NByzantineNeighbors:   m.NByzantineNeighbors + other.NByzantineNeighbors,
		MaxByzantineNeighbors: xrand.EitherOrCombine(m.MaxByzantineNeighbors, other.MaxByzantineNeighbors, maxFn),
		MinByzantineNeighbors: xrand.EitherOrCombine(m.MinByzantineNeighbors, other.MinByzantineNeighbors, minFn),
		NIsolated:             m.NIsolated + other.NIsolated,
	}
}

// Headers implements simnet.Metrics. The trailing graph-statistics columns
// (clustering coefficient, mean path length, in-degree deciles) are
// reserved for external graph-analysis tooling fed through GraphFeed; this
// module never computes them and fills them with a "-" sentinel.
func (Metrics) Headers() []string {
	return []string{
		"avgRecv", "avgByzRecv", "pByzRecv", "avgByzN", "min", "max", "n_isolated",
		"cluscoeff", "MPL",
		"id_min", "id_d1", "id_q1", "id_med", "id_q3", "id_d9", "id_max",
	}
}

// Values implements simnet.Metrics.
func (m Metrics) Values() []string {
	return []string{
		mfmt.Ratio(m.NReceived, m.NProcs),
		mfmt.Ratio(m.NByzantineReceived, m.NProcs),
		mfmt.Ratio4(m.NByzantineReceived, m.NReceived),
		mfmt.Ratio(m.NByzantineNeighbors, m.NProcs),
		mfmt.OptionalInt(m.MinByzantineNeighbors),
		mfmt.OptionalInt(m.MaxByzantineNeighbors),
		mfmt.Int(m.NIsolated),
		"-", "-", "-", "-", "-", "-", "-", "-", "-",
	}
}

// NodeMetrics implements simnet.App.
func (s *SPS) NodeMetrics(_ simnet.NetIface[Msg]) Metrics {
	if s.isByz {
		var m Metrics
		if s.params.GraphStats {
			neighbors := make([]simnet.PeerRef, s.params.NByzantine)
			for i := range neighbors {
				neighbors[i] = simnet.PeerRef(i)
			}
			s.params.GraphFeed.Observe(simnet.GraphSample{Node: s.myID, Neighbors: neighbors})
		}
		return m.Empty()
	}

	nbn := 0
	for p := range s.view {
		if p < simnet.PeerRef(s.params.NByzantine) {
			nbn++
		}
	}
	isolated := 0
	if nbn == len(s.view) && len(s.view) > 0 {
		isolated = 1
	}
	nbn64 := int64(nbn)

	if s.params.GraphStats {
		s.params.GraphFeed.Observe(simnet.GraphSample{Node: s.myID, Neighbors: sortedPeerRefs(s.view)})
	}

	ret := Metrics{
		NProcs:                1,
		NReceived:             s.nReceived,
		NByzantineReceived:    s.nByzantineReceived,
		NByzantineNeighbors:   nbn,
		NIsolated:             isolated,
		MinByzantineNeighbors: &nbn64,
		MaxByzantineNeighbors: &nbn64,
	}
	s.nReceived = 0
	s.nByzantineReceived = 0
	return ret
}
