package sps_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basalt-rps/basalt-sim/internal/simnet"
	"github.com/basalt-rps/basalt-sim/internal/sps"
	"github.com/basalt-rps/basalt-sim/internal/xrand"
)

func newSPSSim(n int, seed uint64, init sps.Init) *simnet.Simulator[sps.Init, sps.Msg, sps.Metrics] {
	return simnet.New[sps.Init, sps.Msg, sps.Metrics](
		n, seed,
		func() simnet.App[sps.Init, sps.Msg, sps.Metrics] { return sps.New() },
		init,
	)
}

func baseInit() sps.Init {
	return sps.Init{
		NByzantine:       3,
		ViewSize:         8,
		NumExchanges:     2,
		ExchangeInterval: 4,
		TTL0:             5,
		WlistMax:         16,
	}
}

func TestSPSRunsWithoutInvariantErrors(t *testing.T) {
	sim := newSPSSim(40, 7, baseInit())
	for step := 0; step < 80; step++ {
		require.NoError(t, sim.Step())
	}
	m := sim.CollectMetrics()
	assert.GreaterOrEqual(t, len(m.Headers()), 1)
}

// fakeNet records sends so a single node's handlers can be driven without
// a full simulator behind it.
type fakeNet struct {
	now    uint64
	stream *xrand.Stream
	sent   []sentMsg
}

type sentMsg struct {
	dst simnet.PeerRef
	msg sps.Msg
}

func newFakeNet() *fakeNet { return &fakeNet{stream: xrand.NewStream(1, 0)} }

func (f *fakeNet) SamplePeers(count int) []simnet.PeerRef {
	out := make([]simnet.PeerRef, count)
	for i := range out {
		out[i] = simnet.PeerRef(100 + i)
	}
	return out
}
func (f *fakeNet) Send(dst simnet.PeerRef, msg sps.Msg) {
	f.sent = append(f.sent, sentMsg{dst: dst, msg: msg})
}
func (f *fakeNet) Time() uint64        { return f.now }
func (f *fakeNet) Rand() *xrand.Stream { return f.stream }

func (f *fakeNet) requests() []sentMsg {
	var out []sentMsg
	for _, s := range f.sent {
		if s.msg.Kind == sps.Request {
			out = append(out, s)
		}
	}
	return out
}

func newByzantineNode(t *testing.T, net *fakeNet, init sps.Init) *sps.SPS {
	t.Helper()
	require.Positive(t, init.NByzantine, "node 0 must fall in the Byzantine id range")
	s := sps.New()
	s.Init(0, net, init)
	net.sent = nil
	return s
}

// Before the attack starts, a Byzantine node answers a Request like an
// honest node would: one Reply carrying ViewSize uniformly sampled peers.
func TestSPSByzantineCoverPhaseRepliesWithViewSizeEntries(t *testing.T) {
	init := baseInit()
	init.AttackStartTime = 1000
	net := newFakeNet()
	s := newByzantineNode(t, net, init)

	net.now = 5
	s.Handle(net, 9, sps.Msg{Kind: sps.Request})

	require.Len(t, net.sent, 1)
	reply := net.sent[0]
	assert.Equal(t, simnet.PeerRef(9), reply.dst)
	assert.Equal(t, sps.Reply, reply.msg.Kind)
	require.Len(t, reply.msg.PeerList, init.ViewSize)
	for _, pt := range reply.msg.PeerList {
		assert.Equal(t, int64(5), pt.TS)
	}
}

// No flood traffic may leave a Byzantine node before AttackStartTime; from
// that step on, every self tick fans a Request advertising only Byzantine
// ids out to ByzantineFloodFactor peers.
func TestSPSFloodPhaseStartsAtAttackTime(t *testing.T) {
	init := baseInit()
	init.NByzantine = 10
	init.AttackStartTime = 10
	init.ByzantineFloodFactor = 7
	net := newFakeNet()
	s := newByzantineNode(t, net, init)

	net.now = 9
	s.Handle(net, 0, sps.Msg{Kind: sps.SelfNotif})
	assert.Empty(t, net.requests(), "no flood before the attack step")

	net.sent = nil
	net.now = 10
	s.Handle(net, 0, sps.Msg{Kind: sps.SelfNotif})

	reqs := net.requests()
	require.Len(t, reqs, init.ByzantineFloodFactor)
	for _, r := range reqs {
		require.Len(t, r.msg.PeerList, init.ViewSize)
		for _, pt := range r.msg.PeerList {
			assert.Less(t, pt.Peer, uint64(init.NByzantine), "flood payload must advertise only Byzantine ids")
			assert.Equal(t, int64(10), pt.TS)
		}
	}

	// The attacking node also answers Requests with the same poisoned view.
	net.sent = nil
	s.Handle(net, 9, sps.Msg{Kind: sps.Request})
	require.Len(t, net.sent, 1)
	assert.Equal(t, sps.Reply, net.sent[0].msg.Kind)
	for _, pt := range net.sent[0].msg.PeerList {
		assert.Less(t, pt.Peer, uint64(init.NByzantine))
	}
}

func TestSPSSamplingProducesBoundedSamples(t *testing.T) {
	freq := uint64(3)
	init := baseInit()
	init.SamplingFrequency = &freq
	init.SamplingCount = 4
	sim := newSPSSim(25, 21, init)
	for step := 0; step < 50; step++ {
		require.NoError(t, sim.Step())
	}
	honest := sim.Node(10).(*sps.SPS)
	samples := honest.GetSamples()
	assert.LessOrEqual(t, len(samples), 200)
}

func TestSPSMetricsCombineAssociativity(t *testing.T) {
	sim := newSPSSim(20, 4, baseInit())
	for step := 0; step < 20; step++ {
		require.NoError(t, sim.Step())
	}
	flat := sim.CollectMetrics()
	assert.Equal(t, sim.NumNodes(), 20)
	assert.GreaterOrEqual(t, flat.NProcs, 0)

	// NodeMetrics resets per-node counters, so take each record once and
	// reduce the same records flat and per partition.
	recs := make([]sps.Metrics, sim.NumNodes())
	for i := range recs {
		recs[i] = sim.Node(i).NodeMetrics(nil)
	}
	var whole, partA, partB sps.Metrics
	for i, r := range recs {
		whole = whole.Combine(r)
		if i < len(recs)/2 {
			partA = partA.Combine(r)
		} else {
			partB = partB.Combine(r)
		}
	}
	assert.Equal(t, whole, partA.Combine(partB))
}

// Identical seed and parameters must reproduce a bit-identical metrics row
// sequence and bit-identical GetSamples output. view, ptable, and the
// computed blacklist are all Go maps internally; this pins that every RNG
// draw over them (request-set selection, the check peer, the
// sampling-period output buffer) is ordered deterministically rather than
// leaking Go's runtime-randomized map iteration order into the result.
func TestSPSDeterministicAcrossRuns(t *testing.T) {
	freq := uint64(2)
	run := func() ([]string, []simnet.PeerRef) {
		init := baseInit()
		init.AttackStartTime = 5
		init.ByzantineFloodFactor = 2
		init.SamplingFrequency = &freq
		init.SamplingCount = 3
		sim := newSPSSim(40, 123, init)

		var rows []string
		for step := 0; step < 60; step++ {
			require.NoError(t, sim.Step())
			m := sim.CollectMetrics()
			rows = append(rows, strings.Join(m.Values(), "\t"))
		}
		honest := sim.Node(20).(*sps.SPS)
		return rows, honest.GetSamples()
	}

	rowsA, samplesA := run()
	rowsB, samplesB := run()
	require.Equal(t, rowsA, rowsB)
	require.Equal(t, samplesA, samplesB)
}
