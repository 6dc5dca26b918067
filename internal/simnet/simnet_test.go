package simnet_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basalt-rps/basalt-sim/internal/epidemic"
	"github.com/basalt-rps/basalt-sim/internal/simnet"
)

func newEpidemicSim(n int, seed uint64, fanOut int) *simnet.Simulator[epidemic.Init, epidemic.Msg, epidemic.Metrics] {
	return simnet.New[epidemic.Init, epidemic.Msg, epidemic.Metrics](
		n, seed,
		func() simnet.App[epidemic.Init, epidemic.Msg, epidemic.Metrics] { return epidemic.New() },
		epidemic.Init{FanOut: fanOut},
	)
}

// Epidemic sanity: N=20, T=50, fan-out 10. Every node is eventually
// contaminated.
func TestEpidemicFullContamination(t *testing.T) {
	sim := newEpidemicSim(20, 1, 10)

	reachedAll := false
	for step := 0; step < 50; step++ {
		require.NoError(t, sim.Step())
		m := sim.CollectMetrics()
		if m.NContaminated == 20 {
			reachedAll = true
			break
		}
	}
	assert.True(t, reachedAll, "expected full contamination before step 50")
}

// Bus draining: after every Step, no message remains scheduled at or
// before now.
func TestBusDrainingInvariant(t *testing.T) {
	sim := newEpidemicSim(30, 2, 6)
	for step := 0; step < 40; step++ {
		require.NoError(t, sim.Step())
		assert.True(t, sim.NoMessagesAtOrBeforeNow(), "step %d: undelivered message from a prior step", step)
	}
}

// Determinism: identical seed and parameters produce a bit-identical
// sequence of metrics rows.
func TestDeterminismAcrossRuns(t *testing.T) {
	run := func() []string {
		sim := newEpidemicSim(25, 99, 8)
		var rows []string
		for step := 0; step < 30; step++ {
			require.NoError(t, sim.Step())
			m := sim.CollectMetrics()
			rows = append(rows, m.Values()[0])
		}
		return rows
	}

	a := run()
	b := run()
	require.Equal(t, a, b)
}

// Round-trip: Metrics.Empty().Combine(x) == x, and Combine is commutative.
func TestMetricsIdentityAndCommutativity(t *testing.T) {
	var zero epidemic.Metrics
	x := epidemic.Metrics{NContaminated: 3}
	y := epidemic.Metrics{NContaminated: 7}

	assert.Equal(t, x, zero.Empty().Combine(x))
	assert.Equal(t, x.Combine(y), y.Combine(x))
}

// Metric associativity: partitioning nodes and combining per-partition
// then reducing equals reducing flat.
func TestMetricAssociativityAcrossPartitions(t *testing.T) {
	sim := newEpidemicSim(40, 7, 5)
	for step := 0; step < 25; step++ {
		require.NoError(t, sim.Step())
	}

	flat := epidemic.Metrics{}
	for i := 0; i < sim.NumNodes(); i++ {
		flat = flat.Combine(sim.Node(i).NodeMetrics(nil))
	}

	var partA, partB epidemic.Metrics
	for i := 0; i < sim.NumNodes()/2; i++ {
		partA = partA.Combine(sim.Node(i).NodeMetrics(nil))
	}
	for i := sim.NumNodes() / 2; i < sim.NumNodes(); i++ {
		partB = partB.Combine(sim.Node(i).NodeMetrics(nil))
	}

	assert.Equal(t, flat, partA.Combine(partB))
}

func TestPrintHeaderAndRow(t *testing.T) {
	var buf bytes.Buffer
	simnet.PrintHeader(&buf, []string{"n_contaminated"})
	simnet.PrintMetricsRow(&buf, 0, []string{"1"})
	simnet.PrintMetricsRow(&buf, 1, []string{"4"})

	assert.Equal(t, "step\tn_contaminated\n0\t1\n1\t4\n", buf.String())
}

func TestOutOfRangeSendIsInvariantError(t *testing.T) {
	sim := simnet.New[epidemic.Init, epidemic.Msg, epidemic.Metrics](
		3, 1,
		func() simnet.App[epidemic.Init, epidemic.Msg, epidemic.Metrics] { return &badSender{} },
		epidemic.Init{FanOut: 1},
	)
	err := sim.Step()
	require.Error(t, err)
	var invErr *simnet.InvariantError
	require.ErrorAs(t, err, &invErr)
}

// badSender deliberately sends to a peer outside 0..N-1 to exercise the
// simulator's invariant-rejection path.
type badSender struct{}

func (*badSender) Init(id simnet.PeerRef, net simnet.NetIface[epidemic.Msg], _ epidemic.Init) {
	net.Send(id, epidemic.Msg(true))
}

func (*badSender) Handle(net simnet.NetIface[epidemic.Msg], _ simnet.PeerRef, _ epidemic.Msg) {
	net.Send(999, epidemic.Msg(true))
}

func (*badSender) NodeMetrics(_ simnet.NetIface[epidemic.Msg]) epidemic.Metrics {
	return epidemic.Metrics{}
}
