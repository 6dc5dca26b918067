package avalanche

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basalt-rps/basalt-sim/internal/rps"
	"github.com/basalt-rps/basalt-sim/internal/simnet"
	"github.com/basalt-rps/basalt-sim/internal/xrand"
)

type sentMsg struct {
	dst simnet.PeerRef
	msg Msg[rps.OracleMsg]
}

// fakeNet records sends so a single node's handler logic can be driven
// without a full simulator behind it.
type fakeNet struct {
	now    uint64
	stream *xrand.Stream
	sent   []sentMsg
}

func newFakeNet() *fakeNet { return &fakeNet{stream: xrand.NewStream(1, 1)} }

func (f *fakeNet) SamplePeers(int) []simnet.PeerRef { return nil }
func (f *fakeNet) Send(dst simnet.PeerRef, msg Msg[rps.OracleMsg]) {
	f.sent = append(f.sent, sentMsg{dst: dst, msg: msg})
}
func (f *fakeNet) Time() uint64        { return f.now }
func (f *fakeNet) Rand() *xrand.Stream { return f.stream }

type oracleAvalanche = Avalanche[rps.OracleInit, rps.OracleMsg, rps.OracleMetrics, *rps.Oracle]

func newTestNode(args InitArgs) *oracleAvalanche {
	return &oracleAvalanche{
		params:   args,
		querySet: make(map[simnet.PeerRef]struct{}),
		replySet: make(map[simnet.PeerRef]bool),
	}
}

// With Beta < 0.5 both sides of a reply set can clear the threshold at
// once; the false side must win. Three true against two false replies at
// beta 0.3 clear the threshold for both, so a node preferring false must
// see its counter grow rather than flip.
func TestProposalTieBreakFalseWins(t *testing.T) {
	a := newTestNode(InitArgs{K: 5, AlphaK: 5, Beta: 0.3, Theta: 10})
	for p := simnet.PeerRef(1); p <= 5; p++ {
		a.querySet[p] = struct{}{}
	}

	votes := []bool{true, true, true, false, false}
	for i, v := range votes {
		a.handlePush(simnet.PeerRef(i+1), v)
	}
	a.evaluateReplies()

	assert.False(t, a.value, "false must override true when both clear the threshold")
	assert.Equal(t, 1, a.counter)
	assert.Nil(t, a.decided)
	assert.Empty(t, a.querySet, "evaluation must close the round")
	assert.Empty(t, a.replySet, "evaluation must close the round")
}

// A reply from a peer that was never queried must not count toward the
// reply set, and a round short of AlphaK replies must not be judged.
func TestUnsolicitedPushIsIgnored(t *testing.T) {
	a := newTestNode(InitArgs{K: 3, AlphaK: 2, Beta: 0.5, Theta: 5})
	a.querySet[1] = struct{}{}

	a.handlePush(9, true)
	a.handlePush(8, true)
	assert.Empty(t, a.replySet)

	a.evaluateReplies()
	assert.Equal(t, 0, a.counter)
	assert.False(t, a.value)
}

// Once the confidence counter clears Theta the decision latches, and every
// subsequent Pull is answered with the decided value no matter how the
// node's surroundings keep voting.
func TestDecisionLatchesAndPullCarriesIt(t *testing.T) {
	a := newTestNode(InitArgs{K: 3, AlphaK: 3, Beta: 0.5, Theta: 1})
	for p := simnet.PeerRef(1); p <= 3; p++ {
		a.querySet[p] = struct{}{}
	}

	for p := simnet.PeerRef(1); p <= 3; p++ {
		a.handlePush(p, false)
	}
	a.evaluateReplies()
	require.NotNil(t, a.decided)
	assert.False(t, *a.decided)

	net := newFakeNet()
	a.Handle(net, 7, Msg[rps.OracleMsg]{Kind: Pull})
	require.Len(t, net.sent, 1)
	assert.Equal(t, simnet.PeerRef(7), net.sent[0].dst)
	assert.Equal(t, Push, net.sent[0].msg.Kind)
	assert.False(t, net.sent[0].msg.PushVal)

	// Contradicting replies after the latch must move neither the decision
	// nor the underlying preference.
	a.querySet = map[simnet.PeerRef]struct{}{4: {}, 5: {}, 6: {}}
	for p := simnet.PeerRef(4); p <= 6; p++ {
		a.handlePush(p, true)
	}
	assert.Empty(t, a.replySet, "replies after the latch are discarded")
	a.evaluateReplies()
	require.NotNil(t, a.decided)
	assert.False(t, *a.decided)
	assert.False(t, a.value)
}

// Byzantine nodes under the Disagreeing scenario answer every Pull with
// true; under Absent they never answer at all.
func TestByzantineScenarios(t *testing.T) {
	disagreeing := newTestNode(InitArgs{NByzantine: 5, Scenario: Disagreeing})
	disagreeing.isByzantine = true
	net := newFakeNet()
	disagreeing.Handle(net, 9, Msg[rps.OracleMsg]{Kind: Pull})
	require.Len(t, net.sent, 1)
	assert.Equal(t, Push, net.sent[0].msg.Kind)
	assert.True(t, net.sent[0].msg.PushVal)

	absent := newTestNode(InitArgs{NByzantine: 5, Scenario: Absent})
	absent.isByzantine = true
	net = newFakeNet()
	absent.Handle(net, 9, Msg[rps.OracleMsg]{Kind: Pull})
	assert.Empty(t, net.sent)
}

// Adaptive adversaries push whichever side the shared counter says is the
// minority.
func TestAdaptivePushesMinoritySide(t *testing.T) {
	sc := NewSharedCounter()
	a := newTestNode(InitArgs{NByzantine: 5, Scenario: Adaptive})
	a.isByzantine = true
	a.sharedCounter = sc

	sc.set(10, 3)
	net := newFakeNet()
	a.Handle(net, 2, Msg[rps.OracleMsg]{Kind: Pull})
	require.Len(t, net.sent, 1)
	assert.True(t, net.sent[0].msg.PushVal, "false leads, so the adversary pushes true")

	sc.set(3, 10)
	net = newFakeNet()
	a.Handle(net, 2, Msg[rps.OracleMsg]{Kind: Pull})
	require.Len(t, net.sent, 1)
	assert.False(t, net.sent[0].msg.PushVal, "true leads, so the adversary pushes false")
}
