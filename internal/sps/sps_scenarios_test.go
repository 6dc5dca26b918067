package sps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basalt-rps/basalt-sim/internal/simnet"
)

// byzantineViewFraction reports the fraction of honest nodes whose view
// currently holds at least one Byzantine id.
func byzantineViewFraction(sim *simnet.Simulator[Init, Msg, Metrics], nByzantine int) float64 {
	polluted, honest := 0, 0
	for i := nByzantine; i < sim.NumNodes(); i++ {
		node := sim.Node(i).(*SPS)
		honest++
		for p := range node.view {
			if p < simnet.PeerRef(nByzantine) {
				polluted++
				break
			}
		}
	}
	return float64(polluted) / float64(honest)
}

// Blacklist identification under a sustained flood: 40 attackers flooding
// 50 peers per step from step 10 saturate honest views during the attack
// window, and the hit-count statistics must then demonstrably push the
// attackers back out: the fraction of honest nodes holding any Byzantine
// id at step 200 has to fall below the fraction measured at step 20.
func TestSPSReducesByzantinePresenceAfterFlood(t *testing.T) {
	init := Init{
		NByzantine:           40,
		ByzantineFloodFactor: 50,
		AttackStartTime:      10,
		ViewSize:             10,
		NumExchanges:         2,
		ExchangeInterval:     1,
		TTL0:                 5,
		WlistMax:             50,
	}
	sim := simnet.New[Init, Msg, Metrics](
		200, 42,
		func() simnet.App[Init, Msg, Metrics] { return New() },
		init,
	)

	for step := 0; step < 20; step++ {
		require.NoError(t, sim.Step())
	}
	fracAttack := byzantineViewFraction(sim, init.NByzantine)

	for step := 20; step < 200; step++ {
		require.NoError(t, sim.Step())
	}
	fracEnd := byzantineViewFraction(sim, init.NByzantine)

	require.Greater(t, fracAttack, 0.5, "the flood must visibly pollute honest views during the attack window")
	assert.Less(t, fracEnd, fracAttack, "blacklisting must reduce Byzantine presence versus the attack window")
}
