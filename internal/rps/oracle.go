package rps

import "github.com/basalt-rps/basalt-sim/internal/simnet"

// OracleInit configures Oracle, the ground-truth RPS behind the
// "avalanche oracle" subcommand. Count uniform peers are drawn from the
// full 0..NNodes-1 population on every call, with no view maintenance and
// no Byzantine bias whatsoever.
type OracleInit struct {
	NNodes int
	Count  int
}

// OracleMsg is empty: Oracle never exchanges messages with other nodes.
type OracleMsg struct{}

// OracleMetrics is empty: an oracle has nothing protocol-specific to report.
type OracleMetrics struct{}

// Empty implements simnet.Metrics.
func (OracleMetrics) Empty() OracleMetrics { return OracleMetrics{} }

// Combine implements simnet.Metrics.
func (OracleMetrics) Combine(OracleMetrics) OracleMetrics { return OracleMetrics{} }

// Headers implements simnet.Metrics.
func (OracleMetrics) Headers() []string { return nil }

// Values implements simnet.Metrics.
func (OracleMetrics) Values() []string { return nil }

// Oracle is the ground-truth RPS.
type Oracle struct {
	params OracleInit
	net    simnet.NetIface[OracleMsg]
}

// NewOracle constructs an uninitialized Oracle node.
func NewOracle() *Oracle { return &Oracle{} }

// Init implements simnet.App.
func (o *Oracle) Init(_ simnet.PeerRef, net simnet.NetIface[OracleMsg], params OracleInit) {
	o.params = params
	o.net = net
}

// Handle implements simnet.App. Oracle never sends or receives messages.
func (o *Oracle) Handle(simnet.NetIface[OracleMsg], simnet.PeerRef, OracleMsg) {}

// NodeMetrics implements simnet.App.
func (o *Oracle) NodeMetrics(simnet.NetIface[OracleMsg]) OracleMetrics { return OracleMetrics{} }

// GetSamples implements rps.RPS: Count uniform peers from the whole
// population, every single call.
func (o *Oracle) GetSamples() []simnet.PeerRef {
	return o.net.SamplePeers(o.params.Count)
}

// ClearSamples implements rps.RPS; Oracle buffers nothing.
func (o *Oracle) ClearSamples() {}
