package simnet

// GraphSample is the only thing this module feeds to graph-analysis
// tooling: a node's id and its current neighbor set. Computing clustering
// coefficients, mean path lengths, or degree distributions from that feed
// is left to an external implementation of GraphFeed.
type GraphSample struct {
	Node      PeerRef
	Neighbors []PeerRef
}

// GraphFeed receives GraphSample observations as a protocol instance's
// metrics are collected. NullGraphFeed is the default no-op.
type GraphFeed interface {
	Observe(sample GraphSample)
}

// NullGraphFeed discards every observation; it is the default when a
// protocol's "-G/--graph-stats" flag is off.
type NullGraphFeed struct{}

// Observe implements GraphFeed.
func (NullGraphFeed) Observe(GraphSample) {}
