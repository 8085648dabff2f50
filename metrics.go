package merkledb

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/merkledb/node"
)

// MetricsCollector receives operational observations from table operations
// and the node store. Implementations must be safe for concurrent use.
// It satisfies node.Metrics, so a collector can be wired straight into
// node.NewStore.
type MetricsCollector interface {
	// NodeWritten is called after a node blob is uploaded.
	NodeWritten(t node.Type, bytes int)
	// NodeRead is called after a node blob is fetched and decoded.
	NodeRead(t node.Type, bytes int)
	// UpdateDone is called after a bulk update with the change count and
	// wall time.
	UpdateDone(changes int, d time.Duration)
}

// BasicMetricsCollector counts nodes and bytes with atomic counters.
type BasicMetricsCollector struct {
	nodesWritten atomic.Int64
	nodesRead    atomic.Int64
	bytesWritten atomic.Int64
	bytesRead    atomic.Int64
	updates      atomic.Int64
	updateNanos  atomic.Int64
}

// NodeWritten implements MetricsCollector.
func (c *BasicMetricsCollector) NodeWritten(_ node.Type, bytes int) {
	c.nodesWritten.Add(1)
	c.bytesWritten.Add(int64(bytes))
}

// NodeRead implements MetricsCollector.
func (c *BasicMetricsCollector) NodeRead(_ node.Type, bytes int) {
	c.nodesRead.Add(1)
	c.bytesRead.Add(int64(bytes))
}

// UpdateDone implements MetricsCollector.
func (c *BasicMetricsCollector) UpdateDone(_ int, d time.Duration) {
	c.updates.Add(1)
	c.updateNanos.Add(d.Nanoseconds())
}

// Stats is a snapshot of the collected counters.
type Stats struct {
	NodesWritten int64
	NodesRead    int64
	BytesWritten int64
	BytesRead    int64
	Updates      int64
	UpdateTime   time.Duration
}

// Snapshot returns the current counter values.
func (c *BasicMetricsCollector) Snapshot() Stats {
	return Stats{
		NodesWritten: c.nodesWritten.Load(),
		NodesRead:    c.nodesRead.Load(),
		BytesWritten: c.bytesWritten.Load(),
		BytesRead:    c.bytesRead.Load(),
		Updates:      c.updates.Load(),
		UpdateTime:   time.Duration(c.updateNanos.Load()),
	}
}
