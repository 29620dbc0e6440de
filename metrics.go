package matching

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across
// registries.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for a Registry. All counters are
// lock-free (atomic int64) and published to expvar under the "matching."
// prefix for inspection via /debug/vars.
type Metrics struct {
	PacketsReceived atomic.Int64
	PacketsSent     atomic.Int64
	PacketsDropped  atomic.Int64

	HellosBroadcast atomic.Int64

	ContextsCreated atomic.Int64
	TargetsCreated  atomic.Int64
	TargetsFreed    atomic.Int64

	HandshakesEstablished atomic.Int64
	EventsDispatched      atomic.Int64

	DataSent     atomic.Int64
	DataReceived atomic.Int64
	DataAcked    atomic.Int64
	DataTimeouts atomic.Int64

	// contextCountFn returns the current number of allocated contexts.
	// Set by the Registry at construction time.
	contextCountFn func() int
}

// newMetrics creates a Metrics instance and publishes all counters to
// expvar. Each call gets a unique expvar prefix via a monotonic sequence,
// so registries in tests never collide.
func newMetrics() *Metrics {
	m := &Metrics{}

	seq := metricsSeq.Add(1)
	prefix := "matching." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v expvar.Var) {
		expvar.Publish(prefix+name, v)
	}

	publish("packets_received", atomicVar(&m.PacketsReceived))
	publish("packets_sent", atomicVar(&m.PacketsSent))
	publish("packets_dropped", atomicVar(&m.PacketsDropped))
	publish("hellos_broadcast", atomicVar(&m.HellosBroadcast))
	publish("contexts_created", atomicVar(&m.ContextsCreated))
	publish("targets_created", atomicVar(&m.TargetsCreated))
	publish("targets_freed", atomicVar(&m.TargetsFreed))
	publish("handshakes_established", atomicVar(&m.HandshakesEstablished))
	publish("events_dispatched", atomicVar(&m.EventsDispatched))
	publish("data_sent", atomicVar(&m.DataSent))
	publish("data_received", atomicVar(&m.DataReceived))
	publish("data_acked", atomicVar(&m.DataAcked))
	publish("data_timeouts", atomicVar(&m.DataTimeouts))
	publish("contexts_active", expvar.Func(func() any {
		if m.contextCountFn != nil {
			return m.contextCountFn()
		}
		return 0
	}))

	return m
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}
