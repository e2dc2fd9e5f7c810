package metrics

import (
	"sync"
	"time"
)

// Metric names understood by the Collector.
const (
	MetricTotalConnections         = "total_connections"
	MetricActiveConnections        = "active_connections"
	MetricAuthenticatedConnections = "authenticated_connections"
	MetricCodesBroadcasted         = "codes_broadcasted"
	MetricMessagesSent             = "messages_sent"
)

var knownMetrics = []string{
	MetricTotalConnections,
	MetricActiveConnections,
	MetricAuthenticatedConnections,
	MetricCodesBroadcasted,
	MetricMessagesSent,
}

// Collector holds the process-wide counters reported by /health and /stats.
// Every increment is mirrored into the matching Prometheus series.
type Collector struct {
	mu        sync.Mutex
	counters  map[string]int64
	startTime time.Time
}

// NewCollector creates a collector whose start time is now.
func NewCollector() *Collector {
	c := &Collector{
		counters:  make(map[string]int64, len(knownMetrics)),
		startTime: time.Now(),
	}
	for _, name := range knownMetrics {
		c.counters[name] = 0
	}
	return c
}

// Increment adds delta to a metric. Unknown names are ignored.
func (c *Collector) Increment(metric string, delta int64) {
	c.mu.Lock()
	if _, ok := c.counters[metric]; !ok {
		c.mu.Unlock()
		return
	}
	c.counters[metric] += delta
	c.mu.Unlock()

	mirror(metric, delta)
}

// Inc adds one to a metric.
func (c *Collector) Inc(metric string) {
	c.Increment(metric, 1)
}

// Get returns the current value of a metric.
func (c *Collector) Get(metric string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[metric]
}

// Snapshot returns a copy of every counter.
func (c *Collector) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}

// StartTime returns when the collector was created.
func (c *Collector) StartTime() time.Time {
	return c.startTime
}

// Uptime returns the time elapsed since StartTime.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

func mirror(metric string, delta int64) {
	switch metric {
	case MetricActiveConnections:
		ActiveConnections.Add(float64(delta))
	case MetricAuthenticatedConnections:
		AuthenticatedConnections.Add(float64(delta))
	case MetricTotalConnections:
		if delta > 0 {
			TotalConnections.Add(float64(delta))
		}
	case MetricCodesBroadcasted:
		if delta > 0 {
			CodesBroadcast.Add(float64(delta))
		}
	case MetricMessagesSent:
		if delta > 0 {
			MessagesSent.Add(float64(delta))
		}
	}
}
