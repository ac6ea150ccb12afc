package metrics

import (
	"sort"
	"sync/atomic"
)

// Counter names an engine counter.
type Counter string

const (
	ReportsApplied      Counter = "reports_applied"
	ReportsQueued       Counter = "reports_queued"
	ReportsReplayed     Counter = "reports_replayed"
	ReportsDroppedStale Counter = "reports_dropped_stale"
	DevicesSwept        Counter = "devices_swept"
	SessionsStarted     Counter = "sessions_started"
	SessionsSuperseded  Counter = "sessions_superseded"
	SessionsFinalized   Counter = "sessions_finalized"
	CorrectionFinalizes Counter = "correction_finalizes"
	ResultsAccepted     Counter = "results_accepted"
	ResultsReplaced     Counter = "results_replaced"
	ResultsDuplicate    Counter = "results_duplicate"
	HubMessagesDropped  Counter = "hub_messages_dropped"
)

var allCounters = []Counter{
	ReportsApplied, ReportsQueued, ReportsReplayed, ReportsDroppedStale,
	DevicesSwept, SessionsStarted, SessionsSuperseded, SessionsFinalized,
	CorrectionFinalizes, ResultsAccepted, ResultsReplaced, ResultsDuplicate,
	HubMessagesDropped,
}

// Counters is a fixed set of monotonically increasing engine counters.
// A nil *Counters discards every update.
type Counters struct {
	values map[Counter]*atomic.Int64
}

// NewCounters creates a zeroed counter set.
func NewCounters() *Counters {
	c := &Counters{values: make(map[Counter]*atomic.Int64, len(allCounters))}
	for _, name := range allCounters {
		c.values[name] = new(atomic.Int64)
	}
	return c
}

// Inc adds one to a counter.
func (c *Counters) Inc(name Counter) {
	c.Add(name, 1)
}

// Add adds n to a counter. Unknown names are ignored.
func (c *Counters) Add(name Counter, n int64) {
	if c == nil || n == 0 {
		return
	}
	if v, ok := c.values[name]; ok {
		v.Add(n)
	}
}

// Get returns a counter's current value.
func (c *Counters) Get(name Counter) int64 {
	if c == nil {
		return 0
	}
	if v, ok := c.values[name]; ok {
		return v.Load()
	}
	return 0
}

// Snapshot copies every counter.
func (c *Counters) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(allCounters))
	if c == nil {
		return out
	}
	for name, v := range c.values {
		out[string(name)] = v.Load()
	}
	return out
}

// Names returns the counter names in sorted order.
func Names() []string {
	out := make([]string, len(allCounters))
	for i, n := range allCounters {
		out[i] = string(n)
	}
	sort.Strings(out)
	return out
}
