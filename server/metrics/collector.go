// Package metrics holds the engine counters and the background worker that
// persists periodic snapshots of them.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"liveclass/server/storage"
)

// CollectorConfig configures the metrics collector.
type CollectorConfig struct {
	// Interval between snapshots (default 30s)
	CollectionInterval time.Duration

	// Interval between prune runs (default 1h)
	PruneInterval time.Duration

	// Snapshots older than this are pruned (default 7 days)
	Retention time.Duration

	// Logger for collector events
	Logger *slog.Logger
}

// CollectorStore defines the storage operations needed by the collector.
type CollectorStore interface {
	InsertEngineMetrics(ctx context.Context, m *storage.EngineMetricsSnapshot) error
	PruneEngineMetrics(ctx context.Context, olderThan time.Time) (int64, error)
}

// GaugeSource contributes point-in-time values, such as connected devices,
// to each snapshot.
type GaugeSource func() map[string]int64

// Collector periodically persists engine counter snapshots.
type Collector struct {
	store    CollectorStore
	counters *Counters
	config   CollectorConfig
	logger   *slog.Logger

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
	gauges   []GaugeSource
	latest   *storage.EngineMetricsSnapshot
	now      func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(store CollectorStore, counters *Counters, config CollectorConfig) *Collector {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.CollectionInterval <= 0 {
		config.CollectionInterval = 30 * time.Second
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = time.Hour
	}
	if config.Retention <= 0 {
		config.Retention = 7 * 24 * time.Hour
	}
	return &Collector{
		store:    store,
		counters: counters,
		config:   config,
		logger:   logger,
		stopChan: make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddGauge registers an extra value source for snapshots.
func (c *Collector) AddGauge(g GaugeSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges = append(c.gauges, g)
}

// Start begins periodic collection.
func (c *Collector) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopChan = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.runLoop()
	c.logger.Info("engine metrics collector started",
		"collection_interval", c.config.CollectionInterval,
		"retention", c.config.Retention)
}

// Stop halts the collector and waits for the loop to exit.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	done := c.done
	c.mu.Unlock()
	<-done
	c.logger.Info("engine metrics collector stopped")
}

// Latest returns the most recent snapshot without hitting the database.
func (c *Collector) Latest() *storage.EngineMetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

func (c *Collector) runLoop() {
	defer close(c.done)

	collectionTicker := time.NewTicker(c.config.CollectionInterval)
	pruneTicker := time.NewTicker(c.config.PruneInterval)
	defer collectionTicker.Stop()
	defer pruneTicker.Stop()

	c.Collect(context.Background())

	for {
		select {
		case <-c.stopChan:
			c.Collect(context.Background())
			return
		case <-collectionTicker.C:
			c.Collect(context.Background())
		case <-pruneTicker.C:
			c.prune()
		}
	}
}

// Collect takes and stores one snapshot.
func (c *Collector) Collect(ctx context.Context) *storage.EngineMetricsSnapshot {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	snapshot := &storage.EngineMetricsSnapshot{
		CollectedAt: c.now(),
		Counters:    c.counters.Snapshot(),
	}
	c.mu.RLock()
	gauges := append([]GaugeSource(nil), c.gauges...)
	c.mu.RUnlock()
	for _, g := range gauges {
		for k, v := range g() {
			snapshot.Counters[k] = v
		}
	}

	c.mu.Lock()
	c.latest = snapshot
	c.mu.Unlock()

	if err := c.store.InsertEngineMetrics(ctx, snapshot); err != nil {
		c.logger.Error("failed to store engine metrics", "error", err)
	}
	return snapshot
}

func (c *Collector) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := c.now().Add(-c.config.Retention)
	n, err := c.store.PruneEngineMetrics(ctx, cutoff)
	if err != nil {
		c.logger.Error("failed to prune engine metrics", "error", err)
		return
	}
	if n > 0 {
		c.logger.Debug("pruned engine metrics", "deleted", n, "cutoff", cutoff)
	}
}
