package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweeperConfig configures the inactivity sweeper.
type SweeperConfig struct {
	// Interval between sweeps (default 15s)
	Interval time.Duration

	// Devices silent for longer than this are marked inactive (default 60s)
	Threshold time.Duration

	// Tenants swept in parallel (default 4)
	Concurrency int

	Logger *slog.Logger
}

// Sweeper periodically runs Sweep for every tenant.
type Sweeper struct {
	engine  *Engine
	tenants func() []string
	config  SweeperConfig
	logger  *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper over the tenants returned by tenants.
func NewSweeper(engine *Engine, tenants func() []string, config SweeperConfig) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.Threshold <= 0 {
		config.Threshold = time.Minute
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{engine: engine, tenants: tenants, config: config, logger: logger}
}

// Start begins periodic sweeping.
func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.runLoop()
	s.logger.Info("inactivity sweeper started", "interval", s.config.Interval, "threshold", s.config.Threshold)
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
	s.logger.Info("inactivity sweeper stopped")
}

func (s *Sweeper) runLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.SweepAll(context.Background())
		}
	}
}

// SweepAll sweeps every tenant once and returns how many devices were
// marked inactive. A failing tenant is logged and does not stop the others.
func (s *Sweeper) SweepAll(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, s.config.Interval)
	defer cancel()

	var (
		mu    sync.Mutex
		total int
	)
	g := new(errgroup.Group)
	g.SetLimit(s.config.Concurrency)
	for _, tenantID := range s.tenants() {
		tenantID := tenantID
		g.Go(func() error {
			ids, err := s.engine.Sweep(ctx, tenantID, s.config.Threshold)
			if err != nil {
				s.logger.Warn("sweep failed", "tenant", tenantID, "error", err)
				return nil
			}
			mu.Lock()
			total += len(ids)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if total > 0 {
		s.logger.Debug("sweep complete", "devices", total)
	}
	return total
}
