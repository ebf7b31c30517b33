package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"memgov/internal/logging"
)

// ConsolidatorConfig controls the background runner.
type ConsolidatorConfig struct {
	// Interval between scheduled passes; zero disables the schedule.
	Interval time.Duration
	// MinTriggerInterval throttles passes requested by the high-water mark.
	MinTriggerInterval time.Duration
	Similarity         SimilarityFunc
	Scoring            ScoringFunc
}

// Consolidator runs RunConsolidation on a schedule and whenever the store's
// indexed set reaches its high-water mark.
type Consolidator struct {
	store   *BoundedStore
	cfg     ConsolidatorConfig
	limiter *rate.Limiter
	trigger chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	runs      atomic.Uint64
	throttled atomic.Uint64
	last      atomic.Pointer[ConsolidationReport]
}

// NewConsolidator attaches a runner to store. The store signals it after any
// Store that leaves the indexed set at or above the high-water mark.
func NewConsolidator(store *BoundedStore, cfg ConsolidatorConfig) *Consolidator {
	limit := rate.Inf
	if cfg.MinTriggerInterval > 0 {
		limit = rate.Every(cfg.MinTriggerInterval)
	}
	c := &Consolidator{
		store:   store,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		trigger: make(chan struct{}, 1),
	}

	store.mu.Lock()
	store.onHighWater = c.Trigger
	store.mu.Unlock()
	return c
}

// Trigger requests a pass without blocking. Requests made while one is
// pending are coalesced.
func (c *Consolidator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Start launches the runner goroutine.
func (c *Consolidator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		return errors.New("consolidator already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(runCtx, c.done)

	logging.Info(ctx, logging.ComponentConsolidation, logging.ActionStart, "Consolidator started", map[string]interface{}{
		"interval":           c.cfg.Interval.String(),
		"high_water_mark":    c.store.bounds.HighWaterMark(),
		"min_trigger_period": c.cfg.MinTriggerInterval.String(),
	})
	return nil
}

// Stop cancels the runner and waits for an in-flight pass to finish.
func (c *Consolidator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Consolidator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if c.cfg.Interval > 0 {
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			c.run(ctx, "schedule")
		case <-c.trigger:
			if !c.limiter.Allow() {
				c.throttled.Add(1)
				continue
			}
			c.run(ctx, "high_water")
		}
	}
}

func (c *Consolidator) run(ctx context.Context, reason string) {
	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())
	logging.Debug(ctx, logging.ComponentConsolidation, logging.ActionConsolidate, "Consolidation triggered", map[string]interface{}{
		"reason": reason,
	})
	report := c.store.RunConsolidation(ctx, c.cfg.Similarity, c.cfg.Scoring)
	c.last.Store(&report)
	c.runs.Add(1)
}

// Runs is the number of completed background passes.
func (c *Consolidator) Runs() uint64 { return c.runs.Load() }

// Throttled counts high-water triggers dropped by the rate limiter.
func (c *Consolidator) Throttled() uint64 { return c.throttled.Load() }

// LastReport returns the most recent background pass, if any.
func (c *Consolidator) LastReport() (ConsolidationReport, bool) {
	if r := c.last.Load(); r != nil {
		return *r, true
	}
	return ConsolidationReport{}, false
}
