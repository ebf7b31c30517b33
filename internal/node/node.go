// Package node assembles a bounded store from configuration: logging, the
// access controller, the payload filter, persistence and the background
// consolidator.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"memgov/internal/access"
	"memgov/internal/filter"
	"memgov/internal/logging"
	"memgov/internal/persistence"
	"memgov/internal/storage"
	"memgov/pkg/config"
)

// Option configures Open.
type Option func(*options)

type options struct {
	logger *logging.Logger
	clock  func() time.Time
}

// WithLogger uses l instead of building a logger from the config. The caller
// keeps ownership of l.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now for the store and the access controller.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Node owns one store and everything wired around it.
type Node struct {
	cfg          *config.Config
	logger       *logging.Logger
	ownsLogger   bool
	clock        func() time.Time
	store        *storage.BoundedStore
	filter       *filter.CuckooFilter
	engine       *persistence.Engine
	consolidator *storage.Consolidator

	closeOnce sync.Once
	closeErr  error
}

// Stats aggregates the counters of every component.
type Stats struct {
	NodeID       string                     `json:"node_id"`
	Store        storage.Stats              `json:"store"`
	Defensive    access.DefensiveState      `json:"defensive"`
	RateWindow   access.WindowUsage         `json:"rate_window"`
	Violations   map[access.RuleType]uint64 `json:"violations"`
	Filter       *filter.Stats              `json:"filter,omitempty"`
	Persistence  *persistence.Stats         `json:"persistence,omitempty"`
	Consolidator *ConsolidatorStats         `json:"consolidator,omitempty"`
}

// ConsolidatorStats reports the background runner.
type ConsolidatorStats struct {
	Runs       uint64                       `json:"runs"`
	Throttled  uint64                       `json:"throttled"`
	LastReport *storage.ConsolidationReport `json:"last_report,omitempty"`
}

// Open validates cfg, restores persisted state and starts the consolidator.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{cfg: cfg, logger: o.logger, clock: o.clock}
	if n.logger == nil {
		logger, err := logging.InitializeFromConfig(cfg.Node.ID, cfg.LogConfig())
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize logging")
		}
		n.logger = logger
		n.ownsLogger = true
	}
	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())
	done := logging.StartTimer(ctx, logging.ComponentMain, logging.ActionStart, "Node opened")

	b := cfg.BoundsTable()
	storeRules, err := cfg.StoreRules()
	if err != nil {
		return nil, n.abort(err)
	}
	retrieveRules, err := cfg.RetrieveRules()
	if err != nil {
		return nil, n.abort(err)
	}
	ctrl := access.NewController(b,
		access.WithClock(n.clock),
		access.WithStoreRules(storeRules...),
		access.WithRetrieveRules(retrieveRules...),
		access.WithDefensiveExempt(cfg.ExemptRuleTypes()...),
	)

	storeOpts := []storage.Option{storage.WithClock(n.clock)}
	if cfg.Filter.Enabled {
		f, err := filter.New(filter.Config{
			ExpectedItems:     uint64(b.MaxRecent + b.MaxIndexed),
			FalsePositiveRate: cfg.Filter.FalsePositiveRate,
		})
		if err != nil {
			return nil, n.abort(errors.Wrap(err, "failed to create payload filter"))
		}
		n.filter = f
		storeOpts = append(storeOpts, storage.WithPayloadFilter(f))
	}

	var (
		snap    *persistence.Snapshot
		records []persistence.Record
	)
	if cfg.Persistence.Enabled {
		n.engine = persistence.NewEngine(cfg.PersistenceConfig())
		snap, records, err = n.engine.Open(ctx)
		if err != nil {
			return nil, n.abort(errors.Wrap(err, "failed to open persistence"))
		}
		storeOpts = append(storeOpts, storage.WithJournal(n.engine))
	}

	n.store, err = storage.New(b, ctrl, storeOpts...)
	if err != nil {
		return nil, n.abort(err)
	}
	if n.engine != nil {
		if err := n.store.Restore(ctx, snap, records); err != nil {
			return nil, n.abort(errors.Wrap(err, "failed to restore store"))
		}
	}

	if cfg.Consolidation.Enabled {
		n.consolidator = storage.NewConsolidator(n.store, storage.ConsolidatorConfig{
			Interval:           cfg.Consolidation.Interval,
			MinTriggerInterval: cfg.Consolidation.MinTriggerInterval,
			Scoring:            Scoring(cfg.Consolidation, "", n.clock),
		})
		if err := n.consolidator.Start(context.WithoutCancel(ctx)); err != nil {
			return nil, n.abort(err)
		}
	}

	recent, indexed := n.store.Len()
	logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "Bounded store ready", map[string]interface{}{
		"node_id":       cfg.Node.ID,
		"recent":        recent,
		"indexed":       indexed,
		"persistence":   cfg.Persistence.Enabled,
		"filter":        cfg.Filter.Enabled,
		"consolidation": cfg.Consolidation.Enabled,
		"defensive":     n.store.IsDefensiveMode(),
	})
	done()
	return n, nil
}

// abort releases whatever Open had acquired.
func (n *Node) abort(err error) error {
	if n.consolidator != nil {
		n.consolidator.Stop()
	}
	if n.engine != nil {
		if cerr := n.engine.Close(); cerr != nil {
			err = errors.CombineErrors(err, cerr)
		}
	}
	if n.ownsLogger {
		n.logger.Close()
		logging.SetGlobalLogger(nil)
	}
	return err
}

// Scoring resolves a scoring strategy. An empty name uses cfg.Scoring.
func Scoring(cfg config.ConsolidationConfig, name string, now func() time.Time) storage.ScoringFunc {
	if name == "" {
		name = cfg.Scoring
	}
	switch name {
	case config.ScoringDecay:
		return storage.DecayByAge(cfg.HalfLife, now)
	case config.ScoringAccess:
		return storage.BoostByAccess(cfg.AccessBoost)
	default:
		return nil
	}
}

// Store returns the bounded store.
func (n *Node) Store() *storage.BoundedStore { return n.store }

// Config returns the configuration the node was opened with.
func (n *Node) Config() *config.Config { return n.cfg }

// Consolidate runs one pass in the foreground with the named scoring
// strategy, or the configured one when name is empty.
func (n *Node) Consolidate(ctx context.Context, name string) (storage.ConsolidationReport, error) {
	switch name {
	case "", config.ScoringKeep, config.ScoringDecay, config.ScoringAccess:
	default:
		return storage.ConsolidationReport{}, errors.WithHint(
			errors.Newf("unknown scoring strategy %q", name),
			"use keep, decay or access",
		)
	}
	report := n.store.RunConsolidation(ctx, nil, Scoring(n.cfg.Consolidation, name, n.clock))
	if report.CheckpointErr != nil {
		return report, errors.Wrap(report.CheckpointErr, "checkpoint after consolidation")
	}
	return report, nil
}

// Stats collects counters from every component.
func (n *Node) Stats() Stats {
	ctrl := n.store.Controller()
	s := Stats{
		NodeID:     n.cfg.Node.ID,
		Store:      n.store.Stats(),
		Defensive:  ctrl.DefensiveStatus(),
		RateWindow: ctrl.RateWindowUsage(),
		Violations: ctrl.ViolationCounts(),
	}
	if n.filter != nil {
		fs := n.filter.Stats()
		s.Filter = &fs
	}
	if n.engine != nil {
		ps := n.engine.Stats()
		s.Persistence = &ps
	}
	if n.consolidator != nil {
		cs := &ConsolidatorStats{Runs: n.consolidator.Runs(), Throttled: n.consolidator.Throttled()}
		if r, ok := n.consolidator.LastReport(); ok {
			cs.LastReport = &r
		}
		s.Consolidator = cs
	}
	return s
}

// Close stops the consolidator, writes a final checkpoint and closes the
// journal. It is safe to call more than once.
func (n *Node) Close(ctx context.Context) error {
	n.closeOnce.Do(func() {
		if n.consolidator != nil {
			n.consolidator.Stop()
		}
		if n.engine != nil {
			if err := n.store.Checkpoint(ctx); err != nil {
				n.closeErr = errors.Wrap(err, "final checkpoint")
				logging.Error(ctx, logging.ComponentPersistence, logging.ActionSnapshot, "Final checkpoint failed", err)
			}
			if err := n.engine.Close(); err != nil {
				n.closeErr = errors.CombineErrors(n.closeErr, errors.Wrap(err, "close journal"))
			}
		}
		logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "Node closed", map[string]interface{}{
			"node_id": n.cfg.Node.ID,
		})
		if n.ownsLogger {
			n.logger.Close()
			logging.SetGlobalLogger(nil)
		}
	})
	return n.closeErr
}
