// Package access gates store and retrieve calls against ordered rule lists and
// a fixed-bucket rate window. Repeated violations of one rule trip a
// fail-closed defensive mode that only an operator can clear.
package access

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"memgov/internal/bounds"
	"memgov/internal/logging"
)

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithStoreRules replaces the default store rules.
func WithStoreRules(rules ...Rule) Option {
	return func(c *Controller) { c.storeRules = append([]Rule(nil), rules...) }
}

// WithRetrieveRules sets the retrieve rules. There are none by default.
func WithRetrieveRules(rules ...Rule) Option {
	return func(c *Controller) { c.retrieveRules = append([]Rule(nil), rules...) }
}

// WithDefensiveExempt lists violation types that never count toward the
// defensive streak. It replaces the default of rate_exceeded.
func WithDefensiveExempt(types ...RuleType) Option {
	return func(c *Controller) {
		c.exempt = make(map[RuleType]struct{}, len(types))
		for _, t := range types {
			c.exempt[t] = struct{}{}
		}
	}
}

// DefensiveState describes the circuit breaker.
type DefensiveState struct {
	Active    bool      `json:"active"`
	Rule      RuleType  `json:"rule,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Trips     uint64    `json:"trips"`
	LastClear time.Time `json:"last_clear,omitempty"`
}

// WindowUsage reports the current rate bucket.
type WindowUsage struct {
	Used    int       `json:"used"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

// Controller is safe for concurrent use. IsDefensiveMode never blocks.
type Controller struct {
	mu            sync.Mutex
	bounds        bounds.Table
	now           func() time.Time
	storeRules    []Rule
	retrieveRules []Rule
	exempt        map[RuleType]struct{}

	window     *rateWindow
	violations *violationLog
	counts     map[RuleType]uint64

	defensive atomic.Bool
	state     DefensiveState
	clearSeq  uint64
}

// NewController builds a controller for b. The default store rule rejects
// empty payloads.
func NewController(b bounds.Table, opts ...Option) *Controller {
	c := &Controller{
		bounds:     b,
		now:        time.Now,
		storeRules: []Rule{NonEmptyPayload()},
		exempt:     map[RuleType]struct{}{RuleRateExceeded: {}},
		window:     newRateWindow(b.RateWindow, b.MaxAccessRate),
		violations: newViolationLog(b.ViolationLogSize),
		counts:     make(map[RuleType]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthorizeStore checks defensive mode, then the store rules in order.
func (c *Controller) AuthorizeStore(ctx context.Context, req Request) error {
	req.Op = OpStore

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.defensive.Load() {
		return c.deny(ctx, req.Op, RuleDefensiveMode, ErrDefensiveModeActive)
	}
	for _, rule := range c.storeRules {
		if !rule.Evaluate(req) {
			return c.deny(ctx, req.Op, rule.Type(), ErrRuleViolation)
		}
	}
	return nil
}

// AuthorizeRetrieve counts the attempt against the rate window, then checks
// the retrieve rules in order. Defensive mode does not block retrieves.
func (c *Controller) AuthorizeRetrieve(ctx context.Context, req Request) error {
	req.Op = OpRetrieve

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.window.record(c.now()) {
		return c.deny(ctx, req.Op, RuleRateExceeded, ErrRateExceeded)
	}
	for _, rule := range c.retrieveRules {
		if !rule.Evaluate(req) {
			return c.deny(ctx, req.Op, rule.Type(), ErrRuleViolation)
		}
	}
	return nil
}

// deny records the violation and may trip defensive mode. c.mu must be held.
func (c *Controller) deny(ctx context.Context, op Operation, rule RuleType, reason error) error {
	now := c.now()
	c.violations.add(Violation{Rule: rule, Op: op, At: now})
	c.counts[rule]++

	fields := map[string]interface{}{
		"rule": string(rule),
		"op":   op.String(),
	}
	logging.Warn(ctx, logging.ComponentAccess, logging.ActionDeny, "Operation denied", fields)

	if !c.defensive.Load() && c.countsTowardStreak(rule) {
		cutoff := now.Add(-c.bounds.DefensiveWindow)
		if n := c.violations.streak(rule, cutoff, c.clearSeq); n >= c.bounds.DefensiveStreak {
			c.trip(rule, "repeated violations", now)
			logging.Warn(ctx, logging.ComponentAccess, logging.ActionDefensive, "Defensive mode engaged", map[string]interface{}{
				"rule":   string(rule),
				"streak": n,
				"window": c.bounds.DefensiveWindow.String(),
			})
		}
	}

	return &DeniedError{Rule: rule, Op: op, At: now, reason: reason}
}

func (c *Controller) countsTowardStreak(rule RuleType) bool {
	if rule == RuleDefensiveMode {
		return false
	}
	_, exempt := c.exempt[rule]
	return !exempt
}

func (c *Controller) trip(rule RuleType, reason string, at time.Time) {
	c.state.Active = true
	c.state.Rule = rule
	c.state.Reason = reason
	c.state.Since = at
	c.state.Trips++
	c.defensive.Store(true)
}

// IsDefensiveMode reports the breaker state without taking the lock.
func (c *Controller) IsDefensiveMode() bool {
	return c.defensive.Load()
}

// ClearDefensiveMode is the operator reset. Violations recorded before the
// reset no longer count toward a new streak. It reports whether the mode was
// active.
func (c *Controller) ClearDefensiveMode(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	was := c.defensive.Load()
	c.defensive.Store(false)
	c.clearSeq = c.violations.seq
	c.state.Active = false
	c.state.Rule = ""
	c.state.Reason = ""
	c.state.Since = time.Time{}
	c.state.LastClear = c.now()

	if was {
		logging.Info(ctx, logging.ComponentAccess, logging.ActionDefensive, "Defensive mode cleared by operator")
	}
	return was
}

// EnterDefensiveMode forces the breaker on. Used when restoring persisted
// state; it reports whether the mode changed.
func (c *Controller) EnterDefensiveMode(ctx context.Context, rule RuleType, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.defensive.Load() {
		return false
	}
	c.trip(rule, reason, c.now())
	logging.Warn(ctx, logging.ComponentAccess, logging.ActionDefensive, "Defensive mode entered", map[string]interface{}{
		"rule":   string(rule),
		"reason": reason,
	})
	return true
}

// DefensiveStatus returns a copy of the breaker state.
func (c *Controller) DefensiveStatus() DefensiveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Violations returns the violation log, oldest first.
func (c *Controller) Violations() []Violation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violations.snapshot()
}

// ViolationCounts returns lifetime denial counts per rule type.
func (c *Controller) ViolationCounts() map[RuleType]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[RuleType]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// RateWindowUsage reports the retrieve attempts in the current bucket.
func (c *Controller) RateWindowUsage() WindowUsage {
	c.mu.Lock()
	defer c.mu.Unlock()

	used, reset := c.window.usage(c.now())
	return WindowUsage{Used: used, Limit: c.bounds.MaxAccessRate, ResetAt: reset}
}
