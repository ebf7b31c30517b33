// Package bounds holds the numeric ceilings shared by the store, the access
// controller and the consolidator. A Table is built once and passed by value.
package bounds

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

// Table is the static configuration of every numeric limit in the system.
type Table struct {
	MaxRecent          int           // Ring buffer capacity for low-importance entries
	MaxIndexed         int           // Capacity of the importance-indexed collection
	MaxImportance      float64       // Importance ceiling; values above are clamped
	PromotionThreshold float64       // Entries above this go to the indexed collection
	MaxRecallDepth     int           // Upper bound on entries returned by one retrieve
	MaxAccessRate      int           // Retrieve attempts allowed per rate window
	RateWindow         time.Duration // Width of one rate bucket
	HighWaterRatio     float64       // Fraction of MaxIndexed that triggers consolidation

	ViolationLogSize int           // Capacity of the violation ring log
	DefensiveStreak  int           // Same-type violations that trip defensive mode
	DefensiveWindow  time.Duration // Sliding window the streak is counted in
}

// Default returns the documented defaults.
func Default() Table {
	return Table{
		MaxRecent:          7,
		MaxIndexed:         10000,
		MaxImportance:      0.9,
		PromotionThreshold: 0.3,
		MaxRecallDepth:     100,
		MaxAccessRate:      1000,
		RateWindow:         time.Minute,
		HighWaterRatio:     0.9,
		ViolationLogSize:   256,
		DefensiveStreak:    5,
		DefensiveWindow:    time.Minute,
	}
}

// Validate reports the first inconsistent limit.
func (t Table) Validate() error {
	switch {
	case t.MaxRecent < 1:
		return errors.Newf("max_recent must be >= 1, got %d", t.MaxRecent)
	case t.MaxIndexed < 1:
		return errors.Newf("max_indexed must be >= 1, got %d", t.MaxIndexed)
	case math.IsNaN(t.MaxImportance) || t.MaxImportance <= 0:
		return errors.Newf("max_importance must be > 0, got %v", t.MaxImportance)
	case math.IsNaN(t.PromotionThreshold) || t.PromotionThreshold < 0 || t.PromotionThreshold > t.MaxImportance:
		return errors.Newf("promotion_threshold must be within [0, %v], got %v", t.MaxImportance, t.PromotionThreshold)
	case t.MaxRecallDepth < 1:
		return errors.Newf("max_recall_depth must be >= 1, got %d", t.MaxRecallDepth)
	case t.MaxAccessRate < 1:
		return errors.Newf("max_access_rate must be >= 1, got %d", t.MaxAccessRate)
	case t.RateWindow <= 0:
		return errors.Newf("rate_window must be positive, got %v", t.RateWindow)
	case t.HighWaterRatio <= 0 || t.HighWaterRatio > 1:
		return errors.Newf("high_water_ratio must be within (0, 1], got %v", t.HighWaterRatio)
	case t.ViolationLogSize < 1:
		return errors.Newf("violation_log_size must be >= 1, got %d", t.ViolationLogSize)
	case t.DefensiveStreak < 1:
		return errors.Newf("defensive_streak must be >= 1, got %d", t.DefensiveStreak)
	case t.DefensiveStreak > t.ViolationLogSize:
		return errors.Newf("defensive_streak %d cannot exceed violation_log_size %d", t.DefensiveStreak, t.ViolationLogSize)
	case t.DefensiveWindow <= 0:
		return errors.Newf("defensive_window must be positive, got %v", t.DefensiveWindow)
	}
	return nil
}

// ClampImportance forces v into [0, MaxImportance]. NaN becomes 0.
func (t Table) ClampImportance(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > t.MaxImportance {
		return t.MaxImportance
	}
	return v
}

// HighWaterMark is the indexed size at which consolidation is requested.
func (t Table) HighWaterMark() int {
	mark := int(math.Ceil(float64(t.MaxIndexed) * t.HighWaterRatio))
	if mark < 1 {
		return 1
	}
	return mark
}

// RecallLimit resolves a caller's requested result count against MaxRecallDepth.
// Non-positive requests mean "as many as allowed".
func (t Table) RecallLimit(requested int) int {
	if requested <= 0 || requested > t.MaxRecallDepth {
		return t.MaxRecallDepth
	}
	return requested
}
