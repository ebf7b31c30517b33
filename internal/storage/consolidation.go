package storage

import (
	"bytes"
	"context"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"

	"memgov/internal/logging"
	"memgov/internal/persistence"
)

// SimilarityFunc reports whether b is redundant with a. Entries passed in
// share payload memory with the store and must not be modified or retained.
type SimilarityFunc func(a, b Entry) bool

// ScoringFunc computes a new importance for e. The result is clamped.
type ScoringFunc func(e Entry) float64

// ConsolidationReport summarizes one pass.
type ConsolidationReport struct {
	Groups   int           `json:"groups"`
	Merged   int           `json:"merged"`
	Rescored int           `json:"rescored"`
	Evicted  int           `json:"evicted"`
	Before   int           `json:"before"`
	After    int           `json:"after"`
	Duration time.Duration `json:"duration"`

	// CheckpointErr is set when the pass could not be checkpointed. Merged
	// and evicted ids are journaled as removals either way; rescores are
	// only durable once a checkpoint succeeds.
	CheckpointErr error `json:"-"`
}

// IdenticalPayload treats entries with equal payload bytes as redundant.
func IdenticalPayload(a, b Entry) bool {
	return bytes.Equal(a.Payload, b.Payload)
}

// KeepImportance leaves scores unchanged.
func KeepImportance(e Entry) float64 { return e.Importance }

// DecayByAge halves importance every halfLife since creation.
func DecayByAge(halfLife time.Duration, now func() time.Time) ScoringFunc {
	return func(e Entry) float64 {
		if halfLife <= 0 {
			return e.Importance
		}
		age := now().Sub(e.CreatedAt)
		if age <= 0 {
			return e.Importance
		}
		return e.Importance * math.Exp2(-float64(age)/float64(halfLife))
	}
}

// BoostByAccess adds step for every doubling of the access count.
func BoostByAccess(step float64) ScoringFunc {
	return func(e Entry) float64 {
		return e.Importance + step*math.Log2(1+float64(e.AccessCount))
	}
}

// Chain applies fns in order, each seeing the previous result.
func Chain(fns ...ScoringFunc) ScoringFunc {
	return func(e Entry) float64 {
		for _, fn := range fns {
			e.Importance = fn(e)
		}
		return e.Importance
	}
}

// RunConsolidation merges redundant indexed entries, rescores the survivors
// and evicts down to capacity, all under the store lock. A nil similarity
// merges identical payloads; a nil scoring keeps importance. Recent entries
// are left alone.
func (s *BoundedStore) RunConsolidation(ctx context.Context, similar SimilarityFunc, score ScoringFunc) ConsolidationReport {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	report := ConsolidationReport{Before: s.indexed.len()}

	groups := make(map[EntryID]struct{})
	merge := func(into, from *Entry) {
		s.indexed.remove(from.ID)
		s.appendJournal(ctx, persistence.RemoveRecord(uint64(from.ID)))
		into.AccessCount += from.AccessCount
		if from.Importance > into.Importance {
			s.indexed.rescore(into, from.Importance)
		}
		groups[into.ID] = struct{}{}
		report.Merged++
	}

	ids := s.indexed.ids()
	if similar == nil {
		seeds := make(map[uint64][]*Entry)
		for _, id := range ids {
			e, _ := s.indexed.get(id)
			h := xxhash.Sum64(e.Payload)
			var seed *Entry
			for _, cand := range seeds[h] {
				if bytes.Equal(cand.Payload, e.Payload) {
					seed = cand
					break
				}
			}
			if seed != nil {
				merge(seed, e)
				continue
			}
			seeds[h] = append(seeds[h], e)
		}
	} else {
		var seeds []*Entry
		for _, id := range ids {
			e, _ := s.indexed.get(id)
			absorbed := false
			for _, seed := range seeds {
				if similar(*seed, *e) {
					merge(seed, e)
					absorbed = true
					break
				}
			}
			if !absorbed {
				seeds = append(seeds, e)
			}
		}
	}
	report.Groups = len(groups)

	if score != nil {
		for _, id := range s.indexed.ids() {
			e, _ := s.indexed.get(id)
			v := s.bounds.ClampImportance(score(*e))
			if v != e.Importance {
				s.indexed.rescore(e, v)
				report.Rescored++
			}
		}
	}

	for s.indexed.len() > s.bounds.MaxIndexed {
		if old := s.indexed.popMin(); old != nil {
			s.appendJournal(ctx, persistence.RemoveRecord(uint64(old.ID)))
		}
		s.evictedIndexed.Add(1)
		report.Evicted++
	}

	if report.Merged > 0 || report.Evicted > 0 {
		s.rebuildFilter(ctx)
	}
	s.syncLens()
	s.consolidations.Add(1)
	report.After = s.indexed.len()
	report.Duration = time.Since(start)

	if err := s.checkpointLocked(ctx); err != nil {
		report.CheckpointErr = err
		logging.Warn(ctx, logging.ComponentPersistence, logging.ActionSnapshot, "Checkpoint after consolidation failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logging.Info(ctx, logging.ComponentConsolidation, logging.ActionConsolidate, "Consolidation pass complete", map[string]interface{}{
		"groups":      report.Groups,
		"merged":      report.Merged,
		"rescored":    report.Rescored,
		"evicted":     report.Evicted,
		"before":      report.Before,
		"after":       report.After,
		"duration_ms": report.Duration.Milliseconds(),
	})
	return report
}
