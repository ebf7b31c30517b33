// Package storage implements the bounded store: a small FIFO ring for
// low-importance entries and a capacity-limited, importance-indexed set for
// the rest, with every store and retrieve gated by an access controller.
package storage

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"memgov/internal/access"
	"memgov/internal/bounds"
	"memgov/internal/filter"
	"memgov/internal/logging"
	"memgov/internal/persistence"
)

// Journal receives every successful mutation. The persistence engine
// implements it.
type Journal interface {
	Append(rec persistence.Record) error
	Checkpoint(ctx context.Context, snap *persistence.Snapshot) error
}

// Option configures a BoundedStore.
type Option func(*BoundedStore)

// WithClock replaces time.Now for CreatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *BoundedStore) { s.now = now }
}

// WithJournal records mutations to j.
func WithJournal(j Journal) Option {
	return func(s *BoundedStore) { s.journal = j }
}

// WithPayloadFilter lets exact-payload queries skip the scan when the payload
// was never stored.
func WithPayloadFilter(f *filter.CuckooFilter) Option {
	return func(s *BoundedStore) { s.filter = f }
}

// BoundedStore is safe for concurrent use. One mutex serializes every
// mutation together with the access check that gates it; lock order is
// store, then controller.
type BoundedStore struct {
	mu      sync.Mutex
	bounds  bounds.Table
	access  *access.Controller
	now     func() time.Time
	nextID  EntryID
	recent  *recentRing
	indexed *indexedSet

	journal        Journal
	filter         *filter.CuckooFilter
	filterDegraded bool
	onHighWater    func()

	stored         atomic.Uint64
	retrieved      atomic.Uint64
	removed        atomic.Uint64
	evictedRecent  atomic.Uint64
	evictedIndexed atomic.Uint64
	denied         atomic.Uint64
	consolidations atomic.Uint64
	filterSkips    atomic.Uint64
	recentLen      atomic.Int64
	indexedLen     atomic.Int64
}

// New builds a store. A nil controller gets the default rules for b.
func New(b bounds.Table, ctrl *access.Controller, opts ...Option) (*BoundedStore, error) {
	if err := b.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid bounds")
	}
	if ctrl == nil {
		ctrl = access.NewController(b)
	}
	s := &BoundedStore{
		bounds:  b,
		access:  ctrl,
		now:     time.Now,
		recent:  newRecentRing(b.MaxRecent),
		indexed: newIndexedSet(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Bounds returns the limits the store was built with.
func (s *BoundedStore) Bounds() bounds.Table { return s.bounds }

// Controller returns the access controller gating this store.
func (s *BoundedStore) Controller() *access.Controller { return s.access }

// Store clamps importance, authorizes the write and places a copy of payload.
// Capacity pressure evicts silently; the only errors are access denials.
func (s *BoundedStore) Store(ctx context.Context, payload []byte, importance float64) (EntryID, error) {
	importance = s.bounds.ClampImportance(importance)

	s.mu.Lock()
	defer s.mu.Unlock()

	wasDefensive := s.access.IsDefensiveMode()
	req := access.Request{PayloadSize: len(payload), Importance: importance}
	if err := s.access.AuthorizeStore(ctx, req); err != nil {
		s.recordDenial(ctx, wasDefensive, err)
		return 0, err
	}

	s.nextID++
	e := &Entry{
		ID:         s.nextID,
		Payload:    bytes.Clone(payload),
		Importance: importance,
		CreatedAt:  s.now(),
	}
	s.place(ctx, e)
	s.appendJournal(ctx, persistence.StoreRecord(uint64(e.ID), e.Importance, e.CreatedAt, e.Payload))
	s.stored.Add(1)
	s.syncLens()

	if s.onHighWater != nil && s.indexed.len() >= s.bounds.HighWaterMark() {
		s.onHighWater()
	}
	return e.ID, nil
}

// recordDenial counts a denied call and journals a defensive trip caused by
// it. Caller holds s.mu.
func (s *BoundedStore) recordDenial(ctx context.Context, wasDefensive bool, err error) {
	s.denied.Add(1)
	if wasDefensive || !s.access.IsDefensiveMode() {
		return
	}
	rule := ""
	if denied, ok := access.AsDenied(err); ok {
		rule = string(denied.Rule)
	}
	s.appendJournal(ctx, persistence.DefensiveRecord(true, rule))
}

// place puts e into the ring or the indexed set, evicting first when full.
func (s *BoundedStore) place(ctx context.Context, e *Entry) {
	if e.Importance <= s.bounds.PromotionThreshold {
		if old := s.recent.push(e); old != nil {
			s.evictedRecent.Add(1)
			s.filterDelete(old)
			logging.Debug(ctx, logging.ComponentStore, logging.ActionEvict, "Recent entry evicted", map[string]interface{}{
				"id":         uint64(old.ID),
				"collection": "recent",
			})
		}
		s.filterAdd(ctx, e)
		return
	}

	if s.indexed.len() >= s.bounds.MaxIndexed {
		if old := s.indexed.popMin(); old != nil {
			s.evictedIndexed.Add(1)
			s.filterDelete(old)
			logging.Debug(ctx, logging.ComponentStore, logging.ActionEvict, "Indexed entry evicted", map[string]interface{}{
				"id":         uint64(old.ID),
				"importance": old.Importance,
				"collection": "indexed",
			})
		}
	}
	if err := s.indexed.insert(e); err != nil {
		logging.Fatal(ctx, logging.ComponentStore, logging.ActionInvariant, "Duplicate id in indexed set", err, map[string]interface{}{
			"id": uint64(e.ID),
		})
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "id %d", e.ID))
	}
	s.filterAdd(ctx, e)
}

// Retrieve authorizes the read, then collects matches from the ring newest
// first and from the indexed set by descending importance, up to the recall
// limit. Every returned entry has its access count incremented.
func (s *BoundedStore) Retrieve(ctx context.Context, q Query) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasDefensive := s.access.IsDefensiveMode()
	if err := s.access.AuthorizeRetrieve(ctx, access.Request{MaxResults: q.MaxResults}); err != nil {
		s.recordDenial(ctx, wasDefensive, err)
		return nil, err
	}

	limit := s.bounds.RecallLimit(q.MaxResults)
	if len(q.Payload) > 0 && s.filterUsable() && !s.filter.Contains(q.Payload) {
		s.filterSkips.Add(1)
		return []Entry{}, nil
	}

	hits := make([]*Entry, 0, min(limit, s.recent.len()+s.indexed.len()))
	collect := func(e *Entry) bool {
		if q.matches(e) {
			hits = append(hits, e)
		}
		return len(hits) < limit
	}
	s.recent.newestFirst(collect)
	if len(hits) < limit {
		s.indexed.descending(collect)
	}

	out := make([]Entry, len(hits))
	ids := make([]uint64, len(hits))
	for i, e := range hits {
		e.AccessCount++
		out[i] = e.clone()
		ids[i] = uint64(e.ID)
	}
	if len(ids) > 0 {
		s.appendJournal(ctx, persistence.TouchRecord(ids))
	}
	s.retrieved.Add(uint64(len(out)))
	return out, nil
}

// Remove deletes id from whichever collection holds it. Unknown ids are a
// no-op; the result reports whether anything was removed.
func (s *BoundedStore) Remove(ctx context.Context, id EntryID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.removeLocked(id)
	if e == nil {
		return false
	}
	s.removed.Add(1)
	s.appendJournal(ctx, persistence.RemoveRecord(uint64(id)))
	logging.Debug(ctx, logging.ComponentStore, logging.ActionRemove, "Entry removed", map[string]interface{}{
		"id": uint64(id),
	})
	return true
}

func (s *BoundedStore) removeLocked(id EntryID) *Entry {
	e := s.recent.remove(id)
	if e == nil {
		e = s.indexed.remove(id)
	}
	if e != nil {
		s.filterDelete(e)
		s.syncLens()
	}
	return e
}

// Get returns a copy of id without counting an access or consulting the
// access controller.
func (s *BoundedStore) Get(id EntryID) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, e := s.recent.find(id); e != nil {
		return e.clone(), true
	}
	if e, ok := s.indexed.get(id); ok {
		return e.clone(), true
	}
	return Entry{}, false
}

// Len returns the sizes of the recent ring and the indexed set.
func (s *BoundedStore) Len() (recent, indexed int) {
	return int(s.recentLen.Load()), int(s.indexedLen.Load())
}

// Stats returns counters without taking the store lock.
func (s *BoundedStore) Stats() Stats {
	recent, indexed := s.Len()
	return Stats{
		Stored:         s.stored.Load(),
		Retrieved:      s.retrieved.Load(),
		Removed:        s.removed.Load(),
		EvictedRecent:  s.evictedRecent.Load(),
		EvictedIndexed: s.evictedIndexed.Load(),
		Denied:         s.denied.Load(),
		Consolidations: s.consolidations.Load(),
		FilterSkips:    s.filterSkips.Load(),
		RecentLen:      recent,
		IndexedLen:     indexed,
		Defensive:      s.access.IsDefensiveMode(),
	}
}

// IsDefensiveMode reports whether stores are currently refused.
func (s *BoundedStore) IsDefensiveMode() bool {
	return s.access.IsDefensiveMode()
}

// ClearDefensiveMode is the operator reset for the access controller.
func (s *BoundedStore) ClearDefensiveMode(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.access.ClearDefensiveMode(ctx) {
		return false
	}
	s.appendJournal(ctx, persistence.DefensiveRecord(false, ""))
	return true
}

func (s *BoundedStore) syncLens() {
	s.recentLen.Store(int64(s.recent.len()))
	s.indexedLen.Store(int64(s.indexed.len()))
}

func (s *BoundedStore) appendJournal(ctx context.Context, rec persistence.Record) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(rec); err != nil {
		logging.Warn(ctx, logging.ComponentPersistence, logging.ActionPersist, "Failed to journal mutation", map[string]interface{}{
			"op":    string(rec.Op),
			"error": err.Error(),
		})
	}
}

func (s *BoundedStore) filterUsable() bool {
	return s.filter != nil && !s.filterDegraded
}

func (s *BoundedStore) filterAdd(ctx context.Context, e *Entry) {
	if !s.filterUsable() || len(e.Payload) == 0 {
		return
	}
	if err := s.filter.Add(e.Payload); err != nil {
		s.filterDegraded = true
		logging.Warn(ctx, logging.ComponentFilter, logging.ActionStore, "Payload filter full, bypassing until rebuilt", map[string]interface{}{
			"id":    uint64(e.ID),
			"error": err.Error(),
		})
	}
}

func (s *BoundedStore) filterDelete(e *Entry) {
	if s.filterUsable() && len(e.Payload) > 0 {
		s.filter.Delete(e.Payload)
	}
}

// rebuildFilter refills the payload filter from both collections.
func (s *BoundedStore) rebuildFilter(ctx context.Context) {
	if s.filter == nil {
		return
	}
	s.filter.Reset()
	s.filterDegraded = false
	add := func(e *Entry) bool {
		s.filterAdd(ctx, e)
		return !s.filterDegraded
	}
	s.recent.oldestFirst(add)
	if !s.filterDegraded {
		s.indexed.descending(add)
	}
}
