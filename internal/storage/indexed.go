package storage

import (
	"slices"

	"github.com/cockroachdb/errors"

	"memgov/internal/index"
)

// indexedSet pairs the long-term entry map with its importance index. Every
// mutation goes through these methods so the two never disagree.
type indexedSet struct {
	entries map[EntryID]*Entry
	order   *index.Index
}

func newIndexedSet() *indexedSet {
	return &indexedSet{
		entries: make(map[EntryID]*Entry),
		order:   index.New(),
	}
}

func (s *indexedSet) len() int { return len(s.entries) }

func (s *indexedSet) get(id EntryID) (*Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// insert fails with index.ErrDuplicateID if the id is present.
func (s *indexedSet) insert(e *Entry) error {
	if err := s.order.Insert(uint64(e.ID), e.Importance); err != nil {
		return err
	}
	s.entries[e.ID] = e
	return nil
}

func (s *indexedSet) remove(id EntryID) *Entry {
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	delete(s.entries, id)
	s.order.Remove(uint64(id))
	return e
}

// popMin removes the lowest-importance entry, oldest first on ties.
func (s *indexedSet) popMin() *Entry {
	item, ok := s.order.PeekMin()
	if !ok {
		return nil
	}
	e := s.remove(EntryID(item.ID))
	if e == nil {
		panic(errors.AssertionFailedf("index holds id %d with no entry", item.ID))
	}
	return e
}

// rescore changes the importance of e in place.
func (s *indexedSet) rescore(e *Entry, importance float64) {
	if e.Importance == importance {
		return
	}
	e.Importance = importance
	if err := s.order.Update(uint64(e.ID), importance); err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "rescore of id %d", e.ID))
	}
}

// descending visits entries by importance, highest first, newer first on ties.
func (s *indexedSet) descending(fn func(*Entry) bool) {
	s.order.Descend(func(it index.Item) bool {
		return fn(s.entries[EntryID(it.ID)])
	})
}

// ids returns every id in ascending id order.
func (s *indexedSet) ids() []EntryID {
	out := make([]EntryID, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *indexedSet) reset() {
	s.entries = make(map[EntryID]*Entry)
	s.order.Clear()
}
