package storage

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"

	"memgov/internal/access"
	"memgov/internal/logging"
	"memgov/internal/persistence"
)

// Snapshot captures the full store state.
func (s *BoundedStore) Snapshot() *persistence.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *BoundedStore) snapshotLocked() *persistence.Snapshot {
	snap := &persistence.Snapshot{
		Header: persistence.SnapshotHeader{
			CreatedAt: s.now(),
			NextID:    uint64(s.nextID),
		},
		Entries: make([]persistence.SnapshotEntry, 0, s.recent.len()+s.indexed.len()),
	}
	if state := s.access.DefensiveStatus(); state.Active {
		snap.Header.Defensive = true
		snap.Header.DefensiveRule = string(state.Rule)
	}

	s.recent.oldestFirst(func(e *Entry) bool {
		snap.Entries = append(snap.Entries, snapshotEntry(e, true))
		return true
	})
	for _, id := range s.indexed.ids() {
		e, _ := s.indexed.get(id)
		snap.Entries = append(snap.Entries, snapshotEntry(e, false))
	}
	return snap
}

func snapshotEntry(e *Entry, recent bool) persistence.SnapshotEntry {
	return persistence.SnapshotEntry{
		ID:          uint64(e.ID),
		Payload:     bytes.Clone(e.Payload),
		Importance:  e.Importance,
		CreatedAt:   e.CreatedAt,
		AccessCount: e.AccessCount,
		Recent:      recent,
	}
}

// Checkpoint hands a snapshot to the journal, which then drops the records it
// covers. It is a no-op without a journal.
func (s *BoundedStore) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked(ctx)
}

func (s *BoundedStore) checkpointLocked(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Checkpoint(ctx, s.snapshotLocked())
}

// Restore replaces the store contents with snap followed by records. It
// bypasses the access controller and does not journal. The id counter ends
// past every restored id. Restore takes ownership of the payload slices.
func (s *BoundedStore) Restore(ctx context.Context, snap *persistence.Snapshot, records []persistence.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent.reset()
	s.indexed.reset()
	s.nextID = 0

	if snap != nil {
		s.advanceID(EntryID(snap.Header.NextID))
		for i := range snap.Entries {
			se := &snap.Entries[i]
			e := &Entry{
				ID:          EntryID(se.ID),
				Payload:     se.Payload,
				Importance:  s.bounds.ClampImportance(se.Importance),
				CreatedAt:   se.CreatedAt,
				AccessCount: se.AccessCount,
			}
			if s.contains(e.ID) {
				return errors.Newf("snapshot holds id %d twice", e.ID)
			}
			s.advanceID(e.ID)
			if se.Recent {
				s.recent.push(e)
			} else {
				s.restoreIndexed(e)
			}
		}
		if snap.Header.Defensive {
			s.access.EnterDefensiveMode(ctx, access.RuleType(snap.Header.DefensiveRule), "restored from snapshot")
		}
	}

	for _, rec := range records {
		if err := s.apply(ctx, rec); err != nil {
			return errors.Wrapf(err, "journal record %d", rec.Seq)
		}
	}

	s.rebuildFilter(ctx)
	s.syncLens()

	recent, indexed := s.recent.len(), s.indexed.len()
	logging.Info(ctx, logging.ComponentStore, logging.ActionRestore, "Store restored", map[string]interface{}{
		"recent":    recent,
		"indexed":   indexed,
		"records":   len(records),
		"next_id":   uint64(s.nextID),
		"defensive": s.access.IsDefensiveMode(),
	})
	return nil
}

func (s *BoundedStore) apply(ctx context.Context, rec persistence.Record) error {
	switch rec.Op {
	case persistence.OpStore:
		id := EntryID(rec.ID)
		if s.contains(id) {
			logging.Warn(ctx, logging.ComponentStore, logging.ActionRestore, "Skipping replayed store of live id", map[string]interface{}{
				"id": rec.ID,
			})
			return nil
		}
		s.advanceID(id)
		e := &Entry{
			ID:         id,
			Payload:    rec.Payload,
			Importance: s.bounds.ClampImportance(rec.Importance),
			CreatedAt:  rec.CreatedAt,
		}
		if e.Importance <= s.bounds.PromotionThreshold {
			s.recent.push(e)
		} else {
			s.restoreIndexed(e)
		}
	case persistence.OpRemove:
		s.removeLocked(EntryID(rec.ID))
	case persistence.OpTouch:
		for _, id := range rec.IDs {
			if _, e := s.recent.find(EntryID(id)); e != nil {
				e.AccessCount++
			} else if e, ok := s.indexed.get(EntryID(id)); ok {
				e.AccessCount++
			}
		}
	case persistence.OpDefensive:
		if rec.Active {
			s.access.EnterDefensiveMode(ctx, access.RuleType(rec.Rule), "restored from journal")
		} else {
			s.access.ClearDefensiveMode(ctx)
		}
	default:
		return errors.Newf("unsupported operation %q", rec.Op)
	}
	return nil
}

func (s *BoundedStore) restoreIndexed(e *Entry) {
	if s.indexed.len() >= s.bounds.MaxIndexed {
		s.indexed.popMin()
	}
	if err := s.indexed.insert(e); err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "restore of id %d", e.ID))
	}
}

func (s *BoundedStore) contains(id EntryID) bool {
	if _, e := s.recent.find(id); e != nil {
		return true
	}
	_, ok := s.indexed.get(id)
	return ok
}

func (s *BoundedStore) advanceID(id EntryID) {
	if id > s.nextID {
		s.nextID = id
	}
}
