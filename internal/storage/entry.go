package storage

import (
	"bytes"
	"time"
)

// EntryID identifies an entry for the lifetime of a store. Ids are never reused.
type EntryID uint64

// Entry is a stored unit. Values returned by the store are copies.
type Entry struct {
	ID          EntryID   `json:"id"`
	Payload     []byte    `json:"payload"`
	Importance  float64   `json:"importance"`
	CreatedAt   time.Time `json:"created_at"`
	AccessCount uint64    `json:"access_count"`
}

func (e *Entry) clone() Entry {
	c := *e
	c.Payload = bytes.Clone(e.Payload)
	return c
}

// Query selects entries for Retrieve. The zero Query returns the most recent
// and most important entries up to the recall depth.
type Query struct {
	// MaxResults caps the result count; <= 0 means the recall depth.
	MaxResults int
	// Payload, when set, matches only entries with exactly these bytes.
	Payload []byte
	// MinImportance drops entries scored below it.
	MinImportance float64
	// Match is an optional caller predicate applied last. It receives a copy;
	// changes it makes to the entry are not stored.
	Match func(Entry) bool
}

func (q *Query) matches(e *Entry) bool {
	if e.Importance < q.MinImportance {
		return false
	}
	if q.Payload != nil && !bytes.Equal(e.Payload, q.Payload) {
		return false
	}
	return q.Match == nil || q.Match(e.clone())
}

// Stats are readable without the store lock.
type Stats struct {
	Stored         uint64 `json:"stored"`
	Retrieved      uint64 `json:"retrieved"`
	Removed        uint64 `json:"removed"`
	EvictedRecent  uint64 `json:"evicted_recent"`
	EvictedIndexed uint64 `json:"evicted_indexed"`
	Denied         uint64 `json:"denied"`
	Consolidations uint64 `json:"consolidations"`
	FilterSkips    uint64 `json:"filter_skips"`
	RecentLen      int    `json:"recent_len"`
	IndexedLen     int    `json:"indexed_len"`
	Defensive      bool   `json:"defensive"`
}
