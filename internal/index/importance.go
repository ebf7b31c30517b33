// Package index provides the importance-ordered index used to pick eviction
// candidates from the long-term collection.
package index

import (
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

// ErrDuplicateID is returned by Insert when the id is already indexed.
var ErrDuplicateID = errors.New("duplicate id")

// btreeDegree keeps nodes around a cache line or two of Items.
const btreeDegree = 32

// Item is one (importance, id) pair.
type Item struct {
	ID         uint64
	Importance float64
}

// less orders by importance, then by id so that among equal scores the oldest
// entry is evicted first.
func less(a, b Item) bool {
	if a.Importance != b.Importance {
		return a.Importance < b.Importance
	}
	return a.ID < b.ID
}

// Index is an ordered set of Items with O(log n) insert, remove and min lookup.
// It is not safe for concurrent use; the owning store serializes access.
type Index struct {
	tree *btree.BTreeG[Item]
	byID map[uint64]float64
}

// New creates an empty index.
func New() *Index {
	return &Index{
		tree: btree.NewG[Item](btreeDegree, less),
		byID: make(map[uint64]float64),
	}
}

// Insert adds id with the given importance.
func (x *Index) Insert(id uint64, importance float64) error {
	if _, exists := x.byID[id]; exists {
		return errors.WithDetailf(ErrDuplicateID, "id %d", id)
	}
	x.byID[id] = importance
	x.tree.ReplaceOrInsert(Item{ID: id, Importance: importance})
	return nil
}

// Remove deletes id. Absent ids are a no-op; the return value reports whether
// anything was removed.
func (x *Index) Remove(id uint64) bool {
	importance, exists := x.byID[id]
	if !exists {
		return false
	}
	delete(x.byID, id)
	x.tree.Delete(Item{ID: id, Importance: importance})
	return true
}

// PeekMin returns the lowest-importance item, oldest first on ties.
func (x *Index) PeekMin() (Item, bool) {
	return x.tree.Min()
}

// Update re-keys id under a new importance.
func (x *Index) Update(id uint64, importance float64) error {
	x.Remove(id)
	return x.Insert(id, importance)
}

// Importance returns the indexed importance of id.
func (x *Index) Importance(id uint64) (float64, bool) {
	v, ok := x.byID[id]
	return v, ok
}

// Contains reports whether id is indexed.
func (x *Index) Contains(id uint64) bool {
	_, ok := x.byID[id]
	return ok
}

// Len returns the number of indexed ids.
func (x *Index) Len() int {
	return len(x.byID)
}

// Ascend visits items from lowest to highest importance until fn returns false.
func (x *Index) Ascend(fn func(Item) bool) {
	x.tree.Ascend(btree.ItemIteratorG[Item](fn))
}

// Descend visits items from highest to lowest importance until fn returns false.
// Among equal importance, newer ids come first.
func (x *Index) Descend(fn func(Item) bool) {
	x.tree.Descend(btree.ItemIteratorG[Item](fn))
}

// Clear drops every item.
func (x *Index) Clear() {
	x.tree.Clear(false)
	x.byID = make(map[uint64]float64)
}
