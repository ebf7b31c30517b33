// Package filter provides a cuckoo filter used to answer "definitely not
// stored" for payload lookups without scanning the store.
package filter

import (
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

const (
	bucketSize       = 4
	maxKicks         = 500
	targetLoadFactor = 0.85
)

var (
	// ErrFilterFull is returned when an insert could not find a slot. The
	// filter may have lost a fingerprint and must be rebuilt before it is
	// trusted again.
	ErrFilterFull = errors.New("filter is full")
	// ErrEmptyKey is returned for zero-length keys.
	ErrEmptyKey = errors.New("key cannot be empty")
)

// Config sizes a filter.
type Config struct {
	ExpectedItems     uint64  `yaml:"expected_items"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

// Stats is a point-in-time view of filter usage.
type Stats struct {
	Size              uint64  `json:"size"`
	Capacity          uint64  `json:"capacity"`
	LoadFactor        float64 `json:"load_factor"`
	FingerprintBits   uint8   `json:"fingerprint_bits"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	Lookups           uint64  `json:"lookups"`
	NegativeLookups   uint64  `json:"negative_lookups"`
	FailedAdds        uint64  `json:"failed_adds"`
	Resets            uint64  `json:"resets"`
}

type bucket [bucketSize]uint16

// CuckooFilter supports Add, Contains and Delete with no false negatives as
// long as every Add succeeded. Fingerprints are at most 16 bits and never zero.
type CuckooFilter struct {
	mu      sync.RWMutex
	buckets []bucket
	mask    uint64 // len(buckets)-1, a power of two
	fpBits  uint8
	fpMask  uint16

	size     uint64
	capacity uint64

	lookups   atomic.Uint64
	negatives atomic.Uint64
	failed    atomic.Uint64
	resets    atomic.Uint64
}

// New builds a filter for cfg.
func New(cfg Config) (*CuckooFilter, error) {
	if cfg.ExpectedItems == 0 {
		return nil, errors.New("expected_items must be > 0")
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		return nil, errors.Newf("false_positive_rate must be within (0, 1), got %v", cfg.FalsePositiveRate)
	}

	bits := uint8(math.Ceil(math.Log2(2 * bucketSize / cfg.FalsePositiveRate)))
	if bits < 4 {
		bits = 4
	}
	if bits > 16 {
		bits = 16
	}

	n := nextPowerOfTwo(uint64(math.Ceil(float64(cfg.ExpectedItems) / (bucketSize * targetLoadFactor))))
	return &CuckooFilter{
		buckets:  make([]bucket, n),
		mask:     n - 1,
		fpBits:   bits,
		fpMask:   uint16(1<<bits - 1),
		capacity: uint64(float64(n*bucketSize) * targetLoadFactor),
	}, nil
}

func (f *CuckooFilter) locate(key []byte) (fp uint16, i1, i2 uint64) {
	h := xxhash.Sum64(key)
	fp = uint16((h>>32)^h) & f.fpMask
	if fp == 0 {
		fp = 1
	}
	i1 = h & f.mask
	return fp, i1, f.alt(i1, fp)
}

// alt is an involution: alt(alt(i, fp), fp) == i.
func (f *CuckooFilter) alt(i uint64, fp uint16) uint64 {
	h := uint64(fp) * 0x5bd1e995
	h ^= h >> 15
	return (i ^ h) & f.mask
}

func (b *bucket) insert(fp uint16) bool {
	for i := range b {
		if b[i] == 0 {
			b[i] = fp
			return true
		}
	}
	return false
}

func (b *bucket) has(fp uint16) bool {
	for _, v := range b {
		if v == fp {
			return true
		}
	}
	return false
}

func (b *bucket) remove(fp uint16) bool {
	for i, v := range b {
		if v == fp {
			b[i] = 0
			return true
		}
	}
	return false
}

// Add records key. The same key may be added more than once; each Add needs a
// matching Delete.
func (f *CuckooFilter) Add(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	fp, i1, i2 := f.locate(key)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.size >= f.capacity {
		f.failed.Add(1)
		return ErrFilterFull
	}
	if f.buckets[i1].insert(fp) || f.buckets[i2].insert(fp) {
		f.size++
		return nil
	}

	i := i1
	if rand.IntN(2) == 1 {
		i = i2
	}
	for n := 0; n < maxKicks; n++ {
		slot := rand.IntN(bucketSize)
		fp, f.buckets[i][slot] = f.buckets[i][slot], fp
		i = f.alt(i, fp)
		if f.buckets[i].insert(fp) {
			f.size++
			return nil
		}
	}
	f.failed.Add(1)
	return errors.Wrapf(ErrFilterFull, "after %d relocations", maxKicks)
}

// Contains reports whether key may have been added. A false result is exact.
func (f *CuckooFilter) Contains(key []byte) bool {
	if len(key) == 0 {
		return false
	}
	f.lookups.Add(1)
	fp, i1, i2 := f.locate(key)

	f.mu.RLock()
	ok := f.buckets[i1].has(fp) || f.buckets[i2].has(fp)
	f.mu.RUnlock()

	if !ok {
		f.negatives.Add(1)
	}
	return ok
}

// Delete removes one occurrence of key. Deleting a key that was never added
// can remove another key's fingerprint, so callers only delete what they added.
func (f *CuckooFilter) Delete(key []byte) bool {
	if len(key) == 0 {
		return false
	}
	fp, i1, i2 := f.locate(key)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.buckets[i1].remove(fp) || f.buckets[i2].remove(fp) {
		f.size--
		return true
	}
	return false
}

// Reset empties the filter.
func (f *CuckooFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.buckets)
	f.size = 0
	f.resets.Add(1)
}

// Len is the number of fingerprints stored.
func (f *CuckooFilter) Len() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}

// Stats returns usage counters.
func (f *CuckooFilter) Stats() Stats {
	f.mu.RLock()
	size := f.size
	f.mu.RUnlock()

	return Stats{
		Size:              size,
		Capacity:          f.capacity,
		LoadFactor:        float64(size) / float64(f.capacity),
		FingerprintBits:   f.fpBits,
		FalsePositiveRate: 2 * bucketSize / math.Pow(2, float64(f.fpBits)),
		Lookups:           f.lookups.Load(),
		NegativeLookups:   f.negatives.Load(),
		FailedAdds:        f.failed.Load(),
		Resets:            f.resets.Load(),
	}
}

func nextPowerOfTwo(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
