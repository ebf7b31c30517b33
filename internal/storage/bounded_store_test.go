package storage

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"memgov/internal/access"
	"memgov/internal/bounds"
	"memgov/internal/filter"
	"memgov/internal/persistence"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// recordingJournal keeps everything in memory.
type recordingJournal struct {
	mu          sync.Mutex
	records     []persistence.Record
	checkpoints []*persistence.Snapshot
}

func (j *recordingJournal) Append(rec persistence.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func (j *recordingJournal) Checkpoint(_ context.Context, snap *persistence.Snapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.checkpoints = append(j.checkpoints, snap)
	j.records = nil
	return nil
}

func (j *recordingJournal) ops() []persistence.Op {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]persistence.Op, len(j.records))
	for i, r := range j.records {
		out[i] = r.Op
	}
	return out
}

func testBounds() bounds.Table {
	b := bounds.Default()
	b.MaxAccessRate = 1_000_000
	return b
}

func newTestStore(t *testing.T, b bounds.Table, opts ...Option) (*BoundedStore, *mockClock) {
	t.Helper()
	clock := newMockClock()
	ctrl := access.NewController(b, access.WithClock(clock.Now))
	s, err := New(b, ctrl, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return s, clock
}

func mustStore(t *testing.T, s *BoundedStore, payload string, importance float64) EntryID {
	t.Helper()
	id, err := s.Store(context.Background(), []byte(payload), importance)
	require.NoError(t, err)
	return id
}

func payloads(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.Payload)
	}
	return out
}

// checkInvariants verifies capacity, disjointness and index agreement.
func checkInvariants(t *testing.T, s *BoundedStore) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	require.LessOrEqual(t, s.recent.len(), s.bounds.MaxRecent)
	require.LessOrEqual(t, s.indexed.len(), s.bounds.MaxIndexed)
	require.Equal(t, s.indexed.len(), s.indexed.order.Len())

	s.recent.oldestFirst(func(e *Entry) bool {
		_, inIndexed := s.indexed.get(e.ID)
		require.False(t, inIndexed, "id %d in both collections", e.ID)
		return true
	})
	for id, e := range s.indexed.entries {
		imp, ok := s.indexed.order.Importance(uint64(id))
		require.True(t, ok)
		require.Equal(t, e.Importance, imp)
	}
}

func TestNew_RejectsInvalidBounds(t *testing.T) {
	b := bounds.Default()
	b.MaxRecent = 0
	_, err := New(b, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_recent")
}

func TestStore_RecentRingScenario(t *testing.T) {
	ctx := context.Background()
	b := testBounds()
	b.MaxRecent = 2
	b.PromotionThreshold = 0.3
	s, _ := newTestStore(t, b)

	a := mustStore(t, s, "A", 0.1)
	mustStore(t, s, "B", 0.1)
	mustStore(t, s, "C", 0.1)

	recent, indexed := s.Len()
	assert.Equal(t, 2, recent)
	assert.Equal(t, 0, indexed)
	_, ok := s.Get(a)
	assert.False(t, ok, "A must be evicted")

	got, err := s.Retrieve(ctx, Query{MaxResults: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B"}, payloads(got))
	assert.Equal(t, uint64(1), s.Stats().EvictedRecent)
}

func TestStore_IndexedScenario(t *testing.T) {
	b := testBounds()
	b.MaxIndexed = 2
	s, _ := newTestStore(t, b)

	x := mustStore(t, s, "X", 0.5)
	y := mustStore(t, s, "Y", 0.6)
	z := mustStore(t, s, "Z", 0.7)

	_, ok := s.Get(x)
	assert.False(t, ok)
	for _, id := range []EntryID{y, z} {
		_, ok := s.Get(id)
		assert.True(t, ok)
	}
	_, indexed := s.Len()
	assert.Equal(t, 2, indexed)
	assert.Equal(t, uint64(1), s.Stats().EvictedIndexed)
}

func TestStore_ThresholdIsInclusiveForRecent(t *testing.T) {
	s, _ := newTestStore(t, testBounds())
	mustStore(t, s, "edge", 0.3)
	mustStore(t, s, "above", 0.30001)
	recent, indexed := s.Len()
	assert.Equal(t, 1, recent)
	assert.Equal(t, 1, indexed)
}

func TestStore_ImportanceClamp(t *testing.T) {
	s, _ := newTestStore(t, testBounds())
	for _, in := range []float64{-10, -0.1, 0, 0.5, 0.9, 1.2, 1e9, math.Inf(1), math.Inf(-1), math.NaN()} {
		id, err := s.Store(context.Background(), []byte(fmt.Sprint(in)), in)
		require.NoError(t, err)
		e, ok := s.Get(id)
		require.True(t, ok)
		assert.GreaterOrEqual(t, e.Importance, 0.0, "input %v", in)
		assert.LessOrEqual(t, e.Importance, 0.9, "input %v", in)
	}
}

func TestStore_EvictsExactMinimum(t *testing.T) {
	b := testBounds()
	b.MaxIndexed = 16
	b.MaxRecent = 1
	s, _ := newTestStore(t, b)
	rng := rand.New(rand.NewSource(7))

	type ref struct {
		id  EntryID
		imp float64
	}
	var live []ref
	for i := 0; i < 400; i++ {
		// Two decimal places produces plenty of ties.
		imp := 0.31 + float64(rng.Intn(50))/100
		var want EntryID
		if len(live) == b.MaxIndexed {
			sort.Slice(live, func(i, j int) bool {
				if live[i].imp != live[j].imp {
					return live[i].imp < live[j].imp
				}
				return live[i].id < live[j].id
			})
			want = live[0].id
			live = live[1:]
		}

		id := mustStore(t, s, fmt.Sprintf("p%d", i), imp)
		live = append(live, ref{id, imp})
		if want != 0 {
			_, ok := s.Get(want)
			require.False(t, ok, "step %d: expected id %d evicted", i, want)
		}
		for _, r := range live {
			_, ok := s.Get(r.id)
			require.True(t, ok, "step %d: id %d missing", i, r.id)
		}
	}
}

func TestStore_RandomOperationsHoldInvariants(t *testing.T) {
	ctx := context.Background()
	b := testBounds()
	b.MaxRecent = 3
	b.MaxIndexed = 5
	s, _ := newTestStore(t, b)
	rng := rand.New(rand.NewSource(42))

	var ids []EntryID
	for i := 0; i < 1000; i++ {
		switch rng.Intn(4) {
		case 0, 1:
			id, err := s.Store(ctx, []byte{byte(i), byte(i >> 8)}, rng.Float64()*1.5-0.2)
			require.NoError(t, err)
			ids = append(ids, id)
		case 2:
			if len(ids) > 0 {
				s.Remove(ctx, ids[rng.Intn(len(ids))])
			}
		case 3:
			got, err := s.Retrieve(ctx, Query{MaxResults: rng.Intn(10)})
			require.NoError(t, err)
			assert.LessOrEqual(t, len(got), b.MaxRecallDepth)
		}
		checkInvariants(t, s)
	}

	seen := make(map[EntryID]bool)
	for _, id := range ids {
		require.False(t, seen[id], "id %d reused", id)
		seen[id] = true
	}
}

func TestRemove_Idempotent(t *testing.T) {
	ctx := context.Background()
	j := &recordingJournal{}
	s, _ := newTestStore(t, testBounds(), WithJournal(j))

	low := mustStore(t, s, "low", 0.1)
	high := mustStore(t, s, "high", 0.8)

	assert.True(t, s.Remove(ctx, low))
	assert.True(t, s.Remove(ctx, high))
	assert.False(t, s.Remove(ctx, high))
	assert.False(t, s.Remove(ctx, 9999))

	recent, indexed := s.Len()
	assert.Zero(t, recent)
	assert.Zero(t, indexed)
	assert.Equal(t, uint64(2), s.Stats().Removed)
	assert.Equal(t, []persistence.Op{persistence.OpStore, persistence.OpStore, persistence.OpRemove, persistence.OpRemove}, j.ops())
}

func TestRetrieve_OrderAndAccessCounts(t *testing.T) {
	ctx := context.Background()
	b := testBounds()
	b.MaxRecallDepth = 4
	s, _ := newTestStore(t, b)

	mustStore(t, s, "r1", 0.1)
	mustStore(t, s, "i-low", 0.4)
	mustStore(t, s, "r2", 0.2)
	mustStore(t, s, "i-high", 0.8)
	mustStore(t, s, "i-mid-old", 0.6)
	mustStore(t, s, "i-mid-new", 0.6)

	got, err := s.Retrieve(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "r1", "i-high", "i-mid-new"}, payloads(got))
	for _, e := range got {
		assert.Equal(t, uint64(1), e.AccessCount)
	}

	got, err = s.Retrieve(ctx, Query{MaxResults: 100})
	require.NoError(t, err)
	assert.Len(t, got, 4, "recall depth caps results")

	got, err = s.Retrieve(ctx, Query{MaxResults: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "r1", "i-high"}, payloads(got))
	assert.Equal(t, uint64(3), got[0].AccessCount)

	all, err := s.Retrieve(ctx, Query{MinImportance: 0.5})
	require.NoError(t, err)
	assert.Equal(t, []string{"i-high", "i-mid-new", "i-mid-old"}, payloads(all))
}

func TestRetrieve_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, testBounds())

	in := []byte("original")
	id := mustStore(t, s, string(in), 0.5)
	in[0] = 'X'

	got, err := s.Retrieve(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	got[0].Payload[0] = 'Y'
	got[0].Importance = 0

	e, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "original", string(e.Payload))
	assert.Equal(t, 0.5, e.Importance)
}

func TestRetrieve_PayloadAndMatch(t *testing.T) {
	ctx := context.Background()
	f, err := filter.New(filter.Config{ExpectedItems: 128, FalsePositiveRate: 0.01})
	require.NoError(t, err)
	s, _ := newTestStore(t, testBounds(), WithPayloadFilter(f))

	mustStore(t, s, "alpha", 0.5)
	mustStore(t, s, "beta", 0.5)
	mustStore(t, s, "alpha", 0.1)

	got, err := s.Retrieve(ctx, Query{Payload: []byte("alpha")})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "alpha"}, payloads(got))

	got, err = s.Retrieve(ctx, Query{Payload: []byte("gamma")})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Retrieve(ctx, Query{Match: func(e Entry) bool { return e.Importance < 0.3 }})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, payloads(got))

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.Retrieved)
	assert.LessOrEqual(t, stats.FilterSkips, uint64(1))
}

func TestRetrieve_MatchCannotMutateStoredEntries(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, testBounds())
	id := mustStore(t, s, "alpha", 0.5)

	got, err := s.Retrieve(ctx, Query{Match: func(e Entry) bool {
		e.Payload[0] = 'X'
		return true
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, payloads(got))

	e, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "alpha", string(e.Payload))
}

func TestRetrieve_FilterNeverHidesStoredPayloads(t *testing.T) {
	ctx := context.Background()
	// A tiny filter fills up quickly and must be bypassed, not trusted.
	f, err := filter.New(filter.Config{ExpectedItems: 2, FalsePositiveRate: 0.01})
	require.NoError(t, err)
	b := testBounds()
	s, _ := newTestStore(t, b, WithPayloadFilter(f))

	for i := 0; i < 50; i++ {
		mustStore(t, s, fmt.Sprintf("item-%d", i), 0.5)
	}
	for i := 0; i < 50; i++ {
		got, err := s.Retrieve(ctx, Query{Payload: []byte(fmt.Sprintf("item-%d", i))})
		require.NoError(t, err)
		require.Len(t, got, 1, "item-%d", i)
	}
}

func TestRetrieve_RateLimited(t *testing.T) {
	ctx := context.Background()
	b := testBounds()
	b.MaxAccessRate = 2
	b.RateWindow = time.Second
	s, clock := newTestStore(t, b)
	mustStore(t, s, "x", 0.5)

	for i := 0; i < 2; i++ {
		_, err := s.Retrieve(ctx, Query{})
		require.NoError(t, err)
	}
	_, err := s.Retrieve(ctx, Query{})
	require.ErrorIs(t, err, access.ErrRateExceeded)
	require.ErrorIs(t, err, access.ErrAccessDenied)

	clock.Advance(time.Second)
	got, err := s.Retrieve(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got[0].AccessCount, "denied retrieve must not count an access")
	assert.Equal(t, uint64(1), s.Stats().Denied)
}

func TestStore_DefensiveModeFailClosed(t *testing.T) {
	ctx := context.Background()
	b := testBounds()
	b.DefensiveStreak = 3
	j := &recordingJournal{}
	s, clock := newTestStore(t, b, WithJournal(j))

	for i := 0; i < 3; i++ {
		_, err := s.Store(ctx, nil, 0.5)
		require.ErrorIs(t, err, access.ErrRuleViolation)
	}
	require.True(t, s.IsDefensiveMode())

	for i := 0; i < 20; i++ {
		_, err := s.Retrieve(ctx, Query{})
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}

	_, err := s.Store(ctx, []byte("valid"), 0.5)
	require.ErrorIs(t, err, access.ErrDefensiveModeActive)
	denied, ok := access.AsDenied(err)
	require.True(t, ok)
	assert.False(t, denied.Retryable())

	assert.True(t, s.ClearDefensiveMode(ctx))
	assert.False(t, s.IsDefensiveMode())
	mustStore(t, s, "valid", 0.5)

	assert.Equal(t, uint64(4), s.Stats().Denied)
	assert.Equal(t, []persistence.Op{persistence.OpDefensive, persistence.OpDefensive, persistence.OpStore}, j.ops())
}

func TestStore_DuplicateIDIsFatal(t *testing.T) {
	s, _ := newTestStore(t, testBounds())
	id := mustStore(t, s, "first", 0.5)

	s.mu.Lock()
	s.nextID = id - 1
	s.mu.Unlock()

	assert.Panics(t, func() {
		_, _ = s.Store(context.Background(), []byte("second"), 0.6)
	})
}

func TestStore_ConcurrentUse(t *testing.T) {
	ctx := context.Background()
	b := testBounds()
	b.MaxRecent = 5
	b.MaxIndexed = 50
	s, _ := newTestStore(t, b)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 300; i++ {
				switch rng.Intn(3) {
				case 0:
					_, _ = s.Store(ctx, []byte(fmt.Sprintf("w%d-%d", w, i)), rng.Float64())
				case 1:
					_, _ = s.Retrieve(ctx, Query{MaxResults: 5})
				case 2:
					s.Remove(ctx, EntryID(rng.Intn(2000)+1))
				}
				_ = s.Stats()
				_ = s.IsDefensiveMode()
			}
		}(w)
	}
	wg.Wait()
	checkInvariants(t, s)
}
