package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.DataDir = t.TempDir()
	cfg.SyncPolicy = SyncAlways
	return cfg
}

func TestRecord_LineRoundTrip(t *testing.T) {
	created := time.Unix(0, 1700000000123456789)
	tests := []struct {
		name string
		rec  Record
	}{
		{"store", StoreRecord(7, 0.45, created, []byte("a|b\nc"))},
		{"store empty payload", StoreRecord(8, 0, created, nil)},
		{"remove", RemoveRecord(9)},
		{"touch", TouchRecord([]uint64{1, 2, 3})},
		{"touch none", TouchRecord(nil)},
		{"defensive on", DefensiveRecord(true, "non_empty_payload")},
		{"defensive off", DefensiveRecord(false, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.rec.Seq = 42
			tt.rec.Timestamp = time.Unix(0, 1700000001000000000)
			line := tt.rec.encode()
			require.Equal(t, byte('\n'), line[len(line)-1])

			got, err := parseRecord(line[:len(line)-1])
			require.NoError(t, err)
			assert.Equal(t, tt.rec.Seq, got.Seq)
			assert.Equal(t, tt.rec.Op, got.Op)
			assert.Equal(t, tt.rec.ID, got.ID)
			assert.Equal(t, tt.rec.Importance, got.Importance)
			assert.Equal(t, tt.rec.Active, got.Active)
			assert.Equal(t, tt.rec.Rule, got.Rule)
			assert.Equal(t, tt.rec.IDs, got.IDs)
			assert.Equal(t, len(tt.rec.Payload), len(got.Payload))
			if tt.rec.Op == OpStore {
				assert.Equal(t, tt.rec.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())
				assert.Equal(t, string(tt.rec.Payload), string(got.Payload))
			}
		})
	}
}

func TestParseRecord_Rejects(t *testing.T) {
	for _, line := range []string{
		"",
		"1|2|STORE",
		"x|2|REMOVE|1",
		"1|2|STORE|1|0.5|0",
		"1|2|BOGUS|1",
		"1|2|STORE|1|0.5|0|!!notbase64",
	} {
		_, err := parseRecord(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestEngine_JournalRecovery(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	e := NewEngine(cfg)
	snap, recs, err := e.Open(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Empty(t, recs)

	require.NoError(t, e.Append(StoreRecord(1, 0.5, time.Now(), []byte("one"))))
	require.NoError(t, e.Append(StoreRecord(2, 0.1, time.Now(), []byte("two"))))
	require.NoError(t, e.Append(RemoveRecord(1)))
	require.NoError(t, e.Close())

	e2 := NewEngine(cfg)
	snap, recs, err = e2.Open(ctx)
	require.NoError(t, err)
	defer e2.Close()

	assert.Nil(t, snap)
	require.Len(t, recs, 3)
	assert.Equal(t, OpStore, recs[0].Op)
	assert.Equal(t, []byte("two"), recs[1].Payload)
	assert.Equal(t, OpRemove, recs[2].Op)
	assert.Equal(t, uint64(3), recs[2].Seq)

	require.NoError(t, e2.Append(TouchRecord([]uint64{2})))
	assert.Equal(t, int64(1), e2.Stats().Appended)
}

func TestEngine_CheckpointCoversJournal(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.CompressionLevel = 6

	e := NewEngine(cfg)
	_, _, err := e.Open(ctx)
	require.NoError(t, err)

	require.NoError(t, e.Append(StoreRecord(1, 0.5, time.Now(), []byte("one"))))
	require.NoError(t, e.Checkpoint(ctx, &Snapshot{
		Header:  SnapshotHeader{NextID: 2, Defensive: true, DefensiveRule: "min_importance"},
		Entries: []SnapshotEntry{{ID: 1, Payload: []byte("one"), Importance: 0.5, AccessCount: 3}},
	}))
	assert.Zero(t, e.Stats().AOF.Size)
	require.NoError(t, e.Append(StoreRecord(2, 0.7, time.Now(), []byte("two"))))
	require.NoError(t, e.Close())

	e2 := NewEngine(cfg)
	snap, recs, err := e2.Open(ctx)
	require.NoError(t, err)
	defer e2.Close()

	require.NotNil(t, snap)
	assert.True(t, snap.Header.Compressed)
	assert.True(t, snap.Header.Defensive)
	assert.Equal(t, "min_importance", snap.Header.DefensiveRule)
	assert.Equal(t, uint64(1), snap.Header.LastSeq)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, uint64(3), snap.Entries[0].AccessCount)

	require.Len(t, recs, 1)
	assert.Equal(t, uint64(2), recs[0].ID)
	assert.Equal(t, uint64(2), recs[0].Seq)
}

func TestEngine_SkipsRecordsAlreadyInSnapshot(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	// Simulate a crash between snapshot rename and journal truncation.
	aof := NewAOF(cfg.DataDir, SyncAlways)
	require.NoError(t, aof.Open())
	require.NoError(t, aof.Append(Record{Seq: 1, Timestamp: time.Now(), Op: OpRemove, ID: 5}))
	require.NoError(t, aof.Append(Record{Seq: 2, Timestamp: time.Now(), Op: OpRemove, ID: 6}))
	require.NoError(t, aof.Close())

	sm := NewSnapshotManager(cfg.DataDir, 0, 0)
	_, err := sm.Write(ctx, &Snapshot{Header: SnapshotHeader{LastSeq: 1}})
	require.NoError(t, err)

	e := NewEngine(cfg)
	_, recs, err := e.Open(ctx)
	require.NoError(t, err)
	defer e.Close()

	require.Len(t, recs, 1)
	assert.Equal(t, uint64(6), recs[0].ID)

	require.NoError(t, e.Append(RemoveRecord(7)))
	all, err := NewAOF(cfg.DataDir, SyncNo).Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), all[len(all)-1].Seq)
}

func TestAOF_TornTailIsSkipped(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	aof := NewAOF(dir, SyncAlways)
	require.NoError(t, aof.Open())
	require.NoError(t, aof.Append(Record{Seq: 1, Timestamp: time.Now(), Op: OpRemove, ID: 1}))
	require.NoError(t, aof.Close())

	f, err := os.OpenFile(filepath.Join(dir, aofFileName), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("2|17000|STORE|2|0.")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recs, err := NewAOF(dir, SyncNo).Replay(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestSnapshotManager_RetainsNewest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sm := NewSnapshotManager(dir, 0, 2)

	at := time.Unix(1700000000, 0)
	for i := 0; i < 4; i++ {
		_, err := sm.Write(ctx, &Snapshot{Header: SnapshotHeader{CreatedAt: at, NextID: uint64(i + 1)}})
		require.NoError(t, err)
	}

	names, err := sm.list()
	require.NoError(t, err)
	assert.Len(t, names, 2)

	latest, err := sm.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), latest.Header.NextID)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.SyncPolicy = "sometimes"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.CompressionLevel = 11
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Enabled = true
	bad.DataDir = ""
	assert.Error(t, bad.Validate())
}

func TestEngine_EverySecFlusherStops(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.SyncPolicy = SyncEverySec
	cfg.SyncInterval = 10 * time.Millisecond

	e := NewEngine(cfg)
	_, _, err := e.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Append(RemoveRecord(1)))

	require.Eventually(t, func() bool { return e.Stats().AOF.Syncs > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}
