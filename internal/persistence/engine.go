// Package persistence journals store mutations to an append-only file and
// checkpoints full state into gob snapshots. Recovery loads the newest
// snapshot and the journal records written after it.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"memgov/internal/logging"
)

// Config defines persistence behavior.
type Config struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	DataDir          string        `yaml:"data_dir" json:"data_dir"`
	NodeID           string        `yaml:"-" json:"node_id"`
	SyncPolicy       string        `yaml:"sync_policy" json:"sync_policy"` // "always", "everysec", "no"
	SyncInterval     time.Duration `yaml:"sync_interval" json:"sync_interval"`
	CompressionLevel int           `yaml:"compression_level" json:"compression_level"` // 0-9
	RetainSnapshots  int           `yaml:"retain_snapshots" json:"retain_snapshots"`
}

// DefaultConfig returns the defaults. Persistence is opt-in.
func DefaultConfig() Config {
	return Config{
		Enabled:          false,
		DataDir:          "./data",
		SyncPolicy:       SyncEverySec,
		SyncInterval:     time.Second,
		CompressionLevel: 1,
		RetainSnapshots:  3,
	}
}

// Validate checks the policy values.
func (c Config) Validate() error {
	switch c.SyncPolicy {
	case SyncAlways, SyncEverySec, SyncNo:
	default:
		return errors.Newf("sync_policy must be always, everysec or no, got %q", c.SyncPolicy)
	}
	if c.Enabled && c.DataDir == "" {
		return errors.New("data_dir is required when persistence is enabled")
	}
	if c.SyncPolicy == SyncEverySec && c.SyncInterval <= 0 {
		return errors.Newf("sync_interval must be positive, got %v", c.SyncInterval)
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 9 {
		return errors.Newf("compression_level must be within [0, 9], got %d", c.CompressionLevel)
	}
	return nil
}

// Stats provides metrics about persistence operations.
type Stats struct {
	AOF              AOFStats      `json:"aof"`
	Appended         int64         `json:"appended"`
	Recovered        int64         `json:"recovered"`
	Snapshots        int64         `json:"snapshots"`
	LastSnapshot     time.Time     `json:"last_snapshot"`
	LastSnapshotPath string        `json:"last_snapshot_path"`
	RecoveryTime     time.Duration `json:"recovery_time"`
	CheckpointTime   time.Duration `json:"checkpoint_time"`
	WriteErrors      int64         `json:"write_errors"`
}

// Engine combines the journal and the snapshot manager.
type Engine struct {
	config    Config
	aof       *AOF
	snapshots *SnapshotManager

	mu      sync.Mutex
	seq     uint64
	running bool
	stats   Stats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine for cfg.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		config:    cfg,
		aof:       NewAOF(cfg.DataDir, cfg.SyncPolicy),
		snapshots: NewSnapshotManager(cfg.DataDir, cfg.CompressionLevel, cfg.RetainSnapshots),
	}
}

// Open loads the newest snapshot and the journal records not covered by it,
// then opens the journal for appending. The snapshot is nil when none exists.
func (e *Engine) Open(ctx context.Context) (*Snapshot, []Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil, nil, errors.New("persistence engine already running")
	}
	if err := e.config.Validate(); err != nil {
		return nil, nil, err
	}

	start := time.Now()
	snap, err := e.snapshots.Latest(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load snapshot")
	}
	all, err := e.aof.Replay(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to replay AOF")
	}

	var floor uint64
	if snap != nil {
		floor = snap.Header.LastSeq
	}
	e.seq = floor
	records := make([]Record, 0, len(all))
	for _, rec := range all {
		if rec.Seq > e.seq {
			e.seq = rec.Seq
		}
		if rec.Seq > floor {
			records = append(records, rec)
		}
	}

	if err := e.aof.Open(); err != nil {
		return nil, nil, errors.Wrap(err, "failed to initialize AOF")
	}

	e.running = true
	e.stats.Recovered = int64(len(records))
	e.stats.RecoveryTime = time.Since(start)
	if snap != nil {
		e.stats.Recovered += snap.Header.EntryCount
	}

	if e.config.SyncPolicy == SyncEverySec {
		flushCtx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.wg.Add(1)
		go e.syncWorker(flushCtx)
	}

	logging.Info(ctx, logging.ComponentPersistence, logging.ActionRestore, "Persistence engine opened", map[string]interface{}{
		"data_dir":    e.config.DataDir,
		"snapshot":    snap != nil,
		"records":     len(records),
		"sync_policy": e.config.SyncPolicy,
	})
	return snap, records, nil
}

func (e *Engine) syncWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.aof.Sync(); err != nil {
				logging.Error(ctx, logging.ComponentPersistence, logging.ActionPersist, "Background AOF sync failed", err)
			}
		}
	}
}

// Append assigns the next sequence number and journals rec.
func (e *Engine) Append(rec Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return errors.New("persistence engine not running")
	}
	e.seq++
	rec.Seq = e.seq
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if err := e.aof.Append(rec); err != nil {
		e.stats.WriteErrors++
		return err
	}
	e.stats.Appended++
	return nil
}

// Checkpoint writes snap, covering every record appended so far, and then
// empties the journal.
func (e *Engine) Checkpoint(ctx context.Context, snap *Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return errors.New("persistence engine not running")
	}
	start := time.Now()
	snap.Header.LastSeq = e.seq
	snap.Header.NodeID = e.config.NodeID

	path, err := e.snapshots.Write(ctx, snap)
	if err != nil {
		e.stats.WriteErrors++
		return errors.Wrap(err, "failed to create snapshot")
	}
	if err := e.aof.Truncate(); err != nil {
		e.stats.WriteErrors++
		return err
	}

	e.stats.Snapshots++
	e.stats.LastSnapshot = snap.Header.CreatedAt
	e.stats.LastSnapshotPath = path
	e.stats.CheckpointTime = time.Since(start)

	logging.Debug(ctx, logging.ComponentPersistence, logging.ActionSnapshot, "Checkpoint written", map[string]interface{}{
		"path":     path,
		"entries":  len(snap.Entries),
		"last_seq": snap.Header.LastSeq,
	})
	return nil
}

// Close stops the background flusher and closes the journal.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	return e.aof.Close()
}

// Stats returns a copy of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.AOF = e.aof.Stats()
	return s
}
