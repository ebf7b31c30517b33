package persistence

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"memgov/internal/logging"
)

const aofFileName = "memgov.aof"

// Sync policies.
const (
	SyncAlways   = "always"
	SyncEverySec = "everysec"
	SyncNo       = "no"
)

// AOF is the append-only journal of store mutations.
type AOF struct {
	path   string
	policy string

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	dirty  bool
	stats  struct {
		writes   int64
		size     int64
		lastSync time.Time
		syncs    int64
	}
}

// NewAOF prepares a journal in dataDir. Call Open before Append.
func NewAOF(dataDir, policy string) *AOF {
	return &AOF{path: filepath.Join(dataDir, aofFileName), policy: policy}
}

// Path is the journal file location.
func (a *AOF) Path() string { return a.path }

// Open opens or creates the journal for appending.
func (a *AOF) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openLocked()
}

func (a *AOF) openLocked() error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return errors.Wrap(err, "failed to create data directory")
	}
	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to open AOF file")
	}
	a.file = file
	a.writer = bufio.NewWriterSize(file, 64*1024)
	if info, err := file.Stat(); err == nil {
		a.stats.size = info.Size()
	}
	return nil
}

// Append writes one record and applies the sync policy.
func (a *AOF) Append(rec Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writer == nil {
		return errors.New("AOF not open")
	}
	line := rec.encode()
	if _, err := a.writer.WriteString(line); err != nil {
		return errors.Wrap(err, "failed to write AOF entry")
	}
	a.stats.writes++
	a.stats.size += int64(len(line))
	a.dirty = true

	if a.policy == SyncAlways {
		return a.syncLocked()
	}
	return nil
}

// Sync flushes buffered records and fsyncs the file.
func (a *AOF) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writer == nil || !a.dirty {
		return nil
	}
	return a.syncLocked()
}

func (a *AOF) syncLocked() error {
	if err := a.writer.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush AOF")
	}
	if err := a.file.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync AOF")
	}
	a.dirty = false
	a.stats.syncs++
	a.stats.lastSync = time.Now()
	return nil
}

// Truncate empties the journal after a checkpoint.
func (a *AOF) Truncate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writer != nil {
		if err := a.writer.Flush(); err != nil {
			return errors.Wrap(err, "failed to flush AOF")
		}
	}
	if a.file != nil {
		if err := a.file.Truncate(0); err != nil {
			return errors.Wrap(err, "failed to truncate AOF")
		}
		if err := a.file.Sync(); err != nil {
			return errors.Wrap(err, "failed to sync AOF")
		}
	}
	a.stats.size = 0
	a.dirty = false
	return nil
}

// Close flushes and closes the journal.
func (a *AOF) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}
	var err error
	if a.dirty {
		err = a.syncLocked()
	}
	if cerr := a.file.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "failed to close AOF")
	}
	a.file = nil
	a.writer = nil
	return err
}

// Replay reads every complete record. A final line without a newline is a
// torn write from a crash and is skipped.
func (a *AOF) Replay(ctx context.Context) ([]Record, error) {
	file, err := os.Open(a.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open AOF for replay")
	}
	defer file.Close()

	start := time.Now()
	var records []Record
	reader := bufio.NewReaderSize(file, 64*1024)
	for lineNum := 1; ; lineNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, err := reader.ReadString('\n')
		if err == io.EOF {
			if line != "" {
				logging.Warn(ctx, logging.ComponentPersistence, logging.ActionRestore, "Skipping torn AOF tail", map[string]interface{}{
					"line":  lineNum,
					"bytes": len(line),
				})
			}
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "error reading AOF")
		}

		rec, err := parseRecord(strings.TrimSuffix(line, "\n"))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse AOF line %d", lineNum)
		}
		records = append(records, rec)
	}

	logging.Debug(ctx, logging.ComponentPersistence, logging.ActionRestore, "AOF replay completed", map[string]interface{}{
		"records":     len(records),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return records, nil
}

// AOFStats describes the journal.
type AOFStats struct {
	Writes   int64     `json:"writes"`
	Size     int64     `json:"size"`
	Syncs    int64     `json:"syncs"`
	LastSync time.Time `json:"last_sync"`
}

// Stats returns journal counters.
func (a *AOF) Stats() AOFStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AOFStats{
		Writes:   a.stats.writes,
		Size:     a.stats.size,
		Syncs:    a.stats.syncs,
		LastSync: a.stats.lastSync,
	}
}
