package persistence

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"memgov/internal/logging"
)

const (
	snapshotPrefix  = "memgov-"
	snapshotSuffix  = ".snap"
	snapshotVersion = 1
)

// SnapshotHeader precedes the entries in a snapshot stream.
type SnapshotHeader struct {
	Version       int
	CreatedAt     time.Time
	NodeID        string
	EntryCount    int64
	NextID        uint64
	LastSeq       uint64 // journal records up to this sequence are included
	Defensive     bool
	DefensiveRule string
	Compressed    bool
}

// SnapshotEntry is one stored entry. Recent entries are written oldest first
// and are restored into the ring in that order.
type SnapshotEntry struct {
	ID          uint64
	Payload     []byte
	Importance  float64
	CreatedAt   time.Time
	AccessCount uint64
	Recent      bool
}

// Snapshot is the full store state at a checkpoint.
type Snapshot struct {
	Header  SnapshotHeader
	Entries []SnapshotEntry
}

// SnapshotManager writes and loads snapshot files in a data directory.
type SnapshotManager struct {
	dataDir          string
	compressionLevel int
	retain           int
}

// NewSnapshotManager keeps the newest retain snapshots; retain <= 0 keeps all.
func NewSnapshotManager(dataDir string, compressionLevel, retain int) *SnapshotManager {
	return &SnapshotManager{dataDir: dataDir, compressionLevel: compressionLevel, retain: retain}
}

// Write persists snap via a temp file and an atomic rename. It returns the
// final path.
func (sm *SnapshotManager) Write(ctx context.Context, snap *Snapshot) (string, error) {
	if err := os.MkdirAll(sm.dataDir, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create data directory")
	}

	snap.Header.Version = snapshotVersion
	snap.Header.EntryCount = int64(len(snap.Entries))
	snap.Header.Compressed = sm.compressionLevel > 0
	if snap.Header.CreatedAt.IsZero() {
		snap.Header.CreatedAt = time.Now()
	}

	name := sm.nextName(snap.Header.CreatedAt)
	path := filepath.Join(sm.dataDir, name)
	tmp := path + ".tmp"

	if err := sm.writeFile(ctx, tmp, snap); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", errors.Wrap(err, "failed to finalize snapshot")
	}

	if err := sm.cleanup(); err != nil {
		logging.Warn(ctx, logging.ComponentPersistence, logging.ActionSnapshot, "Failed to clean up old snapshots", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return path, nil
}

func (sm *SnapshotManager) writeFile(ctx context.Context, path string, snap *Snapshot) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create snapshot file")
	}
	defer file.Close()

	buf := bufio.NewWriterSize(file, 64*1024)
	var w io.Writer = buf
	var gz *gzip.Writer
	if sm.compressionLevel > 0 {
		gz, err = gzip.NewWriterLevel(buf, sm.compressionLevel)
		if err != nil {
			return errors.Wrap(err, "failed to create gzip writer")
		}
		w = gz
	}

	enc := gob.NewEncoder(w)
	if err := enc.Encode(snap.Header); err != nil {
		return errors.Wrap(err, "failed to encode snapshot header")
	}
	for i := range snap.Entries {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := enc.Encode(&snap.Entries[i]); err != nil {
			return errors.Wrapf(err, "failed to encode entry %d", snap.Entries[i].ID)
		}
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return errors.Wrap(err, "failed to finish gzip stream")
		}
	}
	if err := buf.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush snapshot")
	}
	return errors.Wrap(file.Sync(), "failed to sync snapshot")
}

// Latest loads the newest snapshot, or returns nil when none exists.
func (sm *SnapshotManager) Latest(ctx context.Context) (*Snapshot, error) {
	names, err := sm.list()
	if err != nil || len(names) == 0 {
		return nil, err
	}
	return sm.Load(ctx, filepath.Join(sm.dataDir, names[len(names)-1]))
}

// Load reads the snapshot at path. Compression is detected from the gzip
// magic bytes.
func (sm *SnapshotManager) Load(ctx context.Context, path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open snapshot file")
	}
	defer file.Close()

	br := bufio.NewReaderSize(file, 64*1024)
	var r io.Reader = br
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create gzip reader")
		}
		defer gz.Close()
		r = gz
	}

	dec := gob.NewDecoder(r)
	snap := &Snapshot{}
	if err := dec.Decode(&snap.Header); err != nil {
		return nil, errors.Wrap(err, "failed to decode snapshot header")
	}
	if snap.Header.Version != snapshotVersion {
		return nil, errors.Newf("unsupported snapshot version %d", snap.Header.Version)
	}

	snap.Entries = make([]SnapshotEntry, snap.Header.EntryCount)
	for i := range snap.Entries {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err := dec.Decode(&snap.Entries[i]); err != nil {
			return nil, errors.Wrapf(err, "failed to decode entry at position %d", i)
		}
	}
	return snap, nil
}

// list returns snapshot file names ordered oldest first.
func (sm *SnapshotManager) list() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(sm.dataDir, snapshotPrefix+"*"+snapshotSuffix))
	if err != nil {
		return nil, errors.Wrap(err, "failed to search for snapshots")
	}

	type stamped struct {
		name string
		ts   int64
	}
	var files []stamped
	for _, m := range matches {
		name := filepath.Base(m)
		ts, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix), 10, 64)
		if err != nil {
			continue
		}
		files = append(files, stamped{name, ts})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ts < files[j].ts })

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.name
	}
	return names, nil
}

// nextName is unique and sorts after every existing snapshot.
func (sm *SnapshotManager) nextName(at time.Time) string {
	ts := at.UnixNano()
	if names, err := sm.list(); err == nil && len(names) > 0 {
		last := names[len(names)-1]
		prev, _ := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(last, snapshotPrefix), snapshotSuffix), 10, 64)
		if ts <= prev {
			ts = prev + 1
		}
	}
	return fmt.Sprintf("%s%d%s", snapshotPrefix, ts, snapshotSuffix)
}

func (sm *SnapshotManager) cleanup() error {
	if sm.retain <= 0 {
		return nil
	}
	names, err := sm.list()
	if err != nil {
		return err
	}
	var errs error
	for i := 0; i < len(names)-sm.retain; i++ {
		if err := os.Remove(filepath.Join(sm.dataDir, names[i])); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}
