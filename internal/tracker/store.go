package tracker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/Bidon15/blueprint-manager/internal/ids"
)

// Store is the file-based, single-writer deployment record store (spec.md
// §4.5): one file per record under dir, plus index.json recording the live
// set. Record and index writes go through writeJSONAtomic's
// create-temp-then-rename so a crash never leaves a torn file.
type Store struct {
	dir           string
	quarantineDir string
	logger        *slog.Logger

	mu       sync.Mutex
	records  map[string]*Record
	fileLock *flock.Flock
}

type indexEntry struct {
	ID string `json:"id"`
}

// Open loads (or initializes) the store rooted at dataDir/deployments,
// quarantining any record file that fails to parse rather than dropping it
// (spec.md §4.5 "drops malformed entries to a side directory (never
// deletes)").
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(dataDir, "deployments")
	quarantine := filepath.Join(dir, "quarantine")
	if err := os.MkdirAll(quarantine, 0o755); err != nil {
		return nil, fmt.Errorf("tracker: create deployments dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, "index.json.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("tracker: lock index: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("tracker: deployments dir %s is already locked by another process", dir)
	}

	s := &Store{
		dir:           dir,
		quarantineDir: quarantine,
		logger:        logger,
		records:       make(map[string]*Record),
		fileLock:      lock,
	}
	if err := s.load(); err != nil {
		lock.Unlock()
		return nil, err
	}
	return s, nil
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, "index.json")
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return s.rebuildFromDisk()
		}
		return fmt.Errorf("tracker: read index: %w", err)
	}
	var entries []indexEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.logger.Warn("tracker: index.json corrupt, rebuilding from record files", "err", err)
		return s.rebuildFromDisk()
	}
	for _, e := range entries {
		rec, ok := s.readRecordFile(e.ID)
		if !ok {
			continue
		}
		s.records[rec.ID] = rec
	}
	return nil
}

func (s *Store) rebuildFromDisk() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("tracker: scan deployments dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" || e.Name() == "index.json" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".json")]
		rec, ok := s.readRecordFile(id)
		if !ok {
			continue
		}
		s.records[rec.ID] = rec
	}
	return nil
}

func (s *Store) readRecordFile(id string) (*Record, bool) {
	raw, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.quarantine(id, raw, err)
		return nil, false
	}
	return &rec, true
}

func (s *Store) quarantine(id string, raw []byte, cause error) {
	s.logger.Warn("tracker: quarantining malformed record", "id", id, "err", cause)
	dst := filepath.Join(s.quarantineDir, id+".json")
	if err := os.WriteFile(dst, raw, 0o644); err != nil {
		s.logger.Error("tracker: failed to quarantine malformed record", "id", id, "err", err)
	}
	_ = os.Remove(s.recordPath(id))
}

// Register inserts or replaces rec, flushing both its file and the index
// before returning (spec.md §4.5 "flushed to disk before the runtime
// backend is started").
func (s *Store) Register(rec Record) error {
	rec.computeExpiry()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeJSONAtomic(s.recordPath(rec.ID), rec); err != nil {
		return fmt.Errorf("tracker: write record %s: %w", rec.ID, err)
	}
	s.records[rec.ID] = &rec
	return s.flushIndexLocked()
}

func (s *Store) flushIndexLocked() error {
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	entries := make([]indexEntry, len(ids))
	for i, id := range ids {
		entries[i] = indexEntry{ID: id}
	}
	if err := writeJSONAtomic(s.indexPath(), entries); err != nil {
		return fmt.Errorf("tracker: write index: %w", err)
	}
	return nil
}

// GetByID looks up a record by its persisted "dep-"<ulid> ID.
func (s *Store) GetByID(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Get looks up the record for an instance key.
func (s *Store) Get(key ids.InstanceKey) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.Key() == key {
			return *rec, true
		}
	}
	return Record{}, false
}

// List returns every record for which filter returns true (filter == nil
// matches everything). The returned slice is a snapshot copy.
func (s *Store) List(filter func(Record) bool) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if filter == nil || filter(*rec) {
			out = append(out, *rec)
		}
	}
	return out
}

// MarkForTermination sets status = Terminating for the named record.
func (s *Store) MarkForTermination(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("tracker: no record %s", id)
	}
	rec.Status = StatusTerminating
	if err := writeJSONAtomic(s.recordPath(rec.ID), *rec); err != nil {
		return fmt.Errorf("tracker: write record %s: %w", rec.ID, err)
	}
	return nil
}

// remove deletes a record's file and index entry after a successful cleanup.
func (s *Store) remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	_ = os.Remove(s.recordPath(id))
	return s.flushIndexLocked()
}

// nextExpiry returns the earliest ExpiresAt among tracked records, used by
// the reaper to decide how long it may sleep before the next wakeup.
func (s *Store) nextExpiry() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	found := false
	for _, rec := range s.records {
		if rec.ExpiresAt == nil {
			continue
		}
		if !found || rec.ExpiresAt.Before(next) {
			next = *rec.ExpiresAt
			found = true
		}
	}
	return next, found
}

// Close releases the store's index lock.
func (s *Store) Close() error {
	return s.fileLock.Unlock()
}

func writeJSONAtomic(path string, v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
