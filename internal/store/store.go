package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/linewatch/internal/models"
)

// ErrNotFound is returned when a line id has no stored record
var ErrNotFound = errors.New("store: line record not found")

const snapshotVersion = 1

// Record is the persisted subset of a line record
type Record struct {
	State      models.LineState `json:"state"`
	KilledAt   *time.Time       `json:"killed_at,omitempty"`
	ModifiedBy string           `json:"modified_by,omitempty"`
}

type snapshotFile struct {
	Version int                        `json:"version"`
	Lines   map[string]json.RawMessage `json:"lines"`
}

// Store is a durable key-value store of line records backed by an
// atomically-rewritten JSON snapshot file. The line engine is the only
// writer; everything else reads through exported copies.
type Store struct {
	mu      sync.Mutex
	path    string
	records map[int]Record
}

// Open loads the snapshot at path, creating an empty store if the file
// does not exist. Legacy key formats are migrated to the canonical
// "line:<id>" scheme once, then persisted.
func Open(path string) (*Store, error) {
	s := &Store{
		path:    path,
		records: make(map[int]Record),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store snapshot: %w", err)
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse store snapshot: %w", err)
	}

	migrated := 0
	for key, raw := range file.Lines {
		id, legacy, ok := parseKey(key)
		if !ok {
			log.Warn().Str("key", key).Msg("skipping unrecognized store key")
			continue
		}
		rec, err := parseRecord(raw)
		if err != nil {
			log.Warn().Str("key", key).Err(err).Msg("skipping unreadable store record")
			continue
		}
		if legacy {
			migrated++
			// Canonical entries win over legacy duplicates for the same id.
			if _, exists := s.records[id]; exists {
				continue
			}
		}
		s.records[id] = rec
	}

	if migrated > 0 {
		log.Info().Int("count", migrated).Str("path", path).Msg("migrated legacy store keys")
		if err := s.flushLocked(); err != nil {
			return nil, fmt.Errorf("failed to persist key migration: %w", err)
		}
	}

	return s, nil
}

// Get returns the stored record for a line id
func (s *Store) Get(id int) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Set stores the record for a line id and persists the snapshot
func (s *Store) Set(id int, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = rec
	return s.flushLocked()
}

// Remove deletes the record for a line id and persists the snapshot
func (s *Store) Remove(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return s.flushLocked()
}

// ExportAll returns a copy of every stored record
func (s *Store) ExportAll() map[int]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]Record, len(s.records))
	for id, rec := range s.records {
		out[id] = rec
	}
	return out
}

// ImportAll validates the given records wholesale and then replaces the
// store contents. Nothing is mutated when validation fails.
func (s *Store) ImportAll(records map[int]Record) error {
	for id, rec := range records {
		if !rec.State.Valid() {
			return fmt.Errorf("store: invalid state %q for line %d", rec.State, id)
		}
		if (rec.KilledAt != nil) != (rec.State == models.LineKilled) {
			return fmt.Errorf("store: killed_at presence mismatch for line %d", id)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[int]Record, len(records))
	for id, rec := range records {
		s.records[id] = rec
	}
	return s.flushLocked()
}

// flushLocked writes the snapshot via temp file + rename so a crash
// mid-write never truncates the previous snapshot. Caller holds mu.
func (s *Store) flushLocked() error {
	file := snapshotFile{
		Version: snapshotVersion,
		Lines:   make(map[string]json.RawMessage, len(s.records)),
	}

	ids := make([]int, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		raw, err := json.Marshal(s.records[id])
		if err != nil {
			return fmt.Errorf("failed to marshal record for line %d: %w", id, err)
		}
		file.Lines[canonicalKey(id)] = raw
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store snapshot: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write store snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace store snapshot: %w", err)
	}
	return nil
}
