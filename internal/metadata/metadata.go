// Package metadata persists one JSON record per completed backup
// under the destination directory. Records are append-only: written
// atomically once the archive and its sidecar exist, and removed only
// by retention cleanup or an explicit delete.
package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// StoreDirName is the per-destination subdirectory holding records.
const StoreDirName = ".metadata"

// Record is the durable description of one succeeded backup.
type Record struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	ConfigName      string    `json:"config_name"`
	ArchiveFilename string    `json:"archive_filename"`
	SizeBytes       int64     `json:"size_bytes"`
	Checksum        string    `json:"checksum"`
	Hostname        string    `json:"hostname,omitempty"`
	SourcePath      string    `json:"source_path,omitempty"`
	FilesCount      int       `json:"files_count,omitempty"`
	Compressed      bool      `json:"compressed,omitempty"`
}

// Store reads and writes records for one destination directory.
type Store struct {
	dir string
}

func NewStore(destination string) *Store {
	return &Store{dir: filepath.Join(destination, StoreDirName)}
}

// Dir returns the directory holding the record files.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Append persists a record via temp-file-then-rename, so a concurrent
// List never observes a half-written record.
func (s *Store) Append(r Record) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}

	path := s.recordPath(r.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// List returns the records for configName (all configs when empty),
// sorted newest-first. Records with identical timestamps are ordered
// by descending id so the result is deterministic under same-second
// clock resolution. Unreadable record files are skipped.
func (s *Store) List(configName string) ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var r Record
		if err := json.Unmarshal(data, &r); err != nil || r.ID == "" {
			continue
		}
		if configName != "" && r.ConfigName != configName {
			continue
		}
		records = append(records, r)
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID > records[j].ID
	})
	return records, nil
}

// Get returns the record with the given id, or nil when absent.
func (s *Store) Get(id string) (*Record, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Delete removes the record with the given id. Deleting an absent id
// is a no-op.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.recordPath(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
