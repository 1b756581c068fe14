package checkpoint

// ============================================================================
// Responsibilities:
// 1. Persist one status record per (stage, input) next to the stage outputs
// 2. Write records atomically (temp file + rename) so a crash never leaves a
//    half-written record behind
// 3. Validate the schema version on load
// 4. Decide whether a stage item can be skipped on re-run
//
// Layout: <dir>/.alvs/status/<stage>/<input basename>-<crc32(abs input)>.json
//
// One file per item keeps concurrent writers (parallel workers, or several
// cluster nodes docking different batches) from contending on a shared file.
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/active-learning/pkg/types"
)

const schemaVersion = 1

// StateDir is the hidden directory holding pipeline bookkeeping.
const StateDir = ".alvs"

var (
	ErrCorruptedRecord     = errors.New("status record is corrupted")
	ErrIncompatibleVersion = errors.New("status record schema version is incompatible")
)

// Record is the persisted status of one stage item.
type Record struct {
	Stage     types.StageName `json:"stage"`
	Input     string          `json:"input"`
	Output    string          `json:"output"`
	Status    types.Status    `json:"status"`
	Records   int             `json:"records"` // entries written to Output; 0 is a legitimate empty result
	Attempt   int             `json:"attempt"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt int64           `json:"updated_at"` // Unix milliseconds
	SchemaVer int             `json:"schema_ver"`
}

// Store reads and writes status records below one working directory.
type Store struct {
	root string
}

// NewStore returns a store rooted at <dir>/.alvs/status.
func NewStore(dir string) *Store {
	return &Store{root: filepath.Join(dir, StateDir, "status")}
}

// GetPath returns the directory holding the status records
func (s *Store) GetPath() string {
	return s.root
}

func (s *Store) path(stage types.StageName, input string) string {
	abs, err := filepath.Abs(input)
	if err != nil {
		abs = input
	}
	name := fmt.Sprintf("%s-%08x.json", filepath.Base(input), crc32.ChecksumIEEE([]byte(abs)))
	return filepath.Join(s.root, string(stage), name)
}

// Load returns the record for (stage, input). A missing record is returned as
// a Pending record with ok=false.
func (s *Store) Load(stage types.StageName, input string) (rec Record, ok bool, err error) {
	data, err := os.ReadFile(s.path(stage, input))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{Stage: stage, Input: input, Status: types.StatusPending, SchemaVer: schemaVersion}, false, nil
		}
		return rec, false, fmt.Errorf("failed to read status record: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, false, fmt.Errorf("%w: %v", ErrCorruptedRecord, err)
	}
	if rec.SchemaVer != schemaVersion {
		return rec, false, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, rec.SchemaVer, schemaVersion)
	}
	return rec, true, nil
}

// Save writes rec atomically.
func (s *Store) Save(rec Record) error {
	rec.SchemaVer = schemaVersion
	rec.UpdatedAt = time.Now().UnixMilli()
	path := s.path(rec.Stage, rec.Input)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create status dir: %w", err)
	}
	return WriteJSON(path, rec)
}

// List returns every record stored for stage, ordered by file name.
func (s *Store) List(stage types.StageName) ([]Record, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, string(stage)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var recs []Record
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, string(stage), e.Name()))
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptedRecord, e.Name(), err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// WriteJSON marshals v and writes it to path atomically.
func WriteJSON(path string, v any) error {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadJSON loads path into v. It returns os.ErrNotExist (wrapped) when absent.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptedRecord, err)
	}
	return nil
}
