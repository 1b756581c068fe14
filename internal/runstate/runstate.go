// ============================================================================
// Run State - per-stage state machine
// ============================================================================
//
// Package: internal/runstate
//
// Tracks where a local pipeline run stands so `alvs status` can report it
// and a re-invocation can tell a finished stage from an interrupted one.
//
// State transitions:
//   Pending
//      ↓ Start()
//   Running ──Complete()──→ Done
//      │                     │
//      └──Fail()──→ Failed   │
//                     │      │
//                     └──────┴──Start()──→ Running   (re-run)
//
// Rules:
//   - Complete/Fail require Running
//   - Start is refused while Running (one orchestrator per working dir)
//   - stages are independent; ordering is the controller's job
//
// Persistence:
//   Snapshot()/Restore() convert to types.RunData, Save()/Load() write it to
//   <wd>/.alvs/run.json atomically (temp file + rename).
//
// Concurrency:
//   sync.RWMutex guards the map; reads take RLock.
// ============================================================================

package runstate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/active-learning/internal/checkpoint"
	"github.com/ChuLiYu/active-learning/pkg/types"
)

const schemaVersion = 1

// FileName is the run state file inside the state directory.
const FileName = "run.json"

var (
	// ErrUnknownStage is returned for a stage name outside types.Stages
	ErrUnknownStage = errors.New("unknown stage")
	// ErrInvalidTransition is returned when a stage is not in a state that allows the change
	ErrInvalidTransition = errors.New("invalid stage transition")
	// ErrIncompatibleVersion is returned when restoring a different schema
	ErrIncompatibleVersion = errors.New("run state schema version is incompatible")
)

// Tracker holds the state of every stage of one run
type Tracker struct {
	mu     sync.RWMutex
	runID  string
	stages map[types.StageName]*types.StageState
}

// New creates a tracker with every stage Pending
func New(runID string) *Tracker {
	t := &Tracker{
		runID:  runID,
		stages: make(map[types.StageName]*types.StageState, len(types.Stages)),
	}
	for _, s := range types.Stages {
		t.stages[s] = &types.StageState{Stage: s, Status: types.StatusPending}
	}
	return t
}

// Path returns the run state file of a working directory
func Path(wd string) string {
	return filepath.Join(wd, checkpoint.StateDir, FileName)
}

// RunID returns the identity of the run that owns the tracker
func (t *Tracker) RunID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.runID
}

func (t *Tracker) get(stage types.StageName) (*types.StageState, error) {
	s, ok := t.stages[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	return s, nil
}

// Start moves stage to Running.
func (t *Tracker) Start(stage types.StageName) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.get(stage)
	if err != nil {
		return err
	}
	if s.Status == types.StatusRunning {
		return fmt.Errorf("%w: %s is already running", ErrInvalidTransition, stage)
	}
	now := time.Now().UnixMilli()
	*s = types.StageState{Stage: stage, Status: types.StatusRunning, StartedAt: now, UpdatedAt: now}
	return nil
}

// Complete moves a running stage to Done with its item counts
func (t *Tracker) Complete(stage types.StageName, items, skipped int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.running(stage)
	if err != nil {
		return err
	}
	s.Status = types.StatusDone
	s.Items = items
	s.Skipped = skipped
	s.Error = ""
	s.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// Fail moves a running stage to Failed
func (t *Tracker) Fail(stage types.StageName, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.running(stage)
	if err != nil {
		return err
	}
	s.Status = types.StatusFailed
	s.Failed++
	if cause != nil {
		s.Error = cause.Error()
	}
	s.UpdatedAt = time.Now().UnixMilli()
	return nil
}

func (t *Tracker) running(stage types.StageName) (*types.StageState, error) {
	s, err := t.get(stage)
	if err != nil {
		return nil, err
	}
	if s.Status != types.StatusRunning {
		return nil, fmt.Errorf("%w: %s is %s, not running", ErrInvalidTransition, stage, s.Status)
	}
	return s, nil
}

// Get returns a copy of one stage's state
func (t *Tracker) Get(stage types.StageName) (types.StageState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, err := t.get(stage)
	if err != nil {
		return types.StageState{}, err
	}
	return *s, nil
}

// Stats counts stages per status
func (t *Tracker) Stats() map[types.Status]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stats := make(map[types.Status]int)
	for _, s := range t.stages {
		stats[s.Status]++
	}
	return stats
}

// Snapshot returns a copy of the whole run state
func (t *Tracker) Snapshot() types.RunData {
	t.mu.RLock()
	defer t.mu.RUnlock()
	data := types.RunData{
		RunID:     t.runID,
		Stages:    make(map[types.StageName]types.StageState, len(t.stages)),
		SchemaVer: schemaVersion,
	}
	for name, s := range t.stages {
		data.Stages[name] = *s
	}
	return data
}

// Restore replaces the tracker state with data. A stage recorded as Running
// belongs to an orchestrator that died; it is restored as Failed so the next
// Start is accepted.
func (t *Tracker) Restore(data types.RunData) error {
	if data.SchemaVer != schemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, schemaVersion)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.runID = data.RunID
	for _, name := range types.Stages {
		s, ok := data.Stages[name]
		if !ok {
			s = types.StageState{Stage: name, Status: types.StatusPending}
		}
		if s.Status == types.StatusRunning {
			s.Status = types.StatusFailed
			s.Error = "interrupted"
		}
		t.stages[name] = &s
	}
	return nil
}

// Save writes the snapshot to path atomically
func (t *Tracker) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	return checkpoint.WriteJSON(path, t.Snapshot())
}

// Load reads a saved run state. A missing file returns a fresh tracker with
// ok=false.
func Load(path, runID string) (t *Tracker, ok bool, err error) {
	t = New(runID)
	var data types.RunData
	if err := checkpoint.ReadJSON(path, &data); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return t, false, nil
		}
		return nil, false, err
	}
	if err := t.Restore(data); err != nil {
		return nil, false, err
	}
	return t, true, nil
}
