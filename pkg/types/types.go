// Package types defines the core domain model shared by the pipeline stages.
package types

import (
	"fmt"
	"time"
)

// StageName identifies one pipeline stage.
type StageName string

// Pipeline stages in dependency order.
const (
	StageSample   StageName = "sample"
	StageDock     StageName = "dock"
	StageScore    StageName = "score"
	StageTrain    StageName = "train"
	StageEvaluate StageName = "evaluate"
	StageTop      StageName = "top"
)

// Stages lists every stage in the order the orchestrator runs them.
var Stages = []StageName{StageSample, StageDock, StageScore, StageTrain, StageEvaluate, StageTop}

// Status is the execution state of a stage item or a whole stage.
type Status string

const (
	StatusPending Status = "pending" // not started
	StatusRunning Status = "running" // started, output not yet committed
	StatusDone    Status = "done"    // output committed (possibly empty)
	StatusFailed  Status = "failed"  // last attempt failed
)

// Box is the docking search space.
type Box struct {
	Center [3]float64 `json:"center" yaml:"center"` // X, Y, Z of the box center
	Size   [3]int     `json:"size" yaml:"size"`     // extents in Angstroms
}

// DefaultBoxSize is used when no --size is given.
var DefaultBoxSize = [3]int{15, 15, 15}

// Validate checks that every extent is positive.
func (b Box) Validate() error {
	for i, s := range b.Size {
		if s <= 0 {
			return fmt.Errorf("box size[%d] must be positive, got %d", i, s)
		}
	}
	return nil
}

// ScoreRecord is one docked compound: canonical structure, identifier and score.
// Lower scores mean better binding.
type ScoreRecord struct {
	Structure string  `json:"smiles"`
	Title     string  `json:"title"`
	Score     float64 `json:"score"`
}

// Prediction is one model-predicted score for a compound.
type Prediction struct {
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// StageState is the persisted status of one stage within a run.
type StageState struct {
	Stage     StageName `json:"stage"`
	Status    Status    `json:"status"`
	Items     int       `json:"items"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
	StartedAt int64     `json:"started_at,omitempty"` // Unix milliseconds
	UpdatedAt int64     `json:"updated_at"`           // Unix milliseconds
}

// Duration returns the elapsed time between start and last update.
func (s StageState) Duration() time.Duration {
	if s.StartedAt == 0 || s.UpdatedAt < s.StartedAt {
		return 0
	}
	return time.Duration(s.UpdatedAt-s.StartedAt) * time.Millisecond
}

// RunData is the persisted state of a whole pipeline run.
type RunData struct {
	RunID     string                   `json:"run_id"`
	Stages    map[StageName]StageState `json:"stages"`
	SchemaVer int                      `json:"schema_ver"`
}
