package checkpoint

import (
	"errors"
	"os"

	"github.com/ChuLiYu/active-learning/pkg/types"
)

// Decision is the outcome of a resume check.
type Decision int

const (
	// Run means the item has to be (re)computed.
	Run Decision = iota
	// Skip means a committed output exists.
	Skip
)

// Resolve decides whether (stage, input) must run.
//
//   - Done record, output present      → Skip
//   - Done record with Records == 0     → Skip (legitimately empty, nothing written)
//   - Done record, non-empty output gone → Run
//   - Failed or Running record          → Run
//   - no record, output present          → Skip (output produced before status
//     tracking, or by another tool honouring the naming contract)
//   - no record, no output               → Run
//
// A nil store degrades to the plain output-exists check.
func (s *Store) Resolve(stage types.StageName, input, output string) (Decision, Record, error) {
	exists := fileExists(output)
	if s == nil {
		if exists {
			return Skip, Record{Stage: stage, Input: input, Output: output, Status: types.StatusDone}, nil
		}
		return Run, Record{Stage: stage, Input: input, Output: output, Status: types.StatusPending}, nil
	}

	rec, ok, err := s.Load(stage, input)
	if err != nil {
		return Run, rec, err
	}
	rec.Output = output
	if !ok {
		if exists {
			rec.Status = types.StatusDone
			return Skip, rec, nil
		}
		return Run, rec, nil
	}

	if rec.Status == types.StatusDone && (exists || rec.Records == 0) {
		return Skip, rec, nil
	}
	return Run, rec, nil
}

// Begin marks rec as running and bumps its attempt counter.
func (s *Store) Begin(rec Record) (Record, error) {
	rec.Status = types.StatusRunning
	rec.Attempt++
	rec.Error = ""
	if s == nil {
		return rec, nil
	}
	return rec, s.Save(rec)
}

// Finish marks rec done with n committed entries.
func (s *Store) Finish(rec Record, n int) error {
	rec.Status = types.StatusDone
	rec.Records = n
	rec.Error = ""
	if s == nil {
		return nil
	}
	return s.Save(rec)
}

// Fail marks rec failed with cause.
func (s *Store) Fail(rec Record, cause error) error {
	rec.Status = types.StatusFailed
	if cause != nil {
		rec.Error = cause.Error()
	}
	if s == nil {
		return nil
	}
	return s.Save(rec)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
