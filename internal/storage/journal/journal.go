package journal

// ============================================================================
// Run Journal
// Responsibilities:
// 1. Append one JSON line per stage/item transition (append-only)
// 2. Replay the file for the status command, verifying checksums
// 3. Tolerate several writers: every process gets its own RunID and sequence,
//    and each event is emitted with a single write on an O_APPEND descriptor
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/active-learning/pkg/types"
)

// FileName is the journal file name inside the state directory.
const FileName = "journal.log"

// Journal is an append-only event log
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	runID  string
	seq    uint64
	closed bool
}

// Open opens or creates the journal at path with a fresh RunID.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Journal{
		file:  file,
		runID: uuid.NewString(),
	}, nil
}

// RunID returns the identity of this writer
func (j *Journal) RunID() string {
	if j == nil {
		return ""
	}
	return j.runID
}

// Append writes e, filling in Seq, RunID, Timestamp and Checksum.
// A nil journal is a no-op, which lets callers leave journaling disabled.
func (j *Journal) Append(e Event) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	j.seq++
	e.Seq = j.seq
	e.RunID = j.runID
	e.Timestamp = time.Now().UnixMilli()
	e.Checksum = CalculateChecksum(e)

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("journal: append seq=%d: %w", e.Seq, err)
	}
	return j.file.Sync()
}

// Record is shorthand for appending an event without building the struct.
func (j *Journal) Record(t EventType, stage types.StageName, item string, records int, d time.Duration, detail string) error {
	return j.Append(Event{Type: t, Stage: stage, Item: item, Records: records, Millis: d.Milliseconds(), Detail: detail})
}

// Close closes the journal; it must not be used afterwards
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}

// ReplayOptions tunes Replay
type ReplayOptions struct {
	// Lenient skips corrupted lines and checksum mismatches instead of failing.
	// A writer killed mid-line leaves exactly this kind of damage.
	Lenient bool
}

// Replay reads every event in path in file order and calls handler. It returns
// the number of skipped lines in lenient mode. A missing file replays nothing.
func Replay(path string, opts ReplayOptions, handler EventHandler) (skipped int, err error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			if opts.Lenient {
				skipped++
				continue
			}
			return skipped, &CorruptionError{Line: line, Cause: err}
		}
		if !VerifyChecksum(event) {
			if opts.Lenient {
				skipped++
				continue
			}
			return skipped, &ChecksumError{Line: line, Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return skipped, err
		}
	}
	return skipped, sc.Err()
}
