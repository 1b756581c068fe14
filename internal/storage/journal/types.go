package journal

import "github.com/ChuLiYu/active-learning/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the records appended to the run journal
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventStageStart EventType = "STAGE_START" // Stage began executing pending items
	EventItemDone   EventType = "ITEM_DONE"   // Item output committed
	EventItemFailed EventType = "ITEM_FAILED" // Item failed (recoverable or fatal)
	EventStageDone  EventType = "STAGE_DONE"  // Stage finished, barrier passed
	EventStageFail  EventType = "STAGE_FAIL"  // Stage aborted
	EventTool       EventType = "TOOL"        // External tool invocation finished
)

// Event represents one journal line
type Event struct {
	Seq       uint64          `json:"seq"`               // Per-writer sequence number
	RunID     string          `json:"run_id"`            // Writer identity (one per process)
	Type      EventType       `json:"type"`              // Event type
	Stage     types.StageName `json:"stage"`             // Stage the event belongs to
	Item      string          `json:"item,omitempty"`    // Input path or tool name
	Detail    string          `json:"detail,omitempty"`  // Error text or extra info
	Records   int             `json:"records,omitempty"` // Entries committed by the item
	Millis    int64           `json:"millis,omitempty"`  // Duration in milliseconds
	Timestamp int64           `json:"timestamp"`         // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`          // CRC32 checksum
}

// EventHandler is the function type for processing journal events during Replay
type EventHandler func(event Event) error
