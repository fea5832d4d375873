// Package memory persists per-session structured state, the append-only work
// log, and project/global learnings. All full-file writes are atomic (tmp +
// rename); bursts of small updates are coalesced through a short debounce
// window.
package memory

import "time"

// Status captures the rolling state of a session.
type Status struct {
	Completed        []string `json:"completed"`
	DiscussionPoints []string `json:"discussionPoints"`
	OpenQuestions    []string `json:"openQuestions"`
}

// Timestamps records creation and last-update times. Updated never moves
// backwards for a given session.
type Timestamps struct {
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// SessionMemory is the full persisted state of one session.
type SessionMemory struct {
	SessionID      string     `json:"sessionID"`
	ProjectID      string     `json:"projectID"`
	ParentID       string     `json:"parentID,omitempty"`
	Title          string     `json:"title"`
	TitleGenerated bool       `json:"titleGenerated"`
	CurrentStatus  Status     `json:"currentStatus"`
	Learnings      []Learning `json:"learnings"`
	KeyResults     []string   `json:"keyResults"`
	MessageCount   int        `json:"messageCount"`
	Cost           float64    `json:"cost"`
	Shared         bool       `json:"shared"`
	Time           Timestamps `json:"time"`
}

// Work-log entry types.
const (
	EntryUserRequest = "user_request"
	EntryAIResponse  = "ai_response"
	EntryToolCall    = "tool_call"
	EntryToolResult  = "tool_result"
	EntryFileCreated = "file_created"
	EntryFileUpdated = "file_updated"
	EntryFileDeleted = "file_deleted"
	EntryError       = "error"
	EntryCompaction  = "compaction"
	EntryLearning    = "learning"
)

// WorkLogEntry is one append-only record in a session's work log.
type WorkLogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Summary   string         `json:"summary"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Learning is a single persisted insight, session-scoped or promoted to the
// project or global level.
type Learning struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Insight   string    `json:"insight"`
	Context   string    `json:"context,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionID,omitempty"`
}

// LearningsFile is the on-disk shape of learnings.json.
type LearningsFile struct {
	Learnings []Learning `json:"learnings"`
	UpdatedAt time.Time  `json:"updatedAt"`
}
