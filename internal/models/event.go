package models

import "time"

// Audit event types.
const (
	EventClassified      = "classified"
	EventDraftCreated    = "draft_created"
	EventDraftTrashed    = "draft_trashed"
	EventDraftReworked   = "draft_reworked"
	EventReworkLimit     = "rework_limit_reached"
	EventSentDetected    = "sent_detected"
	EventArchived        = "archived"
	EventWaitingRetriage = "waiting_retriaged"
	EventAgentRun        = "agent_run"
)

// Event is one append-only audit log row. Written by handlers, read by
// observability consumers only.
type Event struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"account_id"`
	ThreadID  string    `json:"thread_id"`
	EventType string    `json:"event_type"`
	Detail    string    `json:"detail,omitempty"`
	LabelID   string    `json:"label_id,omitempty"`
	DraftID   string    `json:"draft_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
