package models

import "time"

// Conversation is the per-thread record owned by the lifecycle state machine.
// Created by the classify handler, mutated by draft/rework/cleanup handlers,
// never deleted, only moved to a terminal status.
type Conversation struct {
	ID              int64     `json:"id"`
	AccountID       int64     `json:"account_id"`
	ThreadID        string    `json:"thread_id"`
	MessageID       string    `json:"message_id"`
	SenderEmail     string    `json:"sender_email"`
	SenderName      string    `json:"sender_name,omitempty"`
	Subject         string    `json:"subject,omitempty"`
	Snippet         string    `json:"snippet,omitempty"`
	ReceivedAt      string    `json:"received_at,omitempty"`
	Classification  string    `json:"classification"`
	Confidence      string    `json:"confidence"`
	Reasoning       string    `json:"reasoning,omitempty"`
	ResolvedStyle   string    `json:"resolved_style"`
	MessageCount    int       `json:"message_count"`
	Status          string    `json:"status"`
	DraftID         string    `json:"draft_id,omitempty"`
	ReworkCount     int       `json:"rework_count"`
	LastInstruction string    `json:"last_rework_instruction,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TerminalStatus reports whether no further automatic transition applies.
func (c *Conversation) TerminalStatus() bool {
	switch c.Status {
	case ConversationSent, ConversationArchived, ConversationSkipped:
		return true
	}
	return false
}
