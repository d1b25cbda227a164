// Package assist defines the classification/draft collaborator and the
// rework marker codec shared by the draft handlers.
package assist

import "context"

// ClassifyRequest carries the conversation context for triage.
type ClassifyRequest struct {
	SenderEmail  string `json:"sender_email"`
	SenderName   string `json:"sender_name,omitempty"`
	Subject      string `json:"subject"`
	Snippet      string `json:"snippet,omitempty"`
	ThreadBody   string `json:"thread_body"`
	MessageCount int    `json:"message_count"`
}

// Classification is the collaborator's triage verdict. Category may be
// empty or unrecognized; the classify handler maps that to the
// needs-human-attention category rather than dropping the item.
type Classification struct {
	Category   string `json:"category"`
	Confidence string `json:"confidence"`
	Style      string `json:"style,omitempty"`
	Reasoning  string `json:"reasoning,omitempty"`
}

// DraftRequest carries the context for generating a fresh reply draft.
type DraftRequest struct {
	SenderEmail  string `json:"sender_email"`
	SenderName   string `json:"sender_name,omitempty"`
	Subject      string `json:"subject"`
	ThreadBody   string `json:"thread_body"`
	Style        string `json:"style,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// ReworkRequest carries the context for regenerating an existing draft.
// CurrentDraft is the text below the rework marker; Instruction is the
// user feedback extracted from above it.
type ReworkRequest struct {
	SenderEmail  string `json:"sender_email"`
	SenderName   string `json:"sender_name,omitempty"`
	Subject      string `json:"subject"`
	ThreadBody   string `json:"thread_body"`
	Style        string `json:"style,omitempty"`
	CurrentDraft string `json:"current_draft"`
	Instruction  string `json:"instruction"`
	ReworkCount  int    `json:"rework_count"`
}

// Collaborator is the opaque, possibly slow classification/draft
// service. Failure handling is local to the calling handler.
type Collaborator interface {
	Classify(ctx context.Context, req ClassifyRequest) (Classification, error)
	GenerateDraft(ctx context.Context, req DraftRequest) (string, error)
	ReworkDraft(ctx context.Context, req ReworkRequest) (string, error)
}
