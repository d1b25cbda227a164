package mail

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals a missing message, thread or draft. Callers treat
// it as state, not failure.
var ErrNotFound = errors.New("mail: not found")

// ErrStaleCursor signals that the provider no longer holds history for
// the given cursor and a full reconciliation is required.
var ErrStaleCursor = errors.New("mail: stale history cursor")

// Message is a single mailbox message, trimmed to what triage needs.
type Message struct {
	ID           string
	ThreadID     string
	From         string
	FromName     string
	To           string
	Subject      string
	Snippet      string
	Body         string
	MessageIDHdr string
	LabelIDs     []string
	InternalDate time.Time
}

// Thread is a conversation with messages in provider order.
type Thread struct {
	ID       string
	Messages []Message
}

// Draft is a saved reply draft.
type Draft struct {
	ID        string
	MessageID string
	ThreadID  string
	Body      string
}

// MessageRef points at a message inside a change record.
type MessageRef struct {
	MessageID string
	ThreadID  string
	LabelIDs  []string
}

// LabelChange records labels added to or removed from one message.
type LabelChange struct {
	MessageID string
	ThreadID  string
	LabelIDs  []string
}

// ChangeRecord is one entry of the provider change feed.
type ChangeRecord struct {
	HistoryID     string
	Added         []MessageRef
	LabelsAdded   []LabelChange
	LabelsRemoved []LabelChange
	Deleted       []MessageRef
}

// DraftContent describes a reply draft to create.
type DraftContent struct {
	ThreadID  string
	To        string
	Subject   string
	Body      string
	InReplyTo string
}

// WatchResponse is the provider's answer to a push subscription request.
type WatchResponse struct {
	HistoryID  string
	Expiration time.Time
}

// Profile identifies the mailbox and its current feed head.
type Profile struct {
	Email     string
	HistoryID string
}

// Client is the mailbox collaborator. One instance serves one account.
type Client interface {
	FetchMessage(ctx context.Context, id string) (*Message, error)
	FetchThread(ctx context.Context, id string) (*Thread, error)

	// ListChangesSince returns change records after the cursor plus the
	// new head cursor. ErrStaleCursor means the history is gone.
	ListChangesSince(ctx context.Context, cursor string) ([]ChangeRecord, string, error)

	Search(ctx context.Context, query string) ([]Message, error)
	ModifyLabels(ctx context.Context, ids []string, add, remove []string) error

	CreateDraft(ctx context.Context, content DraftContent) (string, error)
	TrashDraft(ctx context.Context, id string) error
	// GetDraft returns (nil, nil) when the draft no longer exists.
	GetDraft(ctx context.Context, id string) (*Draft, error)
	// ThreadDraft returns the newest draft on a thread, (nil, nil) when none.
	ThreadDraft(ctx context.Context, threadID string) (*Draft, error)
	TrashThreadDrafts(ctx context.Context, threadID string) (int, error)

	GetProfile(ctx context.Context) (*Profile, error)
	Watch(ctx context.Context, topic string, labelFilter []string) (*WatchResponse, error)
	// EnsureLabels resolves label names to provider IDs, creating the
	// missing ones. Used during account onboarding.
	EnsureLabels(ctx context.Context, names []string) (map[string]string, error)
}
