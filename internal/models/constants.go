package models

// Job types processed by the worker pool.
const (
	JobSync         = "sync"
	JobClassify     = "classify"
	JobDraft        = "draft"
	JobCleanup      = "cleanup"
	JobRework       = "rework"
	JobManualDraft  = "manual_draft"
	JobAgentProcess = "agent_process"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Cleanup payload actions.
const (
	CleanupDone      = "done"
	CleanupCheckSent = "check_sent"
)

// Conversation statuses. Archived, skipped and sent are terminal.
const (
	ConversationPending  = "pending"
	ConversationDrafted  = "drafted"
	ConversationRework   = "rework_requested"
	ConversationSent     = "sent"
	ConversationArchived = "archived"
	ConversationSkipped  = "skipped"
)

// Classification categories. ActionRequired doubles as the fallback when the
// collaborator returns something unrecognized: under-triaging is worse than
// over-triaging.
const (
	CategoryNeedsResponse  = "needs_response"
	CategoryActionRequired = "action_required"
	CategoryPaymentRequest = "payment_request"
	CategoryFYI            = "fyi"
	CategoryWaiting        = "waiting"
)

// Label keys mapped to provider label IDs per account.
const (
	LabelNeedsResponse  = "needs_response"
	LabelOutbox         = "outbox"
	LabelRework         = "rework"
	LabelActionRequired = "action_required"
	LabelPaymentRequest = "payment_request"
	LabelFYI            = "fyi"
	LabelWaiting        = "waiting"
	LabelDone           = "done"
)

// ManagedLabelKeys are every label the pipeline owns. Used for the full
// reconciliation exclusion query and the done cleanup.
var ManagedLabelKeys = []string{
	LabelNeedsResponse, LabelOutbox, LabelRework, LabelActionRequired,
	LabelPaymentRequest, LabelFYI, LabelWaiting, LabelDone,
}

// LabelDisplayNames maps label keys to the provider-visible names
// created during account onboarding.
var LabelDisplayNames = map[string]string{
	LabelNeedsResponse:  "AI/Needs Response",
	LabelOutbox:         "AI/Outbox",
	LabelRework:         "AI/Rework",
	LabelActionRequired: "AI/Action Required",
	LabelPaymentRequest: "AI/Payment Request",
	LabelFYI:            "AI/FYI",
	LabelWaiting:        "AI/Waiting",
	LabelDone:           "AI/Done",
}

// ProcessingLabelKeys are stripped on done cleanup; the done marker
// itself stays on the thread.
var ProcessingLabelKeys = []string{
	LabelNeedsResponse, LabelOutbox, LabelRework, LabelActionRequired,
	LabelPaymentRequest, LabelFYI, LabelWaiting,
}

const (
	// DefaultMaxAttempts is the per-job claim budget before terminal failure.
	DefaultMaxAttempts = 3

	// MaxReworkCount caps automatic draft rework per conversation.
	MaxReworkCount = 3

	// DefaultJobRetentionDays before terminal jobs are garbage collected.
	DefaultJobRetentionDays = 7

	// DefaultStalledGraceMinutes before a running job is considered orphaned
	// and requeued on startup.
	DefaultStalledGraceMinutes = 10
)
