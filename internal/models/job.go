package models

import (
	"database/sql"
	"time"
)

// Job is one row of the durable queue. Payload is the JSON encoding of the
// typed payload for JobType; it is fixed at enqueue time.
type Job struct {
	ID          int64        `json:"id"`
	JobType     string       `json:"job_type"`
	AccountID   int64        `json:"account_id"`
	Payload     string       `json:"payload"`
	Status      string       `json:"status"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
	ErrorMsg    string       `json:"error_message,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   sql.NullTime `json:"started_at,omitempty"`
	CompletedAt sql.NullTime `json:"completed_at,omitempty"`
}

// Terminal reports whether the job can never be claimed again.
func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}
