package models

import (
	"database/sql"
	"time"
)

// Account is one synchronized mailbox owner.
type Account struct {
	ID          int64        `json:"id"`
	Email       string       `json:"email"`
	DisplayName string       `json:"display_name,omitempty"`
	IsActive    bool         `json:"is_active"`
	OnboardedAt sql.NullTime `json:"onboarded_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}
