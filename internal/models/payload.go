package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Payloads form a closed union: one struct per job type, validated before the
// job row is written. A malformed payload is therefore a permanent failure at
// dispatch, never a retry.

var ErrInvalidPayload = errors.New("invalid job payload")

type SyncPayload struct {
	HistoryID string `json:"history_id,omitempty"`
	ForceFull bool   `json:"force_full,omitempty"`
}

type ClassifyPayload struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
	Force     bool   `json:"force,omitempty"`
}

type DraftPayload struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
}

type ReworkPayload struct {
	MessageID string `json:"message_id"`
}

type CleanupPayload struct {
	Action    string `json:"action"`
	ThreadID  string `json:"thread_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

type ManualDraftPayload struct {
	MessageID string `json:"message_id"`
}

type AgentProcessPayload struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	Profile   string `json:"profile"`
	RuleName  string `json:"route_rule,omitempty"`
}

// Validate checks the fields a handler cannot proceed without.
func (p SyncPayload) Validate() error { return nil }

func (p ClassifyPayload) Validate() error {
	if p.MessageID == "" || p.ThreadID == "" {
		return fmt.Errorf("%w: classify requires message_id and thread_id", ErrInvalidPayload)
	}
	return nil
}

func (p DraftPayload) Validate() error {
	if p.ThreadID == "" {
		return fmt.Errorf("%w: draft requires thread_id", ErrInvalidPayload)
	}
	return nil
}

func (p ReworkPayload) Validate() error {
	if p.MessageID == "" {
		return fmt.Errorf("%w: rework requires message_id", ErrInvalidPayload)
	}
	return nil
}

func (p CleanupPayload) Validate() error {
	switch p.Action {
	case CleanupDone:
		if p.ThreadID == "" {
			return fmt.Errorf("%w: cleanup done requires thread_id", ErrInvalidPayload)
		}
	case CleanupCheckSent:
		if p.ThreadID == "" && p.MessageID == "" {
			return fmt.Errorf("%w: cleanup check_sent requires thread_id or message_id", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown cleanup action %q", ErrInvalidPayload, p.Action)
	}
	return nil
}

func (p ManualDraftPayload) Validate() error {
	if p.MessageID == "" {
		return fmt.Errorf("%w: manual_draft requires message_id", ErrInvalidPayload)
	}
	return nil
}

func (p AgentProcessPayload) Validate() error {
	if p.MessageID == "" {
		return fmt.Errorf("%w: agent_process requires message_id", ErrInvalidPayload)
	}
	if p.Profile == "" {
		return fmt.Errorf("%w: agent_process requires profile", ErrInvalidPayload)
	}
	return nil
}

// Payload is implemented by every job payload struct.
type Payload interface {
	Validate() error
}

// PayloadFor returns the matching payload struct for a job type, and whether
// the union knows the type at all.
func PayloadFor(jobType string) (Payload, bool) {
	switch jobType {
	case JobSync:
		return &SyncPayload{}, true
	case JobClassify:
		return &ClassifyPayload{}, true
	case JobDraft:
		return &DraftPayload{}, true
	case JobRework:
		return &ReworkPayload{}, true
	case JobCleanup:
		return &CleanupPayload{}, true
	case JobManualDraft:
		return &ManualDraftPayload{}, true
	case JobAgentProcess:
		return &AgentProcessPayload{}, true
	}
	return nil, false
}

// EncodePayload validates and serializes a payload for storage.
func EncodePayload(jobType string, p Payload) (string, error) {
	if _, ok := PayloadFor(jobType); !ok {
		return "", fmt.Errorf("%w: unknown job type %q", ErrInvalidPayload, jobType)
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(raw), nil
}

// DecodePayload parses a stored payload back into its typed form. The result
// is validated again so rows written by older code cannot reach a handler in
// a shape it does not expect.
func DecodePayload(jobType, raw string) (Payload, error) {
	p, ok := PayloadFor(jobType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidPayload, jobType)
	}
	if err := json.Unmarshal([]byte(raw), p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
