// Package domain holds the core call types shared across the relay.
package domain

import "time"

// CallContext is the per-call metadata supplied by the telephony side.
type CallContext struct {
	CallID       string `json:"callId"`
	TenantID     string `json:"tenantId"`
	StoreID      string `json:"storeId"`
	DID          string `json:"did,omitempty"`
	CallerNumber string `json:"callerNumber,omitempty"`
	AgentRef     string `json:"agentRef,omitempty"`
}

// Missing returns the names of required fields that are empty.
func (c CallContext) Missing() []string {
	var missing []string
	if c.CallID == "" {
		missing = append(missing, "callId")
	}
	if c.TenantID == "" {
		missing = append(missing, "tenantId")
	}
	if c.StoreID == "" {
		missing = append(missing, "storeId")
	}
	return missing
}

// Status is the lifecycle state of a call session.
type Status string

const (
	StatusCreated Status = "created"
	StatusActive  Status = "active"
	StatusEnding  Status = "ending"
	StatusEnded   Status = "ended"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further processing is allowed.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusCreated: {StatusActive, StatusFailed},
	StatusActive:  {StatusEnding, StatusFailed},
	StatusEnding:  {StatusEnded},
}

// CanTransition reports whether moving from one status to another is allowed.
// Transitions are monotonic: nothing ever re-enters active.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleDTMF      = "dtmf"
)

// TranscriptEntry is one role-tagged utterance.
type TranscriptEntry struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
