package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CallDirection is the leg direction as seen from the tenant's number.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CallStatus is the normalized telephony status.
type CallStatus string

const (
	StatusQueued     CallStatus = "queued"
	StatusInitiated  CallStatus = "initiated"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in-progress"
	StatusCompleted  CallStatus = "completed"
	StatusBusy       CallStatus = "busy"
	StatusFailed     CallStatus = "failed"
	StatusNoAnswer   CallStatus = "no-answer"
	StatusCanceled   CallStatus = "canceled"
)

var statusAliases = map[string]CallStatus{
	"queued":      StatusQueued,
	"initiated":   StatusInitiated,
	"ringing":     StatusRinging,
	"in-progress": StatusInProgress,
	"in_progress": StatusInProgress,
	"inprogress":  StatusInProgress,
	"answered":    StatusInProgress,
	"completed":   StatusCompleted,
	"ended":       StatusCompleted,
	"busy":        StatusBusy,
	"failed":      StatusFailed,
	"no-answer":   StatusNoAnswer,
	"no_answer":   StatusNoAnswer,
	"noanswer":    StatusNoAnswer,
	"canceled":    StatusCanceled,
	"cancelled":   StatusCanceled,
}

// ParseCallStatus folds provider spellings into a CallStatus.
func ParseCallStatus(raw string) (CallStatus, bool) {
	status, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]
	return status, ok
}

// Terminal reports whether no further status changes are expected.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusBusy, StatusFailed, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}

// ParseCallDirection maps provider direction strings. Twilio reports
// "outbound-api" and "outbound-dial" for outbound legs.
func ParseCallDirection(raw string) (CallDirection, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case v == "":
		return "", false
	case strings.HasPrefix(v, "inbound"):
		return DirectionInbound, true
	case strings.HasPrefix(v, "outbound"):
		return DirectionOutbound, true
	}
	return "", false
}

// CallEvent is a normalized telephony status change. It is created once by
// the normalizer and never modified afterwards.
type CallEvent struct {
	ID             uuid.UUID     `json:"id"`
	ExternalCallID string        `json:"external_call_id"`
	Direction      CallDirection `json:"direction"`
	Status         CallStatus    `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
	AccountID      string        `json:"account_id"`
	Provider       string        `json:"provider"`
	From           string        `json:"from,omitempty"`
	To             string        `json:"to,omitempty"`
}

// DedupKey identifies a provider status report independent of retries.
func (e CallEvent) DedupKey() string {
	return e.Provider + ":" + e.ExternalCallID + ":" + string(e.Status)
}
