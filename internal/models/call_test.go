package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCallStatus(t *testing.T) {
	cases := map[string]CallStatus{
		"in-progress": StatusInProgress,
		"IN_PROGRESS": StatusInProgress,
		"answered":    StatusInProgress,
		" completed ": StatusCompleted,
		"cancelled":   StatusCanceled,
		"no-answer":   StatusNoAnswer,
	}
	for raw, want := range cases {
		got, ok := ParseCallStatus(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}

	_, ok := ParseCallStatus("on-hold")
	assert.False(t, ok)
}

func TestParseCallDirection(t *testing.T) {
	d, ok := ParseCallDirection("outbound-api")
	assert.True(t, ok)
	assert.Equal(t, DirectionOutbound, d)

	d, ok = ParseCallDirection("Inbound")
	assert.True(t, ok)
	assert.Equal(t, DirectionInbound, d)

	_, ok = ParseCallDirection("sideways")
	assert.False(t, ok)
}

func TestSubscriptionWants(t *testing.T) {
	all := Subscription{AccountID: "acct-1"}
	assert.True(t, all.Wants(EventCallEvent))
	assert.True(t, all.Wants(EventNotification))

	calls := Subscription{AccountID: "acct-1", EventTypes: []string{EventCallEvent}}
	assert.True(t, calls.Wants(EventCallEvent))
	assert.False(t, calls.Wants(EventNotification))
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusNoAnswer.Terminal())
	assert.False(t, StatusRinging.Terminal())
}
