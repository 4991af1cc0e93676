package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	all := []Status{StatusPending, StatusApproved, StatusRejected, StatusExpired, StatusSuperseded}
	for _, from := range all {
		for _, to := range all {
			want := from == StatusPending && to != StatusPending
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestObservation_IsExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&Observation{}).IsExpired(now))
	assert.True(t, (&Observation{ExpiresAt: &past}).IsExpired(now))
	assert.True(t, (&Observation{ExpiresAt: &now}).IsExpired(now))
	assert.False(t, (&Observation{ExpiresAt: &future}).IsExpired(now))
}

func TestValuesEqual(t *testing.T) {
	t.Parallel()

	assert.True(t, ValuesEqual(nil, nil))
	assert.False(t, ValuesEqual(nil, StringPtr("")))
	assert.False(t, ValuesEqual(StringPtr("a"), nil))
	assert.True(t, ValuesEqual(StringPtr("a"), StringPtr("a")))
	assert.False(t, ValuesEqual(StringPtr("a"), StringPtr("b")))
}

func TestTerminalStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		rows        int64
		failed      int64
		producerErr bool
		want        BatchStatus
	}{
		{"all succeeded", 10, 0, false, BatchSuccess},
		{"empty batch", 0, 0, false, BatchSuccess},
		{"some failed", 10, 3, false, BatchPartial},
		{"all failed", 10, 10, false, BatchFailed},
		{"producer error", 10, 0, true, BatchFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TerminalStatus(tt.rows, tt.failed, tt.producerErr))
			assert.True(t, tt.want.IsTerminal())
		})
	}
	assert.False(t, BatchInProgress.IsTerminal())
}

func TestLock_EffectiveAndCovers(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	open := Lock{Field: "fee", Active: true}
	assert.True(t, open.Effective(now))
	assert.True(t, open.Covers("fee"))
	assert.False(t, open.Covers("status"))

	timed := Lock{Field: WildcardField, Active: true, Until: &later}
	assert.True(t, timed.Effective(now))
	assert.True(t, timed.Covers("anything"))

	lapsed := Lock{Field: "fee", Active: true, Until: &earlier}
	assert.False(t, lapsed.Effective(now))

	released := Lock{Field: "fee", Active: false}
	assert.False(t, released.Effective(now))
}
