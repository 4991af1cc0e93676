package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/reconcile"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "héllo", truncate("héllo", 5))
}

func TestOrDash(t *testing.T) {
	assert.Equal(t, "-", orDash(""))
	assert.Equal(t, "bill", orDash("bill"))
}

func TestFormatObservations(t *testing.T) {
	var buf bytes.Buffer
	formatObservations(&buf, []model.Observation{{
		ID:            7,
		Entity:        model.EntityRef{Kind: model.KindProject, ID: 42},
		Field:         "status",
		CurrentValue:  model.StringPtr("active"),
		ProposedValue: model.StringPtr("on_hold"),
		Confidence:    0.85,
		Provenance:    model.Provenance{Source: model.SourceEmailBatch},
		HoldReason:    "needs review",
	}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "project:42")
	assert.Contains(t, lines[1], "on_hold")
	assert.Contains(t, lines[1], "0.85")
	assert.Contains(t, lines[1], "email_batch")
	assert.Contains(t, lines[1], "needs review")
}

func TestFormatBatches(t *testing.T) {
	var buf bytes.Buffer
	formatBatches(&buf, []model.Batch{{
		Key:           "manual_excel:abc",
		Source:        model.SourceManualExcel,
		Status:        model.BatchPartial,
		RowsSeen:      3,
		RowsSucceeded: 2,
		RowsFailed:    1,
		StartedAt:     time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}})

	out := buf.String()
	assert.Contains(t, out, "manual_excel:abc")
	assert.Contains(t, out, "partial")
	assert.Contains(t, out, "2026-03-01 09:30:00")
}

func TestFormatLocks(t *testing.T) {
	var buf bytes.Buffer
	formatLocks(&buf, []model.Lock{{
		Entity: model.EntityRef{Kind: model.KindContract, ID: 7},
		Field:  model.WildcardField,
		Active: true,
		Reason: "contract signed",
	}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "contract:7")
	assert.Contains(t, lines[1], "true")
	assert.Contains(t, lines[1], "contract signed")
}

func TestFormatEntity_SortsFields(t *testing.T) {
	var buf bytes.Buffer
	formatEntity(&buf, &model.Entity{
		Ref: model.EntityRef{Kind: model.KindProject, ID: 42},
		Fields: map[string]model.FieldValue{
			"status": {Field: "status", Value: model.StringPtr("active"), Version: 3, ModifiedBy: "engine"},
			"name":   {Field: "name", Value: model.StringPtr("Villa"), Version: 1},
		},
	})

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "project:42"))
	assert.Less(t, strings.Index(out, "name"), strings.Index(out, "status"))
	assert.Contains(t, out, "engine")
}

func TestFormatDecision(t *testing.T) {
	var buf bytes.Buffer
	formatDecision(&buf, &reconcile.Decision{
		ObservationID: 9,
		Outcome:       reconcile.OutcomeApproved,
		Reason:        "confidence above threshold",
		Triggered: []model.Lock{{
			Entity: model.EntityRef{Kind: model.KindContract, ID: 7},
			Field:  model.WildcardField,
			Active: true,
			Reason: "contract signed",
		}},
	})

	out := buf.String()
	assert.Contains(t, out, "observation 9: approved (confidence above threshold)")
	assert.Contains(t, out, "locked contract:7/*: contract signed")
}

func TestFormatSummary(t *testing.T) {
	var buf bytes.Buffer
	formatSummary(&buf, reconcile.Summary{
		Total:   5,
		Errors:  1,
		Expired: 2,
		ByOutcome: map[reconcile.Outcome]int{
			reconcile.OutcomeRejected: 1,
			reconcile.OutcomeApproved: 3,
		},
	})
	assert.Equal(t, "reconciled 5 (errors 1, expired 2) approved=3 rejected=1\n", buf.String())
}
