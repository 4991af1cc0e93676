package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/canonical"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
)

func TestThresholdPolicy_Evaluate(t *testing.T) {
	p := NewThresholdPolicy(PolicyConfig{
		Threshold:       0.85,
		RejectBelow:     0.1,
		FieldThresholds: map[string]map[string]float64{"invoice": {"status": 0.98}},
		ReviewFields:    map[string][]string{"client": {"email"}},
	}, canonical.DefaultSchema())

	obs := func(kind model.EntityKind, field string, confidence float64) *model.Observation {
		return &model.Observation{Entity: model.EntityRef{Kind: kind, ID: 1}, Field: field, Confidence: confidence}
	}

	tests := []struct {
		name    string
		o       *model.Observation
		verdict Verdict
		reason  string
	}{
		{"meets global threshold", obs(model.KindProject, "status", 0.85), VerdictApprove, "meets threshold 0.85"},
		{"below global threshold", obs(model.KindProject, "status", 0.84), VerdictReview, "low confidence"},
		{"field override", obs(model.KindInvoice, "status", 0.95), VerdictReview, "threshold 0.98"},
		{"field override met", obs(model.KindInvoice, "status", 0.99), VerdictApprove, ""},
		{"configured review field", obs(model.KindClient, "email", 1), VerdictReview, "client.email requires human review"},
		{"schema review field", obs(model.KindInvoice, "amount", 1), VerdictReview, "requires human review"},
		{"veto", obs(model.KindProject, "status", 0.05), VerdictReject, "rejection floor"},
		{"veto beats review", obs(model.KindClient, "email", 0.05), VerdictReject, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := p.Evaluate(tt.o)
			assert.Equal(t, tt.verdict, ev.Verdict, ev.Reason)
			assert.Contains(t, ev.Reason, tt.reason)
		})
	}
}

func TestThresholdPolicy_Defaults(t *testing.T) {
	p := NewThresholdPolicy(PolicyConfig{}, nil)
	assert.Equal(t, DefaultThreshold, p.Threshold(model.KindProject, "status"))
	assert.False(t, p.RequiresReview(model.KindProject, "fee"))

	ev := p.Evaluate(&model.Observation{Entity: model.EntityRef{Kind: model.KindProject, ID: 1}, Field: "status", Confidence: 0})
	assert.Equal(t, VerdictReview, ev.Verdict)
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "approve", VerdictApprove.String())
	assert.Equal(t, "reject", VerdictReject.String())
	assert.Equal(t, "review", VerdictReview.String())
}
