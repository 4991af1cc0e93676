package reconcile

import (
	"fmt"
	"slices"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/canonical"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
)

// DefaultThreshold is the confidence at or above which an observation is
// applied without a reviewer.
const DefaultThreshold = 0.9

// Verdict is what a Policy wants done with a pending observation.
type Verdict int

const (
	VerdictReview Verdict = iota
	VerdictApprove
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictApprove:
		return "approve"
	case VerdictReject:
		return "reject"
	default:
		return "review"
	}
}

// Evaluation is a policy verdict with the reason shown to reviewers.
type Evaluation struct {
	Verdict Verdict
	Reason  string
}

// Policy decides automatic acceptance. It only sees observations that already
// passed the expiry, lock and staleness checks.
type Policy interface {
	Evaluate(o *model.Observation) Evaluation
}

// PolicyConfig mirrors the reconcile section of the configuration.
type PolicyConfig struct {
	Threshold float64
	// RejectBelow vetoes observations with lower confidence. Zero disables the veto.
	RejectBelow float64
	// FieldThresholds overrides Threshold per kind and field.
	FieldThresholds map[string]map[string]float64
	// ReviewFields lists, per kind, fields that always need a reviewer.
	ReviewFields map[string][]string
}

// ThresholdPolicy approves observations whose confidence reaches the threshold
// for their field, unless the field always requires human review.
type ThresholdPolicy struct {
	threshold       float64
	rejectBelow     float64
	fieldThresholds map[model.EntityKind]map[string]float64
	reviewFields    map[model.EntityKind][]string
	schema          *canonical.Schema
}

// NewThresholdPolicy builds a ThresholdPolicy. Fields the schema marks as
// review-required are added to cfg.ReviewFields.
func NewThresholdPolicy(cfg PolicyConfig, schema *canonical.Schema) *ThresholdPolicy {
	p := &ThresholdPolicy{
		threshold:       cfg.Threshold,
		rejectBelow:     cfg.RejectBelow,
		fieldThresholds: make(map[model.EntityKind]map[string]float64, len(cfg.FieldThresholds)),
		reviewFields:    make(map[model.EntityKind][]string, len(cfg.ReviewFields)),
		schema:          schema,
	}
	if p.threshold <= 0 {
		p.threshold = DefaultThreshold
	}
	for kind, fields := range cfg.FieldThresholds {
		p.fieldThresholds[model.EntityKind(kind)] = fields
	}
	for kind, fields := range cfg.ReviewFields {
		p.reviewFields[model.EntityKind(kind)] = fields
	}
	return p
}

// Threshold returns the auto-approve threshold for kind.field.
func (p *ThresholdPolicy) Threshold(kind model.EntityKind, field string) float64 {
	if t, ok := p.fieldThresholds[kind][field]; ok {
		return t
	}
	return p.threshold
}

// RequiresReview reports whether kind.field is never applied automatically.
func (p *ThresholdPolicy) RequiresReview(kind model.EntityKind, field string) bool {
	return slices.Contains(p.reviewFields[kind], field) || p.schema.ReviewRequired(kind, field)
}

func (p *ThresholdPolicy) Evaluate(o *model.Observation) Evaluation {
	if p.rejectBelow > 0 && o.Confidence < p.rejectBelow {
		return Evaluation{
			Verdict: VerdictReject,
			Reason:  fmt.Sprintf("confidence %.2f below rejection floor %.2f", o.Confidence, p.rejectBelow),
		}
	}
	if p.RequiresReview(o.Entity.Kind, o.Field) {
		return Evaluation{
			Verdict: VerdictReview,
			Reason:  fmt.Sprintf("field %s.%s requires human review", o.Entity.Kind, o.Field),
		}
	}
	threshold := p.Threshold(o.Entity.Kind, o.Field)
	if o.Confidence >= threshold {
		return Evaluation{
			Verdict: VerdictApprove,
			Reason:  fmt.Sprintf("confidence %.2f meets threshold %.2f", o.Confidence, threshold),
		}
	}
	return Evaluation{
		Verdict: VerdictReview,
		Reason:  fmt.Sprintf("low confidence: %.2f below threshold %.2f", o.Confidence, threshold),
	}
}
