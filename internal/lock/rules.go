package lock

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
)

// Rule locks LockField on an entity once Field of that kind is set to Value.
// An empty Value matches any value.
type Rule struct {
	Kind      model.EntityKind `json:"kind" mapstructure:"kind"`
	Field     string           `json:"field" mapstructure:"field"`
	Value     string           `json:"value" mapstructure:"value"`
	LockField string           `json:"lock_field" mapstructure:"lock_field"`
	Reason    string           `json:"reason" mapstructure:"reason"`
}

// DefaultRules freeze a contract once it is signed.
var DefaultRules = []Rule{
	{Kind: model.KindContract, Field: "status", Value: "signed", LockField: model.WildcardField, Reason: "contract signed"},
}

// RuleSet evaluates business-rule lock triggers for applied field values.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet validates rules and returns a RuleSet.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	for i, r := range rules {
		if !r.Kind.Valid() {
			return nil, eris.Errorf("lock: rule %d has unknown kind %q", i, r.Kind)
		}
		if r.Field == "" || r.LockField == "" {
			return nil, eris.Errorf("lock: rule %d needs field and lock_field", i)
		}
	}
	return &RuleSet{rules: rules}, nil
}

// Match returns the lock requests triggered by field being set to value.
func (rs *RuleSet) Match(ref model.EntityRef, field string, value *string) []LockRequest {
	if rs == nil {
		return nil
	}
	var out []LockRequest
	for _, r := range rs.rules {
		if r.Kind != ref.Kind || r.Field != field {
			continue
		}
		if r.Value != "" && (value == nil || *value != r.Value) {
			continue
		}
		out = append(out, LockRequest{
			Entity: ref,
			Field:  r.LockField,
			Reason: r.Reason,
			By:     "rule:" + string(r.Kind) + "." + r.Field,
		})
	}
	return out
}

// Apply acquires every lock triggered by an applied value and returns them.
func (rs *RuleSet) Apply(ctx context.Context, reg *Registry, ref model.EntityRef, field string, value *string) ([]model.Lock, error) {
	var acquired []model.Lock
	for _, req := range rs.Match(ref, field, value) {
		l, err := reg.Acquire(ctx, req)
		if err != nil {
			return acquired, eris.Wrapf(err, "lock: apply rule for %s", model.FieldKey(ref, field))
		}
		reg.log.Info("rule lock triggered",
			zap.String("entity", ref.String()),
			zap.String("trigger_field", field),
			zap.String("locked_field", req.Field),
		)
		acquired = append(acquired, *l)
	}
	return acquired, nil
}
