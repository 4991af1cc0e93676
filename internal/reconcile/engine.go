// Package reconcile decides the fate of staged observations. The Engine is the
// only component that writes canonical fields or moves an observation out of
// pending.
//
// Every decision runs in one store transaction: the observation row is locked,
// then expiry, field locks, the canonical snapshot and the acceptance policy
// are checked before the compare-and-set write and the status transition.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/canonical"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/lock"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/metrics"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/notify"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/resilience"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/store"
)

var (
	// ErrCanonicalWriteConflict is returned when the canonical field changed
	// between the snapshot read and the write. Reconciling again is safe.
	ErrCanonicalWriteConflict = eris.New("reconcile: canonical write conflict")
	// ErrNotPending is returned when a reviewer acts on an observation that was already decided.
	ErrNotPending = eris.New("reconcile: observation is not pending")
	// ErrReviewerRequired is returned when a human action has no reviewer id.
	ErrReviewerRequired = eris.New("reconcile: reviewer id is required")
)

// Outcome classifies a Decision.
type Outcome string

const (
	OutcomeApproved   Outcome = "approved"
	OutcomeRejected   Outcome = "rejected"
	OutcomeExpired    Outcome = "expired"
	OutcomeHeldLocked Outcome = "held_locked"
	OutcomeHeldReview Outcome = "held_review"
	OutcomeNoop       Outcome = "noop"
)

// Decision is the auditable result of one reconcile, approve or reject call.
type Decision struct {
	ObservationID int64        `json:"observation_id"`
	Outcome       Outcome      `json:"outcome"`
	Status        model.Status `json:"status"`
	Reason        string       `json:"reason"`
	// Lock is the lock holding the observation, for held_locked.
	Lock *model.Lock `json:"lock,omitempty"`
	// Triggered lists locks acquired by business rules after an approval.
	Triggered []model.Lock `json:"triggered_locks,omitempty"`

	obs    *model.Observation
	signal bool
}

// TxRunner runs a function in one store transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx store.Tx) error) error
}

// PendingLister yields pending observations in creation order.
type PendingLister interface {
	ListPending(ctx context.Context, entity *model.EntityRef) iter.Seq2[model.Observation, error]
}

// Options configures an Engine. Nil fields fall back to defaults.
type Options struct {
	Policy   Policy
	Schema   *canonical.Schema
	Notifier notify.Notifier
	// Locks and Rules apply business-rule locks after an approval commits.
	Locks *lock.Registry
	Rules *lock.RuleSet
	// MaxAttempts bounds retries after a canonical write conflict.
	MaxAttempts int
}

// Engine is the reconciliation engine.
type Engine struct {
	store    TxRunner
	pending  PendingLister
	policy   Policy
	schema   *canonical.Schema
	notifier notify.Notifier
	locks    *lock.Registry
	rules    *lock.RuleSet
	retry    resilience.RetryConfig
	now      func() time.Time
	log      *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(s TxRunner, pending PendingLister, opts Options) *Engine {
	e := &Engine{
		store:    s,
		pending:  pending,
		policy:   opts.Policy,
		schema:   opts.Schema,
		notifier: opts.Notifier,
		locks:    opts.Locks,
		rules:    opts.Rules,
		retry: resilience.ConflictRetryConfig(opts.MaxAttempts, func(err error) bool {
			return errors.Is(err, ErrCanonicalWriteConflict)
		}),
		now: func() time.Time { return time.Now().UTC() },
		log: zap.L().With(zap.String("component", "reconcile")),
	}
	if e.policy == nil {
		e.policy = NewThresholdPolicy(PolicyConfig{}, opts.Schema)
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	return e
}

type actionKind int

const (
	actionAuto actionKind = iota
	actionApprove
	actionReject
)

type action struct {
	kind     actionKind
	reviewer string
	notes    string
}

// Reconcile applies, holds, rejects or expires a pending observation
// according to policy. Reconciling a decided observation is a no-op.
func (e *Engine) Reconcile(ctx context.Context, id int64) (*Decision, error) {
	return e.run(ctx, id, action{kind: actionAuto})
}

// Approve applies an observation on a reviewer's behalf. The confidence policy
// is skipped; expiry, locks, staleness and schema checks still apply.
func (e *Engine) Approve(ctx context.Context, id int64, reviewer, notes string) (*Decision, error) {
	if reviewer == "" {
		return nil, eris.Wrap(ErrReviewerRequired, "approve")
	}
	return e.run(ctx, id, action{kind: actionApprove, reviewer: reviewer, notes: notes})
}

// Reject rejects an observation on a reviewer's behalf, locked or not.
func (e *Engine) Reject(ctx context.Context, id int64, reviewer, notes string) (*Decision, error) {
	if reviewer == "" {
		return nil, eris.Wrap(ErrReviewerRequired, "reject")
	}
	return e.run(ctx, id, action{kind: actionReject, reviewer: reviewer, notes: notes})
}

// Summary counts the outcomes of a bulk run.
type Summary struct {
	Expired   int             `json:"expired,omitempty"`
	Total     int             `json:"total"`
	Errors    int             `json:"errors"`
	ByOutcome map[Outcome]int `json:"by_outcome"`
}

func (s *Summary) add(d *Decision, err error) {
	if s.ByOutcome == nil {
		s.ByOutcome = make(map[Outcome]int)
	}
	s.Total++
	if err != nil {
		s.Errors++
		return
	}
	s.ByOutcome[d.Outcome]++
}

// ReconcilePending reconciles every pending observation, optionally for one
// entity, in creation order. Per-observation errors are logged and counted.
func (e *Engine) ReconcilePending(ctx context.Context, entity *model.EntityRef) (Summary, error) {
	var sum Summary
	for o, err := range e.pending.ListPending(ctx, entity) {
		if err != nil {
			return sum, err
		}
		d, err := e.Reconcile(ctx, o.ID)
		if err != nil {
			e.log.Warn("reconcile failed", zap.Int64("observation_id", o.ID), zap.Error(err))
		}
		sum.add(d, err)
	}
	return sum, nil
}

func (e *Engine) run(ctx context.Context, id int64, act action) (*Decision, error) {
	start := time.Now()
	d, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) (*Decision, error) {
		return e.decide(ctx, id, act)
	})
	if errors.Is(err, ErrCanonicalWriteConflict) {
		e.holdConflicted(ctx, id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: observation %d", id)
	}
	metrics.RecordDecision(string(d.Outcome), time.Since(start))
	e.afterCommit(ctx, d, act)
	return d, nil
}

// conflictHoldReason is recorded on an observation whose canonical write kept
// conflicting until the retry budget ran out. It stays pending for the sweeper.
const conflictHoldReason = "canonical write conflict; retries exhausted"

func (e *Engine) holdConflicted(ctx context.Context, id int64) {
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		return tx.SetHoldReason(ctx, id, conflictHoldReason)
	})
	if err != nil {
		e.log.Warn("record conflict hold reason failed", zap.Int64("observation_id", id), zap.Error(err))
	}
}

func (e *Engine) decide(ctx context.Context, id int64, act action) (*Decision, error) {
	var d *Decision
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		o, err := tx.LockObservation(ctx, id)
		if err != nil {
			return err
		}
		d, err = e.evaluate(ctx, tx, o, act)
		if d != nil {
			d.obs = o
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (e *Engine) evaluate(ctx context.Context, tx store.Tx, o *model.Observation, act action) (*Decision, error) {
	if o.Status != model.StatusPending {
		if act.kind != actionAuto {
			return nil, eris.Wrapf(ErrNotPending, "observation %d is %s", o.ID, o.Status)
		}
		return &Decision{ObservationID: o.ID, Outcome: OutcomeNoop, Status: o.Status, Reason: o.DecisionReason}, nil
	}

	now := e.now()
	if o.IsExpired(now) {
		reason := "expired: validity window closed at " + o.ExpiresAt.UTC().Format(time.RFC3339)
		return e.finish(ctx, tx, o, act, OutcomeExpired, reason, now)
	}

	if act.kind == actionReject {
		return e.finish(ctx, tx, o, act, OutcomeRejected, "rejected by "+act.reviewer, now)
	}

	l, err := tx.FindLock(ctx, o.Entity, o.Field, now)
	if err != nil {
		return nil, err
	}
	if l != nil {
		return e.hold(ctx, tx, o, OutcomeHeldLocked, l.Describe(), l)
	}

	fv, err := tx.GetField(ctx, o.Entity, o.Field)
	if errors.Is(err, store.ErrEntityNotFound) {
		return e.finish(ctx, tx, o, act, OutcomeRejected, "entity not found: "+o.Entity.String(), now)
	}
	if err != nil {
		return nil, err
	}
	if !model.ValuesEqual(fv.Value, o.CurrentValue) {
		reason := fmt.Sprintf("stale snapshot: field is %s, observation expected %s",
			model.DisplayValue(fv.Value), model.DisplayValue(o.CurrentValue))
		return e.finish(ctx, tx, o, act, OutcomeRejected, reason, now)
	}

	if err := e.schema.Validate(o.Entity.Kind, o.Field, o.ProposedValue); err != nil {
		return e.finish(ctx, tx, o, act, OutcomeRejected, "invalid value: "+err.Error(), now)
	}

	reason := "approved by " + act.reviewer
	if act.kind == actionAuto {
		ev := e.policy.Evaluate(o)
		switch ev.Verdict {
		case VerdictReject:
			return e.finish(ctx, tx, o, act, OutcomeRejected, ev.Reason, now)
		case VerdictReview:
			return e.hold(ctx, tx, o, OutcomeHeldReview, ev.Reason, nil)
		}
		reason = "auto-approved: " + ev.Reason
	}

	err = tx.CompareAndSetField(ctx, model.FieldWrite{
		Entity:          o.Entity,
		Field:           o.Field,
		Value:           o.ProposedValue,
		ExpectedVersion: fv.Version,
		ModifiedBy:      modifiedBy(o, act),
		At:              now,
	})
	if errors.Is(err, store.ErrWriteConflict) {
		return nil, eris.Wrapf(ErrCanonicalWriteConflict, "%s at version %d", model.FieldKey(o.Entity, o.Field), fv.Version)
	}
	if err != nil {
		return nil, err
	}
	return e.finish(ctx, tx, o, act, OutcomeApproved, reason, now)
}

func (e *Engine) finish(ctx context.Context, tx store.Tx, o *model.Observation, act action, outcome Outcome, reason string, now time.Time) (*Decision, error) {
	status := model.Status(outcome)
	if act.notes != "" {
		reason += ": " + act.notes
	}
	err := tx.TransitionObservation(ctx, o.ID, model.Transition{
		To:          status,
		Reason:      reason,
		ReviewerID:  act.reviewer,
		ReviewNotes: act.notes,
		At:          now,
	})
	if err != nil {
		return nil, err
	}
	return &Decision{ObservationID: o.ID, Outcome: outcome, Status: status, Reason: reason, signal: true}, nil
}

// hold keeps the observation pending and records why. Signals fire only when
// the hold reason changes, so periodic sweeps do not repeat them.
func (e *Engine) hold(ctx context.Context, tx store.Tx, o *model.Observation, outcome Outcome, reason string, l *model.Lock) (*Decision, error) {
	changed := o.HoldReason != reason
	if changed {
		if err := tx.SetHoldReason(ctx, o.ID, reason); err != nil {
			return nil, err
		}
	}
	return &Decision{
		ObservationID: o.ID,
		Outcome:       outcome,
		Status:        model.StatusPending,
		Reason:        reason,
		Lock:          l,
		signal:        changed,
	}, nil
}

func (e *Engine) afterCommit(ctx context.Context, d *Decision, act action) {
	o := d.obs
	log := e.log.With(
		zap.Int64("observation_id", d.ObservationID),
		zap.String("outcome", string(d.Outcome)),
	)
	if o == nil || d.Outcome == OutcomeNoop {
		log.Debug("observation already decided", zap.String("status", string(d.Status)))
		return
	}
	log = log.With(zap.String("entity", o.Entity.String()), zap.String("field", o.Field))
	log.Info("observation decided", zap.String("reason", d.Reason), zap.String("reviewer", act.reviewer))

	if d.signal {
		if err := e.notifier.Notify(ctx, notify.NewEvent(signalFor(d.Outcome), o, d.Reason)); err != nil {
			log.Warn("notify failed", zap.Error(err))
		}
	}

	if d.Outcome != OutcomeApproved || e.locks == nil {
		return
	}
	triggered, err := e.rules.Apply(ctx, e.locks, o.Entity, o.Field, o.ProposedValue)
	d.Triggered = triggered
	if err != nil {
		log.Error("apply lock rules", zap.Error(err))
	}
}

func signalFor(o Outcome) notify.Signal {
	switch o {
	case OutcomeHeldLocked:
		return notify.SignalBlockedByLock
	case OutcomeHeldReview:
		return notify.SignalNeedsReview
	case OutcomeApproved:
		return notify.SignalApproved
	case OutcomeExpired:
		return notify.SignalExpired
	default:
		return notify.SignalRejected
	}
}

func modifiedBy(o *model.Observation, act action) string {
	by := string(o.Provenance.Source) + ":observation:" + strconv.FormatInt(o.ID, 10)
	if act.reviewer != "" {
		by = "reviewer:" + act.reviewer + " via " + by
	}
	return by
}
