package reconcile

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/canonical"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/lock"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/notify"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/observation"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/store"
)

var (
	project42  = model.EntityRef{Kind: model.KindProject, ID: 42}
	contract4  = model.EntityRef{Kind: model.KindContract, ID: 4}
	missingRef = model.EntityRef{Kind: model.KindProject, ID: 99}
)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) signals() []notify.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Signal, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Signal
	}
	return out
}

type fixture struct {
	st     *store.SQLiteStore
	obs    *observation.Service
	locks  *lock.Registry
	engine *Engine
	events *recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "bos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	f := &fixture{
		st:     st,
		obs:    observation.NewService(st, observation.Options{}),
		locks:  lock.NewRegistry(st),
		events: &recorder{},
	}
	if opts.Schema == nil {
		opts.Schema = canonical.DefaultSchema()
	}
	opts.Notifier = f.events
	opts.Locks = f.locks
	f.engine = NewEngine(st, f.obs, opts)
	return f
}

func (f *fixture) seed(t *testing.T, ref model.EntityRef, fields map[string]string) {
	t.Helper()
	e := &model.Entity{Ref: ref, Fields: map[string]model.FieldValue{}}
	for name, v := range fields {
		e.Fields[name] = model.FieldValue{Field: name, Value: model.StringPtr(v)}
	}
	_, err := f.st.CreateEntity(context.Background(), e)
	require.NoError(t, err)
}

func (f *fixture) propose(t *testing.T, p observation.Proposal) int64 {
	t.Helper()
	if p.Entity.Kind == "" {
		p.Entity = project42
	}
	if p.Source == "" {
		p.Source = model.SourceAIInference
	}
	id, err := f.obs.Propose(context.Background(), p)
	require.NoError(t, err)
	return id
}

func (f *fixture) observation(t *testing.T, id int64) *model.Observation {
	t.Helper()
	o, err := f.st.GetObservation(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (f *fixture) field(t *testing.T, ref model.EntityRef, name string) model.FieldValue {
	t.Helper()
	e, err := f.st.GetEntity(context.Background(), ref)
	require.NoError(t, err)
	return e.Fields[name]
}

func statusChange(current, proposed string, confidence float64) observation.Proposal {
	return observation.Proposal{
		Field:         "status",
		CurrentValue:  model.StringPtr(current),
		ProposedValue: model.StringPtr(proposed),
		Confidence:    confidence,
		Reasoning:     "client email says the project is finished",
	}
}

func TestEngine_AutoApproveRoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, project42, map[string]string{"status": "active"})
	ctx := context.Background()

	id := f.propose(t, statusChange("active", "completed", 0.95))

	d, err := f.engine.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, d.Outcome)
	assert.Equal(t, model.StatusApproved, d.Status)
	assert.Contains(t, d.Reason, "auto-approved")

	fv := f.field(t, project42, "status")
	assert.Equal(t, "completed", *fv.Value)
	assert.EqualValues(t, 2, fv.Version)
	assert.Contains(t, fv.ModifiedBy, "ai_inference:observation:")

	o := f.observation(t, id)
	assert.Equal(t, model.StatusApproved, o.Status)
	require.NotNil(t, o.DecidedAt)

	again, err := f.engine.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, again.Outcome)
	assert.Equal(t, model.StatusApproved, again.Status)
	assert.EqualValues(t, 2, f.field(t, project42, "status").Version)

	assert.Equal(t, []notify.Signal{notify.SignalApproved}, f.events.signals())
}

func TestEngine_LowConfidenceHeldThenRejected(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, project42, map[string]string{"status": "active"})
	ctx := context.Background()

	id := f.propose(t, statusChange("active", "completed", 0.4))

	d, err := f.engine.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHeldReview, d.Outcome)
	assert.Equal(t, model.StatusPending, d.Status)

	o := f.observation(t, id)
	assert.Equal(t, model.StatusPending, o.Status)
	assert.Contains(t, o.HoldReason, "low confidence")

	d, err = f.engine.Reject(ctx, id, "alice", "wrong project")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, d.Outcome)

	o = f.observation(t, id)
	assert.Equal(t, model.StatusRejected, o.Status)
	assert.Equal(t, "alice", o.ReviewerID)
	assert.Equal(t, "wrong project", o.ReviewNotes)
	assert.Empty(t, o.HoldReason)
	assert.Equal(t, "active", *f.field(t, project42, "status").Value)

	assert.Equal(t, []notify.Signal{notify.SignalNeedsReview, notify.SignalRejected}, f.events.signals())
}

func TestEngine_SupersededBeforeReconcile(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, project42, map[string]string{"status": "active"})
	ctx := context.Background()

	first := f.propose(t, statusChange("active", "on_hold", 0.95))
	second := f.propose(t, statusChange("active", "completed", 0.95))

	assert.Equal(t, model.StatusSuperseded, f.observation(t, first).Status)

	d, err := f.engine.Reconcile(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, d.Outcome)
	assert.Equal(t, model.StatusSuperseded, d.Status)

	d, err = f.engine.Reconcile(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, d.Outcome)
	assert.Equal(t, "completed", *f.field(t, project42, "status").Value)
}

func TestEngine_ExpiredNeverApproved(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, project42, map[string]string{"status": "active"})
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	p := statusChange("active", "completed", 0.99)
	p.ExpiresAt = &past
	id := f.propose(t, p)

	d, err := f.engine.Approve(ctx, id, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, d.Outcome)
	assert.Equal(t, model.StatusExpired, f.observation(t, id).Status)
	assert.Equal(t, "active", *f.field(t, project42, "status").Value)
}

func TestEngine_ExpiresWhenClockPassesExpiry(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, project42, map[string]string{"status": "active"})

	soon := time.Now().UTC().Add(time.Hour)
	p := statusChange("active", "completed", 0.99)
	p.ExpiresAt = &soon
	id := f.propose(t, p)

	f.engine.now = func() time.Time { return soon }
	d, err := f.engine.Reconcile(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, d.Outcome)
	assert.Contains(t, d.Reason, "validity window closed")
}

func TestEngine_LockedFieldHeld(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, project42, map[string]string{"status": "active"})
	ctx := context.Background()

	_, err := f.locks.Acquire(ctx, lock.LockRequest{Entity: project42, Field: "status", Reason: "under negotiation", By: "carol"})
	require.NoError(t, err)

	id := f.propose(t, statusChange("active", "completed", 0.99))

	for range 2 {
		d, err := f.engine.Reconcile(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, OutcomeHeldLocked, d.Outcome)
		require.NotNil(t, d.Lock)
		assert.Equal(t, "status", d.Lock.Field)
	}

	d, err := f.engine.Approve(ctx, id, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHeldLocked, d.Outcome)

	o := f.observation(t, id)
	assert.Equal(t, model.StatusPending, o.Status)
	assert.Contains(t, o.HoldReason, "locked project:42/status: under negotiation")
	assert.Equal(t, "active", *f.field(t, project42, "status").Value)
	assert.Equal(t, []notify.Signal{notify.SignalBlockedByLock}, f.events.signals())

	_, err = f.locks.Release(ctx, project42, "status")
	require.NoError(t, err)

	d, err = f.engine.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, d.Outcome)
	assert.Equal(t, "completed", *f.field(t, project42, "status").Value)
}

func TestEngine_WildcardLockLapses(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, project42, map[string]string{"phase": "concept"})
	ctx := context.Background()

	until := time.Now().UTC().Add(time.Hour)
	_, err := f.locks.Acquire(ctx, lock.LockRequest{Entity: project42, Field: model.WildcardField, Reason: "audit", Until: &until})
	require.NoError(t, err)

	id := f.propose(t, observation.Proposal{
		Field:         "phase",
		CurrentValue:  model.StringPtr("concept"),
		ProposedValue: model.StringPtr("schematic"),
		Confidence:    0.92,
	})

	d, err := f.engine.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHeldLocked, d.Outcome)

	f.engine.now = func() time.Time { return until.Add(time.Second) }
	d, err = f.engine.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, d.Outcome)
}

func TestEngine_StaleSnapshotRejected(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, project42, map[string]string{"status": "active"})

	id := f.propose(t, statusChange("on_hold", "completed", 0.99))

	d, err := f.engine.Reconcile(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Contains(t, d.Reason, "stale snapshot: field is active, observation expected on_hold")
	assert.Equal(t, "active", *f.field(t, project42, "status").Value)
}

func TestEngine_UnsetFieldMatchesNilSnapshot(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, project42, nil)

	id := f.propose(t, observation.Proposal{Field: "country", ProposedValue: model.StringPtr("Thailand"), Confidence: 0.95})

	d, err := f.engine.Reconcile(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, d.Outcome)
	fv := f.field(t, project42, "country")
	assert.Equal(t, "Thailand", *fv.Value)
	assert.EqualValues(t, 1, fv.Version)
}

func TestEngine_EntityNotFoundRejected(t *testing.T) {
	f := newFixture(t, Options{})

	id := f.propose(t, observation.Proposal{Entity: missingRef, Field: "status", ProposedValue: model.StringPtr("active"), Confidence: 0.99})

	d, err := f.engine.Reconcile(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Equal(t, "entity not found: project:99", d.Reason)
}

func TestEngine_InvalidValueRejected(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, project42, map[string]string{"status": "active"})

	id := f.propose(t, statusChange("active", "sleeping", 0.99))

	d, err := f.engine.Reconcile(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Contains(t, d.Reason, "invalid value")
}

func TestEngine_ReviewRequiredFieldNeedsApproval(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, project42, map[string]string{"fee": "120000"})
	ctx := context.Background()

	id := f.propose(t, observation.Proposal{
		Field:         "fee",
		CurrentValue:  model.StringPtr("120000"),
		ProposedValue: model.StringPtr("135000.00"),
		Confidence:    0.99,
		Source:        model.SourcePDFExtraction,
	})

	d, err := f.engine.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHeldReview, d.Outcome)
	assert.Contains(t, d.Reason, "requires human review")

	d, err = f.engine.Approve(ctx, id, "bob", "matches signed fee letter")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, d.Outcome)

	fv := f.field(t, project42, "fee")
	assert.Equal(t, "135000.00", *fv.Value)
	assert.Contains(t, fv.ModifiedBy, "reviewer:bob")

	o := f.observation(t, id)
	assert.Equal(t, "bob", o.ReviewerID)
	assert.Equal(t, "approved by bob: matches signed fee letter", o.DecisionReason)
}

func TestEngine_RejectBelowFloor(t *testing.T) {
	f := newFixture(t, Options{Policy: NewThresholdPolicy(PolicyConfig{RejectBelow: 0.2}, nil)})
	f.seed(t, project42, map[string]string{"status": "active"})

	id := f.propose(t, statusChange("active", "completed", 0.1))

	d, err := f.engine.Reconcile(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Contains(t, d.Reason, "rejection floor")
}

func TestEngine_HumanActionOnDecided(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, project42, map[string]string{"status": "active"})
	ctx := context.Background()

	id := f.propose(t, statusChange("active", "completed", 0.95))
	_, err := f.engine.Reconcile(ctx, id)
	require.NoError(t, err)

	_, err = f.engine.Reject(ctx, id, "alice", "")
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = f.engine.Approve(ctx, id, "alice", "")
	assert.ErrorIs(t, err, ErrNotPending)

	_, err = f.engine.Approve(ctx, id, "", "")
	assert.Error(t, err)
}

func TestEngine_NotFound(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.engine.Reconcile(context.Background(), 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_RuleLocksAfterApproval(t *testing.T) {
	rules, err := lock.NewRuleSet(lock.DefaultRules)
	require.NoError(t, err)
	f := newFixture(t, Options{Rules: rules})
	f.seed(t, contract4, map[string]string{"status": "sent", "value": "50000"})
	ctx := context.Background()

	id := f.propose(t, observation.Proposal{
		Entity:        contract4,
		Field:         "status",
		CurrentValue:  model.StringPtr("sent"),
		ProposedValue: model.StringPtr("signed"),
		Confidence:    0.97,
		Source:        model.SourceEmailBatch,
	})

	d, err := f.engine.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, d.Outcome)
	require.Len(t, d.Triggered, 1)
	assert.Equal(t, model.WildcardField, d.Triggered[0].Field)
	assert.Equal(t, "contract signed", d.Triggered[0].Reason)

	next := f.propose(t, observation.Proposal{
		Entity:        contract4,
		Field:         "value",
		CurrentValue:  model.StringPtr("50000"),
		ProposedValue: model.StringPtr("55000"),
		Confidence:    0.99,
	})
	d, err = f.engine.Approve(ctx, next, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHeldLocked, d.Outcome)
	assert.Contains(t, d.Reason, "contract signed")
}

func TestEngine_ConcurrentReconcileWritesOnce(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, project42, map[string]string{"status": "active"})
	ctx := context.Background()

	id := f.propose(t, statusChange("active", "completed", 0.95))

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.engine.Reconcile(ctx, id)
			if assert.NoError(t, err) {
				outcomes[i] = d.Outcome
			}
		}()
	}
	wg.Wait()

	approved := 0
	for _, o := range outcomes {
		if o == OutcomeApproved {
			approved++
		} else {
			assert.Equal(t, OutcomeNoop, o)
		}
	}
	assert.Equal(t, 1, approved)
	assert.EqualValues(t, 2, f.field(t, project42, "status").Version)
}

// conflictingStore fails the first n canonical writes with a write conflict.
type conflictingStore struct {
	*store.SQLiteStore
	mu sync.Mutex
	n  int
}

type conflictingTx struct {
	store.Tx
	parent *conflictingStore
}

func (s *conflictingStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.SQLiteStore.InTx(ctx, func(tx store.Tx) error {
		return fn(&conflictingTx{Tx: tx, parent: s})
	})
}

func (t *conflictingTx) CompareAndSetField(ctx context.Context, w model.FieldWrite) error {
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	if t.parent.n > 0 {
		t.parent.n--
		return store.ErrWriteConflict
	}
	return t.Tx.CompareAndSetField(ctx, w)
}

func TestEngine_RetriesWriteConflict(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, project42, map[string]string{"status": "active"})
	id := f.propose(t, statusChange("active", "completed", 0.95))

	cs := &conflictingStore{SQLiteStore: f.st, n: 1}
	engine := NewEngine(cs, f.obs, Options{Schema: canonical.DefaultSchema(), MaxAttempts: 3})

	d, err := engine.Reconcile(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, d.Outcome)
	assert.Equal(t, 0, cs.n)
}

func TestEngine_WriteConflictExhaustedLeavesPending(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, project42, map[string]string{"status": "active"})
	id := f.propose(t, statusChange("active", "completed", 0.95))

	cs := &conflictingStore{SQLiteStore: f.st, n: 10}
	engine := NewEngine(cs, f.obs, Options{Schema: canonical.DefaultSchema(), MaxAttempts: 2})

	_, err := engine.Reconcile(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCanonicalWriteConflict)
	assert.Equal(t, 8, cs.n)

	o := f.observation(t, id)
	assert.Equal(t, model.StatusPending, o.Status)
	assert.Equal(t, conflictHoldReason, o.HoldReason)
	assert.Equal(t, "active", *f.field(t, project42, "status").Value)

	// The next pass that gets through clears the hold by deciding.
	cs.n = 0
	d, err := engine.Reconcile(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, d.Outcome)
}

func TestEngine_ReconcilePending(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, project42, map[string]string{"status": "active", "phase": "concept"})
	f.seed(t, contract4, map[string]string{"status": "draft"})
	ctx := context.Background()

	f.propose(t, statusChange("active", "completed", 0.95))
	f.propose(t, observation.Proposal{Field: "phase", CurrentValue: model.StringPtr("concept"), ProposedValue: model.StringPtr("schematic"), Confidence: 0.3})
	f.propose(t, observation.Proposal{Entity: contract4, Field: "status", CurrentValue: model.StringPtr("draft"), ProposedValue: model.StringPtr("sent"), Confidence: 0.95})

	sum, err := f.engine.ReconcilePending(ctx, &project42)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.ByOutcome[OutcomeApproved])
	assert.Equal(t, 1, sum.ByOutcome[OutcomeHeldReview])
	assert.Equal(t, "draft", *f.field(t, contract4, "status").Value)

	sum, err = f.engine.ReconcilePending(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.ByOutcome[OutcomeApproved])
	assert.Equal(t, "sent", *f.field(t, contract4, "status").Value)
}
