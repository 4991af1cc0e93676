package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/ledger"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/lock"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/observation"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/reconcile"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/store"
)

var errBatchClosed = eris.New("batch is already complete")

const defaultPendingLimit = 500

// Batches

type beginResponse struct {
	Duplicate bool         `json:"duplicate"`
	Batch     *model.Batch `json:"batch"`
}

func (s *Server) handleBeginBatch(w http.ResponseWriter, r *http.Request) {
	var req ledger.BeginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	// Without a key the batch cannot be resumed; producers that retry send their own.
	if req.Key == "" && req.Source != "" {
		req.Key = string(req.Source) + ":" + uuid.NewString()
	}
	b, err := s.deps.Ledger.BeginBatch(r.Context(), req)
	switch {
	case errors.Is(err, ledger.ErrDuplicateBatch):
		writeJSON(w, http.StatusOK, beginResponse{Duplicate: true, Batch: b})
	case err != nil:
		s.writeError(w, r, err)
	default:
		// Started and resumed batches look the same to the producer.
		writeJSON(w, http.StatusOK, beginResponse{Batch: b})
	}
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.BatchFilter{
		Status: model.BatchStatus(q.Get("status")),
		Source: model.SourceKind(q.Get("source")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, badRequest("limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	batches, err := s.deps.Ledger.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Ledger.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type batchRowsRequest struct {
	Rows []observation.Proposal `json:"rows"`
	// Reconcile runs the engine on each newly proposed row.
	Reconcile bool `json:"reconcile"`
}

type rowResult struct {
	RowRef    string              `json:"row_ref"`
	ID        int64               `json:"id,omitempty"`
	Duplicate bool                `json:"duplicate,omitempty"`
	Error     string              `json:"error,omitempty"`
	Decision  *reconcile.Decision `json:"decision,omitempty"`
}

// handleBatchRows proposes rows against an in-progress batch in request
// order, so a later row for the same field supersedes an earlier one.
// Resubmitted rows are counted once per row_ref; accepted ones are reported
// as duplicates.
func (s *Server) handleBatchRows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")

	var req batchRowsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.deps.Ledger.Get(ctx, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if b.Status.IsTerminal() {
		s.writeError(w, r, errBatchClosed)
		return
	}

	// Row references make resubmitted rows idempotent, so they cannot be derived here.
	for i, p := range req.Rows {
		if strings.TrimSpace(p.RowRef) == "" {
			s.writeError(w, r, badRequest("rows["+strconv.Itoa(i)+"]: row_ref is required"))
			return
		}
	}

	results := make([]rowResult, 0, len(req.Rows))
	for _, p := range req.Rows {
		p.BatchKey = key
		if p.Source == "" {
			p.Source = b.Source
		}
		res := rowResult{RowRef: p.RowRef}

		id, dup, err := s.deps.Observations.ProposeBatchRow(ctx, p)
		res.ID, res.Duplicate = id, dup
		if err != nil {
			res.Error = err.Error()
		}
		outcome := model.RowSucceeded
		if err != nil {
			outcome = model.RowFailed
		}
		if rerr := s.deps.Ledger.RecordRow(ctx, key, p.RowRef, outcome); rerr != nil {
			s.writeError(w, r, rerr)
			return
		}
		if err == nil && !dup && req.Reconcile {
			d, derr := s.deps.Engine.Reconcile(ctx, id)
			if derr != nil {
				s.log.Warn("reconcile after propose failed", zap.Int64("observation_id", id), zap.Error(derr))
			}
			res.Decision = d
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_key": key, "rows": results})
}

type completeRequest struct {
	// Error is the producer's failure message; non-empty fails the batch.
	Error string `json:"error,omitempty"`
}

func (s *Server) handleCompleteBatch(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	var producerErr error
	if req.Error != "" {
		producerErr = errors.New(req.Error)
	}
	key := chi.URLParam(r, "key")
	status, err := s.deps.Ledger.CompleteBatch(r.Context(), key, producerErr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"batch_key": key, "status": string(status)})
}

// Observations

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var p observation.Proposal
	if err := decodeJSON(w, r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if p.BatchKey != "" {
		s.writeError(w, r, badRequest("batch rows go to /batches/{key}/rows"))
		return
	}
	id, _, err := s.deps.Observations.ProposeBatchRow(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := defaultPendingLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			s.writeError(w, r, badRequest("limit must be a positive integer"))
			return
		}
	}

	out := make([]model.Observation, 0)
	for o, err := range s.deps.Observations.ListPending(r.Context(), entity) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out = append(out, o)
		if len(out) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetObservation(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.deps.Observations.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.deps.Engine.Reconcile(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type reviewRequest struct {
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.review(w, r, s.deps.Engine.Approve)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.review(w, r, s.deps.Engine.Reject)
}

func (s *Server) review(w http.ResponseWriter, r *http.Request, act func(ctx context.Context, id int64, reviewer, notes string) (*reconcile.Decision, error)) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req reviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := act(r.Context(), id, strings.TrimSpace(req.Reviewer), req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleReconcilePending(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sum, err := s.deps.Engine.ReconcilePending(r.Context(), entity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Locks

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	activeOnly := r.URL.Query().Get("all") != "true"
	locks, err := s.deps.Locks.List(r.Context(), entity, activeOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if locks == nil {
		locks = []model.Lock{}
	}
	writeJSON(w, http.StatusOK, locks)
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req lock.LockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	l, err := s.deps.Locks.Acquire(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	field := r.URL.Query().Get("field")
	if entity == nil || field == "" {
		s.writeError(w, r, badRequest("entity and field are required"))
		return
	}
	released, err := s.deps.Locks.Release(r.Context(), *entity, field)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("observation id must be a positive integer")
	}
	return id, nil
}

// entityParam parses the optional ?entity=kind:id filter.
func entityParam(r *http.Request) (*model.EntityRef, error) {
	v := r.URL.Query().Get("entity")
	if v == "" {
		return nil, nil
	}
	ref, err := model.ParseEntityRef(v)
	if err != nil {
		return nil, badRequest(err.Error())
	}
	return &ref, nil
}
