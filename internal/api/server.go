// Package api exposes the ledger, observation store, lock registry and
// reconciliation engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/canonical"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/ledger"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/lock"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/metrics"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/observation"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/reconcile"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/store"
)

// Ledger is the ingestion ledger surface the API serves.
type Ledger interface {
	BeginBatch(ctx context.Context, req ledger.BeginRequest) (*model.Batch, error)
	RecordRow(ctx context.Context, key, rowRef string, outcome model.RowOutcome) error
	CompleteBatch(ctx context.Context, key string, producerErr error) (model.BatchStatus, error)
	Get(ctx context.Context, key string) (*model.Batch, error)
	List(ctx context.Context, filter store.BatchFilter) ([]model.Batch, error)
}

// Observations is the observation store surface the API serves.
type Observations interface {
	ProposeBatchRow(ctx context.Context, p observation.Proposal) (int64, bool, error)
	Get(ctx context.Context, id int64) (*model.Observation, error)
	ListPending(ctx context.Context, entity *model.EntityRef) iter.Seq2[model.Observation, error]
}

// Reconciler is the engine surface the API serves.
type Reconciler interface {
	Reconcile(ctx context.Context, id int64) (*reconcile.Decision, error)
	Approve(ctx context.Context, id int64, reviewer, notes string) (*reconcile.Decision, error)
	Reject(ctx context.Context, id int64, reviewer, notes string) (*reconcile.Decision, error)
	ReconcilePending(ctx context.Context, entity *model.EntityRef) (reconcile.Summary, error)
}

// Locks is the lock registry surface the API serves.
type Locks interface {
	Acquire(ctx context.Context, req lock.LockRequest) (*model.Lock, error)
	Release(ctx context.Context, ref model.EntityRef, field string) (bool, error)
	List(ctx context.Context, ref *model.EntityRef, activeOnly bool) ([]model.Lock, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the server to the domain services.
type Deps struct {
	Ledger       Ledger
	Observations Observations
	Engine       Reconciler
	Locks        Locks
	Health       Pinger
	CORSOrigins  []string
}

// Server routes HTTP requests to the domain services.
type Server struct {
	deps Deps
	log  *zap.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	return &Server{
		deps: deps,
		log:  zap.L().With(zap.String("component", "api")),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	metrics.Register()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.deps.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.metricsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/batches", func(r chi.Router) {
		r.Post("/", s.handleBeginBatch)
		r.Get("/", s.handleListBatches)
		r.Get("/{key}", s.handleGetBatch)
		r.Post("/{key}/rows", s.handleBatchRows)
		r.Post("/{key}/complete", s.handleCompleteBatch)
	})

	r.Route("/observations", func(r chi.Router) {
		r.Post("/", s.handlePropose)
		r.Get("/pending", s.handleListPending)
		r.Get("/{id}", s.handleGetObservation)
		r.Post("/{id}/reconcile", s.handleReconcile)
		r.Post("/{id}/approve", s.handleApprove)
		r.Post("/{id}/reject", s.handleReject)
	})
	r.Post("/reconcile", s.handleReconcilePending)

	r.Route("/locks", func(r chi.Router) {
		r.Get("/", s.handleListLocks)
		r.Put("/", s.handleAcquireLock)
		r.Delete("/", s.handleReleaseLock)
	})

	return r
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequest(r.Method, path, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(r.Context()); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var errBadRequest = eris.New("bad request")

type badRequestError struct{ msg string }

func (e badRequestError) Error() string { return e.msg }
func (e badRequestError) Is(target error) bool {
	return target == errBadRequest
}

func badRequest(msg string) error { return badRequestError{msg: msg} }

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, ledger.ErrInvalidBatch),
		errors.Is(err, observation.ErrInvalidConfidence),
		errors.Is(err, observation.ErrInvalidObservation),
		errors.Is(err, lock.ErrInvalidLock),
		errors.Is(err, canonical.ErrUnknownField),
		errors.Is(err, canonical.ErrInvalidValue),
		errors.Is(err, reconcile.ErrReviewerRequired):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrNotPending),
		errors.Is(err, reconcile.ErrCanonicalWriteConflict),
		errors.Is(err, ledger.ErrChecksumMismatch),
		errors.Is(err, errBatchClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: " + err.Error())
	}
	return nil
}

const maxBodyBytes = 8 << 20
