// Package notify tells the review surface when an observation needs a human
// or has been decided.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
)

// Signal names what happened to an observation.
type Signal string

const (
	SignalBlockedByLock Signal = "blocked_by_lock"
	SignalNeedsReview   Signal = "needs_review"
	SignalRejected      Signal = "rejected"
	SignalApproved      Signal = "approved"
	SignalExpired       Signal = "expired"
)

// Event is one review-surface notification.
type Event struct {
	ID            string          `json:"id"`
	Signal        Signal          `json:"signal"`
	ObservationID int64           `json:"observation_id"`
	Entity        model.EntityRef `json:"entity"`
	Field         string          `json:"field"`
	Reason        string          `json:"reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEvent builds an event for an observation with a fresh id.
func NewEvent(sig Signal, o *model.Observation, reason string) Event {
	return Event{
		ID:            uuid.NewString(),
		Signal:        sig,
		ObservationID: o.ID,
		Entity:        o.Entity,
		Field:         o.Field,
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
	}
}

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a LogNotifier on the global logger.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: zap.L().With(zap.String("component", "notify"))}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	lvl := zap.InfoLevel
	if ev.Signal == SignalBlockedByLock || ev.Signal == SignalNeedsReview {
		lvl = zap.WarnLevel
	}
	n.log.Log(lvl, "observation "+string(ev.Signal),
		zap.String("event_id", ev.ID),
		zap.Int64("observation_id", ev.ObservationID),
		zap.String("entity", ev.Entity.String()),
		zap.String("field", ev.Field),
		zap.String("reason", ev.Reason),
	)
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
