// Package queue is the durable outbox of pending mutations.
//
// Entries are delivered in insertion order by drain attempts. A drain attempt
// stops at the first failed delivery and leaves the store untouched; only a
// fully successful attempt removes what it delivered. Entries delivered before
// a failure are therefore delivered again by the next attempt (at-least-once).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrStore is matched (with errors.Is) by every error a Backend returns.
	ErrStore = errors.New("queue store failure")
	// ErrInvalidBody is returned when an entry body is not valid JSON.
	ErrInvalidBody = errors.New("entry body is not valid JSON")
)

// StoreError wraps a backend specific error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Entry is one pending mutation.
type Entry struct {
	// ID is assigned by the backend. IDs increase with insertion order.
	ID uint64 `json:"id"`
	// Body is the JSON payload to deliver.
	Body json.RawMessage `json:"body"`
	// Headers are sent along with the body on delivery.
	Headers   map[string]string `json:"headers,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Backend persists entries.
// Implementations must be thread-safe.
type Backend interface {
	// Append stores the entry and returns its newly assigned ID.
	Append(ctx context.Context, e Entry) (uint64, error)
	// All returns every stored entry in insertion order.
	All(ctx context.Context) ([]Entry, error)
	// Len returns the number of stored entries.
	Len(ctx context.Context) (int, error)
	// DeleteThrough removes every entry whose ID is less than or equal to id.
	DeleteThrough(ctx context.Context, id uint64) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
	Close() error
}

// DeliverFunc delivers one entry. A non-nil error means the delivery failed.
type DeliverFunc func(ctx context.Context, e Entry) error

// DrainResult describes the outcome of one drain attempt.
type DrainResult struct {
	// Delivered is the number of successful deliveries during the attempt.
	Delivered int
	// Remaining is the number of entries left in the store after the attempt.
	Remaining int
	// Failed is the delivery error that halted the attempt, nil if the attempt completed.
	Failed error
	// FailedID is the ID of the entry whose delivery failed.
	FailedID uint64
}

// Complete reports whether every entry of the attempt was delivered.
func (r DrainResult) Complete() bool {
	return r.Failed == nil
}

type Queue struct {
	backend Backend
	log     zerolog.Logger
}

// New creates a queue on top of the backend.
// The global zerolog logger is used if logger is nil.
func New(backend Backend, logger *zerolog.Logger) *Queue {
	if logger == nil {
		logger = &log.Logger
	}
	return &Queue{
		backend: backend,
		log:     logger.With().Str("component", "queue").Logger(),
	}
}

// Enqueue persists a new entry and returns it with its assigned ID.
// An empty body is stored as an empty JSON object.
func (q *Queue) Enqueue(ctx context.Context, e Entry) (Entry, error) {
	if len(e.Body) == 0 {
		e.Body = json.RawMessage("{}")
	}
	if !json.Valid(e.Body) {
		return Entry{}, ErrInvalidBody
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	id, err := q.backend.Append(ctx, e)
	if err != nil {
		q.log.Error().Err(err).Msg("Could not enqueue entry")
		return Entry{}, err
	}
	e.ID = id
	q.log.Debug().Uint64("id", id).Int("bytes", len(e.Body)).Msg("Entry enqueued")
	return e, nil
}

// DrainAttempt delivers a snapshot of the queue, one entry at a time in insertion order.
// It stops at the first failed delivery, leaving every entry in the store.
// Only when the whole snapshot was delivered are its entries removed; entries
// appended while the attempt ran are kept for the next one.
// Delivery failures are reported in the result; the error is only set when the
// store could not be read or updated.
func (q *Queue) DrainAttempt(ctx context.Context, deliver DeliverFunc) (DrainResult, error) {
	entries, err := q.backend.All(ctx)
	if err != nil {
		return DrainResult{}, err
	}
	if len(entries) == 0 {
		return DrainResult{}, nil
	}
	q.log.Debug().Int("entries", len(entries)).Msg("Draining queue")

	result := DrainResult{}
	for _, e := range entries {
		err := ctx.Err()
		if err == nil {
			err = deliver(ctx, e)
		}
		if err != nil {
			result.Failed = err
			result.FailedID = e.ID
			result.Remaining = q.remaining(ctx, len(entries))
			q.log.Warn().Err(err).
				Uint64("id", e.ID).
				Int("delivered", result.Delivered).
				Int("remaining", result.Remaining).
				Msg("Delivery failed, drain incomplete")
			return result, nil
		}
		result.Delivered++
	}

	if err := q.backend.DeleteThrough(ctx, entries[len(entries)-1].ID); err != nil {
		result.Remaining = q.remaining(ctx, len(entries))
		return result, err
	}
	result.Remaining = q.remaining(ctx, 0)
	q.log.Info().Int("delivered", result.Delivered).Int("remaining", result.Remaining).Msg("Queue drained")
	return result, nil
}

func (q *Queue) remaining(ctx context.Context, fallback int) int {
	n, err := q.backend.Len(context.WithoutCancel(ctx))
	if err != nil {
		q.log.Error().Err(err).Msg("Could not count queue entries")
		return fallback
	}
	return n
}

// Entries returns every pending entry in insertion order.
func (q *Queue) Entries(ctx context.Context) ([]Entry, error) {
	return q.backend.All(ctx)
}

// Len returns the number of pending entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.backend.Len(ctx)
}

// Clear empties the store unconditionally.
func (q *Queue) Clear(ctx context.Context) error {
	return q.backend.Clear(ctx)
}

func (q *Queue) Close() error {
	return q.backend.Close()
}
