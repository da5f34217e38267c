package storage

import (
	"context"
	"errors"
	"time"

	"potwatch/internal/trigger"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + atomic snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled and the agent runs with
// in-memory state only (dedup/quota guarantees do not survive a restart).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// State is the durable cycle state written as one atomic checkpoint.
type State struct {
	Memory trigger.Memory `json:"memory"`
	Quota  QuotaCounter   `json:"quota"`
}

// QuotaCounter counts delivered messages across all channels per UTC day.
type QuotaCounter struct {
	Day       string `json:"day"` // "2006-01-02", UTC
	Delivered int    `json:"delivered"`
}

func quotaDay(now time.Time) string { return now.UTC().Format("2006-01-02") }

// Count returns the delivered count for now's UTC day (0 after a day roll).
func (q *QuotaCounter) Count(now time.Time) int {
	if q.Day != quotaDay(now) {
		return 0
	}
	return q.Delivered
}

// Inc records one delivery, resetting the counter across the day boundary.
func (q *QuotaCounter) Inc(now time.Time) {
	day := quotaDay(now)
	if q.Day != day {
		q.Day = day
		q.Delivered = 0
	}
	q.Delivered++
}

// Outcome of one decision record.
const (
	OutcomeDelivered  = "delivered"
	OutcomeSuppressed = "suppressed"
	OutcomeFailed     = "failed"
)

// Decision is one append-only record in the audit trail: every candidate
// message produces exactly one per channel, whatever happened to it.
// Never mutated after creation.
type Decision struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	Channel     string    `json:"channel"`
	Kind        string    `json:"kind"`
	ContentHash string    `json:"content_hash"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	TookMS      int64     `json:"took_ms,omitempty"`

	// Fingerprint of the snapshot that produced the event, for traceability.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Store is the persistence API used by the loop, the gate and the ops server.
type Store interface {
	// LoadState returns the last checkpoint, or a zero State on first run.
	LoadState(ctx context.Context) (State, error)
	// CheckpointState durably replaces the cycle state. Must be atomic:
	// a crash mid-write leaves the previous checkpoint intact.
	CheckpointState(ctx context.Context, st State) error

	// LoadDedup returns all non-expired dedup keys with their expiry.
	LoadDedup(ctx context.Context) (map[string]time.Time, error)
	PutDedup(ctx context.Context, key string, until time.Time) error

	AppendDecision(ctx context.Context, d Decision) error
	// RecentDecisions returns up to limit records, newest first.
	RecentDecisions(ctx context.Context, limit int) ([]Decision, error)

	Close() error
}
