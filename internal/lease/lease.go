// Package lease arbitrates exclusive claims over units of work using nothing
// but a uniquely keyed row: inserting the row is the claim, a completed
// reference marks the work done, and a pending row older than the TTL may be
// taken over by a conditional rewrite that only one caller can win.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a pending reservation is honoured before another
// caller may take it over.
const DefaultTTL = 2 * time.Hour

// Outcome is the result of a claim attempt.
type Outcome string

const (
	// Claimed: the caller inserted the row and owns the work.
	Claimed Outcome = "claimed"
	// TakenOver: the caller rewrote a stale pending row and owns the work.
	TakenOver Outcome = "taken_over"
	// AlreadyDone: the work carries a completed reference.
	AlreadyDone Outcome = "already_done"
	// InProgress: another caller holds a fresh reservation; retry later.
	InProgress Outcome = "in_progress"
	// LostRace: the row was stale but another caller took it over first.
	LostRace Outcome = "lost_race"
)

// Owned reports whether the outcome grants the caller the work.
func (o Outcome) Owned() bool {
	return o == Claimed || o == TakenOver
}

// Row is the state of an existing lease row as read back after a conflict.
type Row struct {
	Done       bool
	Ref        uuid.UUID
	ReservedAt time.Time
}

// Table is the storage behind one kind of lease, keyed by K.
type Table[K any] interface {
	// Insert creates a pending row. It reports false, nil when a row for
	// key already exists.
	Insert(ctx context.Context, key K, now time.Time) (bool, error)
	Get(ctx context.Context, key K) (Row, error)
	// Takeover re-reserves an unfinished row, but only if its reservation
	// time still equals seen. It reports whether a row was rewritten.
	Takeover(ctx context.Context, key K, seen, now time.Time) (bool, error)
	// Complete stamps the row with its completed reference.
	Complete(ctx context.Context, key K, ref uuid.UUID, now time.Time) error
}

// Result describes a claim attempt.
type Result struct {
	Outcome Outcome
	// Ref is the completed reference when Outcome is AlreadyDone.
	Ref uuid.UUID
	// ReservedAt is the reservation time of the row the caller observed.
	ReservedAt time.Time
}

// Manager claims, inspects, takes over and completes leases in one Table.
type Manager[K any] struct {
	table Table[K]
	ttl   time.Duration
	now   func() time.Time
}

// NewManager creates a Manager. A non-positive ttl selects DefaultTTL.
func NewManager[K any](table Table[K], ttl time.Duration) *Manager[K] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager[K]{table: table, ttl: ttl, now: time.Now}
}

// WithClock replaces the manager's clock.
func (m *Manager[K]) WithClock(now func() time.Time) *Manager[K] {
	m.now = now
	return m
}

// Claim tries to acquire the lease for key.
func (m *Manager[K]) Claim(ctx context.Context, key K) (Result, error) {
	now := m.now().UTC()

	inserted, err := m.table.Insert(ctx, key, now)
	if err != nil {
		return Result{}, fmt.Errorf("lease: insert: %w", err)
	}
	if inserted {
		return Result{Outcome: Claimed, ReservedAt: now}, nil
	}

	existing, err := m.table.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("lease: read conflicting row: %w", err)
	}
	return m.resolve(ctx, key, existing, now)
}

func (m *Manager[K]) resolve(ctx context.Context, key K, existing Row, now time.Time) (Result, error) {
	if existing.Done {
		return Result{Outcome: AlreadyDone, Ref: existing.Ref, ReservedAt: existing.ReservedAt}, nil
	}
	if !Stale(existing.ReservedAt, now, m.ttl) {
		return Result{Outcome: InProgress, ReservedAt: existing.ReservedAt}, nil
	}

	won, err := m.table.Takeover(ctx, key, existing.ReservedAt, now)
	if err != nil {
		return Result{}, fmt.Errorf("lease: takeover: %w", err)
	}
	if !won {
		return Result{Outcome: LostRace, ReservedAt: existing.ReservedAt}, nil
	}
	return Result{Outcome: TakenOver, ReservedAt: now}, nil
}

// Complete marks the work for key as done with ref.
func (m *Manager[K]) Complete(ctx context.Context, key K, ref uuid.UUID) error {
	if err := m.table.Complete(ctx, key, ref, m.now().UTC()); err != nil {
		return fmt.Errorf("lease: complete: %w", err)
	}
	return nil
}

// Stale reports whether a reservation made at reservedAt has outlived ttl.
func Stale(reservedAt, now time.Time, ttl time.Duration) bool {
	return now.Sub(reservedAt) > ttl
}
