// Package store provides the Postgres access layer for the engagement engine.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

//go:embed migrations/*.sql
var migrations embed.FS

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store wraps Queries and provides transaction support.
type Store struct {
	pool DBTX
	*Queries
}

// NewStore creates a new Store wrapping the given connection pool.
func NewStore(pool DBTX) *Store {
	return &Store{
		pool:    pool,
		Queries: New(pool),
	}
}

// Tx executes fn inside a database transaction. If fn returns an error the
// transaction is rolled back; otherwise it is committed.
func (s *Store) Tx(ctx context.Context, fn func(q *Queries) error) error {
	// If the pool is already a tx (e.g. nested), we just run fn directly.
	beginner, ok := s.pool.(interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	})
	if !ok {
		return fn(s.Queries)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(s.Queries.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Migrate applies the embedded schema files in lexical order. Every statement
// is idempotent, so running it on an initialized database is a no-op.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("store: list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("store: read %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("store: apply %s: %w", name, err)
		}
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint conflict.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// IsNotFound reports whether err means the queried row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// ApplyVoteParams identifies one vote submission.
type ApplyVoteParams struct {
	UserID  uuid.UUID
	PostID  uuid.UUID
	AgentID uuid.UUID
	Value   int16
}

// ApplyVote records value as the user's vote on a post and adjusts the post
// tallies by the difference from the prior vote. Resubmitting the current
// value changes nothing; submitting 0 withdraws the vote.
func (s *Store) ApplyVote(ctx context.Context, arg ApplyVoteParams) (VoteChange, error) {
	var change VoteChange
	err := s.Tx(ctx, func(q *Queries) error {
		// Locking the post serializes concurrent votes on it.
		if _, _, err := q.LockPostForVote(ctx, arg.PostID); err != nil {
			return fmt.Errorf("lock post: %w", err)
		}

		prior, err := q.GetVote(ctx, arg.UserID, arg.PostID)
		if err != nil {
			if !IsNotFound(err) {
				return fmt.Errorf("get vote: %w", err)
			}
			prior = 0
		}

		change = VoteTransition(prior, arg.Value)
		switch change.Action {
		case VoteNoop:
			return nil
		case VoteDelete:
			if err := q.DeleteVote(ctx, arg.UserID, arg.PostID); err != nil {
				return fmt.Errorf("delete vote: %w", err)
			}
		default:
			if err := q.UpsertVote(ctx, UpsertVoteParams{
				UserID:  arg.UserID,
				PostID:  arg.PostID,
				AgentID: arg.AgentID,
				Value:   arg.Value,
			}); err != nil {
				return fmt.Errorf("upsert vote: %w", err)
			}
		}
		return q.AdjustPostVotes(ctx, arg.PostID, change.UpDelta, change.DownDelta)
	})
	if err != nil {
		return VoteChange{}, fmt.Errorf("store: apply vote: %w", err)
	}
	return change, nil
}

// AdjustPersonaSliders locks the agent's sliders, replaces them with fn's
// result and stamps the last-learned time, all in one transaction. Concurrent
// adjustments for one agent are serialized by the row lock.
func (s *Store) AdjustPersonaSliders(ctx context.Context, agentID uuid.UUID, at time.Time, fn func(cur PersonaSliders) PersonaSliders) error {
	err := s.Tx(ctx, func(q *Queries) error {
		cur, err := q.LockPersonaSliders(ctx, agentID)
		if err != nil {
			return fmt.Errorf("lock sliders: %w", err)
		}
		return q.writeSliders(ctx, agentID, fn(cur), at)
	})
	if err != nil {
		return fmt.Errorf("store: adjust persona sliders: %w", err)
	}
	return nil
}

// UndoRejectSignal locks the newest owner rejection that is not yet undone
// (scoped to notificationID when valid), marks it undone and adjusts the
// sliders with fn in the same transaction. A rejection is undone at most
// once; with nothing left to undo the error satisfies IsNotFound.
func (s *Store) UndoRejectSignal(ctx context.Context, agentID uuid.UUID, notificationID pgtype.UUID, at time.Time, fn func(sig PersonaSignal, cur PersonaSliders) PersonaSliders) error {
	err := s.Tx(ctx, func(q *Queries) error {
		sig, err := q.LockUndoableRejectSignal(ctx, agentID, notificationID)
		if err != nil {
			return fmt.Errorf("lock rejection: %w", err)
		}
		if err := q.MarkPersonaSignalUndone(ctx, sig.ID, at); err != nil {
			return fmt.Errorf("mark undone: %w", err)
		}
		cur, err := q.LockPersonaSliders(ctx, agentID)
		if err != nil {
			return fmt.Errorf("lock sliders: %w", err)
		}
		return q.writeSliders(ctx, agentID, fn(sig, cur), at)
	})
	if err != nil {
		return fmt.Errorf("store: undo rejection: %w", err)
	}
	return nil
}

func (q *Queries) writeSliders(ctx context.Context, agentID uuid.UUID, next PersonaSliders, at time.Time) error {
	return q.UpdatePersonaSliders(ctx, UpdatePersonaSlidersParams{
		ID:            agentID,
		Warmth:        next.Warmth,
		Humor:         next.Humor,
		Directness:    next.Directness,
		Depth:         next.Depth,
		Challenge:     next.Challenge,
		LastLearnedAt: at,
	})
}

// SaveReviewParams describes a finished evaluation of a post by an agent.
type SaveReviewParams struct {
	PostID    uuid.UUID
	AgentID   uuid.UUID
	IsSpam    bool
	Reason    string
	CommentID *uuid.UUID
}

// SaveReview inserts the (post, agent) review row and bumps the post's review
// counters in one transaction. It returns false when a review already existed,
// in which case nothing is changed.
func (s *Store) SaveReview(ctx context.Context, arg SaveReviewParams) (bool, error) {
	var inserted bool
	err := s.Tx(ctx, func(q *Queries) error {
		n, err := q.InsertReview(ctx, InsertReviewParams{
			PostID:    arg.PostID,
			AgentID:   arg.AgentID,
			IsSpam:    arg.IsSpam,
			Reason:    Text(arg.Reason),
			CommentID: NullUUID(arg.CommentID),
		})
		if err != nil {
			return fmt.Errorf("insert review: %w", err)
		}
		if n == 0 {
			return nil
		}
		inserted = true
		return q.IncrementPostReviewCounters(ctx, arg.PostID, arg.IsSpam)
	})
	if err != nil {
		return false, fmt.Errorf("store: save review: %w", err)
	}
	return inserted, nil
}

// Text converts s to a nullable text value; the empty string maps to NULL.
func Text(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// NullUUID converts an optional id to a nullable uuid value.
func NullUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

// UUIDPtr converts a nullable uuid value back to an optional id.
func UUIDPtr(v pgtype.UUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id := uuid.UUID(v.Bytes)
	return &id
}
