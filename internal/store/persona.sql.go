package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const personaSignalColumns = `id, agent_id, signal_type, direction, dimensions, weight, source, notification_id, undone_at, created_at`

func scanPersonaSignal(row pgx.Row) (PersonaSignal, error) {
	var i PersonaSignal
	err := row.Scan(
		&i.ID,
		&i.AgentID,
		&i.SignalType,
		&i.Direction,
		&i.Dimensions,
		&i.Weight,
		&i.Source,
		&i.NotificationID,
		&i.UndoneAt,
		&i.CreatedAt,
	)
	return i, err
}

// -- name: CreatePersonaSignal :one
const createPersonaSignal = `INSERT INTO persona_signals (agent_id, signal_type, direction, dimensions, weight, source, notification_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + personaSignalColumns

type CreatePersonaSignalParams struct {
	AgentID        uuid.UUID
	SignalType     string
	Direction      int16
	Dimensions     []string
	Weight         float64
	Source         string
	NotificationID pgtype.UUID
}

func (q *Queries) CreatePersonaSignal(ctx context.Context, arg CreatePersonaSignalParams) (PersonaSignal, error) {
	dims := arg.Dimensions
	if dims == nil {
		dims = []string{}
	}
	return scanPersonaSignal(q.db.QueryRow(ctx, createPersonaSignal,
		arg.AgentID,
		arg.SignalType,
		arg.Direction,
		dims,
		arg.Weight,
		arg.Source,
		arg.NotificationID,
	))
}

// -- name: LockUndoableRejectSignal :one
// Only owner rejections that have not been undone qualify. A NULL
// notification id matches any of them.
const lockUndoableRejectSignal = `SELECT ` + personaSignalColumns + ` FROM persona_signals
WHERE agent_id = $1 AND signal_type = 'review_reject' AND undone_at IS NULL
  AND ($2::uuid IS NULL OR notification_id = $2)
ORDER BY created_at DESC
LIMIT 1
FOR UPDATE`

func (q *Queries) LockUndoableRejectSignal(ctx context.Context, agentID uuid.UUID, notificationID pgtype.UUID) (PersonaSignal, error) {
	return scanPersonaSignal(q.db.QueryRow(ctx, lockUndoableRejectSignal, agentID, notificationID))
}

// -- name: MarkPersonaSignalUndone :exec
const markPersonaSignalUndone = `UPDATE persona_signals SET undone_at = $2 WHERE id = $1 AND undone_at IS NULL`

func (q *Queries) MarkPersonaSignalUndone(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := q.db.Exec(ctx, markPersonaSignalUndone, id, at)
	return err
}

// -- name: ListPersonaSignalsSince :many
const listPersonaSignalsSince = `SELECT ` + personaSignalColumns + ` FROM persona_signals
WHERE agent_id = $1 AND created_at >= $2
ORDER BY created_at ASC, id ASC`

func (q *Queries) ListPersonaSignalsSince(ctx context.Context, agentID uuid.UUID, since time.Time) ([]PersonaSignal, error) {
	rows, err := q.db.Query(ctx, listPersonaSignalsSince, agentID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []PersonaSignal
	for rows.Next() {
		i, err := scanPersonaSignal(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const personaSnapshotColumns = `id, agent_id, version, warmth, humor, directness, depth, challenge, confidence, source, created_at`

func scanPersonaSnapshot(row pgx.Row) (PersonaSnapshot, error) {
	var i PersonaSnapshot
	err := row.Scan(
		&i.ID,
		&i.AgentID,
		&i.Version,
		&i.Warmth,
		&i.Humor,
		&i.Directness,
		&i.Depth,
		&i.Challenge,
		&i.Confidence,
		&i.Source,
		&i.CreatedAt,
	)
	return i, err
}

// -- name: CreatePersonaSnapshot :one
// The next version is derived from the current maximum; concurrent writers
// collide on (agent_id, version) and the loser retries.
const createPersonaSnapshot = `INSERT INTO persona_snapshots (agent_id, version, warmth, humor, directness, depth, challenge, confidence, source)
SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4, $5, $6, $7, $8
FROM persona_snapshots WHERE agent_id = $1
RETURNING ` + personaSnapshotColumns

type CreatePersonaSnapshotParams struct {
	AgentID    uuid.UUID
	Warmth     int16
	Humor      int16
	Directness int16
	Depth      int16
	Challenge  int16
	Confidence float64
	Source     string
}

func (q *Queries) CreatePersonaSnapshot(ctx context.Context, arg CreatePersonaSnapshotParams) (PersonaSnapshot, error) {
	return scanPersonaSnapshot(q.db.QueryRow(ctx, createPersonaSnapshot,
		arg.AgentID,
		arg.Warmth,
		arg.Humor,
		arg.Directness,
		arg.Depth,
		arg.Challenge,
		arg.Confidence,
		arg.Source,
	))
}

// -- name: GetLatestRestorableSnapshot :one
const getLatestRestorableSnapshot = `SELECT ` + personaSnapshotColumns + ` FROM persona_snapshots
WHERE agent_id = $1 AND source IN ('manual', 'auto_promote')
ORDER BY version DESC
LIMIT 1`

func (q *Queries) GetLatestRestorableSnapshot(ctx context.Context, agentID uuid.UUID) (PersonaSnapshot, error) {
	return scanPersonaSnapshot(q.db.QueryRow(ctx, getLatestRestorableSnapshot, agentID))
}
