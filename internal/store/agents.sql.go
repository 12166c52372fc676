package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const agentColumns = `id, user_id, team_id, name, enabled, activated, paused_reason, locked_until,
	rules, learned_notes, daily_tokens_used, daily_token_limit, daily_reset_day,
	persona_warmth, persona_humor, persona_directness, persona_depth, persona_challenge,
	persona_mode, persona_confidence, persona_last_learned_at, persona_last_promoted_at,
	created_at, updated_at`

func scanAgent(row pgx.Row) (Agent, error) {
	var i Agent
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.TeamID,
		&i.Name,
		&i.Enabled,
		&i.Activated,
		&i.PausedReason,
		&i.LockedUntil,
		&i.Rules,
		&i.LearnedNotes,
		&i.DailyTokensUsed,
		&i.DailyTokenLimit,
		&i.DailyResetDay,
		&i.PersonaWarmth,
		&i.PersonaHumor,
		&i.PersonaDirectness,
		&i.PersonaDepth,
		&i.PersonaChallenge,
		&i.PersonaMode,
		&i.PersonaConfidence,
		&i.PersonaLastLearnedAt,
		&i.PersonaLastPromotedAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

func collectAgents(rows pgx.Rows, err error) ([]Agent, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Agent
	for rows.Next() {
		i, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

// -- name: GetAgent :one
const getAgent = `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`

func (q *Queries) GetAgent(ctx context.Context, id uuid.UUID) (Agent, error) {
	return scanAgent(q.db.QueryRow(ctx, getAgent, id))
}

// -- name: ListReviewCandidates :many
// Coarse prefilter for reaction eligibility; ownership and lock checks are
// applied by the caller against the post.
const listReviewCandidates = `SELECT ` + agentColumns + ` FROM agents a
WHERE a.enabled AND a.activated AND a.paused_reason IS NULL
  AND NOT EXISTS (
    SELECT 1 FROM agent_reviews r WHERE r.post_id = $1 AND r.agent_id = a.id
  )
ORDER BY a.created_at`

func (q *Queries) ListReviewCandidates(ctx context.Context, postID uuid.UUID) ([]Agent, error) {
	return collectAgents(q.db.Query(ctx, listReviewCandidates, postID))
}

// -- name: ListTeamPeers :many
const listTeamPeers = `SELECT ` + agentColumns + ` FROM agents
WHERE team_id = $1 AND id <> $2 AND enabled
ORDER BY name
LIMIT $3`

type ListTeamPeersParams struct {
	TeamID  uuid.UUID
	AgentID uuid.UUID
	Limit   int32
}

func (q *Queries) ListTeamPeers(ctx context.Context, arg ListTeamPeersParams) ([]Agent, error) {
	return collectAgents(q.db.Query(ctx, listTeamPeers, arg.TeamID, arg.AgentID, arg.Limit))
}

// -- name: ResetAgentDailyTokens :exec
// The limit is the owner's setting and is left alone.
const resetAgentDailyTokens = `UPDATE agents
SET daily_tokens_used = 0, daily_reset_day = $2, updated_at = now()
WHERE id = $1`

func (q *Queries) ResetAgentDailyTokens(ctx context.Context, id uuid.UUID, day time.Time) error {
	_, err := q.db.Exec(ctx, resetAgentDailyTokens, id, pgtype.Date{Time: day, Valid: true})
	return err
}

// -- name: AddAgentDailyTokens :exec
const addAgentDailyTokens = `UPDATE agents
SET daily_tokens_used = daily_tokens_used + $2, updated_at = now()
WHERE id = $1`

func (q *Queries) AddAgentDailyTokens(ctx context.Context, id uuid.UUID, tokens int32) error {
	_, err := q.db.Exec(ctx, addAgentDailyTokens, id, tokens)
	return err
}

// -- name: LockPersonaSliders :one
const lockPersonaSliders = `SELECT persona_warmth, persona_humor, persona_directness, persona_depth, persona_challenge
FROM agents WHERE id = $1
FOR UPDATE`

func (q *Queries) LockPersonaSliders(ctx context.Context, id uuid.UUID) (PersonaSliders, error) {
	var i PersonaSliders
	err := q.db.QueryRow(ctx, lockPersonaSliders, id).Scan(
		&i.Warmth,
		&i.Humor,
		&i.Directness,
		&i.Depth,
		&i.Challenge,
	)
	return i, err
}

// -- name: UpdatePersonaSliders :exec
const updatePersonaSliders = `UPDATE agents
SET persona_warmth = $2, persona_humor = $3, persona_directness = $4,
    persona_depth = $5, persona_challenge = $6, persona_last_learned_at = $7, updated_at = now()
WHERE id = $1`

type UpdatePersonaSlidersParams struct {
	ID            uuid.UUID
	Warmth        int16
	Humor         int16
	Directness    int16
	Depth         int16
	Challenge     int16
	LastLearnedAt time.Time
}

func (q *Queries) UpdatePersonaSliders(ctx context.Context, arg UpdatePersonaSlidersParams) error {
	_, err := q.db.Exec(ctx, updatePersonaSliders,
		arg.ID,
		arg.Warmth,
		arg.Humor,
		arg.Directness,
		arg.Depth,
		arg.Challenge,
		arg.LastLearnedAt,
	)
	return err
}

// -- name: UpdatePersonaConfidence :exec
const updatePersonaConfidence = `UPDATE agents SET persona_confidence = $2, updated_at = now() WHERE id = $1`

func (q *Queries) UpdatePersonaConfidence(ctx context.Context, id uuid.UUID, confidence float64) error {
	_, err := q.db.Exec(ctx, updatePersonaConfidence, id, confidence)
	return err
}

// -- name: SetPersonaMode :exec
const setPersonaMode = `UPDATE agents SET persona_mode = $2, updated_at = now() WHERE id = $1`

func (q *Queries) SetPersonaMode(ctx context.Context, id uuid.UUID, mode string) error {
	_, err := q.db.Exec(ctx, setPersonaMode, id, mode)
	return err
}

// -- name: MarkPersonaPromoted :exec
const markPersonaPromoted = `UPDATE agents SET persona_last_promoted_at = $2, updated_at = now() WHERE id = $1`

func (q *Queries) MarkPersonaPromoted(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := q.db.Exec(ctx, markPersonaPromoted, id, at)
	return err
}

// -- name: RestorePersona :exec
const restorePersona = `UPDATE agents
SET persona_warmth = $2, persona_humor = $3, persona_directness = $4,
    persona_depth = $5, persona_challenge = $6, persona_confidence = $7,
    persona_mode = $8, updated_at = now()
WHERE id = $1`

type RestorePersonaParams struct {
	ID         uuid.UUID
	Warmth     int16
	Humor      int16
	Directness int16
	Depth      int16
	Challenge  int16
	Confidence float64
	Mode       string
}

func (q *Queries) RestorePersona(ctx context.Context, arg RestorePersonaParams) error {
	_, err := q.db.Exec(ctx, restorePersona,
		arg.ID,
		arg.Warmth,
		arg.Humor,
		arg.Directness,
		arg.Depth,
		arg.Challenge,
		arg.Confidence,
		arg.Mode,
	)
	return err
}
