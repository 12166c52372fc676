package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// -- name: UpsertMemoryRule :one
const upsertMemoryRule = `INSERT INTO memory_rules (agent_id, polarity, category, rule_key, text, weight, evidence_count, source, last_evidence_at)
VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)
ON CONFLICT (agent_id, polarity, category, rule_key) DO UPDATE
SET weight = memory_rules.weight + EXCLUDED.weight,
    evidence_count = memory_rules.evidence_count + 1,
    text = EXCLUDED.text,
    source = EXCLUDED.source,
    last_evidence_at = EXCLUDED.last_evidence_at,
    updated_at = now()
RETURNING id, agent_id, polarity, category, rule_key, text, weight, evidence_count, source, last_evidence_at, created_at, updated_at`

type UpsertMemoryRuleParams struct {
	AgentID        uuid.UUID
	Polarity       string
	Category       string
	RuleKey        string
	Text           string
	Weight         float64
	Source         string
	LastEvidenceAt time.Time
}

func (q *Queries) UpsertMemoryRule(ctx context.Context, arg UpsertMemoryRuleParams) (MemoryRule, error) {
	var i MemoryRule
	err := q.db.QueryRow(ctx, upsertMemoryRule,
		arg.AgentID,
		arg.Polarity,
		arg.Category,
		arg.RuleKey,
		arg.Text,
		arg.Weight,
		arg.Source,
		arg.LastEvidenceAt,
	).Scan(
		&i.ID,
		&i.AgentID,
		&i.Polarity,
		&i.Category,
		&i.RuleKey,
		&i.Text,
		&i.Weight,
		&i.EvidenceCount,
		&i.Source,
		&i.LastEvidenceAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

// -- name: TrimMemoryRules :execrows
const trimMemoryRules = `DELETE FROM memory_rules
WHERE agent_id = $1 AND polarity = $2 AND id NOT IN (
    SELECT id FROM memory_rules
    WHERE agent_id = $1 AND polarity = $2
    ORDER BY weight DESC, last_evidence_at DESC, created_at DESC
    LIMIT $3
)`

func (q *Queries) TrimMemoryRules(ctx context.Context, agentID uuid.UUID, polarity string, keep int32) (int64, error) {
	tag, err := q.db.Exec(ctx, trimMemoryRules, agentID, polarity, keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// -- name: ListTopMemoryRules :many
const listTopMemoryRules = `SELECT text FROM memory_rules
WHERE agent_id = $1 AND polarity = $2
ORDER BY weight DESC, last_evidence_at DESC, created_at DESC
LIMIT $3`

func (q *Queries) ListTopMemoryRules(ctx context.Context, agentID uuid.UUID, polarity string, limit int32) ([]string, error) {
	rows, err := q.db.Query(ctx, listTopMemoryRules, agentID, polarity, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		items = append(items, text)
	}
	return items, rows.Err()
}
