package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// -- name: InsertDailyReportLease :exec
// Fails with a unique violation when the (agent, day) slot is already taken.
const insertDailyReportLease = `INSERT INTO daily_reports (agent_id, report_date, status, reserved_at)
VALUES ($1, $2, 'pending', $3)`

func (q *Queries) InsertDailyReportLease(ctx context.Context, agentID uuid.UUID, day time.Time, reservedAt time.Time) error {
	_, err := q.db.Exec(ctx, insertDailyReportLease, agentID, pgtype.Date{Time: day, Valid: true}, reservedAt)
	return err
}

// -- name: GetDailyReport :one
const getDailyReport = `SELECT id, agent_id, report_date, status, post_id, reserved_at, completed_at
FROM daily_reports WHERE agent_id = $1 AND report_date = $2`

func (q *Queries) GetDailyReport(ctx context.Context, agentID uuid.UUID, day time.Time) (DailyReport, error) {
	var i DailyReport
	err := q.db.QueryRow(ctx, getDailyReport, agentID, pgtype.Date{Time: day, Valid: true}).Scan(
		&i.ID,
		&i.AgentID,
		&i.ReportDate,
		&i.Status,
		&i.PostID,
		&i.ReservedAt,
		&i.CompletedAt,
	)
	return i, err
}

// -- name: TakeoverDailyReportLease :execrows
// Succeeds only if the row is still unfinished and has not been re-reserved
// since the caller read it.
const takeoverDailyReportLease = `UPDATE daily_reports
SET reserved_at = $4, status = 'pending'
WHERE agent_id = $1 AND report_date = $2 AND post_id IS NULL AND status <> 'complete' AND reserved_at = $3`

func (q *Queries) TakeoverDailyReportLease(ctx context.Context, agentID uuid.UUID, day, seenReservedAt, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, takeoverDailyReportLease, agentID, pgtype.Date{Time: day, Valid: true}, seenReservedAt, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// -- name: CompleteDailyReportLease :execrows
const completeDailyReportLease = `UPDATE daily_reports
SET status = 'complete', post_id = $3, completed_at = $4
WHERE agent_id = $1 AND report_date = $2 AND post_id IS NULL`

func (q *Queries) CompleteDailyReportLease(ctx context.Context, agentID uuid.UUID, day time.Time, postID uuid.UUID, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, completeDailyReportLease, agentID, pgtype.Date{Time: day, Valid: true}, postID, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// -- name: CreateReactionTask :execrows
// Inserts a pending task, or re-arms one that previously failed. Pending,
// running and done tasks are left alone and count zero rows.
const createReactionTask = `INSERT INTO reaction_tasks (post_id, agent_id, position, due_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (post_id, agent_id) DO UPDATE
SET status = 'pending', position = EXCLUDED.position, due_at = EXCLUDED.due_at,
    claimed_at = NULL, finished_at = NULL, error = NULL
WHERE reaction_tasks.status = 'failed'`

type CreateReactionTaskParams struct {
	PostID   uuid.UUID
	AgentID  uuid.UUID
	Position int32
	DueAt    time.Time
}

func (q *Queries) CreateReactionTask(ctx context.Context, arg CreateReactionTaskParams) (int64, error) {
	tag, err := q.db.Exec(ctx, createReactionTask, arg.PostID, arg.AgentID, arg.Position, arg.DueAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// -- name: ListOpenReactionTasks :many
const listOpenReactionTasks = `SELECT id, post_id, agent_id, position, due_at, status, attempts, claimed_at, finished_at, error, created_at
FROM reaction_tasks
WHERE post_id = $1 AND status IN ('pending', 'running')
ORDER BY position, due_at`

func (q *Queries) ListOpenReactionTasks(ctx context.Context, postID uuid.UUID) ([]ReactionTask, error) {
	rows, err := q.db.Query(ctx, listOpenReactionTasks, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ReactionTask
	for rows.Next() {
		var i ReactionTask
		if err := rows.Scan(
			&i.ID,
			&i.PostID,
			&i.AgentID,
			&i.Position,
			&i.DueAt,
			&i.Status,
			&i.Attempts,
			&i.ClaimedAt,
			&i.FinishedAt,
			&i.Error,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

// -- name: ClaimReactionTask :execrows
// Claims a pending task, or a running one whose claim is older than staleBefore.
const claimReactionTask = `UPDATE reaction_tasks
SET status = 'running', claimed_at = $2, attempts = attempts + 1
WHERE id = $1 AND (status = 'pending' OR (status = 'running' AND claimed_at < $3))`

func (q *Queries) ClaimReactionTask(ctx context.Context, id uuid.UUID, now, staleBefore time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, claimReactionTask, id, now, staleBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// -- name: FinishReactionTask :exec
const finishReactionTask = `UPDATE reaction_tasks SET status = $2, error = $3, finished_at = $4 WHERE id = $1`

func (q *Queries) FinishReactionTask(ctx context.Context, id uuid.UUID, status string, errText pgtype.Text, now time.Time) error {
	_, err := q.db.Exec(ctx, finishReactionTask, id, status, errText, now)
	return err
}

// -- name: ReleaseReactionTask :exec
// Hands a claimed task back so a later batch picks it up again.
const releaseReactionTask = `UPDATE reaction_tasks SET status = 'pending', claimed_at = NULL
WHERE id = $1 AND status = 'running'`

func (q *Queries) ReleaseReactionTask(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, releaseReactionTask, id)
	return err
}

// -- name: ListPostsWithOpenTasks :many
const listPostsWithOpenTasks = `SELECT post_id FROM reaction_tasks
WHERE status = 'pending' OR (status = 'running' AND claimed_at < $1)
GROUP BY post_id
ORDER BY MIN(due_at)
LIMIT $2`

func (q *Queries) ListPostsWithOpenTasks(ctx context.Context, staleBefore time.Time, limit int32) ([]uuid.UUID, error) {
	rows, err := q.db.Query(ctx, listPostsWithOpenTasks, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		items = append(items, id)
	}
	return items, rows.Err()
}
