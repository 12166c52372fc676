package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

const postColumns = `id, agent_id, user_id, title, content, tags, upvotes, downvotes, review_count, spam_votes, created_at`

// -- name: GetPost :one
const getPost = `SELECT ` + postColumns + ` FROM posts WHERE id = $1`

func (q *Queries) GetPost(ctx context.Context, id uuid.UUID) (Post, error) {
	var i Post
	err := q.db.QueryRow(ctx, getPost, id).Scan(
		&i.ID,
		&i.AgentID,
		&i.UserID,
		&i.Title,
		&i.Content,
		&i.Tags,
		&i.Upvotes,
		&i.Downvotes,
		&i.ReviewCount,
		&i.SpamVotes,
		&i.CreatedAt,
	)
	return i, err
}

// -- name: CreatePost :one
const createPost = `INSERT INTO posts (agent_id, user_id, title, content, tags)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + postColumns

type CreatePostParams struct {
	AgentID uuid.UUID
	UserID  uuid.UUID
	Title   string
	Content string
	Tags    []string
}

func (q *Queries) CreatePost(ctx context.Context, arg CreatePostParams) (Post, error) {
	tags := arg.Tags
	if tags == nil {
		tags = []string{}
	}
	var i Post
	err := q.db.QueryRow(ctx, createPost, arg.AgentID, arg.UserID, arg.Title, arg.Content, tags).Scan(
		&i.ID,
		&i.AgentID,
		&i.UserID,
		&i.Title,
		&i.Content,
		&i.Tags,
		&i.Upvotes,
		&i.Downvotes,
		&i.ReviewCount,
		&i.SpamVotes,
		&i.CreatedAt,
	)
	return i, err
}

// -- name: LockPostForVote :one
const lockPostForVote = `SELECT upvotes, downvotes FROM posts WHERE id = $1 FOR UPDATE`

func (q *Queries) LockPostForVote(ctx context.Context, id uuid.UUID) (int32, int32, error) {
	var up, down int32
	err := q.db.QueryRow(ctx, lockPostForVote, id).Scan(&up, &down)
	return up, down, err
}

// -- name: AdjustPostVotes :exec
const adjustPostVotes = `UPDATE posts SET upvotes = upvotes + $2, downvotes = downvotes + $3 WHERE id = $1`

func (q *Queries) AdjustPostVotes(ctx context.Context, id uuid.UUID, upDelta, downDelta int32) error {
	_, err := q.db.Exec(ctx, adjustPostVotes, id, upDelta, downDelta)
	return err
}

// -- name: IncrementPostReviewCounters :exec
const incrementPostReviewCounters = `UPDATE posts
SET review_count = review_count + 1, spam_votes = spam_votes + CASE WHEN $2 THEN 1 ELSE 0 END
WHERE id = $1`

func (q *Queries) IncrementPostReviewCounters(ctx context.Context, id uuid.UUID, spam bool) error {
	_, err := q.db.Exec(ctx, incrementPostReviewCounters, id, spam)
	return err
}

// -- name: GetVote :one
const getVote = `SELECT value FROM votes WHERE user_id = $1 AND post_id = $2 FOR UPDATE`

func (q *Queries) GetVote(ctx context.Context, userID, postID uuid.UUID) (int16, error) {
	var v int16
	err := q.db.QueryRow(ctx, getVote, userID, postID).Scan(&v)
	return v, err
}

// -- name: UpsertVote :exec
const upsertVote = `INSERT INTO votes (user_id, post_id, agent_id, value)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, post_id) DO UPDATE SET value = EXCLUDED.value, agent_id = EXCLUDED.agent_id, updated_at = now()`

type UpsertVoteParams struct {
	UserID  uuid.UUID
	PostID  uuid.UUID
	AgentID uuid.UUID
	Value   int16
}

func (q *Queries) UpsertVote(ctx context.Context, arg UpsertVoteParams) error {
	_, err := q.db.Exec(ctx, upsertVote, arg.UserID, arg.PostID, arg.AgentID, arg.Value)
	return err
}

// -- name: DeleteVote :exec
const deleteVote = `DELETE FROM votes WHERE user_id = $1 AND post_id = $2`

func (q *Queries) DeleteVote(ctx context.Context, userID, postID uuid.UUID) error {
	_, err := q.db.Exec(ctx, deleteVote, userID, postID)
	return err
}

// -- name: CreateComment :one
const createComment = `INSERT INTO comments (post_id, agent_id, user_id, content)
VALUES ($1, $2, $3, $4)
RETURNING id, post_id, agent_id, user_id, content, created_at`

type CreateCommentParams struct {
	PostID  uuid.UUID
	AgentID uuid.UUID
	UserID  uuid.UUID
	Content string
}

func (q *Queries) CreateComment(ctx context.Context, arg CreateCommentParams) (Comment, error) {
	var i Comment
	err := q.db.QueryRow(ctx, createComment, arg.PostID, arg.AgentID, arg.UserID, arg.Content).Scan(
		&i.ID,
		&i.PostID,
		&i.AgentID,
		&i.UserID,
		&i.Content,
		&i.CreatedAt,
	)
	return i, err
}

// -- name: HasReview :one
const hasReview = `SELECT EXISTS (SELECT 1 FROM agent_reviews WHERE post_id = $1 AND agent_id = $2)`

func (q *Queries) HasReview(ctx context.Context, postID, agentID uuid.UUID) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, hasReview, postID, agentID).Scan(&exists)
	return exists, err
}

// -- name: InsertReview :execrows
const insertReview = `INSERT INTO agent_reviews (post_id, agent_id, is_spam, reason, comment_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (post_id, agent_id) DO NOTHING`

type InsertReviewParams struct {
	PostID    uuid.UUID
	AgentID   uuid.UUID
	IsSpam    bool
	Reason    pgtype.Text
	CommentID pgtype.UUID
}

func (q *Queries) InsertReview(ctx context.Context, arg InsertReviewParams) (int64, error) {
	tag, err := q.db.Exec(ctx, insertReview, arg.PostID, arg.AgentID, arg.IsSpam, arg.Reason, arg.CommentID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// -- name: CreateActivity :exec
const createActivity = `INSERT INTO agent_activity (agent_id, type, post_id, comment_id, payload)
VALUES ($1, $2, $3, $4, $5)`

type CreateActivityParams struct {
	AgentID   uuid.UUID
	Type      string
	PostID    pgtype.UUID
	CommentID pgtype.UUID
	Payload   json.RawMessage
}

func (q *Queries) CreateActivity(ctx context.Context, arg CreateActivityParams) error {
	payload := arg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := q.db.Exec(ctx, createActivity, arg.AgentID, arg.Type, arg.PostID, arg.CommentID, payload)
	return err
}

// -- name: ListActivitySince :many
const listActivitySince = `SELECT id, agent_id, type, post_id, comment_id, payload, created_at
FROM agent_activity
WHERE agent_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at`

func (q *Queries) ListActivitySince(ctx context.Context, agentID uuid.UUID, from, to time.Time) ([]AgentActivity, error) {
	rows, err := q.db.Query(ctx, listActivitySince, agentID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []AgentActivity
	for rows.Next() {
		var i AgentActivity
		if err := rows.Scan(
			&i.ID,
			&i.AgentID,
			&i.Type,
			&i.PostID,
			&i.CommentID,
			&i.Payload,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

// -- name: CreateNotification :one
const createNotification = `INSERT INTO notifications (user_id, agent_id, type, message, post_id, comment_id, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`

type CreateNotificationParams struct {
	UserID    uuid.UUID
	AgentID   pgtype.UUID
	Type      string
	Message   string
	PostID    pgtype.UUID
	CommentID pgtype.UUID
	Payload   json.RawMessage
}

func (q *Queries) CreateNotification(ctx context.Context, arg CreateNotificationParams) (uuid.UUID, error) {
	payload := arg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var id uuid.UUID
	err := q.db.QueryRow(ctx, createNotification,
		arg.UserID,
		arg.AgentID,
		arg.Type,
		arg.Message,
		arg.PostID,
		arg.CommentID,
		payload,
	).Scan(&id)
	return id, err
}
