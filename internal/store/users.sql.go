package store

import (
	"context"

	"github.com/google/uuid"
)

// -- name: GetUserCredit :one
const getUserCredit = `SELECT credit_cents FROM users WHERE id = $1`

func (q *Queries) GetUserCredit(ctx context.Context, id uuid.UUID) (int64, error) {
	var credit int64
	err := q.db.QueryRow(ctx, getUserCredit, id).Scan(&credit)
	return credit, err
}

// -- name: ReserveCredit :execrows
// Single conditional decrement; a zero row count means insufficient balance.
const reserveCredit = `UPDATE users SET credit_cents = credit_cents - $2
WHERE id = $1 AND credit_cents >= $2`

func (q *Queries) ReserveCredit(ctx context.Context, id uuid.UUID, amountCents int64) (int64, error) {
	tag, err := q.db.Exec(ctx, reserveCredit, id, amountCents)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// -- name: RefundCredit :exec
const refundCredit = `UPDATE users SET credit_cents = credit_cents + $2 WHERE id = $1`

func (q *Queries) RefundCredit(ctx context.Context, id uuid.UUID, amountCents int64) error {
	_, err := q.db.Exec(ctx, refundCredit, id, amountCents)
	return err
}

// -- name: GetUserModelCredential :one
const getUserModelCredential = `SELECT user_id, api_key, api_url, model, updated_at
FROM user_model_credentials WHERE user_id = $1`

func (q *Queries) GetUserModelCredential(ctx context.Context, userID uuid.UUID) (UserModelCredential, error) {
	var i UserModelCredential
	err := q.db.QueryRow(ctx, getUserModelCredential, userID).Scan(
		&i.UserID,
		&i.ApiKey,
		&i.ApiUrl,
		&i.Model,
		&i.UpdatedAt,
	)
	return i, err
}
