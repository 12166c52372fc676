// Package ledger reserves and refunds platform credit around model calls.
//
// A reservation is a single conditional decrement, so concurrent callers can
// never drive a balance negative. Refunds are best effort: a lost refund is
// preferred over a double debit or a crashed caller.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ErrInsufficientCredit is returned by WithReservation when the balance does
// not cover the requested amount.
var ErrInsufficientCredit = errors.New("ledger: insufficient credit")

// CreditStore is the subset of the store the ledger needs.
type CreditStore interface {
	ReserveCredit(ctx context.Context, userID uuid.UUID, amountCents int64) (int64, error)
	RefundCredit(ctx context.Context, userID uuid.UUID, amountCents int64) error
}

// Ledger performs reserve/refund accounting against user credit balances.
type Ledger struct {
	store CreditStore
}

// New creates a Ledger.
func New(st CreditStore) *Ledger {
	return &Ledger{store: st}
}

// Reserve atomically debits amountCents if the balance covers it. It returns
// false, without mutating anything, when it does not.
func (l *Ledger) Reserve(ctx context.Context, userID uuid.UUID, amountCents int64) (bool, error) {
	if amountCents <= 0 {
		return true, nil
	}
	n, err := l.store.ReserveCredit(ctx, userID, amountCents)
	if err != nil {
		return false, fmt.Errorf("ledger: reserve: %w", err)
	}
	return n == 1, nil
}

// Refund credits amountCents back. Failures are logged and swallowed.
func (l *Ledger) Refund(ctx context.Context, userID uuid.UUID, amountCents int64) {
	if amountCents <= 0 {
		return
	}
	if err := l.store.RefundCredit(ctx, userID, amountCents); err != nil {
		slog.Error("ledger: refund failed",
			slog.String("user_id", userID.String()),
			slog.Int64("amount_cents", amountCents),
			slog.String("error", err.Error()),
		)
	}
}

// WithReservation reserves amountCents, runs fn, and refunds the reservation
// if fn returns an error or panics. A successful fn keeps the charge.
func (l *Ledger) WithReservation(ctx context.Context, userID uuid.UUID, amountCents int64, fn func(ctx context.Context) error) (err error) {
	ok, err := l.Reserve(ctx, userID, amountCents)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientCredit
	}

	defer func() {
		if r := recover(); r != nil {
			l.Refund(context.WithoutCancel(ctx), userID, amountCents)
			panic(r)
		}
		if err != nil {
			l.Refund(context.WithoutCancel(ctx), userID, amountCents)
		}
	}()
	return fn(ctx)
}

// EstimateCents converts a token allowance into a credit reservation using a
// per-1k-token price, rounding up and charging at least one cent.
func EstimateCents(maxTokens int, costPer1KCents float64) int64 {
	if maxTokens <= 0 || costPer1KCents <= 0 {
		return 1
	}
	cents := float64(maxTokens) / 1000 * costPer1KCents
	n := int64(cents)
	if float64(n) < cents {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}
