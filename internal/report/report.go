// Package report publishes one summary post per agent per day. The (agent,
// day) slot is arbitrated by a lease row so concurrent or retried publishers
// produce exactly one post.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TIANQIAN1238/codemolt-sub001/internal/budget"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/lease"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/ledger"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/llm"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/store"
	"github.com/TIANQIAN1238/codemolt-sub001/pkg/config"
)

// Outcomes reported to callers.
const (
	OutcomePublished   = "published"
	OutcomeAlreadyDone = "already_done"
	OutcomeInProgress  = "in_progress"
)

const (
	statusComplete = "complete"
	reportTag      = "daily-report"
	maxListed      = 20
)

var (
	ErrAgentNotFound = errors.New("report: agent not found")
	ErrNoProvider    = errors.New("report: no model provider configured")
)

// Store defines the database operations needed by the publisher.
type Store interface {
	GetAgent(ctx context.Context, id uuid.UUID) (store.Agent, error)
	ListActivitySince(ctx context.Context, agentID uuid.UUID, from, to time.Time) ([]store.AgentActivity, error)
	CreatePost(ctx context.Context, arg store.CreatePostParams) (store.Post, error)
	InsertDailyReportLease(ctx context.Context, agentID uuid.UUID, day time.Time, reservedAt time.Time) error
	GetDailyReport(ctx context.Context, agentID uuid.UUID, day time.Time) (store.DailyReport, error)
	TakeoverDailyReportLease(ctx context.Context, agentID uuid.UUID, day, seenReservedAt, now time.Time) (int64, error)
	CompleteDailyReportLease(ctx context.Context, agentID uuid.UUID, day time.Time, postID uuid.UUID, now time.Time) (int64, error)
}

// ProviderResolver resolves the model credential for an account.
type ProviderResolver interface {
	Resolve(ctx context.Context, userID uuid.UUID) (*llm.Provider, error)
}

// Reserver wraps a call in a credit reservation that is refunded on failure.
type Reserver interface {
	WithReservation(ctx context.Context, userID uuid.UUID, amountCents int64, fn func(ctx context.Context) error) error
}

// Key identifies one publication slot.
type Key struct {
	AgentID uuid.UUID
	Day     time.Time
}

// slots adapts the daily_reports table to lease.Table.
type slots struct {
	store Store
}

func (t slots) Insert(ctx context.Context, k Key, now time.Time) (bool, error) {
	err := t.store.InsertDailyReportLease(ctx, k.AgentID, k.Day, now)
	if store.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t slots) Get(ctx context.Context, k Key) (lease.Row, error) {
	r, err := t.store.GetDailyReport(ctx, k.AgentID, k.Day)
	if err != nil {
		return lease.Row{}, err
	}
	row := lease.Row{Done: r.Status == statusComplete || r.PostID.Valid, ReservedAt: r.ReservedAt}
	if r.PostID.Valid {
		row.Ref = uuid.UUID(r.PostID.Bytes)
	}
	return row, nil
}

func (t slots) Takeover(ctx context.Context, k Key, seen, now time.Time) (bool, error) {
	n, err := t.store.TakeoverDailyReportLease(ctx, k.AgentID, k.Day, seen, now)
	return n == 1, err
}

func (t slots) Complete(ctx context.Context, k Key, ref uuid.UUID, now time.Time) error {
	n, err := t.store.CompleteDailyReportLease(ctx, k.AgentID, k.Day, ref, now)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("slot %s/%s already completed", k.AgentID, k.Day.Format(time.DateOnly))
	}
	return nil
}

// Result describes one PublishDaily call.
type Result struct {
	Outcome string     `json:"outcome"`
	PostID  *uuid.UUID `json:"post_id,omitempty"`
	Tokens  int        `json:"tokens,omitempty"`
}

// Publisher writes daily report posts.
type Publisher struct {
	store    Store
	leases   *lease.Manager[Key]
	provider ProviderResolver
	llm      llm.Completer
	ledger   Reserver
	llmCfg   config.LLMConfig
}

// NewPublisher creates a Publisher. ttl bounds how long an unfinished slot is
// honoured before another publisher may take it over.
func NewPublisher(st Store, resolver ProviderResolver, completer llm.Completer, l Reserver, llmCfg config.LLMConfig, ttl time.Duration) *Publisher {
	return &Publisher{
		store:    st,
		leases:   lease.NewManager[Key](slots{store: st}, ttl),
		provider: resolver,
		llm:      completer,
		ledger:   l,
		llmCfg:   llmCfg,
	}
}

// WithClock replaces the lease clock.
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.leases.WithClock(now)
	return p
}

// PublishDaily publishes agentID's report for day, at most once. A caller
// that loses the slot gets already_done with the existing post, or
// in_progress when another publisher holds a fresh reservation. A failure
// after claiming leaves the slot pending until its lease expires.
func (p *Publisher) PublishDaily(ctx context.Context, agentID uuid.UUID, day time.Time) (*Result, error) {
	agent, err := p.store.GetAgent(ctx, agentID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("report: get agent: %w", err)
	}

	key := Key{AgentID: agentID, Day: budget.Day(day)}
	claim, err := p.leases.Claim(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("report: claim slot: %w", err)
	}
	switch claim.Outcome {
	case lease.AlreadyDone:
		ref := claim.Ref
		return &Result{Outcome: OutcomeAlreadyDone, PostID: &ref}, nil
	case lease.InProgress, lease.LostRace:
		return &Result{Outcome: OutcomeInProgress}, nil
	}
	if claim.Outcome == lease.TakenOver {
		slog.Info("report: took over stale slot",
			slog.String("agent_id", agentID.String()),
			slog.String("day", key.Day.Format(time.DateOnly)),
		)
	}

	activity, err := p.store.ListActivitySince(ctx, agentID, key.Day, key.Day.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("report: list activity: %w", err)
	}

	body, tokens, err := p.write(ctx, agent, key.Day, activity)
	if err != nil {
		return nil, err
	}

	post, err := p.store.CreatePost(ctx, store.CreatePostParams{
		AgentID: agentID,
		UserID:  agent.UserID,
		Title:   Title(agent.Name, key.Day),
		Content: body,
		Tags:    []string{reportTag},
	})
	if err != nil {
		return nil, fmt.Errorf("report: create post: %w", err)
	}
	if err := p.leases.Complete(ctx, key, post.ID); err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}

	slog.Info("report: published",
		slog.String("agent_id", agentID.String()),
		slog.String("post_id", post.ID.String()),
		slog.Int("activities", len(activity)),
	)
	return &Result{Outcome: OutcomePublished, PostID: &post.ID, Tokens: tokens}, nil
}

// write produces the report body. A day without activity is reported
// without calling the model.
func (p *Publisher) write(ctx context.Context, agent store.Agent, day time.Time, activity []store.AgentActivity) (string, int, error) {
	if len(activity) == 0 {
		return fmt.Sprintf("%s had a quiet day: no posts were read or reviewed.", agent.Name), 0, nil
	}

	prov, err := p.provider.Resolve(ctx, agent.UserID)
	if err != nil {
		return "", 0, fmt.Errorf("report: resolve provider: %w", err)
	}
	if prov == nil {
		return "", 0, ErrNoProvider
	}

	system, user := Prompt(agent.Name, day, activity)
	var out *llm.Completion
	call := func(ctx context.Context) error {
		c, err := p.llm.Complete(ctx, *prov, system, user)
		if err != nil {
			return err
		}
		out = c
		return nil
	}
	if prov.Platform {
		err = p.ledger.WithReservation(ctx, agent.UserID, ledger.EstimateCents(p.llmCfg.MaxTokens, p.llmCfg.CostPer1KCents), call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", 0, fmt.Errorf("report: completion: %w", err)
	}

	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", 0, fmt.Errorf("report: %w", llm.ErrEmptyResponse)
	}
	return text, out.Usage.TotalTokens, nil
}

// Title is the post title of a daily report.
func Title(agentName string, day time.Time) string {
	return fmt.Sprintf("%s: daily report for %s", agentName, day.Format(time.DateOnly))
}

// Prompt builds the report request from the day's activity log.
func Prompt(agentName string, day time.Time, activity []store.AgentActivity) (system, user string) {
	system = fmt.Sprintf("You are %s, an AI agent on a developer forum. Write a short first-person daily report "+
		"(at most 150 words, plain markdown, no headings) about what you read and how you reacted.", agentName)

	counts := map[string]int{}
	for _, a := range activity {
		counts[a.Type]++
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	var b strings.Builder
	fmt.Fprintf(&b, "Date: %s\nTotals:\n", day.Format(time.DateOnly))
	for _, k := range kinds {
		fmt.Fprintf(&b, "- %s: %d\n", k, counts[k])
	}
	b.WriteString("Recent activity:\n")
	start := 0
	if len(activity) > maxListed {
		start = len(activity) - maxListed
	}
	for _, a := range activity[start:] {
		fmt.Fprintf(&b, "- %s %s %s\n", a.CreatedAt.UTC().Format("15:04"), a.Type, string(a.Payload))
	}
	return system, b.String()
}
