package reaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/TIANQIAN1238/codemolt-sub001/internal/budget"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/ledger"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/llm"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/memory"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/persona"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/prompt"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/store"
	"github.com/TIANQIAN1238/codemolt-sub001/pkg/config"
)

// Errors returned by the executor.
var (
	ErrPostNotFound  = errors.New("reaction: post not found")
	ErrAgentNotFound = errors.New("reaction: agent not found")
)

// Outcome is how one agent's reaction ended.
type Outcome string

const (
	OutcomeAlreadyReviewed Outcome = "already_reviewed"
	OutcomeBudgetExhausted Outcome = "budget_exhausted"
	OutcomeNoProvider      Outcome = "no_provider"
	OutcomeNoCredit        Outcome = "no_credit"
	OutcomeBrowsed         Outcome = "browsed"
	OutcomeReviewed        Outcome = "reviewed"
	// OutcomeRaced: another runner wrote the Review first.
	OutcomeRaced Outcome = "raced"
)

// Activity and notification types written by the executor.
const (
	ActivityBrowse  = "browse"
	ActivityComment = "comment"
	ActivityReview  = "review"

	NotifyCommentPublished = "agent_comment"
	NotifyTakeoverDraft    = "takeover_draft"

	autoReviewPrefix = "[Auto Review]"
	teamPeerLimit    = 5
	memoryRuleLimit  = 8
)

// Result describes one executed reaction.
type Result struct {
	Outcome   Outcome    `json:"outcome"`
	Tokens    int        `json:"tokens,omitempty"`
	Vote      int        `json:"vote,omitempty"`
	CommentID *uuid.UUID `json:"comment_id,omitempty"`
	TakenOver bool       `json:"taken_over,omitempty"`
	Spam      bool       `json:"spam,omitempty"`
}

// ExecutorStore defines the database operations needed by the executor.
type ExecutorStore interface {
	GetAgent(ctx context.Context, id uuid.UUID) (store.Agent, error)
	GetPost(ctx context.Context, id uuid.UUID) (store.Post, error)
	HasReview(ctx context.Context, postID, agentID uuid.UUID) (bool, error)
	ResetAgentDailyTokens(ctx context.Context, id uuid.UUID, day time.Time) error
	AddAgentDailyTokens(ctx context.Context, id uuid.UUID, tokens int32) error
	GetUserCredit(ctx context.Context, id uuid.UUID) (int64, error)
	ListTeamPeers(ctx context.Context, arg store.ListTeamPeersParams) ([]store.Agent, error)
	CreateComment(ctx context.Context, arg store.CreateCommentParams) (store.Comment, error)
	CreateActivity(ctx context.Context, arg store.CreateActivityParams) error
	CreateNotification(ctx context.Context, arg store.CreateNotificationParams) (uuid.UUID, error)
	ApplyVote(ctx context.Context, arg store.ApplyVoteParams) (store.VoteChange, error)
	SaveReview(ctx context.Context, arg store.SaveReviewParams) (bool, error)
}

// ProviderResolver resolves the model credential for an account.
type ProviderResolver interface {
	Resolve(ctx context.Context, userID uuid.UUID) (*llm.Provider, error)
}

// PersonaGate is the persona controller surface used while reacting.
type PersonaGate interface {
	ShouldTakeover(ctx context.Context, agentID uuid.UUID) (bool, error)
	RecordSignal(ctx context.Context, s persona.Signal) (store.PersonaSignal, error)
	RecomputeConfidence(ctx context.Context, agentID uuid.UUID) (float64, error)
}

// RuleLister lists an agent's strongest memory rules.
type RuleLister interface {
	ListTopRules(ctx context.Context, agentID uuid.UUID, polarity string, limit int) ([]string, error)
}

// Reserver wraps a call in a credit reservation that is refunded on failure.
type Reserver interface {
	WithReservation(ctx context.Context, userID uuid.UUID, amountCents int64, fn func(ctx context.Context) error) error
}

// Executor runs the per-agent reaction pipeline.
type Executor struct {
	store    ExecutorStore
	provider ProviderResolver
	llm      llm.Completer
	persona  PersonaGate
	memory   RuleLister
	ledger   Reserver
	llmCfg   config.LLMConfig
	now      func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(
	st ExecutorStore,
	resolver ProviderResolver,
	completer llm.Completer,
	p PersonaGate,
	rules RuleLister,
	l Reserver,
	llmCfg config.LLMConfig,
) *Executor {
	return &Executor{
		store:    st,
		provider: resolver,
		llm:      completer,
		persona:  p,
		memory:   rules,
		ledger:   l,
		llmCfg:   llmCfg,
		now:      time.Now,
	}
}

// WithClock replaces the executor's clock.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// React runs the full pipeline for agentID reacting to postID. Skips are
// reported as outcomes; errors mean the agent did not finish and no Review
// was written.
func (e *Executor) React(ctx context.Context, agentID, postID uuid.UUID) (*Result, error) {
	// 1. Idempotency guard.
	reviewed, err := e.store.HasReview(ctx, postID, agentID)
	if err != nil {
		return nil, fmt.Errorf("reaction: check review: %w", err)
	}
	if reviewed {
		return &Result{Outcome: OutcomeAlreadyReviewed}, nil
	}

	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("reaction: get agent: %w", err)
	}
	post, err := e.store.GetPost(ctx, postID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrPostNotFound
		}
		return nil, fmt.Errorf("reaction: get post: %w", err)
	}

	// 2. Daily token budget.
	window, err := e.refreshBudget(ctx, agent)
	if err != nil {
		return nil, err
	}
	if window.Exhausted() {
		slog.Info("reaction: daily budget exhausted",
			slog.String("agent_id", agentID.String()),
			slog.Int("used", window.Used),
			slog.Int("limit", window.Limit),
		)
		return &Result{Outcome: OutcomeBudgetExhausted}, nil
	}

	// 3. Provider and credit fast path.
	p, err := e.provider.Resolve(ctx, agent.UserID)
	if err != nil {
		return nil, fmt.Errorf("reaction: resolve provider: %w", err)
	}
	if p == nil {
		return &Result{Outcome: OutcomeNoProvider}, nil
	}
	if p.Platform {
		credit, err := e.store.GetUserCredit(ctx, agent.UserID)
		if err != nil {
			return nil, fmt.Errorf("reaction: get credit: %w", err)
		}
		if credit <= 0 {
			return &Result{Outcome: OutcomeNoCredit}, nil
		}
	}

	// 4. Prompt.
	pr := prompt.Build(e.agentContext(ctx, agent), []prompt.Post{{
		ID: post.ID, Title: post.Title, Content: post.Content, Tags: post.Tags,
	}})

	// 5. Completion; usage is counted whatever happens next.
	completion, err := e.complete(ctx, agent, *p, pr)
	if err != nil {
		return nil, err
	}
	tokens := completion.Usage.TotalTokens
	if err := e.store.AddAgentDailyTokens(ctx, agentID, int32(tokens)); err != nil {
		slog.Warn("reaction: add daily tokens",
			slog.String("agent_id", agentID.String()),
			slog.String("error", err.Error()),
		)
	}

	// 6. Decision lookup.
	plan, err := prompt.ParsePlan(completion.Text)
	if err != nil {
		return nil, fmt.Errorf("reaction: parse plan: %w", err)
	}
	decision, ok := plan.For(postID)
	if !ok {
		return e.browse(ctx, agent, post, tokens)
	}

	res := &Result{Outcome: OutcomeReviewed, Tokens: tokens, Vote: decision.Vote, Spam: decision.FlagSpam}

	// 7. Comment, or hold it back for the owner.
	if decision.Comment != "" {
		takeover, err := e.persona.ShouldTakeover(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if takeover {
			if err := e.holdBack(ctx, agent, post, decision); err != nil {
				return nil, err
			}
			res.TakenOver = true
		} else {
			id, err := e.publishComment(ctx, agent, post, decision.Comment)
			if err != nil {
				return nil, err
			}
			res.CommentID = &id
		}
	}

	// 8. Vote, regardless of takeover.
	if decision.Vote != 0 {
		_, err := e.store.ApplyVote(ctx, store.ApplyVoteParams{
			UserID:  agent.UserID,
			PostID:  postID,
			AgentID: agentID,
			Value:   int16(decision.Vote),
		})
		if err != nil {
			return nil, fmt.Errorf("reaction: apply vote: %w", err)
		}
	}

	// 9. Spam flag without a comment gets a standard one.
	if decision.FlagSpam && decision.Comment == "" && !res.TakenOver {
		reason := decision.SpamReason
		if reason == "" {
			reason = "no reason given"
		}
		c, err := e.store.CreateComment(ctx, store.CreateCommentParams{
			PostID:  postID,
			AgentID: agentID,
			UserID:  agent.UserID,
			Content: fmt.Sprintf("%s Flagged as spam: %s", autoReviewPrefix, reason),
		})
		if err != nil {
			return nil, fmt.Errorf("reaction: auto review comment: %w", err)
		}
		res.CommentID = &c.ID
	}

	// 10. Review row; nothing after it may fail the reaction.
	inserted, err := e.store.SaveReview(ctx, store.SaveReviewParams{
		PostID:    postID,
		AgentID:   agentID,
		IsSpam:    decision.FlagSpam,
		Reason:    decision.SpamReason,
		CommentID: res.CommentID,
	})
	if err != nil {
		return nil, fmt.Errorf("reaction: save review: %w", err)
	}
	if !inserted {
		res.Outcome = OutcomeRaced
		return res, nil
	}
	e.logActivity(ctx, agentID, ActivityReview, &postID, res.CommentID, map[string]any{
		"vote":       decision.Vote,
		"spam":       decision.FlagSpam,
		"taken_over": res.TakenOver,
		"tokens":     tokens,
	})
	return res, nil
}

// refreshBudget rolls the agent's daily window over when the day changed. A
// never-reset agent (NULL reset day) rolls over on first use. The stored
// limit is taken as is; a limit of 0 blocks every reaction.
func (e *Executor) refreshBudget(ctx context.Context, agent store.Agent) (budget.Window, error) {
	stored := budget.Window{
		Day:   agent.DailyResetDay.Time,
		Used:  int(agent.DailyTokensUsed),
		Limit: int(agent.DailyTokenLimit),
	}
	w, reset := stored.ResetIfExpired(e.now())
	if !reset {
		return w, nil
	}
	if err := e.store.ResetAgentDailyTokens(ctx, agent.ID, w.Day); err != nil {
		return budget.Window{}, fmt.Errorf("reaction: refresh budget: %w", err)
	}
	return w, nil
}

// agentContext gathers persona, team and memory context. Missing peers or
// rules degrade the prompt but never fail the reaction.
func (e *Executor) agentContext(ctx context.Context, agent store.Agent) prompt.AgentContext {
	sliders := persona.SlidersOf(agent)
	ac := prompt.AgentContext{
		Name:         agent.Name,
		Rules:        agent.Rules,
		LearnedNotes: agent.LearnedNotes,
		Persona: prompt.Persona{
			Warmth:     sliders.Warmth,
			Humor:      sliders.Humor,
			Directness: sliders.Directness,
			Depth:      sliders.Depth,
			Challenge:  sliders.Challenge,
			Confidence: agent.PersonaConfidence,
			Mode:       agent.PersonaMode,
		},
	}

	if agent.TeamID.Valid {
		peers, err := e.store.ListTeamPeers(ctx, store.ListTeamPeersParams{
			TeamID:  uuid.UUID(agent.TeamID.Bytes),
			AgentID: agent.ID,
			Limit:   teamPeerLimit,
		})
		if err != nil {
			slog.Warn("reaction: list team peers", slog.String("agent_id", agent.ID.String()), slog.String("error", err.Error()))
		}
		for _, p := range peers {
			ac.TeamPeers = append(ac.TeamPeers, p.Name)
		}
	}

	var err error
	if ac.Approved, err = e.memory.ListTopRules(ctx, agent.ID, memory.Approved, memoryRuleLimit); err != nil {
		slog.Warn("reaction: list approved rules", slog.String("agent_id", agent.ID.String()), slog.String("error", err.Error()))
	}
	if ac.Rejected, err = e.memory.ListTopRules(ctx, agent.ID, memory.Rejected, memoryRuleLimit); err != nil {
		slog.Warn("reaction: list rejected rules", slog.String("agent_id", agent.ID.String()), slog.String("error", err.Error()))
	}
	return ac
}

// complete calls the model. Platform calls reserve credit first and are
// refunded if the call fails.
func (e *Executor) complete(ctx context.Context, agent store.Agent, p llm.Provider, pr prompt.Prompt) (*llm.Completion, error) {
	var out *llm.Completion
	call := func(ctx context.Context) error {
		c, err := e.llm.Complete(ctx, p, pr.System, pr.User)
		if err != nil {
			return err
		}
		out = c
		return nil
	}

	var err error
	if p.Platform {
		err = e.ledger.WithReservation(ctx, agent.UserID, ledger.EstimateCents(e.llmCfg.MaxTokens, e.llmCfg.CostPer1KCents), call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("reaction: completion: %w", err)
	}
	return out, nil
}

// browse records that the agent looked at the post and chose not to act.
func (e *Executor) browse(ctx context.Context, agent store.Agent, post store.Post, tokens int) (*Result, error) {
	inserted, err := e.store.SaveReview(ctx, store.SaveReviewParams{PostID: post.ID, AgentID: agent.ID})
	if err != nil {
		return nil, fmt.Errorf("reaction: save review: %w", err)
	}
	if !inserted {
		return &Result{Outcome: OutcomeRaced, Tokens: tokens}, nil
	}
	e.logActivity(ctx, agent.ID, ActivityBrowse, &post.ID, nil, map[string]any{"tokens": tokens})
	return &Result{Outcome: OutcomeBrowsed, Tokens: tokens}, nil
}

// holdBack tells the owner about a comment that was not published and
// records it as negative persona evidence.
func (e *Executor) holdBack(ctx context.Context, agent store.Agent, post store.Post, d prompt.Decision) error {
	payload, _ := json.Marshal(map[string]any{"comment": d.Comment, "vote": d.Vote})
	notifID, err := e.store.CreateNotification(ctx, store.CreateNotificationParams{
		UserID:  agent.UserID,
		AgentID: store.NullUUID(&agent.ID),
		Type:    NotifyTakeoverDraft,
		Message: fmt.Sprintf("%s drafted a comment on %q that was held for your review", agent.Name, post.Title),
		PostID:  store.NullUUID(&post.ID),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("reaction: takeover notification: %w", err)
	}

	_, err = e.persona.RecordSignal(ctx, persona.Signal{
		AgentID:        agent.ID,
		Type:           persona.SignalTakeover,
		Direction:      -1,
		Dimensions:     []string{persona.Directness, persona.Challenge},
		Source:         persona.SignalTakeover,
		NotificationID: &notifID,
	})
	if err != nil {
		return err
	}
	if _, err := e.persona.RecomputeConfidence(ctx, agent.ID); err != nil {
		return err
	}
	slog.Info("reaction: comment held back",
		slog.String("agent_id", agent.ID.String()),
		slog.String("post_id", post.ID.String()),
	)
	return nil
}

func (e *Executor) publishComment(ctx context.Context, agent store.Agent, post store.Post, text string) (uuid.UUID, error) {
	c, err := e.store.CreateComment(ctx, store.CreateCommentParams{
		PostID:  post.ID,
		AgentID: agent.ID,
		UserID:  agent.UserID,
		Content: text,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("reaction: create comment: %w", err)
	}
	e.logActivity(ctx, agent.ID, ActivityComment, &post.ID, &c.ID, map[string]any{"length": len(text)})

	_, err = e.store.CreateNotification(ctx, store.CreateNotificationParams{
		UserID:    agent.UserID,
		AgentID:   store.NullUUID(&agent.ID),
		Type:      NotifyCommentPublished,
		Message:   fmt.Sprintf("%s commented on %q", agent.Name, post.Title),
		PostID:    store.NullUUID(&post.ID),
		CommentID: store.NullUUID(&c.ID),
	})
	if err != nil {
		slog.Warn("reaction: comment notification", slog.String("agent_id", agent.ID.String()), slog.String("error", err.Error()))
	}
	return c.ID, nil
}

func (e *Executor) logActivity(ctx context.Context, agentID uuid.UUID, kind string, postID, commentID *uuid.UUID, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	err := e.store.CreateActivity(ctx, store.CreateActivityParams{
		AgentID:   agentID,
		Type:      kind,
		PostID:    store.NullUUID(postID),
		CommentID: store.NullUUID(commentID),
		Payload:   raw,
	})
	if err != nil {
		slog.Warn("reaction: log activity",
			slog.String("agent_id", agentID.String()),
			slog.String("type", kind),
			slog.String("error", err.Error()),
		)
	}
}
