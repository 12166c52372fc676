// Package feedback turns owner verdicts on agent output into persona and
// memory updates.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/TIANQIAN1238/codemolt-sub001/internal/memory"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/persona"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/store"
)

// Verdicts.
const (
	Approve = "approve"
	Reject  = "reject"
	Undo    = "undo"
)

const (
	signalUndo  = "review_undo"
	sourceOwner = "owner_feedback"
)

var (
	ErrValidation = errors.New("feedback: validation error")
	ErrNotFound   = errors.New("feedback: not found")
)

// Store is the subset of store queries the service reads.
type Store interface {
	GetAgent(ctx context.Context, id uuid.UUID) (store.Agent, error)
	GetPost(ctx context.Context, id uuid.UUID) (store.Post, error)
}

// Persona is the persona controller surface used by feedback.
type Persona interface {
	RecordSignal(ctx context.Context, s persona.Signal) (store.PersonaSignal, error)
	ApplyDelta(ctx context.Context, agentID uuid.UUID, direction int, dims []string, notificationID *uuid.UUID) (map[string]int, error)
	RecomputeConfidence(ctx context.Context, agentID uuid.UUID) (float64, error)
	RollbackIfNeeded(ctx context.Context, agentID uuid.UUID) (persona.Rollback, error)
	MaybePromote(ctx context.Context, agentID uuid.UUID, threshold float64) (bool, error)
}

// Memory is the rule miner surface used by feedback.
type Memory interface {
	LearnFromReview(ctx context.Context, agent store.Agent, fb memory.ReviewFeedback) (int, error)
	LearnFromCycleSummary(ctx context.Context, agent store.Agent, sum memory.CycleSummary) (int, error)
}

// Review is one owner verdict on an agent's comment or would-be comment.
type Review struct {
	AgentID        uuid.UUID  `json:"-"`
	Verdict        string     `json:"verdict"`
	NotificationID *uuid.UUID `json:"notification_id,omitempty"`
	PostID         *uuid.UUID `json:"post_id,omitempty"`
	Comment        string     `json:"comment,omitempty"`
	Dimensions     []string   `json:"dimensions,omitempty"`
	Note           string     `json:"note,omitempty"`
}

// Outcome reports every side effect of a Review.
type Outcome struct {
	Delta       map[string]int   `json:"delta"`
	Confidence  float64          `json:"confidence"`
	Rollback    persona.Rollback `json:"rollback"`
	Promoted    bool             `json:"promoted"`
	RulesMerged int              `json:"rules_merged"`
}

// Service applies owner feedback.
type Service struct {
	store              Store
	persona            Persona
	memory             Memory
	promotionThreshold float64
}

// NewService creates a Service.
func NewService(st Store, p Persona, m Memory, promotionThreshold float64) *Service {
	return &Service{store: st, persona: p, memory: m, promotionThreshold: promotionThreshold}
}

// Review records the verdict as a persona signal, nudges the sliders,
// recomputes confidence, checks rollback and promotion, and for approvals
// and rejections mines memory rules. Memory and rollback failures are logged;
// persona failures are returned.
func (s *Service) Review(ctx context.Context, r Review) (*Outcome, error) {
	var signalType string
	var direction int
	polarity := ""
	switch r.Verdict {
	case Approve:
		signalType, direction, polarity = persona.SignalReviewApprove, 1, memory.Approved
	case Reject:
		signalType, direction, polarity = persona.SignalReviewReject, -1, memory.Rejected
	case Undo:
		signalType, direction = signalUndo, 0
	default:
		return nil, fmt.Errorf("%w: verdict must be approve, reject or undo", ErrValidation)
	}

	agent, err := s.store.GetAgent(ctx, r.AgentID)
	if store.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("feedback: get agent: %w", err)
	}

	out := &Outcome{}
	dims := r.Dimensions
	if direction != 0 && len(dims) == 0 {
		dims = persona.DefaultDimensions
	}

	// The undo lookup must see the rejection before the undo signal lands.
	if direction == 0 {
		if out.Delta, err = s.persona.ApplyDelta(ctx, agent.ID, 0, nil, r.NotificationID); err != nil {
			return nil, err
		}
	}
	_, err = s.persona.RecordSignal(ctx, persona.Signal{
		AgentID:        agent.ID,
		Type:           signalType,
		Direction:      direction,
		Dimensions:     dims,
		Source:         sourceOwner,
		NotificationID: r.NotificationID,
	})
	if err != nil {
		return nil, err
	}
	if direction != 0 {
		if out.Delta, err = s.persona.ApplyDelta(ctx, agent.ID, direction, dims, r.NotificationID); err != nil {
			return nil, err
		}
	}

	if out.Confidence, err = s.persona.RecomputeConfidence(ctx, agent.ID); err != nil {
		return nil, err
	}

	out.Rollback, err = s.persona.RollbackIfNeeded(ctx, agent.ID)
	if err != nil {
		slog.Warn("feedback: rollback check failed",
			slog.String("agent_id", agent.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if !out.Rollback.RolledBack {
		out.Promoted, err = s.persona.MaybePromote(ctx, agent.ID, s.promotionThreshold)
		if err != nil {
			slog.Warn("feedback: promotion check failed",
				slog.String("agent_id", agent.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if polarity != "" {
		out.RulesMerged = s.learn(ctx, agent, polarity, r)
	}

	slog.Info("feedback: review applied",
		slog.String("agent_id", agent.ID.String()),
		slog.String("verdict", r.Verdict),
		slog.Float64("confidence", out.Confidence),
		slog.Bool("rolled_back", out.Rollback.RolledBack),
		slog.Bool("promoted", out.Promoted),
	)
	return out, nil
}

func (s *Service) learn(ctx context.Context, agent store.Agent, polarity string, r Review) int {
	fb := memory.ReviewFeedback{Polarity: polarity, Comment: r.Comment, Note: r.Note}
	if r.PostID != nil {
		post, err := s.store.GetPost(ctx, *r.PostID)
		if err == nil {
			fb.PostTitle, fb.PostContent = post.Title, post.Content
		} else if !store.IsNotFound(err) {
			slog.Warn("feedback: get post", slog.String("post_id", r.PostID.String()), slog.String("error", err.Error()))
		}
	}
	n, err := s.memory.LearnFromReview(ctx, agent, fb)
	if err != nil {
		slog.Warn("feedback: memory extraction failed",
			slog.String("agent_id", agent.ID.String()),
			slog.String("error", err.Error()),
		)
		return 0
	}
	return n
}

// CycleSummary mines both polarities from a batch of outcomes.
func (s *Service) CycleSummary(ctx context.Context, agentID uuid.UUID, sum memory.CycleSummary) (int, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if store.IsNotFound(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("feedback: get agent: %w", err)
	}
	n, err := s.memory.LearnFromCycleSummary(ctx, agent, sum)
	if err != nil {
		return 0, fmt.Errorf("feedback: cycle summary: %w", err)
	}
	return n, nil
}
