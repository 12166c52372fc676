// Package persona implements the adaptive persona controller: five style
// sliders nudged by owner feedback, a rolling confidence score that gates
// live publication, and a snapshot ladder used for automatic rollback.
package persona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/TIANQIAN1238/codemolt-sub001/internal/store"
)

// Slider dimensions.
const (
	Warmth     = "warmth"
	Humor      = "humor"
	Directness = "directness"
	Depth      = "depth"
	Challenge  = "challenge"
)

// Modes.
const (
	ModeShadow = "shadow"
	ModeLive   = "live"
)

// Snapshot sources.
const (
	SourceManual       = "manual"
	SourceAutoPromote  = "auto_promote"
	SourceAutoRollback = "auto_rollback"
)

// Signal types with special meaning to the controller.
const (
	SignalReviewApprove = "review_approve"
	SignalReviewReject  = "review_reject"
	SignalTakeover      = "takeover"
)

const (
	approveStep = 2
	rejectStep  = -4

	confidenceWindow = 14 * 24 * time.Hour
	rollbackWindow   = 24 * time.Hour

	densitySaturation = 30
	takeoverBelow     = 0.55

	rollbackRejectRate = 0.25
	rollbackStreak     = 5
	// rollbackRateSample is the minimum number of review signals before the
	// reject-rate trigger is considered.
	rollbackRateSample = 10

	// PromotionSample is the minimum number of review signals in the
	// confidence window before automatic promotion.
	PromotionSample = 10

	snapshotAttempts = 3
)

// DefaultDimensions are adjusted when feedback names none.
var DefaultDimensions = []string{Directness, Depth}

var (
	// ErrNoSnapshot is returned when a rollback has no manual or
	// auto_promote snapshot to restore.
	ErrNoSnapshot = errors.New("persona: no restorable snapshot")
	// ErrNotFound is returned for an unknown agent.
	ErrNotFound = errors.New("persona: agent not found")
)

// Store is the subset of store queries the controller uses.
type Store interface {
	GetAgent(ctx context.Context, id uuid.UUID) (store.Agent, error)
	AdjustPersonaSliders(ctx context.Context, agentID uuid.UUID, at time.Time, fn func(cur store.PersonaSliders) store.PersonaSliders) error
	UndoRejectSignal(ctx context.Context, agentID uuid.UUID, notificationID pgtype.UUID, at time.Time, fn func(sig store.PersonaSignal, cur store.PersonaSliders) store.PersonaSliders) error
	UpdatePersonaConfidence(ctx context.Context, id uuid.UUID, confidence float64) error
	SetPersonaMode(ctx context.Context, id uuid.UUID, mode string) error
	MarkPersonaPromoted(ctx context.Context, id uuid.UUID, at time.Time) error
	RestorePersona(ctx context.Context, arg store.RestorePersonaParams) error
	CreatePersonaSignal(ctx context.Context, arg store.CreatePersonaSignalParams) (store.PersonaSignal, error)
	ListPersonaSignalsSince(ctx context.Context, agentID uuid.UUID, since time.Time) ([]store.PersonaSignal, error)
	CreatePersonaSnapshot(ctx context.Context, arg store.CreatePersonaSnapshotParams) (store.PersonaSnapshot, error)
	GetLatestRestorableSnapshot(ctx context.Context, agentID uuid.UUID) (store.PersonaSnapshot, error)
}

// Sliders holds the five persona dimensions, each in [0,100].
type Sliders struct {
	Warmth     int `json:"warmth"`
	Humor      int `json:"humor"`
	Directness int `json:"directness"`
	Depth      int `json:"depth"`
	Challenge  int `json:"challenge"`
}

// SlidersOf reads the sliders of an agent row.
func SlidersOf(a store.Agent) Sliders {
	return Sliders{
		Warmth:     int(a.PersonaWarmth),
		Humor:      int(a.PersonaHumor),
		Directness: int(a.PersonaDirectness),
		Depth:      int(a.PersonaDepth),
		Challenge:  int(a.PersonaChallenge),
	}
}

func slidersFromRow(r store.PersonaSliders) Sliders {
	return Sliders{
		Warmth:     int(r.Warmth),
		Humor:      int(r.Humor),
		Directness: int(r.Directness),
		Depth:      int(r.Depth),
		Challenge:  int(r.Challenge),
	}
}

func (s Sliders) row() store.PersonaSliders {
	return store.PersonaSliders{
		Warmth:     int16(s.Warmth),
		Humor:      int16(s.Humor),
		Directness: int16(s.Directness),
		Depth:      int16(s.Depth),
		Challenge:  int16(s.Challenge),
	}
}

func (s *Sliders) field(dim string) *int {
	switch dim {
	case Warmth:
		return &s.Warmth
	case Humor:
		return &s.Humor
	case Directness:
		return &s.Directness
	case Depth:
		return &s.Depth
	case Challenge:
		return &s.Challenge
	}
	return nil
}

// Nudge moves each named dimension by step, clamped to [0,100], and returns
// the change actually applied per dimension. Unknown names are ignored.
func (s *Sliders) Nudge(dims []string, step int) map[string]int {
	applied := make(map[string]int, len(dims))
	for _, d := range dims {
		f := s.field(d)
		if f == nil {
			continue
		}
		if _, seen := applied[d]; seen {
			continue
		}
		next := clampInt(*f+step, 0, 100)
		applied[d] = next - *f
		*f = next
	}
	return applied
}

// Signal is one piece of adaptation evidence.
type Signal struct {
	AgentID        uuid.UUID
	Type           string
	Direction      int
	Dimensions     []string
	Weight         float64
	Source         string
	NotificationID *uuid.UUID
}

// Rollback describes the outcome of RollbackIfNeeded.
type Rollback struct {
	RolledBack bool   `json:"rolled_back"`
	Reason     string `json:"reason"`
	// Version is the restored snapshot version.
	Version int32 `json:"version,omitempty"`
}

// Controller adapts persona state from signals.
type Controller struct {
	store Store
	now   func() time.Time
}

// NewController creates a Controller.
func NewController(st Store) *Controller {
	return &Controller{store: st, now: time.Now}
}

// WithClock replaces the controller's clock.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// RecordSignal appends a signal. It never touches the sliders.
func (c *Controller) RecordSignal(ctx context.Context, s Signal) (store.PersonaSignal, error) {
	weight := s.Weight
	if weight == 0 {
		weight = 1
	}
	dims := s.Dimensions
	if dims == nil {
		dims = []string{}
	}
	sig, err := c.store.CreatePersonaSignal(ctx, store.CreatePersonaSignalParams{
		AgentID:        s.AgentID,
		SignalType:     s.Type,
		Direction:      int16(sign(s.Direction)),
		Dimensions:     dims,
		Weight:         weight,
		Source:         s.Source,
		NotificationID: store.NullUUID(s.NotificationID),
	})
	if err != nil {
		return store.PersonaSignal{}, fmt.Errorf("persona: record signal: %w", err)
	}
	return sig, nil
}

// ApplyDelta nudges the sliders for one feedback event and returns the change
// applied per dimension. Approval moves +2, rejection -4. Direction 0 undoes
// the latest owner rejection not already undone (scoped to notificationID
// when given) by applying the approval step to the dimensions that rejection
// penalized; with nothing to undo the result is empty. Each rejection can be
// undone once.
func (c *Controller) ApplyDelta(ctx context.Context, agentID uuid.UUID, direction int, dims []string, notificationID *uuid.UUID) (map[string]int, error) {
	if _, err := c.agent(ctx, agentID); err != nil {
		return nil, err
	}
	now := c.now().UTC()

	var applied map[string]int
	if direction == 0 {
		err := c.store.UndoRejectSignal(ctx, agentID, store.NullUUID(notificationID), now,
			func(sig store.PersonaSignal, cur store.PersonaSliders) store.PersonaSliders {
				undo := sig.Dimensions
				if len(undo) == 0 {
					undo = DefaultDimensions
				}
				sliders := slidersFromRow(cur)
				applied = sliders.Nudge(undo, approveStep)
				return sliders.row()
			})
		if store.IsNotFound(err) {
			return map[string]int{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("persona: undo rejection: %w", err)
		}
		return applied, nil
	}

	step := approveStep
	if direction < 0 {
		step = rejectStep
	}
	if len(dims) == 0 {
		dims = DefaultDimensions
	}
	err := c.store.AdjustPersonaSliders(ctx, agentID, now, func(cur store.PersonaSliders) store.PersonaSliders {
		sliders := slidersFromRow(cur)
		applied = sliders.Nudge(dims, step)
		return sliders.row()
	})
	if err != nil {
		return nil, fmt.Errorf("persona: update sliders: %w", err)
	}
	return applied, nil
}

// RecomputeConfidence scores the trailing 14-day signal window and persists it.
func (c *Controller) RecomputeConfidence(ctx context.Context, agentID uuid.UUID) (float64, error) {
	signals, err := c.store.ListPersonaSignalsSince(ctx, agentID, c.now().UTC().Add(-confidenceWindow))
	if err != nil {
		return 0, fmt.Errorf("persona: list signals: %w", err)
	}
	conf := Confidence(signals)
	if err := c.store.UpdatePersonaConfidence(ctx, agentID, conf); err != nil {
		return 0, fmt.Errorf("persona: update confidence: %w", err)
	}
	return conf, nil
}

// Confidence computes
//
//	0.45*approvalRate + 0.25*(1-rejectRate) + 0.20*density + 0.10*consistency
//
// over signals given in chronological order, clamped to [0,1].
func Confidence(signals []store.PersonaSignal) float64 {
	approvals, rejects := reviewCounts(signals)

	approvalRate, rejectRate := 0.5, 0.0
	if total := approvals + rejects; total > 0 {
		approvalRate = float64(approvals) / float64(total)
		rejectRate = float64(rejects) / float64(total)
	}

	density := float64(len(signals)) / densitySaturation
	if density > 1 {
		density = 1
	}

	consistency := 0.5
	var dirs []int16
	for _, s := range signals {
		if s.Direction != 0 {
			dirs = append(dirs, s.Direction)
		}
	}
	if len(dirs) >= 2 {
		flips := 0
		for i := 1; i < len(dirs); i++ {
			if dirs[i] != dirs[i-1] {
				flips++
			}
		}
		consistency = 1 - float64(flips)/float64(len(dirs)-1)
	}

	score := 0.45*approvalRate + 0.25*(1-rejectRate) + 0.20*density + 0.10*consistency
	return clampFloat(score, 0, 1)
}

// Snapshot saves the current sliders and confidence as the next version.
// An auto_promote snapshot also stamps the agent's promotion time.
func (c *Controller) Snapshot(ctx context.Context, agentID uuid.UUID, source string) (int32, error) {
	agent, err := c.agent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return c.snapshotOf(ctx, agent, source)
}

func (c *Controller) snapshotOf(ctx context.Context, agent store.Agent, source string) (int32, error) {
	arg := store.CreatePersonaSnapshotParams{
		AgentID:    agent.ID,
		Warmth:     agent.PersonaWarmth,
		Humor:      agent.PersonaHumor,
		Directness: agent.PersonaDirectness,
		Depth:      agent.PersonaDepth,
		Challenge:  agent.PersonaChallenge,
		Confidence: agent.PersonaConfidence,
		Source:     source,
	}

	var snap store.PersonaSnapshot
	var err error
	for attempt := 0; attempt < snapshotAttempts; attempt++ {
		snap, err = c.store.CreatePersonaSnapshot(ctx, arg)
		if err == nil || !store.IsUniqueViolation(err) {
			break
		}
		// A concurrent writer took the same version; read MAX again.
	}
	if err != nil {
		return 0, fmt.Errorf("persona: create snapshot: %w", err)
	}

	if source == SourceAutoPromote {
		if err := c.store.MarkPersonaPromoted(ctx, agent.ID, c.now().UTC()); err != nil {
			return 0, fmt.Errorf("persona: mark promoted: %w", err)
		}
	}
	return snap.Version, nil
}

// RollbackIfNeeded reverts a live persona whose last 24 hours of review
// feedback went bad: a reject rate above 25% (once enough reviews exist) or
// five rejections in a row, newest first. The latest manual or auto_promote
// snapshot is restored, the mode forced back to shadow and an auto_rollback
// snapshot recorded.
func (c *Controller) RollbackIfNeeded(ctx context.Context, agentID uuid.UUID) (Rollback, error) {
	agent, err := c.agent(ctx, agentID)
	if err != nil {
		return Rollback{}, err
	}
	if agent.PersonaMode != ModeLive {
		return Rollback{Reason: "not_live"}, nil
	}

	signals, err := c.store.ListPersonaSignalsSince(ctx, agentID, c.now().UTC().Add(-rollbackWindow))
	if err != nil {
		return Rollback{}, fmt.Errorf("persona: list signals: %w", err)
	}
	reason := RollbackReason(signals)
	if reason == "" {
		return Rollback{Reason: "healthy"}, nil
	}

	snap, err := c.store.GetLatestRestorableSnapshot(ctx, agentID)
	if store.IsNotFound(err) {
		slog.Warn("persona: rollback wanted but no snapshot",
			slog.String("agent_id", agentID.String()),
			slog.String("reason", reason),
		)
		return Rollback{Reason: reason}, ErrNoSnapshot
	}
	if err != nil {
		return Rollback{}, fmt.Errorf("persona: load snapshot: %w", err)
	}

	err = c.store.RestorePersona(ctx, store.RestorePersonaParams{
		ID:         agentID,
		Warmth:     snap.Warmth,
		Humor:      snap.Humor,
		Directness: snap.Directness,
		Depth:      snap.Depth,
		Challenge:  snap.Challenge,
		Confidence: snap.Confidence,
		Mode:       ModeShadow,
	})
	if err != nil {
		return Rollback{}, fmt.Errorf("persona: restore: %w", err)
	}

	agent.PersonaWarmth = snap.Warmth
	agent.PersonaHumor = snap.Humor
	agent.PersonaDirectness = snap.Directness
	agent.PersonaDepth = snap.Depth
	agent.PersonaChallenge = snap.Challenge
	agent.PersonaConfidence = snap.Confidence
	agent.PersonaMode = ModeShadow
	if _, err := c.snapshotOf(ctx, agent, SourceAutoRollback); err != nil {
		return Rollback{}, err
	}

	slog.Info("persona: rolled back",
		slog.String("agent_id", agentID.String()),
		slog.String("reason", reason),
		slog.Int("version", int(snap.Version)),
	)
	return Rollback{RolledBack: true, Reason: reason, Version: snap.Version}, nil
}

// RollbackReason returns "reject_streak" or "reject_rate" when the signals,
// in chronological order, call for a rollback, or "" otherwise.
func RollbackReason(signals []store.PersonaSignal) string {
	streak := 0
	for i := len(signals) - 1; i >= 0; i-- {
		t := signals[i].SignalType
		if t != SignalReviewApprove && t != SignalReviewReject {
			continue
		}
		if t != SignalReviewReject {
			break
		}
		streak++
	}
	if streak >= rollbackStreak {
		return "reject_streak"
	}

	approvals, rejects := reviewCounts(signals)
	if total := approvals + rejects; total >= rollbackRateSample &&
		float64(rejects)/float64(total) > rollbackRejectRate {
		return "reject_rate"
	}
	return ""
}

// State is the externally visible persona of an agent.
type State struct {
	AgentID        uuid.UUID  `json:"agent_id"`
	Sliders        Sliders    `json:"sliders"`
	Mode           string     `json:"mode"`
	Confidence     float64    `json:"confidence"`
	Takeover       bool       `json:"takeover"`
	LastLearnedAt  *time.Time `json:"last_learned_at,omitempty"`
	LastPromotedAt *time.Time `json:"last_promoted_at,omitempty"`
}

// State reads the current persona of agentID.
func (c *Controller) State(ctx context.Context, agentID uuid.UUID) (*State, error) {
	agent, err := c.agent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	st := &State{
		AgentID:    agent.ID,
		Sliders:    SlidersOf(agent),
		Mode:       agent.PersonaMode,
		Confidence: agent.PersonaConfidence,
		Takeover:   Takeover(agent.PersonaConfidence),
	}
	if agent.PersonaLastLearnedAt.Valid {
		st.LastLearnedAt = &agent.PersonaLastLearnedAt.Time
	}
	if agent.PersonaLastPromotedAt.Valid {
		st.LastPromotedAt = &agent.PersonaLastPromotedAt.Time
	}
	return st, nil
}

// ShouldTakeover reports whether generated content must be held back for
// the owner instead of published.
func (c *Controller) ShouldTakeover(ctx context.Context, agentID uuid.UUID) (bool, error) {
	agent, err := c.agent(ctx, agentID)
	if err != nil {
		return false, err
	}
	return Takeover(agent.PersonaConfidence), nil
}

// Takeover is the confidence gate behind ShouldTakeover.
func Takeover(confidence float64) bool {
	return confidence < takeoverBelow
}

// MaybePromote switches a shadow persona to live once its confidence reaches
// threshold with enough review evidence, taking an auto_promote snapshot.
func (c *Controller) MaybePromote(ctx context.Context, agentID uuid.UUID, threshold float64) (bool, error) {
	agent, err := c.agent(ctx, agentID)
	if err != nil {
		return false, err
	}
	if agent.PersonaMode != ModeShadow || agent.PersonaConfidence < threshold {
		return false, nil
	}

	signals, err := c.store.ListPersonaSignalsSince(ctx, agentID, c.now().UTC().Add(-confidenceWindow))
	if err != nil {
		return false, fmt.Errorf("persona: list signals: %w", err)
	}
	if a, r := reviewCounts(signals); a+r < PromotionSample {
		return false, nil
	}

	if err := c.promote(ctx, agent, SourceAutoPromote); err != nil {
		return false, err
	}
	return true, nil
}

// Promote switches the persona to live on the owner's request and records a
// manual snapshot as the rollback target.
func (c *Controller) Promote(ctx context.Context, agentID uuid.UUID) (int32, error) {
	agent, err := c.agent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	if err := c.store.SetPersonaMode(ctx, agentID, ModeLive); err != nil {
		return 0, fmt.Errorf("persona: set mode: %w", err)
	}
	version, err := c.snapshotOf(ctx, agent, SourceManual)
	if err != nil {
		return 0, err
	}
	if err := c.store.MarkPersonaPromoted(ctx, agentID, c.now().UTC()); err != nil {
		return 0, fmt.Errorf("persona: mark promoted: %w", err)
	}
	return version, nil
}

func (c *Controller) promote(ctx context.Context, agent store.Agent, source string) error {
	if err := c.store.SetPersonaMode(ctx, agent.ID, ModeLive); err != nil {
		return fmt.Errorf("persona: set mode: %w", err)
	}
	if _, err := c.snapshotOf(ctx, agent, source); err != nil {
		return err
	}
	slog.Info("persona: promoted",
		slog.String("agent_id", agent.ID.String()),
		slog.Float64("confidence", agent.PersonaConfidence),
	)
	return nil
}

func (c *Controller) agent(ctx context.Context, id uuid.UUID) (store.Agent, error) {
	a, err := c.store.GetAgent(ctx, id)
	if store.IsNotFound(err) {
		return store.Agent{}, ErrNotFound
	}
	if err != nil {
		return store.Agent{}, fmt.Errorf("persona: get agent: %w", err)
	}
	return a, nil
}

func reviewCounts(signals []store.PersonaSignal) (approvals, rejects int) {
	for _, s := range signals {
		switch s.SignalType {
		case SignalReviewApprove:
			approvals++
		case SignalReviewReject:
			rejects++
		}
	}
	return approvals, rejects
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
