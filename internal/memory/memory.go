// Package memory mines durable preference rules from owner feedback and
// keeps them deduplicated, weighted and capped per agent and polarity.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/TIANQIAN1238/codemolt-sub001/internal/ledger"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/llm"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/store"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/structout"
	"github.com/TIANQIAN1238/codemolt-sub001/pkg/config"
)

// Polarities.
const (
	Approved = "approved"
	Rejected = "rejected"
)

// Rule sources.
const (
	SourceReview       = "review_feedback"
	SourceCycleSummary = "cycle_summary"
)

const (
	// MaxRulesPerPolarity caps each (agent, polarity) partition.
	MaxRulesPerPolarity = 60
	// MaxRulesPerCall caps extracted rules per polarity per model call.
	MaxRulesPerCall = 3

	ReviewWeight       = 2
	CycleSummaryWeight = 1

	maxRuleChars = 200
	maxKeyChars  = 120
)

// Categories are the accepted rule categories.
var Categories = map[string]bool{
	"topic":    true,
	"tone":     true,
	"format":   true,
	"behavior": true,
}

// ErrBadPolarity is returned for a polarity other than approved or rejected.
var ErrBadPolarity = errors.New("memory: unknown polarity")

// Store is the subset of store queries the miner needs.
type Store interface {
	UpsertMemoryRule(ctx context.Context, arg store.UpsertMemoryRuleParams) (store.MemoryRule, error)
	TrimMemoryRules(ctx context.Context, agentID uuid.UUID, polarity string, keep int32) (int64, error)
	ListTopMemoryRules(ctx context.Context, agentID uuid.UUID, polarity string, limit int32) ([]string, error)
}

// ProviderResolver resolves the model credential for an account.
type ProviderResolver interface {
	Resolve(ctx context.Context, userID uuid.UUID) (*llm.Provider, error)
}

// Reserver wraps a call in a credit reservation that is refunded on failure.
type Reserver interface {
	WithReservation(ctx context.Context, userID uuid.UUID, amountCents int64, fn func(ctx context.Context) error) error
}

// Rule is one extracted preference.
type Rule struct {
	Category string `json:"category"`
	Text     string `json:"text"`
}

// Rules groups extracted rules by polarity.
type Rules map[string][]Rule

// ReviewFeedback is one owner verdict on an agent's comment.
type ReviewFeedback struct {
	Polarity    string
	PostTitle   string
	PostContent string
	Comment     string
	Note        string
}

// CycleSummary batches a cycle's outcomes for one extraction.
type CycleSummary struct {
	Approved []string `json:"approved"`
	Rejected []string `json:"rejected"`
}

// Miner extracts, merges and lists memory rules.
type Miner struct {
	store    Store
	llm      llm.Completer
	provider ProviderResolver
	ledger   Reserver
	cfg      config.LLMConfig
	now      func() time.Time
}

// NewMiner creates a Miner. cfg prices platform calls.
func NewMiner(st Store, completer llm.Completer, resolver ProviderResolver, l Reserver, cfg config.LLMConfig) *Miner {
	return &Miner{store: st, llm: completer, provider: resolver, ledger: l, cfg: cfg, now: time.Now}
}

// WithClock replaces the miner's clock.
func (m *Miner) WithClock(now func() time.Time) *Miner {
	m.now = now
	return m
}

// LearnFromReview extracts rules from a single approval or rejection and
// merges them with ReviewWeight.
func (m *Miner) LearnFromReview(ctx context.Context, agent store.Agent, fb ReviewFeedback) (int, error) {
	if fb.Polarity != Approved && fb.Polarity != Rejected {
		return 0, ErrBadPolarity
	}
	var user strings.Builder
	fmt.Fprintf(&user, "The owner %s this comment.\n\nPost: %s\n%s\n\nComment:\n%s\n",
		fb.Polarity, fb.PostTitle, clip(fb.PostContent, 1500), fb.Comment)
	if fb.Note != "" {
		fmt.Fprintf(&user, "\nOwner note: %s\n", fb.Note)
	}
	fmt.Fprintf(&user, "\nReturn {\"%s\":[{\"category\":\"...\",\"text\":\"...\"}]}.", fb.Polarity)

	rules, err := m.ExtractRules(ctx, agent, user.String(), fb.Polarity)
	if err != nil {
		return 0, err
	}
	return m.MergeRules(ctx, agent.ID, fb.Polarity, rules[fb.Polarity], SourceReview, ReviewWeight)
}

// LearnFromCycleSummary extracts both polarities in one call and merges them
// with CycleSummaryWeight.
func (m *Miner) LearnFromCycleSummary(ctx context.Context, agent store.Agent, sum CycleSummary) (int, error) {
	if len(sum.Approved) == 0 && len(sum.Rejected) == 0 {
		return 0, nil
	}
	var user strings.Builder
	user.WriteString("Owner feedback collected over the last cycle.\n")
	writeItems(&user, "Approved", sum.Approved)
	writeItems(&user, "Rejected", sum.Rejected)
	user.WriteString("\nReturn {\"approved\":[...],\"rejected\":[...]} with {\"category\",\"text\"} items.")

	rules, err := m.ExtractRules(ctx, agent, user.String(), "")
	if err != nil {
		return 0, err
	}
	total := 0
	for _, pol := range []string{Approved, Rejected} {
		n, err := m.MergeRules(ctx, agent.ID, pol, rules[pol], SourceCycleSummary, CycleSummaryWeight)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

const extractSystemPrompt = `You distill an owner's feedback on an AI agent's comments into short, durable preference rules.
Each rule has a category (one of: topic, tone, format, behavior) and an imperative text under 20 words.
Return at most 3 rules per polarity. Return JSON only.`

// ExtractRules asks the model for rules. Platform calls are charged through
// the ledger and refunded if the call fails. defaultPolarity receives items
// returned as a bare array. Output that does not parse yields no rules.
func (m *Miner) ExtractRules(ctx context.Context, agent store.Agent, userPrompt, defaultPolarity string) (Rules, error) {
	p, err := m.provider.Resolve(ctx, agent.UserID)
	if err != nil {
		return nil, fmt.Errorf("memory: resolve provider: %w", err)
	}
	if p == nil {
		slog.Debug("memory: no provider, skipping extraction", slog.String("agent_id", agent.ID.String()))
		return Rules{}, nil
	}

	var text string
	call := func(ctx context.Context) error {
		out, err := m.llm.Complete(ctx, *p, extractSystemPrompt, userPrompt)
		if err != nil {
			return err
		}
		text = out.Text
		return nil
	}
	if p.Platform {
		err = m.ledger.WithReservation(ctx, agent.UserID, ledger.EstimateCents(m.cfg.MaxTokens, m.cfg.CostPer1KCents), call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("memory: extract: %w", err)
	}

	rules, err := ParseRules(text, defaultPolarity)
	if err != nil {
		slog.Warn("memory: discarding unparseable rules",
			slog.String("agent_id", agent.ID.String()),
			slog.String("error", err.Error()),
		)
		return Rules{}, nil
	}
	return rules, nil
}

// ParseRules reads rules from model text. It accepts an object keyed by
// polarity, an object with a "rules" array, or a bare array (assigned to
// defaultPolarity). Unknown categories and empty texts are dropped and each
// polarity keeps at most MaxRulesPerCall rules.
func ParseRules(text, defaultPolarity string) (Rules, error) {
	raw, _, err := structout.Extract(text)
	if err != nil {
		return nil, err
	}

	grouped := map[string][]Rule{}
	if strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
		var items []Rule
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		grouped[defaultPolarity] = items
	} else {
		var obj struct {
			Approved []Rule `json:"approved"`
			Rejected []Rule `json:"rejected"`
			Rules    []Rule `json:"rules"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		grouped[Approved] = obj.Approved
		grouped[Rejected] = obj.Rejected
		if len(obj.Rules) > 0 {
			grouped[defaultPolarity] = append(grouped[defaultPolarity], obj.Rules...)
		}
	}

	out := Rules{}
	for _, pol := range []string{Approved, Rejected} {
		for _, r := range grouped[pol] {
			r.Category = strings.ToLower(strings.TrimSpace(r.Category))
			r.Text = NormalizeText(r.Text)
			if !Categories[r.Category] || r.Text == "" {
				continue
			}
			if len(out[pol]) == MaxRulesPerCall {
				break
			}
			out[pol] = append(out[pol], r)
		}
	}
	return out, nil
}

// MergeRules upserts rules into the (agent, polarity) partition, adding
// weightDelta to existing rules with the same key, then trims the partition
// to MaxRulesPerPolarity. It returns the number of rules merged.
func (m *Miner) MergeRules(ctx context.Context, agentID uuid.UUID, polarity string, rules []Rule, source string, weightDelta float64) (int, error) {
	if polarity != Approved && polarity != Rejected {
		return 0, ErrBadPolarity
	}
	if len(rules) == 0 {
		return 0, nil
	}
	if weightDelta <= 0 {
		weightDelta = 1
	}

	now := m.now().UTC()
	merged := 0
	for _, r := range rules {
		category := strings.ToLower(strings.TrimSpace(r.Category))
		text := NormalizeText(r.Text)
		key := RuleKey(text)
		if !Categories[category] || key == "" {
			continue
		}
		_, err := m.store.UpsertMemoryRule(ctx, store.UpsertMemoryRuleParams{
			AgentID:        agentID,
			Polarity:       polarity,
			Category:       category,
			RuleKey:        key,
			Text:           text,
			Weight:         weightDelta,
			Source:         source,
			LastEvidenceAt: now,
		})
		if err != nil {
			return merged, fmt.Errorf("memory: upsert rule: %w", err)
		}
		merged++
	}

	trimmed, err := m.store.TrimMemoryRules(ctx, agentID, polarity, MaxRulesPerPolarity)
	if err != nil {
		return merged, fmt.Errorf("memory: trim rules: %w", err)
	}
	if trimmed > 0 {
		slog.Debug("memory: trimmed rules",
			slog.String("agent_id", agentID.String()),
			slog.String("polarity", polarity),
			slog.Int64("deleted", trimmed),
		)
	}
	return merged, nil
}

// ListTopRules returns up to limit rule texts, strongest first.
func (m *Miner) ListTopRules(ctx context.Context, agentID uuid.UUID, polarity string, limit int) ([]string, error) {
	if polarity != Approved && polarity != Rejected {
		return nil, ErrBadPolarity
	}
	rules, err := m.store.ListTopMemoryRules(ctx, agentID, polarity, int32(limit))
	if err != nil {
		return nil, fmt.Errorf("memory: list rules: %w", err)
	}
	return rules, nil
}

// NormalizeText collapses whitespace and caps the display length.
func NormalizeText(s string) string {
	return clip(strings.Join(strings.Fields(s), " "), maxRuleChars)
}

// RuleKey is the dedup key of a rule text: lowercase letters and digits
// separated by single spaces, capped in length.
func RuleKey(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return clip(b.String(), maxKeyChars)
}

func writeItems(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", clip(it, 400))
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
