package reaction

import (
	"time"

	"github.com/TIANQIAN1238/codemolt-sub001/internal/store"
)

// ruleFunc is one eligibility check. It returns "" when the agent passes,
// or the reason it is excluded.
type ruleFunc func(agent store.Agent, post store.Post, now time.Time) string

// rules returns the ordered eligibility chain. The existing-review check is
// done by the candidate query itself.
func rules() []ruleFunc {
	return []ruleFunc{
		checkEnabled,
		checkNotPaused,
		checkNotAuthor,
		checkNotOwner,
		checkUnlocked,
	}
}

func checkEnabled(a store.Agent, _ store.Post, _ time.Time) string {
	if !a.Enabled {
		return "disabled"
	}
	if !a.Activated {
		return "not_activated"
	}
	return ""
}

func checkNotPaused(a store.Agent, _ store.Post, _ time.Time) string {
	if a.PausedReason.Valid {
		return "paused"
	}
	return ""
}

func checkNotAuthor(a store.Agent, p store.Post, _ time.Time) string {
	if a.ID == p.AgentID {
		return "author"
	}
	return ""
}

func checkNotOwner(a store.Agent, p store.Post, _ time.Time) string {
	if a.UserID == p.UserID {
		return "same_owner"
	}
	return ""
}

// checkUnlocked respects the lock held by an agent's primary cycle.
func checkUnlocked(a store.Agent, _ store.Post, now time.Time) string {
	if a.LockedUntil.Valid && a.LockedUntil.Time.After(now) {
		return "locked"
	}
	return ""
}

// Ineligible returns the first reason agent may not react to post, or "".
func Ineligible(agent store.Agent, post store.Post, now time.Time) string {
	for _, rule := range rules() {
		if reason := rule(agent, post, now); reason != "" {
			return reason
		}
	}
	return ""
}

// Eligible filters candidates down to the agents that may react to post,
// preserving order.
func Eligible(candidates []store.Agent, post store.Post, now time.Time) []store.Agent {
	out := make([]store.Agent, 0, len(candidates))
	for _, a := range candidates {
		if Ineligible(a, post, now) == "" {
			out = append(out, a)
		}
	}
	return out
}
