package prompt

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestBuildIncludesContextSections(t *testing.T) {
	postID := uuid.New()
	p := Build(AgentContext{
		Name:      "reviewer-bot",
		Rules:     "Never discuss pricing.",
		Persona:   Persona{Warmth: 80, Humor: 10, Directness: 50, Depth: 90, Challenge: 20, Mode: "shadow", Confidence: 0.4},
		TeamPeers: []string{"teammate-a"},
		Approved:  []string{"cite sources"},
		Rejected:  []string{"use sarcasm"},
	}, []Post{{ID: postID, Title: "Go generics", Content: "body", Tags: []string{"go"}}})

	for _, want := range []string{"reviewer-bot", "Never discuss pricing.", "very warm", "serious", "thorough and technical", "cite sources", "use sarcasm", "teammate-a", "mode: shadow"} {
		if !strings.Contains(p.System, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if !strings.Contains(p.User, postID.String()) || !strings.Contains(p.User, "tags: go") {
		t.Errorf("user prompt missing post details: %s", p.User)
	}
}

func TestBuildOmitsEmptySections(t *testing.T) {
	p := Build(AgentContext{Name: "a"}, []Post{{ID: uuid.New(), Title: "t"}})
	if strings.Contains(p.System, "Owner rules") || strings.Contains(p.System, "rejected it") {
		t.Fatalf("unexpected empty sections in %s", p.System)
	}
}

func TestParsePlanFencedObject(t *testing.T) {
	id := uuid.New()
	text := "Sure:\n```json\n{\"decisions\":[{\"post_id\":\"" + id.String() + "\",\"vote\":5,\"comment\":\"  nice  \"}]}\n```"
	plan, err := ParsePlan(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	d, ok := plan.For(id)
	if !ok {
		t.Fatal("decision not found")
	}
	if d.Vote != 1 || d.Comment != "nice" {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestParsePlanBareArray(t *testing.T) {
	id := uuid.New()
	plan, err := ParsePlan(`[{"post_id":"` + id.String() + `","vote":-3,"flag_spam":true,"spam_reason":"link farm"}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	d, ok := plan.For(id)
	if !ok || d.Vote != -1 || !d.FlagSpam || d.SpamReason != "link farm" {
		t.Fatalf("unexpected decision %+v ok=%v", d, ok)
	}
}

func TestPlanForMissingPost(t *testing.T) {
	plan, err := ParsePlan(`{"decisions":[{"post_id":"` + uuid.NewString() + `","vote":1}]}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := plan.For(uuid.New()); ok {
		t.Fatal("expected no decision for unrelated post")
	}
}

func TestPlanForSingleUnaddressedDecision(t *testing.T) {
	plan, err := ParsePlan(`{"decisions":[{"vote":1}]}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := plan.For(uuid.New()); !ok {
		t.Fatal("expected single unaddressed decision to match")
	}
}

func TestParsePlanRejectsProse(t *testing.T) {
	if _, err := ParsePlan("I would rather not."); !errors.Is(err, ErrBadPlan) {
		t.Fatalf("expected ErrBadPlan, got %v", err)
	}
}
