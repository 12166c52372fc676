// Package prompt assembles reaction prompts for an agent and parses the
// plan the model returns.
package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/TIANQIAN1238/codemolt-sub001/internal/structout"
)

// ErrBadPlan is returned when model output holds no usable plan.
var ErrBadPlan = errors.New("prompt: unusable plan")

const (
	maxPostChars    = 4000
	maxCommentChars = 1200
)

// Persona is the behavioral contract rendered into the system prompt.
type Persona struct {
	Warmth     int
	Humor      int
	Directness int
	Depth      int
	Challenge  int
	Confidence float64
	Mode       string
}

// AgentContext is everything about the reacting agent that shapes the prompt.
type AgentContext struct {
	Name         string
	Rules        string
	LearnedNotes string
	Persona      Persona
	TeamPeers    []string
	Approved     []string
	Rejected     []string
}

// Post is one post offered to the agent.
type Post struct {
	ID      uuid.UUID
	Title   string
	Content string
	Tags    []string
}

// Prompt is a system/user prompt pair.
type Prompt struct {
	System string
	User   string
}

// Build renders the prompt for ac reacting to posts.
func Build(ac AgentContext, posts []Post) Prompt {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s, an autonomous agent on a developer community where agents review each other's posts.\n\n", ac.Name)
	sys.WriteString("Persona contract:\n")
	sys.WriteString(Contract(ac.Persona))

	if rules := strings.TrimSpace(ac.Rules); rules != "" {
		sys.WriteString("\nOwner rules (always follow):\n")
		sys.WriteString(rules)
		sys.WriteString("\n")
	}
	if notes := strings.TrimSpace(ac.LearnedNotes); notes != "" {
		sys.WriteString("\nNotes you have learned:\n")
		sys.WriteString(notes)
		sys.WriteString("\n")
	}
	writeList(&sys, "Your owner liked it when you", ac.Approved)
	writeList(&sys, "Your owner rejected it when you", ac.Rejected)
	writeList(&sys, "Teammates (do not pile on their posts)", ac.TeamPeers)

	sys.WriteString(`
Reply with JSON only, shaped as:
{"decisions":[{"post_id":"<id>","vote":1|0|-1,"comment":"<optional>","flag_spam":false,"spam_reason":"<optional>"}]}
Leave "comment" empty unless you have something specific to add. Flag spam only for obvious spam or abuse.
`)

	var usr strings.Builder
	usr.WriteString("Review the following post")
	if len(posts) > 1 {
		usr.WriteString("s")
	}
	usr.WriteString(":\n")
	for _, p := range posts {
		fmt.Fprintf(&usr, "\n---\npost_id: %s\ntitle: %s\n", p.ID, p.Title)
		if len(p.Tags) > 0 {
			fmt.Fprintf(&usr, "tags: %s\n", strings.Join(p.Tags, ", "))
		}
		usr.WriteString("\n")
		usr.WriteString(clip(p.Content, maxPostChars))
		usr.WriteString("\n")
	}

	return Prompt{System: sys.String(), User: usr.String()}
}

// Contract describes the persona sliders in plain language.
func Contract(p Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- warmth %d/100: %s\n", p.Warmth, level(p.Warmth, "reserved", "friendly", "very warm"))
	fmt.Fprintf(&b, "- humor %d/100: %s\n", p.Humor, level(p.Humor, "serious", "light touches of humor", "playful"))
	fmt.Fprintf(&b, "- directness %d/100: %s\n", p.Directness, level(p.Directness, "diplomatic", "clear", "blunt"))
	fmt.Fprintf(&b, "- depth %d/100: %s\n", p.Depth, level(p.Depth, "brief", "moderately detailed", "thorough and technical"))
	fmt.Fprintf(&b, "- challenge %d/100: %s\n", p.Challenge, level(p.Challenge, "supportive", "questions weak points", "pushes back hard"))
	if p.Mode != "" {
		fmt.Fprintf(&b, "- mode: %s, confidence %.2f\n", p.Mode, p.Confidence)
	}
	return b.String()
}

func level(v int, low, mid, high string) string {
	switch {
	case v < 34:
		return low
	case v < 67:
		return mid
	default:
		return high
	}
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// --- Plan parsing ---

// Decision is the model's verdict on one post.
type Decision struct {
	PostID     string `json:"post_id"`
	Vote       int    `json:"vote"`
	Comment    string `json:"comment,omitempty"`
	FlagSpam   bool   `json:"flag_spam,omitempty"`
	SpamReason string `json:"spam_reason,omitempty"`
}

// Plan is the parsed model response.
type Plan struct {
	Decisions []Decision `json:"decisions"`
}

// ParsePlan extracts a Plan from model text. Both {"decisions":[...]} and a
// bare decision array are accepted. Votes are reduced to their sign.
func ParsePlan(text string) (Plan, error) {
	raw, _, err := structout.Extract(text)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrBadPlan, err)
	}

	var plan Plan
	if strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
		err = json.Unmarshal(raw, &plan.Decisions)
	} else {
		err = json.Unmarshal(raw, &plan)
	}
	if err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrBadPlan, err)
	}

	for i := range plan.Decisions {
		d := &plan.Decisions[i]
		d.PostID = strings.TrimSpace(d.PostID)
		d.Vote = sign(d.Vote)
		d.Comment = clip(strings.TrimSpace(d.Comment), maxCommentChars)
		d.SpamReason = strings.TrimSpace(d.SpamReason)
	}
	return plan, nil
}

// For returns the decision addressed to postID. A plan holding exactly one
// decision without a post id is taken to answer a single-post prompt.
func (p Plan) For(postID uuid.UUID) (Decision, bool) {
	for _, d := range p.Decisions {
		if id, err := uuid.Parse(d.PostID); err == nil && id == postID {
			return d, true
		}
	}
	if len(p.Decisions) == 1 && p.Decisions[0].PostID == "" {
		return p.Decisions[0], true
	}
	return Decision{}, false
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
