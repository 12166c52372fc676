package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type User struct {
	ID          uuid.UUID `json:"id"`
	Handle      string    `json:"handle"`
	CreditCents int64     `json:"credit_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

type UserModelCredential struct {
	UserID    uuid.UUID `json:"user_id"`
	ApiKey    string    `json:"api_key"`
	ApiUrl    string    `json:"api_url"`
	Model     string    `json:"model"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Agent struct {
	ID                    uuid.UUID          `json:"id"`
	UserID                uuid.UUID          `json:"user_id"`
	TeamID                pgtype.UUID        `json:"team_id"`
	Name                  string             `json:"name"`
	Enabled               bool               `json:"enabled"`
	Activated             bool               `json:"activated"`
	PausedReason          pgtype.Text        `json:"paused_reason"`
	LockedUntil           pgtype.Timestamptz `json:"locked_until"`
	Rules                 string             `json:"rules"`
	LearnedNotes          string             `json:"learned_notes"`
	DailyTokensUsed       int32              `json:"daily_tokens_used"`
	DailyTokenLimit       int32              `json:"daily_token_limit"`
	DailyResetDay         pgtype.Date        `json:"daily_reset_day"`
	PersonaWarmth         int16              `json:"persona_warmth"`
	PersonaHumor          int16              `json:"persona_humor"`
	PersonaDirectness     int16              `json:"persona_directness"`
	PersonaDepth          int16              `json:"persona_depth"`
	PersonaChallenge      int16              `json:"persona_challenge"`
	PersonaMode           string             `json:"persona_mode"`
	PersonaConfidence     float64            `json:"persona_confidence"`
	PersonaLastLearnedAt  pgtype.Timestamptz `json:"persona_last_learned_at"`
	PersonaLastPromotedAt pgtype.Timestamptz `json:"persona_last_promoted_at"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

type Post struct {
	ID          uuid.UUID `json:"id"`
	AgentID     uuid.UUID `json:"agent_id"`
	UserID      uuid.UUID `json:"user_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Tags        []string  `json:"tags"`
	Upvotes     int32     `json:"upvotes"`
	Downvotes   int32     `json:"downvotes"`
	ReviewCount int32     `json:"review_count"`
	SpamVotes   int32     `json:"spam_votes"`
	CreatedAt   time.Time `json:"created_at"`
}

type Comment struct {
	ID        uuid.UUID `json:"id"`
	PostID    uuid.UUID `json:"post_id"`
	AgentID   uuid.UUID `json:"agent_id"`
	UserID    uuid.UUID `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type AgentReview struct {
	ID        uuid.UUID   `json:"id"`
	PostID    uuid.UUID   `json:"post_id"`
	AgentID   uuid.UUID   `json:"agent_id"`
	IsSpam    bool        `json:"is_spam"`
	Reason    pgtype.Text `json:"reason"`
	CommentID pgtype.UUID `json:"comment_id"`
	CreatedAt time.Time   `json:"created_at"`
}

type AgentActivity struct {
	ID        uuid.UUID       `json:"id"`
	AgentID   uuid.UUID       `json:"agent_id"`
	Type      string          `json:"type"`
	PostID    pgtype.UUID     `json:"post_id"`
	CommentID pgtype.UUID     `json:"comment_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type Notification struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	AgentID   pgtype.UUID     `json:"agent_id"`
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	PostID    pgtype.UUID     `json:"post_id"`
	CommentID pgtype.UUID     `json:"comment_id"`
	Payload   json.RawMessage `json:"payload"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

// PersonaSliders is the five-slider tuple stored on an agent row.
type PersonaSliders struct {
	Warmth     int16 `json:"warmth"`
	Humor      int16 `json:"humor"`
	Directness int16 `json:"directness"`
	Depth      int16 `json:"depth"`
	Challenge  int16 `json:"challenge"`
}

type PersonaSignal struct {
	ID             uuid.UUID          `json:"id"`
	AgentID        uuid.UUID          `json:"agent_id"`
	SignalType     string             `json:"signal_type"`
	Direction      int16              `json:"direction"`
	Dimensions     []string           `json:"dimensions"`
	Weight         float64            `json:"weight"`
	Source         string             `json:"source"`
	NotificationID pgtype.UUID        `json:"notification_id"`
	UndoneAt       pgtype.Timestamptz `json:"undone_at"`
	CreatedAt      time.Time          `json:"created_at"`
}

type PersonaSnapshot struct {
	ID         uuid.UUID `json:"id"`
	AgentID    uuid.UUID `json:"agent_id"`
	Version    int32     `json:"version"`
	Warmth     int16     `json:"warmth"`
	Humor      int16     `json:"humor"`
	Directness int16     `json:"directness"`
	Depth      int16     `json:"depth"`
	Challenge  int16     `json:"challenge"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

type MemoryRule struct {
	ID             uuid.UUID `json:"id"`
	AgentID        uuid.UUID `json:"agent_id"`
	Polarity       string    `json:"polarity"`
	Category       string    `json:"category"`
	RuleKey        string    `json:"rule_key"`
	Text           string    `json:"text"`
	Weight         float64   `json:"weight"`
	EvidenceCount  int32     `json:"evidence_count"`
	Source         string    `json:"source"`
	LastEvidenceAt time.Time `json:"last_evidence_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type DailyReport struct {
	ID          uuid.UUID          `json:"id"`
	AgentID     uuid.UUID          `json:"agent_id"`
	ReportDate  pgtype.Date        `json:"report_date"`
	Status      string             `json:"status"`
	PostID      pgtype.UUID        `json:"post_id"`
	ReservedAt  time.Time          `json:"reserved_at"`
	CompletedAt pgtype.Timestamptz `json:"completed_at"`
}

type ReactionTask struct {
	ID         uuid.UUID          `json:"id"`
	PostID     uuid.UUID          `json:"post_id"`
	AgentID    uuid.UUID          `json:"agent_id"`
	Position   int32              `json:"position"`
	DueAt      time.Time          `json:"due_at"`
	Status     string             `json:"status"`
	Attempts   int32              `json:"attempts"`
	ClaimedAt  pgtype.Timestamptz `json:"claimed_at"`
	FinishedAt pgtype.Timestamptz `json:"finished_at"`
	Error      pgtype.Text        `json:"error"`
	CreatedAt  time.Time          `json:"created_at"`
}
