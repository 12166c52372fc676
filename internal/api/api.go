// Package api exposes the engagement engine over HTTP: the publish hook that
// starts reactions, owner feedback intake, persona and memory inspection,
// and daily report publication.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/TIANQIAN1238/codemolt-sub001/internal/auth"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/feedback"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/memory"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/persona"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/reaction"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/report"
)

const (
	defaultRuleLimit = 20
	maxRuleLimit     = 100
)

// Scheduler starts reaction batches.
type Scheduler interface {
	ReactToNewPost(ctx context.Context, postID uuid.UUID) (int, error)
	ResumeOnce(ctx context.Context) (int, error)
}

// Feedback applies owner verdicts.
type Feedback interface {
	Review(ctx context.Context, r feedback.Review) (*feedback.Outcome, error)
	CycleSummary(ctx context.Context, agentID uuid.UUID, sum memory.CycleSummary) (int, error)
}

// Persona reads and pins persona state.
type Persona interface {
	State(ctx context.Context, agentID uuid.UUID) (*persona.State, error)
	Snapshot(ctx context.Context, agentID uuid.UUID, source string) (int32, error)
	Promote(ctx context.Context, agentID uuid.UUID) (int32, error)
}

// Memory lists learned rules.
type Memory interface {
	ListTopRules(ctx context.Context, agentID uuid.UUID, polarity string, limit int) ([]string, error)
}

// Reports publishes daily reports.
type Reports interface {
	PublishDaily(ctx context.Context, agentID uuid.UUID, day time.Time) (*report.Result, error)
}

// Handler provides the engine's HTTP endpoints.
type Handler struct {
	scheduler Scheduler
	feedback  Feedback
	persona   Persona
	memory    Memory
	reports   Reports
}

// NewHandler creates a new API handler.
func NewHandler(s Scheduler, f Feedback, p Persona, m Memory, r Reports) *Handler {
	return &Handler{scheduler: s, feedback: f, persona: p, memory: m, reports: r}
}

// Routes returns a chi.Router with all engine routes. Authentication is
// applied by the caller; operator-only routes check the role here.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/posts/{id}/react", h.HandleReact)

	r.Route("/agents/{id}", func(r chi.Router) {
		r.Post("/feedback", h.HandleFeedback)
		r.Post("/cycle-summary", h.HandleCycleSummary)
		r.Get("/persona", h.HandleGetPersona)
		r.Post("/persona/snapshot", h.HandleSnapshot)
		r.Post("/persona/promote", h.HandlePromote)
		r.Get("/memory", h.HandleListMemory)
		r.Post("/daily-report/{day}", h.HandleDailyReport)
	})

	r.With(auth.RequireRole(auth.RoleOperator)).Post("/reactions/resume", h.HandleResume)
	return r
}

// HandleReact handles POST /api/posts/{id}/react, the publish hook.
func (h *Handler) HandleReact(w http.ResponseWriter, r *http.Request) {
	postID, ok := pathID(w, r, "id", "invalid post id")
	if !ok {
		return
	}
	n, err := h.scheduler.ReactToNewPost(r.Context(), postID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, reactResponse{PostID: postID, Scheduled: n})
}

// HandleResume handles POST /api/reactions/resume.
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	n, err := h.scheduler.ResumeOnce(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resumeResponse{Posts: n})
}

// HandleFeedback handles POST /api/agents/{id}/feedback.
func (h *Handler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathID(w, r, "id", "invalid agent id")
	if !ok {
		return
	}
	var req feedback.Review
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	req.AgentID = agentID

	out, err := h.feedback.Review(r.Context(), req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleCycleSummary handles POST /api/agents/{id}/cycle-summary.
func (h *Handler) HandleCycleSummary(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathID(w, r, "id", "invalid agent id")
	if !ok {
		return
	}
	var req memory.CycleSummary
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if len(req.Approved) == 0 && len(req.Rejected) == 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "approved or rejected items are required")
		return
	}

	n, err := h.feedback.CycleSummary(r.Context(), agentID, req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mergedResponse{RulesMerged: n})
}

// HandleGetPersona handles GET /api/agents/{id}/persona.
func (h *Handler) HandleGetPersona(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathID(w, r, "id", "invalid agent id")
	if !ok {
		return
	}
	st, err := h.persona.State(r.Context(), agentID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleSnapshot handles POST /api/agents/{id}/persona/snapshot.
func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathID(w, r, "id", "invalid agent id")
	if !ok {
		return
	}
	v, err := h.persona.Snapshot(r.Context(), agentID, persona.SourceManual)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, versionResponse{Version: v})
}

// HandlePromote handles POST /api/agents/{id}/persona/promote.
func (h *Handler) HandlePromote(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathID(w, r, "id", "invalid agent id")
	if !ok {
		return
	}
	v, err := h.persona.Promote(r.Context(), agentID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{Version: v, Mode: persona.ModeLive})
}

// HandleListMemory handles GET /api/agents/{id}/memory?polarity=&limit=.
func (h *Handler) HandleListMemory(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathID(w, r, "id", "invalid agent id")
	if !ok {
		return
	}
	polarity := r.URL.Query().Get("polarity")
	if polarity == "" {
		polarity = memory.Approved
	}
	if polarity != memory.Approved && polarity != memory.Rejected {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "polarity must be approved or rejected")
		return
	}
	limit := defaultRuleLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxRuleLimit)
		}
	}

	rules, err := h.memory.ListTopRules(r.Context(), agentID, polarity, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if rules == nil {
		rules = []string{}
	}
	writeJSON(w, http.StatusOK, memoryResponse{Polarity: polarity, Rules: rules})
}

// HandleDailyReport handles POST /api/agents/{id}/daily-report/{day}.
func (h *Handler) HandleDailyReport(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathID(w, r, "id", "invalid agent id")
	if !ok {
		return
	}
	day, err := time.Parse(time.DateOnly, chi.URLParam(r, "day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "day must be YYYY-MM-DD")
		return
	}

	res, err := h.reports.PublishDaily(r.Context(), agentID, day)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	status := http.StatusOK
	switch res.Outcome {
	case report.OutcomePublished:
		status = http.StatusCreated
	case report.OutcomeInProgress:
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// --- response types ---

type reactResponse struct {
	PostID    uuid.UUID `json:"post_id"`
	Scheduled int       `json:"scheduled"`
}

type resumeResponse struct {
	Posts int `json:"posts"`
}

type mergedResponse struct {
	RulesMerged int `json:"rules_merged"`
}

type versionResponse struct {
	Version int32  `json:"version"`
	Mode    string `json:"mode,omitempty"`
}

type memoryResponse struct {
	Polarity string   `json:"polarity"`
	Rules    []string `json:"rules"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- helpers ---

func pathID(w http.ResponseWriter, r *http.Request, param, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reaction.ErrPostNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "post not found")
	case errors.Is(err, feedback.ErrNotFound),
		errors.Is(err, persona.ErrNotFound),
		errors.Is(err, report.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "agent not found")
	case errors.Is(err, feedback.ErrValidation):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, report.ErrNoProvider):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	default:
		slog.Error("api: handler error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}
