package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler provides HTTP handlers for auth endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a new auth handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// issueRequest is the JSON request body for POST /api/auth/tokens.
type issueRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// tokenResponse is the JSON response for POST /api/auth/tokens.
type tokenResponse struct {
	Token string `json:"token"`
}

// HandleWhoAmI handles GET /api/auth/me: the caller's claims.
func (h *Handler) HandleWhoAmI(w http.ResponseWriter, r *http.Request) {
	c := ClaimsFromContext(r.Context())
	if c == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no token")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleIssue handles POST /api/auth/tokens: an operator mints a token for
// another caller.
func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.Subject == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "subject is required")
		return
	}
	if req.Role == "" {
		req.Role = RoleService
	}
	if req.Role != RoleService && req.Role != RoleOperator {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "role must be service or operator")
		return
	}

	token, err := h.svc.Issue(req.Subject, req.Role)
	if err != nil {
		slog.Error("auth: issue token", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to issue token")
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{Token: token})
}

// HandleRevoke handles POST /api/auth/revoke: revokes the caller's own token.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	c := ClaimsFromContext(r.Context())
	if c == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no token")
		return
	}
	if err := h.svc.Revoke(r.Context(), c); err != nil {
		slog.Error("auth: revoke token", slog.String("subject", c.Subject), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to revoke token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}
