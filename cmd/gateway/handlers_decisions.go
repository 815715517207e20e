package main

import (
	"net/http"
	"strconv"

	"github.com/Governs-AI/governsai-console-sub004/pkg/auth"
	"github.com/Governs-AI/governsai-console-sub004/pkg/httpx"
	"github.com/Governs-AI/governsai-console-sub004/pkg/models"
)

// listDecisions is the reconnect catch-up path: a client that lost its
// stream re-fetches from the durable store using the last decision id it
// saw as a cursor, then resubscribes.
func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.Error(w, 400, httpx.CodeValidation, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	since := r.URL.Query().Get("since")
	decisions, err := s.Ingest.List(r.Context(), principal.OrgID, since, limit)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, httpx.CodeUpstreamUnavailable, "decision store unavailable")
		return
	}
	if decisions == nil {
		decisions = []models.Decision{}
	}
	cursor := ""
	if len(decisions) > 0 {
		cursor = decisions[len(decisions)-1].ID
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"decisions": decisions,
		"cursor":    cursor,
	})
}
