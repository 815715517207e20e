package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Governs-AI/governsai-console-sub004/pkg/auth"
	"github.com/Governs-AI/governsai-console-sub004/pkg/confirm"
	"github.com/Governs-AI/governsai-console-sub004/pkg/httpx"
	"github.com/Governs-AI/governsai-console-sub004/pkg/models"
	"github.com/Governs-AI/governsai-console-sub004/pkg/webauthn"
)

func (s *Server) createConfirmation(w http.ResponseWriter, r *http.Request) {
	if !s.checkRateLimit(w, r) {
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	var req confirm.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, httpx.CodeValidation, "invalid json body")
		return
	}
	conf, err := s.Confirm.Create(r.Context(), principal, req)
	if err != nil {
		s.writeConfirmError(w, err)
		return
	}
	s.Metrics.IncConfirmationState(models.StatusPending)
	httpx.WriteJSON(w, http.StatusCreated, conf.Public())
}

type correlationRequest struct {
	CorrelationID string `json:"correlation_id"`
}

func (s *Server) confirmationAuthChallenge(w http.ResponseWriter, r *http.Request) {
	if !s.checkRateLimit(w, r) {
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	var req correlationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CorrelationID == "" {
		httpx.Error(w, 400, httpx.CodeValidation, "correlation_id required")
		return
	}
	resp, err := s.Confirm.IssueAuthChallenge(r.Context(), principal.OrgID, req.CorrelationID)
	if err != nil {
		s.writeConfirmError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type verifyRequest struct {
	CorrelationID string             `json:"correlation_id"`
	Assertion     webauthn.Assertion `json:"assertion"`
}

func (s *Server) verifyConfirmation(w http.ResponseWriter, r *http.Request) {
	if !s.checkRateLimit(w, r) {
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CorrelationID == "" {
		httpx.Error(w, 400, httpx.CodeValidation, "correlation_id required")
		return
	}
	if req.Assertion.CredentialID == "" || req.Assertion.Signature == "" {
		httpx.Error(w, 400, httpx.CodeValidation, "assertion credential_id and signature required")
		return
	}
	start := time.Now()
	res, err := s.Confirm.Verify(r.Context(), principal.OrgID, req.CorrelationID, req.Assertion)
	s.Metrics.ObserveVerifyLatency(time.Since(start))
	if err != nil {
		s.writeConfirmError(w, err)
		return
	}
	s.Metrics.IncConfirmationState(models.StatusApproved)
	s.notifyWebhook(res.Confirmation)
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) cancelConfirmation(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	var req correlationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CorrelationID == "" {
		httpx.Error(w, 400, httpx.CodeValidation, "correlation_id required")
		return
	}
	conf, err := s.Confirm.Cancel(r.Context(), principal.OrgID, req.CorrelationID)
	if err != nil {
		s.writeConfirmError(w, err)
		return
	}
	s.Metrics.IncConfirmationState(models.StatusCancelled)
	s.notifyWebhook(conf)
	httpx.WriteJSON(w, http.StatusOK, conf.Public())
}

func (s *Server) getConfirmation(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	correlationID := chi.URLParam(r, "correlation_id")
	conf, err := s.Confirm.Get(r.Context(), principal.OrgID, correlationID)
	if err != nil {
		s.writeConfirmError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, conf.Public())
}

func (s *Server) writeConfirmError(w http.ResponseWriter, err error) {
	var stateErr *confirm.StateError
	switch {
	case errors.Is(err, confirm.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, httpx.CodeNotFound, "confirmation not found")
	case errors.Is(err, confirm.ErrConflict):
		httpx.Error(w, http.StatusConflict, httpx.CodeConflict, "correlation_id already exists")
	case errors.Is(err, confirm.ErrExpired):
		httpx.Error(w, http.StatusGone, httpx.CodeExpired, "confirmation expired")
	case errors.As(err, &stateErr):
		httpx.Error(w, http.StatusConflict, httpx.CodeInvalidState, "confirmation is "+stateErr.Current)
	case errors.Is(err, confirm.ErrNoCredentials):
		httpx.Error(w, http.StatusConflict, httpx.CodeInvalidState, "no registered credentials")
	case errors.Is(err, confirm.ErrCredentialMismatch):
		httpx.Error(w, http.StatusBadRequest, httpx.CodeVerificationFailed, "credential does not belong to requester")
	case errors.Is(err, confirm.ErrVerificationFailed):
		httpx.Error(w, http.StatusBadRequest, httpx.CodeVerificationFailed, "assertion verification failed")
	default:
		httpx.Error(w, http.StatusBadRequest, httpx.CodeValidation, err.Error())
	}
}

// notifyWebhook posts resolved confirmations to an external callback,
// best effort. The caller already holds the durable truth.
func (s *Server) notifyWebhook(conf models.Confirmation) {
	if s.WebhookURL == "" {
		return
	}
	body, err := json.Marshal(conf.Public())
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		status, _, err := httpx.RequestJSON(ctx, s.HTTPClient, http.MethodPost, s.WebhookURL, body, s.WebhookToken, 1, 250*time.Millisecond)
		if err != nil {
			log.Printf("confirmation webhook: %v", err)
			return
		}
		if status >= 400 {
			log.Printf("confirmation webhook: status %d", status)
		}
	}()
}
