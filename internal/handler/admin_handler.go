package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"coliving-admin-auth/internal/apperrors"
	"coliving-admin-auth/internal/config"
	"coliving-admin-auth/internal/metrics"
	"coliving-admin-auth/internal/models"
	"coliving-admin-auth/internal/orchestrator"
	"coliving-admin-auth/internal/util"
)

// AdminBackend is everything the admin routes need from the service layer.
type AdminBackend interface {
	orchestrator.Backend
	AuthorizeSession(ctx context.Context, token string) (*models.AdminSession, error)
	Logout(ctx context.Context, token string) error
	DisplayName(ctx context.Context, session *models.AdminSession) (string, error)
}

// IPLimiter counts sign-in attempts per client address.
type IPLimiter interface {
	IncrementIPAttempt(ctx context.Context, ip string, window time.Duration) (int, error)
}

// AdminHandler serves the admin sign-in, invitation and session routes.
type AdminHandler struct {
	backend AdminBackend
	runs    *RunRegistry
	limiter IPLimiter
	auth    config.AuthConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewAdminHandler(backend AdminBackend, runs *RunRegistry, limiter IPLimiter, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		backend: backend,
		runs:    runs,
		limiter: limiter,
		auth:    cfg.Auth,
		metrics: m,
		logger:  logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type pinRequest struct {
	Pin string `json:"pin"`
}

type pinSetupRequest struct {
	Pin     string `json:"pin"`
	Confirm string `json:"confirm"`
}

type acceptInvitationRequest struct {
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	FullName        string `json:"full_name"`
}

type homeResponse struct {
	Email     string      `json:"email"`
	FullName  string      `json:"full_name,omitempty"`
	Role      models.Role `json:"role"`
	ExpiresAt time.Time   `json:"expires_at"`
}

type sessionKey struct{}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// RegisterRoutes registers all admin routes
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/admin", func(r chi.Router) {
		r.Post("/login", h.StartLogin)
		r.Post("/login/{runID}/pin", h.SubmitPin)
		r.Post("/login/{runID}/pin/setup", h.SubmitPinSetup)
		r.Post("/login/{runID}/back", h.Back)

		r.Get("/invitations/{token}", h.ValidateInvitation)
		r.Post("/invitations/{token}/accept", h.AcceptInvitation)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAdminSession)
			r.Get("/home", h.Home)
			r.Post("/logout", h.Logout)
		})
	})
}

// StartLogin opens a run and submits the credentials. A run that ends back on
// the credentials step is discarded; the client starts a new one.
func (h *AdminHandler) StartLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe("submit_credentials", time.Now())

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, apperrors.KindValidationMismatch, "Invalid request body")
		return
	}

	if h.limiter != nil && h.auth.LoginIPMaxAttempts > 0 {
		ip := clientIP(r)
		count, err := h.limiter.IncrementIPAttempt(ctx, ip, h.auth.LoginWindow)
		if err != nil {
			h.logger.Warn("IP throttle unavailable", util.ErrorField(err))
		} else if count > h.auth.LoginIPMaxAttempts {
			h.respondWithError(w, http.StatusTooManyRequests, apperrors.KindRateLimited, apperrors.Message(apperrors.KindRateLimited))
			return
		}
	}

	run := h.runs.Create()
	view, err := run.SubmitCredentials(ctx, req.Email, req.Password)
	if err != nil {
		h.runs.Remove(ctx, run.ID())
		h.respondWithRunError(w, err)
		return
	}
	if view.Step == orchestrator.StepCredentials {
		h.runs.Remove(ctx, run.ID())
	}
	h.respondWithView(w, http.StatusOK, view)
}

func (h *AdminHandler) SubmitPin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe("verify_pin", time.Now())

	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, apperrors.KindValidationMismatch, "Invalid request body")
		return
	}

	view, err := run.SubmitPin(ctx, req.Pin)
	h.finishRunCall(w, r, run, view, err)
}

func (h *AdminHandler) SubmitPinSetup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe("set_pin", time.Now())

	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	var req pinSetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, apperrors.KindValidationMismatch, "Invalid request body")
		return
	}

	view, err := run.SubmitSetup(ctx, req.Pin, req.Confirm)
	h.finishRunCall(w, r, run, view, err)
}

// Back signs out and returns the run to credentials, which also ends it here.
func (h *AdminHandler) Back(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe("back", time.Now())

	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	view, err := run.Back(ctx)
	if err != nil {
		h.respondWithRunError(w, err)
		return
	}
	h.runs.Remove(ctx, run.ID())
	h.respondWithView(w, http.StatusOK, view)
}

func (h *AdminHandler) ValidateInvitation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe("validate_invitation", time.Now())

	run := orchestrator.NewInvitationRun(chi.URLParam(r, "token"), h.backend, h.auth.InvitationRedirectDelay, h.logger)
	view, err := run.Load(ctx)
	if err != nil {
		h.respondWithRunError(w, err)
		return
	}
	h.respondWithInvitation(w, http.StatusOK, view)
}

func (h *AdminHandler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe("redeem_invitation", time.Now())

	var req acceptInvitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, apperrors.KindValidationMismatch, "Invalid request body")
		return
	}

	run := orchestrator.NewInvitationRun(chi.URLParam(r, "token"), h.backend, h.auth.InvitationRedirectDelay, h.logger)
	view, err := run.Load(ctx)
	if err != nil {
		h.respondWithRunError(w, err)
		return
	}
	if view.Step != orchestrator.InvitationForm {
		h.respondWithInvitation(w, http.StatusOK, view)
		return
	}

	view, err = run.Submit(ctx, req.Password, req.ConfirmPassword, req.FullName)
	if err != nil {
		h.respondWithRunError(w, err)
		return
	}
	status := http.StatusOK
	if view.Step == orchestrator.InvitationSuccess {
		status = http.StatusCreated
	}
	h.respondWithInvitation(w, status, view)
}

func (h *AdminHandler) Home(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	// The landing page still renders without the name.
	name, err := h.backend.DisplayName(r.Context(), session)
	if err != nil {
		h.logger.Warn("Failed to load admin display name", zap.String("email", session.Email), zap.Error(err))
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(homeResponse{
		Email:     session.Email,
		FullName:  name,
		Role:      session.Role,
		ExpiresAt: session.ExpiresAt,
	}, ""))
}

func (h *AdminHandler) Logout(w http.ResponseWriter, r *http.Request) {
	defer h.observe("logout", time.Now())

	session := sessionFrom(r.Context())
	if err := h.backend.Logout(r.Context(), session.Token); err != nil {
		kind := apperrors.KindOf(err)
		h.respondWithError(w, apperrors.HTTPStatus(kind), kind, messageFor(err))
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Signed out"))
}

// RequireAdminSession admits only second-factor admin sessions. The session is
// re-read from the store on every request, so revocation takes effect at once.
func (h *AdminHandler) RequireAdminSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			h.respondWithError(w, http.StatusUnauthorized, apperrors.KindNotAuthorized, apperrors.Message(apperrors.KindNotAuthorized))
			return
		}
		session, err := h.backend.AuthorizeSession(r.Context(), token)
		if err != nil {
			kind := apperrors.KindOf(err)
			status := apperrors.HTTPStatus(kind)
			if kind == apperrors.KindNotAuthorized {
				status = http.StatusUnauthorized
			}
			h.respondWithError(w, status, kind, messageFor(err))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func sessionFrom(ctx context.Context) *models.AdminSession {
	session, _ := ctx.Value(sessionKey{}).(*models.AdminSession)
	return session
}

func (h *AdminHandler) lookupRun(w http.ResponseWriter, r *http.Request) (*orchestrator.LoginRun, bool) {
	run, ok := h.runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if !ok {
		h.respondWithJSON(w, http.StatusNotFound, Response{Success: false, Error: "run_not_found", Message: "This sign-in has expired. Please start again."})
		return nil, false
	}
	return run, true
}

// finishRunCall renders a pin or setup result and drops runs that settled back
// on credentials (lockout, audit-free rejections, failed promotion).
func (h *AdminHandler) finishRunCall(w http.ResponseWriter, r *http.Request, run *orchestrator.LoginRun, view orchestrator.View, err error) {
	if err != nil {
		h.respondWithRunError(w, err)
		return
	}
	switch view.Step {
	case orchestrator.StepCredentials, orchestrator.StepAuthenticated:
		h.runs.Remove(r.Context(), run.ID())
	}
	h.respondWithView(w, http.StatusOK, view)
}

func (h *AdminHandler) observe(operation string, start time.Time) {
	h.metrics.ObserveBackendCall(operation, float64(time.Since(start).Microseconds())/1000)
}

// Helper Methods

// respondWithJSON sends a JSON response
func (h *AdminHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *AdminHandler) respondWithError(w http.ResponseWriter, statusCode int, kind apperrors.Kind, message string) {
	h.logger.Warn("HTTP error response",
		util.String("kind", string(kind)),
		util.Int("status_code", statusCode),
	)
	h.respondWithJSON(w, statusCode, Response{Success: false, Error: string(kind), Message: message})
}

// respondWithView sends a login run view. A view carrying an error kind is
// reported with that kind's status so clients can branch on either.
func (h *AdminHandler) respondWithView(w http.ResponseWriter, statusCode int, view orchestrator.View) {
	if view.ErrorKind != "" {
		h.respondWithJSON(w, apperrors.HTTPStatus(view.ErrorKind), Response{
			Success: false,
			Data:    view,
			Error:   string(view.ErrorKind),
			Message: view.Message,
		})
		return
	}
	h.respondWithJSON(w, statusCode, successResponse(view, view.Message))
}

func (h *AdminHandler) respondWithInvitation(w http.ResponseWriter, statusCode int, view orchestrator.InvitationView) {
	if view.ErrorKind != "" {
		h.respondWithJSON(w, apperrors.HTTPStatus(view.ErrorKind), Response{
			Success: false,
			Data:    view,
			Error:   string(view.ErrorKind),
			Message: view.Message,
		})
		return
	}
	h.respondWithJSON(w, statusCode, successResponse(view, view.Message))
}

func (h *AdminHandler) respondWithRunError(w http.ResponseWriter, err error) {
	statusCode := h.getStatusCode(err)
	var code string
	switch {
	case errors.Is(err, orchestrator.ErrRunClosed):
		code = "run_not_found"
	case errors.Is(err, orchestrator.ErrRunBusy):
		code = "run_busy"
	case errors.Is(err, orchestrator.ErrRunAbandoned):
		code = "run_abandoned"
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		code = "invalid_transition"
	default:
		code = string(apperrors.KindOf(err))
	}
	h.logger.Warn("Login run call refused", util.ErrorField(err), util.Int("status_code", statusCode))
	h.respondWithJSON(w, statusCode, Response{Success: false, Error: code, Message: messageFor(err)})
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AdminHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrRunClosed):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrRunBusy),
		errors.Is(err, orchestrator.ErrRunAbandoned),
		errors.Is(err, orchestrator.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return apperrors.HTTPStatus(apperrors.KindOf(err))
	}
}

func messageFor(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		if appErr.Message != "" {
			return appErr.Message
		}
		return apperrors.Message(appErr.Kind)
	}
	switch {
	case errors.Is(err, orchestrator.ErrRunClosed):
		return "This sign-in has expired. Please start again."
	case errors.Is(err, orchestrator.ErrRunBusy):
		return "A request for this sign-in is already in progress."
	case errors.Is(err, orchestrator.ErrRunAbandoned):
		return "This sign-in was cancelled."
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		return "That action is not available at this step."
	}
	return apperrors.Message(apperrors.KindUnknown)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// clientIP relies on middleware.RealIP having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
