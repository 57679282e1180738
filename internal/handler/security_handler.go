package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"security-core/internal/csrf"
	"security-core/internal/loginguard"
	"security-core/internal/models"
	"security-core/internal/ratelimit"
	"security-core/internal/security"
	"security-core/internal/session"
	"security-core/internal/util"
)

const sessionHeader = "X-Session-ID"

// SecurityHandler exposes the authentication and token surface.
type SecurityHandler struct {
	limiter  *ratelimit.Limiter
	guard    *loginguard.Guard
	sessions *session.Manager
	csrf     *csrf.Manager
	logger   *zap.Logger
}

func NewSecurityHandler(limiter *ratelimit.Limiter, guard *loginguard.Guard, sessions *session.Manager, csrfManager *csrf.Manager, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{
		limiter:  limiter,
		guard:    guard,
		sessions: sessions,
		csrf:     csrfManager,
		logger:   logger,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		util.Warn("Failed to encode response", zap.Error(err))
	}
}

// clientIP trusts the RealIP middleware having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusFor maps component sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, security.ErrRateLimited):
		return security.ReasonRateLimited.HTTPStatus()
	case errors.Is(err, security.ErrLoginLocked):
		return security.ReasonIPBlocked.HTTPStatus()
	case errors.Is(err, security.ErrAuthenticationFailed):
		return security.ReasonAuthenticationFailed.HTTPStatus()
	case errors.Is(err, security.ErrSessionInvalid):
		return security.ReasonSessionInvalid.HTTPStatus()
	case errors.Is(err, security.ErrCsrfMismatch):
		return security.ReasonCsrfMismatch.HTTPStatus()
	case errors.Is(err, security.ErrMalformedInput):
		return security.ReasonMalformedInput.HTTPStatus()
	case errors.Is(err, security.ErrStoreUnavailable):
		return security.ReasonStoreUnavailable.HTTPStatus()
	default:
		return http.StatusInternalServerError
	}
}

// sessionsReady reports whether the session backend came up. A degraded start
// leaves the manager nil; the auth surface then answers 503 instead of panicking.
func (h *SecurityHandler) sessionsReady(w http.ResponseWriter) bool {
	if h.sessions != nil {
		return true
	}
	writeJSON(w, statusFor(security.ErrStoreUnavailable),
		errorResponse(security.ErrStoreUnavailable, "session backend unavailable"))
	return false
}

// RateLimitMiddleware applies one throttling category to everything below it,
// keyed by client IP.
func (h *SecurityHandler) RateLimitMiddleware(category string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := models.Identity{Category: models.IdentityIP, Subject: clientIP(r)}
			decision := h.limiter.Check(r.Context(), identity, category)
			if !decision.Allowed {
				w.Header().Set("Retry-After", decision.RetryAfter.String())
				writeJSON(w, decision.Reason.HTTPStatus(),
					errorResponse(security.ErrRateLimited, "too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *SecurityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.With(h.RateLimitMiddleware("general")).Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.Get("/validate", h.Validate)
		r.Get("/sessions", h.ActiveSessions)
	})

	router.Route("/csrf", func(r chi.Router) {
		r.Get("/{action}", h.GetCSRFToken)
		r.Post("/{action}/validate", h.ValidateCSRFToken)
		r.Post("/{action}/consume", h.ConsumeCSRFToken)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

func (h *SecurityHandler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.sessionsReady(w) {
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(security.ErrMalformedInput, "username and password required"))
		return
	}

	ip := clientIP(r)

	if decision := h.guard.Check(r.Context(), ip, req.Username); !decision.Allowed {
		w.Header().Set("Retry-After", decision.RetryAfter.String())
		writeJSON(w, decision.Reason.HTTPStatus(),
			errorResponse(security.ErrLoginLocked, "too many failed attempts"))
		return
	}

	sess, err := h.sessions.Authenticate(r.Context(), req.Username, req.Password, req.TOTPCode, ip, r.UserAgent())
	if err != nil {
		if errors.Is(err, security.ErrAuthenticationFailed) {
			if recErr := h.guard.RecordFailure(r.Context(), ip, req.Username, r.UserAgent()); recErr != nil {
				util.Warn("Failed to record login failure", zap.Error(recErr))
			}
		}
		writeJSON(w, statusFor(err), errorResponse(security.ErrAuthenticationFailed, "login failed"))
		return
	}

	if err := h.guard.RecordSuccess(r.Context(), ip, req.Username); err != nil {
		util.Warn("Failed to record login success", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, successResponse(sess, "authenticated"))
}

func (h *SecurityHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if !h.sessionsReady(w) {
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(security.ErrMalformedInput, "session id required"))
		return
	}

	if h.csrf != nil {
		if err := h.csrf.ClearAll(r.Context(), sessionID); err != nil {
			util.Warn("Failed to clear csrf tokens on logout", zap.Error(err))
		}
	}
	if err := h.sessions.Logout(r.Context(), sessionID); err != nil {
		writeJSON(w, statusFor(err), errorResponse(err, "logout failed"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(nil, "logged out"))
}

func (h *SecurityHandler) Validate(w http.ResponseWriter, r *http.Request) {
	if !h.sessionsReady(w) {
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(security.ErrMalformedInput, "session id required"))
		return
	}

	sess, err := h.sessions.Validate(r.Context(), sessionID, clientIP(r), r.UserAgent())
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse(security.ErrSessionInvalid, "session invalid"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(sess, "session valid"))
}

func (h *SecurityHandler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	sess, err := h.validateRequest(w, r)
	if err != nil {
		return
	}

	sessions, err := h.sessions.ActiveSessions(r.Context(), sess.UserID)
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse(err, "failed to list sessions"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(sessions, ""))
}

func (h *SecurityHandler) GetCSRFToken(w http.ResponseWriter, r *http.Request) {
	sess, err := h.validateRequest(w, r)
	if err != nil {
		return
	}

	action := chi.URLParam(r, "action")
	token, err := h.csrf.GetToken(r.Context(), sess.SessionID, action)
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse(err, "failed to issue token"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(map[string]string{"token": token, "action": action}, ""))
}

type csrfRequest struct {
	Token string `json:"token"`
}

func (h *SecurityHandler) ValidateCSRFToken(w http.ResponseWriter, r *http.Request) {
	h.checkCSRF(w, r, h.csrf.ValidateToken, "token valid")
}

func (h *SecurityHandler) ConsumeCSRFToken(w http.ResponseWriter, r *http.Request) {
	h.checkCSRF(w, r, h.csrf.ConsumeToken, "token consumed")
}

type csrfCheck func(ctx context.Context, sessionID, action, presented, ip string) error

func (h *SecurityHandler) checkCSRF(w http.ResponseWriter, r *http.Request, check csrfCheck, message string) {
	sess, err := h.validateRequest(w, r)
	if err != nil {
		return
	}

	var req csrfRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(security.ErrMalformedInput, "token required"))
		return
	}

	action := chi.URLParam(r, "action")
	if err := check(r.Context(), sess.SessionID, action, req.Token, clientIP(r)); err != nil {
		writeJSON(w, statusFor(err), errorResponse(security.ErrCsrfMismatch, "token rejected"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(nil, message))
}

func (h *SecurityHandler) validateRequest(w http.ResponseWriter, r *http.Request) (*models.Session, error) {
	if !h.sessionsReady(w) {
		return nil, security.ErrStoreUnavailable
	}
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(security.ErrMalformedInput, "session id required"))
		return nil, security.ErrMalformedInput
	}
	sess, err := h.sessions.Validate(r.Context(), sessionID, clientIP(r), r.UserAgent())
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse(security.ErrSessionInvalid, "session invalid"))
		return nil, err
	}
	return sess, nil
}

func (h *SecurityHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"security-core"}`))
}
