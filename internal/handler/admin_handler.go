package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"security-core/internal/event"
	"security-core/internal/loginguard"
	"security-core/internal/models"
	"security-core/internal/monitor"
	"security-core/internal/netblock"
	"security-core/internal/ratelimit"
	"security-core/internal/security"
	"security-core/internal/session"
	"security-core/internal/util"
)

const adminRole = "admin"

// AdminHandler exposes the operator surface: risk reports, login statistics,
// manual unblocks, and the network block schedule. Every route requires a
// valid session holding the admin role.
type AdminHandler struct {
	limiter  *ratelimit.Limiter
	guard    *loginguard.Guard
	sessions *session.Manager
	monitor  *monitor.Monitor
	blocks   *netblock.Schedule
	events   *event.Logger
	archive  *event.ClickHouseSink
	logger   *zap.Logger
}

// NewAdminHandler builds the operator surface. archive may be nil; login
// statistics then come from the tailed log alone.
func NewAdminHandler(limiter *ratelimit.Limiter, guard *loginguard.Guard, sessions *session.Manager, securityMonitor *monitor.Monitor, blocks *netblock.Schedule, events *event.Logger, archive *event.ClickHouseSink, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		limiter:  limiter,
		guard:    guard,
		sessions: sessions,
		monitor:  securityMonitor,
		blocks:   blocks,
		events:   events,
		archive:  archive,
		logger:   logger,
	}
}

func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.With(newRateLimitFor(h.limiter, "admin")).Group(func(r chi.Router) {
			r.Get("/report", h.RiskReport)
			r.Get("/login-stats", h.LoginStats)
			r.Get("/ratelimit/{category}", h.RateLimitInfo)
			r.Post("/unblock/ip/{ip}", h.UnblockIP)
			r.Post("/unblock/username/{username}", h.UnblockUsername)
			r.Post("/unblock/ratelimit/{category}", h.UnblockRateLimit)
			r.Get("/netblocks", h.NetBlocks)
		})
	})
}

func newRateLimitFor(limiter *ratelimit.Limiter, category string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := models.Identity{Category: models.IdentityIP, Subject: clientIP(r)}
			decision := limiter.Check(r.Context(), identity, category)
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

// requireAdmin validates the session and gates on the admin role. A denied
// attempt is recorded to the event log so the monitor sees probing.
func (h *AdminHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.sessions == nil {
			writeJSON(w, statusFor(security.ErrStoreUnavailable),
				errorResponse(security.ErrStoreUnavailable, "session backend unavailable"))
			return
		}

		sessionID := r.Header.Get(sessionHeader)
		if sessionID == "" {
			h.denied(r, "")
			writeJSON(w, http.StatusUnauthorized, errorResponse(security.ErrSessionInvalid, "session required"))
			return
		}

		sess, err := h.sessions.Validate(r.Context(), sessionID, clientIP(r), r.UserAgent())
		if err != nil {
			h.denied(r, "")
			writeJSON(w, statusFor(err), errorResponse(security.ErrSessionInvalid, "session invalid"))
			return
		}

		if sess.Role != adminRole {
			h.denied(r, sess.Username)
			writeJSON(w, http.StatusForbidden, errorResponse(security.ErrSessionInvalid, "admin role required"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) denied(r *http.Request, username string) {
	if h.events == nil {
		return
	}
	err := h.events.Append(r.Context(), models.SecurityEvent{
		Type:      models.EventAdminAccessDenied,
		IP:        clientIP(r),
		Username:  username,
		UserAgent: r.UserAgent(),
		URI:       r.URL.Path,
	})
	if err != nil {
		util.Warn("Failed to record admin denial", zap.Error(err))
	}
}

func (h *AdminHandler) RiskReport(w http.ResponseWriter, r *http.Request) {
	assessment, err := h.monitor.Report(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to build report"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(assessment, ""))
}

func (h *AdminHandler) LoginStats(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if raw := r.URL.Query().Get("window_seconds"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			window = time.Duration(secs) * time.Second
		}
	}

	stats, err := h.guard.Stats(r.Context(), window)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to compute stats"))
		return
	}

	// The columnar archive reaches past the tailed log's retention; its
	// failure never degrades the file-based stats.
	if h.archive != nil {
		topIPs, archiveErr := h.archive.TopSourceIPs(r.Context(), time.Now().Add(-window), 10)
		if archiveErr != nil {
			util.Warn("Archive aggregation failed", zap.Error(archiveErr))
		} else {
			stats.ArchiveTopSourceIPs = topIPs
		}
	}

	writeJSON(w, http.StatusOK, successResponse(stats, ""))
}

func (h *AdminHandler) RateLimitInfo(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(security.ErrMalformedInput, "subject query parameter required"))
		return
	}

	identity := models.Identity{Category: models.IdentityIP, Subject: subject}
	info, err := h.limiter.Info(r.Context(), identity, category)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to read limit info"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(info, ""))
}

func (h *AdminHandler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if err := h.guard.UnblockIP(r.Context(), ip); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to unblock ip"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(nil, "ip unblocked"))
}

func (h *AdminHandler) UnblockUsername(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if err := h.guard.UnblockUsername(r.Context(), username); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to unblock username"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(nil, "username unblocked"))
}

type unblockRequest struct {
	Subject string `json:"subject"`
}

func (h *AdminHandler) UnblockRateLimit(w http.ResponseWriter, r *http.Request) {
	var req unblockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(security.ErrMalformedInput, "subject required"))
		return
	}

	category := chi.URLParam(r, "category")
	identity := models.Identity{Category: models.IdentityIP, Subject: req.Subject}
	if err := h.limiter.Unblock(r.Context(), identity, category); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to unblock"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(nil, "rate limit cleared"))
}

func (h *AdminHandler) NetBlocks(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	pending, err := h.blocks.Pending(r.Context(), now)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to read block schedule"))
		return
	}
	expired, err := h.blocks.Expired(r.Context(), now)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, "failed to read block schedule"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"pending": pending,
		"expired": expired,
	}, ""))
}
