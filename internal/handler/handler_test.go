package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"security-core/internal/config"
	"security-core/internal/event"
	"security-core/internal/loginguard"
	"security-core/internal/models"
	"security-core/internal/store"
)

func newTestGuard(t *testing.T) *loginguard.Guard {
	t.Helper()

	counterStore, err := store.NewBoltStore(filepath.Join(t.TempDir(), "counters.db"))
	require.NoError(t, err)
	t.Cleanup(func() { counterStore.Close() })

	logPath := filepath.Join(t.TempDir(), "security.log")
	logger, err := event.NewLogger(logPath)
	require.NoError(t, err)
	reader := event.NewReader(logPath)

	cfg := config.LoginConfig{
		MaxAttempts:        5,
		LockoutDuration:    15 * time.Minute,
		ResetAttemptsAfter: time.Hour,
	}
	return loginguard.NewGuard(counterStore, cfg, logger, reader, nil)
}

func TestLoginStatsServedWithoutArchive(t *testing.T) {
	guard := newTestGuard(t)
	ctx := context.Background()
	require.NoError(t, guard.RecordFailure(ctx, "203.0.113.7", "alice", "test-agent"))
	require.NoError(t, guard.RecordFailure(ctx, "203.0.113.7", "alice", "test-agent"))

	h := NewAdminHandler(nil, guard, nil, nil, nil, nil, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/login-stats", nil)
	h.LoginStats(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool              `json:"success"`
		Data    models.LoginStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Data.FailedAttempts)
	assert.Nil(t, resp.Data.ArchiveTopSourceIPs)
}

func TestAuthUnavailableWithoutSessionBackend(t *testing.T) {
	h := NewSecurityHandler(nil, nil, nil, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"username":"alice","password":"hunter2"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/login", body)
	h.Login(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/auth/validate", nil)
	req.Header.Set(sessionHeader, "some-session")
	h.Validate(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminUnavailableWithoutSessionBackend(t *testing.T) {
	h := NewAdminHandler(nil, nil, nil, nil, nil, nil, nil, zap.NewNop())

	called := false
	next := h.requireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/report", nil)
	req.Header.Set(sessionHeader, "some-session")
	next.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, called)
}
