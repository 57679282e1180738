package event

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"security-core/internal/models"
)

func newTestLog(t *testing.T) (*Logger, *Reader) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "security.log")
	logger, err := NewLogger(path)
	require.NoError(t, err)
	return logger, NewReader(path)
}

func TestTailReadsAppendedRecords(t *testing.T) {
	logger, reader := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, logger.Append(ctx, models.SecurityEvent{Type: models.EventLoginFailed, IP: "1.2.3.4", Username: "alice"}))
	require.NoError(t, logger.Append(ctx, models.SecurityEvent{Type: models.EventLoginSuccess, IP: "1.2.3.4", Username: "alice"}))

	events, offset, err := reader.Tail(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventLoginFailed, events[0].Type)
	assert.Equal(t, models.EventLoginSuccess, events[1].Type)
	assert.Equal(t, "alice", events[0].Username)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Positive(t, offset)

	// Resuming from the returned offset sees only what comes after it.
	events, same, err := reader.Tail(ctx, offset)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, offset, same)

	require.NoError(t, logger.Append(ctx, models.SecurityEvent{Type: models.EventLogout}))
	events, next, err := reader.Tail(ctx, offset)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventLogout, events[0].Type)
	assert.Greater(t, next, offset)
}

func TestTailOnMissingFile(t *testing.T) {
	reader := NewReader(filepath.Join(t.TempDir(), "never-written.log"))

	events, offset, err := reader.Tail(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Zero(t, offset)
}

func TestTailDefersPartialTrailingLine(t *testing.T) {
	logger, reader := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, logger.Append(ctx, models.SecurityEvent{Type: models.EventLoginFailed, IP: "1.2.3.4"}))

	// Simulate a write in flight: bytes after the last newline.
	f, err := os.OpenFile(logger.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event":"LOGIN_FAIL`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, offset, err := reader.Tail(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Once the line completes it is picked up from the held offset.
	f, err = os.OpenFile(logger.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("ED\",\"ip\":\"5.6.7.8\",\"timestamp\":\"2026-01-02T15:04:05Z\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, _, err = reader.Tail(ctx, offset)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "5.6.7.8", events[0].IP)
}

func TestTailResetsOnTruncation(t *testing.T) {
	logger, reader := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, logger.Append(ctx, models.SecurityEvent{Type: models.EventLoginFailed, IP: "1.2.3.4"}))
	_, offset, err := reader.Tail(ctx, 0)
	require.NoError(t, err)

	// Rotation: the file starts over smaller than the held offset.
	require.NoError(t, os.Truncate(logger.Path(), 0))
	require.NoError(t, logger.Append(ctx, models.SecurityEvent{Type: models.EventLogout}))

	events, _, err := reader.Tail(ctx, offset)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventLogout, events[0].Type)
}

func TestTailSkipsMalformedLines(t *testing.T) {
	logger, reader := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, logger.Append(ctx, models.SecurityEvent{Type: models.EventLoginFailed, IP: "1.2.3.4"}))
	f, err := os.OpenFile(logger.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, logger.Append(ctx, models.SecurityEvent{Type: models.EventLogout}))

	events, _, err := reader.Tail(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestSinceFiltersByTimestamp(t *testing.T) {
	logger, reader := newTestLog(t)
	ctx := context.Background()

	old := models.SecurityEvent{
		Type:      models.EventLoginFailed,
		IP:        "1.2.3.4",
		Timestamp: time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, logger.Append(ctx, old))
	require.NoError(t, logger.Append(ctx, models.SecurityEvent{Type: models.EventLoginFailed, IP: "5.6.7.8"}))

	events, err := reader.Since(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "5.6.7.8", events[0].IP)
}

type countingSink struct {
	published []models.SecurityEvent
}

func (c *countingSink) Publish(_ context.Context, ev models.SecurityEvent) error {
	c.published = append(c.published, ev)
	return nil
}

func TestAppendFansOutToSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security.log")
	sink := &countingSink{}
	logger, err := NewLogger(path, sink)
	require.NoError(t, err)

	require.NoError(t, logger.Append(context.Background(), models.SecurityEvent{Type: models.EventLoginFailed, IP: "1.2.3.4"}))

	require.Len(t, sink.published, 1)
	assert.Equal(t, "1.2.3.4", sink.published[0].IP)
	assert.False(t, sink.published[0].Timestamp.IsZero())
}
