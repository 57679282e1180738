package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"security-core/internal/models"
	"security-core/internal/util"
)

// Reader tails the JSON-lines event log incrementally by byte offset so the
// monitor never re-processes records it has already classified.
type Reader struct {
	path string
}

func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Tail returns every complete record appended at or after fromOffset, plus
// the offset to resume from. A trailing partial line (a write in flight) is
// left for the next call. If the file shrank or was rotated the offset is
// reset to zero and the whole file is read.
func (r *Reader) Tail(ctx context.Context, fromOffset int64) ([]models.SecurityEvent, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, fromOffset, err
	}

	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, fromOffset, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fromOffset, fmt.Errorf("failed to stat event log: %w", err)
	}
	size := info.Size()
	if size < fromOffset {
		// Truncated or rotated underneath us.
		fromOffset = 0
	}
	if size == fromOffset {
		return nil, fromOffset, nil
	}

	if _, err := f.Seek(fromOffset, io.SeekStart); err != nil {
		return nil, fromOffset, fmt.Errorf("failed to seek event log: %w", err)
	}

	buf := make([]byte, size-fromOffset)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fromOffset, fmt.Errorf("failed to read event log: %w", err)
	}
	buf = buf[:n]

	// Only consume up to the last newline; anything after it is a partial
	// record still being written.
	last := bytes.LastIndexByte(buf, '\n')
	if last < 0 {
		return nil, fromOffset, nil
	}
	consumed := buf[:last+1]
	newOffset := fromOffset + int64(last+1)

	events := decodeLines(consumed)
	return events, newOffset, nil
}

// Since scans the whole log and returns records with a timestamp at or after
// cutoff. Used for on-demand risk reports and login statistics.
func (r *Reader) Since(ctx context.Context, cutoff time.Time) ([]models.SecurityEvent, error) {
	events, _, err := r.Tail(ctx, 0)
	if err != nil {
		return nil, err
	}
	filtered := events[:0]
	for _, ev := range events {
		if !ev.Timestamp.Before(cutoff) {
			filtered = append(filtered, ev)
		}
	}
	return filtered, nil
}

func decodeLines(data []byte) []models.SecurityEvent {
	var events []models.SecurityEvent
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev models.SecurityEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Corrupt lines are skipped, not fatal; the log keeps moving.
			util.Warn("Skipping malformed event log line", zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events
}
