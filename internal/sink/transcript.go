package sink

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	startMarker = "=== RTMS session start ==="
	endMarker   = "=== RTMS session end ==="
)

// TranscriptWriter is an append-only text log bracketed by start and end
// markers.
type TranscriptWriter struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	now    func() time.Time
	closed bool
}

func newTranscriptWriter(f *os.File, engagementID, streamID string, start time.Time) (*TranscriptWriter, error) {
	t := &TranscriptWriter{f: f, w: bufio.NewWriter(f), now: time.Now}
	_, err := fmt.Fprintf(t.w, "%s\nengagement_id: %s\nstream_id: %s\nstarted_at: %s\n",
		startMarker, engagementID, streamID, start.UTC().Format(time.RFC3339))
	if err == nil {
		err = t.w.Flush()
	}
	if err != nil {
		return nil, fmt.Errorf("sink: write transcript header: %w", err)
	}
	return t, nil
}

// Path returns the file the writer persists to.
func (t *TranscriptWriter) Path() string { return t.f.Name() }

// Printf appends one timestamped event line.
func (t *TranscriptWriter) Printf(format string, args ...any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrSinkClosed
	}
	if _, err := fmt.Fprintf(t.w, "[%s] ", t.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(t.w, format, args...); err != nil {
		return err
	}
	if err := t.w.WriteByte('\n'); err != nil {
		return err
	}
	return t.w.Flush()
}

// Close writes the end marker and closes the file. Subsequent calls return
// nil.
func (t *TranscriptWriter) Close(end time.Time, chunks uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	_, err := fmt.Fprintf(t.w, "%s\nended_at: %s\naudio_chunks: %d\n",
		endMarker, end.UTC().Format(time.RFC3339), chunks)
	if err == nil {
		err = t.w.Flush()
	}
	if closeErr := t.f.Close(); err == nil {
		err = closeErr
	}
	return err
}
