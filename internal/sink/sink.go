// Package sink persists per-engagement artifacts: a WAV file holding the
// decoded audio and an optional plain-text transcript log.
package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrSinkClosed is returned by writes after Close.
var ErrSinkClosed = errors.New("sink: closed")

const (
	dirPerm  = 0o755
	filePerm = 0o644

	timestampLayout = "20060102-150405"

	// maxNameAttempts bounds the suffix search when an engagement restarts
	// within the same wall-clock second.
	maxNameAttempts = 100
)

// Dirs names the output directories. An empty TranscriptDir disables the
// transcript.
type Dirs struct {
	AudioDir      string
	TranscriptDir string
}

// Set is the pair of sinks owned by one engagement session.
type Set struct {
	Audio      *AudioWriter
	Transcript *TranscriptWriter
}

// Open creates the audio file and, when enabled, the transcript for an
// engagement. On failure nothing is left open.
func Open(dirs Dirs, engagementID, streamID string, now time.Time) (*Set, error) {
	audioFile, err := createUnique(dirs.AudioDir, engagementID, now, ".wav")
	if err != nil {
		return nil, fmt.Errorf("sink: create audio file: %w", err)
	}
	audio, err := newAudioWriter(audioFile)
	if err != nil {
		_ = audioFile.Close()
		return nil, err
	}

	set := &Set{Audio: audio}
	if dirs.TranscriptDir == "" {
		return set, nil
	}

	transcriptFile, err := createUnique(dirs.TranscriptDir, engagementID, now, ".txt")
	if err != nil {
		return nil, errors.Join(fmt.Errorf("sink: create transcript file: %w", err), audio.Close())
	}
	transcript, err := newTranscriptWriter(transcriptFile, engagementID, streamID, now)
	if err != nil {
		_ = transcriptFile.Close()
		return nil, errors.Join(err, audio.Close())
	}
	set.Transcript = transcript
	return set, nil
}

// Event appends a line to the transcript when one is enabled.
func (s *Set) Event(format string, args ...any) {
	if s == nil || s.Transcript == nil {
		return
	}
	_ = s.Transcript.Printf(format, args...)
}

// Close finalizes both sinks. Calling it again is a no-op.
func (s *Set) Close(end time.Time, chunks uint64) error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.Audio != nil {
		if err := s.Audio.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sink: finalize audio: %w", err))
		}
	}
	if s.Transcript != nil {
		if err := s.Transcript.Close(end, chunks); err != nil {
			errs = append(errs, fmt.Errorf("sink: finalize transcript: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Sanitize maps an engagement id onto a safe file name component.
func Sanitize(id string) string {
	if id == "" {
		return "unknown"
	}
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// FileName returns "<sanitized-id>_<YYYYMMDD-HHMMSS><ext>".
func FileName(engagementID string, t time.Time, ext string) string {
	return Sanitize(engagementID) + "_" + t.Format(timestampLayout) + ext
}

func createUnique(dir, engagementID string, now time.Time, ext string) (*os.File, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(FileName(engagementID, now, ext), ext)
	for i := 0; i < maxNameAttempts; i++ {
		name := base + ext
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR|os.O_CREATE|os.O_EXCL, filePerm)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return f, err
	}
	return nil, fmt.Errorf("no free file name for %q in %s", base+ext, dir)
}
