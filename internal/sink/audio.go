package sink

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	SampleRate  = 16000
	BitDepth    = 16
	NumChannels = 1

	wavFormatPCM = 1
)

// AudioWriter appends little-endian 16-bit mono PCM to a WAV file. The RIFF
// and data chunk sizes are patched on Close.
type AudioWriter struct {
	mu sync.Mutex

	f   *os.File
	enc *wav.Encoder
	buf audio.IntBuffer

	// A frame may end halfway through a sample; the dangling byte is held
	// until the next frame completes it.
	carry    byte
	hasCarry bool

	written uint64
	closed  bool
}

func newAudioWriter(f *os.File) (*AudioWriter, error) {
	w := &AudioWriter{
		f:   f,
		enc: wav.NewEncoder(f, SampleRate, BitDepth, NumChannels, wavFormatPCM),
		buf: audio.IntBuffer{
			Format:         &audio.Format{NumChannels: NumChannels, SampleRate: SampleRate},
			SourceBitDepth: BitDepth,
		},
	}
	// Emit the header up front so an engagement that never streams still
	// leaves a valid, empty WAV behind.
	if err := w.enc.Write(&w.buf); err != nil {
		return nil, fmt.Errorf("sink: write wav header: %w", err)
	}
	return w, nil
}

// Path returns the file the writer persists to.
func (w *AudioWriter) Path() string { return w.f.Name() }

// Write appends raw PCM bytes. It never retains pcm.
func (w *AudioWriter) Write(pcm []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrSinkClosed
	}
	if len(pcm) == 0 {
		return 0, nil
	}

	n := len(pcm)
	w.buf.Data = w.buf.Data[:0]
	if w.hasCarry {
		w.buf.Data = append(w.buf.Data, int(int16(uint16(w.carry)|uint16(pcm[0])<<8)))
		pcm = pcm[1:]
		w.hasCarry = false
	}
	for len(pcm) >= 2 {
		w.buf.Data = append(w.buf.Data, int(int16(uint16(pcm[0])|uint16(pcm[1])<<8)))
		pcm = pcm[2:]
	}
	if len(pcm) == 1 {
		w.carry = pcm[0]
		w.hasCarry = true
	}

	if len(w.buf.Data) > 0 {
		if err := w.enc.Write(&w.buf); err != nil {
			return 0, fmt.Errorf("sink: write wav samples: %w", err)
		}
	}
	w.written += uint64(n)
	return n, nil
}

// BytesWritten reports the number of PCM bytes accepted so far.
func (w *AudioWriter) BytesWritten() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close finalizes the WAV header and closes the file. A trailing half sample
// is discarded. Subsequent calls return nil.
func (w *AudioWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	encErr := w.enc.Close()
	closeErr := w.f.Close()
	if encErr != nil {
		return fmt.Errorf("finalize wav: %w", encErr)
	}
	return closeErr
}
