package engagement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/transport/v3/deadline"

	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/rtmsproto"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/sink"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/status"
)

// State is the lifecycle stage of a Session. It only moves forward.
type State int

const (
	StateReserved State = iota
	StateSignalingConnecting
	StateSignalingReady
	StateMediaConnecting
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReserved:
		return "reserved"
	case StateSignalingConnecting:
		return "signaling_connecting"
	case StateSignalingReady:
		return "signaling_ready"
	case StateMediaConnecting:
		return "media_connecting"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Params identifies one engagement as announced by a started event.
type Params struct {
	EngagementID string
	StreamID     string
	ServerURL    string
	// Meeting selects meeting_uuid instead of engagement_id as the identity
	// field on the wire.
	Meeting bool
}

// Validate reports every missing field as one ErrInvalidPayload.
func (p Params) Validate() error {
	var missing []string
	if p.EngagementID == "" {
		missing = append(missing, "engagement_id")
	}
	if p.StreamID == "" {
		missing = append(missing, "rtms_stream_id")
	}
	if p.ServerURL == "" {
		missing = append(missing, "server_urls")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	return nil
}

func (p Params) identity() rtmsproto.Identity {
	if p.Meeting {
		return rtmsproto.Identity{MeetingUUID: p.EngagementID}
	}
	return rtmsproto.Identity{EngagementID: p.EngagementID}
}

// Session owns both channels and both sinks of one engagement.
//
// Channel read loops run on their own goroutines and feed HandleMessage
// inline. Any failure is funnelled through fail, which hands the session to
// onLost on a fresh goroutine so that Finalize never waits on the goroutine
// that triggered it.
type Session struct {
	params    Params
	identity  rtmsproto.Identity
	signature string
	startedAt time.Time
	opts      Options

	log      *slog.Logger
	metrics  *metrics.Metrics
	reporter status.Reporter
	onLost   func(*Session, error)

	signaling *SignalingChannel
	media     *MediaChannel

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	sinks     *sink.Set
	sigConn   *conn
	mediaConn *conn
	mediaURL  string
	timers    []*time.Timer
	cause     error

	loops    sync.WaitGroup
	watchdog *deadline.Deadline

	finalizeOnce sync.Once
	finalizeErr  error
	done         chan struct{}
}

func newSession(p Params, signature string, opts Options, log *slog.Logger, m *metrics.Metrics, reporter status.Reporter, onLost func(*Session, error)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	log = log.With("engagement_id", p.EngagementID, "stream_id", p.StreamID)
	identity := p.identity()
	return &Session{
		params:    p,
		identity:  identity,
		signature: signature,
		startedAt: time.Now(),
		opts:      opts,
		log:       log,
		metrics:   m,
		reporter:  reporter,
		onLost:    onLost,
		signaling: newSignalingChannel(log, m, identity, p.StreamID, signature),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string           { return s.params.EngagementID }
func (s *Session) StreamID() string     { return s.params.StreamID }
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Done is closed once Finalize has completed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) MediaURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaURL
}

// Cause reports why the session was retired, or nil while it is live.
func (s *Session) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

func (s *Session) AudioChunks() uint64 {
	if s.media == nil {
		return 0
	}
	return s.media.Chunks()
}

func (s *Session) AudioBytes() uint64 {
	if s.media == nil {
		return 0
	}
	return s.media.Bytes()
}

// Sinks returns the session's artifacts, or nil before OpenSinks.
func (s *Session) Sinks() *sink.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinks
}

// OpenSinks creates the audio and transcript files. It must be called once,
// before Start.
func (s *Session) OpenSinks() error {
	set, err := sink.Open(s.opts.Dirs, s.params.EngagementID, s.params.StreamID, s.startedAt)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sinks = set
	s.mu.Unlock()
	s.media = newMediaChannel(s.log, s.metrics, s.identity, s.params.StreamID, s.signature, set.Audio, s.opts.ProgressEvery)
	s.log.Debug("sinks opened", "audio_path", set.Audio.Path())
	return nil
}

// Start dials the signaling server in the background.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateReserved {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.sinks == nil {
		s.mu.Unlock()
		return errors.New("session sinks not open")
	}
	s.state = StateSignalingConnecting
	s.loops.Add(1)
	s.watchdog = s.newWatchdog()
	s.mu.Unlock()

	s.watch(s.watchdog)
	s.log.Info("starting rtms connection", "server_url", s.params.ServerURL)
	s.sinks.Event("starting rtms connection to %s", s.params.ServerURL)
	s.reporter.Report("Starting RTMS connection", status.Info)

	go s.runSignaling()
	return nil
}

func (s *Session) runSignaling() {
	defer s.loops.Done()

	c, err := s.connect(ChannelSignaling, s.params.ServerURL)
	if err != nil {
		s.fail(&TransportError{Channel: ChannelSignaling, Err: err})
		return
	}
	if err := s.signaling.Connected(c); err != nil {
		s.fail(&TransportError{Channel: ChannelSignaling, Err: err})
		return
	}
	s.armHandshakeTimer(ChannelSignaling, func() bool {
		return s.signaling.State() == SignalingAwaitingAck
	})

	err = c.readLoop(func(b []byte) {
		s.touch()
		s.dispatch(s.signaling.HandleMessage(b))
	})
	s.fail(&TransportError{Channel: ChannelSignaling, Err: peerErr(err)})
}

func (s *Session) runMedia(url string) {
	defer s.loops.Done()

	c, err := s.connect(ChannelMedia, url)
	if err != nil {
		s.fail(&TransportError{Channel: ChannelMedia, Err: err})
		return
	}
	if err := s.media.Connected(c); err != nil {
		s.fail(&TransportError{Channel: ChannelMedia, Err: err})
		return
	}
	s.armHandshakeTimer(ChannelMedia, func() bool {
		return s.media.State() == MediaAwaitingAck
	})

	err = c.readLoop(func(b []byte) {
		s.touch()
		s.dispatch(s.media.HandleMessage(b))
	})
	s.fail(&TransportError{Channel: ChannelMedia, Err: peerErr(err)})
}

func peerErr(err error) error {
	if err == nil {
		return ErrClosedByPeer
	}
	return err
}

func (s *Session) connect(ch Channel, url string) (*conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
	defer cancel()

	c, err := dial(ctx, url, dialConfig{
		HandshakeTimeout: s.opts.HandshakeTimeout,
		MaxMessageBytes:  s.opts.MaxMessageBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ch, err)
	}

	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		_ = c.Close()
		return nil, ErrSessionClosed
	}
	if ch == ChannelSignaling {
		s.sigConn = c
	} else {
		s.mediaConn = c
	}
	s.mu.Unlock()
	return c, nil
}

func (s *Session) dispatch(ev Event) {
	switch ev.Kind {
	case EventMediaURLReady:
		s.onSignalingReady(ev.MediaURL)
	case EventMediaReady:
		s.onMediaReady()
	case EventProgress:
		s.log.Info("received audio chunks", "audio_chunks", ev.Chunks, "audio_bytes", s.AudioBytes())
		s.reporter.Report(fmt.Sprintf("Received %d audio chunks", ev.Chunks), status.Success)
	case EventHandshakeFailed, EventTransportLost:
		s.fail(ev.Err)
	}
}

func (s *Session) onSignalingReady(url string) {
	s.mu.Lock()
	if s.state != StateSignalingConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateSignalingReady
	s.mediaURL = url
	s.state = StateMediaConnecting
	s.loops.Add(1)
	s.mu.Unlock()

	s.sinks.Event("signaling handshake successful, media server %s", url)
	s.reporter.Report("Signaling handshake successful", status.Info)
	go s.runMedia(url)
}

func (s *Session) onMediaReady() {
	s.mu.Lock()
	if s.state != StateMediaConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateStreaming
	s.mu.Unlock()

	if err := s.signaling.SendClientReady(); err != nil {
		s.fail(&TransportError{Channel: ChannelSignaling, Err: fmt.Errorf("send client ready: %w", err)})
		return
	}
	if err := s.signaling.Subscribe(s.opts.SubscribeEvents); err != nil {
		s.fail(&TransportError{Channel: ChannelSignaling, Err: fmt.Errorf("send event subscription: %w", err)})
		return
	}

	s.log.Info("ready to receive audio")
	s.sinks.Event("media handshake successful, streaming audio")
	s.reporter.Report("Media handshake successful, receiving audio", status.Success)
}

// fail records the first failure and hands the session off for retirement.
// Failures after Closing has begun are expected fallout and ignored.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state >= StateClosing || s.cause != nil {
		s.mu.Unlock()
		return
	}
	s.cause = err
	s.mu.Unlock()

	var te *TransportError
	if errors.As(err, &te) {
		switch {
		case errors.Is(err, ErrInactivityTimeout):
			s.metrics.Inc(metrics.EngagementInactivityRetire)
		case te.Channel == ChannelSignaling:
			s.metrics.Inc(metrics.SignalingLost)
		case te.Channel == ChannelMedia:
			s.metrics.Inc(metrics.MediaLost)
		}
	}

	s.log.Warn("engagement failed, retiring", "err", err)
	s.sinks.Event("failure: %v", err)
	s.reporter.Report(fmt.Sprintf("RTMS error: %v", err), status.Error)

	if s.onLost != nil {
		go s.onLost(s, err)
		return
	}
	go func() { _ = s.Finalize(err) }()
}

func (s *Session) armHandshakeTimer(ch Channel, pending func() bool) {
	t := time.AfterFunc(s.opts.HandshakeTimeout, func() {
		if !pending() {
			return
		}
		if ch == ChannelSignaling {
			s.metrics.Inc(metrics.SignalingHandshakeFailed)
		} else {
			s.metrics.Inc(metrics.MediaHandshakeFailed)
		}
		s.fail(&HandshakeError{Channel: ch, Code: -1, Reason: "handshake response timed out"})
	})
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
}

func (s *Session) newWatchdog() *deadline.Deadline {
	if s.opts.InactivityTimeout <= 0 {
		return nil
	}
	d := deadline.New()
	d.Set(time.Now().Add(s.opts.InactivityTimeout))
	return d
}

func (s *Session) watch(d *deadline.Deadline) {
	if d == nil {
		return
	}
	go func() {
		select {
		case <-d.Done():
			s.fail(&TransportError{Channel: ChannelSession, Err: ErrInactivityTimeout})
		case <-s.done:
		}
	}()
}

// touch extends the inactivity deadline; any inbound message counts.
func (s *Session) touch() {
	if s.watchdog != nil {
		s.watchdog.Set(time.Now().Add(s.opts.InactivityTimeout))
	}
}

// Finalize closes both channels, waits for their read loops, and finalizes
// both sinks. Only the first call does any work; later calls return its
// result. It must not be called from a channel read loop.
func (s *Session) Finalize(cause error) error {
	s.finalizeOnce.Do(func() {
		s.finalizeErr = s.finalize(cause)
	})
	return s.finalizeErr
}

func (s *Session) finalize(cause error) error {
	s.mu.Lock()
	if s.cause == nil {
		s.cause = cause
	}
	cause = s.cause
	s.state = StateClosing
	sigConn, mediaConn := s.sigConn, s.mediaConn
	timers := s.timers
	s.timers = nil
	sinks := s.sinks
	watchdog := s.watchdog
	s.mu.Unlock()

	s.cancel()
	for _, t := range timers {
		t.Stop()
	}

	s.signaling.Close()
	if s.media != nil {
		s.media.Close()
	}

	var errs []error
	if sigConn != nil {
		if err := sigConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("signaling: %w", err))
		}
	}
	if mediaConn != nil {
		if err := mediaConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("media: %w", err))
		}
	}
	s.loops.Wait()
	if watchdog != nil {
		watchdog.Set(time.Time{})
	}

	chunks := s.AudioChunks()
	sinks.Event("session closing: %v", cause)
	if err := sinks.Close(time.Now(), chunks); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	close(s.done)

	err := errors.Join(errs...)
	s.metrics.Inc(metrics.EngagementRetired)
	if err != nil {
		s.metrics.Inc(metrics.EngagementCleanupFailed)
		s.log.Error("engagement cleanup failed", "err", err)
	}
	s.log.Info("engagement closed",
		"cause", cause,
		"audio_chunks", chunks,
		"audio_bytes", s.AudioBytes(),
		"duration", time.Since(s.startedAt).Round(time.Millisecond),
	)
	s.reporter.Report("RTMS stopped", status.Success)
	return err
}
