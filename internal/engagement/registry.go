package engagement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/config"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/signature"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/sink"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/status"
)

// ErrNoCredentials is returned by StartEngagement when no signer is
// configured.
var ErrNoCredentials = errors.New("client credentials not configured")

// Options are the per-session knobs shared by every engagement.
type Options struct {
	Dirs              sink.Dirs
	HandshakeTimeout  time.Duration
	InactivityTimeout time.Duration
	ProgressEvery     int
	SubscribeEvents   []int
	MaxMessageBytes   int64
	// MaxEngagements caps concurrent engagements; 0 means unlimited.
	MaxEngagements int
}

// OptionsFromConfig maps the process config onto per-session options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Dirs:              sink.Dirs{AudioDir: cfg.AudioDir, TranscriptDir: cfg.TranscriptDir},
		HandshakeTimeout:  cfg.HandshakeTimeout,
		InactivityTimeout: cfg.InactivityTimeout,
		ProgressEvery:     cfg.ProgressEvery,
		SubscribeEvents:   cfg.SubscribeEvents,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MaxEngagements:    cfg.MaxEngagements,
	}
}

// Registry is the authoritative engagement id -> session map. A reserved id
// maps to an entry with a nil session until Activate installs the real one.
type Registry struct {
	opts     Options
	signer   *signature.Signer
	reporter status.Reporter
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

// entry is one reservation. Its identity, not its id, decides who may
// activate or release it: a stop followed by a new start for the same id
// yields a different entry.
type entry struct {
	session *Session
}

// NewRegistry returns an empty registry. A nil signer makes every
// StartEngagement fail with ErrNoCredentials; nil reporter and logger discard.
func NewRegistry(opts Options, signer *signature.Signer, reporter status.Reporter, m *metrics.Metrics, logger *slog.Logger) *Registry {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = config.DefaultHandshakeTimeout
	}
	if reporter == nil {
		reporter = status.Nop{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		opts:     opts,
		signer:   signer,
		reporter: reporter,
		metrics:  m,
		log:      logger,
		sessions: make(map[string]*entry),
	}
}

// Reserve atomically checks that id is absent and inserts a placeholder.
func (r *Registry) Reserve(id string) error {
	_, err := r.reserve(id)
	return err
}

func (r *Registry) reserve(id string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		r.metrics.Inc(metrics.EngagementDuplicate)
		return nil, ErrDuplicateSession
	}
	if r.opts.MaxEngagements > 0 && len(r.sessions) >= r.opts.MaxEngagements {
		r.metrics.Inc(metrics.EngagementTooMany)
		return nil, ErrTooManyEngagements
	}
	e := &entry{}
	r.sessions[id] = e
	return e, nil
}

// TryReserve reports whether id was reserved by this call.
func (r *Registry) TryReserve(id string) bool {
	return r.Reserve(id) == nil
}

// Activate replaces the placeholder for id with s.
func (r *Registry) Activate(id string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[id]
	if !ok || cur.session != nil {
		return ErrNotReserved
	}
	cur.session = s
	return nil
}

// activate is Activate restricted to the caller's own reservation.
func (r *Registry) activate(id string, e *entry, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[id]; !ok || cur != e || cur.session != nil {
		return ErrNotReserved
	}
	e.session = s
	return nil
}

// release drops the caller's own unactivated reservation. A reservation made
// by a later start for the same id is left alone.
func (r *Registry) release(id string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[id]; ok && cur == e && cur.session == nil {
		delete(r.sessions, id)
	}
}

// Get returns the session for id. A reserved but not yet activated id
// reports (nil, true).
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Retire removes id and returns its session for finalization. Retiring an
// absent id is a no-op.
func (r *Registry) Retire(id string) (*Session, bool) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		r.log.Debug("retire of unknown engagement", "engagement_id", id)
		return nil, false
	}
	return e.session, true
}

// IDs returns a sorted snapshot of every reserved or active engagement id.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Len counts reserved and active engagements.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StartEngagement reserves p.EngagementID, opens the session's sinks,
// activates it and starts signaling in the background. ErrDuplicateSession
// means the engagement is already running and nothing was done.
func (r *Registry) StartEngagement(p Params) (*Session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if r.signer == nil {
		return nil, ErrNoCredentials
	}
	e, err := r.reserve(p.EngagementID)
	if err != nil {
		return nil, err
	}

	sig := r.signer.Sign(p.EngagementID, p.StreamID)
	s := newSession(p, sig, r.opts, r.log, r.metrics, r.reporter, r.lost)
	if err := s.OpenSinks(); err != nil {
		r.release(p.EngagementID, e)
		return nil, err
	}
	if err := r.activate(p.EngagementID, e, s); err != nil {
		// A stop raced the reservation.
		_ = s.Finalize(ErrStopRequested)
		return nil, err
	}
	if err := s.Start(); err != nil {
		return nil, err
	}
	r.metrics.Inc(metrics.EngagementStarted)
	return s, nil
}

// StopEngagement retires id and finalizes its session in the background. It
// reports whether id was present.
func (r *Registry) StopEngagement(id string) (*Session, bool) {
	s, ok := r.Retire(id)
	if !ok {
		r.metrics.Inc(metrics.EngagementStopUnknown)
		return nil, false
	}
	if s != nil {
		s.log.Info("stopping rtms")
		go func() { _ = s.Finalize(ErrStopRequested) }()
	}
	return s, true
}

// lost retires s after a failure, unless the id has since been taken by
// another session.
func (r *Registry) lost(s *Session, cause error) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.ID()]; ok && cur.session == s {
		delete(r.sessions, s.ID())
	}
	r.mu.Unlock()

	_ = s.Finalize(cause)
}

// RetireAll retires and finalizes every session concurrently. It returns
// when all are finalized or ctx is done, whichever comes first.
func (r *Registry) RetireAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, e := range r.sessions {
		delete(r.sessions, id)
		if e.session != nil {
			sessions = append(sessions, e.session)
		}
	}
	r.mu.Unlock()

	if len(sessions) == 0 {
		return nil
	}
	r.log.Info("retiring all engagements", "count", len(sessions))

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error { return s.Finalize(ErrShutdown) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
