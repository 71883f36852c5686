package metrics

import "sync"

// Event names. Engagement lifecycle events are counted once per occurrence;
// audio counters accumulate across all engagements.
const (
	WebhookReceived       = "webhook_received"
	WebhookInvalidPayload = "webhook_invalid_payload"
	WebhookUnknownEvent   = "webhook_unknown_event"
	WebhookBadSignature   = "webhook_bad_signature"
	WebhookURLValidation  = "webhook_url_validation"

	EngagementStarted          = "engagement_started"
	EngagementDuplicate        = "engagement_duplicate"
	EngagementTooMany          = "engagement_too_many"
	EngagementRetired          = "engagement_retired"
	EngagementStopUnknown      = "engagement_stop_unknown"
	EngagementCleanupFailed    = "engagement_cleanup_failed"
	EngagementInactivityRetire = "engagement_inactivity_retired"

	SignalingHandshakeOK     = "signaling_handshake_ok"
	SignalingHandshakeFailed = "signaling_handshake_failed"
	SignalingLost            = "signaling_lost"
	MediaHandshakeOK         = "media_handshake_ok"
	MediaHandshakeFailed     = "media_handshake_failed"
	MediaLost                = "media_lost"
	KeepAliveAnswered        = "keepalive_answered"

	AudioChunks        = "audio_chunks"
	AudioBytes         = "audio_bytes"
	AudioDecodeErrors  = "audio_decode_errors"
	AudioWriteErrors   = "audio_write_errors"
	MalformedMessages  = "malformed_messages"
	StatusDropped      = "status_dropped"
	StatusPostFailures = "status_post_failures"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc and Add are safe to call on a nil *Metrics, which makes counters
// optional for components constructed in tests.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
