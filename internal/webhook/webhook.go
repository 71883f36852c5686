// Package webhook translates RTMS lifecycle webhooks into engagement
// registry operations.
//
// Every lifecycle or unrecognized event is acknowledged with 200
// {"received":true}, whatever happens downstream: webhook senders retry on
// anything else, and the registry is idempotent under redelivery.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/engagement"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/signature"
)

const (
	EventURLValidation  = "endpoint.url_validation"
	EventMeetingStarted = "meeting.rtms_started"
	EventMeetingStopped = "meeting.rtms_stopped"

	voiceStartedSuffix = ".voice_rtms_started"
	voiceStoppedSuffix = ".voice_rtms_stopped"

	headerSignature = "x-zm-signature"
	headerTimestamp = "x-zm-request-timestamp"

	DefaultMaxBodyBytes = int64(1 << 20)
)

// Engagements is the subset of *engagement.Registry the ingress drives.
type Engagements interface {
	StartEngagement(p engagement.Params) (*engagement.Session, error)
	StopEngagement(id string) (*engagement.Session, bool)
	IDs() []string
}

type Options struct {
	// SecretToken keys URL validation and signature checks.
	SecretToken string
	// VerifySignature drops requests whose x-zm-signature does not match
	// SecretToken. Dropped requests are still acknowledged.
	VerifySignature bool
	MaxBodyBytes    int64
}

type Handler struct {
	engagements Engagements
	opts        Options
	metrics     *metrics.Metrics
	log         *slog.Logger
	now         func() time.Time
}

func NewHandler(engagements Engagements, opts Options, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		engagements: engagements,
		opts:        opts,
		metrics:     m,
		log:         logger.With("component", "webhook"),
		now:         time.Now,
	}
}

// Register installs the webhook and /health routes.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /{$}", h.serveWebhook)
	mux.HandleFunc("POST /webhook", h.serveWebhook)
	mux.HandleFunc("GET /health", h.serveHealth)
}

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	EventTS json.RawMessage `json:"event_ts,omitempty"`
}

type rtmsPayload struct {
	EngagementID string `json:"engagement_id"`
	MeetingUUID  string `json:"meeting_uuid"`
	RTMSStreamID string `json:"rtms_stream_id"`
	ServerURLs   string `json:"server_urls"`
}

type urlValidationPayload struct {
	PlainToken string `json:"plainToken"`
}

var ack = map[string]any{"received": true}

func (h *Handler) serveWebhook(w http.ResponseWriter, r *http.Request) {
	h.metrics.Inc(metrics.WebhookReceived)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.log.Warn("webhook body too large", "limit", tooLarge.Limit)
		} else {
			h.log.Warn("read webhook body", "err", err)
		}
		h.metrics.Inc(metrics.WebhookInvalidPayload)
		httpserver.WriteJSON(w, http.StatusOK, ack)
		return
	}

	if h.opts.VerifySignature && h.opts.SecretToken != "" {
		err := signature.VerifyWebhook(h.opts.SecretToken,
			r.Header.Get(headerSignature), r.Header.Get(headerTimestamp), body, h.now())
		if err != nil {
			h.metrics.Inc(metrics.WebhookBadSignature)
			h.log.Warn("dropping webhook with bad signature", "err", err, "remote_addr", r.RemoteAddr)
			httpserver.WriteJSON(w, http.StatusOK, ack)
			return
		}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.metrics.Inc(metrics.WebhookInvalidPayload)
		h.log.Warn("malformed webhook body", "err", err)
		httpserver.WriteJSON(w, http.StatusOK, ack)
		return
	}
	h.log.Info("webhook received", "event", env.Event)

	switch {
	case env.Event == EventURLValidation:
		h.handleURLValidation(w, env.Payload)
		return
	case strings.HasSuffix(env.Event, voiceStartedSuffix):
		h.handleStarted(env.Payload, false)
	case env.Event == EventMeetingStarted:
		h.handleStarted(env.Payload, true)
	case strings.HasSuffix(env.Event, voiceStoppedSuffix), env.Event == EventMeetingStopped:
		h.handleStopped(env.Payload)
	default:
		h.metrics.Inc(metrics.WebhookUnknownEvent)
		h.log.Info("ignoring unknown webhook event", "event", env.Event)
	}
	httpserver.WriteJSON(w, http.StatusOK, ack)
}

func decodePayload(raw json.RawMessage) (rtmsPayload, error) {
	var p rtmsPayload
	if len(raw) == 0 || string(raw) == "null" {
		return p, engagement.ErrInvalidPayload
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, errors.Join(engagement.ErrInvalidPayload, err)
	}
	return p, nil
}

// engagementID prefers engagement_id and falls back to meeting_uuid, which
// meeting events use instead.
func (p rtmsPayload) engagementID() string {
	if p.EngagementID != "" {
		return p.EngagementID
	}
	return p.MeetingUUID
}

func (h *Handler) handleStarted(raw json.RawMessage, meeting bool) {
	p, err := decodePayload(raw)
	if err != nil {
		h.metrics.Inc(metrics.WebhookInvalidPayload)
		h.log.Error("invalid started payload", "err", err)
		return
	}

	params := engagement.Params{
		EngagementID: p.engagementID(),
		StreamID:     p.RTMSStreamID,
		ServerURL:    p.ServerURLs,
		Meeting:      meeting && p.EngagementID == "",
	}
	_, err = h.engagements.StartEngagement(params)
	switch {
	case err == nil:
	case errors.Is(err, engagement.ErrInvalidPayload):
		h.metrics.Inc(metrics.WebhookInvalidPayload)
		h.log.Error("invalid started payload", "err", err)
	case errors.Is(err, engagement.ErrDuplicateSession):
		h.log.Warn("engagement already active, skipping", "engagement_id", params.EngagementID)
	default:
		h.log.Error("failed to start engagement", "engagement_id", params.EngagementID, "err", err)
	}
}

func (h *Handler) handleStopped(raw json.RawMessage) {
	p, err := decodePayload(raw)
	if err == nil && p.engagementID() == "" {
		err = engagement.ErrInvalidPayload
	}
	if err != nil {
		h.metrics.Inc(metrics.WebhookInvalidPayload)
		h.log.Error("invalid stopped payload", "err", err)
		return
	}

	id := p.engagementID()
	if _, ok := h.engagements.StopEngagement(id); !ok {
		h.log.Warn("no active engagement to stop", "engagement_id", id)
	}
}

func (h *Handler) handleURLValidation(w http.ResponseWriter, raw json.RawMessage) {
	h.metrics.Inc(metrics.WebhookURLValidation)

	var p urlValidationPayload
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	if p.PlainToken == "" {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "missing plainToken"})
		return
	}
	if h.opts.SecretToken == "" {
		h.log.Error("url validation requested but no secret token is configured")
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "secret token not configured"})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"plainToken":     p.PlainToken,
		"encryptedToken": signature.URLValidationToken(h.opts.SecretToken, p.PlainToken),
	})
}

type healthResponse struct {
	Status            string   `json:"status"`
	ActiveEngagements int      `json:"activeEngagements"`
	Engagements       []string `json:"engagements"`
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	ids := h.engagements.IDs()
	if ids == nil {
		ids = []string{}
	}
	httpserver.WriteJSON(w, http.StatusOK, healthResponse{
		Status:            "healthy",
		ActiveEngagements: len(ids),
		Engagements:       ids,
	})
}
