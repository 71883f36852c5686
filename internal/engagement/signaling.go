package engagement

import (
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/rtmsproto"
)

// SignalingState is the handshake progress of a SignalingChannel.
type SignalingState int

const (
	SignalingConnecting SignalingState = iota
	SignalingAwaitingAck
	SignalingReady
	SignalingClosed
)

func (s SignalingState) String() string {
	switch s {
	case SignalingConnecting:
		return "connecting"
	case SignalingAwaitingAck:
		return "awaiting_handshake_ack"
	case SignalingReady:
		return "ready"
	case SignalingClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SignalingChannel is the control-plane state machine. It owns the handshake
// and keep-alive exchange and learns the media server address.
type SignalingChannel struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	identity  rtmsproto.Identity
	streamID  string
	signature string

	mu    sync.Mutex
	state SignalingState
	out   sender
}

func newSignalingChannel(log *slog.Logger, m *metrics.Metrics, identity rtmsproto.Identity, streamID, signature string) *SignalingChannel {
	return &SignalingChannel{
		log:       log.With("channel", ChannelSignaling),
		metrics:   m,
		identity:  identity,
		streamID:  streamID,
		signature: signature,
	}
}

func (c *SignalingChannel) State() SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected binds the channel to its connection and sends the handshake.
func (c *SignalingChannel) Connected(out sender) error {
	c.mu.Lock()
	if c.state != SignalingConnecting {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.out = out
	c.state = SignalingAwaitingAck
	c.mu.Unlock()

	c.log.Info("signaling connected, sending handshake")
	return out.Send(rtmsproto.NewSignalingHandshake(c.identity, c.streamID, 0, c.signature))
}

// HandleMessage advances the state machine by one inbound message.
func (c *SignalingChannel) HandleMessage(data []byte) Event {
	typ, err := rtmsproto.PeekType(data)
	if err != nil {
		c.metrics.Inc(metrics.MalformedMessages)
		c.log.Warn("malformed signaling message", "err", err)
		return Event{}
	}

	c.mu.Lock()
	state, out := c.state, c.out
	c.mu.Unlock()
	if state == SignalingClosed {
		return Event{}
	}

	switch typ {
	case rtmsproto.MsgSignalingHandshakeResp:
		return c.handleHandshakeResponse(state, data)
	case rtmsproto.MsgKeepAliveReq:
		return answerKeepAlive(ChannelSignaling, out, data, c.log, c.metrics)
	case rtmsproto.MsgEventSubscriptionResp:
		c.log.Debug("event subscription acknowledged")
	default:
		c.log.Debug("ignoring signaling message", "msg_type", typ)
	}
	return Event{}
}

func (c *SignalingChannel) handleHandshakeResponse(state SignalingState, data []byte) Event {
	if state != SignalingAwaitingAck {
		c.log.Warn("unexpected signaling handshake response", "state", state)
		return Event{}
	}

	var resp rtmsproto.HandshakeResponse
	if err := rtmsproto.Decode(data, &resp); err != nil {
		c.metrics.Inc(metrics.MalformedMessages)
		c.setState(SignalingClosed)
		c.metrics.Inc(metrics.SignalingHandshakeFailed)
		return handshakeFailed(ChannelSignaling, -1, err.Error())
	}
	if !resp.OK() {
		c.setState(SignalingClosed)
		c.metrics.Inc(metrics.SignalingHandshakeFailed)
		c.log.Error("signaling handshake failed", "status_code", resp.StatusCode, "reason", resp.Reason)
		return handshakeFailed(ChannelSignaling, resp.StatusCode, resp.Reason)
	}

	url := resp.AudioURL()
	if url == "" {
		c.setState(SignalingClosed)
		c.metrics.Inc(metrics.SignalingHandshakeFailed)
		c.log.Error("signaling handshake succeeded without a media url")
		return handshakeFailed(ChannelSignaling, resp.StatusCode, ErrMissingMediaURL.Error())
	}

	c.setState(SignalingReady)
	c.metrics.Inc(metrics.SignalingHandshakeOK)
	c.log.Info("signaling handshake successful", "media_url", url)
	return Event{Kind: EventMediaURLReady, MediaURL: url}
}

// SendClientReady tells the signaling server the media stream is ready.
func (c *SignalingChannel) SendClientReady() error {
	out, err := c.readyOut()
	if err != nil {
		return err
	}
	return out.Send(rtmsproto.NewClientReady(c.streamID))
}

// Subscribe requests auxiliary event notifications.
func (c *SignalingChannel) Subscribe(eventTypes []int) error {
	if len(eventTypes) == 0 {
		return nil
	}
	out, err := c.readyOut()
	if err != nil {
		return err
	}
	return out.Send(rtmsproto.NewEventSubscription(c.streamID, eventTypes))
}

func (c *SignalingChannel) readyOut() (sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != SignalingReady || c.out == nil {
		return nil, ErrSessionClosed
	}
	return c.out, nil
}

// Close moves the channel to Closed; later messages are dropped.
func (c *SignalingChannel) Close() {
	c.setState(SignalingClosed)
}

func (c *SignalingChannel) setState(s SignalingState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
