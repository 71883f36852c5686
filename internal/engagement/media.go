package engagement

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/rtmsproto"
)

// MediaState is the handshake progress of a MediaChannel.
type MediaState int

const (
	MediaConnecting MediaState = iota
	MediaAwaitingAck
	MediaStreaming
	MediaClosed
)

func (s MediaState) String() string {
	switch s {
	case MediaConnecting:
		return "connecting"
	case MediaAwaitingAck:
		return "awaiting_handshake_ack"
	case MediaStreaming:
		return "streaming"
	case MediaClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MediaChannel is the audio data-plane state machine. Decoded frames are
// written to audio inline on the goroutine calling HandleMessage.
type MediaChannel struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	identity  rtmsproto.Identity
	streamID  string
	signature string

	audio         io.Writer
	progressEvery uint64

	mu    sync.Mutex
	state MediaState
	out   sender

	chunks atomic.Uint64
	bytes  atomic.Uint64
}

func newMediaChannel(log *slog.Logger, m *metrics.Metrics, identity rtmsproto.Identity, streamID, signature string, audio io.Writer, progressEvery int) *MediaChannel {
	if progressEvery < 0 {
		progressEvery = 0
	}
	return &MediaChannel{
		log:           log.With("channel", ChannelMedia),
		metrics:       m,
		identity:      identity,
		streamID:      streamID,
		signature:     signature,
		audio:         audio,
		progressEvery: uint64(progressEvery),
	}
}

func (c *MediaChannel) State() MediaState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Chunks is the number of audio frames written so far.
func (c *MediaChannel) Chunks() uint64 { return c.chunks.Load() }

// Bytes is the number of decoded PCM bytes written so far.
func (c *MediaChannel) Bytes() uint64 { return c.bytes.Load() }

// Connected binds the channel to its connection and sends the handshake.
func (c *MediaChannel) Connected(out sender) error {
	c.mu.Lock()
	if c.state != MediaConnecting {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.out = out
	c.state = MediaAwaitingAck
	c.mu.Unlock()

	c.log.Info("media connected, sending handshake")
	return out.Send(rtmsproto.NewMediaHandshake(c.identity, c.streamID, c.signature))
}

// HandleMessage advances the state machine by one inbound message.
func (c *MediaChannel) HandleMessage(data []byte) Event {
	typ, err := rtmsproto.PeekType(data)
	if err != nil {
		c.metrics.Inc(metrics.MalformedMessages)
		c.log.Warn("malformed media message", "err", err)
		return Event{}
	}

	c.mu.Lock()
	state, out := c.state, c.out
	c.mu.Unlock()
	if state == MediaClosed {
		return Event{}
	}

	switch typ {
	case rtmsproto.MsgMediaDataAudio:
		return c.handleAudio(state, data)
	case rtmsproto.MsgKeepAliveReq:
		return answerKeepAlive(ChannelMedia, out, data, c.log, c.metrics)
	case rtmsproto.MsgMediaHandshakeResp:
		return c.handleHandshakeResponse(state, data)
	default:
		c.log.Debug("ignoring media message", "msg_type", typ)
	}
	return Event{}
}

func (c *MediaChannel) handleHandshakeResponse(state MediaState, data []byte) Event {
	if state != MediaAwaitingAck {
		c.log.Warn("unexpected media handshake response", "state", state)
		return Event{}
	}

	var resp rtmsproto.HandshakeResponse
	if err := rtmsproto.Decode(data, &resp); err != nil {
		c.metrics.Inc(metrics.MalformedMessages)
		c.setState(MediaClosed)
		c.metrics.Inc(metrics.MediaHandshakeFailed)
		return handshakeFailed(ChannelMedia, -1, err.Error())
	}
	if !resp.OK() {
		c.setState(MediaClosed)
		c.metrics.Inc(metrics.MediaHandshakeFailed)
		c.log.Error("media handshake failed", "status_code", resp.StatusCode, "reason", resp.Reason)
		return handshakeFailed(ChannelMedia, resp.StatusCode, resp.Reason)
	}

	c.setState(MediaStreaming)
	c.metrics.Inc(metrics.MediaHandshakeOK)
	c.log.Info("media handshake successful")
	return Event{Kind: EventMediaReady}
}

func (c *MediaChannel) handleAudio(state MediaState, data []byte) Event {
	if state != MediaStreaming {
		c.log.Debug("dropping audio before media handshake completed")
		return Event{}
	}

	var msg rtmsproto.MediaData
	if err := rtmsproto.Decode(data, &msg); err != nil {
		c.metrics.Inc(metrics.MalformedMessages)
		c.log.Warn("malformed audio message", "err", err)
		return Event{}
	}
	pcm, err := msg.PCM()
	if err != nil {
		c.metrics.Inc(metrics.AudioDecodeErrors)
		c.log.Warn("dropping undecodable audio frame", "err", err)
		return Event{}
	}
	if len(pcm) > 0 {
		if _, err := c.audio.Write(pcm); err != nil {
			c.metrics.Inc(metrics.AudioWriteErrors)
			c.log.Error("audio write failed", "err", err)
			return Event{}
		}
	}

	n := c.chunks.Add(1)
	c.bytes.Add(uint64(len(pcm)))
	c.metrics.Inc(metrics.AudioChunks)
	c.metrics.Add(metrics.AudioBytes, uint64(len(pcm)))

	if c.progressEvery > 0 && n%c.progressEvery == 0 {
		return Event{Kind: EventProgress, Chunks: n}
	}
	return Event{}
}

// Close moves the channel to Closed; later messages are dropped.
func (c *MediaChannel) Close() {
	c.setState(MediaClosed)
}

func (c *MediaChannel) setState(s MediaState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
