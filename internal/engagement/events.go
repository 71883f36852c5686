package engagement

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/rtmsproto"
)

// EventKind classifies what a channel reports back to its session after
// handling one inbound message.
type EventKind int

const (
	EventNone EventKind = iota
	// EventMediaURLReady: signaling handshake succeeded; MediaURL is set.
	EventMediaURLReady
	// EventMediaReady: media handshake succeeded.
	EventMediaReady
	// EventProgress: Chunks crossed a progress stride.
	EventProgress
	// EventHandshakeFailed: Err is a *HandshakeError.
	EventHandshakeFailed
	// EventTransportLost: Err is a *TransportError.
	EventTransportLost
)

// Event is the outcome of one HandleMessage call. Kind EventNone means the
// message needed no action from the session.
type Event struct {
	Kind     EventKind
	MediaURL string
	Chunks   uint64
	Err      error
}

func handshakeFailed(ch Channel, code int, reason string) Event {
	return Event{Kind: EventHandshakeFailed, Err: &HandshakeError{Channel: ch, Code: code, Reason: reason}}
}

func transportLost(ch Channel, err error) Event {
	return Event{Kind: EventTransportLost, Err: &TransportError{Channel: ch, Err: err}}
}

// answerKeepAlive echoes the request's timestamp back on the same channel.
func answerKeepAlive(ch Channel, out sender, data []byte, log *slog.Logger, m *metrics.Metrics) Event {
	var req rtmsproto.KeepAlive
	if err := rtmsproto.Decode(data, &req); err != nil {
		m.Inc(metrics.MalformedMessages)
		log.Warn("malformed keep-alive", "channel", ch, "err", err)
		return Event{}
	}
	if out == nil {
		return Event{}
	}
	if err := out.Send(rtmsproto.KeepAliveResponse(req)); err != nil {
		return transportLost(ch, err)
	}
	m.Inc(metrics.KeepAliveAnswered)
	log.Debug("answered keep-alive", "channel", ch, "timestamp", string(req.Timestamp))
	return Event{}
}
