// Package rtmsproto models the JSON messages exchanged with the RTMS signaling
// and media servers.
//
// Both connections carry text frames containing a single JSON object with a
// numeric msg_type discriminator. Audio arrives inside media data messages as
// base64-encoded little-endian 16-bit PCM.
package rtmsproto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is sent on both handshakes.
const ProtocolVersion = 1

type MsgType int

const (
	MsgSignalingHandshakeReq  MsgType = 1
	MsgSignalingHandshakeResp MsgType = 2
	MsgMediaHandshakeReq      MsgType = 3
	MsgMediaHandshakeResp     MsgType = 4
	MsgEventSubscription      MsgType = 5
	MsgEventSubscriptionResp  MsgType = 6
	MsgClientReadyAck         MsgType = 7
	MsgKeepAliveReq           MsgType = 12
	MsgKeepAliveResp          MsgType = 13
	MsgMediaDataAudio         MsgType = 14
)

func (t MsgType) String() string {
	switch t {
	case MsgSignalingHandshakeReq:
		return "signaling_handshake_req"
	case MsgSignalingHandshakeResp:
		return "signaling_handshake_resp"
	case MsgMediaHandshakeReq:
		return "media_handshake_req"
	case MsgMediaHandshakeResp:
		return "media_handshake_resp"
	case MsgEventSubscription:
		return "event_subscription"
	case MsgEventSubscriptionResp:
		return "event_subscription_resp"
	case MsgClientReadyAck:
		return "client_ready_ack"
	case MsgKeepAliveReq:
		return "keep_alive_req"
	case MsgKeepAliveResp:
		return "keep_alive_resp"
	case MsgMediaDataAudio:
		return "media_data_audio"
	default:
		return fmt.Sprintf("msg_type_%d", int(t))
	}
}

// StatusOK is the handshake status_code reported on success.
const StatusOK = 0

// Media handshake parameter codes.
const (
	MediaTypeAudio       = 1
	AudioContentTypeRaw  = 2
	AudioSampleRate16kHz = 1
	AudioChannelMono     = 1
	AudioCodecL16        = 1
	AudioDataOptMixed    = 1
	AudioSendRate20ms    = 20
)

var (
	errMissingMsgType = errors.New("rtmsproto: missing msg_type")
	errEmptyMessage   = errors.New("rtmsproto: empty message")
)

// Identity carries the engagement identifier under the field name the server
// expects. Contact center streams use engagement_id; meeting streams use
// meeting_uuid. Exactly one should be set.
type Identity struct {
	EngagementID string `json:"engagement_id,omitempty"`
	MeetingUUID  string `json:"meeting_uuid,omitempty"`
}

type SignalingHandshakeRequest struct {
	MsgType         MsgType `json:"msg_type"`
	ProtocolVersion int     `json:"protocol_version"`
	Identity
	RTMSStreamID string `json:"rtms_stream_id"`
	Sequence     int64  `json:"sequence"`
	Signature    string `json:"signature"`
}

func NewSignalingHandshake(id Identity, streamID string, sequence int64, signature string) SignalingHandshakeRequest {
	return SignalingHandshakeRequest{
		MsgType:         MsgSignalingHandshakeReq,
		ProtocolVersion: ProtocolVersion,
		Identity:        id,
		RTMSStreamID:    streamID,
		Sequence:        sequence,
		Signature:       signature,
	}
}

type ServerURLs struct {
	Audio      string `json:"audio,omitempty"`
	Video      string `json:"video,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	All        string `json:"all,omitempty"`
}

type MediaServer struct {
	ServerURLs ServerURLs `json:"server_urls"`
}

// HandshakeResponse is used for both signaling (type 2) and media (type 4)
// handshake responses. MediaServer is only populated on signaling responses.
type HandshakeResponse struct {
	MsgType         MsgType      `json:"msg_type"`
	ProtocolVersion int          `json:"protocol_version,omitempty"`
	StatusCode      int          `json:"status_code"`
	Reason          string       `json:"reason,omitempty"`
	MediaServer     *MediaServer `json:"media_server,omitempty"`
}

func (r HandshakeResponse) OK() bool { return r.StatusCode == StatusOK }

// AudioURL returns the media endpoint for audio, preferring the dedicated audio
// URL over the combined one.
func (r HandshakeResponse) AudioURL() string {
	if r.MediaServer == nil {
		return ""
	}
	if r.MediaServer.ServerURLs.Audio != "" {
		return r.MediaServer.ServerURLs.Audio
	}
	return r.MediaServer.ServerURLs.All
}

type AudioParams struct {
	ContentType int `json:"content_type"`
	SampleRate  int `json:"sample_rate"`
	Channel     int `json:"channel"`
	Codec       int `json:"codec"`
	DataOpt     int `json:"data_opt"`
	SendRate    int `json:"send_rate"`
}

// DefaultAudioParams requests raw 16 kHz mono L16 audio, mixed across
// participants, delivered every 20ms.
func DefaultAudioParams() AudioParams {
	return AudioParams{
		ContentType: AudioContentTypeRaw,
		SampleRate:  AudioSampleRate16kHz,
		Channel:     AudioChannelMono,
		Codec:       AudioCodecL16,
		DataOpt:     AudioDataOptMixed,
		SendRate:    AudioSendRate20ms,
	}
}

type MediaParams struct {
	Audio *AudioParams `json:"audio,omitempty"`
}

type MediaHandshakeRequest struct {
	MsgType         MsgType `json:"msg_type"`
	ProtocolVersion int     `json:"protocol_version"`
	Identity
	RTMSStreamID      string      `json:"rtms_stream_id"`
	Signature         string      `json:"signature"`
	MediaType         int         `json:"media_type"`
	PayloadEncryption bool        `json:"payload_encryption"`
	MediaParams       MediaParams `json:"media_params"`
}

func NewMediaHandshake(id Identity, streamID, signature string) MediaHandshakeRequest {
	audio := DefaultAudioParams()
	return MediaHandshakeRequest{
		MsgType:           MsgMediaHandshakeReq,
		ProtocolVersion:   ProtocolVersion,
		Identity:          id,
		RTMSStreamID:      streamID,
		Signature:         signature,
		MediaType:         MediaTypeAudio,
		PayloadEncryption: false,
		MediaParams:       MediaParams{Audio: &audio},
	}
}

type EventSubscriptionItem struct {
	EventType int  `json:"event_type"`
	Subscribe bool `json:"subscribe"`
}

type EventSubscription struct {
	MsgType      MsgType                 `json:"msg_type"`
	RTMSStreamID string                  `json:"rtms_stream_id"`
	Events       []EventSubscriptionItem `json:"events"`
}

func NewEventSubscription(streamID string, eventTypes []int) EventSubscription {
	events := make([]EventSubscriptionItem, 0, len(eventTypes))
	for _, t := range eventTypes {
		events = append(events, EventSubscriptionItem{EventType: t, Subscribe: true})
	}
	return EventSubscription{
		MsgType:      MsgEventSubscription,
		RTMSStreamID: streamID,
		Events:       events,
	}
}

type ClientReady struct {
	MsgType      MsgType `json:"msg_type"`
	RTMSStreamID string  `json:"rtms_stream_id"`
}

func NewClientReady(streamID string) ClientReady {
	return ClientReady{MsgType: MsgClientReadyAck, RTMSStreamID: streamID}
}

// KeepAlive is used for both the request (type 12) and response (type 13).
// Timestamp is kept as raw JSON so the response echoes the exact value the
// server sent, whatever its numeric representation.
type KeepAlive struct {
	MsgType   MsgType         `json:"msg_type"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// KeepAliveResponse builds the reply to a keep-alive request.
func KeepAliveResponse(req KeepAlive) KeepAlive {
	return KeepAlive{MsgType: MsgKeepAliveResp, Timestamp: req.Timestamp}
}

type MediaContent struct {
	UserID    json.RawMessage `json:"user_id,omitempty"`
	UserName  string          `json:"user_name,omitempty"`
	Data      string          `json:"data"`
	ChannelID json.RawMessage `json:"channel_id,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

type MediaData struct {
	MsgType MsgType      `json:"msg_type"`
	Content MediaContent `json:"content"`
}

// PCM decodes the base64 audio payload.
func (m MediaData) PCM() ([]byte, error) {
	return DecodeAudio(m.Content.Data)
}

// DecodeAudio decodes a base64 audio payload into raw PCM bytes.
func DecodeAudio(data string) ([]byte, error) {
	if data == "" {
		return nil, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("rtmsproto: decode audio payload: %w", err)
	}
	return pcm, nil
}

// EncodeAudio is the inverse of DecodeAudio.
func EncodeAudio(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// PeekType returns the msg_type of a raw message without decoding the rest.
func PeekType(data []byte) (MsgType, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return 0, errEmptyMessage
	}
	var envelope struct {
		MsgType *MsgType `json:"msg_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return 0, fmt.Errorf("rtmsproto: invalid message: %w", err)
	}
	if envelope.MsgType == nil {
		return 0, errMissingMsgType
	}
	return *envelope.MsgType, nil
}

// Decode unmarshals a raw message into v after the caller has dispatched on
// its type.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rtmsproto: invalid message: %w", err)
	}
	return nil
}

// Encode marshals an outbound message.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rtmsproto: encode message: %w", err)
	}
	return b, nil
}
