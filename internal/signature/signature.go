package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// This package implements the HMAC tags used by the RTMS protocol and its
// webhooks.
//
// Handshake signature (sent on both the signaling and media handshakes):
//
//	signature = hex(hmac_sha256(client_secret, client_id + "," + engagement_id + "," + stream_id))
//
// Webhook request signature (x-zm-signature header):
//
//	signature = "v0=" + hex(hmac_sha256(secret_token, "v0:" + timestamp + ":" + body))

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleTimestamp   = errors.New("stale webhook timestamp")
)

// MaxWebhookSkew bounds how far a webhook timestamp may drift from local time.
const MaxWebhookSkew = 5 * time.Minute

// Signer produces handshake signatures for one client identity.
type Signer struct {
	clientID string
	secret   []byte
}

func NewSigner(clientID, clientSecret string) (*Signer, error) {
	if clientID == "" {
		return nil, errors.New("client id is required")
	}
	if clientSecret == "" {
		return nil, errors.New("client secret is required")
	}
	if strings.Contains(clientID, ",") {
		return nil, errors.New("client id must not contain ','")
	}
	return &Signer{
		clientID: clientID,
		secret:   []byte(clientSecret),
	}, nil
}

func (s *Signer) ClientID() string { return s.clientID }

// Sign returns the handshake signature for the engagement and stream.
func (s *Signer) Sign(engagementID, streamID string) string {
	return Sign(s.secret, s.clientID, engagementID, streamID)
}

// Sign is the pure form of Signer.Sign.
func Sign(secret []byte, clientID, engagementID, streamID string) string {
	return hmacHex(secret, clientID+","+engagementID+","+streamID)
}

// URLValidationToken answers an endpoint.url_validation challenge.
func URLValidationToken(secretToken, plainToken string) string {
	return hmacHex([]byte(secretToken), plainToken)
}

// VerifyWebhook validates a webhook request signature and its timestamp.
func VerifyWebhook(secretToken, signature, timestamp string, body []byte, now time.Time) error {
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	// Timestamps are seconds; tolerate senders that use milliseconds.
	if ts > 1e12 {
		ts /= 1000
	}

	requestTime := time.Unix(ts, 0)
	if now.Sub(requestTime) > MaxWebhookSkew || requestTime.Sub(now) > MaxWebhookSkew {
		return ErrStaleTimestamp
	}

	expected := "v0=" + hmacHex([]byte(secretToken), "v0:"+timestamp+":"+string(body))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

func hmacHex(key []byte, msg string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
