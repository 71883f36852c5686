package engagement

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/rtmsproto"
)

// relayScript controls how the fake relay behaves.
type relayScript struct {
	signalingStatus int
	mediaStatus     int
	omitMediaURL    bool
	// signalingSilent never answers the signaling handshake.
	signalingSilent bool
	// keepAlive, when set, is the raw timestamp sent in a keep-alive request
	// on both channels right after each handshake response.
	keepAlive string
	// frames are sent on the media channel once the client-ready ack arrives.
	frames [][]byte
	// closeSignalingAfterReady drops the signaling socket after client ready.
	closeSignalingAfterReady bool
	// closeMediaAfterFrames drops the media socket after sending frames.
	closeMediaAfterFrames bool
}

type recordedMsg struct {
	MsgType int
	Raw     map[string]json.RawMessage
}

type fakeRelay struct {
	t      *testing.T
	script relayScript
	srv    *httptest.Server

	signalingConns atomic.Int32
	mediaConns     atomic.Int32

	clientReadyOnce sync.Once
	clientReady     chan struct{}
	signalingClosed chan struct{}
	mediaClosed     chan struct{}
	stop            chan struct{}

	mu        sync.Mutex
	signaling []recordedMsg
	media     []recordedMsg
	conns     []*websocket.Conn
}

func newFakeRelay(t *testing.T, script relayScript) *fakeRelay {
	t.Helper()
	r := &fakeRelay{
		t:               t,
		script:          script,
		clientReady:     make(chan struct{}),
		signalingClosed: make(chan struct{}, 16),
		mediaClosed:     make(chan struct{}, 16),
		stop:            make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/signaling", r.handleSignaling)
	mux.HandleFunc("/media", r.handleMedia)
	r.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		close(r.stop)
		r.mu.Lock()
		for _, c := range r.conns {
			_ = c.Close()
		}
		r.mu.Unlock()
		r.srv.Close()
	})
	return r
}

func (r *fakeRelay) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + path
}

func (r *fakeRelay) signalingURL() string { return r.wsURL("/signaling") }

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (r *fakeRelay) upgrade(w http.ResponseWriter, req *http.Request) *websocket.Conn {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.t.Errorf("upgrade: %v", err)
		return nil
	}
	r.mu.Lock()
	r.conns = append(r.conns, ws)
	r.mu.Unlock()
	return ws
}

func (r *fakeRelay) read(ws *websocket.Conn, into *[]recordedMsg) (recordedMsg, error) {
	_, b, err := ws.ReadMessage()
	if err != nil {
		return recordedMsg{}, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		r.t.Errorf("relay received non-json %q", b)
		return recordedMsg{}, err
	}
	var typ int
	_ = json.Unmarshal(raw["msg_type"], &typ)
	msg := recordedMsg{MsgType: typ, Raw: raw}
	r.mu.Lock()
	*into = append(*into, msg)
	r.mu.Unlock()
	return msg, nil
}

func (r *fakeRelay) drain(ws *websocket.Conn, into *[]recordedMsg) {
	for {
		if _, err := r.read(ws, into); err != nil {
			return
		}
	}
}

func writeJSON(ws *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, b)
}

func (r *fakeRelay) keepAliveRequest() json.RawMessage {
	return json.RawMessage(`{"msg_type":12,"timestamp":` + r.script.keepAlive + `}`)
}

func (r *fakeRelay) handleSignaling(w http.ResponseWriter, req *http.Request) {
	ws := r.upgrade(w, req)
	if ws == nil {
		return
	}
	r.signalingConns.Add(1)
	defer func() {
		_ = ws.Close()
		r.signalingClosed <- struct{}{}
	}()

	if _, err := r.read(ws, &r.signaling); err != nil {
		return
	}
	if r.script.signalingSilent {
		r.drain(ws, &r.signaling)
		return
	}

	resp := map[string]any{"msg_type": 2, "status_code": r.script.signalingStatus}
	if r.script.signalingStatus != 0 {
		resp["reason"] = "signature mismatch"
	} else if !r.script.omitMediaURL {
		resp["media_server"] = map[string]any{
			"server_urls": map[string]string{"audio": r.wsURL("/media")},
		}
	}
	if err := writeJSON(ws, resp); err != nil {
		return
	}
	if r.script.keepAlive != "" {
		if err := writeJSON(ws, r.keepAliveRequest()); err != nil {
			return
		}
	}

	for {
		msg, err := r.read(ws, &r.signaling)
		if err != nil {
			return
		}
		if msg.MsgType == int(rtmsproto.MsgClientReadyAck) {
			r.clientReadyOnce.Do(func() { close(r.clientReady) })
			if r.script.closeSignalingAfterReady {
				return
			}
		}
	}
}

func (r *fakeRelay) handleMedia(w http.ResponseWriter, req *http.Request) {
	ws := r.upgrade(w, req)
	if ws == nil {
		return
	}
	r.mediaConns.Add(1)
	defer func() {
		_ = ws.Close()
		r.mediaClosed <- struct{}{}
	}()

	if _, err := r.read(ws, &r.media); err != nil {
		return
	}
	if err := writeJSON(ws, map[string]any{"msg_type": 4, "status_code": r.script.mediaStatus}); err != nil {
		return
	}
	if r.script.mediaStatus != 0 {
		r.drain(ws, &r.media)
		return
	}
	if r.script.keepAlive != "" {
		if err := writeJSON(ws, r.keepAliveRequest()); err != nil {
			return
		}
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		r.drain(ws, &r.media)
	}()

	select {
	case <-r.clientReady:
	case <-readerDone:
		return
	case <-r.stop:
		return
	}
	for i, frame := range r.script.frames {
		msg := map[string]any{
			"msg_type": 14,
			"content": map[string]any{
				"data":       rtmsproto.EncodeAudio(frame),
				"channel_id": 0,
				"timestamp":  1700000000000 + i*20,
			},
		}
		if err := writeJSON(ws, msg); err != nil {
			return
		}
	}
	if r.script.closeMediaAfterFrames {
		return
	}

	select {
	case <-readerDone:
	case <-r.stop:
	}
}

func (r *fakeRelay) signalingMessages() []recordedMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedMsg(nil), r.signaling...)
}

func (r *fakeRelay) mediaMessages() []recordedMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedMsg(nil), r.media...)
}

func findMsg(msgs []recordedMsg, typ rtmsproto.MsgType) (recordedMsg, bool) {
	for _, m := range msgs {
		if m.MsgType == int(typ) {
			return m, true
		}
	}
	return recordedMsg{}, false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitClosed(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
