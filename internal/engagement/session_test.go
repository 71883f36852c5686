package engagement

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/rtmsproto"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/signature"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/sink"
)

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	waitClosed(t, "session finalize", s.Done())
}

func wavData(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if len(b) < 44 || string(b[36:40]) != "data" {
		t.Fatalf("unexpected wav header %q", b)
	}
	if size := binary.LittleEndian.Uint32(b[40:44]); int(size) != len(b)-44 {
		t.Fatalf("data chunk size=%d, file payload=%d", size, len(b)-44)
	}
	return b[44:]
}

func assertFinalized(t *testing.T, r *Registry, s *Session) {
	t.Helper()
	if s.State() != StateClosed {
		t.Fatalf("state=%v, want closed", s.State())
	}
	if _, ok := r.Get(s.ID()); ok {
		t.Fatalf("registry still holds %s", s.ID())
	}
	if s.signaling.State() != SignalingClosed {
		t.Fatalf("signaling state=%v, want closed", s.signaling.State())
	}
	if s.media != nil && s.media.State() != MediaClosed {
		t.Fatalf("media state=%v, want closed", s.media.State())
	}
	sinks := s.Sinks()
	if _, err := sinks.Audio.Write([]byte{1, 2}); !errors.Is(err, sink.ErrSinkClosed) {
		t.Fatalf("audio sink still writable: %v", err)
	}
	if err := sinks.Close(time.Now(), 0); err != nil {
		t.Fatalf("second sink close: %v", err)
	}
	if err := s.Finalize(nil); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
}

func TestScenarioStreamThenStop(t *testing.T) {
	frames := [][]byte{
		{0x01, 0x00, 0x02, 0x00, 0x03, 0x00},
		{0x04, 0x00, 0x05, 0x00, 0x06, 0x00},
		{0x07, 0x00, 0x08, 0x00, 0x09, 0x00},
	}
	relay := newFakeRelay(t, relayScript{frames: frames, keepAlive: "1712345678901"})
	r, m := newTestRegistry(t, testOptions(t))

	s, err := r.StartEngagement(Params{EngagementID: "e1", StreamID: "s1", ServerURL: relay.signalingURL()})
	if err != nil {
		t.Fatalf("StartEngagement: %v", err)
	}
	waitFor(t, "3 audio chunks", func() bool { return s.AudioChunks() == 3 })
	if s.State() != StateStreaming {
		t.Fatalf("state=%v, want streaming", s.State())
	}
	if got := r.IDs(); len(got) != 1 || got[0] != "e1" {
		t.Fatalf("IDs=%v, want [e1]", got)
	}

	waitFor(t, "keep-alive replies", func() bool {
		_, sigOK := findMsg(relay.signalingMessages(), rtmsproto.MsgKeepAliveResp)
		_, mediaOK := findMsg(relay.mediaMessages(), rtmsproto.MsgKeepAliveResp)
		return sigOK && mediaOK
	})
	for name, msgs := range map[string][]recordedMsg{"signaling": relay.signalingMessages(), "media": relay.mediaMessages()} {
		reply, _ := findMsg(msgs, rtmsproto.MsgKeepAliveResp)
		if got := string(reply.Raw["timestamp"]); got != "1712345678901" {
			t.Fatalf("%s keep-alive timestamp=%s, want 1712345678901", name, got)
		}
	}

	wantSig := signature.Sign([]byte("client-secret"), "client-id", "e1", "s1")
	sigHS, ok := findMsg(relay.signalingMessages(), rtmsproto.MsgSignalingHandshakeReq)
	if !ok {
		t.Fatalf("no signaling handshake recorded")
	}
	mediaHS, ok := findMsg(relay.mediaMessages(), rtmsproto.MsgMediaHandshakeReq)
	if !ok {
		t.Fatalf("no media handshake recorded")
	}
	for name, hs := range map[string]recordedMsg{"signaling": sigHS, "media": mediaHS} {
		var got string
		_ = json.Unmarshal(hs.Raw["signature"], &got)
		if got != wantSig {
			t.Fatalf("%s signature=%q, want %q", name, got, wantSig)
		}
		if string(hs.Raw["engagement_id"]) != `"e1"` || string(hs.Raw["rtms_stream_id"]) != `"s1"` {
			t.Fatalf("%s identity=%v", name, hs.Raw)
		}
	}
	ready, ok := findMsg(relay.signalingMessages(), rtmsproto.MsgClientReadyAck)
	if !ok || string(ready.Raw["rtms_stream_id"]) != `"s1"` {
		t.Fatalf("client ready=%v (found %v)", ready.Raw, ok)
	}

	if _, ok := r.StopEngagement("e1"); !ok {
		t.Fatalf("StopEngagement(e1) reported absent")
	}
	waitDone(t, s)
	assertFinalized(t, r, s)
	if !errors.Is(s.Cause(), ErrStopRequested) {
		t.Fatalf("cause=%v, want stop", s.Cause())
	}
	if got := r.IDs(); len(got) != 0 {
		t.Fatalf("IDs=%v after stop", got)
	}

	var want []byte
	for _, f := range frames {
		want = append(want, f...)
	}
	if got := wavData(t, s.Sinks().Audio.Path()); !bytes.Equal(got, want) {
		t.Fatalf("wav payload=%x, want %x", got, want)
	}

	transcript, err := os.ReadFile(s.Sinks().Transcript.Path())
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	for _, marker := range []string{"=== RTMS session start ===", "=== RTMS session end ===", "audio_chunks: 3"} {
		if !strings.Contains(string(transcript), marker) {
			t.Fatalf("transcript missing %q:\n%s", marker, transcript)
		}
	}

	waitClosed(t, "relay signaling close", relay.signalingClosed)
	waitClosed(t, "relay media close", relay.mediaClosed)
	if m.Get(metrics.EngagementRetired) != 1 || m.Get(metrics.AudioChunks) != 3 {
		t.Fatalf("metrics=%v", m.Snapshot())
	}

	if _, ok := r.StopEngagement("e1"); ok {
		t.Fatalf("second stop should be a no-op")
	}
}

func TestScenarioSignalingHandshakeFailureRetires(t *testing.T) {
	relay := newFakeRelay(t, relayScript{signalingStatus: 1})
	r, m := newTestRegistry(t, testOptions(t))

	s, err := r.StartEngagement(Params{EngagementID: "e2", StreamID: "s2", ServerURL: relay.signalingURL()})
	if err != nil {
		t.Fatalf("StartEngagement: %v", err)
	}
	waitDone(t, s)
	assertFinalized(t, r, s)

	var he *HandshakeError
	if !errors.As(s.Cause(), &he) || he.Channel != ChannelSignaling || he.Code != 1 {
		t.Fatalf("cause=%v, want signaling handshake failure code 1", s.Cause())
	}
	if n := relay.mediaConns.Load(); n != 0 {
		t.Fatalf("media dialed %d times, want 0", n)
	}
	for _, id := range r.IDs() {
		if id == "e2" {
			t.Fatalf("IDs still lists e2")
		}
	}
	if m.Get(metrics.SignalingHandshakeFailed) != 1 {
		t.Fatalf("metrics=%v", m.Snapshot())
	}
}

func TestMissingMediaURLRetires(t *testing.T) {
	relay := newFakeRelay(t, relayScript{omitMediaURL: true})
	r, _ := newTestRegistry(t, testOptions(t))

	s, err := r.StartEngagement(Params{EngagementID: "e3", StreamID: "s3", ServerURL: relay.signalingURL()})
	if err != nil {
		t.Fatalf("StartEngagement: %v", err)
	}
	waitDone(t, s)
	assertFinalized(t, r, s)
	if relay.mediaConns.Load() != 0 {
		t.Fatalf("media dialed without a url")
	}
}

func TestMediaHandshakeFailureRetires(t *testing.T) {
	relay := newFakeRelay(t, relayScript{mediaStatus: 3})
	r, _ := newTestRegistry(t, testOptions(t))

	s, err := r.StartEngagement(Params{EngagementID: "e4", StreamID: "s4", ServerURL: relay.signalingURL()})
	if err != nil {
		t.Fatalf("StartEngagement: %v", err)
	}
	waitDone(t, s)
	assertFinalized(t, r, s)

	var he *HandshakeError
	if !errors.As(s.Cause(), &he) || he.Channel != ChannelMedia || he.Code != 3 {
		t.Fatalf("cause=%v, want media handshake failure", s.Cause())
	}
	if _, ok := findMsg(relay.signalingMessages(), rtmsproto.MsgClientReadyAck); ok {
		t.Fatalf("client ready sent despite media handshake failure")
	}
}

func TestSignalingLossRetires(t *testing.T) {
	relay := newFakeRelay(t, relayScript{closeSignalingAfterReady: true})
	r, m := newTestRegistry(t, testOptions(t))

	s, err := r.StartEngagement(Params{EngagementID: "e5", StreamID: "s5", ServerURL: relay.signalingURL()})
	if err != nil {
		t.Fatalf("StartEngagement: %v", err)
	}
	waitDone(t, s)
	assertFinalized(t, r, s)

	var te *TransportError
	if !errors.As(s.Cause(), &te) || te.Channel != ChannelSignaling {
		t.Fatalf("cause=%v, want signaling transport loss", s.Cause())
	}
	waitClosed(t, "relay media close", relay.mediaClosed)
	if m.Get(metrics.SignalingLost) != 1 {
		t.Fatalf("metrics=%v", m.Snapshot())
	}
}

func TestMediaLossRetires(t *testing.T) {
	frames := [][]byte{{1, 0}, {2, 0}}
	relay := newFakeRelay(t, relayScript{frames: frames, closeMediaAfterFrames: true})
	r, m := newTestRegistry(t, testOptions(t))

	s, err := r.StartEngagement(Params{EngagementID: "e6", StreamID: "s6", ServerURL: relay.signalingURL()})
	if err != nil {
		t.Fatalf("StartEngagement: %v", err)
	}
	waitDone(t, s)
	assertFinalized(t, r, s)

	var te *TransportError
	if !errors.As(s.Cause(), &te) || te.Channel != ChannelMedia {
		t.Fatalf("cause=%v, want media transport loss", s.Cause())
	}
	if s.AudioChunks() != 2 {
		t.Fatalf("chunks=%d, want 2", s.AudioChunks())
	}
	if got := wavData(t, s.Sinks().Audio.Path()); !bytes.Equal(got, []byte{1, 0, 2, 0}) {
		t.Fatalf("wav payload=%x", got)
	}
	waitClosed(t, "relay signaling close", relay.signalingClosed)
	if m.Get(metrics.MediaLost) != 1 {
		t.Fatalf("metrics=%v", m.Snapshot())
	}
}

func TestStopDuringHandshake(t *testing.T) {
	relay := newFakeRelay(t, relayScript{signalingSilent: true})
	r, _ := newTestRegistry(t, testOptions(t))

	s, err := r.StartEngagement(Params{EngagementID: "e7", StreamID: "s7", ServerURL: relay.signalingURL()})
	if err != nil {
		t.Fatalf("StartEngagement: %v", err)
	}
	waitFor(t, "signaling handshake", func() bool {
		_, ok := findMsg(relay.signalingMessages(), rtmsproto.MsgSignalingHandshakeReq)
		return ok
	})

	if _, ok := r.StopEngagement("e7"); !ok {
		t.Fatalf("StopEngagement reported absent")
	}
	waitDone(t, s)
	assertFinalized(t, r, s)
	if !errors.Is(s.Cause(), ErrStopRequested) {
		t.Fatalf("cause=%v", s.Cause())
	}
	waitClosed(t, "relay signaling close", relay.signalingClosed)
	if relay.mediaConns.Load() != 0 {
		t.Fatalf("media dialed")
	}
}

func TestHandshakeTimeoutRetires(t *testing.T) {
	relay := newFakeRelay(t, relayScript{signalingSilent: true})
	opts := testOptions(t)
	opts.HandshakeTimeout = 200 * time.Millisecond
	r, _ := newTestRegistry(t, opts)

	s, err := r.StartEngagement(Params{EngagementID: "e8", StreamID: "s8", ServerURL: relay.signalingURL()})
	if err != nil {
		t.Fatalf("StartEngagement: %v", err)
	}
	waitDone(t, s)
	var he *HandshakeError
	if !errors.As(s.Cause(), &he) || he.Channel != ChannelSignaling {
		t.Fatalf("cause=%v, want signaling handshake timeout", s.Cause())
	}
	assertFinalized(t, r, s)
}

func TestInactivityRetires(t *testing.T) {
	relay := newFakeRelay(t, relayScript{})
	opts := testOptions(t)
	opts.InactivityTimeout = 300 * time.Millisecond
	r, m := newTestRegistry(t, opts)

	s, err := r.StartEngagement(Params{EngagementID: "e9", StreamID: "s9", ServerURL: relay.signalingURL()})
	if err != nil {
		t.Fatalf("StartEngagement: %v", err)
	}
	waitDone(t, s)
	if !errors.Is(s.Cause(), ErrInactivityTimeout) {
		t.Fatalf("cause=%v, want inactivity", s.Cause())
	}
	assertFinalized(t, r, s)
	if m.Get(metrics.EngagementInactivityRetire) != 1 {
		t.Fatalf("metrics=%v", m.Snapshot())
	}
}

func TestConcurrentDuplicateStart(t *testing.T) {
	relay := newFakeRelay(t, relayScript{})
	r, _ := newTestRegistry(t, testOptions(t))
	p := Params{EngagementID: "e10", StreamID: "s10", ServerURL: relay.signalingURL()}

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		started  []*Session
		dupCount int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.StartEngagement(p)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started = append(started, s)
			case errors.Is(err, ErrDuplicateSession):
				dupCount++
			default:
				t.Errorf("StartEngagement: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(started) != 1 || dupCount != n-1 {
		t.Fatalf("started=%d duplicates=%d, want 1 and %d", len(started), dupCount, n-1)
	}
	s := started[0]
	waitFor(t, "streaming", func() bool { return s.State() == StateStreaming })
	if got := relay.signalingConns.Load(); got != 1 {
		t.Fatalf("signaling connections=%d, want 1", got)
	}
	if got := relay.mediaConns.Load(); got != 1 {
		t.Fatalf("media connections=%d, want 1", got)
	}
	if r.Len() != 1 {
		t.Fatalf("Len=%d, want 1", r.Len())
	}
}

func TestRetireAllFinalizesEverySession(t *testing.T) {
	relay := newFakeRelay(t, relayScript{})
	r, _ := newTestRegistry(t, testOptions(t))

	var sessions []*Session
	for _, id := range []string{"a", "b", "c"} {
		s, err := r.StartEngagement(Params{EngagementID: id, StreamID: "s-" + id, ServerURL: relay.signalingURL()})
		if err != nil {
			t.Fatalf("StartEngagement(%s): %v", id, err)
		}
		sessions = append(sessions, s)
	}
	for _, s := range sessions {
		s := s
		waitFor(t, "streaming "+s.ID(), func() bool { return s.State() == StateStreaming })
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.RetireAll(ctx); err != nil {
		t.Fatalf("RetireAll: %v", err)
	}
	for _, s := range sessions {
		assertFinalized(t, r, s)
		if !errors.Is(s.Cause(), ErrShutdown) {
			t.Fatalf("%s cause=%v, want shutdown", s.ID(), s.Cause())
		}
	}
	if r.Len() != 0 {
		t.Fatalf("Len=%d after RetireAll", r.Len())
	}
}

func TestMeetingEngagementUsesMeetingUUID(t *testing.T) {
	relay := newFakeRelay(t, relayScript{})
	r, _ := newTestRegistry(t, testOptions(t))

	s, err := r.StartEngagement(Params{EngagementID: "m==", StreamID: "s1", ServerURL: relay.signalingURL(), Meeting: true})
	if err != nil {
		t.Fatalf("StartEngagement: %v", err)
	}
	waitFor(t, "streaming", func() bool { return s.State() == StateStreaming })
	hs, _ := findMsg(relay.signalingMessages(), rtmsproto.MsgSignalingHandshakeReq)
	if string(hs.Raw["meeting_uuid"]) != `"m=="` {
		t.Fatalf("handshake=%v", hs.Raw)
	}
	if _, ok := hs.Raw["engagement_id"]; ok {
		t.Fatalf("engagement_id should be omitted for meetings")
	}
}
