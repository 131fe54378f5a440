package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openxrtools/arbridge/internal/pose"
)

func testLogger(t testing.TB) *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

type stubCallbacks struct {
	mu       sync.Mutex
	tracking TrackingState
	audio    []AudioFrame
	haptics  []HapticFeedback
	accept   bool
}

func (s *stubCallbacks) TrackingState() TrackingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracking
}

func (s *stubCallbacks) TriggerHaptic(h HapticFeedback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haptics = append(s.haptics, h)
}

func (s *stubCallbacks) RenderAudio(f AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, f)
	return s.accept
}

// testRuntime is a minimal in-process stand-in for the remote streaming
// runtime: it acknowledges the connect handshake and lets tests push
// envelopes to the client and observe what the client sent.
type testRuntime struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []envelope
	connects []connectRequest
	ready    chan struct{}
}

func newTestRuntime(t *testing.T) *testRuntime {
	rt := &testRuntime{t: t, ready: make(chan struct{})}
	rt.srv = httptest.NewServer(http.HandlerFunc(rt.handle))
	t.Cleanup(rt.srv.Close)
	return rt
}

func (rt *testRuntime) addr() string {
	return strings.TrimPrefix(rt.srv.URL, "http://")
}

func (rt *testRuntime) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.t.Errorf("upgrade failed: %v", err)
		return
	}
	rt.mu.Lock()
	rt.conn = conn
	rt.mu.Unlock()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			rt.t.Errorf("malformed envelope from client: %v", err)
			continue
		}

		rt.mu.Lock()
		rt.received = append(rt.received, env)
		rt.mu.Unlock()

		if env.Type == msgConnect {
			var req connectRequest
			json.Unmarshal(env.Payload, &req)
			rt.mu.Lock()
			rt.connects = append(rt.connects, req)
			rt.mu.Unlock()

			rt.push(msgConnectAck, connectAck{OK: true})
			close(rt.ready)
		}
	}
}

func (rt *testRuntime) push(msgType string, payload any) {
	data, err := json.Marshal(payload)
	require.NoError(rt.t, err)
	env, err := json.Marshal(envelope{Type: msgType, Payload: data})
	require.NoError(rt.t, err)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	require.NoError(rt.t, rt.conn.WriteMessage(websocket.TextMessage, env))
}

func (rt *testRuntime) sent(msgType string) []envelope {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []envelope
	for _, env := range rt.received {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (rt *testRuntime) waitFor(msgType string, timeout time.Duration) []envelope {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := rt.sent(msgType); len(got) > 0 {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func connectedReceiver(t *testing.T, rt *testRuntime, cb Callbacks) *WebSocketReceiver {
	desc := DeviceDescriptor{Width: 720, Height: 1440, FPS: 60, ReceiveAudio: true, SendAudio: true}
	recv, err := NewWebSocketReceiver(testLogger(t), desc, cb)
	require.NoError(t, err)

	require.NoError(t, recv.Connect(context.Background(), ConnectionOptions{ServerAddress: rt.addr()}))
	t.Cleanup(func() { recv.Close() })

	select {
	case <-rt.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("runtime never saw the connect handshake")
	}
	return recv
}

func TestConnectHandshake(t *testing.T) {
	rt := newTestRuntime(t)
	recv := connectedReceiver(t, rt, &stubCallbacks{accept: true})
	defer recv.Close()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	require.Len(t, rt.connects, 1)
	assert.Equal(t, uint32(720), rt.connects[0].Descriptor.Width)
	assert.Equal(t, uint32(1440), rt.connects[0].Descriptor.Height)
	assert.True(t, rt.connects[0].Descriptor.ReceiveAudio)
	assert.NotEmpty(t, rt.connects[0].SessionID)
}

func TestConnectRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var upgrader websocket.Upgrader
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()

		data, _ := json.Marshal(connectAck{OK: false, Error: "server full"})
		env, _ := json.Marshal(envelope{Type: msgConnectAck, Payload: data})
		conn.WriteMessage(websocket.TextMessage, env)
	}))
	defer srv.Close()

	recv, err := NewWebSocketReceiver(testLogger(t), DeviceDescriptor{}, &stubCallbacks{})
	require.NoError(t, err)

	err = recv.Connect(context.Background(), ConnectionOptions{ServerAddress: strings.TrimPrefix(srv.URL, "http://")})
	require.ErrorIs(t, err, ErrConnectionFailed)
	assert.Contains(t, err.Error(), "server full")
}

func TestLatchTimeoutThenFrame(t *testing.T) {
	rt := newTestRuntime(t)
	recv := connectedReceiver(t, rt, &stubCallbacks{accept: true})

	// No frame available: the latch reports the transient condition.
	_, err := recv.LatchFrame(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrFrameNotReady)

	// A frame arrives: the next latch succeeds.
	want := Frame{ID: 7, Pose: pose.Matrix34{{1, 0, 0, 0.5}}, TimestampNS: 42}
	rt.push(msgFrame, want)

	frame, err := recv.LatchFrame(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, want.ID, frame.ID)
	assert.Equal(t, want.Pose, frame.Pose)

	// Releasing sends the frame back to the runtime.
	require.NoError(t, recv.ReleaseFrame(frame))
	releases := rt.waitFor(msgRelease, 2*time.Second)
	require.NotEmpty(t, releases)
	var rel releaseRequest
	require.NoError(t, json.Unmarshal(releases[0].Payload, &rel))
	assert.Equal(t, uint64(7), rel.FrameID)
}

func TestLatchAfterClose(t *testing.T) {
	rt := newTestRuntime(t)
	recv := connectedReceiver(t, rt, &stubCallbacks{accept: true})

	recv.Close()
	_, err := recv.LatchFrame(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrNotRunning)

	// Close is idempotent.
	require.NoError(t, recv.Close())
}

func TestTrackingRequestRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	cb := &stubCallbacks{accept: true}
	cb.tracking = TrackingState{
		Pose:            pose.Matrix34{{0, 0, 0, 1.25}},
		PoseValid:       true,
		DeviceConnected: true,
	}
	recv := connectedReceiver(t, rt, cb)
	defer recv.Close()

	rt.push(msgTrackingRequest, struct{}{})

	replies := rt.waitFor(msgTrackingState, 2*time.Second)
	require.NotEmpty(t, replies, "runtime never received a tracking state reply")

	var state TrackingState
	require.NoError(t, json.Unmarshal(replies[0].Payload, &state))
	assert.True(t, state.PoseValid)
	assert.Equal(t, cb.tracking.Pose, state.Pose)
}

func TestInboundAudioDispatch(t *testing.T) {
	rt := newTestRuntime(t)
	cb := &stubCallbacks{accept: true}
	recv := connectedReceiver(t, rt, cb)
	defer recv.Close()

	rt.push(msgAudio, AudioFrame{Data: []byte{1, 2, 3, 4}})

	require.Eventually(t, func() bool {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return len(cb.audio) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cb.mu.Lock()
	assert.Equal(t, []byte{1, 2, 3, 4}, cb.audio[0].Data)
	cb.mu.Unlock()
}

func TestStatsSnapshotCaching(t *testing.T) {
	rt := newTestRuntime(t)
	recv := connectedReceiver(t, rt, &stubCallbacks{accept: true})
	defer recv.Close()

	_, err := recv.Stats()
	require.ErrorIs(t, err, ErrStatsNotReady)

	rt.push(msgStats, ConnectionStats{FramesPerSecond: 59.5, RoundTripDelayMS: 31, Quality: QualityGood})

	require.Eventually(t, func() bool {
		stats, err := recv.Stats()
		return err == nil && stats.RoundTripDelayMS == 31
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFrameQueueDropsOldest(t *testing.T) {
	rt := newTestRuntime(t)
	recv := connectedReceiver(t, rt, &stubCallbacks{accept: true})
	defer recv.Close()

	// Overfill the latch queue; the receiver keeps the newest frames.
	total := pose.DefaultDepth + 3
	for i := 0; i < total; i++ {
		rt.push(msgFrame, Frame{ID: uint64(i + 1)})
	}

	require.Eventually(t, func() bool {
		frame, err := recv.LatchFrame(10 * time.Millisecond)
		if err != nil {
			return false
		}
		// Everything still queued must be newer than what was dropped.
		return frame.ID > uint64(total-pose.DefaultDepth)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionURL(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		want    string
		wantErr bool
	}{
		{name: "host port", addr: "192.168.1.10:8443", want: "ws://192.168.1.10:8443/v1/session"},
		{name: "http scheme", addr: "http://server.local", want: "ws://server.local/v1/session"},
		{name: "https scheme", addr: "https://server.local", want: "wss://server.local/v1/session"},
		{name: "explicit path kept", addr: "ws://server.local/custom", want: "ws://server.local/custom"},
		{name: "empty", addr: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := sessionURL(tt.addr)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}
