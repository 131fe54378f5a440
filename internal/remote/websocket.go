package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/openxrtools/arbridge/internal/pose"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrStatsNotReady is returned by Stats before the runtime has published a
// first snapshot.
var ErrStatsNotReady = errors.New("connection stats not available yet")

// Envelope types on the session link.
const (
	msgConnect         = "connect"
	msgConnectAck      = "connect_ack"
	msgFrame           = "frame"
	msgRelease         = "release"
	msgAudio           = "audio"
	msgInput           = "input"
	msgLights          = "lights"
	msgTrackingRequest = "tracking_request"
	msgTrackingState   = "tracking_state"
	msgHaptic          = "haptic"
	msgStats           = "stats"
)

const (
	connectAckTimeout = 10 * time.Second
	outgoingQueueSize = 64
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type connectRequest struct {
	SessionID  string            `json:"session_id"`
	Descriptor DeviceDescriptor  `json:"descriptor"`
	Options    ConnectionOptions `json:"options"`
}

type connectAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type releaseRequest struct {
	FrameID uint64 `json:"frame_id"`
}

// WebSocketReceiver speaks the runtime's session protocol over a single
// WebSocket connection carrying JSON envelopes. Inbound frames are buffered
// up to the pose ring depth; when the consumer falls behind the oldest frame
// is dropped in favor of the newest.
type WebSocketReceiver struct {
	logger    *zap.Logger
	desc      DeviceDescriptor
	callbacks Callbacks
	sessionID uuid.UUID

	ctx    context.Context
	cancel context.CancelFunc

	conn       *websocket.Conn
	frameCh    chan *Frame
	outgoingCh chan envelope

	statsMu   sync.Mutex
	stats     ConnectionStats
	haveStats bool

	closeOnce sync.Once
}

// NewWebSocketReceiver creates an unconnected receiver for the given device
// descriptor. The callbacks object must be non-nil: the runtime queries it
// for tracking state and delivers inbound audio through it.
func NewWebSocketReceiver(logger *zap.Logger, desc DeviceDescriptor, callbacks Callbacks) (*WebSocketReceiver, error) {
	if callbacks == nil {
		return nil, fmt.Errorf("receiver callbacks must not be nil")
	}

	sessionID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketReceiver{
		logger:     logger.With(zap.String("component", "ws_receiver"), zap.String("session_id", sessionID.String())),
		desc:       desc,
		callbacks:  callbacks,
		sessionID:  sessionID,
		ctx:        ctx,
		cancel:     cancel,
		frameCh:    make(chan *Frame, pose.DefaultDepth),
		outgoingCh: make(chan envelope, outgoingQueueSize),
	}, nil
}

// Connect dials the server, performs the connect handshake, and starts the
// reader and writer goroutines. The handshake is synchronous: it fails within
// connectAckTimeout if the server does not acknowledge the descriptor.
func (r *WebSocketReceiver) Connect(ctx context.Context, opts ConnectionOptions) error {
	u, err := sessionURL(opts.ServerAddress)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	header := http.Header{}
	header.Set("X-Session-ID", r.sessionID.String())

	r.logger.Info("Connecting to remote runtime", zap.String("url", u.String()))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("%w: failed to dial %s: %w", ErrConnectionFailed, u.String(), err)
	}
	r.conn = conn

	if err := r.handshake(opts); err != nil {
		conn.Close()
		return err
	}

	go r.processIncoming()
	go r.processOutgoing()

	r.logger.Info("Receiver connected",
		zap.Uint32("width", r.desc.Width),
		zap.Uint32("height", r.desc.Height),
		zap.Float32("fps", r.desc.FPS),
		zap.Bool("receive_audio", r.desc.ReceiveAudio),
		zap.Bool("send_audio", r.desc.SendAudio))
	return nil
}

func (r *WebSocketReceiver) handshake(opts ConnectionOptions) error {
	req := connectRequest{
		SessionID:  r.sessionID.String(),
		Descriptor: r.desc,
		Options:    opts,
	}
	data, err := wireJSON.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal connect request: %w", err)
	}
	env, err := wireJSON.Marshal(envelope{Type: msgConnect, Payload: data})
	if err != nil {
		return fmt.Errorf("failed to marshal connect envelope: %w", err)
	}

	if err := r.conn.WriteMessage(websocket.TextMessage, env); err != nil {
		return fmt.Errorf("%w: failed to send connect request: %w", ErrConnectionFailed, err)
	}

	r.conn.SetReadDeadline(time.Now().Add(connectAckTimeout))
	defer r.conn.SetReadDeadline(time.Time{})

	_, msg, err := r.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: no connect acknowledgement: %w", ErrConnectionFailed, err)
	}

	var ackEnv envelope
	if err := wireJSON.Unmarshal(msg, &ackEnv); err != nil || ackEnv.Type != msgConnectAck {
		return fmt.Errorf("%w: unexpected handshake message %q", ErrConnectionFailed, ackEnv.Type)
	}
	var ack connectAck
	if err := wireJSON.Unmarshal(ackEnv.Payload, &ack); err != nil {
		return fmt.Errorf("%w: malformed connect acknowledgement: %w", ErrConnectionFailed, err)
	}
	if !ack.OK {
		return fmt.Errorf("%w: server refused session: %s", ErrConnectionFailed, ack.Error)
	}
	return nil
}

// LatchFrame waits up to timeout for the next remote frame.
func (r *WebSocketReceiver) LatchFrame(timeout time.Duration) (*Frame, error) {
	select {
	case <-r.ctx.Done():
		return nil, ErrNotRunning
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-r.frameCh:
		return frame, nil
	case <-timer.C:
		return nil, ErrFrameNotReady
	case <-r.ctx.Done():
		return nil, ErrNotRunning
	}
}

// ReleaseFrame returns a latched frame to the runtime.
func (r *WebSocketReceiver) ReleaseFrame(frame *Frame) error {
	if frame == nil {
		return nil
	}
	return r.send(msgRelease, releaseRequest{FrameID: frame.ID})
}

// SendAudio forwards one captured audio frame.
func (r *WebSocketReceiver) SendAudio(frame AudioFrame) error {
	return r.send(msgAudio, frame)
}

// SendInput forwards a user input event.
func (r *WebSocketReceiver) SendInput(event InputEvent) error {
	return r.send(msgInput, event)
}

// SendLightProperties forwards an environmental lighting estimate.
func (r *WebSocketReceiver) SendLightProperties(props LightProperties) error {
	return r.send(msgLights, props)
}

// Stats returns the most recent snapshot published by the runtime.
func (r *WebSocketReceiver) Stats() (ConnectionStats, error) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if !r.haveStats {
		return ConnectionStats{}, ErrStatsNotReady
	}
	return r.stats, nil
}

// Close tears the session down. Safe to call multiple times and concurrently
// with in-flight latch or send calls.
func (r *WebSocketReceiver) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		if r.conn != nil {
			r.conn.Close()
		}
		r.logger.Info("Receiver closed")
	})
	return nil
}

func (r *WebSocketReceiver) send(msgType string, payload any) error {
	select {
	case <-r.ctx.Done():
		return ErrNotRunning
	default:
	}

	data, err := wireJSON.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}

	select {
	case r.outgoingCh <- envelope{Type: msgType, Payload: data}:
		return nil
	default:
		return ErrWriteRefused
	}
}

func (r *WebSocketReceiver) processOutgoing() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case env := <-r.outgoingCh:
			data, err := wireJSON.Marshal(env)
			if err != nil {
				r.logger.Error("Failed to marshal outgoing envelope", zap.String("type", env.Type), zap.Error(err))
				continue
			}
			if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.logger.Warn("Failed to write to session socket", zap.Error(err))
				r.Close()
				return
			}
		}
	}
}

func (r *WebSocketReceiver) processIncoming() {
	defer r.Close()

	for {
		_, msg, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case <-r.ctx.Done():
			default:
				r.logger.Warn("Session socket closed by peer", zap.Error(err))
			}
			return
		}

		var env envelope
		if err := wireJSON.Unmarshal(msg, &env); err != nil {
			r.logger.Warn("Discarding malformed envelope", zap.Error(err))
			continue
		}

		switch env.Type {
		case msgFrame:
			frame := &Frame{}
			if err := wireJSON.Unmarshal(env.Payload, frame); err != nil {
				r.logger.Warn("Discarding malformed frame", zap.Error(err))
				continue
			}
			r.enqueueFrame(frame)

		case msgAudio:
			var frame AudioFrame
			if err := wireJSON.Unmarshal(env.Payload, &frame); err != nil {
				r.logger.Warn("Discarding malformed audio frame", zap.Error(err))
				continue
			}
			if !r.callbacks.RenderAudio(frame) {
				r.logger.Debug("Audio frame refused by playback endpoint")
			}

		case msgTrackingRequest:
			state := r.callbacks.TrackingState()
			if err := r.send(msgTrackingState, state); err != nil {
				r.logger.Debug("Dropped tracking state reply", zap.Error(err))
			}

		case msgHaptic:
			var haptic HapticFeedback
			if err := wireJSON.Unmarshal(env.Payload, &haptic); err != nil {
				continue
			}
			r.callbacks.TriggerHaptic(haptic)

		case msgStats:
			var stats ConnectionStats
			if err := wireJSON.Unmarshal(env.Payload, &stats); err != nil {
				r.logger.Warn("Discarding malformed stats snapshot", zap.Error(err))
				continue
			}
			r.statsMu.Lock()
			r.stats = stats
			r.haveStats = true
			r.statsMu.Unlock()

		default:
			r.logger.Debug("Ignoring unknown envelope type", zap.String("type", env.Type))
		}
	}
}

// enqueueFrame buffers an inbound frame, dropping the oldest queued frame
// when the consumer has fallen behind.
func (r *WebSocketReceiver) enqueueFrame(frame *Frame) {
	for {
		select {
		case r.frameCh <- frame:
			return
		default:
		}
		select {
		case stale := <-r.frameCh:
			r.logger.Debug("Dropping stale frame", zap.Uint64("frame_id", stale.ID))
		default:
		}
	}
}

// sessionURL normalizes a configured server address into the session
// endpoint URL. Plain host:port addresses get the ws scheme; http(s) URLs
// are rewritten to ws(s).
func sessionURL(addr string) (*url.URL, error) {
	if addr == "" {
		return nil, fmt.Errorf("no server address configured")
	}

	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		u, err = url.Parse("ws://" + addr)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", addr, err)
		}
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported server address scheme %q", u.Scheme)
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/session"
	}
	return u, nil
}
