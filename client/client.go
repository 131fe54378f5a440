// Package client implements the remote frame streaming client: session
// lifecycle against the remote streaming runtime, the per-frame
// latch/release protocol, pose/offset reconciliation, and link quality
// reporting. The tracking subsystem and the on-screen compositor are
// external collaborators injected as interfaces.
package client

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/openxrtools/arbridge/internal/audio"
	"github.com/openxrtools/arbridge/internal/pose"
	"github.com/openxrtools/arbridge/internal/remote"
)

// DialFunc creates an unconnected receiver handle for the given device
// descriptor and callback object.
type DialFunc func(logger *zap.Logger, desc remote.DeviceDescriptor, cb remote.Callbacks) (remote.Receiver, error)

// ColorCorrection is an RGB gain triple plus the average pixel intensity in
// gamma space, as produced by the tracking subsystem's light estimation.
type ColorCorrection [4]float32

// DefaultColorCorrection is applied when no light estimate is available.
var DefaultColorCorrection = ColorCorrection{1, 1, 1, 0.466}

// Compositor draws the camera background and composites remote frames. It is
// provided by the rendering pipeline, which is outside this package's scope.
type Compositor interface {
	// DrawBackground draws the camera background frame offset submissions
	// in the past (0 = most recent).
	DrawBackground(offset int)
	// CompositeFrame composites one latched remote frame over the
	// background using the given color correction.
	CompositeFrame(frame *remote.Frame, cc ColorCorrection)
	// DrawIdle draws a black/idle frame; used while exiting.
	DrawIdle()
}

// Options is the launch configuration surface.
type Options struct {
	// ServerAddress of the remote streaming runtime. Required to connect;
	// its absence is surfaced to the user but does not fail startup.
	ServerAddress string
	// EnvLighting forwards environment lighting estimates to the server
	// instead of applying local color correction.
	EnvLighting bool
	// ResFactor scales the display resolution down before it is offered to
	// the server. Valid range 0.5-1.0.
	ResFactor           float32
	ReceiveAudio        bool
	SendAudio           bool
	MaxVideoBitrateKbps int
	ClientNetwork       int
	Topology            int
	DebugFlags          uint32
}

// DefaultOptions returns the launch defaults. The 0.75 resolution factor is
// the widest setting that stays within the throughput most handheld devices
// can sustain.
func DefaultOptions() Options {
	return Options{
		EnvLighting:  true,
		ResFactor:    0.75,
		ReceiveAudio: true,
		SendAudio:    true,
	}
}

const (
	defaultStreamWidth  = 720
	defaultStreamHeight = 1440
	defaultFPS          = 60
)

// Client owns the single session to the remote streaming runtime, the pose
// ring buffer, and the latched-frame state. All frame operations
// check-and-borrow the receiver handle under one mutex, so Teardown may run
// concurrently with an in-flight render cycle.
type Client struct {
	logger     *zap.Logger
	opts       Options
	dial       DialFunc
	device     audio.Device
	compositor Compositor

	poses *pose.Ring

	mu               sync.Mutex
	receiver         remote.Receiver
	bridge           *audio.Bridge
	latched          *remote.Frame
	proj             [2][4]float32
	streamWidth      uint32
	streamHeight     uint32
	fps              int
	framesUntilStats int
	// generation increments on every Teardown so a Connect that was mid-dial
	// when the teardown landed can tell and must not install its handles.
	generation uint64
}

// New creates an unconnected client. The dial function abstracts receiver
// creation so hosts and tests can supply their own runtime transport.
func New(logger *zap.Logger, opts Options, device audio.Device, compositor Compositor, dial DialFunc) *Client {
	return &Client{
		logger:           logger.With(zap.String("component", "stream_client")),
		opts:             opts,
		dial:             dial,
		device:           device,
		compositor:       compositor,
		poses:            pose.NewRing(pose.DefaultDepth),
		streamWidth:      defaultStreamWidth,
		streamHeight:     defaultStreamHeight,
		fps:              defaultFPS,
		framesUntilStats: defaultFPS,
	}
}

// EnvLighting reports whether environment lighting forwarding is enabled.
func (c *Client) EnvLighting() bool {
	return c.opts.EnvLighting
}

// SetStreamRes derives the stream resolution offered to the server from the
// display surface size. In portrait orientations the width must be the
// smaller dimension; both dimensions are scaled by the resolution factor and
// forced even for the encoder.
func (c *Client) SetStreamRes(w, h uint32, orientation int) {
	if w > h && (orientation == 0 || orientation == 2) {
		w, h = h, w
	}

	width := uint32(math.Round(float64(w)*float64(c.opts.ResFactor))) &^ 1
	height := uint32(math.Round(float64(h)*float64(c.opts.ResFactor))) &^ 1

	c.mu.Lock()
	c.streamWidth = width
	c.streamHeight = height
	c.mu.Unlock()

	c.logger.Info("Stream resolution set",
		zap.Uint32("display_width", w),
		zap.Uint32("display_height", h),
		zap.Uint32("stream_width", width),
		zap.Uint32("stream_height", height),
		zap.Float32("res_factor", c.opts.ResFactor))
}

// SetProjection ingests the tracking subsystem's projection matrix as the
// explicit frustum tangents the runtime requires. The right-eye vertical
// slots stay zero: rendering is mono.
func (c *Client) SetProjection(proj pose.Mat4) {
	tangents := pose.FrustumTangents(proj)

	c.mu.Lock()
	c.proj[0] = tangents
	c.proj[1][0] = tangents[0]
	c.proj[1][1] = tangents[1]
	c.proj[1][2] = 0
	c.proj[1][3] = 0
	c.mu.Unlock()

	c.logger.Debug("Projection ingested",
		zap.Float32("left", tangents[0]),
		zap.Float32("right", tangents[1]),
		zap.Float32("top", tangents[2]),
		zap.Float32("bottom", tangents[3]))
}

// SetFPS sets the negotiated frame rate.
func (c *Client) SetFPS(fps int) {
	c.mu.Lock()
	c.fps = fps
	c.mu.Unlock()
}

// PushPose submits the device pose for the current display refresh into the
// ring buffer.
func (c *Client) PushPose(m pose.Matrix34) {
	c.poses.Push(m)
}

// PoseOffset correlates the latched frame's embedded pose against the pose
// history and returns how many submission cycles separate capture from
// display. Without a latched frame, or when no historical pose matches, the
// offset is 0.
func (c *Client) PoseOffset() int {
	c.mu.Lock()
	frame := c.latched
	c.mu.Unlock()

	if frame == nil {
		return 0
	}
	return c.poses.OffsetLookup(frame.Pose)
}

// IsRunning reports whether a receiver handle exists. Non-blocking.
func (c *Client) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiver != nil
}

func (c *Client) buildDescriptorLocked() remote.DeviceDescriptor {
	return remote.DeviceDescriptor{
		Width:        c.streamWidth,
		Height:       c.streamHeight,
		FPS:          float32(c.fps),
		MaxResFactor: 1.0, // no extra oversampling on the server
		IPD:          0.064,
		PredOffset:   0.02,
		ReceiveAudio: c.opts.ReceiveAudio,
		SendAudio:    c.opts.SendAudio,
		Proj:         c.proj,
	}
}

// Connect establishes the session. Already connected is a no-op success; the
// live session's parameters are not re-validated. An audio endpoint failing
// to open clears the corresponding capability and the connect proceeds.
// Receiver creation or connect failures leave no session behind, and a
// Teardown landing while the dial is in flight wins: the fresh handles are
// discarded and the session stays down.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.receiver != nil {
		c.mu.Unlock()
		return nil
	}
	gen := c.generation
	desc := c.buildDescriptorLocked()
	fps := c.fps
	c.mu.Unlock()

	c.logger.Info("Connecting to streaming server", zap.String("server_address", c.opts.ServerAddress))

	bridge := audio.NewBridge(ctx, c.logger, c.device)

	if desc.ReceiveAudio {
		if err := bridge.StartPlayback(); err != nil {
			c.logger.Warn("Playback endpoint unavailable, disabling receive audio", zap.Error(err))
			desc.ReceiveAudio = false
		}
	}
	if desc.SendAudio {
		if err := bridge.StartCapture(captureSender{c}); err != nil {
			c.logger.Warn("Capture endpoint unavailable, disabling send audio", zap.Error(err))
			desc.SendAudio = false
		}
	}
	c.logger.Info("Audio support negotiated",
		zap.Bool("receive", desc.ReceiveAudio),
		zap.Bool("send", desc.SendAudio))

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		bridge.Close()
		c.logger.Info("Teardown during connect, aborting")
		return nil
	}
	c.bridge = bridge
	c.mu.Unlock()

	recv, err := c.dial(c.logger, desc, c)
	if err != nil {
		c.Teardown()
		return fmt.Errorf("failed to create receiver: %w", err)
	}

	opts := remote.ConnectionOptions{
		ServerAddress:       c.opts.ServerAddress,
		MaxVideoBitrateKbps: c.opts.MaxVideoBitrateKbps,
		ClientNetwork:       c.opts.ClientNetwork,
		Topology:            c.opts.Topology,
		DebugFlags:          c.opts.DebugFlags,
	}
	if err := recv.Connect(ctx, opts); err != nil {
		recv.Close()
		c.Teardown()
		return fmt.Errorf("failed to connect to %s: %w", c.opts.ServerAddress, err)
	}

	c.mu.Lock()
	if c.generation != gen {
		// Teardown won the race while the dial was in flight; the bridge is
		// already closed, only the fresh receiver needs cleaning up.
		c.mu.Unlock()
		recv.Close()
		c.logger.Info("Teardown during connect, aborting")
		return nil
	}
	c.receiver = recv
	c.framesUntilStats = fps
	c.mu.Unlock()

	c.logger.Info("Receiver created")
	return nil
}

// Teardown releases the latched frame if any, closes both audio endpoints,
// and destroys the receiver handle. Safe to call multiple times and from a
// lifecycle-pause context while a render cycle is in flight.
func (c *Client) Teardown() {
	c.mu.Lock()
	recv, bridge, frame := c.receiver, c.bridge, c.latched
	c.receiver, c.bridge, c.latched = nil, nil, nil
	c.generation++
	c.mu.Unlock()

	if bridge != nil {
		bridge.Close()
	}
	if recv != nil {
		c.logger.Info("Tearing down session")
		if frame != nil {
			recv.ReleaseFrame(frame)
		}
		recv.Close()
	}
}

// HandleTouch forwards a finger-up interaction at normalized display
// coordinates to the remote session.
func (c *Client) HandleTouch(x, y float32) {
	c.mu.Lock()
	recv := c.receiver
	c.mu.Unlock()
	if recv == nil {
		return
	}

	event := remote.InputEvent{Touch: remote.TouchFingerUp, X: x, Y: y}
	if err := recv.SendInput(event); err != nil {
		c.logger.Debug("Dropped input event", zap.Error(err))
	}
}

// SendLightProps forwards an environmental HDR lighting estimate to the
// remote renderer.
func (c *Client) SendLightProps(direction, intensity [3]float32, ambientSH [27]float32) {
	c.mu.Lock()
	recv := c.receiver
	c.mu.Unlock()
	if recv == nil {
		return
	}

	props := remote.LightProperties{
		PrimaryDirection: direction,
		PrimaryIntensity: intensity,
		AmbientSH:        ambientSH,
	}
	if err := recv.SendLightProperties(props); err != nil {
		c.logger.Debug("Dropped light properties", zap.Error(err))
	}
}

// TrackingState implements remote.Callbacks. The runtime calls it from its
// own context whenever it needs the latest device pose.
func (c *Client) TrackingState() remote.TrackingState {
	return remote.TrackingState{
		Pose:            c.poses.Latest(),
		PoseValid:       true,
		DeviceConnected: true,
		Result:          remote.TrackingResultRunningOK,
	}
}

// TriggerHaptic implements remote.Callbacks. Haptic requests are accepted
// and ignored; the handheld form factor has no rumble path.
func (c *Client) TriggerHaptic(remote.HapticFeedback) {}

// RenderAudio implements remote.Callbacks, playing one inbound audio frame
// through the playback endpoint.
func (c *Client) RenderAudio(frame remote.AudioFrame) bool {
	c.mu.Lock()
	bridge := c.bridge
	c.mu.Unlock()
	if bridge == nil {
		return false
	}
	return bridge.RenderAudio(frame)
}

// captureSender resolves the receiver at send time, so the capture callback
// opened before receiver creation simply drops batches until the session is
// live.
type captureSender struct {
	c *Client
}

func (s captureSender) SendAudio(frame remote.AudioFrame) error {
	s.c.mu.Lock()
	recv := s.c.receiver
	s.c.mu.Unlock()
	if recv == nil {
		return remote.ErrNotRunning
	}
	return recv.SendAudio(frame)
}
