// Package remote defines the client-side view of the remote streaming
// runtime: the session types exchanged at connect time, the frame and audio
// payloads, and the Receiver a connected session is driven through.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/openxrtools/arbridge/internal/pose"
)

var (
	// ErrFrameNotReady is the transient latch condition: no frame arrived
	// within the timeout. Callers retry on the next cycle.
	ErrFrameNotReady = errors.New("remote frame not ready")
	// ErrNotRunning is the fatal latch condition: the receiver is gone.
	ErrNotRunning = errors.New("receiver is not running")
	// ErrConnectionFailed wraps a failed connect handshake.
	ErrConnectionFailed = errors.New("connection to remote runtime failed")
	// ErrWriteRefused signals back-pressure on the outgoing link; the write
	// was dropped rather than blocking the caller.
	ErrWriteRefused = errors.New("outgoing write refused")
)

// DeviceDescriptor is the negotiated capability/parameter set sent to the
// remote runtime at connect time.
type DeviceDescriptor struct {
	Width                 uint32  `json:"width"`
	Height                uint32  `json:"height"`
	FPS                   float32 `json:"fps"`
	MaxResFactor          float32 `json:"max_res_factor"`
	IPD                   float32 `json:"ipd"`
	PredOffset            float32 `json:"pred_offset"`
	ReceiveAudio          bool    `json:"receive_audio"`
	SendAudio             bool    `json:"send_audio"`
	DisablePosePrediction bool    `json:"disable_pose_prediction"`
	// Proj holds per-eye {left, right, -top, -bottom} frustum tangents.
	// Only the left eye is populated for mono rendering; the right-eye
	// vertical terms are always zero.
	Proj [2][4]float32 `json:"proj"`
}

// ConnectionOptions are consumed verbatim by the runtime at connect time.
type ConnectionOptions struct {
	ServerAddress       string `json:"server_address"`
	MaxVideoBitrateKbps int    `json:"max_video_bitrate_kbps"`
	ClientNetwork       int    `json:"client_network"`
	Topology            int    `json:"topology"`
	DebugFlags          uint32 `json:"debug_flags"`
}

// Frame is one remotely rendered frame together with the device pose the
// remote side rendered it against. It is valid between a successful latch
// and the matching release.
type Frame struct {
	ID          uint64        `json:"id"`
	Pose        pose.Matrix34 `json:"pose"`
	TimestampNS int64         `json:"timestamp_ns"`
	Payload     []byte        `json:"payload"`
}

// AudioFrame is a batch of interleaved 16-bit stereo PCM samples.
type AudioFrame struct {
	Data []byte `json:"data"`
}

// TrackingResult mirrors the runtime's tracking status codes.
type TrackingResult int

const (
	TrackingResultRunningOK TrackingResult = iota
	TrackingResultRunningOutOfRange
	TrackingResultFallbackRotationOnly
)

// TrackingState is returned to the runtime whenever it asks for the latest
// device pose.
type TrackingState struct {
	Pose            pose.Matrix34  `json:"pose"`
	PoseValid       bool           `json:"pose_valid"`
	DeviceConnected bool           `json:"device_connected"`
	Result          TrackingResult `json:"result"`
}

// HapticFeedback is a haptic pulse request from the runtime. The client
// accepts and ignores these.
type HapticFeedback struct {
	DurationMS int     `json:"duration_ms"`
	Amplitude  float32 `json:"amplitude"`
}

// TouchEventType enumerates the forwarded touch gestures.
type TouchEventType int

// TouchFingerUp is the only gesture the client forwards.
const TouchFingerUp TouchEventType = 1

// InputEvent is a user interaction forwarded to the remote session.
// Coordinates are normalized to the display surface.
type InputEvent struct {
	Touch TouchEventType `json:"touch"`
	X     float32        `json:"x"`
	Y     float32        `json:"y"`
}

// LightProperties carries the tracking subsystem's environmental HDR
// lighting estimate to the remote renderer.
type LightProperties struct {
	PrimaryDirection [3]float32  `json:"primary_direction"`
	PrimaryIntensity [3]float32  `json:"primary_intensity"`
	AmbientSH        [27]float32 `json:"ambient_sh"`
}

// ConnectionQuality is the five-level link quality tier.
type ConnectionQuality int

const (
	QualityUnknown ConnectionQuality = iota
	QualityBad
	QualityPoor
	QualityFair
	QualityGood
	QualityExcellent
)

// QualityReason is a bitmask of quality-degradation causes.
type QualityReason uint32

const (
	ReasonEstimatingQuality QualityReason = 1 << iota
	ReasonHighLatency
	ReasonLowBandwidth
	ReasonHighPacketLoss
)

// ConnectionStats is a periodic snapshot of link quality. It is recomputed
// every sampling window and not retained historically.
type ConnectionStats struct {
	FramesPerSecond          float32           `json:"frames_per_second"`
	BandwidthUtilizationKbps int               `json:"bandwidth_utilization_kbps"`
	BandwidthAvailableKbps   int               `json:"bandwidth_available_kbps"`
	RoundTripDelayMS         int               `json:"round_trip_delay_ms"`
	Quality                  ConnectionQuality `json:"quality"`
	QualityReasons           QualityReason     `json:"quality_reasons"`
	TotalPacketsReceived     uint64            `json:"total_packets_received"`
	TotalPacketsLost         uint64            `json:"total_packets_lost"`
}

// Callbacks is the capability object the client hands to the runtime. The
// runtime invokes these from its own contexts, independent of the render
// cycle.
type Callbacks interface {
	// TrackingState returns the latest submitted device pose.
	TrackingState() TrackingState
	// TriggerHaptic requests a haptic pulse on the device.
	TriggerHaptic(HapticFeedback)
	// RenderAudio plays one inbound audio frame. It reports whether the
	// frame was accepted; rejection signals back-pressure, not an error.
	RenderAudio(AudioFrame) bool
}

// Receiver is a session handle to the remote streaming runtime.
type Receiver interface {
	// Connect issues the synchronous connect handshake to the configured
	// server address.
	Connect(ctx context.Context, opts ConnectionOptions) error
	// LatchFrame blocks up to timeout for the next remote frame. It returns
	// ErrFrameNotReady when the timeout elapses and ErrNotRunning once the
	// receiver has been closed.
	LatchFrame(timeout time.Duration) (*Frame, error)
	// ReleaseFrame returns a latched frame to the runtime.
	ReleaseFrame(*Frame) error
	// SendAudio forwards one captured audio frame to the remote session.
	SendAudio(AudioFrame) error
	// SendInput forwards a user input event to the remote session.
	SendInput(InputEvent) error
	// SendLightProperties forwards an environmental lighting estimate.
	SendLightProperties(LightProperties) error
	// Stats returns the most recent link quality snapshot.
	Stats() (ConnectionStats, error)
	// Close destroys the receiver. Safe to call more than once.
	Close() error
}
