package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openxrtools/arbridge/internal/pose"
	"github.com/openxrtools/arbridge/internal/remote"
)

// TrackingStatus is the tracking subsystem's camera state for one cycle.
type TrackingStatus int

const (
	TrackingOK TrackingStatus = iota
	TrackingPaused
	TrackingStopped
)

// FailureReason explains a paused tracking state.
type FailureReason int

const (
	FailureNone FailureReason = iota
	FailureBadState
	FailureInsufficientLight
	FailureExcessiveMotion
	FailureInsufficientFeatures
)

func (r FailureReason) message() string {
	switch r {
	case FailureBadState:
		return "Camera tracking lost due to bad internal state."
	case FailureInsufficientLight:
		return "Camera tracking lost due to insufficient lighting. Please move to a brighter area."
	case FailureExcessiveMotion:
		return "Camera tracking lost due to excessive motion. Please move more slowly."
	case FailureInsufficientFeatures:
		return "Camera tracking lost due to insufficient visual features. Move to an area with more surface detail."
	}
	return ""
}

// LightEstimate is the per-cycle lighting estimation output forwarded by the
// tracking subsystem.
type LightEstimate struct {
	// Valid environmental HDR estimate, forwarded when env lighting is on.
	Direction [3]float32
	Intensity [3]float32
	AmbientSH [27]float32
	// ColorCorrection is the fallback estimate applied locally.
	ColorCorrection ColorCorrection
	Valid           bool
}

// TrackingFrame is everything the tracking subsystem supplies for one
// display refresh.
type TrackingFrame struct {
	Status TrackingStatus
	Reason FailureReason
	// Pose is the device camera-to-world transform for this cycle, already
	// expressed in the calibrated base frame.
	Pose pose.Mat4
	// Projection is the camera projection matrix.
	Projection pose.Mat4
	// Calibrated is true once the base frame has been established.
	Calibrated bool
	Light      LightEstimate
}

// Tracker is the device motion/tracking subsystem. Update is called once per
// display refresh; a returned error is fatal to the session.
type Tracker interface {
	Update(ctx context.Context) (TrackingFrame, error)
}

// Loop drives the per-refresh cycle: push pose, connect once calibrated,
// latch, reconcile offset, composite, release, sample stats. It runs on a
// single render context and never blocks beyond the latch timeout.
type Loop struct {
	logger     *zap.Logger
	client     *Client
	tracker    Tracker
	compositor Compositor

	// Cached so tracking-loss messages are logged once per transition, not
	// every cycle.
	lastStatus TrackingStatus
	lastReason FailureReason
}

// NewLoop wires the render cycle over a client, a tracker, and a compositor.
func NewLoop(logger *zap.Logger, c *Client, tracker Tracker, compositor Compositor) *Loop {
	return &Loop{
		logger:     logger.With(zap.String("component", "render_loop")),
		client:     c,
		tracker:    tracker,
		compositor: compositor,
	}
}

// Step runs one display refresh. Once ctx is cancelled it stops issuing
// latches and drains to an idle frame. A non-nil error is session-fatal: the
// session has been torn down and the hosting shell decides on termination.
func (l *Loop) Step(ctx context.Context) error {
	select {
	case <-ctx.Done():
		l.compositor.DrawIdle()
		return ctx.Err()
	default:
	}

	tf, err := l.tracker.Update(ctx)
	if err != nil {
		return fmt.Errorf("tracking subsystem failed: %w", err)
	}

	if !l.observeTracking(tf) {
		// Camera is not tracking; reuse the most recent background frame.
		l.compositor.DrawBackground(0)
		return nil
	}

	if !tf.Calibrated {
		// Keep pulling frames while recalibrating so the stream does not
		// back up, but draw only the camera background.
		if l.client.IsRunning() {
			if err := l.client.Latch(); err == nil {
				l.client.Release()
			}
		}
		l.compositor.DrawBackground(0)
		return nil
	}

	l.client.PushPose(pose.TransformFromMat4(tf.Pose))

	if !l.client.IsRunning() {
		l.client.SetProjection(tf.Projection)
		if err := l.client.Connect(ctx); err != nil {
			return err
		}
	}

	err = l.client.Latch()
	haveFrame := err == nil
	switch {
	case haveFrame:
	case errors.Is(err, remote.ErrNotRunning):
		l.client.Teardown()
		return fmt.Errorf("session ended: %w", err)
	case errors.Is(err, remote.ErrFrameNotReady):
		l.logger.Debug("Remote frame not ready")
	default:
		l.logger.Warn("Latch failed", zap.Error(err))
	}

	offset := 0
	if haveFrame {
		offset = l.client.PoseOffset()
	}
	l.compositor.DrawBackground(offset)

	cc := DefaultColorCorrection
	if tf.Light.Valid {
		if l.client.EnvLighting() {
			l.client.SendLightProps(tf.Light.Direction, tf.Light.Intensity, tf.Light.AmbientSH)
		} else {
			cc = tf.Light.ColorCorrection
		}
	}

	if haveFrame {
		l.client.Render(cc)
		l.client.Release()
		l.client.SampleStats()
	}
	return nil
}

// observeTracking logs tracking-state transitions once and reports whether
// the camera is currently tracking.
func (l *Loop) observeTracking(tf TrackingFrame) bool {
	defer func() {
		l.lastStatus = tf.Status
		l.lastReason = tf.Reason
	}()

	switch tf.Status {
	case TrackingOK:
		return true
	case TrackingStopped:
		if tf.Status != l.lastStatus {
			l.logger.Info("Camera tracking is in STOPPED state")
		}
	case TrackingPaused:
		if tf.Status != l.lastStatus {
			l.logger.Info("Camera tracking is PAUSED")
		}
		if tf.Reason != l.lastReason {
			if msg := tf.Reason.message(); msg != "" {
				l.logger.Error(msg)
			}
		}
	}
	return false
}

// Run drives Step at the given refresh rate until the context is cancelled
// or a session-fatal error occurs. Context cancellation is a clean exit.
func (l *Loop) Run(ctx context.Context, refreshRate int) error {
	if refreshRate <= 0 {
		refreshRate = defaultFPS
	}
	ticker := time.NewTicker(time.Second / time.Duration(refreshRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.compositor.DrawIdle()
			return nil
		case <-ticker.C:
			if err := l.Step(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
	}
}
