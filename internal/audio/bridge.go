package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openxrtools/arbridge/internal/remote"
)

// Sender forwards captured audio frames to the remote session. Satisfied by
// remote.Receiver.
type Sender interface {
	SendAudio(remote.AudioFrame) error
}

// Bridge owns the two optional half-duplex audio endpoints of a session.
// Either endpoint may be absent; the other keeps working.
type Bridge struct {
	logger *zap.Logger
	device Device

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	playback Stream
	capture  Stream
}

// NewBridge creates a bridge over the given hardware device. The parent
// context is the session cancellation token: once it is done, playback
// writes are refused and the capture callback stops the driver.
func NewBridge(parent context.Context, logger *zap.Logger, device Device) *Bridge {
	ctx, cancel := context.WithCancel(parent)
	return &Bridge{
		logger: logger.With(zap.String("component", "audio_bridge")),
		device: device,
		ctx:    ctx,
		cancel: cancel,
	}
}

// StartPlayback opens and starts the local output stream. On any failure the
// half-open stream is closed and the error returned; the caller clears the
// receive-audio capability and proceeds.
func (b *Bridge) StartPlayback() error {
	stream, err := b.device.OpenPlayback(DefaultStreamConfig())
	if err != nil {
		return fmt.Errorf("failed to open playback stream: %w", err)
	}

	if err := stream.SetBufferFrames(stream.FramesPerBurst() * 2); err != nil {
		stream.Close()
		return fmt.Errorf("failed to size playback buffer: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start playback stream: %w", err)
	}

	b.mu.Lock()
	b.playback = stream
	b.mu.Unlock()

	b.logger.Info("Playback endpoint started")
	return nil
}

// StartCapture opens and starts the local input stream with the
// voice-communication preset. Captured batches are packaged into audio
// frames and forwarded to the remote session until the bridge is closed.
func (b *Bridge) StartCapture(sender Sender) error {
	cfg := DefaultStreamConfig()
	cfg.InputPreset = PresetVoiceComm

	stream, err := b.device.OpenCapture(cfg, func(samples []byte, frames int) CallbackResult {
		select {
		case <-b.ctx.Done():
			return CallbackStop
		default:
		}

		frame := remote.AudioFrame{Data: make([]byte, frames*ChannelCount*SampleSize)}
		copy(frame.Data, samples)
		if err := sender.SendAudio(frame); err != nil {
			b.logger.Debug("Dropped captured audio frame", zap.Error(err))
		}
		return CallbackContinue
	})
	if err != nil {
		return fmt.Errorf("failed to open capture stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start capture stream: %w", err)
	}

	b.mu.Lock()
	b.capture = stream
	b.mu.Unlock()

	b.logger.Info("Capture endpoint started")
	return nil
}

// RenderAudio plays one inbound audio frame on the local output device,
// blocking at most the frame's own playback duration. It reports false when
// the write is refused: no playback endpoint, session ending, or a device
// write failure.
func (b *Bridge) RenderAudio(frame remote.AudioFrame) bool {
	b.mu.Lock()
	stream := b.playback
	b.mu.Unlock()

	if stream == nil {
		return false
	}
	select {
	case <-b.ctx.Done():
		return false
	default:
	}

	durationMS := len(frame.Data) / BytesPerMS
	frames := durationMS * SampleRate / 1000

	if _, err := stream.Write(frame.Data, frames, time.Duration(durationMS)*time.Millisecond); err != nil {
		b.logger.Debug("Playback write failed", zap.Error(err))
		return false
	}
	return true
}

// Close stops and closes both endpoints. Idempotent.
func (b *Bridge) Close() {
	b.cancel()

	b.mu.Lock()
	playback, capture := b.playback, b.capture
	b.playback, b.capture = nil, nil
	b.mu.Unlock()

	for _, stream := range []Stream{playback, capture} {
		if stream == nil {
			continue
		}
		if err := stream.Stop(); err != nil {
			b.logger.Warn("Failed to stop audio stream", zap.Error(err))
		}
		if err := stream.Close(); err != nil {
			b.logger.Warn("Failed to close audio stream", zap.Error(err))
		}
	}
}
