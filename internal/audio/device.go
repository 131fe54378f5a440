// Package audio bridges the local audio hardware and the remote session:
// inbound audio frames are played on the local output device, and locally
// captured samples are forwarded to the remote runtime.
package audio

import "time"

// Stream format mandated by the remote runtime: 16-bit interleaved stereo
// PCM at 48 kHz.
const (
	SampleRate   = 48000
	ChannelCount = 2
	SampleSize   = 2 // bytes per sample (16-bit PCM)

	// BytesPerMS is the wire size of one millisecond of audio.
	BytesPerMS = SampleRate * ChannelCount * SampleSize / 1000
)

// CallbackResult tells the capture driver whether to keep invoking the data
// callback.
type CallbackResult int

const (
	CallbackContinue CallbackResult = iota
	CallbackStop
)

// DataCallback is invoked by the capture hardware on its own cadence with a
// batch of interleaved samples. Returning CallbackStop ends future callbacks.
type DataCallback func(samples []byte, frames int) CallbackResult

// InputPreset selects the hardware input processing profile.
type InputPreset int

const (
	PresetDefault InputPreset = iota
	// PresetVoiceComm enables hardware echo cancellation and noise
	// suppression where the device supports it.
	PresetVoiceComm
)

// StreamConfig describes the fixed endpoint format requested from the
// hardware.
type StreamConfig struct {
	SampleRate int
	Channels   int
	// SampleBytes is the size of one sample; only 16-bit PCM (2) is used.
	SampleBytes int
	InputPreset InputPreset
}

// DefaultStreamConfig returns the runtime-mandated endpoint format.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		SampleRate:  SampleRate,
		Channels:    ChannelCount,
		SampleBytes: SampleSize,
	}
}

// Stream is one open hardware audio stream.
type Stream interface {
	// Start begins audio flow on the stream.
	Start() error
	// Stop halts audio flow; the stream can not be restarted.
	Stop() error
	// Close releases the stream handle.
	Close() error
	// Write plays frames sample frames from buf, blocking at most timeout.
	// It returns the number of frames written.
	Write(buf []byte, frames int, timeout time.Duration) (int, error)
	// FramesPerBurst is the device's preferred write granularity.
	FramesPerBurst() int
	// SetBufferFrames resizes the device-side buffer.
	SetBufferFrames(frames int) error
}

// Device is the local audio hardware interface. Implementations wrap the
// platform audio layer; tests use in-memory fakes.
type Device interface {
	OpenPlayback(cfg StreamConfig) (Stream, error)
	OpenCapture(cfg StreamConfig, cb DataCallback) (Stream, error)
}
