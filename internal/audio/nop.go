package audio

import "time"

// NopDevice is a Device with no hardware behind it: playback discards
// samples and capture never produces any. Used by headless hosts that have
// no platform audio glue.
type NopDevice struct{}

func (NopDevice) OpenPlayback(cfg StreamConfig) (Stream, error) {
	return nopStream{}, nil
}

func (NopDevice) OpenCapture(cfg StreamConfig, cb DataCallback) (Stream, error) {
	return nopStream{}, nil
}

type nopStream struct{}

func (nopStream) Start() error { return nil }
func (nopStream) Stop() error  { return nil }
func (nopStream) Close() error { return nil }
func (nopStream) Write(buf []byte, frames int, timeout time.Duration) (int, error) {
	return frames, nil
}
func (nopStream) FramesPerBurst() int              { return 192 }
func (nopStream) SetBufferFrames(frames int) error { return nil }
