package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/openxrtools/arbridge/internal/remote"
)

// LatchTimeout bounds how long a render cycle waits for the next remote
// frame before reporting the transient not-ready condition.
const LatchTimeout = 150 * time.Millisecond

// Latch acquires exclusive access to the next remote frame. It is
// idempotent: while a frame is already latched it succeeds without fetching.
// Without a running session it fails immediately with remote.ErrNotRunning;
// otherwise it blocks up to LatchTimeout and reports remote.ErrFrameNotReady
// when no frame arrived — the caller retries on the next cycle.
func (c *Client) Latch() error {
	c.mu.Lock()
	if c.latched != nil {
		c.mu.Unlock()
		return nil
	}
	recv := c.receiver
	c.mu.Unlock()

	if recv == nil {
		return remote.ErrNotRunning
	}

	frame, err := recv.LatchFrame(LatchTimeout)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.receiver != recv {
		// Torn down while the latch was in flight; hand the frame back.
		c.mu.Unlock()
		recv.ReleaseFrame(frame)
		return remote.ErrNotRunning
	}
	c.latched = frame
	c.mu.Unlock()
	return nil
}

// Release returns the latched frame to the runtime. No-op when nothing is
// latched; a second Release does nothing.
func (c *Client) Release() {
	c.mu.Lock()
	recv, frame := c.receiver, c.latched
	c.latched = nil
	c.mu.Unlock()

	if recv == nil || frame == nil {
		return
	}
	if err := recv.ReleaseFrame(frame); err != nil {
		c.logger.Debug("Failed to release frame", zap.Error(err))
	}
}

// Render composites the latched frame through the external compositor with
// the supplied color correction. No-op unless a session is running and a
// frame is latched.
func (c *Client) Render(cc ColorCorrection) {
	c.mu.Lock()
	recv, frame := c.receiver, c.latched
	c.mu.Unlock()

	if recv == nil || frame == nil {
		return
	}
	c.compositor.CompositeFrame(frame, cc)
}
