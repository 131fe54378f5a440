package client

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/openxrtools/arbridge/internal/remote"
)

// statsIntervalSec is the approximate link quality sampling cadence. The
// countdown is measured in frames and rederived from the last observed
// frame rate.
const statsIntervalSec = 3

// SampleStats decrements the per-frame countdown and, when it expires, logs
// one link quality line. Pure observability: it never changes connection
// behavior.
func (c *Client) SampleStats() {
	c.mu.Lock()
	c.framesUntilStats--
	expired := c.framesUntilStats <= 0
	recv := c.receiver
	fps := c.fps
	c.mu.Unlock()

	if !expired || recv == nil {
		return
	}

	stats, err := recv.Stats()
	if err != nil {
		// Retry next frame until the runtime publishes a snapshot.
		return
	}

	fields := []zap.Field{
		zap.Float32("fps", stats.FramesPerSecond),
		zap.Int("bitrate_kbps", stats.BandwidthUtilizationKbps),
		zap.Int("latency_ms", stats.RoundTripDelayMS),
		zap.String("quality", qualityBar(stats.Quality)),
	}
	if reason := qualityReason(stats); reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	c.logger.Info("Connection stats", fields...)

	next := int(stats.FramesPerSecond) * statsIntervalSec
	if next <= 0 {
		next = fps * statsIntervalSec
	}
	c.mu.Lock()
	c.framesUntilStats = next
	c.mu.Unlock()
}

// qualityBar renders the five-level quality tier as a signal strength bar.
func qualityBar(q remote.ConnectionQuality) string {
	bar := make([]byte, 5)
	levels := []remote.ConnectionQuality{
		remote.QualityBad,
		remote.QualityPoor,
		remote.QualityFair,
		remote.QualityGood,
		remote.QualityExcellent,
	}
	for i, level := range levels {
		if q >= level {
			bar[i] = '#'
		} else {
			bar[i] = '_'
		}
	}
	return "[" + string(bar) + "]"
}

// qualityReason picks the single most impactful degradation cause to show.
// Reported only at fair quality or worse; priority order is estimating >
// latency > bandwidth > packet loss.
func qualityReason(stats remote.ConnectionStats) string {
	if stats.Quality > remote.QualityFair {
		return ""
	}

	switch {
	case stats.QualityReasons == remote.ReasonEstimatingQuality:
		return "estimating quality"
	case stats.QualityReasons&remote.ReasonHighLatency != 0:
		return fmt.Sprintf("high latency (%d ms)", stats.RoundTripDelayMS)
	case stats.QualityReasons&remote.ReasonLowBandwidth != 0:
		return fmt.Sprintf("low bandwidth (%d kbps available)", stats.BandwidthAvailableKbps)
	case stats.QualityReasons&remote.ReasonHighPacketLoss != 0:
		if stats.TotalPacketsLost == 0 || stats.TotalPacketsReceived == 0 {
			return "high packet loss (recoverable)"
		}
		return fmt.Sprintf("high packet loss (%.1f%%)",
			100*float64(stats.TotalPacketsLost)/float64(stats.TotalPacketsReceived))
	}
	return ""
}
