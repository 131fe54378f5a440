package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/uuid/v5"
	"github.com/openxrtools/arbridge/client"
	"github.com/openxrtools/arbridge/internal/audio"
	"github.com/openxrtools/arbridge/internal/remote"
	"github.com/openxrtools/arbridge/internal/trace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to a streaming server and drive the frame loop",
		Long: `Run connects to the configured streaming server and drives the
latch/render/release loop at the display refresh rate until interrupted.

Without a host renderer attached this runs headless: remote frames are
latched, accounted and released without being drawn, which is useful for
soaking a server or validating connectivity.`,
		RunE: runBridge,
	}

	cmd.Flags().String("server", "", "streaming server address (host[:port] or ws:// URL)")
	cmd.Flags().Float64("res-factor", 0, "stream resolution scale factor (0.5 - 1.0)")
	cmd.Flags().Bool("env-lighting", true, "forward estimated environment lighting to the server")
	cmd.Flags().Int("max-bitrate", 0, "maximum video bitrate in kbps (0 = server default)")
	cmd.Flags().Int("refresh-rate", 0, "display refresh rate in Hz")
	cmd.Flags().Int("width", 0, "display width in pixels")
	cmd.Flags().Int("height", 0, "display height in pixels")
	cmd.Flags().Int("orientation", 0, "display orientation (0-3, quarter turns)")
	cmd.Flags().String("trace-file", "", "record latched-frame trace to this file (zip-compressed JSON lines)")

	viper.BindPFlag("client.server_address", cmd.Flags().Lookup("server"))
	viper.BindPFlag("client.res_factor", cmd.Flags().Lookup("res-factor"))
	viper.BindPFlag("client.env_lighting", cmd.Flags().Lookup("env-lighting"))
	viper.BindPFlag("client.max_bitrate_kbps", cmd.Flags().Lookup("max-bitrate"))
	viper.BindPFlag("client.refresh_rate", cmd.Flags().Lookup("refresh-rate"))
	viper.BindPFlag("client.display_width", cmd.Flags().Lookup("width"))
	viper.BindPFlag("client.display_height", cmd.Flags().Lookup("height"))
	viper.BindPFlag("client.orientation", cmd.Flags().Lookup("orientation"))

	return cmd
}

func runBridge(cmd *cobra.Command, args []string) error {
	// Flag overrides win over the config file, but only when given
	// explicitly; bound defaults must not clobber file values.
	if cmd.Flags().Changed("server") {
		cfg.Client.ServerAddress = viper.GetString("client.server_address")
	}
	if cmd.Flags().Changed("res-factor") {
		cfg.Client.ResFactor = float32(viper.GetFloat64("client.res_factor"))
	}
	if cmd.Flags().Changed("env-lighting") {
		cfg.Client.EnvLighting = viper.GetBool("client.env_lighting")
	}
	if cmd.Flags().Changed("max-bitrate") {
		cfg.Client.MaxVideoBitrateKbps = viper.GetInt("client.max_bitrate_kbps")
	}
	if cmd.Flags().Changed("refresh-rate") {
		cfg.Client.RefreshRate = viper.GetInt("client.refresh_rate")
	}
	if cmd.Flags().Changed("width") {
		cfg.Client.DisplayWidth = viper.GetInt("client.display_width")
	}
	if cmd.Flags().Changed("height") {
		cfg.Client.DisplayHeight = viper.GetInt("client.display_height")
	}
	if cmd.Flags().Changed("orientation") {
		cfg.Client.Orientation = viper.GetInt("client.orientation")
	}

	cfg.NormalizeClientConfig(logger)
	if cfg.Client.ServerAddress == "" {
		return errors.New("no streaming server configured; set --server or client.server_address")
	}

	opts := client.DefaultOptions()
	opts.ServerAddress = cfg.Client.ServerAddress
	opts.ResFactor = cfg.Client.ResFactor
	opts.EnvLighting = cfg.Client.EnvLighting
	opts.ReceiveAudio = cfg.Client.ReceiveAudio
	opts.SendAudio = cfg.Client.SendAudio
	opts.MaxVideoBitrateKbps = cfg.Client.MaxVideoBitrateKbps
	opts.ClientNetwork = cfg.Client.ClientNetwork
	opts.Topology = cfg.Client.Topology
	opts.DebugFlags = cfg.Client.DebugFlags

	compositor := &headlessCompositor{logger: logger}

	var traceDone chan error
	if traceFile, _ := cmd.Flags().GetString("trace-file"); traceFile != "" {
		strategy, err := trace.NewZipWriterStrategy(traceFile)
		if err != nil {
			return fmt.Errorf("failed to open trace file: %w", err)
		}
		sessionID := uuid.Must(uuid.NewV4()).String()
		session := trace.NewSession(context.Background(), logger, traceFile, sessionID, strategy)
		traceDone = make(chan error, 1)
		go func() { traceDone <- session.ProcessEvents() }()
		compositor.trace = session
		defer func() {
			session.Close()
			if err := <-traceDone; err != nil {
				logger.Error("trace session ended with error", zap.Error(err))
			}
		}()
	}

	c := client.New(logger, opts, audio.NopDevice{}, compositor,
		func(lg *zap.Logger, desc remote.DeviceDescriptor, cb remote.Callbacks) (remote.Receiver, error) {
			recv, err := remote.NewWebSocketReceiver(lg, desc, cb)
			if err != nil {
				return nil, err
			}
			return recv, nil
		})

	c.SetFPS(cfg.Client.RefreshRate)
	c.SetStreamRes(uint32(cfg.Client.DisplayWidth), uint32(cfg.Client.DisplayHeight), cfg.Client.Orientation)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := client.NewLoop(logger, c, newStationaryTracker(), compositor)

	logger.Info("starting frame loop",
		zap.String("server", cfg.Client.ServerAddress),
		zap.Int("refresh_rate", cfg.Client.RefreshRate))

	err := loop.Run(ctx, cfg.Client.RefreshRate)
	c.Teardown()
	if err != nil {
		return fmt.Errorf("session ended: %w", err)
	}

	logger.Info("frame loop stopped")
	return nil
}

// stationaryTracker reports a fixed, calibrated device pose. It stands in
// for a real motion tracker when running headless.
type stationaryTracker struct{}

func newStationaryTracker() *stationaryTracker {
	return &stationaryTracker{}
}

func (t *stationaryTracker) Update(ctx context.Context) (client.TrackingFrame, error) {
	frame := client.TrackingFrame{
		Status:     client.TrackingOK,
		Calibrated: true,
		Light: client.LightEstimate{
			Valid:           true,
			ColorCorrection: client.DefaultColorCorrection,
		},
	}
	for i := 0; i < 4; i++ {
		frame.Pose[i][i] = 1
	}
	// Symmetric 90 degree frustum, near 0.1 / far 100.
	frame.Projection[0][0] = 1
	frame.Projection[1][1] = 1
	frame.Projection[2][2] = -1.002
	frame.Projection[2][3] = -1
	frame.Projection[3][2] = -0.2002
	return frame, nil
}

// headlessCompositor accounts frames without drawing them.
type headlessCompositor struct {
	logger *zap.Logger
	trace  *trace.Session

	frames     uint64
	lastOffset int
}

func (h *headlessCompositor) DrawBackground(offset int) {
	h.lastOffset = offset
}

func (h *headlessCompositor) CompositeFrame(frame *remote.Frame, cc client.ColorCorrection) {
	h.frames++
	if h.trace != nil {
		err := h.trace.Record(&trace.Event{
			TimestampNS: frame.TimestampNS,
			FrameID:     frame.ID,
			PoseOffset:  h.lastOffset,
			Pose:        frame.Pose,
		})
		if err != nil {
			h.logger.Debug("dropped trace event", zap.Error(err))
		}
	}
	if h.frames%600 == 0 {
		h.logger.Debug("composited frames",
			zap.Uint64("count", h.frames),
			zap.Uint64("last_frame_id", frame.ID),
			zap.Int("pose_offset", h.lastOffset))
	}
}

func (h *headlessCompositor) DrawIdle() {}
