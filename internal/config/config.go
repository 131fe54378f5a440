// Package config loads the bridge configuration from file, environment, and
// CLI flags, and builds the application logger.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Resolution scale factor bounds accepted from configuration.
const (
	MinResFactor = 0.5
	MaxResFactor = 1.0
	// DefaultResFactor keeps the stream within the throughput most
	// handheld devices can sustain.
	DefaultResFactor = 0.75
)

// Config holds all configuration for the application.
type Config struct {
	// Global configuration
	Debug      bool   `yaml:"debug" mapstructure:"debug"`
	LogLevel   string `yaml:"log_level" mapstructure:"log_level"`
	LogFile    string `yaml:"log_file" mapstructure:"log_file"`
	ConfigFile string `yaml:"config" mapstructure:"config"`

	// Streaming client configuration
	Client ClientConfig `yaml:"client" mapstructure:"client"`
}

// ClientConfig holds configuration for the streaming client.
type ClientConfig struct {
	// ServerAddress of the remote streaming runtime. Required to connect;
	// its absence is reported but does not hard-fail startup.
	ServerAddress string `yaml:"server_address" mapstructure:"server_address"`

	// ResFactor scales the display resolution offered to the server.
	// Values outside [0.5, 1.0] are ignored and the prior value retained.
	ResFactor float32 `yaml:"res_factor" mapstructure:"res_factor"`

	// EnvLighting sends client environment lighting data to the server.
	EnvLighting bool `yaml:"env_lighting" mapstructure:"env_lighting"`

	ReceiveAudio bool `yaml:"receive_audio" mapstructure:"receive_audio"`
	SendAudio    bool `yaml:"send_audio" mapstructure:"send_audio"`

	// Connection options passed verbatim to the runtime.
	MaxVideoBitrateKbps int    `yaml:"max_bitrate_kbps" mapstructure:"max_bitrate_kbps"`
	ClientNetwork       int    `yaml:"network" mapstructure:"network"`
	Topology            int    `yaml:"topology" mapstructure:"topology"`
	DebugFlags          uint32 `yaml:"debug_flags" mapstructure:"debug_flags"`

	// Display geometry for descriptor derivation.
	RefreshRate   int `yaml:"refresh_rate" mapstructure:"refresh_rate"`
	DisplayWidth  int `yaml:"display_width" mapstructure:"display_width"`
	DisplayHeight int `yaml:"display_height" mapstructure:"display_height"`
	Orientation   int `yaml:"orientation" mapstructure:"orientation"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Debug:    false,
		LogLevel: "info",
		LogFile:  "",
		Client: ClientConfig{
			ResFactor:     DefaultResFactor,
			EnvLighting:   true,
			ReceiveAudio:  true,
			SendAudio:     true,
			RefreshRate:   60,
			DisplayWidth:  720,
			DisplayHeight: 1440,
		},
	}
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configFile string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := DefaultConfig()

	// Use a local viper instance to avoid conflicts with flag bindings
	v := viper.New()
	v.SetConfigType("yaml")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
			// Config file not found; ignore error
		}
	}

	v.SetEnvPrefix("ARBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return config, nil
}

// NewLogger creates a zap logger based on the configuration.
func (c *Config) NewLogger() (*zap.Logger, error) {
	var level zapcore.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		if c.Debug {
			level = zapcore.DebugLevel
		} else {
			level = zapcore.InfoLevel
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level.SetLevel(level)

	// Include caller info in log messages (relative path and line number)
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	if c.LogFile != "" {
		// Log to file and console
		cfg.OutputPaths = []string{c.LogFile, "stdout"}
		cfg.ErrorOutputPaths = []string{c.LogFile, "stderr"}
	} else {
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("error creating logger: %w", err)
	}

	return logger, nil
}

// NormalizeClientConfig clamps invalid values back to their defaults and
// reports user-facing configuration problems. A missing server address is
// reported but never fails startup.
func (c *Config) NormalizeClientConfig(logger *zap.Logger) {
	if c.Client.ResFactor < MinResFactor || c.Client.ResFactor > MaxResFactor {
		logger.Warn("Resolution factor out of range, keeping default",
			zap.Float32("requested", c.Client.ResFactor),
			zap.Float32("default", DefaultResFactor))
		c.Client.ResFactor = DefaultResFactor
	}

	if c.Client.RefreshRate <= 0 {
		c.Client.RefreshRate = 60
	}

	if c.Client.ServerAddress == "" {
		logger.Error("No server address specified yet to connect to")
	}
}
