package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/pcm-capture-service/internal/errs"
)

// Rotation modes accepted by Capture.Mode.
const (
	ModeTime = "time"
	ModeSize = "size"
	ModeVAD  = "vad"
)

// Trailing partial frame policies accepted by Audio.TrailingPolicy.
const (
	TrailingPad  = "pad"
	TrailingDrop = "drop"
)

// Config represents the complete service configuration
type Config struct {
	Link     LinkConfig     `yaml:"link"`
	Audio    AudioConfig    `yaml:"audio"`
	VAD      VADConfig      `yaml:"vad"`
	Capture  CaptureConfig  `yaml:"capture"`
	Effects  EffectsConfig  `yaml:"effects"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LinkConfig contains device link parameters
type LinkConfig struct {
	Address         string          `yaml:"address"` // serial device path or tcp://host:port
	Baud            int             `yaml:"baud"`
	PollInterval    int             `yaml:"poll_interval_ms"`
	Trigger         string          `yaml:"trigger"` // single byte sent to start streaming
	BootDelay       int             `yaml:"boot_delay_ms"`
	TriggerSettle   int             `yaml:"trigger_settle_ms"`
	ResponseTimeout int             `yaml:"response_timeout_ms"`
	Gain            int             `yaml:"gain"` // -1 leaves the device gain untouched
	Reconnect       ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig bounds the exponential backoff used by the link
type ReconnectConfig struct {
	InitialBackoff int `yaml:"initial_backoff_ms"`
	MaxBackoff     int `yaml:"max_backoff_ms"`
	MaxAttempts    int `yaml:"max_attempts"`
}

// AudioConfig contains stream format and framing parameters
type AudioConfig struct {
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	BitDepth       int    `yaml:"bit_depth"`
	FrameSamples   int    `yaml:"frame_samples"`
	TrailingPolicy string `yaml:"trailing_policy"`
}

// VADConfig contains activity scoring and segment tracking parameters
type VADConfig struct {
	Backend         string  `yaml:"backend"` // fvad or energy
	Threshold       float64 `yaml:"threshold"`
	FVADMode        int     `yaml:"fvad_mode"`
	EnergyThreshold float64 `yaml:"energy_threshold"`
	MinSilence      int     `yaml:"min_silence_ms"`
	MinSpeech       int     `yaml:"min_speech_ms"`
}

// CaptureConfig contains output rotation parameters
type CaptureConfig struct {
	Mode      string  `yaml:"mode"`
	OutputDir string  `yaml:"output_dir"`
	Prefix    string  `yaml:"prefix"`
	Duration  float64 `yaml:"duration"` // seconds, time mode
	MaxSize   int64   `yaml:"max_size"` // bytes per file including header, size mode
	Sidecars  bool    `yaml:"sidecars"`
}

// EffectsConfig contains segment side-effect parameters
type EffectsConfig struct {
	Workers        int    `yaml:"workers"`
	QueueSize      int    `yaml:"queue_size"`
	Timeout        int    `yaml:"timeout"` // seconds per action
	VolumeControl  bool   `yaml:"volume_control"`
	SpeechVolume   int    `yaml:"speech_volume"`
	SilenceVolume  int    `yaml:"silence_volume"`
	VolumeCommand  string `yaml:"volume_command"`
	WebhookURL     string `yaml:"webhook_url"`
	WebhookRetries int    `yaml:"webhook_retries"`
	DeviceID       string `yaml:"device_id"`
}

// PipelineConfig contains queueing and shutdown parameters
type PipelineConfig struct {
	QueueDuration   int `yaml:"queue_duration_ms"`
	StallTimeout    int `yaml:"stall_timeout_ms"`
	ReadSize        int `yaml:"read_size"`
	DataTimeout     int `yaml:"data_timeout"`     // seconds without payload before warning
	ShutdownTimeout int `yaml:"shutdown_timeout"` // seconds
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Link: LinkConfig{
			Baud:            921600,
			PollInterval:    50,
			Trigger:         "G",
			BootDelay:       500,
			TriggerSettle:   200,
			ResponseTimeout: 500,
			Gain:            -1,
			Reconnect: ReconnectConfig{
				InitialBackoff: 1000,
				MaxBackoff:     30000,
				MaxAttempts:    10,
			},
		},
		Audio: AudioConfig{
			SampleRate:     16000,
			Channels:       1,
			BitDepth:       16,
			FrameSamples:   512,
			TrailingPolicy: TrailingPad,
		},
		VAD: VADConfig{
			Backend:         "fvad",
			Threshold:       0.5,
			FVADMode:        2,
			EnergyThreshold: 0.02,
			MinSilence:      300,
			MinSpeech:       250,
		},
		Capture: CaptureConfig{
			Mode:      ModeTime,
			OutputDir: "recordings",
			Prefix:    "recording",
			Duration:  60,
			MaxSize:   1024 * 1024,
			Sidecars:  true,
		},
		Effects: EffectsConfig{
			Workers:        2,
			QueueSize:      64,
			Timeout:        5,
			SpeechVolume:   30,
			SilenceVolume:  80,
			VolumeCommand:  "amixer -q sset Master {pct}%",
			WebhookRetries: 3,
			DeviceID:       "sensor-01",
		},
		Pipeline: PipelineConfig{
			QueueDuration:   500,
			StallTimeout:    1000,
			ReadSize:        4096,
			DataTimeout:     5,
			ShutdownTimeout: 10,
		},
		HTTP: HTTPConfig{
			Port:    9090,
			Address: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of Default.
// An empty path yields the defaults; validation is left to the caller
// so command line overrides can be applied first.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file %s: %w", errs.ErrConfig, path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file %s: %w", errs.ErrConfig, path, err)
	}

	return cfg, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	sections := []struct {
		name string
		fn   func() error
	}{
		{"link", c.Link.Validate},
		{"audio", c.Audio.Validate},
		{"vad", c.VAD.Validate},
		{"capture", func() error { return c.Capture.Validate(c.Audio) }},
		{"effects", c.Effects.Validate},
		{"pipeline", c.Pipeline.Validate},
		{"http", c.HTTP.Validate},
		{"logging", c.Logging.Validate},
	}

	for _, s := range sections {
		if err := s.fn(); err != nil {
			return fmt.Errorf("%w: %s config: %w", errs.ErrConfig, s.name, err)
		}
	}

	return nil
}

// Validate validates link configuration
func (l *LinkConfig) Validate() error {
	if strings.TrimSpace(l.Address) == "" {
		return errors.New("address cannot be empty")
	}

	// 16 kHz * 2 bytes * 10 bits per byte on the wire
	if l.Baud < 320000 {
		return fmt.Errorf("baud must be at least 320000 to carry 16 kHz PCM, got %d", l.Baud)
	}

	if l.PollInterval < 1 || l.PollInterval > 1000 {
		return fmt.Errorf("poll_interval_ms must be between 1 and 1000, got %d", l.PollInterval)
	}

	if len(l.Trigger) != 1 {
		return fmt.Errorf("trigger must be exactly one byte, got %q", l.Trigger)
	}

	if l.BootDelay < 0 || l.TriggerSettle < 0 {
		return fmt.Errorf("boot_delay_ms and trigger_settle_ms cannot be negative")
	}

	if l.ResponseTimeout < 1 {
		return fmt.Errorf("response_timeout_ms must be positive, got %d", l.ResponseTimeout)
	}

	if l.Gain < -1 || l.Gain > 4 {
		return fmt.Errorf("gain must be between 0 and 4 (or -1 to leave unchanged), got %d", l.Gain)
	}

	r := l.Reconnect
	if r.InitialBackoff < 1 || r.MaxBackoff < r.InitialBackoff {
		return fmt.Errorf("reconnect backoff must satisfy 0 < initial (%d) <= max (%d)", r.InitialBackoff, r.MaxBackoff)
	}

	if r.MaxAttempts < 1 {
		return fmt.Errorf("reconnect max_attempts must be at least 1, got %d", r.MaxAttempts)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.FrameSamples < 160 || a.FrameSamples > 4096 {
		return fmt.Errorf("frame_samples must be between 160 and 4096, got %d", a.FrameSamples)
	}

	if a.TrailingPolicy != TrailingPad && a.TrailingPolicy != TrailingDrop {
		return fmt.Errorf("trailing_policy must be 'pad' or 'drop', got '%s'", a.TrailingPolicy)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Backend != "fvad" && v.Backend != "energy" {
		return fmt.Errorf("backend must be 'fvad' or 'energy', got '%s'", v.Backend)
	}

	if math.IsNaN(v.Threshold) || v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.FVADMode < 0 || v.FVADMode > 3 {
		return fmt.Errorf("fvad_mode must be between 0 and 3, got %d", v.FVADMode)
	}

	if v.EnergyThreshold <= 0 || v.EnergyThreshold >= 1 {
		return fmt.Errorf("energy_threshold must be between 0 and 1 (exclusive), got %f", v.EnergyThreshold)
	}

	if v.MinSilence < 0 {
		return fmt.Errorf("min_silence_ms cannot be negative, got %d", v.MinSilence)
	}

	if v.MinSpeech < 0 {
		return fmt.Errorf("min_speech_ms cannot be negative, got %d", v.MinSpeech)
	}

	return nil
}

// Validate validates capture configuration against the frame format
func (c *CaptureConfig) Validate(audio AudioConfig) error {
	if strings.TrimSpace(c.OutputDir) == "" {
		return errors.New("output_dir cannot be empty")
	}

	if c.Prefix == "" || strings.ContainsAny(c.Prefix, `/\`) {
		return fmt.Errorf("prefix must be a non-empty file name fragment, got %q", c.Prefix)
	}

	switch c.Mode {
	case ModeTime:
		if c.Duration <= 0 {
			return fmt.Errorf("duration must be positive in time mode, got %f", c.Duration)
		}
	case ModeSize:
		minSize := int64(44 + audio.FrameSamples*2)
		if c.MaxSize < minSize {
			return fmt.Errorf("max_size must hold at least one frame (%d bytes), got %d", minSize, c.MaxSize)
		}
	case ModeVAD:
	default:
		return fmt.Errorf("mode must be one of [time, size, vad], got '%s'", c.Mode)
	}

	return nil
}

// Validate validates effects configuration
func (e *EffectsConfig) Validate() error {
	if e.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", e.Workers)
	}

	if e.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", e.QueueSize)
	}

	if e.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", e.Timeout)
	}

	if e.VolumeControl {
		if e.SpeechVolume < 0 || e.SpeechVolume > 100 {
			return fmt.Errorf("speech_volume must be between 0 and 100, got %d", e.SpeechVolume)
		}
		if e.SilenceVolume < 0 || e.SilenceVolume > 100 {
			return fmt.Errorf("silence_volume must be between 0 and 100, got %d", e.SilenceVolume)
		}
		if !strings.Contains(e.VolumeCommand, "{pct}") {
			return fmt.Errorf("volume_command must contain the {pct} placeholder, got %q", e.VolumeCommand)
		}
	}

	if e.WebhookURL != "" && !strings.HasPrefix(e.WebhookURL, "http://") && !strings.HasPrefix(e.WebhookURL, "https://") {
		return fmt.Errorf("webhook_url must be an http(s) URL, got %q", e.WebhookURL)
	}

	if e.WebhookRetries < 0 {
		return fmt.Errorf("webhook_retries cannot be negative, got %d", e.WebhookRetries)
	}

	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	if p.QueueDuration < 50 || p.QueueDuration > 10000 {
		return fmt.Errorf("queue_duration_ms must be between 50 and 10000, got %d", p.QueueDuration)
	}

	if p.StallTimeout < 1 {
		return fmt.Errorf("stall_timeout_ms must be positive, got %d", p.StallTimeout)
	}

	if p.ReadSize < 64 {
		return fmt.Errorf("read_size must be at least 64 bytes, got %d", p.ReadSize)
	}

	if p.DataTimeout < 0 {
		return fmt.Errorf("data_timeout cannot be negative, got %d", p.DataTimeout)
	}

	if p.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", p.ShutdownTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return errors.New("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// TriggerByte returns the configured stream trigger.
func (l *LinkConfig) TriggerByte() byte {
	if l.Trigger == "" {
		return 'G'
	}
	return l.Trigger[0]
}

// GetPollInterval returns the read poll interval as a time.Duration
func (l *LinkConfig) GetPollInterval() time.Duration {
	return time.Duration(l.PollInterval) * time.Millisecond
}

// GetBootDelay returns the delay between open and trigger as a time.Duration
func (l *LinkConfig) GetBootDelay() time.Duration {
	return time.Duration(l.BootDelay) * time.Millisecond
}

// GetTriggerSettle returns the post-trigger discard window as a time.Duration
func (l *LinkConfig) GetTriggerSettle() time.Duration {
	return time.Duration(l.TriggerSettle) * time.Millisecond
}

// GetResponseTimeout returns the control response timeout as a time.Duration
func (l *LinkConfig) GetResponseTimeout() time.Duration {
	return time.Duration(l.ResponseTimeout) * time.Millisecond
}

// GetInitialBackoff returns the first reconnect delay as a time.Duration
func (r *ReconnectConfig) GetInitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoff) * time.Millisecond
}

// GetMaxBackoff returns the reconnect delay cap as a time.Duration
func (r *ReconnectConfig) GetMaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoff) * time.Millisecond
}

// GetFrameDuration returns the duration of one frame
func (a *AudioConfig) GetFrameDuration() time.Duration {
	return time.Duration(a.FrameSamples) * time.Second / time.Duration(a.SampleRate)
}

// GetByteRate returns the PCM payload rate in bytes per second
func (a *AudioConfig) GetByteRate() int {
	return a.SampleRate * a.Channels * a.BitDepth / 8
}

// GetMinSilenceDuration returns the grace period as a time.Duration
func (v *VADConfig) GetMinSilenceDuration() time.Duration {
	return time.Duration(v.MinSilence) * time.Millisecond
}

// GetMinSpeechDuration returns the minimum accepted segment length as a time.Duration
func (v *VADConfig) GetMinSpeechDuration() time.Duration {
	return time.Duration(v.MinSpeech) * time.Millisecond
}

// GetDuration returns the time-mode rotation threshold as a time.Duration
func (c *CaptureConfig) GetDuration() time.Duration {
	return time.Duration(c.Duration * float64(time.Second))
}

// GetTimeoutDuration returns the per-action timeout as a time.Duration
func (e *EffectsConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

// GetQueueDuration returns the audio span the ingest queue can hold
func (p *PipelineConfig) GetQueueDuration() time.Duration {
	return time.Duration(p.QueueDuration) * time.Millisecond
}

// GetStallTimeout returns how long the producer waits on a full queue
func (p *PipelineConfig) GetStallTimeout() time.Duration {
	return time.Duration(p.StallTimeout) * time.Millisecond
}

// GetDataTimeout returns the no-data warning interval as a time.Duration
func (p *PipelineConfig) GetDataTimeout() time.Duration {
	return time.Duration(p.DataTimeout) * time.Second
}

// GetShutdownTimeout returns the graceful shutdown bound as a time.Duration
func (p *PipelineConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(p.ShutdownTimeout) * time.Second
}
