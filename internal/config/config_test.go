package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skypro1111/pcm-capture-service/internal/errs"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Link.Address = "/dev/ttyUSB0"
	return cfg
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
	}{
		{
			name:        "valid configuration",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name:        "missing device address",
			mutate:      func(c *Config) { c.Link.Address = "" },
			expectError: true,
		},
		{
			name:        "baud too low for 16 kHz",
			mutate:      func(c *Config) { c.Link.Baud = 115200 },
			expectError: true,
		},
		{
			name:        "multi byte trigger",
			mutate:      func(c *Config) { c.Link.Trigger = "GO" },
			expectError: true,
		},
		{
			name:        "gain out of range",
			mutate:      func(c *Config) { c.Link.Gain = 5 },
			expectError: true,
		},
		{
			name:        "wrong sample rate",
			mutate:      func(c *Config) { c.Audio.SampleRate = 8000 },
			expectError: true,
		},
		{
			name:        "unknown trailing policy",
			mutate:      func(c *Config) { c.Audio.TrailingPolicy = "truncate" },
			expectError: true,
		},
		{
			name:        "threshold above one",
			mutate:      func(c *Config) { c.VAD.Threshold = 1.5 },
			expectError: true,
		},
		{
			name:        "negative min speech",
			mutate:      func(c *Config) { c.VAD.MinSpeech = -1 },
			expectError: true,
		},
		{
			name:        "unknown mode",
			mutate:      func(c *Config) { c.Capture.Mode = "manual" },
			expectError: true,
		},
		{
			name: "size mode below one frame",
			mutate: func(c *Config) {
				c.Capture.Mode = ModeSize
				c.Capture.MaxSize = 100
			},
			expectError: true,
		},
		{
			name: "size mode exactly one frame",
			mutate: func(c *Config) {
				c.Capture.Mode = ModeSize
				c.Capture.MaxSize = 44 + 1024
			},
			expectError: false,
		},
		{
			name: "volume out of range",
			mutate: func(c *Config) {
				c.Effects.VolumeControl = true
				c.Effects.SpeechVolume = 150
			},
			expectError: true,
		},
		{
			name: "volume command without placeholder",
			mutate: func(c *Config) {
				c.Effects.VolumeControl = true
				c.Effects.VolumeCommand = "amixer sset Master 30%"
			},
			expectError: true,
		},
		{
			name:        "webhook without scheme",
			mutate:      func(c *Config) { c.Effects.WebhookURL = "example.com/hook" },
			expectError: true,
		},
		{
			name: "http enabled with bad port",
			mutate: func(c *Config) {
				c.HTTP.Enabled = true
				c.HTTP.Port = 70000
			},
			expectError: true,
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.expectError && err == nil {
				t.Errorf("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
			if err != nil && !errors.Is(err, errs.ErrConfig) {
				t.Errorf("Expected ErrConfig kind, got %v", err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	configContent := `
link:
  address: "tcp://192.168.1.50:5000"
  baud: 921600
  gain: 3
audio:
  frame_samples: 512
vad:
  backend: "energy"
  threshold: 0.6
  min_silence_ms: 500
capture:
  mode: "vad"
  output_dir: "/tmp/captures"
effects:
  volume_control: true
  speech_volume: 20
logging:
  level: "debug"
  format: "json"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Loaded config failed validation: %v", err)
	}

	if cfg.Link.Address != "tcp://192.168.1.50:5000" {
		t.Errorf("Expected address tcp://192.168.1.50:5000, got %s", cfg.Link.Address)
	}
	if cfg.Link.Gain != 3 {
		t.Errorf("Expected gain 3, got %d", cfg.Link.Gain)
	}
	if cfg.VAD.Threshold != 0.6 {
		t.Errorf("Expected threshold 0.6, got %f", cfg.VAD.Threshold)
	}
	if cfg.Capture.Mode != ModeVAD {
		t.Errorf("Expected mode vad, got %s", cfg.Capture.Mode)
	}
	if cfg.Effects.SpeechVolume != 20 {
		t.Errorf("Expected speech volume 20, got %d", cfg.Effects.SpeechVolume)
	}

	// Unset keys keep their defaults
	if cfg.Effects.SilenceVolume != 80 {
		t.Errorf("Expected default silence volume 80, got %d", cfg.Effects.SilenceVolume)
	}
	if cfg.Link.Reconnect.MaxAttempts != 10 {
		t.Errorf("Expected default reconnect attempts 10, got %d", cfg.Link.Reconnect.MaxAttempts)
	}
	if cfg.Pipeline.ReadSize != 4096 {
		t.Errorf("Expected default read size 4096, got %d", cfg.Pipeline.ReadSize)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("Expected ErrConfig for missing file, got %v", err)
	}

	badPath := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(badPath, []byte("link: [unterminated"), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	if _, err := Load(badPath); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("Expected ErrConfig for malformed file, got %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected defaults for empty path, got error: %v", err)
	}
	if cfg.Audio.FrameSamples != 512 {
		t.Errorf("Expected default frame size 512, got %d", cfg.Audio.FrameSamples)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := validConfig()

	if got := cfg.Audio.GetFrameDuration(); got != 32*time.Millisecond {
		t.Errorf("Expected frame duration 32ms, got %v", got)
	}
	if got := cfg.Audio.GetByteRate(); got != 32000 {
		t.Errorf("Expected byte rate 32000, got %d", got)
	}
	if got := cfg.VAD.GetMinSilenceDuration(); got != 300*time.Millisecond {
		t.Errorf("Expected min silence 300ms, got %v", got)
	}
	if got := cfg.Capture.GetDuration(); got != time.Minute {
		t.Errorf("Expected capture duration 1m, got %v", got)
	}
	if got := cfg.Effects.GetTimeoutDuration(); got != 5*time.Second {
		t.Errorf("Expected action timeout 5s, got %v", got)
	}
	if got := cfg.Link.Reconnect.GetMaxBackoff(); got != 30*time.Second {
		t.Errorf("Expected max backoff 30s, got %v", got)
	}
	if got := cfg.Link.TriggerByte(); got != 'G' {
		t.Errorf("Expected trigger 'G', got %q", got)
	}
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "capture.yaml"))
	if err != nil {
		t.Fatalf("Failed to load example config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Example config failed validation: %v", err)
	}

	want := Default()
	want.Link.Address = "/dev/ttyUSB0"
	if *cfg != *want {
		t.Errorf("Example config drifted from defaults:\n got %+v\nwant %+v", *cfg, *want)
	}
}
