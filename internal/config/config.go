// Package config loads file-based settings: provider credentials and
// dispatcher tuning. Process-level knobs (listen address, database path,
// trigger mode) stay on flags in cmd.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Email    EmailConfig    `yaml:"email"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

type EmailConfig struct {
	// APIKey falls back to the BREVO_API_KEY environment variable when
	// empty, so the key can stay out of the config file.
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	SenderName  string `yaml:"sender_name"`
	SenderEmail string `yaml:"sender_email"`
	TemplateID  int    `yaml:"template_id"`
	// Timeout is a Go duration string (e.g. "10s").
	Timeout string `yaml:"timeout"`
}

type DispatchConfig struct {
	// Durations are Go duration strings.
	Lookback       string  `yaml:"lookback"`
	MaxCatchUp     string  `yaml:"max_catch_up"`
	SendTimeout    string  `yaml:"send_timeout"`
	MaxInFlight    int     `yaml:"max_in_flight"`
	SendsPerSecond float64 `yaml:"sends_per_second"`
	// FixedLookback disables watermark windowing (lossy legacy mode).
	FixedLookback bool `yaml:"fixed_lookback"`
}

func Default() Config {
	return Config{
		Email: EmailConfig{
			SenderName: "TaskWise",
			Timeout:    "10s",
		},
		Dispatch: DispatchConfig{
			Lookback:       "5m",
			MaxCatchUp:     "24h",
			SendTimeout:    "15s",
			MaxInFlight:    4,
			SendsPerSecond: 5,
		},
	}
}

// Load reads path into the defaults. A missing file is not an error; the
// defaults (plus environment) apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnv(cfg), nil
			}
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := unmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return applyEnv(cfg), nil
}

func applyEnv(cfg Config) Config {
	if cfg.Email.APIKey == "" {
		cfg.Email.APIKey = os.Getenv("BREVO_API_KEY")
	}
	return cfg
}

// unmarshalStrict rejects unknown keys so config typos fail loudly.
func unmarshalStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ParseDuration parses a Go duration string field, returning def when the
// field is empty.
func ParseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}
