package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axetune/axetune/internal/bench"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 1150, cfg.Voltage.Initial)
	assert.Equal(t, 500, cfg.Frequency.Initial)
	assert.Equal(t, 10*time.Minute, cfg.Sampling.Duration.Std())
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
frequency:
  initial: 550
tuning:
  tolerance: 0.06
  stabilization_wait: 2m
sampling:
  interval: 30s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 550, cfg.Frequency.Initial)
	assert.Equal(t, 10, cfg.Frequency.Step, "untouched fields keep their defaults")
	assert.Equal(t, 0.06, cfg.Tuning.Tolerance)
	assert.Equal(t, 2*time.Minute, cfg.Tuning.StabilizationWait.Std())
	assert.Equal(t, 30*time.Second, cfg.Sampling.Interval.Std())
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tuning:\n  stabilization_wait: ninety\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	want := DefaultConfig()
	want.Frequency.Initial = 525
	want.Tuning.StabilizationWait = Duration(45 * time.Second)
	require.NoError(t, Save(want, path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"initial voltage below band", func(c *Config) { c.Voltage.Initial = 900 }},
		{"initial frequency above band", func(c *Config) { c.Frequency.Initial = 1300 }},
		{"inverted voltage band", func(c *Config) { c.Voltage.Min, c.Voltage.Max = 1200, 1000 }},
		{"zero frequency step", func(c *Config) { c.Frequency.Step = 0 }},
		{"zero sampling interval", func(c *Config) { c.Sampling.Interval = 0 }},
		{"window shorter than min samples", func(c *Config) { c.Sampling.Duration = Duration(30 * time.Second) }},
		{"trim consumes whole window", func(c *Config) { c.Sampling.OutlierTrim = 20 }},
		{"warmup consumes whole window", func(c *Config) { c.Sampling.WarmupDiscard = 40 }},
		{"tolerance out of range", func(c *Config) { c.Tuning.Tolerance = 1.5 }},
		{"inverted temperature limits", func(c *Config) { c.Limits.MaxChipTemp = 1 }},
		{"inverted input voltage limits", func(c *Config) { c.Limits.MaxInputVoltage = 100 }},
		{"non-positive power limit", func(c *Config) { c.Limits.MaxPower = 0 }},
		{"zero retries", func(c *Config) { c.Device.Retries = 0 }},
		{"zero top_n", func(c *Config) { c.Report.TopN = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestRunConfigMapping(t *testing.T) {
	cfg := DefaultConfig()
	rc := cfg.RunConfig()

	assert.Equal(t, bench.Setting{CoreVoltage: 1150, Frequency: 500}, rc.Initial)
	assert.Equal(t, rc.Initial, rc.FallbackDefaults)
	assert.Equal(t, 15*time.Second, rc.Sampling.Interval)
	assert.Equal(t, 7, rc.Sampling.MinSamples)
	assert.Equal(t, 6, rc.Sampling.WarmupDiscard)
	assert.Equal(t, 3, rc.Sampling.OutlierTrim)
	assert.Equal(t, 0.08, rc.Policy.Tolerance)
	assert.Equal(t, 5, rc.Policy.VoltageStep)
	assert.Equal(t, 10, rc.Policy.FrequencyStep)
	assert.Equal(t, 90*time.Second, rc.StabilizationWait)
	assert.Equal(t, 62.0, rc.Limits.MaxChipTemp)
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	out, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", out)
}
