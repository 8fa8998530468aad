// Package config loads and validates the tuner's configuration. All values
// are fixed per deployment: defaults first, overlaid by an optional YAML
// file, then validated. Nothing is renegotiated at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/axetune/axetune/internal/bench"
	"github.com/axetune/axetune/internal/metrics"
)

// Duration is a time.Duration that YAML-round-trips in the human form
// ("90s", "10m").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// AxisConfig bounds one tuning axis.
type AxisConfig struct {
	Initial int `yaml:"initial"`
	Step    int `yaml:"step"`
	Min     int `yaml:"min"`
	Max     int `yaml:"max"`
}

// SamplingConfig controls a candidate's sampling window.
type SamplingConfig struct {
	Duration      Duration `yaml:"duration"`
	Interval      Duration `yaml:"interval"`
	MinSamples    int      `yaml:"min_samples"`
	WarmupDiscard int      `yaml:"warmup_discard"`
	OutlierTrim   int      `yaml:"outlier_trim"`
}

// TuningConfig holds the stepping knobs that are not axis bounds.
type TuningConfig struct {
	Tolerance         float64  `yaml:"tolerance"`
	StabilizationWait Duration `yaml:"stabilization_wait"`
	SettleWait        Duration `yaml:"settle_wait"`
}

// DeviceConfig controls the per-device HTTP client.
type DeviceConfig struct {
	RequestTimeout Duration `yaml:"request_timeout"`
	Retries        int      `yaml:"retries"`
	RetryWait      Duration `yaml:"retry_wait"`
}

// ReportConfig controls artifact output.
type ReportConfig struct {
	Directory string `yaml:"directory"`
	TopN      int    `yaml:"top_n"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Encoding   string `yaml:"encoding"` // console or json
	File       string `yaml:"file"`     // empty: stderr only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Config is the whole configuration tree.
type Config struct {
	Voltage   AxisConfig     `yaml:"voltage"`   // mV
	Frequency AxisConfig     `yaml:"frequency"` // MHz
	Limits    bench.Limits   `yaml:"limits"`
	Sampling  SamplingConfig `yaml:"sampling"`
	Tuning    TuningConfig   `yaml:"tuning"`
	Device    DeviceConfig   `yaml:"device"`
	Report    ReportConfig   `yaml:"report"`
	Logging   LoggingConfig  `yaml:"logging"`
	Metrics   metrics.Config `yaml:"metrics"`
}

// DefaultConfig returns the deployment defaults. The tuning constants match
// the hardware envelope of Bitaxe-class single-chip miners.
func DefaultConfig() *Config {
	return &Config{
		Voltage:   AxisConfig{Initial: 1150, Step: 5, Min: 1000, Max: 1200},
		Frequency: AxisConfig{Initial: 500, Step: 10, Min: 400, Max: 1200},
		Limits: bench.Limits{
			MaxChipTemp:     62,
			MinChipTemp:     5,
			MaxVRTemp:       65,
			MaxPower:        28,
			MinInputVoltage: 4800,
			MaxInputVoltage: 5500,
		},
		Sampling: SamplingConfig{
			Duration:      Duration(10 * time.Minute),
			Interval:      Duration(15 * time.Second),
			MinSamples:    7,
			WarmupDiscard: 6,
			OutlierTrim:   3,
		},
		Tuning: TuningConfig{
			Tolerance:         0.08,
			StabilizationWait: Duration(90 * time.Second),
			SettleWait:        Duration(2 * time.Second),
		},
		Device: DeviceConfig{
			RequestTimeout: Duration(10 * time.Second),
			Retries:        3,
			RetryWait:      Duration(5 * time.Second),
		},
		Report: ReportConfig{
			Directory: ".",
			TopN:      5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Encoding:   "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Metrics: metrics.Config{
			Enabled:    false,
			ListenAddr: ":9090",
			Namespace:  "axetune",
		},
	}
}

// Load reads the configuration: defaults, overlaid by the file at path when
// it exists, then validated. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration atomically (temp file + rename).
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// Validate rejects configurations that cannot produce a safe, terminating
// run. Input errors are caught here, before any device interaction.
func Validate(cfg *Config) error {
	if err := validateAxis("voltage", cfg.Voltage); err != nil {
		return err
	}
	if err := validateAxis("frequency", cfg.Frequency); err != nil {
		return err
	}

	s := cfg.Sampling
	if s.Interval.Std() <= 0 || s.Duration.Std() <= 0 {
		return fmt.Errorf("sampling duration and interval must be positive")
	}
	if s.MinSamples < 1 {
		return fmt.Errorf("sampling min_samples must be at least 1")
	}
	total := int(s.Duration.Std() / s.Interval.Std())
	if total < s.MinSamples {
		return fmt.Errorf("sampling window too short: %d samples possible, %d required", total, s.MinSamples)
	}
	if total <= 2*s.OutlierTrim {
		return fmt.Errorf("outlier_trim %d leaves no samples in a %d-sample window", s.OutlierTrim, total)
	}
	if s.WarmupDiscard >= total {
		return fmt.Errorf("warmup_discard %d leaves no temperature samples in a %d-sample window", s.WarmupDiscard, total)
	}

	if t := cfg.Tuning.Tolerance; t <= 0 || t >= 1 {
		return fmt.Errorf("tuning tolerance must be in (0, 1), got %v", t)
	}

	l := cfg.Limits
	if l.MaxChipTemp <= l.MinChipTemp {
		return fmt.Errorf("limits max_chip_temp must exceed min_chip_temp")
	}
	if l.MaxInputVoltage <= l.MinInputVoltage {
		return fmt.Errorf("limits max_input_voltage must exceed min_input_voltage")
	}
	if l.MaxPower <= 0 {
		return fmt.Errorf("limits max_power must be positive")
	}

	if cfg.Device.Retries < 1 {
		return fmt.Errorf("device retries must be at least 1")
	}
	if cfg.Report.TopN < 1 {
		return fmt.Errorf("report top_n must be at least 1")
	}
	return nil
}

func validateAxis(name string, a AxisConfig) error {
	if a.Min >= a.Max {
		return fmt.Errorf("%s min %d must be below max %d", name, a.Min, a.Max)
	}
	if a.Step <= 0 {
		return fmt.Errorf("%s step must be positive", name)
	}
	if a.Initial < a.Min || a.Initial > a.Max {
		return fmt.Errorf("initial %s %d outside allowed band [%d, %d]", name, a.Initial, a.Min, a.Max)
	}
	return nil
}

// RunConfig assembles the per-run benchmark configuration from the tree.
func (c *Config) RunConfig() bench.RunConfig {
	initial := bench.Setting{CoreVoltage: c.Voltage.Initial, Frequency: c.Frequency.Initial}
	return bench.RunConfig{
		Initial: initial,
		Sampling: bench.SampleConfig{
			Duration:      c.Sampling.Duration.Std(),
			Interval:      c.Sampling.Interval.Std(),
			MinSamples:    c.Sampling.MinSamples,
			WarmupDiscard: c.Sampling.WarmupDiscard,
			OutlierTrim:   c.Sampling.OutlierTrim,
		},
		Limits: c.Limits,
		Policy: bench.PolicyConfig{
			VoltageStep:   c.Voltage.Step,
			FrequencyStep: c.Frequency.Step,
			MinVoltage:    c.Voltage.Min,
			MaxVoltage:    c.Voltage.Max,
			MinFrequency:  c.Frequency.Min,
			MaxFrequency:  c.Frequency.Max,
			Tolerance:     c.Tuning.Tolerance,
		},
		StabilizationWait: c.Tuning.StabilizationWait.Std(),
		SettleWait:        c.Tuning.SettleWait.Std(),
		FallbackDefaults:  initial,
	}
}
