package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AMDEPYC/hybrid-governor/internal/scaling"
)

// Metric sources the daemon can sample idle time from
const (
	MetricSourceProcStat = "procstat"
	MetricSourceMSR      = "msr"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the on-disk configuration of the governor daemon.
type Config struct {
	Governor GovernorConfig `yaml:"governor"`
	Daemon   DaemonConfig   `yaml:"daemon"`
}

// GovernorConfig holds the tunables shared by all governed units.
type GovernorConfig struct {
	SampleInterval   time.Duration `yaml:"sampleInterval"`
	UpThreshold      uint32        `yaml:"upThreshold"`
	DownThreshold    uint32        `yaml:"downThreshold"`
	DownDelaySamples uint32        `yaml:"downDelaySamples"`
	// OptimalLoad defaults to upThreshold - 10 when left at 0
	OptimalLoad           uint32 `yaml:"optimalLoad,omitempty"`
	OptimalLoadCorrection uint32 `yaml:"optimalLoadCorrection"`
	MaxFullLoadSamples    uint32 `yaml:"maxFullLoadSamples"`
	UpStep                uint32 `yaml:"upStep"`
	DownDifferential      uint32 `yaml:"downDifferential"`
	Policy                string `yaml:"policy"`
}

type DaemonConfig struct {
	MetricsBindAddress   string        `yaml:"metricsBindAddress"`
	MetricSource         string        `yaml:"metricSource"`
	HostPollInterval     time.Duration `yaml:"hostPollInterval"`
	DispatcherWorkers    int           `yaml:"dispatcherWorkers"`
	DispatcherQueueSize  int           `yaml:"dispatcherQueueSize"`
	SetUserspaceGovernor bool          `yaml:"setUserspaceGovernor"`
}

func Default() *Config {
	tunables := scaling.DefaultTunableValues()

	return &Config{
		Governor: GovernorConfig{
			SampleInterval:        tunables.SampleInterval,
			UpThreshold:           tunables.UpThreshold,
			DownThreshold:         tunables.DownThreshold,
			DownDelaySamples:      tunables.DownDelaySamples,
			OptimalLoadCorrection: tunables.OptimalLoadCorrection,
			MaxFullLoadSamples:    tunables.MaxFullLoadSamples,
			UpStep:                tunables.UpStep,
			DownDifferential:      tunables.DownDifferential,
			Policy:                string(tunables.Policy),
		},
		Daemon: DaemonConfig{
			MetricsBindAddress:  ":10001",
			MetricSource:        MetricSourceProcStat,
			HostPollInterval:    scaling.DefaultHostPollInterval,
			DispatcherWorkers:   scaling.DefaultDispatcherWorkers,
			DispatcherQueueSize: scaling.DefaultDispatcherQueueSize,
		},
	}
}

// Load reads the YAML file at path on top of the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Governor.TunableValues().Validate(); err != nil {
		return err
	}

	switch c.Daemon.MetricSource {
	case MetricSourceProcStat, MetricSourceMSR:
	default:
		return fmt.Errorf("%w: unknown metric source %q", ErrInvalidConfig, c.Daemon.MetricSource)
	}
	if c.Daemon.HostPollInterval <= 0 {
		return fmt.Errorf("%w: host poll interval must be positive, got %s", ErrInvalidConfig, c.Daemon.HostPollInterval)
	}
	if c.Daemon.DispatcherWorkers <= 0 {
		return fmt.Errorf("%w: dispatcher workers must be positive, got %d", ErrInvalidConfig, c.Daemon.DispatcherWorkers)
	}
	if c.Daemon.DispatcherQueueSize <= 0 {
		return fmt.Errorf("%w: dispatcher queue size must be positive, got %d", ErrInvalidConfig, c.Daemon.DispatcherQueueSize)
	}

	return nil
}

func (g GovernorConfig) TunableValues() scaling.TunableValues {
	return scaling.TunableValues{
		SampleInterval:        g.SampleInterval,
		UpThreshold:           g.UpThreshold,
		DownThreshold:         g.DownThreshold,
		DownDelaySamples:      g.DownDelaySamples,
		OptimalLoad:           g.OptimalLoad,
		OptimalLoadCorrection: g.OptimalLoadCorrection,
		MaxFullLoadSamples:    g.MaxFullLoadSamples,
		UpStep:                g.UpStep,
		DownDifferential:      g.DownDifferential,
		Policy:                scaling.Policy(g.Policy),
	}
}
