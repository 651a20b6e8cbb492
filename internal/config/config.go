package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/23skdu/longbow-guidance/internal/guidance"
	"github.com/23skdu/longbow-guidance/internal/patcher"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

const (
	PolicyCFGPP    = "cfgpp"
	PolicyPowerLaw = "powerlaw"
)

type Config struct {
	Policy string  `yaml:"policy"`
	Alpha  float64 `yaml:"alpha"`
	Space  string  `yaml:"space"`
	Bias   string  `yaml:"bias"`
	// Sampling overrides the sampling type recorded with a step.
	Sampling string `yaml:"sampling"`

	PrintDebug bool `yaml:"print_debug"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MetricsAddr enables the Prometheus endpoint when set.
	MetricsAddr string `yaml:"metrics_addr"`
	// FlightAddr enables trace upload when set.
	FlightAddr string `yaml:"flight_addr"`
	FlightPath string `yaml:"flight_path"`
}

func Default() Config {
	return Config{
		Policy:     PolicyPowerLaw,
		Alpha:      guidance.DefaultAlpha,
		Space:      guidance.SpaceScore.String(),
		Bias:       guidance.BiasRight.String(),
		LogLevel:   "info",
		LogFormat:  "console",
		FlightPath: "guidance_traces",
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Policy {
	case PolicyCFGPP:
		if _, err := parseBias(c.Bias); err != nil {
			return err
		}
	case PolicyPowerLaw:
		p, err := c.powerLaw()
		if err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	default:
		return fmt.Errorf("%w: unknown policy %q (must be %s or %s)", ErrInvalid, c.Policy, PolicyCFGPP, PolicyPowerLaw)
	}
	if c.Sampling != "" {
		if _, err := patcher.ParseSampling(c.Sampling); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console", "":
	default:
		return fmt.Errorf("%w: invalid log_format: %q (must be json or console)", ErrInvalid, c.LogFormat)
	}
	if c.FlightAddr != "" && c.FlightPath == "" {
		return fmt.Errorf("%w: flight_path is required when flight_addr is set", ErrInvalid)
	}
	return nil
}

// BuildPolicy returns the configured guidance policy.
func (c *Config) BuildPolicy() (guidance.Policy, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Policy == PolicyCFGPP {
		b, _ := parseBias(c.Bias)
		return guidance.CFGPP{Bias: b}, nil
	}
	return c.powerLaw()
}

// SamplingType returns the configured model sampling type, eps when unset.
func (c *Config) SamplingType() (patcher.Sampling, error) {
	if c.Sampling == "" {
		return patcher.SamplingEPS, nil
	}
	s, err := patcher.ParseSampling(c.Sampling)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return s, nil
}

func (c *Config) powerLaw() (guidance.PowerLaw, error) {
	space := guidance.SpaceScore
	if c.Space != "" {
		s, err := guidance.ParseSpace(c.Space)
		if err != nil {
			return guidance.PowerLaw{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		space = s
	}
	return guidance.PowerLaw{Alpha: c.Alpha, Space: space}, nil
}

func parseBias(name string) (guidance.Bias, error) {
	switch strings.ToLower(name) {
	case "", "right":
		return guidance.BiasRight, nil
	case "left":
		return guidance.BiasLeft, nil
	default:
		return 0, fmt.Errorf("%w: invalid bias: %q (must be left or right)", ErrInvalid, name)
	}
}
