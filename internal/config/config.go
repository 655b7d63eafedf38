// Package config loads service configuration from an optional YAML file and
// BTN_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rawblock/btn-analyzer/internal/alert"
	"github.com/rawblock/btn-analyzer/internal/heuristics"
)

// Storage drivers accepted by Storage.Driver.
const (
	DriverFile     = "file"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// Config is the full service configuration.
type Config struct {
	HTTP      HTTP                        `mapstructure:"http"`
	Auth      Auth                        `mapstructure:"auth"`
	RateLimit RateLimit                   `mapstructure:"rate_limit"`
	Storage   Storage                     `mapstructure:"storage"`
	Detection heuristics.Thresholds       `mapstructure:"detection"`
	Trace     heuristics.TraceConfig      `mapstructure:"trace"`
	Alerts    Alerts                      `mapstructure:"alerts"`
	Watchlist []heuristics.WatchedAddress `mapstructure:"watchlist"` // file only
}

// HTTP configures the API listener.
type HTTP struct {
	Addr           string        `mapstructure:"addr"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	RunTimeout     time.Duration `mapstructure:"run_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"` // empty allows any origin
}

// Auth configures bearer-token authentication. An empty token disables it.
type Auth struct {
	Token string `mapstructure:"token"`
}

// RateLimit configures the per-IP token bucket on mutating routes.
type RateLimit struct {
	PerMinute int `mapstructure:"per_minute"`
	Burst     int `mapstructure:"burst"`
}

// Storage selects and configures the snapshot backend.
type Storage struct {
	Driver      string `mapstructure:"driver"`
	Path        string `mapstructure:"path"`         // directory (file) or database file (bolt)
	DatabaseURL string `mapstructure:"database_url"` // postgres
}

// Alerts configures which run results become alerts and where they go.
// Webhooks can only be set from the config file.
type Alerts struct {
	MinSeverity float64         `mapstructure:"min_severity"`
	Webhooks    []alert.Webhook `mapstructure:"webhooks"`
}

// DefaultConfig returns a configuration that runs locally with no external
// services: file snapshots under ./data/snapshots, auth disabled.
func DefaultConfig() Config {
	return Config{
		HTTP: HTTP{
			Addr:         ":5339",
			MaxBodyBytes: 32 << 20,
			RunTimeout:   5 * time.Minute,
		},
		RateLimit: RateLimit{PerMinute: 30, Burst: 10},
		Storage: Storage{
			Driver: DriverFile,
			Path:   "data/snapshots",
		},
		Detection: heuristics.DefaultThresholds(),
		Trace:     heuristics.DefaultTraceConfig(),
		Alerts:    Alerts{MinSeverity: 70},
	}
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply. Environment keys are the upper-cased
// dotted path with BTN_ prefix, e.g. BTN_STORAGE_DRIVER,
// BTN_DETECTION_PEEL_RATIO.
func Load(path string) (Config, error) {
	return LoadWithFlags(path, nil)
}

// LoadWithFlags is Load with command-line overrides: each entry maps a
// dotted config key to a flag. A flag only wins over the file and the
// environment when it was set explicitly.
func LoadWithFlags(path string, flags map[string]*pflag.Flag) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("BTN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, f := range flags {
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return Config{}, fmt.Errorf("failed to bind flag %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.max_body_bytes", d.HTTP.MaxBodyBytes)
	v.SetDefault("http.run_timeout", d.HTTP.RunTimeout)
	v.SetDefault("http.allowed_origins", d.HTTP.AllowedOrigins)
	v.SetDefault("auth.token", d.Auth.Token)
	v.SetDefault("rate_limit.per_minute", d.RateLimit.PerMinute)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.database_url", d.Storage.DatabaseURL)
	v.SetDefault("alerts.min_severity", d.Alerts.MinSeverity)
	v.SetDefault("trace.max_hops", d.Trace.MaxHops)
	v.SetDefault("trace.max_branches", d.Trace.MaxBranches)
	v.SetDefault("trace.min_value", d.Trace.MinValue)
	v.SetDefault("trace.min_confidence", d.Trace.MinConfidence)

	t := d.Detection
	v.SetDefault("detection.hoarding_multiplier", t.HoardingMultiplier)
	v.SetDefault("detection.high_volume_degree", t.HighVolumeDegree)
	v.SetDefault("detection.short_lived_tx_count", t.ShortLivedTxCount)
	v.SetDefault("detection.short_lived_window", t.ShortLivedWindow)
	v.SetDefault("detection.centrality_percentile", t.CentralityPercentile)
	v.SetDefault("detection.centrality_pivots", t.CentralityPivots)
	v.SetDefault("detection.periodic_max_cv", t.PeriodicMaxCV)
	v.SetDefault("detection.periodic_min_gaps", t.PeriodicMinGaps)
	v.SetDefault("detection.peel_ratio", t.PeelRatio)
	v.SetDefault("detection.dust_tx_count", t.DustTxCount)
	v.SetDefault("detection.dust_value", t.DustValue)
	v.SetDefault("detection.epsilon_delta", t.EpsilonDelta)
	v.SetDefault("detection.extended", t.Extended)
	v.SetDefault("detection.dormancy_gap", t.DormancyGap)
	v.SetDefault("detection.spike_min_tx_count", t.SpikeMinTxCount)
	v.SetDefault("detection.spike_window", t.SpikeWindow)
	v.SetDefault("detection.withdrawal_sigmas", t.WithdrawalSigmas)
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverFile, DriverBolt:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %q", c.Storage.Driver))
		}
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.database_url is required for driver \"postgres\""))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	d := c.Detection
	if d.CentralityPercentile < 0 || d.CentralityPercentile > 1 {
		errs = append(errs, fmt.Errorf("detection.centrality_percentile must be within [0,1], got %v", d.CentralityPercentile))
	}
	if d.PeelRatio <= 1 {
		errs = append(errs, fmt.Errorf("detection.peel_ratio must be > 1, got %v", d.PeelRatio))
	}
	if d.EpsilonDelta <= 0 {
		errs = append(errs, fmt.Errorf("detection.epsilon_delta must be positive, got %d", d.EpsilonDelta))
	}
	if d.PeriodicMinGaps < 1 {
		errs = append(errs, fmt.Errorf("detection.periodic_min_gaps must be at least 1, got %d", d.PeriodicMinGaps))
	}
	if err := ValidateTrace(c.Trace); err != nil {
		errs = append(errs, err)
	}
	if c.Alerts.MinSeverity < 0 || c.Alerts.MinSeverity > 100 {
		errs = append(errs, fmt.Errorf("alerts.min_severity must be within [0,100], got %v", c.Alerts.MinSeverity))
	}
	for i, wh := range c.Alerts.Webhooks {
		if wh.URL == "" {
			errs = append(errs, fmt.Errorf("alerts.webhooks[%d] has no url", i))
		}
	}
	for i, w := range c.Watchlist {
		if w.Address == "" {
			errs = append(errs, fmt.Errorf("watchlist[%d] has no address", i))
		}
		if _, ok := alert.ParseLevel(w.AlertLevel); w.AlertLevel != "" && !ok {
			errs = append(errs, fmt.Errorf("watchlist[%d] has unknown alert_level %q", i, w.AlertLevel))
		}
	}
	if c.RateLimit.PerMinute <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate_limit.per_minute and rate_limit.burst must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateTrace checks trace limits, including ones overridden per request.
func ValidateTrace(t heuristics.TraceConfig) error {
	var errs []error
	if t.MaxHops < 1 || t.MaxBranches < 1 {
		errs = append(errs, fmt.Errorf("trace.max_hops and trace.max_branches must be at least 1, got %d and %d", t.MaxHops, t.MaxBranches))
	}
	if t.MinValue < 0 {
		errs = append(errs, fmt.Errorf("trace.min_value must not be negative, got %d", t.MinValue))
	}
	if t.MinConfidence < 0 || t.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("trace.min_confidence must be within [0,1], got %v", t.MinConfidence))
	}
	return errors.Join(errs...)
}
