package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/btn-analyzer/internal/alert"
	"github.com/rawblock/btn-analyzer/internal/heuristics"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.HTTP.Addr, cfg.HTTP.Addr)
	assert.Equal(t, DriverFile, cfg.Storage.Driver)
	assert.Equal(t, def.Detection, cfg.Detection)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9000"
storage:
  driver: bolt
  path: /tmp/btn.db
detection:
  peel_ratio: 8
  dormancy_gap: 72h
  extended: false
trace:
  max_hops: 4
alerts:
  min_severity: 60
  webhooks:
    - name: soc
      url: http://hooks.local/btn
      min_level: high
watchlist:
  - address: bc1qtheft
    category: theft
    case_id: CASE-7
    alert_level: critical
`), 0o600))

	t.Setenv("BTN_AUTH_TOKEN", "s3cret")
	t.Setenv("BTN_DETECTION_DUST_TX_COUNT", "25")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, DriverBolt, cfg.Storage.Driver)
	assert.Equal(t, "/tmp/btn.db", cfg.Storage.Path)
	assert.Equal(t, "s3cret", cfg.Auth.Token)
	assert.Equal(t, 8.0, cfg.Detection.PeelRatio)
	assert.Equal(t, 72*time.Hour, cfg.Detection.DormancyGap)
	assert.False(t, cfg.Detection.Extended)
	assert.Equal(t, 25, cfg.Detection.DustTxCount)
	assert.Equal(t, 4, cfg.Trace.MaxHops)
	assert.Equal(t, DefaultConfig().Trace.MinValue, cfg.Trace.MinValue)
	assert.Equal(t, 60.0, cfg.Alerts.MinSeverity)
	require.Len(t, cfg.Alerts.Webhooks, 1)
	assert.Equal(t, "soc", cfg.Alerts.Webhooks[0].Name)
	assert.Equal(t, alert.LevelHigh, cfg.Alerts.Webhooks[0].MinLevel)
	require.Len(t, cfg.Watchlist, 1)
	assert.Equal(t, "bc1qtheft", cfg.Watchlist[0].Address)
	assert.Equal(t, "CASE-7", cfg.Watchlist[0].CaseID)
	assert.Equal(t, "critical", cfg.Watchlist[0].AlertLevel)
	// Untouched keys keep their defaults
	assert.Equal(t, DefaultConfig().Detection.EpsilonDelta, cfg.Detection.EpsilonDelta)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadWithFlags(t *testing.T) {
	t.Setenv("BTN_STORAGE_PATH", "/from/env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("storage-driver", "file", "")
	fs.String("storage-path", "", "")
	require.NoError(t, fs.Parse([]string{"--storage-driver", "bolt"}))

	cfg, err := LoadWithFlags("", map[string]*pflag.Flag{
		"storage.driver": fs.Lookup("storage-driver"),
		"storage.path":   fs.Lookup("storage-path"),
		"auth.token":     nil,
	})
	require.NoError(t, err)
	assert.Equal(t, DriverBolt, cfg.Storage.Driver)
	// Unset flag does not mask the environment
	assert.Equal(t, "/from/env", cfg.Storage.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"Defaults", func(*Config) {}, ""},
		{"Unknown driver", func(c *Config) { c.Storage.Driver = "redis" }, "unknown storage driver"},
		{"Postgres without URL", func(c *Config) { c.Storage.Driver = DriverPostgres }, "database_url"},
		{"Bolt without path", func(c *Config) { c.Storage.Driver = DriverBolt; c.Storage.Path = "" }, "storage.path"},
		{"Percentile out of range", func(c *Config) { c.Detection.CentralityPercentile = 1.5 }, "centrality_percentile"},
		{"Peel ratio too small", func(c *Config) { c.Detection.PeelRatio = 1 }, "peel_ratio"},
		{"Alert severity out of range", func(c *Config) { c.Alerts.MinSeverity = 120 }, "alerts.min_severity"},
		{"Watchlist without address", func(c *Config) { c.Watchlist = []heuristics.WatchedAddress{{Category: "theft"}} }, "watchlist[0] has no address"},
		{"Watchlist bad level", func(c *Config) { c.Watchlist = []heuristics.WatchedAddress{{Address: "a", AlertLevel: "urgent"}} }, "alert_level"},
		{"Trace without hops", func(c *Config) { c.Trace.MaxHops = 0 }, "trace.max_hops"},
		{"Trace confidence out of range", func(c *Config) { c.Trace.MinConfidence = 2 }, "trace.min_confidence"},
		{"Webhook without URL", func(c *Config) { c.Alerts.Webhooks = []alert.Webhook{{Name: "x"}} }, "alerts.webhooks[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
