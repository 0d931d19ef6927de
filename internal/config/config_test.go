package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
pionex:
  api_key: key
  api_secret: secret
trading:
  symbols:
    - BTC_USDT
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.pionex.com", cfg.Pionex.BaseURL)
	assert.Equal(t, 10, cfg.Pionex.TimeoutSec)
	assert.Equal(t, 3, cfg.Pionex.MaxRetries)
	assert.Equal(t, "1m", cfg.Trading.Interval)
	assert.Equal(t, 60, cfg.Trading.PollSeconds)
	assert.Equal(t, "moderate", cfg.Trading.RiskLevel)
	assert.Equal(t, 0.1, cfg.Risk.BasePositionFraction)
	assert.Equal(t, 0.3, cfg.Risk.MaxPositionFraction)
	assert.Equal(t, 200, cfg.Analysis.Indicator.MinCandles)
	assert.Equal(t, 14, cfg.Analysis.Indicator.RSIPeriod)
	assert.Equal(t, 30.0, cfg.Analysis.Signal.RSIOversold)
	assert.Equal(t, 70.0, cfg.Analysis.Signal.RSIOverbought)
	assert.Equal(t, 1000.0, cfg.Analysis.Signal.VolumeIntensityMin)
	assert.Equal(t, 0.5, cfg.Analysis.Signal.CompositeThreshold)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
trading:
  symbols:
    - ETH_USDT
  interval: 5m
  poll_seconds: 30
  risk_level: aggressive
risk:
  base_position_fraction: 0.05
  daily_loss_limit: 200
analysis:
  signal:
    composite_threshold: 0.7
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "5m", cfg.Trading.Interval)
	assert.Equal(t, 30, cfg.Trading.PollSeconds)
	assert.Equal(t, "aggressive", cfg.Trading.RiskLevel)
	assert.Equal(t, 0.05, cfg.Risk.BasePositionFraction)
	assert.Equal(t, 200.0, cfg.Risk.DailyLossLimit)
	assert.Equal(t, 0.7, cfg.Analysis.Signal.CompositeThreshold)
}

func TestLoadRequiresSymbols(t *testing.T) {
	path := writeConfig(t, `
trading:
  symbols: []
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownRiskLevel(t *testing.T) {
	path := writeConfig(t, `
trading:
  symbols:
    - BTC_USDT
  risk_level: reckless
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsExcessiveLeverage(t *testing.T) {
	path := writeConfig(t, `
trading:
  symbols:
    - BTC_USDT
  leverage: 10
risk:
  max_leverage: 5
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMaxFractionAboveOne(t *testing.T) {
	path := writeConfig(t, `
trading:
  symbols:
    - BTC_USDT
risk:
  max_position_fraction: 1.5
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	path := writeConfig(t, "trading: [не карта")
	_, err := Load(path)
	assert.Error(t, err)
}
