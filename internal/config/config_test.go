package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadServiceConfigDefaultsAndValidation(t *testing.T) {
	path := writeTemp(t, "service.yaml", "log_level: info\nrest_timeout_sec: 5\nws: \"1\"\n")
	cfg, err := LoadServiceConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.WS)
	assert.Equal(t, "127.0.0.1:8080", cfg.WSAddr())
	assert.Equal(t, int64(100), cfg.WSAnswerTimeoutMs)
}

func TestLoadServiceConfigRetentionDefaults(t *testing.T) {
	path := writeTemp(t, "service.yaml", "rest_timeout_sec: 5\n")
	cfg, err := LoadServiceConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7*24*3600, cfg.RetainSec)
	assert.Equal(t, 300, cfg.SweepIntervalSec)
	assert.False(t, cfg.Metrics)
}

func TestLoadServiceConfigRejectsLowTimeout(t *testing.T) {
	path := writeTemp(t, "service.yaml", "rest_timeout_sec: 0\n")
	_, err := LoadServiceConfig(path)
	assert.Error(t, err)
}

func TestLoadServiceConfigEnvOverlay(t *testing.T) {
	path := writeTemp(t, "service.yaml", "log_level: info\nrest_timeout_sec: 5\n")
	t.Setenv("APP__LOG_LEVEL", "debug")
	cfg, err := LoadServiceConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMarketConfigAcceptsStringOrArrayForms(t *testing.T) {
	path := writeTemp(t, "market.yaml", "exchanges: [binance, kraken]\ncoins: \"btc, eth\"\nchannels: [ticker, trades]\n")
	cfg, err := LoadMarketConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"BINANCE", "KRAKEN"}, []string(cfg.Exchanges))
	assert.Equal(t, []string{"BTC", "ETH"}, []string(cfg.Coins))
}

func TestLoadMarketConfigRejectsUnknownChannel(t *testing.T) {
	path := writeTemp(t, "market.yaml", "exchanges: [binance]\ncoins: [btc]\nchannels: [quotes]\n")
	_, err := LoadMarketConfig(path)
	assert.Error(t, err)
}
