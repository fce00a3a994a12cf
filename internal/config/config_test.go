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
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const fullYAML = `
general:
  risk_percent: 1.0
  use_equity: true
  order_timeout_bars: 6
  candle_timeframe_minutes: 60
execution:
  account_order: [icm, tl]
  min_delay_ms: 100
  max_delay_ms: 500
filters:
  min_free_margin_pct: 40
  max_open_positions: 3
webhook:
  port: 8080
  secret_token: hush
brokers:
  icm:
    type: ctrader
    enabled: true
    demo: true
    client_id: cid
    client_secret: cs
    access_token: at
    refresh_token: rt
    instruments:
      EURUSD: EURUSD
  tl:
    type: tradelocker
    enabled: true
    email: a@b.c
    password: pw
    server: DEMO1
instruments:
  EURUSD:
    pip_size: 0.0001
`

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullYAML))
	require.NoError(t, err)

	assert.Equal(t, 1.0, cfg.General.RiskPercent)
	assert.True(t, cfg.General.UseEquity)
	assert.Equal(t, 6, cfg.General.OrderTimeoutBars)
	assert.Equal(t, []string{"icm", "tl"}, cfg.Execution.AccountOrder)
	assert.Equal(t, 8080, cfg.Webhook.Port)
	assert.Len(t, cfg.EnabledBrokers(), 2)
	assert.True(t, cfg.Brokers["icm"].AutoRefresh(), "auto refresh defaults on")
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "webhook:\n  secret_token: x\n"))
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.General.RiskPercent)
	assert.Equal(t, 4, cfg.General.OrderTimeoutBars)
	assert.Equal(t, 240, cfg.General.TimeframeMinutes)
	assert.Equal(t, 500, cfg.Execution.MinDelayMs)
	assert.Equal(t, 3000, cfg.Execution.MaxDelayMs)
	assert.Equal(t, 30.0, cfg.Filters.MinFreeMarginPct)
	assert.Equal(t, 5000, cfg.Webhook.Port)
	assert.True(t, cfg.Filters.DuplicatePreventionEnabled())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "general:\n  risk_pct: 1.0\n"))
	assert.Error(t, err)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"risk too high":  "general:\n  risk_percent: 9.0\n",
		"bad delays":     "execution:\n  min_delay_ms: 500\n  max_delay_ms: 100\n",
		"unknown broker": "brokers:\n  x:\n    type: mt5\n",
		"missing creds":  "brokers:\n  x:\n    type: tradelocker\n    enabled: true\n",
		"unknown order":  "execution:\n  account_order: [ghost]\n",
		"bad session":    "instruments:\n  EURUSD:\n    pip_size: 0.0001\n    session_model: lunar\n",
		"no pip size":    "instruments:\n  EURUSD: {}\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_WH_SECRET", "from-env")
	cfg, err := Load(writeConfig(t, "webhook:\n  secret_token: ${TEST_WH_SECRET}\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Webhook.SecretToken)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "override")
	t.Setenv("TL_PASSWORD", "newpw")

	cfg, err := Load(writeConfig(t, fullYAML))
	require.NoError(t, err)

	assert.Equal(t, "override", cfg.Webhook.SecretToken)
	assert.Equal(t, "newpw", cfg.Brokers["tl"].Password)
}

func TestAccountFiltersOverride(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullYAML))
	require.NoError(t, err)

	// No per-account override: globals apply.
	f := cfg.AccountFilters("tl")
	assert.Equal(t, 40.0, f.MinFreeMarginPct)
	assert.Equal(t, 3, f.MaxOpenPositions)

	// Per-account override wins where set.
	off := false
	cfg.Brokers["icm"].Filters = &FilterConfig{MaxOpenPositions: 1, DuplicatePrevention: &off}
	f = cfg.AccountFilters("icm")
	assert.Equal(t, 1, f.MaxOpenPositions)
	assert.Equal(t, 40.0, f.MinFreeMarginPct, "unset override keeps global")
	assert.False(t, f.DuplicatePreventionEnabled())
}
