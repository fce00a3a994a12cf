// Package config provides configuration management for the signal bridge.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by Validate when fields are unset.
const (
	defaultRiskPercent      = 0.5
	defaultTimeoutBars      = 4
	defaultTimeframeMinutes = 240
	defaultMinDelayMs       = 500
	defaultMaxDelayMs       = 3000
	defaultMinFreeMarginPct = 30.0
	defaultMaxOpenPositions = 5
	defaultMaxPendingOrders = 10
	defaultReaperIntervalS  = 900
	defaultWebhookPort      = 5000
	defaultFallbackAccount  = 10000.0
)

// Config is the complete application configuration.
type Config struct {
	General       GeneralConfig               `yaml:"general"`
	Execution     ExecutionConfig             `yaml:"execution"`
	Filters       FilterConfig                `yaml:"filters"`
	Webhook       WebhookConfig               `yaml:"webhook"`
	Brokers       map[string]*BrokerConfig    `yaml:"brokers"`
	Instruments   map[string]*InstrumentEntry `yaml:"instruments"`
	Notifications NotificationsConfig         `yaml:"notifications"`
}

// GeneralConfig defines global trading parameters.
type GeneralConfig struct {
	RiskPercent      float64 `yaml:"risk_percent"`
	UseEquity        bool    `yaml:"use_equity"`
	OrderTimeoutBars int     `yaml:"order_timeout_bars"`
	TimeframeMinutes int     `yaml:"candle_timeframe_minutes"`
	LogLevel         string  `yaml:"log_level"` // debug | info | warn | error
}

// ExecutionConfig controls dispatch ordering and pacing.
type ExecutionConfig struct {
	AccountOrder         []string `yaml:"account_order"`
	MinDelayMs           int      `yaml:"min_delay_ms"`
	MaxDelayMs           int      `yaml:"max_delay_ms"`
	ReaperIntervalSec    int      `yaml:"reaper_interval_sec"`
	FallbackAccountValue float64  `yaml:"fallback_account_value"`
}

// FilterConfig holds the pre-trade safety limits. Drawdown fields are
// reserved: parsed and validated, but tracked outside the core pipeline.
type FilterConfig struct {
	MinFreeMarginPct    float64 `yaml:"min_free_margin_pct"`
	MaxOpenPositions    int     `yaml:"max_open_positions"`
	MaxPendingOrders    int     `yaml:"max_pending_orders"`
	DuplicatePrevention *bool   `yaml:"duplicate_prevention"`
	MaxDailyDrawdownPct float64 `yaml:"max_daily_drawdown_pct"`
	MaxTotalDrawdownPct float64 `yaml:"max_total_drawdown_pct"`
}

// DuplicatePreventionEnabled reports the duplicate check switch (default on).
func (f *FilterConfig) DuplicatePreventionEnabled() bool {
	return f.DuplicatePrevention == nil || *f.DuplicatePrevention
}

// WebhookConfig defines the HTTP intake settings.
type WebhookConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	SecretToken string   `yaml:"secret_token"`
	AllowedIPs  []string `yaml:"allowed_ips"`
}

// BrokerConfig is one brokerage account entry. The credential fields are a
// union over the supported adapter types; Validate checks the ones the
// declared type requires.
type BrokerConfig struct {
	Type    string `yaml:"type"` // ctrader | tradelocker
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
	Demo    bool   `yaml:"demo"`

	// Persistent binary RPC (ctrader)
	ClientID         string `yaml:"client_id,omitempty"`
	ClientSecret     string `yaml:"client_secret,omitempty"`
	AccessToken      string `yaml:"access_token,omitempty"`
	RefreshToken     string `yaml:"refresh_token,omitempty"`
	AutoRefreshToken *bool  `yaml:"auto_refresh_token,omitempty"`

	// Stateless REST (tradelocker)
	Email    string `yaml:"email,omitempty"`
	Password string `yaml:"password,omitempty"`
	Server   string `yaml:"server,omitempty"`

	AccountID string `yaml:"account_id,omitempty"`

	// Canonical symbol -> broker-specific handle.
	Instruments map[string]string `yaml:"instruments,omitempty"`

	// Per-account overrides of the global filter caps.
	Filters *FilterConfig `yaml:"filters,omitempty"`
}

// AutoRefresh reports whether token auto-refresh is enabled (default on).
func (b *BrokerConfig) AutoRefresh() bool {
	return b.AutoRefreshToken == nil || *b.AutoRefreshToken
}

// InstrumentEntry describes one tradable instrument.
type InstrumentEntry struct {
	PipSize        float64 `yaml:"pip_size"`
	PipValuePerLot float64 `yaml:"pip_value_per_lot,omitempty"` // 0 = derive dynamically
	ContractSize   float64 `yaml:"contract_size,omitempty"`     // default 100000
	QuoteCurrency  string  `yaml:"quote_currency,omitempty"`
	MinLot         float64 `yaml:"min_lot,omitempty"`
	MaxLot         float64 `yaml:"max_lot,omitempty"`
	LotStep        float64 `yaml:"lot_step,omitempty"`
	SessionModel   string  `yaml:"session_model,omitempty"`        // 24x7 | 24x5 | RTH
	CandlePhaseMin *int    `yaml:"candle_phase_minutes,omitempty"` // nil = auto-detect
}

// NotificationsConfig controls the outbound alert fan-out.
type NotificationsConfig struct {
	Enabled        bool           `yaml:"enabled"`
	OnOrderPlaced  *bool          `yaml:"on_order_placed"`
	OnOrderExpired *bool          `yaml:"on_order_expired"`
	OnError        *bool          `yaml:"on_error"`
	Telegram       TelegramConfig `yaml:"telegram"`
	Discord        DiscordConfig  `yaml:"discord"`
}

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// DiscordConfig configures the Discord webhook sink.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// Load reads, env-overrides, and validates the configuration file.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- operator-provided path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides layers secrets from the environment on top of file
// contents. Adapter credentials target every broker of the matching type;
// deployments run one account per vendor so this matches the original
// CT_* / TL_* convention.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		c.Webhook.SecretToken = v
	}
	if v := os.Getenv("WEBHOOK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Webhook.Port = port
		}
	}

	for _, id := range sortedBrokerIDs(c.Brokers) {
		b := c.Brokers[id]
		switch b.Type {
		case "ctrader":
			overrideString(&b.ClientID, "CT_CLIENT_ID")
			overrideString(&b.ClientSecret, "CT_CLIENT_SECRET")
			overrideString(&b.AccessToken, "CT_ACCESS_TOKEN")
			overrideString(&b.RefreshToken, "CT_REFRESH_TOKEN")
			overrideString(&b.AccountID, "CT_ACCOUNT_ID")
		case "tradelocker":
			overrideString(&b.Email, "TL_EMAIL")
			overrideString(&b.Password, "TL_PASSWORD")
			overrideString(&b.Server, "TL_SERVER")
		}
	}
}

func overrideString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func sortedBrokerIDs(brokers map[string]*BrokerConfig) []string {
	ids := make([]string, 0, len(brokers))
	for id, b := range brokers {
		if b != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Validate normalizes defaults and checks cross-field consistency.
func (c *Config) Validate() error {
	if c.General.RiskPercent == 0 {
		c.General.RiskPercent = defaultRiskPercent
	}
	if c.General.RiskPercent < 0.1 || c.General.RiskPercent > 5.0 {
		return fmt.Errorf("general.risk_percent must be between 0.1 and 5.0")
	}
	if c.General.OrderTimeoutBars == 0 {
		c.General.OrderTimeoutBars = defaultTimeoutBars
	}
	if c.General.OrderTimeoutBars < 1 || c.General.OrderTimeoutBars > 20 {
		return fmt.Errorf("general.order_timeout_bars must be between 1 and 20")
	}
	if c.General.TimeframeMinutes == 0 {
		c.General.TimeframeMinutes = defaultTimeframeMinutes
	}
	if c.General.TimeframeMinutes < 1 {
		return fmt.Errorf("general.candle_timeframe_minutes must be > 0")
	}
	if c.General.LogLevel == "" {
		c.General.LogLevel = "info"
	}

	if c.Execution.MinDelayMs == 0 {
		c.Execution.MinDelayMs = defaultMinDelayMs
	}
	if c.Execution.MaxDelayMs == 0 {
		c.Execution.MaxDelayMs = defaultMaxDelayMs
	}
	if c.Execution.MinDelayMs < 0 || c.Execution.MaxDelayMs < c.Execution.MinDelayMs {
		return fmt.Errorf("execution delay window invalid: min=%d max=%d",
			c.Execution.MinDelayMs, c.Execution.MaxDelayMs)
	}
	if c.Execution.ReaperIntervalSec == 0 {
		c.Execution.ReaperIntervalSec = defaultReaperIntervalS
	}
	if c.Execution.FallbackAccountValue == 0 {
		c.Execution.FallbackAccountValue = defaultFallbackAccount
	}

	if c.Filters.MinFreeMarginPct == 0 {
		c.Filters.MinFreeMarginPct = defaultMinFreeMarginPct
	}
	if c.Filters.MaxOpenPositions == 0 {
		c.Filters.MaxOpenPositions = defaultMaxOpenPositions
	}
	if c.Filters.MaxPendingOrders == 0 {
		c.Filters.MaxPendingOrders = defaultMaxPendingOrders
	}

	if c.Webhook.Host == "" {
		c.Webhook.Host = "0.0.0.0"
	}
	if c.Webhook.Port == 0 {
		c.Webhook.Port = defaultWebhookPort
	}

	for id, b := range c.Brokers {
		if b == nil {
			return fmt.Errorf("brokers.%s: empty entry", id)
		}
		if b.Name == "" {
			b.Name = id
		}
		switch b.Type {
		case "ctrader":
			if b.Enabled && (b.ClientID == "" || b.ClientSecret == "" || b.AccessToken == "") {
				return fmt.Errorf("brokers.%s: client_id, client_secret and access_token are required", id)
			}
		case "tradelocker":
			if b.Enabled && (b.Email == "" || b.Password == "") {
				return fmt.Errorf("brokers.%s: email and password are required", id)
			}
		default:
			return fmt.Errorf("brokers.%s: unknown type %q", id, b.Type)
		}
	}

	for _, id := range c.Execution.AccountOrder {
		if _, ok := c.Brokers[id]; !ok {
			return fmt.Errorf("execution.account_order references unknown broker %q", id)
		}
	}

	for sym, inst := range c.Instruments {
		if inst == nil || inst.PipSize <= 0 {
			return fmt.Errorf("instruments.%s: pip_size is required", sym)
		}
		switch inst.SessionModel {
		case "", "24x7", "24x5", "RTH":
		default:
			return fmt.Errorf("instruments.%s: unknown session_model %q", sym, inst.SessionModel)
		}
	}

	return nil
}

// EnabledBrokers returns the enabled broker entries keyed by id.
func (c *Config) EnabledBrokers() map[string]*BrokerConfig {
	out := make(map[string]*BrokerConfig)
	for id, b := range c.Brokers {
		if b != nil && b.Enabled {
			out[id] = b
		}
	}
	return out
}

// AccountFilters returns the filter limits for one broker: the global
// section with any per-account overrides applied on top.
func (c *Config) AccountFilters(brokerID string) FilterConfig {
	f := c.Filters
	b, ok := c.Brokers[brokerID]
	if !ok || b.Filters == nil {
		return f
	}
	o := b.Filters
	if o.MinFreeMarginPct != 0 {
		f.MinFreeMarginPct = o.MinFreeMarginPct
	}
	if o.MaxOpenPositions != 0 {
		f.MaxOpenPositions = o.MaxOpenPositions
	}
	if o.MaxPendingOrders != 0 {
		f.MaxPendingOrders = o.MaxPendingOrders
	}
	if o.DuplicatePrevention != nil {
		f.DuplicatePrevention = o.DuplicatePrevention
	}
	return f
}

// DelayWindow returns the inter-account/inter-signal spacing bounds.
func (c *Config) DelayWindow() (minDelay, maxDelay time.Duration) {
	return time.Duration(c.Execution.MinDelayMs) * time.Millisecond,
		time.Duration(c.Execution.MaxDelayMs) * time.Millisecond
}

// ReaperInterval returns the cleanup cycle period.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.Execution.ReaperIntervalSec) * time.Second
}
