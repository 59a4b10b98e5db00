package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	VenueKindSim         = "sim"
	VenueKindHyperliquid = "hyperliquid"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Venues    VenuesConfig    `yaml:"venues"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Execution ExecutionConfig `yaml:"execution"`
	Risk      RiskConfig      `yaml:"risk"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	State     StateConfig     `yaml:"state"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Redis     RedisConfig     `yaml:"redis"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type VenuesConfig struct {
	A VenueConfig `yaml:"a"`
	B VenueConfig `yaml:"b"`
}

type VenueConfig struct {
	Name       string        `yaml:"name"`
	Kind       string        `yaml:"kind"`
	Symbol     string        `yaml:"symbol"`
	RateLimit  float64       `yaml:"rate_limit"`
	RateBurst  int           `yaml:"rate_burst"`
	EnvPrefix  string        `yaml:"env_prefix"`
	Sim        SimConfig     `yaml:"sim"`
	REST       RESTConfig    `yaml:"rest"`
	WS         WSConfig      `yaml:"ws"`
	MarketBps  float64       `yaml:"market_bps"`
	BookMaxAge time.Duration `yaml:"book_max_age"`

	// Credentials are never read from the YAML file.
	WalletAddress  string `yaml:"-"`
	PrivateKey     string `yaml:"-"`
	AccountAddress string `yaml:"-"`
	VaultAddress   string `yaml:"-"`
}

type SimConfig struct {
	Seed       int64         `yaml:"seed"`
	StartPrice float64       `yaml:"start_price"`
	Step       float64       `yaml:"step"`
	SpreadBps  float64       `yaml:"spread_bps"`
	Balance    float64       `yaml:"balance"`
	Latency    time.Duration `yaml:"latency"`
	FillDelay  time.Duration `yaml:"fill_delay"`
	FillRatio  *float64      `yaml:"fill_ratio"`
}

func (s SimConfig) FillRatioValue() float64 {
	if s.FillRatio == nil {
		return 1
	}
	return *s.FillRatio
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StrategyConfig struct {
	NotionalUSD        float64       `yaml:"notional_usd"`
	EntryInterval      time.Duration `yaml:"entry_interval"`
	EntryCooldown      time.Duration `yaml:"entry_cooldown"`
	MaxActivePositions int           `yaml:"max_active_positions"`
	HoldBase           time.Duration `yaml:"hold_base"`
	HoldJitter         time.Duration `yaml:"hold_jitter"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

type ExecutionConfig struct {
	CallTimeout      time.Duration `yaml:"call_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	Backoff          time.Duration `yaml:"backoff"`
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	FillTimeout      time.Duration `yaml:"fill_timeout"`
	FillPollInterval time.Duration `yaml:"fill_poll_interval"`
	ToleranceUSD     float64       `yaml:"tolerance_usd"`
	UnwindAttempts   int           `yaml:"unwind_attempts"`
}

type RiskConfig struct {
	MaxPositionNotionalUSD float64       `yaml:"max_position_notional_usd"`
	MaxSpreadBps           float64       `yaml:"max_spread_bps"`
	MaxSlippageBps         float64       `yaml:"max_slippage_bps"`
	MinBalanceBufferUSD    float64       `yaml:"min_balance_buffer_usd"`
	MaxOpeningDuration     time.Duration `yaml:"max_opening_duration"`
}

type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	applyVenueDefaults(&cfg.Venues.A, "Pacifica", "DN_VENUE_A")
	applyVenueDefaults(&cfg.Venues.B, "Variational", "DN_VENUE_B")

	if cfg.Strategy.NotionalUSD == 0 {
		cfg.Strategy.NotionalUSD = 1000
	}
	if cfg.Strategy.EntryInterval == 0 {
		cfg.Strategy.EntryInterval = 5 * time.Second
	}
	if cfg.Strategy.EntryCooldown == 0 {
		cfg.Strategy.EntryCooldown = 3 * time.Second
	}
	if cfg.Strategy.MaxActivePositions == 0 {
		cfg.Strategy.MaxActivePositions = 1
	}
	if cfg.Strategy.HoldBase == 0 {
		cfg.Strategy.HoldBase = 5 * time.Second
	}
	if cfg.Strategy.HoldJitter == 0 {
		cfg.Strategy.HoldJitter = 5 * time.Second
	}
	if cfg.Strategy.ShutdownTimeout == 0 {
		cfg.Strategy.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Execution.CallTimeout == 0 {
		cfg.Execution.CallTimeout = 5 * time.Second
	}
	if cfg.Execution.MaxAttempts == 0 {
		cfg.Execution.MaxAttempts = 3
	}
	if cfg.Execution.Backoff == 0 {
		cfg.Execution.Backoff = 200 * time.Millisecond
	}
	if cfg.Execution.RateLimitBackoff == 0 {
		cfg.Execution.RateLimitBackoff = time.Second
	}
	if cfg.Execution.MaxBackoff == 0 {
		cfg.Execution.MaxBackoff = 5 * time.Second
	}
	if cfg.Execution.FillTimeout == 0 {
		cfg.Execution.FillTimeout = 10 * time.Second
	}
	if cfg.Execution.FillPollInterval == 0 {
		cfg.Execution.FillPollInterval = 250 * time.Millisecond
	}
	if cfg.Execution.ToleranceUSD == 0 {
		cfg.Execution.ToleranceUSD = 5
	}
	if cfg.Execution.UnwindAttempts == 0 {
		cfg.Execution.UnwindAttempts = 3
	}

	if cfg.Risk.MaxOpeningDuration == 0 {
		cfg.Risk.MaxOpeningDuration = 2 * cfg.Execution.FillTimeout
	}
	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/dn-pair-bot.db"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "dn:events"
	}
}

func applyVenueDefaults(v *VenueConfig, name, envPrefix string) {
	if v.Name == "" {
		v.Name = name
	}
	if v.Kind == "" {
		v.Kind = VenueKindSim
	}
	if v.Symbol == "" {
		v.Symbol = "BTC-PERP"
	}
	if v.EnvPrefix == "" {
		v.EnvPrefix = envPrefix
	}
	if v.RateLimit == 0 {
		v.RateLimit = 10
	}
	if v.RateBurst == 0 {
		v.RateBurst = 5
	}
	if v.MarketBps == 0 {
		v.MarketBps = 50
	}
	if v.BookMaxAge == 0 {
		v.BookMaxAge = 2 * time.Second
	}
	if v.Sim.StartPrice == 0 {
		v.Sim.StartPrice = 100
	}
	if v.Sim.Step == 0 {
		v.Sim.Step = 0.5
	}
	if v.Sim.SpreadBps == 0 {
		v.Sim.SpreadBps = 2
	}
	if v.Sim.Balance == 0 {
		v.Sim.Balance = 10000
	}
	if v.REST.BaseURL == "" {
		v.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if v.REST.Timeout == 0 {
		v.REST.Timeout = 10 * time.Second
	}
	if v.WS.URL == "" {
		v.WS.URL = deriveWSURL(v.REST.BaseURL)
	}
	if v.WS.ReconnectDelay == 0 {
		v.WS.ReconnectDelay = 3 * time.Second
	}
	if v.WS.PingInterval == 0 {
		v.WS.PingInterval = 30 * time.Second
	}
}

func deriveWSURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return base + "/ws"
}

func validate(cfg *Config) error {
	if err := validateVenue("venues.a", cfg.Venues.A); err != nil {
		return err
	}
	if err := validateVenue("venues.b", cfg.Venues.B); err != nil {
		return err
	}
	if cfg.Venues.A.Name == cfg.Venues.B.Name {
		return errors.New("venues.a and venues.b must have distinct names")
	}
	if cfg.Strategy.NotionalUSD <= 0 {
		return errors.New("strategy.notional_usd must be > 0")
	}
	if cfg.Risk.MaxPositionNotionalUSD > 0 && cfg.Strategy.NotionalUSD > cfg.Risk.MaxPositionNotionalUSD {
		return errors.New("strategy.notional_usd exceeds risk.max_position_notional_usd")
	}
	if cfg.Strategy.MaxActivePositions < 0 {
		return errors.New("strategy.max_active_positions must be >= 0")
	}
	if cfg.Strategy.HoldBase < 0 || cfg.Strategy.HoldJitter < 0 {
		return errors.New("strategy.hold_base and strategy.hold_jitter must be >= 0")
	}
	if cfg.Strategy.EntryCooldown < 0 {
		return errors.New("strategy.entry_cooldown must be >= 0")
	}
	if cfg.Execution.MaxAttempts < 1 {
		return errors.New("execution.max_attempts must be >= 1")
	}
	if cfg.Execution.UnwindAttempts < 1 {
		return errors.New("execution.unwind_attempts must be >= 1")
	}
	if cfg.Execution.CallTimeout < 0 || cfg.Execution.FillTimeout < 0 || cfg.Execution.FillPollInterval < 0 {
		return errors.New("execution timeouts must be >= 0")
	}
	if cfg.Execution.ToleranceUSD < 0 {
		return errors.New("execution.tolerance_usd must be >= 0")
	}
	if cfg.Risk.MaxSpreadBps < 0 || cfg.Risk.MaxSlippageBps < 0 || cfg.Risk.MinBalanceBufferUSD < 0 {
		return errors.New("risk limits must be >= 0")
	}
	if cfg.Risk.MaxOpeningDuration < 0 {
		return errors.New("risk.max_opening_duration must be >= 0")
	}
	if cfg.Reconcile.Interval < 0 {
		return errors.New("reconcile.interval must be >= 0")
	}
	if cfg.Metrics.EnabledValue() && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}

func validateVenue(field string, v VenueConfig) error {
	switch v.Kind {
	case VenueKindSim:
		if v.Sim.FillRatioValue() < 0 || v.Sim.FillRatioValue() > 1 {
			return fmt.Errorf("%s.sim.fill_ratio must be within [0,1]", field)
		}
		if v.Sim.Latency < 0 || v.Sim.FillDelay < 0 {
			return fmt.Errorf("%s.sim latency and fill_delay must be >= 0", field)
		}
	case VenueKindHyperliquid:
		if strings.TrimSpace(v.WalletAddress) == "" || strings.TrimSpace(v.PrivateKey) == "" {
			return fmt.Errorf("%s: %s_WALLET_ADDRESS and %s_PRIVATE_KEY are required", field, v.EnvPrefix, v.EnvPrefix)
		}
	default:
		return fmt.Errorf("%s.kind %q is not supported", field, v.Kind)
	}
	if strings.TrimSpace(v.Symbol) == "" {
		return fmt.Errorf("%s.symbol is required", field)
	}
	if v.RateLimit < 0 || v.RateBurst < 0 {
		return fmt.Errorf("%s rate limits must be >= 0", field)
	}
	return nil
}
