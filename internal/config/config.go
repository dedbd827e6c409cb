package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"option-settlement-pipeline/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Epoch     EpochConfig     `mapstructure:"epoch"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Feeds     FeedsConfig     `mapstructure:"feeds"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Trace     TraceConfig     `mapstructure:"trace"`
	Dispute   DisputeConfig   `mapstructure:"dispute"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// EpochConfig governs the settlement epoch cadence.
type EpochConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToEpoch    bool          `mapstructure:"align_to_epoch"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	// ExpiryGrace is how long past expiry a contract may stay unsettled
	// (e.g. through consensus outages) before its refund branch activates.
	ExpiryGrace time.Duration `mapstructure:"expiry_grace"`
}

// ConsensusConfig tunes price aggregation.
type ConsensusConfig struct {
	Quorum          int           `mapstructure:"quorum"`
	MaxDeviationPct float64       `mapstructure:"max_deviation_pct"`
	Window          time.Duration `mapstructure:"window"`
}

// FeedsConfig lists price attestation sources.
type FeedsConfig struct {
	Exchanges []ExchangeFeedConfig `mapstructure:"exchanges"`
	Onchain   OnchainFeedConfig    `mapstructure:"onchain"`
}

// ExchangeFeedConfig is one HTTP spot-price source.
type ExchangeFeedConfig struct {
	Name      string        `mapstructure:"name"`
	BaseURL   string        `mapstructure:"base_url"`
	Pair      string        `mapstructure:"pair"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// OnchainFeedConfig is the on-chain aggregator source.
type OnchainFeedConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Name              string        `mapstructure:"name"`
	RPCURL            string        `mapstructure:"rpc_url"`
	AggregatorAddress string        `mapstructure:"aggregator_address"`
	Decimals          int32         `mapstructure:"decimals"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// EngineConfig covers the execution-engine collaborator.
type EngineConfig struct {
	EmulatorPath  string            `mapstructure:"emulator_path"`
	Programs      map[string]string `mapstructure:"programs"`
	StepBudget    uint64            `mapstructure:"step_budget"`
	StepBudgetCap uint64            `mapstructure:"step_budget_cap"`
	MemoryBudget  uint64            `mapstructure:"memory_budget"`
	Timeout       time.Duration     `mapstructure:"timeout"`
}

// TraceConfig tunes trace commitment construction.
type TraceConfig struct {
	CheckpointInterval uint64 `mapstructure:"checkpoint_interval"`
}

// DisputeConfig tunes the narrowing protocol.
type DisputeConfig struct {
	BranchingFactor  int           `mapstructure:"branching_factor"`
	ResponseDeadline time.Duration `mapstructure:"response_deadline"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OPTIONSETTLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "optionsettler")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("epoch.interval", "5m")
	v.SetDefault("epoch.align_to_epoch", true)
	v.SetDefault("epoch.advisory_lock_key", int64(0x6f707473))
	v.SetDefault("epoch.startup_delay", "0s")
	v.SetDefault("epoch.expiry_grace", "1h")

	v.SetDefault("consensus.quorum", 2)
	v.SetDefault("consensus.max_deviation_pct", 2.0)
	v.SetDefault("consensus.window", "2m")

	v.SetDefault("feeds.onchain.enabled", false)
	v.SetDefault("feeds.onchain.name", "onchain")
	v.SetDefault("feeds.onchain.decimals", 8)
	v.SetDefault("feeds.onchain.request_timeout", "10s")

	v.SetDefault("engine.step_budget", uint64(1_000_000))
	v.SetDefault("engine.step_budget_cap", uint64(16_000_000))
	v.SetDefault("engine.timeout", "1m")

	v.SetDefault("trace.checkpoint_interval", uint64(100))

	v.SetDefault("dispute.branching_factor", 10)
	v.SetDefault("dispute.response_deadline", "1h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Epoch.Interval <= 0 {
		return fmt.Errorf("epoch.interval must be greater than zero")
	}
	if c.Epoch.ExpiryGrace < 0 {
		return fmt.Errorf("epoch.expiry_grace must not be negative")
	}
	if c.Consensus.Quorum < 1 {
		return fmt.Errorf("consensus.quorum must be at least 1")
	}
	if c.Consensus.MaxDeviationPct <= 0 {
		return fmt.Errorf("consensus.max_deviation_pct must be greater than zero")
	}
	if c.Consensus.Window <= 0 {
		return fmt.Errorf("consensus.window must be greater than zero")
	}
	if c.Trace.CheckpointInterval == 0 {
		return fmt.Errorf("trace.checkpoint_interval must be greater than zero")
	}
	if c.Dispute.BranchingFactor < 2 {
		return fmt.Errorf("dispute.branching_factor must be at least 2")
	}
	if c.Dispute.ResponseDeadline <= 0 {
		return fmt.Errorf("dispute.response_deadline must be greater than zero")
	}
	if c.Engine.StepBudgetCap < c.Engine.StepBudget {
		return fmt.Errorf("engine.step_budget_cap must not be below engine.step_budget")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
