// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, metrics address, and logging level.
type App struct {
	Name        string `yaml:"name"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// NTP configures the clock-drift preflight executed before any component starts.
type NTP struct {
	Enabled     bool   `yaml:"enabled"`
	Server      string `yaml:"server"`
	MaxDriftMs  int    `yaml:"max_drift_ms"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// StrategyParams groups tunable knobs for the signal generator.
type StrategyParams struct {
	ShortEMA               int     `yaml:"short_ema"`
	LongEMA                int     `yaml:"long_ema"`
	RSIPeriod              int     `yaml:"rsi_period"`
	RegimeFilterPeriod     int     `yaml:"regime_filter_period"`
	ADXPeriod              int     `yaml:"adx_period"`
	ADXThreshold           float64 `yaml:"adx_threshold"`
	RSIConvictionThreshold float64 `yaml:"rsi_conviction_threshold"`
}

// RiskParams encodes guard-rails for sizing and exits.
type RiskParams struct {
	ATRPeriod              int     `yaml:"atr_period"`
	ATRMultiplier          float64 `yaml:"atr_multiplier"`
	RiskPerTrade           float64 `yaml:"risk_per_trade"`
	RiskRewardRatio        float64 `yaml:"risk_reward_ratio"`
	MinBalanceUSDT         float64 `yaml:"min_balance_usdt"`
	MaxNegativeFundingRate float64 `yaml:"max_negative_funding_rate"`
	HighConvictionRiskMult float64 `yaml:"high_conviction_risk_mult"`
	LowConvictionRiskMult  float64 `yaml:"low_conviction_risk_mult"`
}

// EngineParams tunes warm-up depth and historical backfill range.
type EngineParams struct {
	WarmUpCandles  int `yaml:"warm_up_candles"`
	DaysToBackfill int `yaml:"days_to_backfill"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App          App            `yaml:"app"`
	Symbol       string         `yaml:"symbol"`
	Timeframe    string         `yaml:"timeframe"`
	LiveMode     bool           `yaml:"live_mode"`
	ShadowMode   bool           `yaml:"shadow_mode"`
	StrategyName string         `yaml:"strategy_name"`
	Strategy     StrategyParams `yaml:"strategy_params"`
	Risk         RiskParams     `yaml:"risk_params"`
	Engine       EngineParams   `yaml:"engine_params"`
	NTP          NTP            `yaml:"ntp"`
}

// Testnet reports whether the exchange connection should target the testnet.
// Testnet is implied whenever live mode is off.
func (c *Config) Testnet() bool { return !c.LiveMode }

// Load reads a YAML file from disk and hydrates a Config struct.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return &config, nil
}

func (c *Config) validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("config: symbol is required")
	}
	if c.Timeframe == "" {
		return fmt.Errorf("config: timeframe is required")
	}
	if _, err := strconv.Atoi(c.Timeframe); err != nil {
		return fmt.Errorf("config: timeframe must be a minute interval such as \"15\": %w", err)
	}
	if c.StrategyName == "" {
		return fmt.Errorf("config: strategy_name is required")
	}
	if c.Risk.RiskPerTrade <= 0 {
		return fmt.Errorf("config: risk_params.risk_per_trade must be > 0")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.MetricsAddr == "" {
		c.App.MetricsAddr = ":9102"
	}
	if c.Engine.WarmUpCandles <= 0 {
		c.Engine.WarmUpCandles = 500
	}
	if c.Engine.DaysToBackfill <= 0 {
		c.Engine.DaysToBackfill = 365
	}
	if c.NTP.Server == "" {
		c.NTP.Server = "pool.ntp.org"
	}
	if c.NTP.MaxDriftMs <= 0 {
		c.NTP.MaxDriftMs = 2000
	}
	if c.NTP.TimeoutSecs <= 0 {
		c.NTP.TimeoutSecs = 10
	}
	// Shadow mode only makes sense against the live exchange.
	if c.ShadowMode && !c.LiveMode {
		c.ShadowMode = false
	}
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
