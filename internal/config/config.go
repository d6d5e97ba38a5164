// Package config loads xmrswapd's operational configuration: an optional
// YAML file of tuning knobs, overlaid with the environment variables that
// form the daemon's documented external contract.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable and credential xmrswapd needs at runtime.
type Config struct {
	// Operational tuning — safe to default, safe to version-control.
	FeeMaxRatio                   float64 `yaml:"fee_max_ratio"`
	SendFeeReserveXMR             float64 `yaml:"send_fee_reserve_xmr"`
	SweepIntervalSeconds          int     `yaml:"sweep_interval_seconds"`
	StealthEXHaircut              float64 `yaml:"stealthex_haircut"`
	StealthEXProbeCacheTTLSeconds int     `yaml:"stealthex_probe_cache_ttl_seconds"`

	// Secrets and endpoints — environment only, never read from YAML.
	ChangeNowAPIKey  string `yaml:"-"`
	ExolixAPIKey     string `yaml:"-"`
	SimpleSwapAPIKey string `yaml:"-"`
	StealthEXAPIKey  string `yaml:"-"`

	WalletRPCURL  string `yaml:"-"`
	WalletRPCUser string `yaml:"-"`
	WalletRPCPass string `yaml:"-"`
}

// Default returns the spec-mandated defaults for every tunable.
func Default() *Config {
	return &Config{
		FeeMaxRatio:                   0.15,
		SendFeeReserveXMR:             0.00030,
		SweepIntervalSeconds:          8,
		StealthEXHaircut:              0.93,
		StealthEXProbeCacheTTLSeconds: 600,
	}
}

// Load builds the effective configuration: defaults, then an optional YAML
// file at path (skipped entirely if path is empty or the file is absent),
// then environment-variable overrides for every recognized variable.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	cfg.ChangeNowAPIKey = os.Getenv("CHANGENOW_API_KEY")
	cfg.ExolixAPIKey = os.Getenv("EXOLIX_API_KEY")
	cfg.SimpleSwapAPIKey = os.Getenv("SIMPLESWAP_API_KEY")
	cfg.StealthEXAPIKey = os.Getenv("STEALTHEX_API_KEY")

	cfg.WalletRPCURL = os.Getenv("XMR_WALLET_RPC_URL")
	cfg.WalletRPCUser = os.Getenv("XMR_WALLET_RPC_USER")
	cfg.WalletRPCPass = os.Getenv("XMR_WALLET_RPC_PASS")

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OUR_FEE_MAX_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.FeeMaxRatio = f
		}
	}
	if v := os.Getenv("XMR_SEND_FEE_RESERVE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SendFeeReserveXMR = f
		}
	}
	if v := os.Getenv("SWEEP_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepIntervalSeconds = n
		}
	}
	if v := os.Getenv("STEALTHEX_QUOTE_HAIRCUT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.StealthEXHaircut = f
		}
	}
}
