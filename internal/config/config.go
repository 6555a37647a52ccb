package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Scripts holds paths to the external operation programs the keeper spawns.
type Scripts struct {
	Swap                  string
	SwapBack              string
	Bridge                string
	BridgeBack            string
	VenueDeposit          string
	VenueOpen             string
	VenueClose            string
	VenueWithdraw         string
	VaultDeposit          string
	VaultRequestWithdraw  string
	VaultFinalizeWithdraw string
	SendStable            string
	PythonBin             string
}

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL    string
	Vault     string
	KeeperKey string
	Asset     string
	Stable    string
	PriceFeed string
	WalletA   string
	WalletB   string

	ReserveDecimals uint8
	StableDecimals  uint8

	VenueCoin        string
	VenueSide        string
	VenueSlippageBps int64
	VenueLeverage    int64
	YieldVault       string
	YieldAuthority   string

	PollInterval     time.Duration
	Confirmations    uint64
	ReorgBuffer      uint64
	StartBlock       uint64
	DebounceWindow   time.Duration
	RedemptionPeriod time.Duration
	SweepInterval    time.Duration
	MinStableUSD     int64
	BufferBps        int64
	MaxPriceAge      time.Duration

	LedgerPath    string
	RetentionDays int
	PgDSN         string

	MaxRetries   int
	RetryBackoff time.Duration
	LogLevel     string

	Scripts Scripts
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("reserve-decimals", 8)
	v.SetDefault("stable-decimals", 6)
	v.SetDefault("venue-coin", "BTC")
	v.SetDefault("venue-side", "short")
	v.SetDefault("venue-slippage-bps", int64(50))
	v.SetDefault("venue-leverage", int64(1))
	v.SetDefault("poll-interval", 4*time.Second)
	v.SetDefault("confirmations", uint64(1))
	v.SetDefault("debounce", 30*time.Second)
	v.SetDefault("redemption-period", 25*time.Hour)
	v.SetDefault("sweep-interval", 60*time.Second)
	v.SetDefault("min-usd", int64(0))
	v.SetDefault("buffer-bps", int64(102))
	v.SetDefault("max-price-age", time.Hour)
	v.SetDefault("ledger", "./data/withdraw_state.json")
	v.SetDefault("retention-days", 7)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("log-level", "info")
	v.SetDefault("python-bin", "python3")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:    v.GetString("rpc"),
		Vault:     v.GetString("vault"),
		KeeperKey: v.GetString("keeper-key"),
		Asset:     v.GetString("asset"),
		Stable:    v.GetString("stable"),
		PriceFeed: v.GetString("price-feed"),
		WalletA:   v.GetString("wallet-a"),
		WalletB:   v.GetString("wallet-b"),

		ReserveDecimals: uint8(v.GetUint("reserve-decimals")),
		StableDecimals:  uint8(v.GetUint("stable-decimals")),

		VenueCoin:        v.GetString("venue-coin"),
		VenueSide:        v.GetString("venue-side"),
		VenueSlippageBps: v.GetInt64("venue-slippage-bps"),
		VenueLeverage:    v.GetInt64("venue-leverage"),
		YieldVault:       v.GetString("yield-vault"),
		YieldAuthority:   v.GetString("yield-authority"),

		PollInterval:     v.GetDuration("poll-interval"),
		Confirmations:    v.GetUint64("confirmations"),
		ReorgBuffer:      v.GetUint64("reorg-buffer"),
		StartBlock:       v.GetUint64("start-block"),
		DebounceWindow:   v.GetDuration("debounce"),
		RedemptionPeriod: v.GetDuration("redemption-period"),
		SweepInterval:    v.GetDuration("sweep-interval"),
		MinStableUSD:     v.GetInt64("min-usd"),
		BufferBps:        v.GetInt64("buffer-bps"),
		MaxPriceAge:      v.GetDuration("max-price-age"),

		LedgerPath:    v.GetString("ledger"),
		RetentionDays: v.GetInt("retention-days"),
		PgDSN:         v.GetString("pg-dsn"),

		MaxRetries:   v.GetInt("max-retries"),
		RetryBackoff: v.GetDuration("retry-backoff"),
		LogLevel:     v.GetString("log-level"),

		Scripts: Scripts{
			Swap:                  v.GetString("script-swap"),
			SwapBack:              v.GetString("script-swap-back"),
			Bridge:                v.GetString("script-bridge"),
			BridgeBack:            v.GetString("script-bridge-back"),
			VenueDeposit:          v.GetString("script-venue-deposit"),
			VenueOpen:             v.GetString("script-venue-open"),
			VenueClose:            v.GetString("script-venue-close"),
			VenueWithdraw:         v.GetString("script-venue-withdraw"),
			VaultDeposit:          v.GetString("script-vault-deposit"),
			VaultRequestWithdraw:  v.GetString("script-vault-request-withdraw"),
			VaultFinalizeWithdraw: v.GetString("script-vault-finalize-withdraw"),
			SendStable:            v.GetString("script-send-stable"),
			PythonBin:             v.GetString("python-bin"),
		},
	}

	if !v.IsSet("reorg-buffer") || cfg.ReorgBuffer == 0 {
		cfg.ReorgBuffer = DefaultReorgBuffer(cfg.Confirmations)
	}

	return cfg, nil
}

// DefaultReorgBuffer derives the reorg guard from the confirmation target.
func DefaultReorgBuffer(confirmations uint64) uint64 {
	if confirmations >= 3 {
		return confirmations - 1
	}
	return 2
}

// Validate checks the settings required to run the keeper daemon.
func (c Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if c.Vault == "" {
		return fmt.Errorf("vault address is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.BufferBps <= 0 {
		return fmt.Errorf("buffer-bps must be positive")
	}
	return nil
}
