package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "keeper",
		Short:        "Vault keeper daemon",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	root.AddCommand(newRunCmd())
	root.AddCommand(newWithdrawCmd())
	root.AddCommand(newSweepCmd())
	root.AddCommand(newLedgerCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the keeper daemon",
		RunE:  runKeeper,
	}
	addChainFlags(cmd)
	addPipelineFlags(cmd)
	addLedgerFlags(cmd)
	addScriptFlags(cmd)
	return cmd
}

func addChainFlags(cmd *cobra.Command) {
	cmd.Flags().String("rpc", "", "EVM RPC URL")
	cmd.Flags().String("vault", "", "vault contract address")
	cmd.Flags().String("keeper-key", "", "keeper private key (hex)")
	cmd.Flags().String("asset", "", "reserve asset token address (fallback when vault.asset() is unavailable)")
	cmd.Flags().String("stable", "", "stablecoin token address")
	cmd.Flags().String("price-feed", "", "reserve/USD price feed address")
	cmd.Flags().Uint64("confirmations", 1, "confirmations before acting on an event")
	cmd.Flags().Uint64("reorg-buffer", 0, "blocks held back from head, 0 derives from confirmations")
	cmd.Flags().Uint64("start-block", 0, "first block to scan, 0 means head-1")
	cmd.Flags().Duration("poll-interval", 4*time.Second, "head poll interval")
	cmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	cmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().String("wallet-a", "", "strategy wallet A address")
	cmd.Flags().String("wallet-b", "", "strategy wallet B address")
	cmd.Flags().Uint8("reserve-decimals", 8, "reserve asset decimals")
	cmd.Flags().Uint8("stable-decimals", 6, "stablecoin decimals")
	cmd.Flags().Duration("debounce", 30*time.Second, "rebalance debounce window")
	cmd.Flags().Duration("redemption-period", 25*time.Hour, "yield vault redemption period")
	cmd.Flags().Int64("min-usd", 0, "skip withdraw pipelines below this many whole USD")
	cmd.Flags().Int64("buffer-bps", 102, "stablecoin buffer, percent of the converted shortfall")
	cmd.Flags().Duration("max-price-age", time.Hour, "reject oracle answers older than this")
	cmd.Flags().String("venue-coin", "BTC", "perp venue coin symbol")
	cmd.Flags().String("venue-side", "short", "perp position side")
	cmd.Flags().Int64("venue-slippage-bps", 50, "perp order slippage in basis points")
	cmd.Flags().Int64("venue-leverage", 1, "perp position leverage")
	cmd.Flags().String("yield-vault", "", "remote yield vault address")
	cmd.Flags().String("yield-authority", "", "remote yield vault authority")
}

func addLedgerFlags(cmd *cobra.Command) {
	cmd.Flags().String("ledger", "./data/withdraw_state.json", "withdrawal ledger path")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN, overrides the file ledger")
	cmd.Flags().Duration("sweep-interval", 60*time.Second, "finalize sweep interval")
	cmd.Flags().Int("retention-days", 7, "days to keep finished ledger entries")
}

func addScriptFlags(cmd *cobra.Command) {
	cmd.Flags().String("script-swap", "", "swap reserve->stable script")
	cmd.Flags().String("script-swap-back", "", "swap stable->reserve script")
	cmd.Flags().String("script-bridge", "", "bridge to remote chain script")
	cmd.Flags().String("script-bridge-back", "", "bridge back script")
	cmd.Flags().String("script-venue-deposit", "", "venue deposit script")
	cmd.Flags().String("script-venue-open", "", "venue open position script")
	cmd.Flags().String("script-venue-close", "", "venue close position script")
	cmd.Flags().String("script-venue-withdraw", "", "venue withdraw script")
	cmd.Flags().String("script-vault-deposit", "", "yield vault deposit script")
	cmd.Flags().String("script-vault-request-withdraw", "", "yield vault request-withdraw script")
	cmd.Flags().String("script-vault-finalize-withdraw", "", "yield vault finalize-withdraw script")
	cmd.Flags().String("script-send-stable", "", "send stablecoin script")
	cmd.Flags().String("python-bin", "python3", "interpreter for .py scripts")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
