package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hwdeboer1977/algostrats/internal/chain"
	"github.com/hwdeboer1977/algostrats/internal/config"
	"github.com/hwdeboer1977/algostrats/internal/extproc"
	"github.com/hwdeboer1977/algostrats/internal/finalizer"
	"github.com/hwdeboer1977/algostrats/internal/ingest"
	"github.com/hwdeboer1977/algostrats/internal/ledger"
	"github.com/hwdeboer1977/algostrats/internal/ledger/postgres"
	"github.com/hwdeboer1977/algostrats/internal/model"
	"github.com/hwdeboer1977/algostrats/internal/oracle"
	"github.com/hwdeboer1977/algostrats/internal/pipeline"
	"github.com/hwdeboer1977/algostrats/internal/rebalance"
	"github.com/hwdeboer1977/algostrats/internal/shortfall"
	"github.com/hwdeboer1977/algostrats/internal/units"
	"github.com/hwdeboer1977/algostrats/internal/vault"
)

func runKeeper(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.KeeperKey, "0x"))
	if err != nil {
		return fmt.Errorf("parse keeper key: %w", err)
	}
	keeperAddr := crypto.PubkeyToAddress(key.PublicKey)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	vaultAddr := common.HexToAddress(cfg.Vault)
	vaultBinding, err := vault.NewBinding(chainClient, vaultAddr)
	if err != nil {
		return err
	}
	reserveToken, err := vault.NewERC20(chainClient, common.HexToAddress(cfg.Asset))
	if err != nil {
		return err
	}
	stableToken, err := vault.NewERC20(chainClient, common.HexToAddress(cfg.Stable))
	if err != nil {
		return err
	}

	feed, err := oracle.NewClient(chainClient, common.HexToAddress(cfg.PriceFeed), cfg.MaxPriceAge)
	if err != nil {
		return err
	}
	calc, err := shortfall.NewCalculator(vaultBinding, feed, shortfall.Config{
		ReserveDecimals: cfg.ReserveDecimals,
		StableDecimals:  cfg.StableDecimals,
		BufferBps:       cfg.BufferBps,
	})
	if err != nil {
		return err
	}

	runner := extproc.NewRunner(logger, evmFinality{
		chain:         chainClient,
		confirmations: cfg.Confirmations,
		poll:          cfg.PollInterval,
	})

	depositPipe, err := pipeline.NewDepositPipeline(pipeline.DepositConfig{
		WalletA:          common.HexToAddress(cfg.WalletA),
		WalletB:          common.HexToAddress(cfg.WalletB),
		ReserveDecimals:  cfg.ReserveDecimals,
		StableDecimals:   cfg.StableDecimals,
		VenueCoin:        cfg.VenueCoin,
		VenueSide:        cfg.VenueSide,
		VenueSlippageBps: cfg.VenueSlippageBps,
		VenueLeverage:    cfg.VenueLeverage,
		Scripts:          cfg.Scripts,
	}, reserveToken, stableToken, runner, logger)
	if err != nil {
		return err
	}
	withdrawPipe, err := newWithdrawPipeline(cfg, stableToken, store, runner, logger)
	if err != nil {
		return err
	}

	depositQueue, err := pipeline.NewQueue("deposit", depositPipe.Execute, logger)
	if err != nil {
		return err
	}
	withdrawQueue, err := pipeline.NewQueue("withdraw", withdrawPipe.ExecuteInit, logger)
	if err != nil {
		return err
	}

	scheduler, err := rebalance.NewScheduler(rebalance.Config{
		Debounce:      cfg.DebounceWindow,
		Confirmations: cfg.Confirmations,
		ConfirmPoll:   cfg.PollInterval,
		KeeperKey:     key,
		KeeperAddr:    keeperAddr,
		AssetFallback: common.HexToAddress(cfg.Asset),
	}, vaultBinding, tokenBalance(chainClient), chainClient, logger)
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	sweeper, err := finalizer.NewSweeper(finalizer.Config{
		Interval: cfg.SweepInterval,
	}, store, withdrawPipe.Finalize, logger)
	if err != nil {
		return err
	}

	minStable := new(big.Int).Mul(big.NewInt(cfg.MinStableUSD), units.Pow10(cfg.StableDecimals))

	bindings := []ingest.Binding{
		{
			Name:      "Deposit",
			Signature: vault.DepositEventSig,
			Handler: func(ctx context.Context, ev model.LogEvent) error {
				evt, err := vault.DecodeDeposit(ev)
				if err != nil {
					return err
				}
				depositQueue.Enqueue(ctx, pipeline.NewJob(pipeline.KindDeposit, ev, evt))
				scheduler.Schedule(ctx, "deposit "+ev.TxHash)
				return nil
			},
		},
		{
			Name:      "WithdrawInitiated",
			Signature: vault.WithdrawInitiatedEventSig,
			Handler: func(ctx context.Context, ev model.LogEvent) error {
				evt, err := vault.DecodeWithdrawInitiated(ev)
				if err != nil {
					return err
				}
				res, err := calc.Compute(ctx, evt.Shares)
				if err != nil {
					return err
				}
				if res.StableRaw.Sign() == 0 {
					logger.Info("withdrawal covered by idle assets",
						zap.String("user", evt.User),
						zap.String("tx", ev.TxHash),
					)
					return nil
				}
				if res.StableRaw.Cmp(minStable) < 0 {
					logger.Info("withdrawal below minimum, skipping unwind",
						zap.String("user", evt.User),
						zap.String("stable", units.Format(res.StableRaw, cfg.StableDecimals)),
					)
					return nil
				}
				withdrawQueue.Enqueue(ctx, pipeline.NewJob(pipeline.KindWithdraw, ev, pipeline.WithdrawJob{
					Event:     evt,
					StableRaw: res.StableRaw,
				}))
				return nil
			},
		},
	}

	poller, err := ingest.NewPoller(ingest.Config{
		Address:       vaultAddr,
		Confirmations: cfg.Confirmations,
		PollInterval:  cfg.PollInterval,
		ReorgBuffer:   cfg.ReorgBuffer,
		StartBlock:    cfg.StartBlock,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  cfg.RetryBackoff,
	}, chainClient, bindings, logger)
	if err != nil {
		return err
	}

	logger.Info("keeper start",
		zap.String("vault", vaultAddr.Hex()),
		zap.String("keeper", keeperAddr.Hex()),
		zap.Uint64("confirmations", cfg.Confirmations),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Duration("debounce", cfg.DebounceWindow),
		zap.Duration("sweep_interval", cfg.SweepInterval),
	)

	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", zap.Error(err))
		}
	}()

	err = poller.Run(ctx)

	// Let in-flight pipeline jobs finish before exiting.
	scheduler.Stop()
	depositQueue.Wait()
	withdrawQueue.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// tokenBalance adapts the chain client to the scheduler's balance reader.
func tokenBalance(chainClient *chain.Client) rebalance.BalanceFunc {
	return func(ctx context.Context, token, holder common.Address) (*big.Int, error) {
		erc20, err := vault.NewERC20(chainClient, token)
		if err != nil {
			return nil, err
		}
		return erc20.BalanceOf(ctx, holder)
	}
}

// openStore picks the Postgres ledger when a DSN is configured, the JSON file
// ledger otherwise.
func openStore(ctx context.Context, cfg config.Config) (ledger.Store, func(), error) {
	if cfg.PgDSN != "" {
		store, err := postgres.NewStore(ctx, cfg.PgDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return store, store.Close, nil
	}
	store, err := ledger.NewFileStore(cfg.LedgerPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger file: %w", err)
	}
	return store, func() {}, nil
}

func newWithdrawPipeline(cfg config.Config, stable pipeline.BalanceReader, store ledger.Store, runner pipeline.ScriptRunner, logger *zap.Logger) (*pipeline.WithdrawPipeline, error) {
	return pipeline.NewWithdrawPipeline(pipeline.WithdrawConfig{
		Vault:            common.HexToAddress(cfg.Vault),
		WalletA:          common.HexToAddress(cfg.WalletA),
		StableDecimals:   cfg.StableDecimals,
		YieldVault:       cfg.YieldVault,
		YieldAuthority:   cfg.YieldAuthority,
		RedemptionPeriod: cfg.RedemptionPeriod,
		Scripts:          cfg.Scripts,
	}, stable, store, runner, logger)
}

// evmFinality waits for confirmations on EVM transaction hashes reported by
// external operations. Identifiers from other networks pass through; those
// scripts block until their own chain settles.
type evmFinality struct {
	chain         *chain.Client
	confirmations uint64
	poll          time.Duration
}

func (f evmFinality) WaitFinal(ctx context.Context, txID string) error {
	if !strings.HasPrefix(txID, "0x") || len(txID) != 66 {
		return nil
	}
	_, err := f.chain.WaitConfirmed(ctx, common.HexToHash(txID), f.confirmations, f.poll)
	return err
}
