package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/hwdeboer1977/algostrats/internal/config"
	"github.com/hwdeboer1977/algostrats/internal/model"
	"github.com/hwdeboer1977/algostrats/internal/units"
)

// DepositConfig tunes the deposit fan-out.
type DepositConfig struct {
	WalletA common.Address
	WalletB common.Address

	ReserveDecimals uint8
	StableDecimals  uint8

	// SwapPct is the share of newly arrived reserve asset swapped to
	// stablecoin per wallet. BridgePct is the share of wallet A stablecoin
	// bridged to the remote chain, and VaultPct the share of the bridged
	// amount deposited into the yield vault.
	SwapPct   int64
	BridgePct int64
	VaultPct  int64

	// Perp position parameters for the venue open call. The short hedges the
	// reserve-asset exposure taken on by the vault.
	VenueCoin        string
	VenueSide        string
	VenueSlippageBps int64
	VenueLeverage    int64

	ArrivalTimeout time.Duration
	ArrivalPoll    time.Duration

	Scripts config.Scripts
}

// DepositPipeline fans newly deposited reserve asset out to the strategy
// venues. Steps run strictly in order; a step whose computed amount is zero
// is skipped, and the first hard failure aborts the remaining steps.
type DepositPipeline struct {
	cfg     DepositConfig
	reserve BalanceReader
	stable  BalanceReader
	runner  ScriptRunner
	logger  *zap.Logger
}

// NewDepositPipeline builds the pipeline with its token readers and runner.
func NewDepositPipeline(cfg DepositConfig, reserve, stable BalanceReader, runner ScriptRunner, logger *zap.Logger) (*DepositPipeline, error) {
	if reserve == nil || stable == nil {
		return nil, fmt.Errorf("token readers are required")
	}
	if runner == nil {
		return nil, fmt.Errorf("script runner is required")
	}
	if cfg.SwapPct <= 0 {
		cfg.SwapPct = 90
	}
	if cfg.BridgePct <= 0 {
		cfg.BridgePct = 50
	}
	if cfg.VaultPct <= 0 {
		cfg.VaultPct = 90
	}
	if cfg.ArrivalTimeout <= 0 {
		cfg.ArrivalTimeout = 10 * time.Minute
	}
	if cfg.ArrivalPoll <= 0 {
		cfg.ArrivalPoll = 5 * time.Second
	}
	if cfg.VenueCoin == "" {
		cfg.VenueCoin = "BTC"
	}
	if cfg.VenueSide == "" {
		cfg.VenueSide = "short"
	}
	if cfg.VenueSlippageBps <= 0 {
		cfg.VenueSlippageBps = 50
	}
	if cfg.VenueLeverage <= 0 {
		cfg.VenueLeverage = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DepositPipeline{
		cfg:     cfg,
		reserve: reserve,
		stable:  stable,
		runner:  runner,
		logger:  logger,
	}, nil
}

// Execute runs the full deposit fan-out for one vault Deposit event.
func (p *DepositPipeline) Execute(ctx context.Context, job Job) error {
	evt, ok := job.Payload.(model.DepositEvent)
	if !ok {
		return fmt.Errorf("deposit job %s: unexpected payload %T", job.ID, job.Payload)
	}
	log := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("owner", evt.Owner),
		zap.String("assets", units.Format(evt.Assets, p.cfg.ReserveDecimals)),
	)
	log.Info("deposit pipeline start")

	arrivedA, arrivedB, err := p.waitArrival(ctx, log)
	if err != nil {
		return fmt.Errorf("wait reserve arrival: %w", err)
	}

	if err := p.swapWallet(ctx, log, "wallet-a", p.cfg.WalletA, arrivedA); err != nil {
		return err
	}
	if err := p.swapWallet(ctx, log, "wallet-b", p.cfg.WalletB, arrivedB); err != nil {
		return err
	}

	bridged, err := p.bridge(ctx, log)
	if err != nil {
		return err
	}
	if err := p.venueEnter(ctx, log); err != nil {
		return err
	}
	if err := p.vaultDeposit(ctx, log, bridged); err != nil {
		return err
	}

	log.Info("deposit pipeline done")
	return nil
}

// waitArrival polls both strategy wallets until the reserve asset balance of
// at least one of them increases over the baseline read at pipeline start.
// The vault's rebalance transfer lands here some time after the Deposit event.
func (p *DepositPipeline) waitArrival(ctx context.Context, log *zap.Logger) (*big.Int, *big.Int, error) {
	baseA, err := p.reserve.BalanceOf(ctx, p.cfg.WalletA)
	if err != nil {
		return nil, nil, fmt.Errorf("read wallet A baseline: %w", err)
	}
	baseB, err := p.reserve.BalanceOf(ctx, p.cfg.WalletB)
	if err != nil {
		return nil, nil, fmt.Errorf("read wallet B baseline: %w", err)
	}

	deadline := time.Now().Add(p.cfg.ArrivalTimeout)
	ticker := time.NewTicker(p.cfg.ArrivalPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ticker.C:
		}

		deltaA, deltaB, err := p.arrivalDeltas(ctx, baseA, baseB)
		if err != nil {
			// Transient read failures are retried, but the deadline below still
			// applies so a dead RPC cannot stall the pipeline forever.
			log.Warn("balance read failed", zap.Error(err))
		} else if deltaA.Sign() > 0 || deltaB.Sign() > 0 {
			log.Info("reserve asset arrived",
				zap.String("wallet_a", units.Format(deltaA, p.cfg.ReserveDecimals)),
				zap.String("wallet_b", units.Format(deltaB, p.cfg.ReserveDecimals)),
			)
			return deltaA, deltaB, nil
		}
		if time.Now().After(deadline) {
			return nil, nil, fmt.Errorf("no balance increase within %s", p.cfg.ArrivalTimeout)
		}
	}
}

func (p *DepositPipeline) arrivalDeltas(ctx context.Context, baseA, baseB *big.Int) (*big.Int, *big.Int, error) {
	balA, err := p.reserve.BalanceOf(ctx, p.cfg.WalletA)
	if err != nil {
		return nil, nil, fmt.Errorf("wallet A: %w", err)
	}
	balB, err := p.reserve.BalanceOf(ctx, p.cfg.WalletB)
	if err != nil {
		return nil, nil, fmt.Errorf("wallet B: %w", err)
	}
	return new(big.Int).Sub(balA, baseA), new(big.Int).Sub(balB, baseB), nil
}

func (p *DepositPipeline) swapWallet(ctx context.Context, log *zap.Logger, name string, wallet common.Address, arrived *big.Int) error {
	amount := units.Fraction(arrived, p.cfg.SwapPct, 100)
	if amount.Sign() <= 0 {
		log.Info("skip swap, nothing arrived", zap.String("wallet", name))
		return nil
	}
	human := units.Format(amount, p.cfg.ReserveDecimals)
	log.Info("swap reserve to stablecoin", zap.String("wallet", name), zap.String("amount", human))

	_, err := p.runner.Run(ctx, scriptCommand(p.cfg.Scripts, p.cfg.Scripts.Swap,
		"--wallet="+wallet.Hex(),
		"--amount="+human,
	))
	if err != nil {
		return fmt.Errorf("swap %s: %w", name, err)
	}
	return nil
}

func (p *DepositPipeline) bridge(ctx context.Context, log *zap.Logger) (*big.Int, error) {
	bal, err := p.stable.BalanceOf(ctx, p.cfg.WalletA)
	if err != nil {
		return nil, fmt.Errorf("read wallet A stablecoin: %w", err)
	}
	amount := units.Fraction(bal, p.cfg.BridgePct, 100)
	if amount.Sign() <= 0 {
		log.Info("skip bridge, no stablecoin on wallet A")
		return amount, nil
	}
	human := units.Format(amount, p.cfg.StableDecimals)
	log.Info("bridge stablecoin to remote chain", zap.String("amount", human))

	_, err = p.runner.Run(ctx, scriptCommand(p.cfg.Scripts, p.cfg.Scripts.Bridge,
		"--amount="+human,
	))
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	return amount, nil
}

func (p *DepositPipeline) venueEnter(ctx context.Context, log *zap.Logger) error {
	bal, err := p.stable.BalanceOf(ctx, p.cfg.WalletB)
	if err != nil {
		return fmt.Errorf("read wallet B stablecoin: %w", err)
	}
	if bal.Sign() <= 0 {
		log.Info("skip venue deposit, no stablecoin on wallet B")
		return nil
	}
	human := units.Format(bal, p.cfg.StableDecimals)
	log.Info("venue deposit", zap.String("amount", human))

	if _, err := p.runner.Run(ctx, scriptCommand(p.cfg.Scripts, p.cfg.Scripts.VenueDeposit,
		"--amount="+human,
		"--recipient="+p.cfg.WalletB.Hex(),
	)); err != nil {
		return fmt.Errorf("venue deposit: %w", err)
	}
	if _, err := p.runner.Run(ctx, scriptCommand(p.cfg.Scripts, p.cfg.Scripts.VenueOpen,
		"--coin="+p.cfg.VenueCoin,
		"--side="+p.cfg.VenueSide,
		"--size="+human,
		fmt.Sprintf("--slippage-bps=%d", p.cfg.VenueSlippageBps),
		fmt.Sprintf("--leverage=%d", p.cfg.VenueLeverage),
	)); err != nil {
		return fmt.Errorf("venue open: %w", err)
	}
	return nil
}

func (p *DepositPipeline) vaultDeposit(ctx context.Context, log *zap.Logger, bridged *big.Int) error {
	amount := units.Fraction(bridged, p.cfg.VaultPct, 100)
	if amount.Sign() <= 0 {
		log.Info("skip yield vault deposit, nothing bridged")
		return nil
	}
	human := units.Format(amount, p.cfg.StableDecimals)
	log.Info("yield vault deposit", zap.String("amount", human))

	if _, err := p.runner.Run(ctx, scriptCommand(p.cfg.Scripts, p.cfg.Scripts.VaultDeposit,
		"--amount="+human,
	)); err != nil {
		return fmt.Errorf("yield vault deposit: %w", err)
	}
	return nil
}
