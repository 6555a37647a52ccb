package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/hwdeboer1977/algostrats/internal/config"
	"github.com/hwdeboer1977/algostrats/internal/ledger"
	"github.com/hwdeboer1977/algostrats/internal/model"
	"github.com/hwdeboer1977/algostrats/internal/units"
)

// WithdrawJob is the payload of a withdraw-init pipeline job: the on-chain
// event plus the stablecoin amount the shortfall calculation asks to unwind.
type WithdrawJob struct {
	Event     model.WithdrawInitiatedEvent
	StableRaw *big.Int
}

// WithdrawConfig tunes the two-stage withdrawal unwind.
type WithdrawConfig struct {
	Vault   common.Address
	WalletA common.Address

	StableDecimals uint8

	// YieldVault and YieldAuthority identify the remote yield vault account
	// and its signer, passed through to the vault scripts when set.
	YieldVault     string
	YieldAuthority string

	// VenuePct splits the requested stablecoin between the perp venue and
	// the yield vault. The venue share is closed and withdrawn at init; the
	// remainder goes through the yield vault's delayed redemption.
	VenuePct int64

	RedemptionPeriod time.Duration

	Scripts config.Scripts
}

// WithdrawPipeline unwinds strategy positions to cover vault withdrawals.
// Init runs synchronously from the withdraw queue and records a ledger entry;
// Finalize runs from the sweep once the redemption period has elapsed.
type WithdrawPipeline struct {
	cfg    WithdrawConfig
	stable BalanceReader
	store  ledger.Store
	runner ScriptRunner
	logger *zap.Logger
	now    func() time.Time
}

// NewWithdrawPipeline builds the pipeline with its ledger and runner.
func NewWithdrawPipeline(cfg WithdrawConfig, stable BalanceReader, store ledger.Store, runner ScriptRunner, logger *zap.Logger) (*WithdrawPipeline, error) {
	if stable == nil {
		return nil, fmt.Errorf("stablecoin reader is required")
	}
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("script runner is required")
	}
	if cfg.VenuePct <= 0 {
		cfg.VenuePct = 50
	}
	if cfg.RedemptionPeriod <= 0 {
		cfg.RedemptionPeriod = 25 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WithdrawPipeline{
		cfg:    cfg,
		stable: stable,
		store:  store,
		runner: runner,
		logger: logger,
		now:    time.Now,
	}, nil
}

// ExecuteInit adapts Init to the job queue contract.
func (p *WithdrawPipeline) ExecuteInit(ctx context.Context, job Job) error {
	payload, ok := job.Payload.(WithdrawJob)
	if !ok {
		return fmt.Errorf("withdraw job %s: unexpected payload %T", job.ID, job.Payload)
	}
	_, err := p.Init(ctx, payload)
	return err
}

// Init closes the venue share of the position, starts the yield vault's
// delayed redemption for the rest, and records the request in the ledger.
// The returned request's redeemAt is when Finalize may run.
func (p *WithdrawPipeline) Init(ctx context.Context, job WithdrawJob) (ledger.Request, error) {
	if job.StableRaw == nil || job.StableRaw.Sign() <= 0 {
		return ledger.Request{}, fmt.Errorf("withdraw init needs a positive stablecoin amount")
	}

	venueAmt := units.Fraction(job.StableRaw, p.cfg.VenuePct, 100)
	vaultAmt := new(big.Int).Sub(job.StableRaw, venueAmt)

	log := p.logger.With(
		zap.String("user", job.Event.User),
		zap.String("stable", units.Format(job.StableRaw, p.cfg.StableDecimals)),
	)
	log.Info("withdraw init",
		zap.String("venue_share", units.Format(venueAmt, p.cfg.StableDecimals)),
		zap.String("vault_share", units.Format(vaultAmt, p.cfg.StableDecimals)),
	)

	if venueAmt.Sign() > 0 {
		human := units.Format(venueAmt, p.cfg.StableDecimals)
		if _, err := p.runner.Run(ctx, scriptCommand(p.cfg.Scripts, p.cfg.Scripts.VenueClose,
			"--amount="+human,
		)); err != nil {
			return ledger.Request{}, fmt.Errorf("venue close: %w", err)
		}
	}

	reqID := ledger.NewRequestID()
	if vaultAmt.Sign() > 0 {
		args := []string{
			"--req-id=" + reqID,
			"--amount=" + units.Format(vaultAmt, p.cfg.StableDecimals),
		}
		args = append(args, p.yieldVaultArgs(true)...)
		if _, err := p.runner.Run(ctx, scriptCommand(p.cfg.Scripts, p.cfg.Scripts.VaultRequestWithdraw, args...)); err != nil {
			return ledger.Request{}, fmt.Errorf("yield vault request withdraw: %w", err)
		}
	}

	req := ledger.Request{
		ReqID:    reqID,
		RedeemAt: p.now().Add(p.cfg.RedemptionPeriod).UnixMilli(),
		// Note carries the requested stablecoin amount so Finalize can size
		// the transfer back to the vault.
		Note: units.Format(job.StableRaw, p.cfg.StableDecimals),
	}
	if err := p.store.Upsert(ctx, req); err != nil {
		return ledger.Request{}, fmt.Errorf("record withdrawal request: %w", err)
	}

	log.Info("withdrawal request recorded",
		zap.String("req_id", reqID),
		zap.Int64("redeem_at", req.RedeemAt),
	)
	return req, nil
}

// Finalize completes one due request: collect the redeemed funds, bridge them
// home, return the owed stablecoin to the vault, and swap any surplus back to
// the reserve asset. Satisfies the sweep's finalize contract.
func (p *WithdrawPipeline) Finalize(ctx context.Context, req ledger.Request) error {
	log := p.logger.With(zap.String("req_id", req.ReqID))
	log.Info("withdraw finalize")

	args := append([]string{"--req-id=" + req.ReqID}, p.yieldVaultArgs(false)...)
	if _, err := p.runner.Run(ctx, scriptCommand(p.cfg.Scripts, p.cfg.Scripts.VaultFinalizeWithdraw, args...)); err != nil {
		return fmt.Errorf("yield vault finalize withdraw: %w", err)
	}
	if _, err := p.runner.Run(ctx, scriptCommand(p.cfg.Scripts, p.cfg.Scripts.VenueWithdraw)); err != nil {
		return fmt.Errorf("venue withdraw: %w", err)
	}
	if _, err := p.runner.Run(ctx, scriptCommand(p.cfg.Scripts, p.cfg.Scripts.BridgeBack)); err != nil {
		return fmt.Errorf("bridge back: %w", err)
	}

	bal, err := p.stable.BalanceOf(ctx, p.cfg.WalletA)
	if err != nil {
		return fmt.Errorf("read wallet A stablecoin: %w", err)
	}
	owed := p.owedAmount(req, bal)
	if owed.Sign() <= 0 {
		return fmt.Errorf("no stablecoin available to return for %s", req.ReqID)
	}

	human := units.Format(owed, p.cfg.StableDecimals)
	log.Info("send stablecoin to vault", zap.String("amount", human))
	if _, err := p.runner.Run(ctx, scriptCommand(p.cfg.Scripts, p.cfg.Scripts.SendStable,
		"--to="+p.cfg.Vault.Hex(),
		"--amount="+human,
	)); err != nil {
		return fmt.Errorf("send stablecoin: %w", err)
	}

	surplus := new(big.Int).Sub(bal, owed)
	if surplus.Sign() > 0 {
		human := units.Format(surplus, p.cfg.StableDecimals)
		log.Info("swap surplus back to reserve asset", zap.String("amount", human))
		if _, err := p.runner.Run(ctx, scriptCommand(p.cfg.Scripts, p.cfg.Scripts.SwapBack,
			"--amount="+human,
		)); err != nil {
			return fmt.Errorf("swap back: %w", err)
		}
	}

	log.Info("withdraw finalize done")
	return nil
}

// yieldVaultArgs carries the remote vault identity to the vault scripts.
// The authority only signs the request stage.
func (p *WithdrawPipeline) yieldVaultArgs(withAuthority bool) []string {
	var args []string
	if p.cfg.YieldVault != "" {
		args = append(args, "--vault="+p.cfg.YieldVault)
	}
	if withAuthority && p.cfg.YieldAuthority != "" {
		args = append(args, "--authority="+p.cfg.YieldAuthority)
	}
	return args
}

// owedAmount recovers the requested amount from the ledger note, capped at
// what the wallet actually holds. A note that does not parse means the entry
// predates amount tracking; fall back to the full balance.
func (p *WithdrawPipeline) owedAmount(req ledger.Request, balance *big.Int) *big.Int {
	owed, err := units.Parse(req.Note, p.cfg.StableDecimals)
	if err != nil || owed.Sign() <= 0 {
		return new(big.Int).Set(balance)
	}
	if owed.Cmp(balance) > 0 {
		return new(big.Int).Set(balance)
	}
	return owed
}
