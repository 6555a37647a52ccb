package rebalance

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Vault is the surface of the vault binding the scheduler needs.
type Vault interface {
	Address() common.Address
	Asset(ctx context.Context) (common.Address, error)
	RebalanceMin(ctx context.Context) (*big.Int, error)
	RebalanceCalldata(amount *big.Int) ([]byte, error)
	PreflightRebalance(ctx context.Context, from common.Address, amount *big.Int) error
}

// BalanceFunc reads the raw balance of holder for the given token.
type BalanceFunc func(ctx context.Context, token, holder common.Address) (*big.Int, error)

// TxSender submits a signed transaction and waits for its confirmations.
type TxSender interface {
	SendTx(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte) (common.Hash, error)
	WaitConfirmed(ctx context.Context, txHash common.Hash, confirmations uint64, pollInterval time.Duration) (*types.Receipt, error)
}

// Config holds the scheduler settings.
type Config struct {
	Debounce      time.Duration
	Confirmations uint64
	ConfirmPoll   time.Duration

	KeeperKey  *ecdsa.PrivateKey
	KeeperAddr common.Address

	// AssetFallback is used when the vault's asset() view cannot be read.
	AssetFallback common.Address
}

// Scheduler collapses bursts of deposit events into a single rebalance. Each
// Schedule call resets a trailing-edge debounce timer; only the last call of a
// burst fires. The fire path simulates rebalance(amount) before spending gas.
type Scheduler struct {
	cfg    Config
	vault  Vault
	read   BalanceFunc
	sender TxSender
	logger *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	reason  string
	stopped bool
}

// NewScheduler builds a Scheduler with its dependencies.
func NewScheduler(cfg Config, vault Vault, read BalanceFunc, sender TxSender, logger *zap.Logger) (*Scheduler, error) {
	if vault == nil {
		return nil, fmt.Errorf("vault binding is nil")
	}
	if read == nil {
		return nil, fmt.Errorf("balance reader is nil")
	}
	if sender == nil {
		return nil, fmt.Errorf("tx sender is nil")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 30 * time.Second
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:    cfg,
		vault:  vault,
		read:   read,
		sender: sender,
		logger: logger,
	}, nil
}

// Schedule arms (or re-arms) the debounce timer. The reason of the last call
// before the timer fires is the one logged. Safe for concurrent use.
func (s *Scheduler) Schedule(ctx context.Context, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.reason = reason
	s.timer = time.AfterFunc(s.cfg.Debounce, func() { s.fire(ctx) })
	s.logger.Debug("rebalance scheduled",
		zap.String("reason", reason),
		zap.Duration("debounce", s.cfg.Debounce),
	)
}

// Stop cancels any pending fire. A fire already running is not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	s.mu.Lock()
	reason := s.reason
	s.mu.Unlock()

	s.logger.Info("rebalance check fired", zap.String("reason", reason))
	if err := s.CheckAndRebalance(ctx); err != nil {
		s.logger.Error("rebalance failed", zap.String("reason", reason), zap.Error(err))
	}
}

// CheckAndRebalance reads the idle reserve-asset balance sitting on the vault
// and, when it clears the contract's rebalanceMin, simulates and then submits
// rebalance(amount). Below-threshold and failed-simulation cases are skips,
// not errors.
func (s *Scheduler) CheckAndRebalance(ctx context.Context) error {
	asset, err := s.vault.Asset(ctx)
	if err != nil || asset == (common.Address{}) {
		if s.cfg.AssetFallback == (common.Address{}) {
			if err != nil {
				return fmt.Errorf("resolve vault asset: %w", err)
			}
			return fmt.Errorf("vault asset is zero and no fallback is configured")
		}
		s.logger.Warn("vault asset() unavailable, using configured fallback", zap.Error(err))
		asset = s.cfg.AssetFallback
	}

	idle, err := s.read(ctx, asset, s.vault.Address())
	if err != nil {
		return fmt.Errorf("read vault idle balance: %w", err)
	}
	min, err := s.vault.RebalanceMin(ctx)
	if err != nil {
		return fmt.Errorf("read rebalanceMin: %w", err)
	}
	if idle.Cmp(min) < 0 {
		s.logger.Info("idle balance below rebalance threshold",
			zap.String("idle", idle.String()),
			zap.String("min", min.String()),
		)
		return nil
	}

	if err := s.vault.PreflightRebalance(ctx, s.cfg.KeeperAddr, idle); err != nil {
		s.logger.Warn("rebalance simulation reverted, skipping submission",
			zap.String("amount", idle.String()),
			zap.Error(err),
		)
		return nil
	}

	data, err := s.vault.RebalanceCalldata(idle)
	if err != nil {
		return fmt.Errorf("pack rebalance calldata: %w", err)
	}
	txHash, err := s.sender.SendTx(ctx, s.cfg.KeeperKey, s.vault.Address(), data)
	if err != nil {
		return fmt.Errorf("send rebalance tx: %w", err)
	}
	s.logger.Info("rebalance submitted",
		zap.String("tx", txHash.Hex()),
		zap.String("amount", idle.String()),
	)

	receipt, err := s.sender.WaitConfirmed(ctx, txHash, s.cfg.Confirmations, s.cfg.ConfirmPoll)
	if err != nil {
		return fmt.Errorf("wait rebalance confirmation: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("rebalance tx %s reverted", txHash.Hex())
	}
	s.logger.Info("rebalance confirmed",
		zap.String("tx", txHash.Hex()),
		zap.Uint64("block", receipt.BlockNumber.Uint64()),
	)
	return nil
}
