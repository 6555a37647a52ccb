package shortfall

import (
	"context"
	"fmt"
	"math/big"

	"github.com/hwdeboer1977/algostrats/internal/model"
	"github.com/hwdeboer1977/algostrats/internal/units"
)

// VaultReader provides the two vault reads the calculator needs.
type VaultReader interface {
	PreviewRedeem(ctx context.Context, shares *big.Int) (*big.Int, error)
	IdleAssets(ctx context.Context) (*big.Int, error)
}

// QuoteSource provides the oracle price.
type QuoteSource interface {
	LatestQuote(ctx context.Context) (model.PriceQuote, error)
}

// Config sets the decimal scales and safety buffer.
type Config struct {
	ReserveDecimals uint8
	StableDecimals  uint8
	// BufferBps is the safety multiplier on a percent scale: 102 means 102%.
	BufferBps int64
}

// Result is the computed redemption shortfall.
type Result struct {
	// Shortfall is the reserve-asset amount missing from the vault, raw units.
	Shortfall *big.Int
	// StableRaw is the stablecoin needed to cover it, raw units, buffer applied.
	StableRaw *big.Int
}

// Calculator sizes withdrawals: how much stablecoin must be pulled back to cover
// a redemption the idle reserve cannot.
type Calculator struct {
	vault  VaultReader
	quotes QuoteSource
	cfg    Config
}

// NewCalculator builds a Calculator.
func NewCalculator(vault VaultReader, quotes QuoteSource, cfg Config) (*Calculator, error) {
	if vault == nil {
		return nil, fmt.Errorf("vault reader is nil")
	}
	if quotes == nil {
		return nil, fmt.Errorf("quote source is nil")
	}
	if cfg.BufferBps <= 0 {
		return nil, fmt.Errorf("buffer must be positive")
	}
	return &Calculator{vault: vault, quotes: quotes, cfg: cfg}, nil
}

// Compute sizes the stablecoin shortfall for redeeming shares. When the idle
// reserve covers the redemption the oracle is never consulted.
func (c *Calculator) Compute(ctx context.Context, shares *big.Int) (Result, error) {
	owed, err := c.vault.PreviewRedeem(ctx, shares)
	if err != nil {
		return Result{}, fmt.Errorf("preview redeem: %w", err)
	}
	idle, err := c.vault.IdleAssets(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("idle assets: %w", err)
	}

	shortfall := new(big.Int).Sub(owed, idle)
	if shortfall.Sign() <= 0 {
		return Result{Shortfall: big.NewInt(0), StableRaw: big.NewInt(0)}, nil
	}

	quote, err := c.quotes.LatestQuote(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("oracle quote: %w", err)
	}

	return Result{
		Shortfall: shortfall,
		StableRaw: Convert(shortfall, quote, c.cfg),
	}, nil
}

// Convert turns a reserve-asset shortfall into raw stablecoin units at the
// quoted price, with the safety buffer applied. All integer arithmetic;
// multiplications happen before divisions to avoid truncation bias.
func Convert(shortfall *big.Int, quote model.PriceQuote, cfg Config) *big.Int {
	stableRaw := new(big.Int).Mul(shortfall, quote.RawAnswer)
	stableRaw.Mul(stableRaw, units.Pow10(cfg.StableDecimals))

	denom := new(big.Int).Mul(units.Pow10(cfg.ReserveDecimals), units.Pow10(quote.Decimals))
	stableRaw.Quo(stableRaw, denom)

	stableRaw.Mul(stableRaw, big.NewInt(cfg.BufferBps))
	stableRaw.Quo(stableRaw, big.NewInt(100))
	return stableRaw
}
