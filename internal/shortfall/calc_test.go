package shortfall

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/hwdeboer1977/algostrats/internal/model"
)

type fakeVault struct {
	owed *big.Int
	idle *big.Int
}

func (f *fakeVault) PreviewRedeem(_ context.Context, _ *big.Int) (*big.Int, error) {
	return new(big.Int).Set(f.owed), nil
}

func (f *fakeVault) IdleAssets(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.idle), nil
}

type fakeQuotes struct {
	quote model.PriceQuote
	calls int
	err   error
}

func (f *fakeQuotes) LatestQuote(_ context.Context) (model.PriceQuote, error) {
	f.calls++
	if f.err != nil {
		return model.PriceQuote{}, f.err
	}
	return f.quote, nil
}

func btcQuote(raw int64) model.PriceQuote {
	return model.PriceQuote{
		RawAnswer:  big.NewInt(raw),
		Decimals:   8,
		ObservedAt: time.Now(),
	}
}

func testConfig() Config {
	return Config{ReserveDecimals: 8, StableDecimals: 6, BufferBps: 102}
}

func TestComputeCoveredSkipsOracle(t *testing.T) {
	quotes := &fakeQuotes{err: fmt.Errorf("oracle must not be read")}
	calc, err := NewCalculator(&fakeVault{
		owed: big.NewInt(40_000_000),
		idle: big.NewInt(100_000_000),
	}, quotes, testConfig())
	if err != nil {
		t.Fatalf("new calculator: %v", err)
	}

	res, err := calc.Compute(context.Background(), big.NewInt(1))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if res.Shortfall.Sign() != 0 || res.StableRaw.Sign() != 0 {
		t.Fatalf("expected zero result, got %+v", res)
	}
	if quotes.calls != 0 {
		t.Fatalf("oracle consulted %d times for a covered redemption", quotes.calls)
	}
}

func TestComputeScenario(t *testing.T) {
	// 1.0 reserve unit owed at 8 decimals, 0.4 idle, price 60000 at 8 decimals,
	// 102% buffer: shortfall 0.6 units, 36000 stable pre-buffer, 36720 after.
	quotes := &fakeQuotes{quote: btcQuote(6_000_000_000_000)}
	calc, err := NewCalculator(&fakeVault{
		owed: big.NewInt(100_000_000),
		idle: big.NewInt(40_000_000),
	}, quotes, testConfig())
	if err != nil {
		t.Fatalf("new calculator: %v", err)
	}

	res, err := calc.Compute(context.Background(), big.NewInt(1))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if res.Shortfall.Int64() != 60_000_000 {
		t.Fatalf("shortfall = %s, want 60000000", res.Shortfall)
	}
	if res.StableRaw.Int64() != 36_720_000_000 {
		t.Fatalf("stable = %s, want 36720000000", res.StableRaw)
	}
}

func TestConvertMonotonicInPrice(t *testing.T) {
	shortfall := big.NewInt(60_000_000)
	cfg := testConfig()

	prev := new(big.Int)
	for _, price := range []int64{
		1_000_000_000_000,
		3_000_000_000_000,
		6_000_000_000_000,
		9_000_000_000_000,
	} {
		got := Convert(shortfall, btcQuote(price), cfg)
		if got.Cmp(prev) < 0 {
			t.Fatalf("stable decreased as price rose: %s < %s at price %d", got, prev, price)
		}
		prev = got
	}
}

func TestComputeZeroWheneverCovered(t *testing.T) {
	for _, idle := range []int64{100_000_000, 100_000_001, 500_000_000} {
		quotes := &fakeQuotes{quote: btcQuote(6_000_000_000_000)}
		calc, err := NewCalculator(&fakeVault{
			owed: big.NewInt(100_000_000),
			idle: big.NewInt(idle),
		}, quotes, testConfig())
		if err != nil {
			t.Fatalf("new calculator: %v", err)
		}
		res, err := calc.Compute(context.Background(), big.NewInt(1))
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if res.StableRaw.Sign() != 0 {
			t.Fatalf("expected zero stable for idle %d, got %s", idle, res.StableRaw)
		}
	}
}

func TestComputeOracleErrorIsFatal(t *testing.T) {
	quotes := &fakeQuotes{err: fmt.Errorf("answer is non-positive")}
	calc, err := NewCalculator(&fakeVault{
		owed: big.NewInt(100_000_000),
		idle: big.NewInt(40_000_000),
	}, quotes, testConfig())
	if err != nil {
		t.Fatalf("new calculator: %v", err)
	}
	if _, err := calc.Compute(context.Background(), big.NewInt(1)); err == nil {
		t.Fatalf("expected oracle error to propagate")
	}
}
