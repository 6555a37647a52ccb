package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/hwdeboer1977/algostrats/internal/chain"
	"github.com/hwdeboer1977/algostrats/internal/model"
)

const feedABIJSON = `[
  {"inputs": [], "name": "latestRoundData", "outputs": [
    {"type": "uint80"}, {"type": "int256"}, {"type": "uint256"}, {"type": "uint256"}, {"type": "uint80"}
  ], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "decimals", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"}
]`

var (
	feedABI     abi.ABI
	feedABIOnce sync.Once
	feedABIErr  error
)

func feedABIInstance() (abi.ABI, error) {
	feedABIOnce.Do(func() {
		feedABI, feedABIErr = abi.JSON(strings.NewReader(feedABIJSON))
	})
	return feedABI, feedABIErr
}

// Client reads a Chainlink-style aggregator feed.
type Client struct {
	chain   *chain.Client
	address common.Address
	maxAge  time.Duration
	now     func() time.Time
}

// NewClient creates a feed client. maxAge of zero disables the staleness guard.
func NewClient(chainClient *chain.Client, address common.Address, maxAge time.Duration) (*Client, error) {
	if chainClient == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	return &Client{
		chain:   chainClient,
		address: address,
		maxAge:  maxAge,
		now:     time.Now,
	}, nil
}

// LatestQuote fetches the current price. A non-positive or stale answer is a
// hard failure; callers must not fall back to a default price.
func (c *Client) LatestQuote(ctx context.Context) (model.PriceQuote, error) {
	feed, err := feedABIInstance()
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("parse feed abi: %w", err)
	}

	values, err := c.call(ctx, feed, "latestRoundData")
	if err != nil {
		return model.PriceQuote{}, err
	}
	if len(values) != 5 {
		return model.PriceQuote{}, fmt.Errorf("unexpected round data values: %d", len(values))
	}
	answer, ok := values[1].(*big.Int)
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("expected *big.Int answer, got %T", values[1])
	}
	if answer.Sign() <= 0 {
		return model.PriceQuote{}, fmt.Errorf("oracle answer is non-positive: %s", answer)
	}
	updatedAtBig, ok := values[3].(*big.Int)
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("expected *big.Int updatedAt, got %T", values[3])
	}
	updatedAt := time.Unix(updatedAtBig.Int64(), 0)
	if c.maxAge > 0 && c.now().Sub(updatedAt) > c.maxAge {
		return model.PriceQuote{}, fmt.Errorf("oracle answer is stale: updated %s", updatedAt.UTC().Format(time.RFC3339))
	}

	decValues, err := c.call(ctx, feed, "decimals")
	if err != nil {
		return model.PriceQuote{}, err
	}
	decimals, ok := decValues[0].(uint8)
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("expected uint8 decimals, got %T", decValues[0])
	}

	return model.PriceQuote{
		RawAnswer:  new(big.Int).Set(answer),
		Decimals:   decimals,
		ObservedAt: c.now().UTC(),
	}, nil
}

func (c *Client) call(ctx context.Context, feed abi.ABI, method string) ([]interface{}, error) {
	data, err := feed.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	output, err := c.chain.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := feed.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("call %s: empty result", method)
	}
	return values, nil
}
