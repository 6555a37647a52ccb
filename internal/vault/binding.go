package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/hwdeboer1977/algostrats/internal/chain"
)

// Binding performs on-chain reads and calldata construction for the vault.
type Binding struct {
	chain   *chain.Client
	address common.Address
}

// NewBinding creates a vault binding bound to an address.
func NewBinding(chainClient *chain.Client, address common.Address) (*Binding, error) {
	if chainClient == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	return &Binding{chain: chainClient, address: address}, nil
}

// Address returns the vault contract address.
func (b *Binding) Address() common.Address {
	return b.address
}

// Asset returns the vault's underlying reserve asset address.
func (b *Binding) Asset(ctx context.Context) (common.Address, error) {
	values, err := b.call(ctx, "asset")
	if err != nil {
		return common.Address{}, err
	}
	return asAddress(values[0])
}

// PreviewRedeem returns the reserve-asset amount owed for the given shares.
func (b *Binding) PreviewRedeem(ctx context.Context, shares *big.Int) (*big.Int, error) {
	values, err := b.call(ctx, "previewRedeem", shares)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// IdleAssets returns the reserve-asset amount held idle on the vault.
func (b *Binding) IdleAssets(ctx context.Context) (*big.Int, error) {
	values, err := b.call(ctx, "idleAssets")
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// RebalanceMin returns the minimum chunk worth rebalancing.
func (b *Binding) RebalanceMin(ctx context.Context) (*big.Int, error) {
	values, err := b.call(ctx, "rebalanceMin")
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// RebalanceCalldata packs the rebalance(amount) call.
func (b *Binding) RebalanceCalldata(amount *big.Int) ([]byte, error) {
	vaultABI, err := VaultABI()
	if err != nil {
		return nil, fmt.Errorf("parse vault abi: %w", err)
	}
	return vaultABI.Pack("rebalance", amount)
}

// PreflightRebalance dry-runs rebalance(amount) from the given sender. A revert
// comes back as an error without any gas spent.
func (b *Binding) PreflightRebalance(ctx context.Context, from common.Address, amount *big.Int) error {
	data, err := b.RebalanceCalldata(amount)
	if err != nil {
		return err
	}
	_, err = b.chain.CallContract(ctx, ethereum.CallMsg{
		From: from,
		To:   &b.address,
		Data: data,
	}, nil)
	return err
}

func (b *Binding) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	vaultABI, err := VaultABI()
	if err != nil {
		return nil, fmt.Errorf("parse vault abi: %w", err)
	}
	data, err := vaultABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	output, err := b.chain.CallContract(ctx, ethereum.CallMsg{To: &b.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := vaultABI.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("call %s: empty result", method)
	}
	return values, nil
}
