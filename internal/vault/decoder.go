package vault

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/hwdeboer1977/algostrats/internal/model"
)

// DecodeDeposit converts a Deposit log into its typed payload.
func DecodeDeposit(log model.LogEvent) (model.DepositEvent, error) {
	vaultABI, err := VaultABI()
	if err != nil {
		return model.DepositEvent{}, fmt.Errorf("parse vault abi: %w", err)
	}
	event := vaultABI.Events["Deposit"]

	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return model.DepositEvent{}, err
	}

	var indexed struct {
		Caller common.Address
		Owner  common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return model.DepositEvent{}, fmt.Errorf("parse topics: %w", err)
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return model.DepositEvent{}, err
	}
	if len(values) != 2 {
		return model.DepositEvent{}, fmt.Errorf("unexpected deposit values: %d", len(values))
	}

	assets, err := asBigInt(values[0])
	if err != nil {
		return model.DepositEvent{}, fmt.Errorf("assets: %w", err)
	}
	shares, err := asBigInt(values[1])
	if err != nil {
		return model.DepositEvent{}, fmt.Errorf("shares: %w", err)
	}

	return model.DepositEvent{
		Caller: indexed.Caller.Hex(),
		Owner:  indexed.Owner.Hex(),
		Assets: assets,
		Shares: shares,
	}, nil
}

// DecodeWithdrawInitiated converts a WithdrawInitiated log into its typed payload.
func DecodeWithdrawInitiated(log model.LogEvent) (model.WithdrawInitiatedEvent, error) {
	vaultABI, err := VaultABI()
	if err != nil {
		return model.WithdrawInitiatedEvent{}, fmt.Errorf("parse vault abi: %w", err)
	}
	event := vaultABI.Events["WithdrawInitiated"]

	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return model.WithdrawInitiatedEvent{}, err
	}

	var indexed struct {
		User common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return model.WithdrawInitiatedEvent{}, fmt.Errorf("parse topics: %w", err)
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return model.WithdrawInitiatedEvent{}, err
	}
	if len(values) != 2 {
		return model.WithdrawInitiatedEvent{}, fmt.Errorf("unexpected withdraw values: %d", len(values))
	}

	shares, err := asBigInt(values[0])
	if err != nil {
		return model.WithdrawInitiatedEvent{}, fmt.Errorf("shares: %w", err)
	}
	unlockAt, err := asBigInt(values[1])
	if err != nil {
		return model.WithdrawInitiatedEvent{}, fmt.Errorf("unlockAt: %w", err)
	}

	return model.WithdrawInitiatedEvent{
		User:     indexed.User.Hex(),
		Shares:   shares,
		UnlockAt: unlockAt.Uint64(),
	}, nil
}

func parseIndexedTopics(event abi.Event, topics []string) ([]common.Hash, error) {
	indexedCount := len(indexedArguments(event.Inputs))
	if len(topics) != indexedCount+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", indexedCount+1, len(topics))
	}
	return parseTopicHashes(topics[1:])
}

func parseTopicHashes(topics []string) ([]common.Hash, error) {
	out := make([]common.Hash, 0, len(topics))
	for _, topic := range topics {
		data, err := hexutil.Decode(topic)
		if err != nil {
			return nil, fmt.Errorf("invalid topic: %w", err)
		}
		if len(data) > 32 {
			return nil, fmt.Errorf("topic length %d", len(data))
		}
		out = append(out, common.BytesToHash(data))
	}
	return out, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func unpackNonIndexed(event abi.Event, dataHex string) ([]interface{}, error) {
	data, err := hexutil.Decode(dataHex)
	if err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	values, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	return values, nil
}

func asBigInt(value interface{}) (*big.Int, error) {
	out, ok := value.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("expected *big.Int, got %T", value)
	}
	return out, nil
}

func asAddress(value interface{}) (common.Address, error) {
	out, ok := value.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("expected address, got %T", value)
	}
	return out, nil
}
