package vault

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/hwdeboer1977/algostrats/internal/model"
)

func topicFromAddress(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func buildLogEvent(address common.Address, topic0 common.Hash, data []byte, indexed []common.Hash) model.LogEvent {
	topics := []string{topic0.Hex()}
	for _, t := range indexed {
		topics = append(topics, t.Hex())
	}
	return model.LogEvent{
		BlockNumber: 100,
		TxHash:      "0x1100000000000000000000000000000000000000000000000000000000000000",
		LogIndex:    3,
		Address:     address.Hex(),
		Topics:      topics,
		Data:        hexutil.Encode(data),
	}
}

func TestDecodeDeposit(t *testing.T) {
	vaultABI, err := VaultABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	caller := common.HexToAddress("0x2222222222222222222222222222222222222222")
	owner := common.HexToAddress("0x3333333333333333333333333333333333333333")

	data, err := vaultABI.Events["Deposit"].Inputs.NonIndexed().Pack(
		big.NewInt(100_000_000),
		big.NewInt(95_000_000),
	)
	if err != nil {
		t.Fatalf("pack deposit: %v", err)
	}

	log := buildLogEvent(
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		vaultABI.Events["Deposit"].ID,
		data,
		[]common.Hash{topicFromAddress(caller), topicFromAddress(owner)},
	)

	decoded, err := DecodeDeposit(log)
	if err != nil {
		t.Fatalf("decode deposit: %v", err)
	}
	if decoded.Caller != caller.Hex() || decoded.Owner != owner.Hex() {
		t.Fatalf("address mismatch: %+v", decoded)
	}
	if decoded.Assets.Int64() != 100_000_000 || decoded.Shares.Int64() != 95_000_000 {
		t.Fatalf("amounts mismatch: %+v", decoded)
	}
}

func TestDecodeWithdrawInitiated(t *testing.T) {
	vaultABI, err := VaultABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	user := common.HexToAddress("0x4444444444444444444444444444444444444444")

	data, err := vaultABI.Events["WithdrawInitiated"].Inputs.NonIndexed().Pack(
		big.NewInt(50_000_000),
		big.NewInt(1_700_000_000),
	)
	if err != nil {
		t.Fatalf("pack withdraw: %v", err)
	}

	log := buildLogEvent(
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		vaultABI.Events["WithdrawInitiated"].ID,
		data,
		[]common.Hash{topicFromAddress(user)},
	)

	decoded, err := DecodeWithdrawInitiated(log)
	if err != nil {
		t.Fatalf("decode withdraw: %v", err)
	}
	if decoded.User != user.Hex() {
		t.Fatalf("user mismatch: %+v", decoded)
	}
	if decoded.Shares.Int64() != 50_000_000 || decoded.UnlockAt != 1_700_000_000 {
		t.Fatalf("payload mismatch: %+v", decoded)
	}
}

func TestEventSignaturesMatchABI(t *testing.T) {
	vaultABI, err := VaultABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	if got := crypto.Keccak256Hash([]byte(DepositEventSig)); got != vaultABI.Events["Deposit"].ID {
		t.Fatalf("Deposit topic0 mismatch: %s != %s", got.Hex(), vaultABI.Events["Deposit"].ID.Hex())
	}
	if got := crypto.Keccak256Hash([]byte(WithdrawInitiatedEventSig)); got != vaultABI.Events["WithdrawInitiated"].ID {
		t.Fatalf("WithdrawInitiated topic0 mismatch: %s", got.Hex())
	}
}

func TestDecodeDepositWrongTopicCount(t *testing.T) {
	vaultABI, err := VaultABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	log := model.LogEvent{
		Topics: []string{vaultABI.Events["Deposit"].ID.Hex()},
		Data:   "0x",
	}
	if _, err := DecodeDeposit(log); err == nil {
		t.Fatalf("expected error for missing indexed topics")
	}
}
