package model

import "math/big"

// DepositEvent is the decoded ERC-4626 Deposit event payload.
type DepositEvent struct {
	Caller string   `json:"caller"`
	Owner  string   `json:"owner"`
	Assets *big.Int `json:"assets"`
	Shares *big.Int `json:"shares"`
}

// WithdrawInitiatedEvent is the decoded WithdrawInitiated event payload.
type WithdrawInitiatedEvent struct {
	User     string   `json:"user"`
	Shares   *big.Int `json:"shares"`
	UnlockAt uint64   `json:"unlock_at"`
}
