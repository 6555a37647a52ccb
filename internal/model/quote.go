package model

import (
	"math/big"
	"time"
)

// PriceQuote is a single oracle reading. It is re-fetched per computation and
// never persisted.
type PriceQuote struct {
	RawAnswer  *big.Int
	Decimals   uint8
	ObservedAt time.Time
}
