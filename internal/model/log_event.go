package model

import "fmt"

// LogEvent is the normalized representation of a chain log handed to event
// handlers. It is never mutated after construction.
type LogEvent struct {
	BlockNumber uint64   `json:"block_number"`
	BlockHash   string   `json:"block_hash"`
	TxHash      string   `json:"tx_hash"`
	LogIndex    uint64   `json:"log_index"`
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	Removed     bool     `json:"removed"`
}

// DedupKey identifies a log across overlapping poll windows.
func (e LogEvent) DedupKey() string {
	return fmt.Sprintf("%s|%d", e.TxHash, e.LogIndex)
}
