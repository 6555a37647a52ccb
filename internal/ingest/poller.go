package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/hwdeboer1977/algostrats/internal/chain"
	"github.com/hwdeboer1977/algostrats/internal/model"
)

// Source is the chain surface the poller needs. The production implementation
// is chain.Client.
type Source interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, address common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// Handler consumes one decoded-ready log event.
type Handler func(ctx context.Context, event model.LogEvent) error

// Binding registers one event signature with its handler.
type Binding struct {
	Name      string
	Signature string
	Handler   Handler
}

// Config holds runtime settings for the poller.
type Config struct {
	Address       common.Address
	Confirmations uint64
	PollInterval  time.Duration
	// ReorgBuffer blocks are left unprocessed below head. Zero means
	// max(confirmations-1, 2).
	ReorgBuffer uint64
	// StartBlock of zero means head-1 at start time.
	StartBlock uint64
	// MaxRetries and RetryBackoff drive the backoff around log fetches.
	// Zero values disable retrying inside a tick.
	MaxRetries   int
	RetryBackoff time.Duration
}

// Poller turns raw contract logs into de-duplicated domain events.
//
// Delivery is at-least-once: a log is marked seen only after its handler
// returns nil, so a failing handler leaves the log eligible if the same range
// is ever fetched again. The window still advances past a failed batch; one
// bad event never stalls ingestion.
type Poller struct {
	cfg      Config
	source   Source
	logger   *zap.Logger
	bindings map[common.Hash]Binding
	topicOr  []common.Hash

	seen     map[string]struct{}
	nextFrom uint64
}

// NewPoller builds a Poller with its dependencies.
func NewPoller(cfg Config, source Source, bindings []Binding, logger *zap.Logger) (*Poller, error) {
	if source == nil {
		return nil, fmt.Errorf("source is nil")
	}
	if len(bindings) == 0 {
		return nil, fmt.Errorf("at least one event binding is required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReorgBuffer == 0 {
		if cfg.Confirmations >= 3 {
			cfg.ReorgBuffer = cfg.Confirmations - 1
		} else {
			cfg.ReorgBuffer = 2
		}
	}

	byTopic := make(map[common.Hash]Binding, len(bindings))
	topicOr := make([]common.Hash, 0, len(bindings))
	for _, b := range bindings {
		if b.Signature == "" || b.Handler == nil {
			return nil, fmt.Errorf("binding %q needs a signature and handler", b.Name)
		}
		topic := crypto.Keccak256Hash([]byte(b.Signature))
		if _, dup := byTopic[topic]; dup {
			return nil, fmt.Errorf("duplicate event signature: %s", b.Signature)
		}
		byTopic[topic] = b
		topicOr = append(topicOr, topic)
	}

	return &Poller{
		cfg:      cfg,
		source:   source,
		logger:   logger,
		bindings: byTopic,
		topicOr:  topicOr,
		seen:     make(map[string]struct{}),
	}, nil
}

// Run starts the poll loop and blocks until ctx is cancelled. An in-flight
// tick finishes before Run returns.
func (p *Poller) Run(ctx context.Context) error {
	head, err := p.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("resolve chain head: %w", err)
	}
	if p.cfg.StartBlock > 0 {
		p.nextFrom = p.cfg.StartBlock
	} else if head > 0 {
		p.nextFrom = head - 1
	}

	p.logger.Info("poller start",
		zap.String("address", p.cfg.Address.Hex()),
		zap.Uint64("from_block", p.nextFrom),
		zap.Uint64("head", head),
		zap.Uint64("reorg_buffer", p.cfg.ReorgBuffer),
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Int("events", len(p.topicOr)),
	)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				// Transient fetch errors self-heal: the window was not
				// advanced, the next tick retries the same range.
				p.logger.Error("poll tick failed", zap.Error(err))
			}
		}
	}
}

// tick processes one reorg-safe window. The window advances only after the
// whole batch has been offered to handlers.
func (p *Poller) tick(ctx context.Context) error {
	head, err := p.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	if head < p.cfg.ReorgBuffer {
		return nil
	}
	safeTo := head - p.cfg.ReorgBuffer
	if safeTo < p.nextFrom {
		return nil
	}

	var logs []types.Log
	err = chain.WithRetry(ctx, p.cfg.MaxRetries, p.cfg.RetryBackoff, func(ctx context.Context) error {
		var fetchErr error
		logs, fetchErr = p.source.FilterLogs(ctx, p.nextFrom, safeTo, p.cfg.Address, p.topicOr)
		return fetchErr
	})
	if err != nil {
		return fmt.Errorf("filter logs [%d,%d]: %w", p.nextFrom, safeTo, err)
	}

	for _, log := range logs {
		event := buildLogEvent(log)
		key := event.DedupKey()
		if _, ok := p.seen[key]; ok {
			continue
		}
		if len(log.Topics) == 0 {
			continue
		}
		binding, ok := p.bindings[log.Topics[0]]
		if !ok {
			continue
		}

		if err := binding.Handler(ctx, event); err != nil {
			p.logger.Error("event handler failed",
				zap.String("event", binding.Name),
				zap.String("tx_hash", event.TxHash),
				zap.Uint64("log_index", event.LogIndex),
				zap.Error(err),
			)
			continue
		}
		p.seen[key] = struct{}{}
	}

	p.nextFrom = safeTo + 1
	return nil
}

func buildLogEvent(log types.Log) model.LogEvent {
	topics := make([]string, 0, len(log.Topics))
	for _, topic := range log.Topics {
		topics = append(topics, topic.Hex())
	}
	return model.LogEvent{
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		TxHash:      log.TxHash.Hex(),
		LogIndex:    uint64(log.Index),
		Address:     log.Address.Hex(),
		Topics:      topics,
		Data:        "0x" + common.Bytes2Hex(log.Data),
		Removed:     log.Removed,
	}
}
