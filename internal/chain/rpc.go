package chain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/migrationplanner/internal/rpc"
)

// Defaults for RPCProvider.
const (
	DefaultScanBatchSize   = 20
	DefaultMaxTransactions = 100
)

// RPCProviderConfig holds configuration for RPCProvider.
type RPCProviderConfig struct {
	// BatchSize is the number of full blocks requested per JSON-RPC batch.
	BatchSize int

	// MaxTransactions stops the scan once this many calls are collected,
	// unless the caller passes its own limit.
	MaxTransactions int

	Logger *slog.Logger
}

// RPCProvider reads chain data from a node. History comes from scanning full
// blocks backwards from the end of the window, which needs no indexer.
type RPCProvider struct {
	client    rpc.Client
	batchSize int
	maxTxs    int
	logger    *slog.Logger
}

// NewRPCProvider creates a provider over client.
func NewRPCProvider(client rpc.Client, cfg RPCProviderConfig) *RPCProvider {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultScanBatchSize
	}
	if cfg.MaxTransactions <= 0 {
		cfg.MaxTransactions = DefaultMaxTransactions
	}
	return &RPCProvider{
		client:    client,
		batchSize: cfg.BatchSize,
		maxTxs:    cfg.MaxTransactions,
		logger:    logger,
	}
}

// LatestBlock returns the head block's number and gas limit.
func (p *RPCProvider) LatestBlock(ctx context.Context) (Block, error) {
	num, err := p.client.GetBlockNumber(ctx)
	if err != nil {
		return Block{}, fmt.Errorf("failed to get block number: %w", err)
	}
	b, err := p.client.GetBlockByNumber(ctx, num)
	if err != nil {
		return Block{}, fmt.Errorf("failed to get block %d: %w", num, err)
	}
	if b == nil {
		return Block{}, fmt.Errorf("block %d not found", num)
	}
	return Block{Number: b.Number, GasLimit: b.GasLimit}, nil
}

// RecentTransactions scans blocks to..from, newest first.
func (p *RPCProvider) RecentTransactions(ctx context.Context, addr common.Address, from, to uint64, limit int) ([]Transaction, error) {
	if from > to {
		return nil, fmt.Errorf("invalid block range %d-%d", from, to)
	}
	if limit <= 0 {
		limit = p.maxTxs
	}

	var out []Transaction
	scanned := 0
	for hi := to; ; {
		lo := from
		if hi-from+1 > uint64(p.batchSize) {
			lo = hi - uint64(p.batchSize) + 1
		}

		nums := make([]uint64, 0, hi-lo+1)
		for n := hi; ; n-- {
			nums = append(nums, n)
			if n == lo {
				break
			}
		}

		blocks, err := p.client.GetBlocksByNumberFullBatch(ctx, nums)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch blocks %d-%d: %w", lo, hi, err)
		}
		for i, b := range blocks {
			if b == nil {
				// A gap would silently bias the ranking.
				return nil, fmt.Errorf("block %d missing from batch response", nums[i])
			}
			scanned++
			for _, tx := range b.Transactions {
				if tx.IsDeposit() || !sameAddress(tx.To, addr) {
					continue
				}
				sel, ok := selectorFromInput(tx.Input)
				if !ok {
					continue
				}
				out = append(out, Transaction{Hash: tx.Hash, BlockNumber: b.Number, Selector: sel})
				if len(out) >= limit {
					p.logger.Debug("transaction limit reached",
						slog.Int("blocksScanned", scanned),
						slog.Int("transactions", len(out)),
					)
					return out, nil
				}
			}
		}

		if lo == from {
			break
		}
		hi = lo - 1
	}

	p.logger.Debug("history scan complete",
		slog.Uint64("from", from),
		slog.Uint64("to", to),
		slog.Int("blocksScanned", scanned),
		slog.Int("transactions", len(out)),
	)
	return out, nil
}
