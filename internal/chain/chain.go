// Package chain supplies the on-chain inputs of a plan: the latest block's
// gas limit and the selectors of recent calls to the contract.
package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/migrationplanner/pkg/types"
)

// Block is the part of a block header the planner uses.
type Block struct {
	Number   uint64 `json:"number"`
	GasLimit uint64 `json:"gasLimit"`
}

// Transaction is one call to the contract.
type Transaction struct {
	Hash        string         `json:"hash"`
	BlockNumber uint64         `json:"blockNumber"`
	Selector    types.Selector `json:"selector"`
}

// Provider supplies chain data. Implementations retry transient failures
// themselves; a returned error is final.
type Provider interface {
	LatestBlock(ctx context.Context) (Block, error)

	// RecentTransactions returns at most limit calls to addr in blocks
	// [from, to], newest first. A limit <= 0 means the provider's configured
	// maximum. Transactions whose input is shorter than a selector are
	// skipped.
	RecentTransactions(ctx context.Context, addr common.Address, from, to uint64, limit int) ([]Transaction, error)
}

// HistoryWindow returns the inclusive block range covering the last window
// blocks up to latest.
func HistoryWindow(latest, window uint64) (from, to uint64) {
	if window == 0 || window > latest {
		return 0, latest
	}
	return latest - window + 1, latest
}

// Selectors extracts the selector of every transaction.
func Selectors(txs []Transaction) []types.Selector {
	out := make([]types.Selector, len(txs))
	for i, tx := range txs {
		out[i] = tx.Selector
	}
	return out
}

// selectorFromInput returns the first four bytes of hex calldata.
func selectorFromInput(input string) (types.Selector, bool) {
	var sel types.Selector
	if !strings.HasPrefix(input, "0x") && !strings.HasPrefix(input, "0X") {
		input = "0x" + input
	}
	if len(input) < 2+2*len(sel) {
		return sel, false
	}
	b, err := hexutil.Decode(input[:2+2*len(sel)])
	if err != nil {
		return sel, false
	}
	copy(sel[:], b)
	return sel, true
}

func sameAddress(hex string, addr common.Address) bool {
	return hex != "" && common.IsHexAddress(hex) && common.HexToAddress(hex) == addr
}

// StaticProvider serves fixed data. It is the deterministic stand-in for a
// live chain in tests and offline runs.
type StaticProvider struct {
	Block        Block
	Transactions []Transaction
	Err          error
}

// LatestBlock returns the configured block.
func (p *StaticProvider) LatestBlock(ctx context.Context) (Block, error) {
	if p.Err != nil {
		return Block{}, p.Err
	}
	return p.Block, ctx.Err()
}

// RecentTransactions returns the configured transactions inside [from, to].
func (p *StaticProvider) RecentTransactions(ctx context.Context, _ common.Address, from, to uint64, limit int) ([]Transaction, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	if from > to {
		return nil, fmt.Errorf("invalid block range %d-%d", from, to)
	}
	var out []Transaction
	for _, tx := range p.Transactions {
		if tx.BlockNumber >= from && tx.BlockNumber <= to {
			out = append(out, tx)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, ctx.Err()
}
