package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/migrationplanner/internal/ratelimit"
	"github.com/gateway-fm/migrationplanner/internal/rpc"
)

// ErrExplorer is wrapped by errors reported in an explorer response body.
var ErrExplorer = errors.New("explorer error")

// ExplorerConfig holds configuration for ExplorerProvider.
type ExplorerConfig struct {
	URL             string
	APIKey          string
	ChainID         uint64
	MaxTransactions int
	RatePerSec      float64 // free explorer keys allow 5/s
	Timeout         time.Duration
	MaxRetries      int
	Logger          *slog.Logger
}

// ExplorerProvider reads chain data from an Etherscan v2 compatible API.
type ExplorerProvider struct {
	url        string
	apiKey     string
	chainID    uint64
	maxTxs     int
	maxRetries int
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
}

// NewExplorerProvider creates an explorer-backed provider.
func NewExplorerProvider(cfg ExplorerConfig) *ExplorerProvider {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTransactions <= 0 {
		cfg.MaxTransactions = DefaultMaxTransactions
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ExplorerProvider{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		chainID:    cfg.ChainID,
		maxTxs:     cfg.MaxTransactions,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    ratelimit.New(cfg.RatePerSec),
		logger:     logger,
	}
}

type explorerResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Result  json.RawMessage   `json:"result"`
	Error   *rpc.JSONRPCError `json:"error,omitempty"`
}

type explorerTx struct {
	BlockNumber string `json:"blockNumber"`
	Hash        string `json:"hash"`
	To          string `json:"to"`
	Input       string `json:"input"`
}

// LatestBlock uses the explorer's JSON-RPC proxy module.
func (p *ExplorerProvider) LatestBlock(ctx context.Context) (Block, error) {
	raw, err := p.get(ctx, url.Values{"module": {"proxy"}, "action": {"eth_blockNumber"}})
	if err != nil {
		return Block{}, fmt.Errorf("failed to get block number: %w", err)
	}
	var numHex string
	if err := json.Unmarshal(raw, &numHex); err != nil {
		return Block{}, fmt.Errorf("failed to unmarshal block number: %w", err)
	}

	raw, err = p.get(ctx, url.Values{
		"module":  {"proxy"},
		"action":  {"eth_getBlockByNumber"},
		"tag":     {numHex},
		"boolean": {"false"},
	})
	if err != nil {
		return Block{}, fmt.Errorf("failed to get block %s: %w", numHex, err)
	}
	var header struct {
		Number   string `json:"number"`
		GasLimit string `json:"gasLimit"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return Block{}, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	num, err := hexutil.DecodeUint64(header.Number)
	if err != nil {
		return Block{}, fmt.Errorf("failed to decode block number: %w", err)
	}
	gasLimit, err := hexutil.DecodeUint64(header.GasLimit)
	if err != nil {
		return Block{}, fmt.Errorf("failed to decode gas limit: %w", err)
	}
	return Block{Number: num, GasLimit: gasLimit}, nil
}

// RecentTransactions fetches the newest page of the address's normal
// transactions within [from, to].
func (p *ExplorerProvider) RecentTransactions(ctx context.Context, addr common.Address, from, to uint64, limit int) ([]Transaction, error) {
	if from > to {
		return nil, fmt.Errorf("invalid block range %d-%d", from, to)
	}
	if limit <= 0 {
		limit = p.maxTxs
	}
	raw, err := p.get(ctx, url.Values{
		"module":     {"account"},
		"action":     {"txlist"},
		"address":    {addr.Hex()},
		"startblock": {strconv.FormatUint(from, 10)},
		"endblock":   {strconv.FormatUint(to, 10)},
		"page":       {"1"},
		"offset":     {strconv.Itoa(limit)},
		"sort":       {"desc"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var items []explorerTx
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transactions: %w", err)
	}

	out := make([]Transaction, 0, len(items))
	for _, it := range items {
		if !sameAddress(it.To, addr) {
			continue
		}
		sel, ok := selectorFromInput(it.Input)
		if !ok {
			continue
		}
		num, err := strconv.ParseUint(it.BlockNumber, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: bad block number %q: %w", it.Hash, it.BlockNumber, err)
		}
		out = append(out, Transaction{Hash: it.Hash, BlockNumber: num, Selector: sel})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// get performs a throttled GET and returns the result field. A nil result
// with nil error means the explorer reported no records.
func (p *ExplorerProvider) get(ctx context.Context, q url.Values) (json.RawMessage, error) {
	q.Set("chainid", strconv.FormatUint(p.chainID, 10))
	if p.apiKey != "" {
		q.Set("apikey", p.apiKey)
	}
	endpoint := p.url + "?" + q.Encode()

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, retry, err := p.do(ctx, endpoint)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !retry {
			return nil, err
		}
		p.logger.Debug("explorer request failed, retrying",
			slog.String("action", q.Get("action")),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

func (p *ExplorerProvider) do(ctx context.Context, endpoint string) (json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		httpErr := &rpc.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
		return nil, httpErr.IsRetryable(), httpErr
	}

	var out explorerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("failed to decode response: %w", err)
	}

	if out.Error != nil {
		return nil, false, &rpc.RPCError{Code: out.Error.Code, Message: out.Error.Message}
	}
	if out.Status != "0" {
		return out.Result, false, nil
	}

	// status "0": either an empty listing or a real failure whose detail is
	// in result as a string.
	if strings.HasPrefix(out.Message, "No transactions found") || strings.HasPrefix(out.Message, "No records found") {
		return nil, false, nil
	}
	var detail string
	_ = json.Unmarshal(out.Result, &detail)
	retry := strings.Contains(strings.ToLower(detail), "rate limit")
	return nil, retry, fmt.Errorf("%w: %s: %s", ErrExplorer, out.Message, detail)
}
