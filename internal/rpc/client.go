// Package rpc provides a JSON-RPC client for reading chain state, with retry
// logic for rate-limited and flaky endpoints.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Client is the interface for JSON-RPC communication.
type Client interface {
	// Call makes a single JSON-RPC call.
	Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)

	// BatchCall makes multiple JSON-RPC calls in a single HTTP request.
	BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error)

	// GetBlockNumber returns the latest block number.
	GetBlockNumber(ctx context.Context) (uint64, error)

	// GetBlockByNumber fetches a block header. A nil block means not found.
	GetBlockByNumber(ctx context.Context, blockNum uint64) (*Block, error)

	// GetBlocksByNumberFullBatch fetches blocks with full transaction data.
	GetBlocksByNumberFullBatch(ctx context.Context, blockNums []uint64) ([]*BlockFull, error)
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// JSONRPCError represents a JSON-RPC error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// BatchRequest represents a single request in a batch.
type BatchRequest struct {
	Method string
	Params []interface{}
}

// BatchResponse represents a single response in a batch.
type BatchResponse struct {
	Result json.RawMessage
	Error  error
}

// Block is the part of a block header the planner reads.
type Block struct {
	Number   uint64 `json:"number"`
	GasLimit uint64 `json:"gasLimit"`
}

// Transaction is the part of a transaction the planner reads.
type Transaction struct {
	Hash  string `json:"hash"`
	To    string `json:"to"` // empty for contract creation
	Input string `json:"input"`
	Type  uint64 `json:"type"`
}

// IsDeposit returns true for OP Stack deposit transactions (type 0x7E).
func (t Transaction) IsDeposit() bool {
	return t.Type == 126
}

// BlockFull is a block with full transaction data.
type BlockFull struct {
	Number       uint64        `json:"number"`
	Transactions []Transaction `json:"transactions"`
}

// Observer is notified once per logical call, after retries.
type Observer interface {
	ObserveRPC(method string, duration time.Duration, err error)
}

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
	Observer       Observer
}

// DefaultClientConfig returns default configuration.
// Full-block batches are large, so the timeout is generous.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        10 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// HTTPClient implements Client using HTTP.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
	observer   Observer
}

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger,
		observer:   cfg.Observer,
	}
}

// Call makes a JSON-RPC call with retry logic.
func (c *HTTPClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var result json.RawMessage
	err = c.withRetry(ctx, method, func() error {
		raw, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		var resp JSONRPCResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if resp.Error != nil {
			return &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		result = resp.Result
		return nil
	})
	return result, err
}

// BatchCall makes multiple JSON-RPC calls in a single HTTP request.
// Results are returned in the same order as the input calls.
// Individual call errors are returned in BatchResponse.Error.
func (c *HTTPClient) BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	reqs := make([]JSONRPCRequest, len(calls))
	for i, call := range calls {
		reqs[i] = JSONRPCRequest{
			JSONRPC: "2.0",
			Method:  call.Method,
			Params:  call.Params,
			ID:      i + 1,
		}
	}
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	var results []BatchResponse
	err = c.withRetry(ctx, "batch:"+calls[0].Method, func() error {
		raw, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		var resps []JSONRPCResponse
		if err := json.Unmarshal(raw, &resps); err != nil {
			return fmt.Errorf("failed to unmarshal batch response: %w", err)
		}
		results = reorder(resps, len(calls))
		return nil
	})
	return results, err
}

// reorder matches batch responses to requests by ID.
func reorder(resps []JSONRPCResponse, expected int) []BatchResponse {
	byID := make(map[int]*JSONRPCResponse, len(resps))
	for i := range resps {
		byID[resps[i].ID] = &resps[i]
	}

	out := make([]BatchResponse, expected)
	for i := range expected {
		resp, ok := byID[i+1]
		switch {
		case !ok:
			out[i] = BatchResponse{Error: fmt.Errorf("missing response for request %d", i+1)}
		case resp.Error != nil:
			out[i] = BatchResponse{Error: &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}}
		default:
			out[i] = BatchResponse{Result: resp.Result}
		}
	}
	return out
}

// withRetry runs attempt until it succeeds, fails with a non-retryable
// error, or retries are exhausted.
func (c *HTTPClient) withRetry(ctx context.Context, method string, attempt func() error) (err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveRPC(method, time.Since(start), err)
		}
	}()

	var lastErr error
	backoff := c.backoff

	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Application-level errors are final.
		if isRPCError(err) {
			return err
		}

		var httpErr *HTTPStatusError
		if errors.As(err, &httpErr) {
			if !httpErr.IsRetryable() {
				return err
			}
			backoff = getRetryDelay(err, backoff)
		}

		c.logger.Debug("RPC call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", i+1),
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)
	}

	return fmt.Errorf("all retries failed: %w", lastErr)
}

// post sends body and returns the raw response body of a 200 reply.
func (c *HTTPClient) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return respBody, nil
}

// parseRetryAfter accepts the seconds form ("2" or "0.5").
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// RPCError is an RPC-specific error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func isRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if this HTTP error should be retried.
func (e *HTTPStatusError) IsRetryable() bool {
	// 429 Too Many Requests, 502 Bad Gateway, 503 Service Unavailable, 504 Gateway Timeout
	return e.StatusCode == 429 || e.StatusCode == 502 ||
		e.StatusCode == 503 || e.StatusCode == 504
}

func getRetryDelay(err error, defaultBackoff time.Duration) time.Duration {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return defaultBackoff
}

// GetBlockNumber returns the latest block number.
func (c *HTTPClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}

	var blockHex string
	if err := json.Unmarshal(result, &blockHex); err != nil {
		return 0, fmt.Errorf("failed to unmarshal block number: %w", err)
	}
	num, err := hexutil.DecodeUint64(blockHex)
	if err != nil {
		return 0, fmt.Errorf("failed to decode block number %q: %w", blockHex, err)
	}
	return num, nil
}

type rawHeader struct {
	Number   string `json:"number"`
	GasLimit string `json:"gasLimit"`
}

func (h rawHeader) decode() (num, gasLimit uint64, err error) {
	num, err = hexutil.DecodeUint64(h.Number)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode block number: %w", err)
	}
	gasLimit, err = hexutil.DecodeUint64(h.GasLimit)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode gas limit: %w", err)
	}
	return num, gasLimit, nil
}

// GetBlockByNumber fetches a block header.
func (c *HTTPClient) GetBlockByNumber(ctx context.Context, blockNum uint64) (*Block, error) {
	result, err := c.Call(ctx, "eth_getBlockByNumber", []interface{}{hexutil.EncodeUint64(blockNum), false})
	if err != nil {
		return nil, err
	}
	if string(result) == "null" {
		return nil, nil
	}

	var raw rawHeader
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	num, gasLimit, err := raw.decode()
	if err != nil {
		return nil, err
	}
	return &Block{Number: num, GasLimit: gasLimit}, nil
}

// GetBlocksByNumberFullBatch fetches multiple blocks with full transaction data in a single request.
// Returns blocks in the same order as blockNums. nil entries indicate blocks that weren't found or had errors.
func (c *HTTPClient) GetBlocksByNumberFullBatch(ctx context.Context, blockNums []uint64) ([]*BlockFull, error) {
	if len(blockNums) == 0 {
		return nil, nil
	}

	calls := make([]BatchRequest, len(blockNums))
	for i, num := range blockNums {
		calls[i] = BatchRequest{
			Method: "eth_getBlockByNumber",
			Params: []interface{}{hexutil.EncodeUint64(num), true},
		}
	}

	responses, err := c.BatchCall(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("batch call failed: %w", err)
	}

	blocks := make([]*BlockFull, len(blockNums))
	for i, resp := range responses {
		if resp.Error != nil {
			c.logger.Debug("batch block fetch error", "block", blockNums[i], "error", resp.Error)
			continue
		}
		if string(resp.Result) == "null" {
			continue
		}

		block, err := parseBlockFull(resp.Result)
		if err != nil {
			c.logger.Debug("failed to parse block", "block", blockNums[i], "error", err)
			continue
		}
		blocks[i] = block
	}

	return blocks, nil
}

func parseBlockFull(data json.RawMessage) (*BlockFull, error) {
	var raw struct {
		rawHeader
		Transactions []struct {
			Hash  string `json:"hash"`
			To    string `json:"to"`
			Input string `json:"input"`
			Type  string `json:"type"`
		} `json:"transactions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	num, _, err := raw.decode()
	if err != nil {
		return nil, err
	}

	txs := make([]Transaction, 0, len(raw.Transactions))
	for _, rawTx := range raw.Transactions {
		var txType uint64
		if rawTx.Type != "" {
			txType, _ = hexutil.DecodeUint64(rawTx.Type)
		}
		txs = append(txs, Transaction{
			Hash:  rawTx.Hash,
			To:    rawTx.To,
			Input: rawTx.Input,
			Type:  txType,
		})
	}

	return &BlockFull{Number: num, Transactions: txs}, nil
}
