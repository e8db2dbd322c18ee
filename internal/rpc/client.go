// Package rpc provides an Ethereum JSON-RPC client with retry logic.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Client is the subset of the Ethereum JSON-RPC API the evm adapter uses.
type Client interface {
	// Call makes a JSON-RPC call.
	Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)

	// BatchCall makes multiple JSON-RPC calls in a single HTTP request.
	BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error)

	// ChainID returns the chain id used for signing.
	ChainID(ctx context.Context) (*big.Int, error)

	// SendRawTransaction sends a signed transaction and returns its hash.
	SendRawTransaction(ctx context.Context, txRLP []byte) (string, error)

	// GetNonce fetches the pending nonce for an address.
	GetNonce(ctx context.Context, address string) (uint64, error)

	// GetConfirmedNonce fetches the nonce at the latest block.
	GetConfirmedNonce(ctx context.Context, address string) (uint64, error)

	// GetBlockNumber returns the latest block number.
	GetBlockNumber(ctx context.Context) (uint64, error)

	// GetCode returns contract code at an address.
	GetCode(ctx context.Context, address string) (string, error)

	// GetGasPrice returns the current gas price from the node.
	GetGasPrice(ctx context.Context) (*big.Int, error)

	// EthCall executes a read-only call against the latest state.
	EthCall(ctx context.Context, to string, data []byte) ([]byte, error)


	// GetTransactionReceiptsBatch fetches multiple receipts in a single request.
	GetTransactionReceiptsBatch(ctx context.Context, txHashes []string) ([]*TransactionReceipt, error)
}

// TransactionReceipt is the part of an Ethereum receipt the benchmark reads.
type TransactionReceipt struct {
	Status      uint64 `json:"status"` // 1 = success, 0 = failure
	GasUsed     uint64 `json:"gasUsed"`
	BlockNumber uint64 `json:"blockNumber"`
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

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        5 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
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
}

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        512,
		MaxIdleConnsPerHost: 256,
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
	}
}

// Call makes a JSON-RPC call with retry logic.
func (c *HTTPClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
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
	err = c.retry(ctx, method, func() error {
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

// BatchCall makes multiple JSON-RPC calls in a single HTTP request. Results are
// returned in request order; per-call failures are reported in BatchResponse.Error.
func (c *HTTPClient) BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	reqs := make([]JSONRPCRequest, len(calls))
	for i, call := range calls {
		params := call.Params
		if params == nil {
			params = []interface{}{}
		}
		reqs[i] = JSONRPCRequest{
			JSONRPC: "2.0",
			Method:  call.Method,
			Params:  params,
			ID:      i + 1, // 1-indexed IDs for easier debugging
		}
	}

	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	var results []BatchResponse
	err = c.retry(ctx, "batch", func() error {
		raw, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		var resps []JSONRPCResponse
		if err := json.Unmarshal(raw, &resps); err != nil {
			return fmt.Errorf("failed to unmarshal batch response: %w", err)
		}

		byID := make(map[int]*JSONRPCResponse, len(resps))
		for i := range resps {
			byID[resps[i].ID] = &resps[i]
		}
		results = make([]BatchResponse, len(calls))
		for i := range calls {
			resp, ok := byID[i+1]
			switch {
			case !ok:
				results[i] = BatchResponse{Error: fmt.Errorf("missing response for request %d", i+1)}
			case resp.Error != nil:
				results[i] = BatchResponse{Error: &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}}
			default:
				results[i] = BatchResponse{Result: resp.Result}
			}
		}
		return nil
	})
	return results, err
}

// retry runs attempt until it succeeds, fails with an RPC error, or retries run out.
func (c *HTTPClient) retry(ctx context.Context, method string, attempt func() error) error {
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
		if isRetryableHTTPError(err) {
			backoff = getRetryDelay(err, backoff)
		} else if isHTTPStatusError(err) {
			return err
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
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return respBody, nil
}

// RPCError is an error returned by the node.
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

// IsRetryable reports whether the status is worth retrying.
func (e *HTTPStatusError) IsRetryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isHTTPStatusError(err error) bool {
	var httpErr *HTTPStatusError
	return errors.As(err, &httpErr)
}

func isRetryableHTTPError(err error) bool {
	var httpErr *HTTPStatusError
	return errors.As(err, &httpErr) && httpErr.IsRetryable()
}

func getRetryDelay(err error, defaultBackoff time.Duration) time.Duration {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return defaultBackoff
}

func (c *HTTPClient) callUint64(ctx context.Context, method string, params []interface{}) (uint64, error) {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return 0, err
	}
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return 0, fmt.Errorf("failed to unmarshal %s: %w", method, err)
	}
	v, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, fmt.Errorf("failed to decode %s: %w", method, err)
	}
	return v, nil
}

func (c *HTTPClient) callBig(ctx context.Context, method string, params []interface{}) (*big.Int, error) {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", method, err)
	}
	v, err := hexutil.DecodeBig(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", method, err)
	}
	return v, nil
}

// ChainID returns the chain id.
func (c *HTTPClient) ChainID(ctx context.Context) (*big.Int, error) {
	return c.callBig(ctx, "eth_chainId", nil)
}

// SendRawTransaction sends a signed transaction.
func (c *HTTPClient) SendRawTransaction(ctx context.Context, txRLP []byte) (string, error) {
	result, err := c.Call(ctx, "eth_sendRawTransaction", []interface{}{hexutil.Encode(txRLP)})
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("failed to unmarshal tx hash: %w", err)
	}
	return hash, nil
}

// GetNonce fetches the nonce including pending transactions.
func (c *HTTPClient) GetNonce(ctx context.Context, address string) (uint64, error) {
	return c.callUint64(ctx, "eth_getTransactionCount", []interface{}{address, "pending"})
}

// GetConfirmedNonce fetches the nonce at the latest block.
func (c *HTTPClient) GetConfirmedNonce(ctx context.Context, address string) (uint64, error) {
	return c.callUint64(ctx, "eth_getTransactionCount", []interface{}{address, "latest"})
}

// GetBlockNumber returns the latest block number.
func (c *HTTPClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	return c.callUint64(ctx, "eth_blockNumber", nil)
}

// GetCode returns contract code at an address.
func (c *HTTPClient) GetCode(ctx context.Context, address string) (string, error) {
	result, err := c.Call(ctx, "eth_getCode", []interface{}{address, "latest"})
	if err != nil {
		return "", err
	}
	var code string
	if err := json.Unmarshal(result, &code); err != nil {
		return "", fmt.Errorf("failed to unmarshal code: %w", err)
	}
	return code, nil
}

// GetGasPrice returns the current gas price.
func (c *HTTPClient) GetGasPrice(ctx context.Context) (*big.Int, error) {
	return c.callBig(ctx, "eth_gasPrice", nil)
}

// EthCall executes a read-only call against the latest state.
func (c *HTTPClient) EthCall(ctx context.Context, to string, data []byte) ([]byte, error) {
	msg := map[string]string{"to": to, "data": hexutil.Encode(data)}
	result, err := c.Call(ctx, "eth_call", []interface{}{msg, "latest"})
	if err != nil {
		return nil, err
	}
	var out string
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call result: %w", err)
	}
	return hexutil.Decode(out)
}

// GetTransactionReceiptsBatch fetches multiple transaction receipts in a single request.
// Returns receipts in the same order as txHashes. nil entries indicate receipts not found or errors.
func (c *HTTPClient) GetTransactionReceiptsBatch(ctx context.Context, txHashes []string) ([]*TransactionReceipt, error) {
	if len(txHashes) == 0 {
		return nil, nil
	}

	calls := make([]BatchRequest, len(txHashes))
	for i, hash := range txHashes {
		calls[i] = BatchRequest{
			Method: "eth_getTransactionReceipt",
			Params: []interface{}{hash},
		}
	}

	responses, err := c.BatchCall(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("batch call failed: %w", err)
	}

	receipts := make([]*TransactionReceipt, len(txHashes))
	for i, resp := range responses {
		if resp.Error != nil {
			c.logger.Debug("batch receipt fetch error", slog.String("txHash", txHashes[i]), slog.String("error", resp.Error.Error()))
			continue
		}
		if string(resp.Result) == "null" {
			continue
		}
		receipt, err := parseReceipt(resp.Result)
		if err != nil {
			c.logger.Debug("failed to parse receipt", slog.String("txHash", txHashes[i]), slog.String("error", err.Error()))
			continue
		}
		receipts[i] = receipt
	}
	return receipts, nil
}

func parseReceipt(data json.RawMessage) (*TransactionReceipt, error) {
	var raw struct {
		Status      string `json:"status"`
		GasUsed     string `json:"gasUsed"`
		BlockNumber string `json:"blockNumber"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	status, _ := hexutil.DecodeUint64(raw.Status)
	gasUsed, _ := hexutil.DecodeUint64(raw.GasUsed)
	blockNumber, _ := hexutil.DecodeUint64(raw.BlockNumber)

	return &TransactionReceipt{
		Status:      status,
		GasUsed:     gasUsed,
		BlockNumber: blockNumber,
	}, nil
}
