package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
)

const maxResponseBytes = 16 << 20

// HTTPClient is a JSON-RPC 2.0 client over HTTP.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	nextID     atomic.Uint64
	logger     *slog.Logger
}

// NewHTTPClient creates a JSON-RPC client. Timeouts are applied per request
// by the caller's context, so the http.Client itself has none.
func NewHTTPClient(endpoint string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPClient{
		endpoint:   endpoint,
		httpClient: hc,
		logger:     slog.Default().With("component", "jsonrpc", "endpoint", endpoint),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Request sends one JSON-RPC call and returns the raw result.
func (c *HTTPClient) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, models.TransportError(method, classify(ctx, err))
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("close response body", "error", err)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.TransportError(method, fmt.Errorf("%w: http %d", models.ErrRateLimited, resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, models.TransportError(method, fmt.Errorf("%w: http %d", models.ErrNetwork, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, models.TransportError(method, fmt.Errorf("%w: http %d", models.ErrRPC, resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, models.TransportError(method, classify(ctx, err))
	}

	var out rpcResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, models.TransportError(method, fmt.Errorf("%w: %v", models.ErrMalformedResponse, err))
	}
	if out.Error != nil {
		return nil, models.TransportError(method, out.Error)
	}
	if out.ID != req.ID {
		return nil, models.TransportError(method, fmt.Errorf("%w: response id %d, want %d", models.ErrMalformedResponse, out.ID, req.ID))
	}
	if len(out.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return out.Result, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", models.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", models.ErrNetwork, err)
}
