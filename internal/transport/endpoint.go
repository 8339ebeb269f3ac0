package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"

	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
)

// EndpointConfig configures the request stack of one endpoint.
type EndpointConfig struct {
	URL        string
	WSURL      string // derived from URL when empty
	Commitment models.Commitment
	Policy     Policy
	RateLimit  float64
	RateBurst  int
	// RPC overrides the HTTP JSON-RPC client, mainly for tests.
	RPC Transport
	// Dial overrides the websocket dialer, mainly for tests.
	Dial func(ctx context.Context, url string) (*WSClient, error)
}

// Endpoint is the pooled network handle for one (endpoint, commitment) pair:
// a retrying, rate limited RPC transport plus a lazily dialed subscription
// connection shared by every subscriber.
type Endpoint struct {
	url        string
	wsURL      string
	commitment models.Commitment
	rpc        Transport
	dial       func(ctx context.Context, url string) (*WSClient, error)

	mu     sync.Mutex
	ws     *WSClient
	closed bool
}

func NewEndpoint(cfg EndpointConfig) (*Endpoint, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("endpoint url is empty")
	}
	wsURL := cfg.WSURL
	if wsURL == "" {
		derived, err := DeriveWSURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		wsURL = derived
	}
	rpc := cfg.RPC
	if rpc == nil {
		rpc = NewHTTPClient(cfg.URL, nil)
	}
	dial := cfg.Dial
	if dial == nil {
		dial = DialWS
	}
	return &Endpoint{
		url:        cfg.URL,
		wsURL:      wsURL,
		commitment: cfg.Commitment,
		rpc:        Retry(RateLimit(rpc, cfg.RateLimit, cfg.RateBurst), cfg.Policy),
		dial:       dial,
	}, nil
}

func (e *Endpoint) URL() string                   { return e.url }
func (e *Endpoint) WSURL() string                 { return e.wsURL }
func (e *Endpoint) Commitment() models.Commitment { return e.commitment }

func (e *Endpoint) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return e.rpc.Request(ctx, method, params...)
}

// Subscribe opens a subscription over the shared websocket, dialing it on
// first use and redialing if the previous connection dropped.
func (e *Endpoint) Subscribe(ctx context.Context, method string, params ...any) (*Subscription, error) {
	ws, err := e.socket(ctx)
	if err != nil {
		return nil, err
	}
	return ws.Subscribe(ctx, method, params...)
}

func (e *Endpoint) socket(ctx context.Context) (*WSClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, models.TransportError("subscribe", ErrClientClosed)
	}
	if e.ws != nil {
		select {
		case <-e.ws.Done():
			e.ws = nil
		default:
			return e.ws, nil
		}
	}
	ws, err := e.dial(ctx, e.wsURL)
	if err != nil {
		return nil, err
	}
	e.ws = ws
	return ws, nil
}

// Close closes the subscription connection, if any.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	ws := e.ws
	e.ws = nil
	e.closed = true
	e.mu.Unlock()
	if ws != nil {
		return ws.Close()
	}
	return nil
}

// DeriveWSURL maps an http(s) RPC url to its websocket url. An explicit port
// is incremented by one, which is the convention of validator RPC nodes.
func DeriveWSURL(rpcURL string) (string, error) {
	u, err := url.Parse(rpcURL)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", rpcURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
		return u.String(), nil
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return "", fmt.Errorf("parse port %q: %w", port, err)
		}
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(n+1))
	}
	return u.String(), nil
}
