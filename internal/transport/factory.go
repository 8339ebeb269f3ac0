package transport

import (
	"context"
	"log/slog"

	"github.com/solana-foundation/connectorkit-sub004/internal/config"
	"github.com/solana-foundation/connectorkit-sub004/internal/pool"
)

// NewEndpointFactory returns a pool factory that builds an Endpoint per key
// with the request policy from cfg. Websocket urls come from the configured
// cluster with the same RPC endpoint and are derived otherwise. Retries are
// logged to logger, or slog.Default when nil.
func NewEndpointFactory(cfg config.Config, logger *slog.Logger) pool.Factory[*Endpoint] {
	ws := make(map[string]string, len(cfg.Clusters))
	for _, c := range cfg.Clusters {
		if c.WSEndpoint != "" {
			ws[c.Endpoint] = c.WSEndpoint
		}
	}
	tc := cfg.Transport
	policy := Policy{
		Timeout:     tc.Timeout,
		MaxAttempts: tc.MaxAttempts,
		BackoffBase: tc.BackoffBase,
		BackoffMax:  tc.BackoffMax,
		Jitter:      tc.Jitter,
		Logger:      logger,
	}
	return func(_ context.Context, key pool.Key) (*Endpoint, error) {
		return NewEndpoint(EndpointConfig{
			URL:        key.Endpoint,
			WSURL:      ws[key.Endpoint],
			Commitment: key.Commitment,
			Policy:     policy,
			RateLimit:  tc.RateLimit,
			RateBurst:  tc.RateBurst,
		})
	}
}
