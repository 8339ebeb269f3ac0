// Package app wires the connector components into a single client.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/solana-foundation/connectorkit-sub004/internal/config"
	"github.com/solana-foundation/connectorkit-sub004/internal/connector"
	"github.com/solana-foundation/connectorkit-sub004/internal/listener"
	"github.com/solana-foundation/connectorkit-sub004/internal/metrics"
	"github.com/solana-foundation/connectorkit-sub004/internal/pool"
	"github.com/solana-foundation/connectorkit-sub004/internal/query"
	"github.com/solana-foundation/connectorkit-sub004/internal/storage"
	"github.com/solana-foundation/connectorkit-sub004/internal/transport"
	"github.com/solana-foundation/connectorkit-sub004/internal/tx"
	"github.com/solana-foundation/connectorkit-sub004/internal/wallet"
	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
)

// Options are the dependencies injected into a Client.
type Options struct {
	Logger *slog.Logger
	// Registerer receives the collectors when metrics are enabled. Defaults
	// to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Wallets are registered before the connector starts.
	Wallets []wallet.Wallet
	// Factory overrides the endpoint factory, mainly for tests.
	Factory pool.Factory[*transport.Endpoint]
	// Sender configures transaction submission.
	Sender tx.BuilderConfig
}

// Client owns every component of the connector. Independent clients share
// nothing.
type Client struct {
	cfg    config.Config
	logger *slog.Logger
	root   *slog.Logger

	kv        storage.KV
	metrics   *metrics.Metrics
	pool      *pool.Pool[*transport.Endpoint]
	queries   *query.Registry
	wallets   *wallet.Registry
	connector *connector.Store
	sender    *tx.Builder
}

// New builds a client from cfg.
func New(cfg config.Config, opts Options) (*Client, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	kv, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		m, err = metrics.New(reg)
		if err != nil {
			closeStorage(kv)
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	sender := opts.Sender
	if sender.Logger == nil {
		sender.Logger = logger
	}
	factory := opts.Factory
	if factory == nil {
		factory = transport.NewEndpointFactory(cfg, logger)
	}
	c := &Client{
		cfg:     cfg,
		logger:  logger.With("component", "client"),
		root:    logger,
		kv:      kv,
		metrics: m,
		pool: pool.New(factory, pool.Config{
			MaxConnections: cfg.Pool.MaxConnections,
			CleanupDelay:   cfg.Pool.CleanupDelay,
			Logger:         logger,
			Metrics:        m,
		}),
		queries: query.NewRegistry(query.Options{
			RefreshInterval: cfg.Query.RefreshInterval,
			StaleAfter:      cfg.Query.StaleAfter,
			RetryDelay:      cfg.Query.RetryDelay,
			DisableRetry:    cfg.Query.DisableRetry,
			DisposeDelay:    cfg.Query.DisposeDelay,
			Logger:          logger,
			Metrics:         m,
		}),
		wallets: wallet.NewRegistry(),
		sender:  tx.NewBuilder(sender, kv),
	}
	for _, w := range opts.Wallets {
		c.wallets.Register(w)
	}

	c.connector, err = connector.New(c.wallets, connector.Options{
		Clusters:       cfg.Clusters,
		DefaultCluster: cfg.DefaultCluster,
		Pool:           c.pool,
		Preferences:    storage.NewPreferences(kv),
		Invalidator:    c.queries,
		Logger:         logger,
	})
	if err != nil {
		c.queries.Close()
		c.pool.Close()
		closeStorage(kv)
		return nil, err
	}
	c.logger.Info("client started",
		"cluster", c.connector.Snapshot().Cluster.ID,
		"storage", cfg.Storage.Backend,
		"wallets", len(opts.Wallets),
	)
	return c, nil
}

func openStorage(cfg config.StorageConfig) (storage.KV, error) {
	switch cfg.Backend {
	case config.StorageFile:
		return storage.OpenFileKV(cfg.Path)
	case config.StorageBadger:
		return storage.OpenBadgerKV(cfg.Path)
	case config.StorageMemory, "":
		return storage.NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func closeStorage(kv storage.KV) {
	if c, ok := kv.(io.Closer); ok {
		_ = c.Close()
	}
}

func (c *Client) Config() config.Config                 { return c.cfg }
func (c *Client) Connector() *connector.Store           { return c.connector }
func (c *Client) Wallets() *wallet.Registry             { return c.wallets }
func (c *Client) Pool() *pool.Pool[*transport.Endpoint] { return c.pool }
func (c *Client) Queries() *query.Registry              { return c.queries }

// active returns the selected account and the active cluster.
func (c *Client) active(op string) (string, models.ClusterDescriptor, error) {
	snap := c.connector.Snapshot()
	acct, ok := snap.State.Selected()
	if !ok {
		return "", snap.Cluster, models.ConnectionError(op, models.ErrNotConnected)
	}
	return acct.Address, snap.Cluster, nil
}

// pooled runs a fetcher on the pooled endpoint of cluster. The lease is held
// only for the duration of one fetch.
func pooled[T any](p *pool.Pool[*transport.Endpoint], cluster models.ClusterDescriptor, build func(transport.Transport) query.Fetcher[T]) query.Fetcher[T] {
	key := pool.Key{Endpoint: cluster.Endpoint, Commitment: cluster.Commitment}
	return func(ctx context.Context) (T, error) {
		lease, err := p.Acquire(ctx, key)
		if err != nil {
			var zero T
			return zero, models.TransportError("acquire endpoint", err)
		}
		defer lease.Release()
		return build(lease.Handle())(ctx)
	}
}

// Balance returns the balance store of the selected account on the active
// cluster.
func (c *Client) Balance() (*query.Store[models.Balance], error) {
	address, cluster, err := c.active("balance")
	if err != nil {
		return nil, err
	}
	return query.Get(c.queries, query.BalanceKey(address, cluster.ID),
		pooled(c.pool, cluster, func(t transport.Transport) query.Fetcher[models.Balance] {
			return query.Balance(t, address, cluster.Commitment)
		}))
}

// TokenAccounts returns the token accounts store of the selected account.
func (c *Client) TokenAccounts() (*query.Store[[]models.TokenAccount], error) {
	address, cluster, err := c.active("token accounts")
	if err != nil {
		return nil, err
	}
	return query.Get(c.queries, query.TokenAccountsKey(address, cluster.ID),
		pooled(c.pool, cluster, func(t transport.Transport) query.Fetcher[[]models.TokenAccount] {
			return query.TokenAccounts(t, address, cluster.Commitment)
		}))
}

// Signatures returns the recent transaction signatures of the selected
// account, newest first.
func (c *Client) Signatures(limit int) (*query.Store[[]models.SignatureInfo], error) {
	address, cluster, err := c.active("signatures")
	if err != nil {
		return nil, err
	}
	return query.Get(c.queries, query.SignaturesKey(address, cluster.ID, limit),
		pooled(c.pool, cluster, func(t transport.Transport) query.Fetcher[[]models.SignatureInfo] {
			return query.Signatures(t, address, cluster.Commitment, limit)
		}))
}

// WatchBalance refreshes the balance store on every account change pushed
// over the cluster's websocket. The store stays subscribed until stop is
// called.
func (c *Client) WatchBalance(ctx context.Context) (stop func(), err error) {
	store, err := c.Balance()
	if err != nil {
		return nil, err
	}
	address, cluster, err := c.active("watch balance")
	if err != nil {
		return nil, err
	}
	lease, err := c.pool.Acquire(ctx, pool.Key{Endpoint: cluster.Endpoint, Commitment: cluster.Commitment})
	if err != nil {
		return nil, models.TransportError("watch balance", err)
	}
	sub, err := lease.Handle().Subscribe(ctx, "accountSubscribe", address, map[string]any{
		"commitment": cluster.Commitment,
		"encoding":   "base64",
	})
	if err != nil {
		lease.Release()
		return nil, err
	}

	unsubscribe := store.Subscribe(func(query.Snapshot[models.Balance]) {})
	stopWatch := listener.Watch(sub, func(ctx context.Context) error {
		_, err := store.Refresh(ctx)
		return err
	}, c.root)
	c.logger.Info("watching balance", "address", address, "cluster", cluster.ID, "subscription", sub.ID())
	return func() {
		stopWatch()
		unsubscribe()
		lease.Release()
	}, nil
}

// Send builds a transaction for req and submits it through the signer of
// the selected account.
func (c *Client) Send(ctx context.Context, req tx.SendRequest) (*models.Transaction, error) {
	s := c.connector.Snapshot().Signer
	if s == nil {
		return nil, models.ConnectionError("send", models.ErrNotConnected)
	}
	return c.sender.Send(ctx, s, req)
}

// Close disconnects and releases every resource. The persisted wallet is
// kept so the next client can reconnect it.
func (c *Client) Close() error {
	err := c.connector.Close()
	c.queries.Close()
	c.pool.Close()
	if closer, ok := c.kv.(io.Closer); ok {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	c.logger.Info("client closed")
	return err
}
