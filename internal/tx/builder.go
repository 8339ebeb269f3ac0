package tx

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/solana-foundation/connectorkit-sub004/internal/signer"
	"github.com/solana-foundation/connectorkit-sub004/internal/storage"
	"github.com/solana-foundation/connectorkit-sub004/internal/wallet"
	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
)

// Well-known program ids.
const (
	SystemProgramID        = "11111111111111111111111111111111"
	ComputeBudgetProgramID = "ComputeBudget111111111111111111111111111111"
)

const recordPrefix = "tx:"

// ErrEmptyRequest is returned for a request with neither a transfer nor
// instructions.
var ErrEmptyRequest = errors.New("nothing to send")

// BuilderConfig holds configurable parameters for the transaction builder.
type BuilderConfig struct {
	// MaxRetries is the number of send attempts for transient failures.
	MaxRetries int
	// ComputeUnitPrice is the priority fee in micro-lamports per compute
	// unit. Zero omits the compute budget instruction.
	ComputeUnitPrice uint64
	BackoffBase      time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Builder constructs transactions and submits them through a signer.
// Sends are idempotent per request key: a key that already produced a
// signature returns the recorded transaction without signing again.
type Builder struct {
	records storage.KV
	logger  *slog.Logger
	cfg     BuilderConfig

	mu      sync.Mutex
	pending map[string]*keyLock
}

// keyLock serializes sends of one idempotency key. It is removed from
// pending when its last holder or waiter unlocks.
type keyLock struct {
	sync.Mutex
	refs int
}

// NewBuilder creates a new transaction builder recording sends in kv.
func NewBuilder(cfg BuilderConfig, kv storage.KV) *Builder {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if kv == nil {
		kv = storage.NewMemoryKV()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		records: kv,
		logger:  logger.With("component", "tx_builder"),
		cfg:     cfg,
		pending: make(map[string]*keyLock),
	}
}

// SendRequest represents a request to send a transaction.
type SendRequest struct {
	IdempotencyKey string // prevents duplicate sends; empty disables the check
	To             string // transfer recipient; empty sends Instructions only
	Lamports       uint64
	Instructions   []models.Instruction
	Version        models.TxVersion
	Options        wallet.SendOptions
}

// Record is what the builder persists for a completed send.
type Record struct {
	Signature string           `json:"signature"`
	From      string           `json:"from"`
	To        string           `json:"to,omitempty"`
	Lamports  uint64           `json:"lamports,omitempty"`
	Version   models.TxVersion `json:"version"`
	SentAt    time.Time        `json:"sentAt"`
}

// Build assembles the transaction for req with from as fee payer. The
// recent blockhash is left for the signer to fill.
func (b *Builder) Build(from string, req SendRequest) (*models.Transaction, error) {
	if req.To == "" && len(req.Instructions) == 0 {
		return nil, ErrEmptyRequest
	}
	version := req.Version
	if version == "" {
		version = models.TxLegacy
	}
	tx := &models.Transaction{Version: version, FeePayer: from}
	if b.cfg.ComputeUnitPrice > 0 {
		tx.Instructions = append(tx.Instructions, SetComputeUnitPrice(b.cfg.ComputeUnitPrice))
	}
	if req.To != "" {
		tx.Instructions = append(tx.Instructions, Transfer(from, req.To, req.Lamports))
	}
	tx.Instructions = append(tx.Instructions, req.Instructions...)
	return tx, nil
}

// Send builds, signs and submits a transaction with idempotency.
func (b *Builder) Send(ctx context.Context, s signer.Signer, req SendRequest) (*models.Transaction, error) {
	if req.IdempotencyKey != "" {
		unlock := b.lockKey(req.IdempotencyKey)
		defer unlock()

		// Idempotency check
		existing, err := b.Lookup(req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			b.logger.Info("duplicate request, returning existing tx",
				"idempotency_key", req.IdempotencyKey,
				"signature", existing.Signature,
			)
			return &models.Transaction{Version: existing.Version, FeePayer: existing.From, Signature: existing.Signature}, nil
		}
	}

	tx, err := b.Build(s.Address(), req)
	if err != nil {
		return nil, err
	}
	b.logger.Info("building transaction",
		"from", tx.FeePayer,
		"to", req.To,
		"lamports", req.Lamports,
		"instructions", len(tx.Instructions),
		"version", tx.Version,
	)

	sig, err := b.sendWithRetry(ctx, s, tx, req.Options)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	tx.Signature = sig

	// Store for idempotency
	if req.IdempotencyKey != "" {
		rec := Record{Signature: sig, From: tx.FeePayer, To: req.To, Lamports: req.Lamports, Version: tx.Version, SentAt: time.Now().UTC()}
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
		if err := b.records.Put(recordPrefix+req.IdempotencyKey, string(raw)); err != nil {
			return nil, fmt.Errorf("tx store put: %w", err)
		}
	}
	return tx, nil
}

// Lookup returns the record stored for an idempotency key, or nil.
func (b *Builder) Lookup(key string) (*Record, error) {
	raw, ok, err := b.records.Get(recordPrefix + key)
	if err != nil {
		return nil, fmt.Errorf("tx store get: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		b.logger.Warn("ignoring corrupt tx record", "idempotency_key", key, "error", err)
		return nil, nil
	}
	return &rec, nil
}

func (b *Builder) lockKey(key string) func() {
	b.mu.Lock()
	l, ok := b.pending[key]
	if !ok {
		l = &keyLock{}
		b.pending[key] = l
	}
	l.refs++
	b.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		b.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(b.pending, key)
		}
		b.mu.Unlock()
	}
}

func (b *Builder) sendWithRetry(ctx context.Context, s signer.Signer, tx *models.Transaction, opts wallet.SendOptions) (string, error) {
	var (
		sig     string
		attempt int
	)
	op := func() error {
		attempt++
		var err error
		sig, err = s.SignAndSend(ctx, tx, opts)
		if err == nil {
			return nil
		}
		if !models.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		b.logger.Warn("send attempt failed",
			"attempt", attempt,
			"max_retries", b.cfg.MaxRetries,
			"retry_in", wait,
			"error", err,
		)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.cfg.BackoffBase
	eb.MaxElapsedTime = 0
	eb.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(b.cfg.MaxRetries-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", err
	}
	b.logger.Info("transaction sent", "signature", sig, "attempt", attempt)
	return sig, nil
}

// Transfer builds a system program transfer instruction.
func Transfer(from, to string, lamports uint64) models.Instruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data, 2)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	return models.Instruction{
		ProgramID: SystemProgramID,
		Accounts: []models.AccountMeta{
			{Address: from, IsSigner: true, IsWritable: true},
			{Address: to, IsWritable: true},
		},
		Data: data,
	}
}

// SetComputeUnitPrice builds a compute budget instruction setting the
// priority fee.
func SetComputeUnitPrice(microLamports uint64) models.Instruction {
	data := make([]byte, 9)
	data[0] = 3
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return models.Instruction{ProgramID: ComputeBudgetProgramID, Data: data}
}
