package query

import (
	"context"
	"fmt"
	"time"

	"github.com/solana-foundation/connectorkit-sub004/internal/transport"
	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
)

// Resource kinds used in keys.
const (
	KindBalance       = "balance"
	KindTokenAccounts = "tokens"
	KindSignatures    = "signatures"
)

// TokenProgramID is the SPL token program.
const TokenProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

// BalanceKey is the key of an address balance on a cluster.
func BalanceKey(address, cluster string) Key {
	return Key{Kind: KindBalance, Address: address, Cluster: cluster}
}

// TokenAccountsKey is the key of an address's token accounts on a cluster.
func TokenAccountsKey(address, cluster string) Key {
	return Key{Kind: KindTokenAccounts, Address: address, Cluster: cluster}
}

// SignaturesKey is the key of an address's recent signatures on a cluster.
func SignaturesKey(address, cluster string, limit int) Key {
	return Key{Kind: KindSignatures, Address: address, Cluster: cluster, Params: fmt.Sprintf("limit=%d", limit)}
}

type rpcContext struct {
	Slot uint64 `json:"slot"`
}

// Balance fetches the lamport balance of address.
func Balance(t transport.Transport, address string, commitment models.Commitment) Fetcher[models.Balance] {
	return func(ctx context.Context) (models.Balance, error) {
		var res struct {
			Context rpcContext `json:"context"`
			Value   uint64     `json:"value"`
		}
		err := transport.Decode(ctx, t, &res, "getBalance", address, map[string]any{"commitment": commitment})
		if err != nil {
			return models.Balance{}, fmt.Errorf("balance of %s: %w", address, err)
		}
		return models.Balance{Address: address, Lamports: res.Value, Slot: res.Context.Slot}, nil
	}
}

// TokenAccounts fetches the SPL token accounts owned by address.
func TokenAccounts(t transport.Transport, address string, commitment models.Commitment) Fetcher[[]models.TokenAccount] {
	return func(ctx context.Context) ([]models.TokenAccount, error) {
		var res struct {
			Value []struct {
				Pubkey  string `json:"pubkey"`
				Account struct {
					Data struct {
						Parsed struct {
							Info struct {
								Mint        string `json:"mint"`
								TokenAmount struct {
									Amount   string `json:"amount"`
									Decimals int    `json:"decimals"`
								} `json:"tokenAmount"`
							} `json:"info"`
						} `json:"parsed"`
					} `json:"data"`
				} `json:"account"`
			} `json:"value"`
		}
		err := transport.Decode(ctx, t, &res, "getTokenAccountsByOwner",
			address,
			map[string]any{"programId": TokenProgramID},
			map[string]any{"encoding": "jsonParsed", "commitment": commitment},
		)
		if err != nil {
			return nil, fmt.Errorf("token accounts of %s: %w", address, err)
		}
		out := make([]models.TokenAccount, 0, len(res.Value))
		for _, v := range res.Value {
			info := v.Account.Data.Parsed.Info
			out = append(out, models.TokenAccount{
				Pubkey:   v.Pubkey,
				Mint:     info.Mint,
				Amount:   info.TokenAmount.Amount,
				Decimals: info.TokenAmount.Decimals,
			})
		}
		return out, nil
	}
}

// Signatures fetches up to limit recent transaction signatures of address.
func Signatures(t transport.Transport, address string, commitment models.Commitment, limit int) Fetcher[[]models.SignatureInfo] {
	if limit <= 0 {
		limit = 20
	}
	return func(ctx context.Context) ([]models.SignatureInfo, error) {
		var res []struct {
			Signature string `json:"signature"`
			Slot      uint64 `json:"slot"`
			Err       any    `json:"err"`
			Memo      string `json:"memo"`
			BlockTime *int64 `json:"blockTime"`
		}
		err := transport.Decode(ctx, t, &res, "getSignaturesForAddress",
			address, map[string]any{"limit": limit, "commitment": commitment})
		if err != nil {
			return nil, fmt.Errorf("signatures of %s: %w", address, err)
		}
		out := make([]models.SignatureInfo, 0, len(res))
		for _, r := range res {
			si := models.SignatureInfo{Signature: r.Signature, Slot: r.Slot, Err: r.Err, Memo: r.Memo}
			if r.BlockTime != nil {
				bt := time.Unix(*r.BlockTime, 0).UTC()
				si.BlockTime = &bt
			}
			out = append(out, si)
		}
		return out, nil
	}
}
