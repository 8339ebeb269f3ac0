// Package transport provides the pluggable request interface used by cached
// queries and signers, and the concrete JSON-RPC stack behind pooled endpoints.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
)

// Transport issues a single RPC request.
type Transport interface {
	Request(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, method string, params ...any) (json.RawMessage, error)

func (f Func) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return f(ctx, method, params...)
}

// RPCError is an error object returned by the remote node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Is makes every RPCError match models.ErrRPC.
func (e *RPCError) Is(target error) bool {
	return target == models.ErrRPC
}

// Decode issues a request and unmarshals its result into out.
func Decode(ctx context.Context, t Transport, out any, method string, params ...any) error {
	raw, err := t.Request(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return models.TransportError(method, fmt.Errorf("%w: %v", models.ErrMalformedResponse, err))
	}
	return nil
}
