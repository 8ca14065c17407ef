// Package provider reads account balances from an Ethereum JSON-RPC node.
//
// Client satisfies batch.BatchProvider, so balance lookups for many
// accounts are coalesced into JSON-RPC batch requests. Every error it
// returns is tagged transient or permanent for the coordinator's retry
// policy.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/forest6511/walletctl/pkg/batch"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "provider")

const (
	// BlockLatest is the default block tag.
	BlockLatest = "latest"

	methodGetBalance = "eth_getBalance"
)

// JSON-RPC error codes.
const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeServer         = -32000
	codeLimitExceeded  = -32005
)

var (
	ErrEmptyResult = errors.New("provider: empty result")
	ErrClosed      = errors.New("provider: client closed")
)

// Client queries balances at a fixed block tag.
type Client struct {
	rpc   *rpc.Client
	block string
}

var _ batch.BatchProvider[common.Address, *big.Int] = (*Client)(nil)

// Dial connects to endpoint (http, ws or ipc) and queries at block.
func Dial(ctx context.Context, endpoint, block string) (*Client, error) {
	c, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("provider: failed to dial: %w", err)
	}
	return New(c, block), nil
}

// New wraps an existing RPC client. An empty block means latest.
func New(c *rpc.Client, block string) *Client {
	if block == "" {
		block = BlockLatest
	}
	return &Client{rpc: c, block: block}
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// Call returns the balance of addr in wei.
func (c *Client) Call(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out *hexutil.Big
	if err := c.rpc.CallContext(ctx, &out, methodGetBalance, addr, c.block); err != nil {
		return nil, classify(err)
	}
	if out == nil {
		return nil, batch.MarkPermanent(ErrEmptyResult)
	}
	return out.ToInt(), nil
}

// BatchCall looks up all addrs in one JSON-RPC batch. A returned error
// means the round trip failed; per-address failures are in the results.
func (c *Client) BatchCall(ctx context.Context, addrs []common.Address) ([]fn.Result[*big.Int], error) {
	outs := make([]*hexutil.Big, len(addrs))
	elems := make([]rpc.BatchElem, len(addrs))
	for i, a := range addrs {
		elems[i] = rpc.BatchElem{
			Method: methodGetBalance,
			Args:   []interface{}{a, c.block},
			Result: &outs[i],
		}
	}
	if err := c.rpc.BatchCallContext(ctx, elems); err != nil {
		return nil, classify(err)
	}

	results := make([]fn.Result[*big.Int], len(addrs))
	for i, e := range elems {
		switch {
		case e.Error != nil:
			results[i] = fn.Err[*big.Int](classify(e.Error))
		case outs[i] == nil:
			results[i] = fn.Err[*big.Int](batch.MarkPermanent(ErrEmptyResult))
		default:
			results[i] = fn.Ok(outs[i].ToInt())
		}
	}
	log.WithField("requests", len(addrs)).Trace("batch round trip")
	return results, nil
}

// classify tags an RPC failure for the retry policy. Malformed requests
// and unknown methods are permanent; server faults, rate limits and
// transport failures are transient.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, rpc.ErrClientQuit) {
		return batch.MarkPermanent(ErrClosed)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeParse, codeInvalidRequest, codeMethodNotFound, codeInvalidParams:
			return batch.MarkPermanent(err)
		case codeInternal, codeServer, codeLimitExceeded:
			return batch.MarkTransient(err)
		}
		return batch.MarkPermanent(err)
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return batch.MarkTransient(err)
		}
		return batch.MarkPermanent(err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return batch.MarkPermanent(err)
	}

	// Anything else came from the transport.
	return batch.MarkTransient(err)
}
