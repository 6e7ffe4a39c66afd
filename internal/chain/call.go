package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/marketsettle/internal/circuitbreaker"
	"github.com/mbd888/marketsettle/internal/metrics"
	"github.com/mbd888/marketsettle/internal/retry"
	"github.com/mbd888/marketsettle/internal/traces"
)

// Read calls a view function on the escrow contract and returns its
// decoded outputs.
func (c *Client) Read(ctx context.Context, method string, args ...any) ([]any, error) {
	return c.call(ctx, c.escrow, &escrowABI, method, args...)
}

// Write submits a signed call to an escrow function. It returns as soon as
// the node accepts the transaction; use AwaitConfirmation for the receipt.
func (c *Client) Write(ctx context.Context, method string, args ...any) (TxHash, error) {
	return c.transact(ctx, c.escrow, &escrowABI, method, args...)
}

func (c *Client) call(ctx context.Context, to common.Address, parsed *abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, &CallError{Op: "pack", Method: method, Err: fmt.Errorf("%w: %v", ErrInvalidArguments, err)}
	}

	ctx, span := traces.StartSpan(ctx, "chain.Read", traces.Method(method))
	defer span.End()

	var out []byte
	err = c.breaker.Execute(breakerKey, func() error {
		var callErr error
		out, callErr = c.client.CallContract(ctx, ethereum.CallMsg{From: c.address, To: &to, Data: data}, nil)
		return callErr
	}, countsAgainstNode)
	if err != nil {
		metrics.LedgerCallsTotal.WithLabelValues("read", method, "error").Inc()
		return nil, traces.Fail(span, &CallError{Op: "read", Method: method, Err: classify(err)})
	}

	values, err := parsed.Unpack(method, out)
	if err != nil {
		metrics.LedgerCallsTotal.WithLabelValues("read", method, "error").Inc()
		return nil, traces.Fail(span, &CallError{Op: "decode", Method: method, Err: err})
	}
	metrics.LedgerCallsTotal.WithLabelValues("read", method, "ok").Inc()
	return values, nil
}

func (c *Client) transact(ctx context.Context, to common.Address, parsed *abi.ABI, method string, args ...any) (TxHash, error) {
	if c.privateKey == nil {
		return TxHash{}, &CallError{Op: "write", Method: method, Err: ErrNoSigningAccount}
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return TxHash{}, &CallError{Op: "pack", Method: method, Err: fmt.Errorf("%w: %v", ErrInvalidArguments, err)}
	}

	ctx, span := traces.StartSpan(ctx, "chain.Write", traces.Method(method), traces.Signer(c.address.Hex()))
	defer span.End()

	// One transaction in flight per account keeps nonces contiguous.
	unlock, err := c.locks.LockContext(ctx, c.address.Hex())
	if err != nil {
		return TxHash{}, traces.Fail(span, &CallError{Op: "lock", Method: method, Err: err})
	}
	defer unlock()

	if err := c.awaitInflight(ctx, method); err != nil {
		return TxHash{}, c.writeFailed(span, err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return TxHash{}, c.writeFailed(span, &CallError{Op: "nonce", Method: method, Err: classify(err)})
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return TxHash{}, c.writeFailed(span, &CallError{Op: "gas_price", Method: method, Err: classify(err)})
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		c.logger.Warn("gas estimation failed, using default limit",
			"method", method, "limit", DefaultGasLimit, "error", err)
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, c.signer, c.privateKey)
	if err != nil {
		return TxHash{}, c.writeFailed(span, &CallError{Op: "sign", Method: method, Err: err})
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return TxHash{}, c.writeFailed(span, &CallError{Op: "send", Method: method, TxHash: signed.Hash().Hex(), Err: classify(err)})
	}

	c.mu.Lock()
	c.inflight[c.address] = signed.Hash()
	c.mu.Unlock()

	metrics.LedgerCallsTotal.WithLabelValues("write", method, "ok").Inc()
	span.SetAttributes(traces.TxHash(signed.Hash().Hex()))
	c.logger.Debug("transaction submitted", "method", method, "tx", signed.Hash().Hex(), "nonce", nonce)
	return TxHash(signed.Hash()), nil
}

func (c *Client) writeFailed(span trace.Span, err *CallError) error {
	metrics.LedgerCallsTotal.WithLabelValues("write", err.Method, "error").Inc()
	return traces.Fail(span, err)
}

// AwaitConfirmation polls for the receipt of hash with exponential backoff
// until it is mined or the confirmation timeout elapses. A mined but failed
// transaction returns the receipt together with ErrTransactionReverted.
func (c *Client) AwaitConfirmation(ctx context.Context, hash TxHash) (*types.Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "chain.AwaitConfirmation", traces.TxHash(hash.Hex()))
	defer span.End()

	start := time.Now()
	receipt, err := c.waitReceipt(ctx, common.Hash(hash))
	if err != nil {
		metrics.ConfirmationDuration.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
		return nil, traces.Fail(span, err)
	}
	c.clearInflight(common.Hash(hash))

	if receipt.Status == types.ReceiptStatusFailed {
		metrics.ConfirmationDuration.WithLabelValues("reverted").Observe(time.Since(start).Seconds())
		return receipt, traces.Fail(span, &CallError{Op: "confirm", TxHash: hash.Hex(), Err: ErrTransactionReverted})
	}
	metrics.ConfirmationDuration.WithLabelValues("mined").Observe(time.Since(start).Seconds())
	return receipt, nil
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	b := retry.Backoff{Initial: c.pollInterval, Max: c.maxPoll, MaxElapsed: c.confirmTimeout}
	err := retry.Poll(ctx, b, func() (bool, error) {
		r, err := c.client.TransactionReceipt(ctx, hash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return false, nil
			}
			return false, err
		}
		receipt = r
		return true, nil
	})
	switch {
	case err == nil:
		return receipt, nil
	case errors.Is(err, retry.ErrExhausted), errors.Is(err, context.DeadlineExceeded):
		return nil, &CallError{Op: "confirm", TxHash: hash.Hex(), Err: fmt.Errorf("%w: %v", ErrConfirmationTimeout, err)}
	default:
		return nil, &CallError{Op: "confirm", TxHash: hash.Hex(), Err: err}
	}
}

// awaitInflight blocks until the signer's previous transaction, if any, has
// a receipt. Callers must hold the signer lock. When the previous
// transaction stays unmined the new write fails with ErrSignerBusy and no
// hash, since nothing was submitted for it.
func (c *Client) awaitInflight(ctx context.Context, method string) *CallError {
	c.mu.Lock()
	prev, ok := c.inflight[c.address]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	c.logger.Debug("waiting for previous transaction", "tx", prev.Hex())
	if _, err := c.waitReceipt(ctx, prev); err != nil {
		c.logger.Warn("previous transaction still unconfirmed", "tx", prev.Hex(), "error", err)
		return &CallError{Op: "await_inflight", Method: method, Err: fmt.Errorf("%w: waiting on %s", ErrSignerBusy, prev.Hex())}
	}
	c.clearInflight(prev)
	return nil
}

func (c *Client) clearInflight(hash common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[c.address] == hash {
		delete(c.inflight, c.address)
	}
}

// classify maps a node error onto the ledger error taxonomy.
func classify(err error) error {
	if isRevert(err) {
		return fmt.Errorf("%w: %w", ErrLedgerRevert, err)
	}
	return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
}

func isRevert(err error) bool {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	var de rpc.DataError
	if errors.As(err, &de) && de.ErrorData() != nil {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}

// countsAgainstNode reports whether err says something about node health.
// Reverts are answers, not outages.
func countsAgainstNode(err error) bool {
	return !isRevert(err)
}
