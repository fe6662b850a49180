// Package txlistener polls a chain client for a submitted transaction's
// receipt, the mechanism the execution engine's LIVE mode uses to await
// confirmation before journaling an outcome.
package txlistener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrTimeout is returned when a transaction isn't mined within the
// configured timeout.
var ErrTimeout = errors.New("txlistener: timed out waiting for confirmation")

// TxListener polls for transaction receipts at a fixed interval, up to a
// bounded timeout per wait call.
type TxListener struct {
	client       *ethclient.Client
	pollInterval time.Duration
	timeout      time.Duration
}

// Option configures a TxListener at construction time.
type Option func(*TxListener)

// WithPollInterval sets how often the listener re-checks for a receipt.
func WithPollInterval(d time.Duration) Option {
	return func(tl *TxListener) { tl.pollInterval = d }
}

// WithTimeout sets the maximum time WaitForTransaction will wait.
func WithTimeout(d time.Duration) Option {
	return func(tl *TxListener) { tl.timeout = d }
}

// NewTxListener builds a TxListener with sane defaults (2s poll, 2m
// timeout), overridable via Option.
func NewTxListener(client *ethclient.Client, opts ...Option) *TxListener {
	tl := &TxListener{
		client:       client,
		pollInterval: 2 * time.Second,
		timeout:      2 * time.Minute,
	}
	for _, opt := range opts {
		opt(tl)
	}
	return tl
}

// WaitForTransaction polls until txHash is mined, the caller's context is
// canceled, or the listener's timeout elapses, whichever comes first.
func (tl *TxListener) WaitForTransaction(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, tl.timeout)
	defer cancel()

	ticker := time.NewTicker(tl.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := tl.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("txlistener: fetch receipt for %s: %w", txHash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, txHash.Hex(), tl.timeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
