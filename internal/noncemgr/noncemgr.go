// Package noncemgr implements the Nonce Manager (spec.md §4.6): it
// guarantees at most one in-flight transaction per account occupies a given
// nonce, and persists its state atomically so a crash never double-spends
// or stalls a nonce.
package noncemgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChoSanghyuk/arbengine/pkg/logger"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// PendingStatus is the outcome of reconciling an overdue pending entry
// against the chain.
type PendingStatus string

const (
	PendingNone    PendingStatus = ""
	PendingWaiting PendingStatus = "waiting"
	PendingCleared PendingStatus = "cleared"
	PendingReused  PendingStatus = "reused"
)

// NonceResult is returned by GetNextNonce.
type NonceResult struct {
	Nonce         uint64
	HadPending    bool
	PendingStatus PendingStatus
}

// ChainReader is the minimal on-chain surface the Nonce Manager needs.
type ChainReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type pendingEntry struct {
	Nonce       uint64    `json:"nonce"`
	TxHash      string    `json:"txHash"`
	SubmittedAt time.Time `json:"submittedAt"`
}

type journalState struct {
	NextNonce           uint64        `json:"nextNonce"`
	Pending             *pendingEntry `json:"pending,omitempty"`
	LastSyncedFromChain time.Time     `json:"lastSyncedFromChain"`
}

// Manager is the Nonce Manager actor: single owner of nonce state, every
// mutation persisted before being observable.
type Manager struct {
	mu             sync.Mutex
	account        common.Address
	reader         ChainReader
	journalPath    string
	pendingTimeout time.Duration
	log            *logger.Logger

	st journalState
}

// New loads (or initializes) the nonce journal at journalPath and
// synchronizes against the chain once before returning.
func New(ctx context.Context, account common.Address, reader ChainReader, journalPath string, pendingTimeout time.Duration, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Nop()
	}
	if pendingTimeout <= 0 {
		pendingTimeout = 5 * time.Minute
	}

	m := &Manager{
		account:        account,
		reader:         reader,
		journalPath:    journalPath,
		pendingTimeout: pendingTimeout,
		log:            log.Named("noncemgr"),
	}

	if err := m.load(); err != nil {
		return nil, err
	}
	if err := m.SyncFromChain(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.journalPath)
	if errors.Is(err, os.ErrNotExist) {
		m.st = journalState{NextNonce: 0}
		return nil
	}
	if err != nil {
		return fmt.Errorf("noncemgr: read journal: %w", err)
	}

	var st journalState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("noncemgr: journal corrupt, refusing to guess nonce state: %w", err)
	}
	if st.NextNonce == math.MaxUint64 {
		return fmt.Errorf("noncemgr: nextNonce at uint64 max, treating as corruption")
	}
	m.st = st
	return nil
}

// persist writes the journal atomically via write-then-rename, so a crash
// mid-write never leaves a partially-written file in place of a good one.
func (m *Manager) persist() error {
	data, err := json.Marshal(m.st)
	if err != nil {
		return fmt.Errorf("noncemgr: marshal journal: %w", err)
	}

	dir := filepath.Dir(m.journalPath)
	tmp, err := os.CreateTemp(dir, ".noncemgr-journal-*")
	if err != nil {
		return fmt.Errorf("noncemgr: create temp journal: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("noncemgr: write temp journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("noncemgr: fsync temp journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("noncemgr: close temp journal: %w", err)
	}
	if err := os.Rename(tmpPath, m.journalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("noncemgr: rename temp journal: %w", err)
	}
	return nil
}

// SyncFromChain advances nextNonce if the chain's transaction count has
// moved past it, and clears any pending entry the chain has already
// confirmed.
func (m *Manager) SyncFromChain(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncFromChainLocked(ctx)
}

func (m *Manager) syncFromChainLocked(ctx context.Context) error {
	chainCount, err := m.reader.PendingNonceAt(ctx, m.account)
	if err != nil {
		return fmt.Errorf("noncemgr: sync from chain: %w", err)
	}

	if chainCount > m.st.NextNonce {
		m.st.NextNonce = chainCount
	}
	if m.st.Pending != nil && m.st.Pending.Nonce < chainCount {
		m.st.Pending = nil
	}
	m.st.LastSyncedFromChain = time.Now()
	return m.persist()
}

// GetNextNonce returns the next nonce to use. If a pending entry has
// exceeded pendingTimeout, it is reconciled against the chain first.
func (m *Manager) GetNextNonce(ctx context.Context) (NonceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st.Pending == nil {
		return NonceResult{Nonce: m.st.NextNonce}, nil
	}

	if time.Since(m.st.Pending.SubmittedAt) < m.pendingTimeout {
		return NonceResult{Nonce: m.st.NextNonce, HadPending: true, PendingStatus: PendingWaiting}, nil
	}

	status, err := m.reconcilePendingLocked(ctx)
	if err != nil {
		return NonceResult{}, err
	}
	return NonceResult{Nonce: m.st.NextNonce, HadPending: true, PendingStatus: status}, nil
}

// reconcilePendingLocked resolves an overdue pending entry: receipt found →
// clear it and leave nextNonce advanced; no receipt and no error → keep
// waiting; receipt not found and the account's pending transaction count
// is above the nonce → clear it and take nextNonce from that count;
// receipt not found otherwise (dropped) → reuse its nonce. A transaction
// that is still in the mempool is not told apart from one that has been
// replaced: both raise the pending count and are cleared.
func (m *Manager) reconcilePendingLocked(ctx context.Context) (PendingStatus, error) {
	pending := m.st.Pending
	txHash := common.HexToHash(pending.TxHash)

	receipt, err := m.reader.TransactionReceipt(ctx, txHash)
	switch {
	case err == nil && receipt != nil:
		m.st.Pending = nil
		if perr := m.persist(); perr != nil {
			return PendingNone, perr
		}
		m.log.Info("overdue pending nonce confirmed on reconciliation", zap.Uint64("nonce", pending.Nonce))
		return PendingCleared, nil
	case errors.Is(err, ethereum.NotFound):
		chainCount, cerr := m.reader.PendingNonceAt(ctx, m.account)
		if cerr != nil {
			return PendingNone, fmt.Errorf("noncemgr: reconcile pending: %w", cerr)
		}
		if chainCount > pending.Nonce {
			// The pending count (mined plus mempool) has moved past this
			// nonce; trust the chain.
			m.st.NextNonce = chainCount
			m.st.Pending = nil
			return PendingCleared, m.persist()
		}
		// Dropped from the mempool: reuse its nonce for the next submission.
		m.st.NextNonce = pending.Nonce
		m.st.Pending = nil
		if perr := m.persist(); perr != nil {
			return PendingNone, perr
		}
		m.log.Warn("overdue pending nonce dropped, reusing", zap.Uint64("nonce", pending.Nonce))
		return PendingReused, nil
	case err != nil:
		return PendingNone, fmt.Errorf("noncemgr: reconcile pending: %w", err)
	default:
		return PendingWaiting, nil
	}
}

// MarkSubmitted records that nextNonce has been used by txHash and advances
// nextNonce, persisting before returning.
func (m *Manager) MarkSubmitted(nonce uint64, txHash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.st.Pending = &pendingEntry{Nonce: nonce, TxHash: txHash.Hex(), SubmittedAt: time.Now()}
	if nonce >= m.st.NextNonce {
		m.st.NextNonce = nonce + 1
	}
	return m.persist()
}

// MarkConfirmed clears the pending entry for txHash, whether it landed
// successfully or reverted — the nonce has been consumed either way.
func (m *Manager) MarkConfirmed(txHash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st.Pending != nil && m.st.Pending.TxHash == txHash.Hex() {
		m.st.Pending = nil
	}
	return m.persist()
}
