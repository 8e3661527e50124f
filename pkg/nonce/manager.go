// Package nonce manages transaction nonces per (chain, address).
//
// Each signing address must be driven by exactly one in-flight transaction at
// a time: callers Get a nonce, submit, then Set(addr, used+1) before the next
// submission may proceed. The manager never hands out a nonce below what the
// chain has already seen.
package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/packmint/coordinator/pkg/store"
	"go.uber.org/zap"
)

// ChainReader is the RPC slice the manager needs.
type ChainReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Store persists the per-address nonce cache.
type Store interface {
	GetNonceRecord(ctx context.Context, chainID int64, address string) (*store.NonceRecord, error)
	SetNonceRecord(ctx context.Context, chainID int64, address string, nonce int64) error
}

// Manager caches the next nonce per address with a staleness window. A stale
// cache entry is refreshed from the chain, and the cached and live values are
// maxed rather than overwritten, so a crash-and-restart never re-uses a nonce
// already broadcast.
type Manager struct {
	chainID   int64
	rpc       ChainReader
	store     Store
	staleness time.Duration
	logger    *zap.Logger
}

// NewManager creates a nonce manager for one chain.
func NewManager(chainID int64, rpc ChainReader, st Store, staleness time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		chainID:   chainID,
		rpc:       rpc,
		store:     st,
		staleness: staleness,
		logger:    logger,
	}
}

// Get returns the next nonce to use for an address. The cached value is
// authoritative while fresh; otherwise the live transaction count becomes the
// new baseline, maxed against the cache.
func (m *Manager) Get(ctx context.Context, address common.Address) (int64, error) {
	addr := addressKey(address)

	record, err := m.store.GetNonceRecord(ctx, m.chainID, addr)
	if err != nil {
		return 0, fmt.Errorf("failed to read nonce cache: %w", err)
	}
	if record != nil && time.Since(record.UpdatedAt) < m.staleness {
		return record.Nonce, nil
	}

	live, err := m.rpc.PendingNonceAt(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch live nonce: %w", err)
	}

	next := int64(live)
	if record != nil && record.Nonce > next {
		next = record.Nonce
	}

	if err := m.store.SetNonceRecord(ctx, m.chainID, addr, next); err != nil {
		return 0, fmt.Errorf("failed to refresh nonce cache: %w", err)
	}

	m.logger.Debug("Refreshed nonce baseline",
		zap.Int64("chain_id", m.chainID),
		zap.String("address", addr),
		zap.Int64("nonce", next))

	return next, nil
}

// Set records the nonce to use for the address's next transaction. Must be
// called with usedNonce+1 after every successful submission.
func (m *Manager) Set(ctx context.Context, address common.Address, next int64) error {
	if err := m.store.SetNonceRecord(ctx, m.chainID, addressKey(address), next); err != nil {
		return fmt.Errorf("failed to set nonce: %w", err)
	}
	return nil
}

func addressKey(address common.Address) string {
	// Stored lower-cased so lookups match however the address was configured.
	return "0x" + common.Bytes2Hex(address.Bytes())
}
