// Package syncer advances a chain's sync cursor and ingests classified log
// rows. One parameterized synchronizer serves every watched chain; the chain
// config and the watch lists are injected.
package syncer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/packmint/coordinator/internal/metrics"
	"github.com/packmint/coordinator/pkg/chain"
	"github.com/packmint/coordinator/pkg/event"
	"github.com/packmint/coordinator/pkg/store"
)

// Store is the persistence slice the synchronizer needs.
type Store interface {
	GetCursor(ctx context.Context, chainID int64) (*store.SyncCursor, error)
	SaveCursor(ctx context.Context, cursor *store.SyncCursor) error
	PaymentExists(ctx context.Context, eventID string) (bool, error)
	TransferExists(ctx context.Context, eventID string) (bool, error)
	InsertPayments(ctx context.Context, payments []*store.Payment) error
	InsertTransfers(ctx context.Context, transfers []*store.NftTransfer) error
}

// ChainReader is the RPC slice the synchronizer needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config parameterizes one chain's synchronizer.
type Config struct {
	ChainID           int64
	StartBlock        int64
	SafeConfirmations int64
	SyncWindow        int64
	RetryAttempts     int
	RetryDelay        time.Duration
}

// WatchList is the read-only address allow-list loaded at startup.
type WatchList struct {
	tokens  map[string]*store.WatchedToken
	wallets map[string]bool
}

// NewWatchList builds the lookup maps from the persisted allow-lists.
func NewWatchList(tokens []*store.WatchedToken, wallets []*store.WatchedWallet) *WatchList {
	wl := &WatchList{
		tokens:  make(map[string]*store.WatchedToken, len(tokens)),
		wallets: make(map[string]bool, len(wallets)),
	}
	for _, t := range tokens {
		wl.tokens[t.Address] = t
	}
	for _, w := range wallets {
		wl.wallets[w.Address] = true
	}
	return wl
}

// Token returns the watched token at an address, or nil.
func (w *WatchList) Token(address string) *store.WatchedToken {
	return w.tokens[address]
}

// IsWatchedWallet reports whether an address is on the receiver allow-list.
func (w *WatchList) IsWatchedWallet(address string) bool {
	return w.wallets[address]
}

// Addresses returns the token contract addresses to filter logs by.
func (w *WatchList) Addresses() []common.Address {
	out := make([]common.Address, 0, len(w.tokens))
	for addr := range w.tokens {
		out = append(out, common.HexToAddress(addr))
	}
	return out
}

// Synchronizer ingests one chain's logs behind a persisted cursor.
type Synchronizer struct {
	cfg    Config
	rpc    ChainReader
	store  Store
	watch  *WatchList
	router string // payment-forwarding contract, lower-cased; empty disables routed payments
	logger *zap.Logger
}

// New creates a synchronizer for one chain.
func New(cfg Config, rpc ChainReader, st Store, watch *WatchList, routerAddress string, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		cfg:    cfg,
		rpc:    rpc,
		store:  st,
		watch:  watch,
		router: routerAddress,
		logger: logger,
	}
}

// Tick runs one sync cycle: retarget, window, ingest, commit cursor. Any
// error aborts the tick with the cursor unchanged; at-least-once log delivery
// with at-most-once persisted rows is guaranteed by the event-id dedup.
func (s *Synchronizer) Tick(ctx context.Context) error {
	cursor, err := s.loadCursor(ctx)
	if err != nil {
		return err
	}

	if cursor.TargetBlock-cursor.SyncedBlock < s.cfg.SyncWindow {
		if err := s.retarget(ctx, cursor); err != nil {
			return err
		}
	}

	toBlock := cursor.SyncedBlock + s.cfg.SyncWindow
	if toBlock > cursor.TargetBlock {
		toBlock = cursor.TargetBlock
	}
	if toBlock <= cursor.SyncedBlock {
		s.logger.Debug("Nothing to sync",
			zap.Int64("chain_id", s.cfg.ChainID),
			zap.Int64("synced", cursor.SyncedBlock),
			zap.Int64("target", cursor.TargetBlock))
		return nil
	}

	logs, err := s.fetchLogs(ctx, cursor.SyncedBlock+1, toBlock)
	if err != nil {
		return err
	}

	payments, transfers, err := s.classify(ctx, logs)
	if err != nil {
		return err
	}

	if err := s.store.InsertPayments(ctx, payments); err != nil {
		return err
	}
	if err := s.store.InsertTransfers(ctx, transfers); err != nil {
		return err
	}

	// The cursor moves only after the rows are durable.
	cursor.SyncedBlock = toBlock
	if err := s.store.SaveCursor(ctx, cursor); err != nil {
		return err
	}

	metrics.SyncedBlock.WithLabelValues(chainLabel(s.cfg.ChainID)).Set(float64(toBlock))
	s.logger.Info("Synced window",
		zap.Int64("chain_id", s.cfg.ChainID),
		zap.Int64("to_block", toBlock),
		zap.Int("payments", len(payments)),
		zap.Int("transfers", len(transfers)))
	return nil
}

// loadCursor fetches the chain's cursor, creating it lazily on first run.
func (s *Synchronizer) loadCursor(ctx context.Context) (*store.SyncCursor, error) {
	cursor, err := s.store.GetCursor(ctx, s.cfg.ChainID)
	if err != nil {
		return nil, err
	}
	if cursor != nil {
		return cursor, nil
	}

	base := s.cfg.StartBlock
	if base == 0 {
		head, err := s.head(ctx)
		if err != nil {
			return nil, err
		}
		base = head - s.cfg.SafeConfirmations
		if base < 0 {
			base = 0
		}
	}
	cursor = &store.SyncCursor{
		ChainID:     s.cfg.ChainID,
		StartBlock:  base,
		SyncedBlock: base,
		TargetBlock: base,
	}
	if err := s.store.SaveCursor(ctx, cursor); err != nil {
		return nil, err
	}
	s.logger.Info("Created sync cursor",
		zap.Int64("chain_id", s.cfg.ChainID),
		zap.Int64("start_block", base))
	return cursor, nil
}

// retarget re-derives the target from the safe head. The target only ever
// moves forward; a reorged-back head leaves it untouched.
func (s *Synchronizer) retarget(ctx context.Context, cursor *store.SyncCursor) error {
	head, err := s.head(ctx)
	if err != nil {
		return err
	}
	target := head - s.cfg.SafeConfirmations
	if target > cursor.TargetBlock {
		cursor.TargetBlock = target
	}
	return nil
}

func (s *Synchronizer) head(ctx context.Context) (int64, error) {
	var head uint64
	err := chain.Retry(ctx, s.cfg.RetryAttempts, s.cfg.RetryDelay, func() error {
		var err error
		head, err = s.rpc.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get chain head: %w", err)
	}
	return int64(head), nil
}

func (s *Synchronizer) fetchLogs(ctx context.Context, fromBlock, toBlock int64) ([]types.Log, error) {
	addresses := s.watch.Addresses()
	if s.router != "" {
		addresses = append(addresses, common.HexToAddress(s.router))
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetInt64(fromBlock),
		ToBlock:   new(big.Int).SetInt64(toBlock),
		Addresses: addresses,
		Topics:    [][]common.Hash{{event.TransferTopic, event.PaymentForwardedTopic}},
	}

	var logs []types.Log
	err := chain.Retry(ctx, s.cfg.RetryAttempts, s.cfg.RetryDelay, func() error {
		var err error
		logs, err = s.rpc.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch logs [%d,%d]: %w", fromBlock, toBlock, err)
	}
	return logs, nil
}

// classify turns a window of raw logs into payment and transfer rows.
// Classification is decided once per transaction hash: a transaction carrying
// a payment-signature log is a payment, and its plain transfer logs are
// suppressed regardless of log order.
func (s *Synchronizer) classify(ctx context.Context, logs []types.Log) ([]*store.Payment, []*store.NftTransfer, error) {
	parsed := make([]*event.TransferLog, 0, len(logs))
	paymentTx := make(map[common.Hash]bool)
	for _, lg := range logs {
		t, err := event.Parse(lg)
		if err != nil {
			// A log from a watched contract we cannot parse is skipped, not
			// fatal: it would otherwise wedge the cursor forever.
			s.logger.Warn("Skipping unparseable log",
				zap.String("tx_hash", lg.TxHash.Hex()),
				zap.Error(err))
			continue
		}
		parsed = append(parsed, t)
		if t.Routed {
			paymentTx[t.TxHash] = true
		}
	}

	seen := make(map[string]bool)
	var payments []*store.Payment
	var transfers []*store.NftTransfer

	for _, t := range parsed {
		token := s.watch.Token(t.Token)
		if token == nil {
			continue
		}

		eventID := t.EventID().Hex()
		if seen[eventID] {
			s.logger.Debug("Duplicate event in batch", zap.String("event_id", eventID))
			continue
		}

		switch {
		case token.Fungible:
			if !t.Routed && paymentTx[t.TxHash] {
				// The same transaction is a routed payment; its plain
				// transfer log is not a second event.
				continue
			}
			if !s.watch.IsWatchedWallet(t.To) {
				continue
			}
			exists, err := s.store.PaymentExists(ctx, eventID)
			if err != nil {
				return nil, nil, err
			}
			if exists {
				s.logger.Debug("Payment already ingested", zap.String("event_id", eventID))
				continue
			}
			seen[eventID] = true
			payments = append(payments, &store.Payment{
				Status:       store.PaymentStatusNew,
				EventID:      eventID,
				ChainID:      s.cfg.ChainID,
				Sender:       t.From,
				Receiver:     t.To,
				TokenAddress: t.Token,
				Value:        t.Value.String(),
				BlockNumber:  int64(t.BlockNumber),
				TxHash:       txHashKey(t.TxHash),
				LogIndex:     int64(t.LogIndex),
				IssuanceUUID: uuid.NewString(),
			})
			metrics.LogsIngested.WithLabelValues(chainLabel(s.cfg.ChainID), "payment").Inc()

		default: // non-fungible
			if t.NftTokenID == nil {
				s.logger.Warn("Transfer on NFT contract without token id",
					zap.String("event_id", eventID))
				continue
			}
			exists, err := s.store.TransferExists(ctx, eventID)
			if err != nil {
				return nil, nil, err
			}
			if exists {
				s.logger.Debug("Transfer already ingested", zap.String("event_id", eventID))
				continue
			}
			seen[eventID] = true
			transfers = append(transfers, &store.NftTransfer{
				Status:       store.TransferStatusNew,
				EventID:      eventID,
				ChainID:      s.cfg.ChainID,
				Sender:       t.From,
				Receiver:     t.To,
				TokenAddress: t.Token,
				TokenSymbol:  token.Symbol,
				NftTokenID:   "0x" + t.NftTokenID.Text(16),
				BlockNumber:  int64(t.BlockNumber),
				TxHash:       txHashKey(t.TxHash),
				LogIndex:     int64(t.LogIndex),
			})
			metrics.LogsIngested.WithLabelValues(chainLabel(s.cfg.ChainID), "nft_transfer").Inc()
		}
	}

	return payments, transfers, nil
}

func txHashKey(h common.Hash) string {
	return "0x" + common.Bytes2Hex(h.Bytes())
}

func chainLabel(chainID int64) string {
	return fmt.Sprintf("%d", chainID)
}
