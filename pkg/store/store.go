// Package store is the Postgres persistence layer for the coordination core.
// Engines consume narrow interfaces; this package provides the bun-backed
// implementation of all of them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Store provides database operations for the coordinator.
type Store struct {
	db *bun.DB
}

// NewStore creates a store on top of an established bun connection.
func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates any missing tables. Schema evolution beyond that is
// operated externally.
func (s *Store) EnsureSchema(ctx context.Context) error {
	models := []interface{}{
		(*SyncCursor)(nil),
		(*WatchedToken)(nil),
		(*WatchedWallet)(nil),
		(*Payment)(nil),
		(*NftTransfer)(nil),
		(*NftIssuance)(nil),
		(*Secret)(nil),
		(*NonceRecord)(nil),
		(*NftOwnership)(nil),
		(*NftResult)(nil),
		(*Discount)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", model, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Sync cursors

// GetCursor returns the cursor for a chain, or nil when none exists yet.
func (s *Store) GetCursor(ctx context.Context, chainID int64) (*SyncCursor, error) {
	cursor := new(SyncCursor)
	err := s.db.NewSelect().Model(cursor).Where("chain_id = ?", chainID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return cursor, nil
}

// SaveCursor inserts or updates a chain's cursor.
func (s *Store) SaveCursor(ctx context.Context, cursor *SyncCursor) error {
	cursor.UpdatedAt = time.Now()
	_, err := s.db.NewInsert().
		Model(cursor).
		On("CONFLICT (chain_id) DO UPDATE").
		Set("start_block = EXCLUDED.start_block").
		Set("synced_block = EXCLUDED.synced_block").
		Set("target_block = EXCLUDED.target_block").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Watch lists

// ListWatchedTokens returns the token allow-list for a chain.
func (s *Store) ListWatchedTokens(ctx context.Context, chainID int64) ([]*WatchedToken, error) {
	var tokens []*WatchedToken
	err := s.db.NewSelect().Model(&tokens).Where("chain_id = ?", chainID).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list watched tokens: %w", err)
	}
	return tokens, nil
}

// ListWatchedWallets returns the wallet allow-list for a chain.
func (s *Store) ListWatchedWallets(ctx context.Context, chainID int64) ([]*WatchedWallet, error) {
	var wallets []*WatchedWallet
	err := s.db.NewSelect().Model(&wallets).Where("chain_id = ?", chainID).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list watched wallets: %w", err)
	}
	return wallets, nil
}

// ---------------------------------------------------------------------------
// Payments

// PaymentExists reports whether a payment with this event id was already
// ingested.
func (s *Store) PaymentExists(ctx context.Context, eventID string) (bool, error) {
	exists, err := s.db.NewSelect().
		Model((*Payment)(nil)).
		Where("event_id = ?", eventID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check payment exists: %w", err)
	}
	return exists, nil
}

// InsertPayments batch-inserts classified payment rows.
func (s *Store) InsertPayments(ctx context.Context, payments []*Payment) error {
	if len(payments) == 0 {
		return nil
	}
	_, err := s.db.NewInsert().Model(&payments).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert payments: %w", err)
	}
	return nil
}

// OldestNewPayment returns the oldest still-unscheduled payment on a chain,
// or nil when there is none.
func (s *Store) OldestNewPayment(ctx context.Context, chainID int64) (*Payment, error) {
	payment := new(Payment)
	err := s.db.NewSelect().
		Model(payment).
		Where("chain_id = ? AND status = ?", chainID, PaymentStatusNew).
		Order("id ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oldest new payment: %w", err)
	}
	return payment, nil
}

// ScheduleIssuance atomically records the loot-box batches of a payment and
// flips the payment to success with its resolved discount.
func (s *Store) ScheduleIssuance(ctx context.Context, paymentID int64, discount float64, code string, batches []*NftIssuance) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&batches).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert issuance batches: %w", err)
		}
		_, err := tx.NewUpdate().
			Model((*Payment)(nil)).
			Set("status = ?", PaymentStatusSuccess).
			Set("discount = ?", discount).
			Set("discount_code = ?", code).
			Set("updated_at = NOW()").
			Where("id = ?", paymentID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to mark payment success: %w", err)
		}
		return nil
	})
}

// MarkPaymentError is the compensating write after a failed issuance
// transaction. It is deliberately outside any transaction.
func (s *Store) MarkPaymentError(ctx context.Context, paymentID int64) error {
	_, err := s.db.NewUpdate().
		Model((*Payment)(nil)).
		Set("status = ?", PaymentStatusError).
		Set("updated_at = NOW()").
		Where("id = ?", paymentID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark payment error: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// NFT transfers

// TransferExists reports whether a transfer with this event id was already
// ingested.
func (s *Store) TransferExists(ctx context.Context, eventID string) (bool, error) {
	exists, err := s.db.NewSelect().
		Model((*NftTransfer)(nil)).
		Where("event_id = ?", eventID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check transfer exists: %w", err)
	}
	return exists, nil
}

// InsertTransfers batch-inserts classified NFT transfer rows.
func (s *Store) InsertTransfers(ctx context.Context, transfers []*NftTransfer) error {
	if len(transfers) == 0 {
		return nil
	}
	_, err := s.db.NewInsert().Model(&transfers).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert nft transfers: %w", err)
	}
	return nil
}

// OldestNewTransferGroup returns all transfers sharing the transaction hash
// of the oldest new transfer that is at least minAge old. Returns an empty
// slice when nothing qualifies.
func (s *Store) OldestNewTransferGroup(ctx context.Context, chainID int64, minAge time.Duration) ([]*NftTransfer, error) {
	oldest := new(NftTransfer)
	err := s.db.NewSelect().
		Model(oldest).
		Where("chain_id = ? AND status = ?", chainID, TransferStatusNew).
		Where("created_at <= ?", time.Now().Add(-minAge)).
		Order("id ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oldest new transfer: %w", err)
	}

	var group []*NftTransfer
	err = s.db.NewSelect().
		Model(&group).
		Where("chain_id = ? AND tx_hash = ? AND status = ?", chainID, oldest.TxHash, TransferStatusNew).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer group: %w", err)
	}
	return group, nil
}

// TransferByNftTokenID returns the most recent transfer of a token, or nil.
// The reconciler uses this to resolve the issuance of a card minted out of a
// previously-transferred box.
func (s *Store) TransferByNftTokenID(ctx context.Context, chainID int64, tokenAddress, nftTokenID string) (*NftTransfer, error) {
	transfer := new(NftTransfer)
	err := s.db.NewSelect().
		Model(transfer).
		Where("chain_id = ? AND token_address = ? AND nft_token_id = ?", chainID, tokenAddress, nftTokenID).
		Order("id DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer by token id: %w", err)
	}
	return transfer, nil
}

// MarkTransferError records a row-scoped reconciliation failure.
func (s *Store) MarkTransferError(ctx context.Context, transferID int64) error {
	_, err := s.db.NewUpdate().
		Model((*NftTransfer)(nil)).
		Set("status = ?", TransferStatusError).
		Set("updated_at = NOW()").
		Where("id = ?", transferID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark transfer error: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Issuances

// OldestNewIssuance returns the oldest unminted batch on a chain, or nil.
func (s *Store) OldestNewIssuance(ctx context.Context, chainID int64) (*NftIssuance, error) {
	issuance := new(NftIssuance)
	err := s.db.NewSelect().
		Model(issuance).
		Where("chain_id = ? AND status = ?", chainID, IssuanceStatusNew).
		Order("id ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oldest new issuance: %w", err)
	}
	return issuance, nil
}

// MarkIssuanceOpening takes a batch out of the mintable set before its
// transaction is sent. A batch stuck in this state after a crash needs
// operator attention; it is never re-minted automatically.
func (s *Store) MarkIssuanceOpening(ctx context.Context, issuanceID int64) error {
	_, err := s.db.NewUpdate().
		Model((*NftIssuance)(nil)).
		Set("status = ?", IssuanceStatusOpening).
		Set("updated_at = NOW()").
		Where("id = ?", issuanceID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark issuance opening: %w", err)
	}
	return nil
}

// MarkIssuanceOpened records a successful mint submission with its hash.
func (s *Store) MarkIssuanceOpened(ctx context.Context, issuanceID int64, txHash string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewUpdate().
			Model((*NftIssuance)(nil)).
			Set("status = ?", IssuanceStatusOpened).
			Set("transaction_hash = ?", txHash).
			Set("updated_at = NOW()").
			Where("id = ?", issuanceID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to mark issuance opened: %w", err)
		}
		return nil
	})
}

// MarkIssuanceError records a terminal mint failure.
func (s *Store) MarkIssuanceError(ctx context.Context, issuanceID int64) error {
	_, err := s.db.NewUpdate().
		Model((*NftIssuance)(nil)).
		Set("status = ?", IssuanceStatusError).
		Set("updated_at = NOW()").
		Where("id = ?", issuanceID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark issuance error: %w", err)
	}
	return nil
}

// IssuanceByTxHash returns the issuance batch minted in a transaction, or nil.
func (s *Store) IssuanceByTxHash(ctx context.Context, txHash string) (*NftIssuance, error) {
	issuance := new(NftIssuance)
	err := s.db.NewSelect().
		Model(issuance).
		Where("transaction_hash = ?", txHash).
		Order("id ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issuance by tx hash: %w", err)
	}
	return issuance, nil
}

// ---------------------------------------------------------------------------
// Secrets

// CreateCommittedSecrets persists a commit batch atomically. The rows are
// written as committed before the on-chain call is made; see the oracle for
// the retry policy when that call fails.
func (s *Store) CreateCommittedSecrets(ctx context.Context, secrets []*Secret) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&secrets).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert secrets: %w", err)
		}
		return nil
	})
}

// CountCommittedSecrets returns the size of the committed-but-unrevealed
// buffer on a chain.
func (s *Store) CountCommittedSecrets(ctx context.Context, chainID int64) (int, error) {
	count, err := s.db.NewSelect().
		Model((*Secret)(nil)).
		Where("chain_id = ? AND status = ?", chainID, SecretStatusCommitted).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count committed secrets: %w", err)
	}
	return count, nil
}

// OldestCommittedSecret returns the next digest to reveal, or nil.
func (s *Store) OldestCommittedSecret(ctx context.Context, chainID int64) (*Secret, error) {
	secret := new(Secret)
	err := s.db.NewSelect().
		Model(secret).
		Where("chain_id = ? AND status = ?", chainID, SecretStatusCommitted).
		Order("id ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oldest committed secret: %w", err)
	}
	return secret, nil
}

// SetSecretStatus moves a digest to a terminal or revealed state.
func (s *Store) SetSecretStatus(ctx context.Context, secretID int64, status SecretStatus) error {
	_, err := s.db.NewUpdate().
		Model((*Secret)(nil)).
		Set("status = ?", status).
		Set("updated_at = NOW()").
		Where("id = ?", secretID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set secret status: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Nonces

// GetNonceRecord returns the cached nonce for an address, or nil.
func (s *Store) GetNonceRecord(ctx context.Context, chainID int64, address string) (*NonceRecord, error) {
	record := new(NonceRecord)
	err := s.db.NewSelect().
		Model(record).
		Where("chain_id = ? AND address = ?", chainID, address).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce record: %w", err)
	}
	return record, nil
}

// SetNonceRecord upserts the cached nonce for an address.
func (s *Store) SetNonceRecord(ctx context.Context, chainID int64, address string, nonce int64) error {
	record := &NonceRecord{
		ChainID:   chainID,
		Address:   address,
		Nonce:     nonce,
		UpdatedAt: time.Now(),
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (chain_id, address) DO UPDATE").
		Set("nonce = EXCLUDED.nonce").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set nonce record: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Ownership and results

// RecordCardResult atomically records the outcome of one reconciled transfer:
// the decoded card result (insert-if-absent), the ownership upsert, the
// advancement of the originating issuance batches, and the transfer's own
// success status.
func (s *Store) RecordCardResult(ctx context.Context, result *NftResult, ownership *NftOwnership, issuanceTxHash string, transferID int64) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if result != nil {
			_, err := tx.NewInsert().
				Model(result).
				On("CONFLICT (nft_token_id) DO NOTHING").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to insert nft result: %w", err)
			}
		}

		ownership.UpdatedAt = time.Now()
		_, err := tx.NewInsert().
			Model(ownership).
			On("CONFLICT (nft_token_id) DO UPDATE").
			Set("owner = EXCLUDED.owner").
			Set("tx_hash = EXCLUDED.tx_hash").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to upsert nft ownership: %w", err)
		}

		if issuanceTxHash != "" {
			_, err = tx.NewUpdate().
				Model((*NftIssuance)(nil)).
				Set("status = ?", IssuanceStatusResultArrived).
				Set("updated_at = NOW()").
				Where("transaction_hash = ?", issuanceTxHash).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to advance issuance: %w", err)
			}
		}

		_, err = tx.NewUpdate().
			Model((*NftTransfer)(nil)).
			Set("status = ?", TransferStatusSuccess).
			Set("updated_at = NOW()").
			Where("id = ?", transferID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to mark transfer success: %w", err)
		}
		return nil
	})
}

// SetTransferIssuanceUUID backfills the issuance correlation on a transfer row.
func (s *Store) SetTransferIssuanceUUID(ctx context.Context, transferID int64, issuanceUUID string) error {
	_, err := s.db.NewUpdate().
		Model((*NftTransfer)(nil)).
		Set("issuance_uuid = ?", issuanceUUID).
		Set("updated_at = NOW()").
		Where("id = ?", transferID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set transfer issuance uuid: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Discounts

// GetDiscount returns the agency discount for a buyer, or nil when the buyer
// has none.
func (s *Store) GetDiscount(ctx context.Context, address string) (*Discount, error) {
	discount := new(Discount)
	err := s.db.NewSelect().
		Model(discount).
		Where("address = ?", address).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get discount: %w", err)
	}
	return discount, nil
}
