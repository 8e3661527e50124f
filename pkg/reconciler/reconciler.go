// Package reconciler correlates loot-box burns with the card mints they
// produce and maintains per-token ownership and decoded card results.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/packmint/coordinator/internal/metrics"
	"github.com/packmint/coordinator/pkg/card"
	"github.com/packmint/coordinator/pkg/store"
)

// ErrRatioMismatch is the data-integrity fault raised when a box-opening
// transaction does not carry exactly five cards per burned box.
var ErrRatioMismatch = errors.New("reconciler: card/box ratio mismatch")

// cardsPerBox is fixed by the game contract.
const cardsPerBox = 5

// zeroAddress marks mints (sender) and burns (receiver).
const zeroAddress = "0x0000000000000000000000000000000000000000"

// Store is the persistence slice the reconciler needs.
type Store interface {
	OldestNewTransferGroup(ctx context.Context, chainID int64, minAge time.Duration) ([]*store.NftTransfer, error)
	IssuanceByTxHash(ctx context.Context, txHash string) (*store.NftIssuance, error)
	TransferByNftTokenID(ctx context.Context, chainID int64, tokenAddress, nftTokenID string) (*store.NftTransfer, error)
	RecordCardResult(ctx context.Context, result *store.NftResult, ownership *store.NftOwnership, issuanceTxHash string, transferID int64) error
	SetTransferIssuanceUUID(ctx context.Context, transferID int64, issuanceUUID string) error
	MarkTransferError(ctx context.Context, transferID int64) error
}

// Config parameterizes one chain's reconciler.
type Config struct {
	ChainID int64
	// MinAge keeps the reconciler from racing a transaction the indexer is
	// still appending logs for.
	MinAge     time.Duration
	CardSymbol string
	BoxSymbol  string
}

// Reconciler processes transfer groups one transaction hash at a time.
type Reconciler struct {
	cfg    Config
	store  Store
	logger *zap.Logger
}

// New creates a reconciler for one chain.
func New(cfg Config, st Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{cfg: cfg, store: st, logger: logger}
}

// Tick reconciles the oldest settled transfer group. Every row sharing the
// transaction hash is handled together: card mints are correlated to the
// burned boxes of the same transaction, ownership is upserted for all rows,
// and each row commits or fails on its own.
func (r *Reconciler) Tick(ctx context.Context) error {
	group, err := r.store.OldestNewTransferGroup(ctx, r.cfg.ChainID, r.cfg.MinAge)
	if err != nil {
		return err
	}
	if len(group) == 0 {
		return nil
	}

	issues, burns := r.partition(group)
	if len(burns) > 0 && len(issues) != len(burns)*cardsPerBox {
		// Hard integrity fault: nothing is written, the group stays put for
		// manual remediation.
		return fmt.Errorf("%w: tx %s has %d cards for %d boxes",
			ErrRatioMismatch, group[0].TxHash, len(issues), len(burns))
	}

	boxByCard := make(map[int64]*store.NftTransfer, len(issues))
	for k, t := range issues {
		if len(burns) > 0 {
			boxByCard[t.ID] = burns[k/cardsPerBox]
		}
	}

	for _, t := range group {
		if err := r.reconcileRow(ctx, t, boxByCard[t.ID]); err != nil {
			r.logger.Error("Transfer reconciliation failed",
				zap.Int64("transfer_id", t.ID),
				zap.String("nft_token_id", t.NftTokenID),
				zap.Error(err))
			if markErr := r.store.MarkTransferError(ctx, t.ID); markErr != nil {
				return markErr
			}
			metrics.TransfersReconciled.WithLabelValues(chainLabel(r.cfg.ChainID), "error").Inc()
			continue
		}
		metrics.TransfersReconciled.WithLabelValues(chainLabel(r.cfg.ChainID), "success").Inc()
	}
	return nil
}

// partition splits a group into card mints and box burns, preserving order.
func (r *Reconciler) partition(group []*store.NftTransfer) (issues, burns []*store.NftTransfer) {
	for _, t := range group {
		switch {
		case t.Sender == zeroAddress && t.TokenSymbol == r.cfg.CardSymbol:
			issues = append(issues, t)
		case t.Receiver == zeroAddress && t.TokenSymbol == r.cfg.BoxSymbol:
			burns = append(burns, t)
		}
	}
	return issues, burns
}

// reconcileRow commits one transfer: the decoded result for newly issued
// cards, the ownership upsert, the issuance advancement, and the transfer's
// own success flip, all in one transaction.
func (r *Reconciler) reconcileRow(ctx context.Context, t *store.NftTransfer, box *store.NftTransfer) error {
	var result *store.NftResult
	if box != nil {
		decoded, err := card.Decode(t.NftTokenID)
		if err != nil {
			return err
		}
		issuanceUUID, err := r.resolveIssuanceUUID(ctx, t, box)
		if err != nil {
			return err
		}
		result = &store.NftResult{
			NftTokenID:    t.NftTokenID,
			ApplicationID: int64(decoded.ApplicationID),
			Edition:       int64(decoded.Edition),
			Generation:    int64(decoded.Generation),
			Rareness:      int64(decoded.Rareness),
			CardType:      int64(decoded.Type),
			CardID:        int64(decoded.ID),
			Serial:        int64(decoded.Serial),
			BoxID:         box.NftTokenID,
			IssuanceUUID:  issuanceUUID,
		}
		if issuanceUUID != "" {
			if err := r.store.SetTransferIssuanceUUID(ctx, t.ID, issuanceUUID); err != nil {
				return err
			}
		}
	}

	issuanceTxHash := ""
	issuance, err := r.store.IssuanceByTxHash(ctx, t.TxHash)
	if err != nil {
		return err
	}
	if issuance != nil {
		issuanceTxHash = t.TxHash
	}

	ownership := &store.NftOwnership{
		NftTokenID: t.NftTokenID,
		Owner:      t.Receiver,
		TxHash:     t.TxHash,
	}
	return r.store.RecordCardResult(ctx, result, ownership, issuanceTxHash, t.ID)
}

// resolveIssuanceUUID links a card to the purchase that produced it: through
// the issuance minted in the same transaction for first mints, or through the
// box's own prior transfer record for cards opened out of a moved box.
func (r *Reconciler) resolveIssuanceUUID(ctx context.Context, t, box *store.NftTransfer) (string, error) {
	issuance, err := r.store.IssuanceByTxHash(ctx, t.TxHash)
	if err != nil {
		return "", err
	}
	if issuance != nil {
		return issuance.IssuanceUUID, nil
	}

	prior, err := r.store.TransferByNftTokenID(ctx, r.cfg.ChainID, box.TokenAddress, box.NftTokenID)
	if err != nil {
		return "", err
	}
	if prior != nil && prior.IssuanceUUID != "" {
		return prior.IssuanceUUID, nil
	}
	return "", nil
}

func chainLabel(chainID int64) string {
	return fmt.Sprintf("%d", chainID)
}
