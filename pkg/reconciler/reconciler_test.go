package reconciler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/packmint/coordinator/pkg/card"
	"github.com/packmint/coordinator/pkg/store"
)

const (
	openTxHash = "0x00000000000000000000000000000000000000000000000000000000000000aa"
	boxToken   = "0x00000000000000000000000000000000000000b0"
	cardToken  = "0x00000000000000000000000000000000000000c0"
	buyer      = "0x00000000000000000000000000000000000000ab"
)

type mockStore struct {
	group    []*store.NftTransfer
	issuance *store.NftIssuance
	prior    *store.NftTransfer

	results    map[string]*store.NftResult
	ownerships map[string]*store.NftOwnership
	uuids      map[int64]string
	advanced   []string
	errored    []int64
}

func newMockStore(group []*store.NftTransfer) *mockStore {
	return &mockStore{
		group:      group,
		results:    make(map[string]*store.NftResult),
		ownerships: make(map[string]*store.NftOwnership),
		uuids:      make(map[int64]string),
	}
}

func (m *mockStore) OldestNewTransferGroup(_ context.Context, _ int64, _ time.Duration) ([]*store.NftTransfer, error) {
	return m.group, nil
}

func (m *mockStore) IssuanceByTxHash(_ context.Context, txHash string) (*store.NftIssuance, error) {
	if m.issuance != nil && m.issuance.TransactionHash == txHash {
		return m.issuance, nil
	}
	return nil, nil
}

func (m *mockStore) TransferByNftTokenID(_ context.Context, _ int64, _, _ string) (*store.NftTransfer, error) {
	return m.prior, nil
}

func (m *mockStore) RecordCardResult(_ context.Context, result *store.NftResult, ownership *store.NftOwnership, issuanceTxHash string, transferID int64) error {
	if result != nil {
		m.results[result.NftTokenID] = result
	}
	m.ownerships[ownership.NftTokenID] = ownership
	if issuanceTxHash != "" {
		m.advanced = append(m.advanced, issuanceTxHash)
	}
	for _, t := range m.group {
		if t.ID == transferID {
			t.Status = store.TransferStatusSuccess
		}
	}
	return nil
}

func (m *mockStore) SetTransferIssuanceUUID(_ context.Context, transferID int64, issuanceUUID string) error {
	m.uuids[transferID] = issuanceUUID
	return nil
}

func (m *mockStore) MarkTransferError(_ context.Context, transferID int64) error {
	m.errored = append(m.errored, transferID)
	for _, t := range m.group {
		if t.ID == transferID {
			t.Status = store.TransferStatusError
		}
	}
	return nil
}

func newReconciler(st *mockStore) *Reconciler {
	return New(Config{
		ChainID:    1,
		MinAge:     time.Minute,
		CardSymbol: "CARD",
		BoxSymbol:  "BOX",
	}, st, zap.NewNop())
}

// openingGroup builds one box-opening transaction: burned boxes followed by
// the cards they yielded.
func openingGroup(boxes, cards int) []*store.NftTransfer {
	var group []*store.NftTransfer
	id := int64(0)
	for i := 0; i < boxes; i++ {
		id++
		group = append(group, &store.NftTransfer{
			ID:           id,
			Status:       store.TransferStatusNew,
			ChainID:      1,
			Sender:       buyer,
			Receiver:     zeroAddress,
			TokenAddress: boxToken,
			TokenSymbol:  "BOX",
			NftTokenID:   fmt.Sprintf("0x%02x", i+1),
			TxHash:       openTxHash,
		})
	}
	for k := 0; k < cards; k++ {
		id++
		group = append(group, &store.NftTransfer{
			ID:           id,
			Status:       store.TransferStatusNew,
			ChainID:      1,
			Sender:       zeroAddress,
			Receiver:     buyer,
			TokenAddress: cardToken,
			TokenSymbol:  "CARD",
			NftTokenID: card.Encode(card.Card{
				ApplicationID: 1,
				Rareness:      card.RarenessC,
				Type:          card.TypeCard,
				ID:            uint64(k + 1),
				Serial:        uint64(k + 1),
			}),
			TxHash: openTxHash,
		})
	}
	return group
}

func TestTickCorrelatesCardsToBoxes(t *testing.T) {
	group := openingGroup(2, 10)
	st := newMockStore(group)
	st.issuance = &store.NftIssuance{
		ID:              1,
		IssuanceUUID:    "7a0f9c3e-0000-0000-0000-000000000001",
		TransactionHash: openTxHash,
		Status:          store.IssuanceStatusOpened,
	}
	r := newReconciler(st)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	if len(st.results) != 10 {
		t.Fatalf("Expected 10 card results, got %d", len(st.results))
	}
	// Cards 0..4 belong to the first burned box, 5..9 to the second.
	for k := 0; k < 10; k++ {
		tokenID := group[2+k].NftTokenID
		result, ok := st.results[tokenID]
		if !ok {
			t.Fatalf("Missing result for card %d", k)
		}
		wantBox := group[k/5].NftTokenID
		if result.BoxID != wantBox {
			t.Errorf("Card %d correlated to box %s, expected %s", k, result.BoxID, wantBox)
		}
		if result.IssuanceUUID != st.issuance.IssuanceUUID {
			t.Errorf("Card %d carries issuance uuid %q, expected %q", k, result.IssuanceUUID, st.issuance.IssuanceUUID)
		}
		if result.Serial != int64(k+1) {
			t.Errorf("Card %d decoded serial %d, expected %d", k, result.Serial, k+1)
		}
	}

	for _, tr := range group {
		if tr.Status != store.TransferStatusSuccess {
			t.Errorf("Transfer %d left in status %s", tr.ID, tr.Status)
		}
	}
	if len(st.ownerships) != 12 {
		t.Errorf("Expected 12 ownership rows, got %d", len(st.ownerships))
	}
	if len(st.errored) != 0 {
		t.Errorf("Expected no row failures, got %v", st.errored)
	}
}

func TestTickRejectsRatioMismatch(t *testing.T) {
	st := newMockStore(openingGroup(2, 9))
	r := newReconciler(st)

	err := r.Tick(context.Background())
	if !errors.Is(err, ErrRatioMismatch) {
		t.Fatalf("Expected ErrRatioMismatch, got %v", err)
	}
	if len(st.results) != 0 || len(st.ownerships) != 0 || len(st.errored) != 0 {
		t.Errorf("Expected no writes on a ratio mismatch, got %d results, %d ownerships, %d errors",
			len(st.results), len(st.ownerships), len(st.errored))
	}
	for _, tr := range st.group {
		if tr.Status != store.TransferStatusNew {
			t.Errorf("Transfer %d mutated to %s", tr.ID, tr.Status)
		}
	}
}

func TestTickRowFailureDoesNotAbortGroup(t *testing.T) {
	group := openingGroup(2, 10)
	// One card token id the codec cannot decode.
	group[5].NftTokenID = "0xNOTHEX"
	st := newMockStore(group)
	r := newReconciler(st)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(st.errored) != 1 || st.errored[0] != group[5].ID {
		t.Fatalf("Expected exactly transfer %d errored, got %v", group[5].ID, st.errored)
	}
	success := 0
	for _, tr := range group {
		if tr.Status == store.TransferStatusSuccess {
			success++
		}
	}
	if success != 11 {
		t.Errorf("Expected the other 11 transfers reconciled, got %d", success)
	}
}

func TestTickPlainMoveUpsertsOwnershipOnly(t *testing.T) {
	moved := &store.NftTransfer{
		ID:           1,
		Status:       store.TransferStatusNew,
		ChainID:      1,
		Sender:       buyer,
		Receiver:     "0x00000000000000000000000000000000000000cd",
		TokenAddress: cardToken,
		TokenSymbol:  "CARD",
		NftTokenID:   "0x4d",
		TxHash:       "0x00000000000000000000000000000000000000000000000000000000000000bb",
	}
	st := newMockStore([]*store.NftTransfer{moved})
	r := newReconciler(st)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(st.results) != 0 {
		t.Errorf("Expected no card result for a plain move, got %d", len(st.results))
	}
	own, ok := st.ownerships[moved.NftTokenID]
	if !ok {
		t.Fatal("Expected an ownership upsert")
	}
	if own.Owner != moved.Receiver {
		t.Errorf("Ownership owner %s, expected %s", own.Owner, moved.Receiver)
	}
	if moved.Status != store.TransferStatusSuccess {
		t.Errorf("Expected transfer success, got %s", moved.Status)
	}
}

func TestTickResolvesUUIDFromPriorBoxTransfer(t *testing.T) {
	group := openingGroup(1, 5)
	st := newMockStore(group)
	// No issuance minted in this transaction; the box was bought earlier and
	// its transfer row carries the correlation.
	st.prior = &store.NftTransfer{
		ID:           99,
		NftTokenID:   group[0].NftTokenID,
		IssuanceUUID: "7a0f9c3e-0000-0000-0000-000000000002",
	}
	r := newReconciler(st)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	for k := 0; k < 5; k++ {
		result := st.results[group[1+k].NftTokenID]
		if result == nil {
			t.Fatalf("Missing result for card %d", k)
		}
		if result.IssuanceUUID != st.prior.IssuanceUUID {
			t.Errorf("Card %d carries uuid %q, expected %q", k, result.IssuanceUUID, st.prior.IssuanceUUID)
		}
	}
}
