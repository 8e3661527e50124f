package oracle

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/packmint/coordinator/pkg/keys"
	"github.com/packmint/coordinator/pkg/store"
)

type mockStore struct {
	secrets []*store.Secret
	nextID  int64
}

func (m *mockStore) CreateCommittedSecrets(_ context.Context, secrets []*store.Secret) error {
	for _, s := range secrets {
		m.nextID++
		s.ID = m.nextID
		m.secrets = append(m.secrets, s)
	}
	return nil
}

func (m *mockStore) CountCommittedSecrets(_ context.Context, chainID int64) (int, error) {
	count := 0
	for _, s := range m.secrets {
		if s.ChainID == chainID && s.Status == store.SecretStatusCommitted {
			count++
		}
	}
	return count, nil
}

func (m *mockStore) OldestCommittedSecret(_ context.Context, chainID int64) (*store.Secret, error) {
	for _, s := range m.secrets {
		if s.ChainID == chainID && s.Status == store.SecretStatusCommitted {
			return s, nil
		}
	}
	return nil, nil
}

func (m *mockStore) SetSecretStatus(_ context.Context, secretID int64, status store.SecretStatus) error {
	for _, s := range m.secrets {
		if s.ID == secretID {
			s.Status = status
			return nil
		}
	}
	return errors.New("secret not found")
}

type mockRPC struct {
	CallContractFunc func(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)

	sent []*types.Transaction
}

func (m *mockRPC) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockRPC) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (m *mockRPC) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockRPC) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if m.CallContractFunc != nil {
		return m.CallContractFunc(ctx, msg, blockNumber)
	}
	return make([]byte, 96), nil
}

type mockNonces struct {
	nonces map[common.Address]int64
}

func newMockNonces() *mockNonces {
	return &mockNonces{nonces: make(map[common.Address]int64)}
}

func (m *mockNonces) Get(_ context.Context, address common.Address) (int64, error) {
	return m.nonces[address], nil
}

func (m *mockNonces) Set(_ context.Context, address common.Address, next int64) error {
	m.nonces[address] = next
	return nil
}

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newTestOracle(t *testing.T, st *mockStore, rpc *mockRPC, nonces *mockNonces) *Oracle {
	t.Helper()
	signer, err := keys.NewSigner(testKey)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	cfg := Config{
		ChainID:        1,
		Contract:       common.HexToAddress("0x00000000000000000000000000000000000000cc"),
		BatchSize:      1,
		LowWaterMark:   0,
		RevealInterval: 0,
	}
	return New(cfg, rpc, st, nonces, signer, zap.NewNop())
}

// commitReply builds a getCommit response for an existing record.
func commitReply(digest common.Hash, index int64, secret [32]byte) []byte {
	out := make([]byte, 0, 96)
	out = append(out, digest.Bytes()...)
	var idx [32]byte
	big.NewInt(index).FillBytes(idx[:])
	out = append(out, idx[:]...)
	out = append(out, secret[:]...)
	return out
}

func TestCommitPersistsBatchThenSubmits(t *testing.T) {
	st := &mockStore{}
	rpc := &mockRPC{}
	nonces := newMockNonces()
	o := newTestOracle(t, st, rpc, nonces)

	before := time.Now().Unix()
	if err := o.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if len(st.secrets) != 1 {
		t.Fatalf("Expected 1 committed secret, got %d", len(st.secrets))
	}
	sec := st.secrets[0]
	if sec.Status != store.SecretStatusCommitted {
		t.Errorf("Expected status %s, got %s", store.SecretStatusCommitted, sec.Status)
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(sec.Secret, "0x"))
	if err != nil || len(raw) != 32 {
		t.Fatalf("Stored secret is not 32 hex bytes: %q", sec.Secret)
	}
	if got := crypto.Keccak256Hash(raw).Hex(); got != sec.Digest {
		t.Errorf("Digest %s is not the keccak256 of the secret (%s)", sec.Digest, got)
	}
	stamp := int64(binary.BigEndian.Uint64(raw[24:]))
	if stamp < before || stamp > time.Now().Unix() {
		t.Errorf("Secret timestamp %d outside [%d, now]", stamp, before)
	}

	if len(rpc.sent) != 1 {
		t.Fatalf("Expected 1 on-chain commit, got %d", len(rpc.sent))
	}
	if nonces.nonces[o.signer.Address()] != 1 {
		t.Errorf("Expected nonce advanced to 1, got %d", nonces.nonces[o.signer.Address()])
	}
}

func TestRevealFlipsToRevealedExactlyOnce(t *testing.T) {
	secret := [32]byte{0x01, 0x02, 0x03}
	digest := crypto.Keccak256Hash(secret[:])
	st := &mockStore{
		nextID: 1,
		secrets: []*store.Secret{{
			ID:      1,
			ChainID: 1,
			Secret:  "0x" + hex.EncodeToString(secret[:]),
			Digest:  digest.Hex(),
			Status:  store.SecretStatusCommitted,
		}},
	}
	rpc := &mockRPC{
		CallContractFunc: func(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
			return commitReply(digest, 7, [32]byte{}), nil
		},
	}
	o := newTestOracle(t, st, rpc, newMockNonces())

	if err := o.Reveal(context.Background()); err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}
	if st.secrets[0].Status != store.SecretStatusRevealed {
		t.Errorf("Expected status %s, got %s", store.SecretStatusRevealed, st.secrets[0].Status)
	}
	if len(rpc.sent) != 1 {
		t.Fatalf("Expected 1 reveal transaction, got %d", len(rpc.sent))
	}

	// Nothing committed is left, so a second cycle must not submit again.
	if err := o.Reveal(context.Background()); err != nil {
		t.Fatalf("Second Reveal failed: %v", err)
	}
	if len(rpc.sent) != 1 {
		t.Errorf("Expected no further transactions, got %d", len(rpc.sent))
	}
}

func TestRevealSkipsSubmissionWhenAlreadyRevealedOnChain(t *testing.T) {
	secret := [32]byte{0xaa}
	digest := crypto.Keccak256Hash(secret[:])
	st := &mockStore{
		nextID: 1,
		secrets: []*store.Secret{{
			ID:      1,
			ChainID: 1,
			Secret:  "0x" + hex.EncodeToString(secret[:]),
			Digest:  digest.Hex(),
			Status:  store.SecretStatusCommitted,
		}},
	}
	rpc := &mockRPC{
		CallContractFunc: func(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
			return commitReply(digest, 3, secret), nil
		},
	}
	o := newTestOracle(t, st, rpc, newMockNonces())

	if err := o.Reveal(context.Background()); err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}
	if len(rpc.sent) != 0 {
		t.Errorf("Expected no transaction for an already-revealed digest, got %d", len(rpc.sent))
	}
	if st.secrets[0].Status != store.SecretStatusRevealed {
		t.Errorf("Expected status %s, got %s", store.SecretStatusRevealed, st.secrets[0].Status)
	}
}

func TestRevealMarksMissingDigestAsError(t *testing.T) {
	secret := [32]byte{0xbb}
	st := &mockStore{
		nextID: 1,
		secrets: []*store.Secret{{
			ID:      1,
			ChainID: 1,
			Secret:  "0x" + hex.EncodeToString(secret[:]),
			Digest:  crypto.Keccak256Hash(secret[:]).Hex(),
			Status:  store.SecretStatusCommitted,
		}},
	}
	rpc := &mockRPC{
		CallContractFunc: func(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
			return make([]byte, 96), nil
		},
	}
	o := newTestOracle(t, st, rpc, newMockNonces())

	err := o.Reveal(context.Background())
	if !errors.Is(err, ErrDigestMissing) {
		t.Fatalf("Expected ErrDigestMissing, got %v", err)
	}
	if st.secrets[0].Status != store.SecretStatusError {
		t.Errorf("Expected status %s, got %s", store.SecretStatusError, st.secrets[0].Status)
	}
	if len(rpc.sent) != 0 {
		t.Errorf("Expected no transaction for a missing digest, got %d", len(rpc.sent))
	}
}

func TestTickCommitsWhenBufferIsLow(t *testing.T) {
	st := &mockStore{}
	rpc := &mockRPC{}
	o := newTestOracle(t, st, rpc, newMockNonces())

	if err := o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(st.secrets) != 1 {
		t.Errorf("Expected a commit batch of 1, got %d rows", len(st.secrets))
	}
}

func TestTickRevealsWhenBufferAboveMark(t *testing.T) {
	secret := [32]byte{0xcd}
	digest := crypto.Keccak256Hash(secret[:])
	st := &mockStore{
		nextID: 1,
		secrets: []*store.Secret{{
			ID:      1,
			ChainID: 1,
			Secret:  "0x" + hex.EncodeToString(secret[:]),
			Digest:  digest.Hex(),
			Status:  store.SecretStatusCommitted,
		}},
	}
	rpc := &mockRPC{
		CallContractFunc: func(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
			return commitReply(digest, 1, [32]byte{}), nil
		},
	}
	o := newTestOracle(t, st, rpc, newMockNonces())

	if err := o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if st.secrets[0].Status != store.SecretStatusRevealed {
		t.Errorf("Expected the buffered digest revealed, got status %s", st.secrets[0].Status)
	}
}
