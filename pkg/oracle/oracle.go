// Package oracle runs the commit-reveal randomness lifecycle the game
// contract trusts: batches of secret pre-images are committed as digests
// on-chain ahead of time, then revealed one at a time once final.
package oracle

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/packmint/coordinator/internal/metrics"
	"github.com/packmint/coordinator/pkg/keys"
	"github.com/packmint/coordinator/pkg/store"
)

// ErrDigestMissing marks a digest the contract has no record of: the local
// table and the chain disagree, which manual remediation must resolve.
var ErrDigestMissing = errors.New("oracle: digest not found on-chain")

// Store is the persistence slice the oracle needs.
type Store interface {
	CreateCommittedSecrets(ctx context.Context, secrets []*store.Secret) error
	CountCommittedSecrets(ctx context.Context, chainID int64) (int, error)
	OldestCommittedSecret(ctx context.Context, chainID int64) (*store.Secret, error)
	SetSecretStatus(ctx context.Context, secretID int64, status store.SecretStatus) error
}

// ChainClient is the RPC slice the oracle needs.
type ChainClient interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// NonceManager is the nonce slice the oracle needs.
type NonceManager interface {
	Get(ctx context.Context, address common.Address) (int64, error)
	Set(ctx context.Context, address common.Address, next int64) error
}

// Config parameterizes one chain's oracle.
type Config struct {
	ChainID        int64
	Contract       common.Address
	BatchSize      int
	LowWaterMark   int
	RevealInterval time.Duration
}

var (
	commitBatchSelector = crypto.Keccak256([]byte("commitBatch(bytes32[])"))[:4]
	getCommitSelector   = crypto.Keccak256([]byte("getCommit(bytes32)"))[:4]
	revealSelector      = crypto.Keccak256([]byte("reveal(address,uint256,bytes32)"))[:4]
)

// Oracle drives the digest lifecycle for one chain, signing with the
// dedicated infrastructure key.
type Oracle struct {
	cfg    Config
	rpc    ChainClient
	store  Store
	nonces NonceManager
	signer *keys.Signer
	logger *zap.Logger

	lastReveal time.Time
}

// New creates an oracle for one chain.
func New(cfg Config, rpc ChainClient, st Store, nonces NonceManager, signer *keys.Signer, logger *zap.Logger) *Oracle {
	return &Oracle{
		cfg:    cfg,
		rpc:    rpc,
		store:  st,
		nonces: nonces,
		signer: signer,
		logger: logger,
	}
}

// Tick runs one oracle cycle. Reveal is attempted on the configured minimum
// interval and only once the committed buffer exceeds the low-water-mark;
// otherwise a commit batch tops the buffer up. This keeps a standing buffer
// of committed-but-unrevealed randomness so reveal never waits on a fresh
// commit's confirmation latency.
func (o *Oracle) Tick(ctx context.Context) error {
	committed, err := o.store.CountCommittedSecrets(ctx, o.cfg.ChainID)
	if err != nil {
		return err
	}
	metrics.CommittedDigests.WithLabelValues(chainLabel(o.cfg.ChainID)).Set(float64(committed))

	if committed > o.cfg.LowWaterMark && time.Since(o.lastReveal) >= o.cfg.RevealInterval {
		if err := o.Reveal(ctx); err != nil {
			return err
		}
		o.lastReveal = time.Now()
		return nil
	}

	if committed <= o.cfg.LowWaterMark {
		return o.Commit(ctx)
	}
	return nil
}

// Commit generates a batch of secrets, persists them as committed, and only
// then submits the digests on-chain. Each secret's low 8 bytes carry its
// unix creation time so a revealed pre-image can be audited off-chain.
// If the on-chain call fails after the local write, the rows stay committed
// and a later commit cycle retries only once the buffer is observed under
// the low-water-mark; the digests themselves are never re-submitted here.
func (o *Oracle) Commit(ctx context.Context) error {
	secrets := make([]*store.Secret, o.cfg.BatchSize)
	digests := make([][32]byte, o.cfg.BatchSize)
	now := uint64(time.Now().Unix())

	for i := range secrets {
		var secret [32]byte
		if _, err := rand.Read(secret[:]); err != nil {
			return fmt.Errorf("failed to generate secret: %w", err)
		}
		binary.BigEndian.PutUint64(secret[24:], now)
		digest := crypto.Keccak256Hash(secret[:])
		digests[i] = digest

		secrets[i] = &store.Secret{
			ChainID: o.cfg.ChainID,
			Secret:  "0x" + hex.EncodeToString(secret[:]),
			Digest:  digest.Hex(),
			Status:  store.SecretStatusCommitted,
		}
	}

	if err := o.store.CreateCommittedSecrets(ctx, secrets); err != nil {
		return err
	}

	if err := o.submit(ctx, commitBatchCalldata(digests)); err != nil {
		return fmt.Errorf("on-chain commit failed, digests stay committed: %w", err)
	}

	o.logger.Info("Committed digest batch",
		zap.Int64("chain_id", o.cfg.ChainID),
		zap.Int("count", len(digests)))
	return nil
}

// Reveal pops the oldest committed digest and reveals its pre-image,
// skipping the on-chain call when another actor already revealed it.
func (o *Oracle) Reveal(ctx context.Context) error {
	secret, err := o.store.OldestCommittedSecret(ctx, o.cfg.ChainID)
	if err != nil {
		return err
	}
	if secret == nil {
		return nil
	}

	digest := common.HexToHash(secret.Digest)
	record, err := o.getCommit(ctx, digest)
	if err != nil {
		return err
	}

	if record == nil {
		// The contract never saw this digest. Terminal; never retried.
		if err := o.store.SetSecretStatus(ctx, secret.ID, store.SecretStatusError); err != nil {
			return err
		}
		metrics.Reveals.WithLabelValues(chainLabel(o.cfg.ChainID), "missing").Inc()
		return fmt.Errorf("%w: %s", ErrDigestMissing, secret.Digest)
	}

	if record.SecretIsZero() {
		preimage, err := decodeSecret(secret.Secret)
		if err != nil {
			return err
		}
		if err := o.submit(ctx, revealCalldata(o.cfg.Contract, record.Index, preimage)); err != nil {
			return fmt.Errorf("reveal submission failed: %w", err)
		}
	} else {
		o.logger.Debug("Digest already revealed on-chain",
			zap.String("digest", secret.Digest))
	}

	if err := o.store.SetSecretStatus(ctx, secret.ID, store.SecretStatusRevealed); err != nil {
		return err
	}
	metrics.Reveals.WithLabelValues(chainLabel(o.cfg.ChainID), "revealed").Inc()
	o.logger.Info("Revealed digest",
		zap.Int64("chain_id", o.cfg.ChainID),
		zap.String("digest", secret.Digest))
	return nil
}

// commitRecord is the contract's view of one committed digest.
type commitRecord struct {
	Index  *big.Int
	Secret [32]byte
}

func (r *commitRecord) SecretIsZero() bool {
	var zero [32]byte
	return bytes.Equal(r.Secret[:], zero[:])
}

// getCommit queries the contract record for a digest. A zero-filled reply
// means the contract has no record; nil is returned.
func (o *Oracle) getCommit(ctx context.Context, digest common.Hash) (*commitRecord, error) {
	data := make([]byte, 0, 4+32)
	data = append(data, getCommitSelector...)
	data = append(data, digest.Bytes()...)

	resp, err := o.rpc.CallContract(ctx, ethereum.CallMsg{To: &o.cfg.Contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query commit record: %w", err)
	}
	if len(resp) < 96 {
		return nil, fmt.Errorf("short commit record reply: %d bytes", len(resp))
	}

	// Reply layout: stored digest | index | secret. A zero stored digest
	// means no record exists.
	var zero [32]byte
	if bytes.Equal(resp[0:32], zero[:]) {
		return nil, nil
	}

	record := &commitRecord{Index: new(big.Int).SetBytes(resp[32:64])}
	copy(record.Secret[:], resp[64:96])
	return record, nil
}

// submit signs and sends one transaction with the infrastructure key,
// advancing the nonce only after a successful send.
func (o *Oracle) submit(ctx context.Context, calldata []byte) error {
	from := o.signer.Address()

	nonceVal, err := o.nonces.Get(ctx, from)
	if err != nil {
		return err
	}
	gasPrice, err := o.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get gas price: %w", err)
	}
	gas, err := o.rpc.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &o.cfg.Contract,
		Data: calldata,
	})
	if err != nil {
		return fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTransaction(uint64(nonceVal), o.cfg.Contract, big.NewInt(0), gas, gasPrice, calldata)
	signed, err := o.signer.SignTx(tx, o.cfg.ChainID)
	if err != nil {
		return err
	}
	if err := o.rpc.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("failed to send transaction: %w", err)
	}

	return o.nonces.Set(ctx, from, nonceVal+1)
}

func commitBatchCalldata(digests [][32]byte) []byte {
	data := make([]byte, 0, 4+32*(2+len(digests)))
	data = append(data, commitBatchSelector...)
	data = append(data, abiWord(32)...)                  // offset of the array
	data = append(data, abiWord(int64(len(digests)))...) // length
	for _, d := range digests {
		data = append(data, d[:]...)
	}
	return data
}

func revealCalldata(contract common.Address, index *big.Int, secret [32]byte) []byte {
	data := make([]byte, 0, 4+32*3)
	data = append(data, revealSelector...)
	data = append(data, common.LeftPadBytes(contract.Bytes(), 32)...)
	var idx [32]byte
	index.FillBytes(idx[:])
	data = append(data, idx[:]...)
	data = append(data, secret[:]...)
	return data
}

func abiWord(v int64) []byte {
	var w [32]byte
	big.NewInt(v).FillBytes(w[:])
	return w[:]
}

func decodeSecret(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("malformed stored secret: %q", s)
	}
	copy(out[:], raw)
	return out, nil
}

func chainLabel(chainID int64) string {
	return fmt.Sprintf("%d", chainID)
}
