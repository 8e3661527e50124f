// Package keys loads the signing keys the coordinator acts with: the
// infrastructure signer (oracle commits/reveals), the game signer, and the
// executor ring used round-robin for mint submissions.
package keys

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is one signing identity.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner loads a signer from a raw hex private key.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs a transaction with the chain's EIP-155 signer.
func (s *Signer) SignTx(tx *types.Transaction, chainID int64) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(chainID)), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// SignDigest produces a recoverable secp256k1 signature over a 32-byte
// digest, used for relay-call authorizations verified on-chain.
func (s *Signer) SignDigest(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	// Contracts expect the Ethereum convention of v in {27, 28}.
	sig[64] += 27
	return sig, nil
}

// Ring is a fixed set of executor signers. The rotation index is owned by
// the component submitting transactions, not by the ring.
type Ring struct {
	signers []*Signer
}

// NewRing loads an executor ring from hex private keys.
func NewRing(hexKeys []string) (*Ring, error) {
	if len(hexKeys) == 0 {
		return nil, fmt.Errorf("executor ring requires at least one key")
	}
	signers := make([]*Signer, len(hexKeys))
	for i, k := range hexKeys {
		signer, err := NewSigner(k)
		if err != nil {
			return nil, fmt.Errorf("executor %d: %w", i, err)
		}
		signers[i] = signer
	}
	return &Ring{signers: signers}, nil
}

// Len returns the ring size.
func (r *Ring) Len() int {
	return len(r.signers)
}

// At returns the signer at a rotation position (wrapped).
func (r *Ring) At(i int) *Signer {
	return r.signers[i%len(r.signers)]
}
