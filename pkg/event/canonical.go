// Package event parses watched chain logs and derives the canonical event id
// used as the idempotency key for everything the synchronizer persists.
package event

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrMalformedLog is returned when a log is too short to contain the
// addresses or words its topic signature promises.
var ErrMalformedLog = errors.New("event: malformed log")

// Topic signatures of the logs this core watches.
var (
	// TransferTopic covers both ERC-20 and ERC-721 Transfer logs.
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	// PaymentForwardedTopic is emitted by the payment router when an ERC-20
	// payment is routed through it on behalf of an underlying token.
	PaymentForwardedTopic = crypto.Keccak256Hash([]byte("PaymentForwarded(address,address,address,uint256)"))
)

// ID computes the deterministic event id for a log:
// keccak256(from || to || contract || uint256(value) || uint256(txHash)),
// addresses 20 bytes, integers right-aligned to 32 bytes. The same log
// observed twice hashes identically.
func ID(from, to, contract common.Address, value *big.Int, txHash common.Hash) common.Hash {
	buf := make([]byte, 0, 20*3+32*2)
	buf = append(buf, from.Bytes()...)
	buf = append(buf, to.Bytes()...)
	buf = append(buf, contract.Bytes()...)

	var word [32]byte
	value.FillBytes(word[:])
	buf = append(buf, word[:]...)
	buf = append(buf, txHash.Bytes()...)

	return crypto.Keccak256Hash(buf)
}

// AddressFromWord extracts the address encoded in a 32-byte topic or data
// word by keeping the low 20 bytes, lower-cased hex with the 0x prefix.
func AddressFromWord(word []byte) (string, error) {
	if len(word) < common.AddressLength {
		return "", fmt.Errorf("%w: %d-byte word cannot hold an address", ErrMalformedLog, len(word))
	}
	addr := common.BytesToAddress(word[len(word)-common.AddressLength:])
	return strings.ToLower(addr.Hex()), nil
}

// TransferLog is a parsed, still-unclassified watched log.
type TransferLog struct {
	From        string
	To          string
	Token       string // contract that the value moved on, post-rewrite for routed payments
	Value       *big.Int
	NftTokenID  *big.Int // nil for fungible transfers
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	Routed      bool // true when rewritten from a PaymentForwarded log
}

// EventID returns the canonical id of the parsed log. For NFT transfers the
// token id takes the value word: a box-opening transaction moves many tokens
// between the same endpoints, and each one is its own event.
func (t *TransferLog) EventID() common.Hash {
	value := t.Value
	if t.NftTokenID != nil {
		value = t.NftTokenID
	}
	return ID(
		common.HexToAddress(t.From),
		common.HexToAddress(t.To),
		common.HexToAddress(t.Token),
		value,
		t.TxHash,
	)
}

// Parse lifts a raw log into a TransferLog. Transfer logs carry from/to in
// topics 1 and 2; an ERC-721 transfer additionally carries the token id in
// topic 3, an ERC-20 transfer carries the value in the data word.
// PaymentForwarded logs carry the underlying token in topic 1 and from/to in
// topics 2 and 3; the returned log is rewritten to that token address.
func Parse(lg types.Log) (*TransferLog, error) {
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("%w: no topics", ErrMalformedLog)
	}

	switch lg.Topics[0] {
	case TransferTopic:
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("%w: transfer log with %d topics", ErrMalformedLog, len(lg.Topics))
		}
		from, err := AddressFromWord(lg.Topics[1].Bytes())
		if err != nil {
			return nil, err
		}
		to, err := AddressFromWord(lg.Topics[2].Bytes())
		if err != nil {
			return nil, err
		}
		out := &TransferLog{
			From:        from,
			To:          to,
			Token:       strings.ToLower(lg.Address.Hex()),
			TxHash:      lg.TxHash,
			BlockNumber: lg.BlockNumber,
			LogIndex:    lg.Index,
		}
		if len(lg.Topics) >= 4 {
			out.NftTokenID = new(big.Int).SetBytes(lg.Topics[3].Bytes())
			out.Value = big.NewInt(1)
		} else {
			if len(lg.Data) < 32 {
				return nil, fmt.Errorf("%w: transfer log with %d-byte data", ErrMalformedLog, len(lg.Data))
			}
			out.Value = new(big.Int).SetBytes(lg.Data[:32])
		}
		return out, nil

	case PaymentForwardedTopic:
		if len(lg.Topics) < 4 {
			return nil, fmt.Errorf("%w: payment log with %d topics", ErrMalformedLog, len(lg.Topics))
		}
		token, err := AddressFromWord(lg.Topics[1].Bytes())
		if err != nil {
			return nil, err
		}
		from, err := AddressFromWord(lg.Topics[2].Bytes())
		if err != nil {
			return nil, err
		}
		to, err := AddressFromWord(lg.Topics[3].Bytes())
		if err != nil {
			return nil, err
		}
		if len(lg.Data) < 32 {
			return nil, fmt.Errorf("%w: payment log with %d-byte data", ErrMalformedLog, len(lg.Data))
		}
		return &TransferLog{
			From:        from,
			To:          to,
			Token:       token,
			Value:       new(big.Int).SetBytes(lg.Data[:32]),
			TxHash:      lg.TxHash,
			BlockNumber: lg.BlockNumber,
			LogIndex:    lg.Index,
			Routed:      true,
		}, nil
	}

	return nil, fmt.Errorf("%w: unknown topic %s", ErrMalformedLog, lg.Topics[0].Hex())
}
