// Package card implements the fixed 32-byte on-chain card record codec.
//
// A card token id packs seven big-endian fields left to right with no padding:
// applicationId (8) | edition (2) | generation (2) | rareness (2) | type (2) |
// id (8) | serial (8).
package card

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFormat is returned when the input is not a 0x-prefixed hex string
// of at most 66 characters.
var ErrInvalidFormat = errors.New("card: invalid format")

// Edition identifies the print run of a card.
type Edition uint16

const (
	EditionNormal  Edition = 0x0000
	EditionGenesis Edition = 0xFFFF
)

func (e Edition) String() string {
	switch e {
	case EditionNormal:
		return "normal"
	case EditionGenesis:
		return "genesis"
	}
	return fmt.Sprintf("edition(%d)", uint16(e))
}

// Rareness grades a card from common to legendary.
type Rareness uint16

const (
	RarenessC Rareness = iota + 1
	RarenessB
	RarenessA
	RarenessS
	RarenessSS
	RarenessL
)

func (r Rareness) String() string {
	names := [...]string{"C", "B", "A", "S", "SS", "L"}
	if r >= RarenessC && r <= RarenessL {
		return names[r-1]
	}
	return fmt.Sprintf("rareness(%d)", uint16(r))
}

// Type distinguishes a revealed card from an unopened loot box.
type Type uint16

const (
	TypeCard    Type = 0
	TypeLootBox Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeCard:
		return "card"
	case TypeLootBox:
		return "lootbox"
	}
	return fmt.Sprintf("type(%d)", uint16(t))
}

// Card is the decoded form of a 32-byte card record.
type Card struct {
	ApplicationID uint64
	Edition       Edition
	Generation    uint16
	Rareness      Rareness
	Type          Type
	ID            uint64
	Serial        uint64
}

const recordSize = 32

// Decode parses a 0x-prefixed hex token id into a Card. Inputs shorter than
// 32 bytes are left-zero-padded before decoding.
func Decode(s string) (Card, error) {
	if !strings.HasPrefix(s, "0x") || len(s) > 66 {
		return Card{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	body := s[2:]
	if len(body) == 0 {
		return Card{}, fmt.Errorf("%w: empty value", ErrInvalidFormat)
	}
	for _, c := range body {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return Card{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
		}
	}
	if len(body)%2 != 0 {
		body = "0" + body
	}
	raw, err := hex.DecodeString(body)
	if err != nil {
		return Card{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	var buf [recordSize]byte
	copy(buf[recordSize-len(raw):], raw)

	return Card{
		ApplicationID: binary.BigEndian.Uint64(buf[0:8]),
		Edition:       Edition(binary.BigEndian.Uint16(buf[8:10])),
		Generation:    binary.BigEndian.Uint16(buf[10:12]),
		Rareness:      Rareness(binary.BigEndian.Uint16(buf[12:14])),
		Type:          Type(binary.BigEndian.Uint16(buf[14:16])),
		ID:            binary.BigEndian.Uint64(buf[16:24]),
		Serial:        binary.BigEndian.Uint64(buf[24:32]),
	}, nil
}

// Encode packs a Card back into its 0x-prefixed 64-character hex form.
// Encode is the exact inverse of Decode for any 32-byte value.
func Encode(c Card) string {
	var buf [recordSize]byte
	binary.BigEndian.PutUint64(buf[0:8], c.ApplicationID)
	binary.BigEndian.PutUint16(buf[8:10], uint16(c.Edition))
	binary.BigEndian.PutUint16(buf[10:12], c.Generation)
	binary.BigEndian.PutUint16(buf[12:14], uint16(c.Rareness))
	binary.BigEndian.PutUint16(buf[14:16], uint16(c.Type))
	binary.BigEndian.PutUint64(buf[16:24], c.ID)
	binary.BigEndian.PutUint64(buf[24:32], c.Serial)
	return "0x" + hex.EncodeToString(buf[:])
}
