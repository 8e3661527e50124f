package store

import (
	"time"

	"github.com/uptrace/bun"
)

// PaymentStatus is the lifecycle state of an ingested payment log.
type PaymentStatus string

const (
	PaymentStatusNew     PaymentStatus = "new"
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusError   PaymentStatus = "error"
)

// TransferStatus is the lifecycle state of an ingested NFT transfer log.
type TransferStatus string

const (
	TransferStatusNew     TransferStatus = "new"
	TransferStatusSuccess TransferStatus = "success"
	TransferStatusError   TransferStatus = "error"
)

// IssuanceStatus is the lifecycle state of a loot-box batch.
type IssuanceStatus string

const (
	IssuanceStatusNew           IssuanceStatus = "new"
	IssuanceStatusOpening       IssuanceStatus = "opening"
	IssuanceStatusOpened        IssuanceStatus = "opened"
	IssuanceStatusResultArrived IssuanceStatus = "result_arrived"
	IssuanceStatusError         IssuanceStatus = "error"
)

// SecretStatus is the lifecycle state of a commit-reveal digest.
type SecretStatus string

const (
	SecretStatusNew       SecretStatus = "new"
	SecretStatusCommitted SecretStatus = "committed"
	SecretStatusRevealed  SecretStatus = "revealed"
	SecretStatusError     SecretStatus = "error"
)

// SyncCursor tracks ingestion progress per chain.
// Invariant: StartBlock <= SyncedBlock <= TargetBlock; TargetBlock only
// ever moves forward.
type SyncCursor struct {
	bun.BaseModel `bun:"table:sync_cursors"`

	ChainID     int64     `bun:",pk"`
	StartBlock  int64     `bun:",notnull"`
	SyncedBlock int64     `bun:",notnull"`
	TargetBlock int64     `bun:",notnull"`
	UpdatedAt   time.Time `bun:",nullzero,notnull,default:now()"`
}

// WatchedToken is an allow-listed token contract on a chain.
type WatchedToken struct {
	bun.BaseModel `bun:"table:watched_tokens"`

	ChainID  int64  `bun:",pk"`
	Address  string `bun:",pk"`
	Symbol   string `bun:",notnull"`
	Fungible bool   `bun:",notnull"`
}

// WatchedWallet is an allow-listed receiving wallet on a chain.
type WatchedWallet struct {
	bun.BaseModel `bun:"table:watched_wallets"`

	ChainID int64  `bun:",pk"`
	Address string `bun:",pk"`
}

// Payment is one qualifying ERC-20 or routed-payment log.
type Payment struct {
	bun.BaseModel `bun:"table:payments"`

	ID           int64         `bun:",pk,autoincrement"`
	Status       PaymentStatus `bun:",notnull"`
	EventID      string        `bun:",notnull,unique"`
	ChainID      int64         `bun:",notnull"`
	Sender       string        `bun:",notnull"`
	Receiver     string        `bun:",notnull"`
	TokenAddress string        `bun:",notnull"`
	Value        string        `bun:",notnull"`
	BlockNumber  int64         `bun:",notnull"`
	TxHash       string        `bun:",notnull"`
	LogIndex     int64         `bun:",notnull"`
	IssuanceUUID string        `bun:",notnull"`
	Discount     float64       `bun:",nullzero"`
	DiscountCode string        `bun:",nullzero"`
	CreatedAt    time.Time     `bun:",nullzero,notnull,default:now()"`
	UpdatedAt    time.Time     `bun:",nullzero,notnull,default:now()"`
}

// NftTransfer is one ERC-721 Transfer log.
type NftTransfer struct {
	bun.BaseModel `bun:"table:nft_transfers"`

	ID           int64          `bun:",pk,autoincrement"`
	Status       TransferStatus `bun:",notnull"`
	EventID      string         `bun:",notnull,unique"`
	ChainID      int64          `bun:",notnull"`
	Sender       string         `bun:",notnull"`
	Receiver     string         `bun:",notnull"`
	TokenAddress string         `bun:",notnull"`
	TokenSymbol  string         `bun:",notnull"`
	NftTokenID   string         `bun:",notnull"`
	BlockNumber  int64          `bun:",notnull"`
	TxHash       string         `bun:",notnull"`
	LogIndex     int64          `bun:",notnull"`
	IssuanceUUID string         `bun:",nullzero"`
	CreatedAt    time.Time      `bun:",nullzero,notnull,default:now()"`
	UpdatedAt    time.Time      `bun:",nullzero,notnull,default:now()"`
}

// NftIssuance is one loot-box batch (at most ten boxes) of an issuance.
type NftIssuance struct {
	bun.BaseModel `bun:"table:nft_issuances"`

	ID              int64          `bun:",pk,autoincrement"`
	IssuanceUUID    string         `bun:",notnull"`
	ChainID         int64          `bun:",notnull"`
	Owner           string         `bun:",notnull"`
	NumberOfBox     int            `bun:",notnull"`
	TotalBoxes      int            `bun:",notnull"`
	TransactionHash string         `bun:",nullzero"`
	Status          IssuanceStatus `bun:",notnull"`
	CreatedAt       time.Time      `bun:",nullzero,notnull,default:now()"`
	UpdatedAt       time.Time      `bun:",nullzero,notnull,default:now()"`
}

// Secret is one commit-reveal randomness digest. The pre-image stays local
// until the digest is final on-chain.
type Secret struct {
	bun.BaseModel `bun:"table:secrets"`

	ID        int64        `bun:",pk,autoincrement"`
	ChainID   int64        `bun:",notnull"`
	Secret    string       `bun:",notnull"`
	Digest    string       `bun:",notnull,unique"`
	Status    SecretStatus `bun:",notnull"`
	CreatedAt time.Time    `bun:",nullzero,notnull,default:now()"`
	UpdatedAt time.Time    `bun:",nullzero,notnull,default:now()"`
}

// NonceRecord caches the next nonce per (chain, address). Authoritative only
// while fresher than the configured staleness window.
type NonceRecord struct {
	bun.BaseModel `bun:"table:nonce_records"`

	ChainID   int64     `bun:",pk"`
	Address   string    `bun:",pk"`
	Nonce     int64     `bun:",notnull"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:now()"`
}

// NftOwnership is the current owner of a card or box token.
type NftOwnership struct {
	bun.BaseModel `bun:"table:nft_ownerships"`

	NftTokenID string    `bun:",pk"`
	Owner      string    `bun:",notnull"`
	TxHash     string    `bun:",notnull"`
	UpdatedAt  time.Time `bun:",nullzero,notnull,default:now()"`
}

// NftResult is the decoded metadata of an issued card plus its originating box.
type NftResult struct {
	bun.BaseModel `bun:"table:nft_results"`

	NftTokenID    string    `bun:",pk"`
	ApplicationID int64     `bun:",notnull"`
	Edition       int64     `bun:",notnull"`
	Generation    int64     `bun:",notnull"`
	Rareness      int64     `bun:",notnull"`
	CardType      int64     `bun:",notnull"`
	CardID        int64     `bun:",notnull"`
	Serial        int64     `bun:",notnull"`
	BoxID         string    `bun:",notnull"`
	IssuanceUUID  string    `bun:",nullzero"`
	CreatedAt     time.Time `bun:",nullzero,notnull,default:now()"`
}

// Discount is an agency discount looked up by buyer address.
type Discount struct {
	bun.BaseModel `bun:"table:discounts"`

	Address  string  `bun:",pk"`
	Phase    string  `bun:",nullzero"`
	Discount float64 `bun:",notnull"`
	Code     string  `bun:",notnull"`
}
