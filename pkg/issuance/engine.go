// Package issuance turns ingested payments into loot-box batches and submits
// the mint transactions that open them.
package issuance

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/packmint/coordinator/internal/metrics"
	"github.com/packmint/coordinator/pkg/keys"
	"github.com/packmint/coordinator/pkg/store"
)

// Store is the persistence slice the issuance engine needs.
type Store interface {
	OldestNewPayment(ctx context.Context, chainID int64) (*store.Payment, error)
	GetDiscount(ctx context.Context, address string) (*store.Discount, error)
	ScheduleIssuance(ctx context.Context, paymentID int64, discount float64, code string, batches []*store.NftIssuance) error
	MarkPaymentError(ctx context.Context, paymentID int64) error
	OldestNewIssuance(ctx context.Context, chainID int64) (*store.NftIssuance, error)
	MarkIssuanceOpening(ctx context.Context, issuanceID int64) error
	MarkIssuanceOpened(ctx context.Context, issuanceID int64, txHash string) error
	MarkIssuanceError(ctx context.Context, issuanceID int64) error
}

// ChainClient is the RPC slice the issuance engine needs.
type ChainClient interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// NonceManager is the nonce slice the issuance engine needs.
type NonceManager interface {
	Get(ctx context.Context, address common.Address) (int64, error)
	Set(ctx context.Context, address common.Address, next int64) error
}

// Config parameterizes one chain's issuance engine.
type Config struct {
	ChainID     int64
	Distributor common.Address
	// TokenDecimals converts the raw payment value into price units.
	TokenDecimals int32
}

var mintSelector = crypto.Keccak256([]byte("mintBoxes(address,uint256,bytes32,bytes)"))[:4]

// Engine schedules loot-box batches for paid orders and submits their mints.
// The executor rotation index lives here and advances only after a
// submission's nonce is durably recorded.
type Engine struct {
	cfg       Config
	rpc       ChainClient
	store     Store
	nonces    NonceManager
	executors *keys.Ring
	game      *keys.Signer
	logger    *zap.Logger

	rotation int
}

// New creates an issuance engine for one chain.
func New(cfg Config, rpc ChainClient, st Store, nonces NonceManager, executors *keys.Ring, game *keys.Signer, logger *zap.Logger) *Engine {
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 18
	}
	return &Engine{
		cfg:       cfg,
		rpc:       rpc,
		store:     st,
		nonces:    nonces,
		executors: executors,
		game:      game,
		logger:    logger,
	}
}

// ScheduleNext resolves the oldest unprocessed payment into loot-box batches.
// The batch insert and the payment's success flip commit together; a failure
// rolls both back and the payment is instead forced to error with a
// compensating write, so it can never sit invisible in a half-done state.
func (e *Engine) ScheduleNext(ctx context.Context) error {
	payment, err := e.store.OldestNewPayment(ctx, e.cfg.ChainID)
	if err != nil {
		return err
	}
	if payment == nil {
		return nil
	}

	money, err := e.paymentAmount(payment.Value)
	if err != nil {
		return e.failPayment(ctx, payment, err)
	}

	var agencyDiscount float64
	var code string
	discount, err := e.store.GetDiscount(ctx, payment.Sender)
	if err != nil {
		return err
	}
	if discount != nil {
		agencyDiscount = discount.Discount
		code = discount.Code
	}

	boxes := NumberOfLootBoxes(money, agencyDiscount)
	if boxes <= 0 {
		return e.failPayment(ctx, payment, fmt.Errorf("payment of %v resolves to %d boxes", money, boxes))
	}

	batches := make([]*store.NftIssuance, 0, len(Distribution(boxes)))
	for _, size := range Distribution(boxes) {
		batches = append(batches, &store.NftIssuance{
			IssuanceUUID: payment.IssuanceUUID,
			ChainID:      e.cfg.ChainID,
			Owner:        payment.Sender,
			NumberOfBox:  size,
			TotalBoxes:   boxes,
			Status:       store.IssuanceStatusNew,
		})
	}

	if err := e.store.ScheduleIssuance(ctx, payment.ID, agencyDiscount, code, batches); err != nil {
		return e.failPayment(ctx, payment, err)
	}

	e.logger.Info("Scheduled issuance",
		zap.Int64("chain_id", e.cfg.ChainID),
		zap.String("issuance_uuid", payment.IssuanceUUID),
		zap.Int("boxes", boxes),
		zap.Int("batches", len(batches)))
	return nil
}

// failPayment is the compensating write paired with a rolled-back schedule.
func (e *Engine) failPayment(ctx context.Context, payment *store.Payment, cause error) error {
	if err := e.store.MarkPaymentError(ctx, payment.ID); err != nil {
		return fmt.Errorf("failed to mark payment error after %v: %w", cause, err)
	}
	e.logger.Error("Payment failed issuance scheduling",
		zap.Int64("payment_id", payment.ID),
		zap.Error(cause))
	return cause
}

// paymentAmount converts the raw on-chain value into price units.
func (e *Engine) paymentAmount(raw string) (float64, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("malformed payment value %q: %w", raw, err)
	}
	money := value.Shift(-e.cfg.TokenDecimals).InexactFloat64()
	if money <= 0 || math.IsNaN(money) || math.IsInf(money, 0) {
		return 0, fmt.Errorf("payment value %q is not a positive amount", raw)
	}
	return money, nil
}

// SubmitNext mints the oldest scheduled batch. Gas is padded by 11% over the
// estimate and the gas price inflated by 50%; a failed send is retried once
// at double the inflated price, after which the batch is terminally errored.
func (e *Engine) SubmitNext(ctx context.Context) error {
	issuance, err := e.store.OldestNewIssuance(ctx, e.cfg.ChainID)
	if err != nil {
		return err
	}
	if issuance == nil {
		return nil
	}

	executor := e.executors.At(e.rotation)
	calldata, err := e.mintCalldata(issuance)
	if err != nil {
		return e.failIssuance(ctx, issuance, err)
	}

	gas, err := e.rpc.EstimateGas(ctx, ethereum.CallMsg{
		From: executor.Address(),
		To:   &e.cfg.Distributor,
		Data: calldata,
	})
	if err != nil {
		return e.failIssuance(ctx, issuance, fmt.Errorf("failed to estimate gas: %w", err))
	}
	gas = gas * 111 / 100

	gasPrice, err := e.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return e.failIssuance(ctx, issuance, fmt.Errorf("failed to get gas price: %w", err))
	}
	gasPrice = new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(3)), big.NewInt(2))

	nonceVal, err := e.nonces.Get(ctx, executor.Address())
	if err != nil {
		return err
	}

	// The batch leaves the mintable set before anything is sent: a crash
	// between the send and the opened write must not mint it a second time.
	if err := e.store.MarkIssuanceOpening(ctx, issuance.ID); err != nil {
		return err
	}

	txHash, err := e.send(ctx, executor, uint64(nonceVal), gas, gasPrice, calldata)
	if err != nil {
		// One escalation: same nonce, doubled price.
		retryPrice := new(big.Int).Mul(gasPrice, big.NewInt(2))
		e.logger.Warn("Mint submission failed, retrying at escalated gas price",
			zap.Int64("issuance_id", issuance.ID),
			zap.String("gas_price", retryPrice.String()),
			zap.Error(err))
		txHash, err = e.send(ctx, executor, uint64(nonceVal), gas, retryPrice, calldata)
		if err != nil {
			metrics.MintsSubmitted.WithLabelValues(chainLabel(e.cfg.ChainID), "error").Inc()
			return e.failIssuance(ctx, issuance, err)
		}
	}

	if err := e.nonces.Set(ctx, executor.Address(), nonceVal+1); err != nil {
		return err
	}
	e.rotation++

	if err := e.store.MarkIssuanceOpened(ctx, issuance.ID, txHash); err != nil {
		return err
	}
	metrics.MintsSubmitted.WithLabelValues(chainLabel(e.cfg.ChainID), "opened").Inc()
	e.logger.Info("Submitted mint",
		zap.Int64("chain_id", e.cfg.ChainID),
		zap.Int64("issuance_id", issuance.ID),
		zap.String("tx_hash", txHash),
		zap.String("executor", executor.Address().Hex()))
	return nil
}

func (e *Engine) failIssuance(ctx context.Context, issuance *store.NftIssuance, cause error) error {
	if err := e.store.MarkIssuanceError(ctx, issuance.ID); err != nil {
		return fmt.Errorf("failed to mark issuance error after %v: %w", cause, err)
	}
	e.logger.Error("Mint submission failed terminally",
		zap.Int64("issuance_id", issuance.ID),
		zap.Error(cause))
	return cause
}

func (e *Engine) send(ctx context.Context, executor *keys.Signer, nonce, gas uint64, gasPrice *big.Int, calldata []byte) (string, error) {
	tx := types.NewTransaction(nonce, e.cfg.Distributor, big.NewInt(0), gas, gasPrice, calldata)
	signed, err := executor.SignTx(tx, e.cfg.ChainID)
	if err != nil {
		return "", err
	}
	if err := e.rpc.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send mint transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// mintCalldata builds the relay call: the distributor verifies the game key's
// signature over (owner, count, issuance id) before minting.
func (e *Engine) mintCalldata(issuance *store.NftIssuance) ([]byte, error) {
	owner := common.HexToAddress(issuance.Owner)
	uuidHash := crypto.Keccak256Hash([]byte(issuance.IssuanceUUID))

	var count [32]byte
	big.NewInt(int64(issuance.NumberOfBox)).FillBytes(count[:])

	authDigest := crypto.Keccak256(
		owner.Bytes(),
		count[:],
		uuidHash.Bytes(),
	)
	sig, err := e.game.SignDigest(authDigest)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, 4+32*8)
	data = append(data, mintSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
	data = append(data, count[:]...)
	data = append(data, uuidHash.Bytes()...)
	data = append(data, abiWord(4*32)...) // offset of the signature bytes
	data = append(data, abiWord(int64(len(sig)))...)
	data = append(data, common.RightPadBytes(sig, 96)...)
	return data, nil
}

func abiWord(v int64) []byte {
	var w [32]byte
	big.NewInt(v).FillBytes(w[:])
	return w[:]
}

func chainLabel(chainID int64) string {
	return fmt.Sprintf("%d", chainID)
}
