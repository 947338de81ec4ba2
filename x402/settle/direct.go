package settle

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/CeloMX/celo-mx/x402"
	"github.com/CeloMX/celo-mx/x402/chain"
)

// ReceiptSource reads mined receipts. *chain.Client implements it.
type ReceiptSource interface {
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// DirectVerifier verifies a client-submitted transfer by re-deriving the
// transfer facts from its receipt. The claimed amount is never trusted.
type DirectVerifier struct {
	source ReceiptSource
	opts   options
}

// NewDirectVerifier creates a verifier reading receipts from source.
// The default timeout is x402.DefaultTimeouts.VerifyTimeout.
func NewDirectVerifier(source ReceiptSource, opts ...Option) *DirectVerifier {
	return &DirectVerifier{
		source: source,
		opts:   buildOptions(x402.DefaultTimeouts.VerifyTimeout, opts),
	}
}

// Settle checks that proof.TxHash is a successful transaction whose Transfer
// events move at least expected.AmountAtomic of expected.TokenAddress to
// expected.Recipient. Overpayment is accepted; any shortfall is payment_invalid.
func (v *DirectVerifier) Settle(ctx context.Context, proof x402.PaymentProof, expected x402.Expectation) (*x402.SettlementResult, error) {
	if expected.Recipient == "" {
		return nil, &x402.ConfigurationError{Field: "recipient", Err: x402.ErrRecipientNotConfigured}
	}
	amount, ok := parseAmount(expected.AmountAtomic)
	if !ok || !common.IsHexAddress(expected.TokenAddress) || !common.IsHexAddress(expected.Recipient) {
		return nil, &x402.ConfigurationError{Field: "expectation", Err: x402.ErrInvalidAmount}
	}
	if !proof.IsTransfer() {
		return nil, x402.Invalid("expected a transaction hash")
	}

	hash := common.HexToHash(proof.TxHash)
	logger := v.opts.logger.With("txHash", hash.Hex())

	ctx, cancel := context.WithTimeout(ctx, v.opts.timeout)
	defer cancel()

	receipt, err := v.source.Receipt(ctx, hash)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			logger.Warn("payment transaction not found")
			return nil, x402.Invalid("transaction not found").WithDetails("txHash", hash.Hex())
		}
		logger.Error("failed to read receipt", "error", err)
		return nil, settleFailed("failed to read receipt", err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		logger.Warn("payment transaction reverted")
		return nil, x402.Invalid("transaction reverted").WithDetails("txHash", hash.Hex())
	}

	token := common.HexToAddress(expected.TokenAddress)
	recipient := common.HexToAddress(expected.Recipient)

	paid := new(big.Int)
	var payer common.Address
	for _, transfer := range chain.ParseTransfers(receipt) {
		if transfer.Token != token || transfer.To != recipient {
			continue
		}
		if payer == (common.Address{}) {
			payer = transfer.From
		}
		paid.Add(paid, transfer.Value)
	}

	if paid.Cmp(amount) < 0 {
		logger.Warn("payment transfer short", "paid", paid.String(), "expected", amount.String())
		return nil, x402.Invalid("transfer does not cover the offer").
			WithDetails("paid", paid.String()).
			WithDetails("expected", amount.String())
	}

	logger.Info("payment verified", "payer", payer.Hex(), "amount", paid.String())
	return &x402.SettlementResult{
		OK:      true,
		TxHash:  hash.Hex(),
		Payer:   payer.Hex(),
		Network: x402.FormatNetwork(expected.ChainID),
	}, nil
}
