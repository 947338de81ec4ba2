package x402

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// WalletSigner produces EIP-712 signatures for a single account.
// Implementations may prompt a human; they should return an error wrapping
// ErrUserRejected when the prompt is declined.
type WalletSigner interface {
	// Address returns the signing account.
	Address() common.Address

	// SignTypedData signs the EIP-712 payload and returns a 65-byte signature.
	SignTypedData(ctx context.Context, typedData apitypes.TypedData) ([]byte, error)
}

// TransferSender submits ERC-20 transfers for clients that pay with a
// transaction hash instead of a signed authorization.
type TransferSender interface {
	// SendTransfer broadcasts token.transfer(to, value) and returns its hash.
	SendTransfer(ctx context.Context, token, to common.Address, value *big.Int) (common.Hash, error)

	// WaitMined blocks until the transaction has one confirmation.
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	// ChainID is the chain transfers are signed for, or nil when unknown.
	ChainID() *big.Int
}
