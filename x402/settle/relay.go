package settle

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/CeloMX/celo-mx/x402"
	"github.com/CeloMX/celo-mx/x402/chain"
	"github.com/CeloMX/celo-mx/x402/internal/eip3009"
)

// Relayer submits authorizations on chain. *chain.Client implements it.
type Relayer interface {
	ChainID() *big.Int
	AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error)
	SubmitAuthorization(ctx context.Context, token common.Address, auth *eip3009.Authorization, signature []byte) (common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// RelayExecutor settles authorizations with a relayer key that pays the gas.
type RelayExecutor struct {
	relayer Relayer
	opts    options
}

// NewRelayExecutor creates an executor over relayer. The timeout bounds the
// wait for the transaction to be mined and defaults to
// x402.DefaultTimeouts.ConfirmTimeout.
func NewRelayExecutor(relayer Relayer, opts ...Option) *RelayExecutor {
	return &RelayExecutor{
		relayer: relayer,
		opts:    buildOptions(x402.DefaultTimeouts.ConfirmTimeout, opts),
	}
}

// ChainID is the chain the relayer submits to.
func (e *RelayExecutor) ChainID() *big.Int {
	return e.relayer.ChainID()
}

// Execute re-checks the authorization, refuses nonces the token already
// consumed and authorizations for another chain, submits
// transferWithAuthorization and waits for one confirmation. The receipt must
// carry the authorized Transfer. A revert is payment_invalid; RPC failures
// are settle_failed.
func (e *RelayExecutor) Execute(ctx context.Context, proof x402.PaymentProof) (*x402.SettlementResult, error) {
	_, auth, signature, err := CheckAuthorization(proof, e.opts.now())
	if err != nil {
		return nil, err
	}

	token := common.HexToAddress(proof.Domain.VerifyingContract)
	logger := e.opts.logger.With("token", token.Hex(), "from", auth.From.Hex())

	if chainID := e.relayer.ChainID(); chainID == nil || !chainID.IsInt64() || chainID.Int64() != proof.Domain.ChainID {
		logger.Warn("authorization for another chain", "relayerChain", chainID, "chainId", proof.Domain.ChainID)
		return nil, x402.Invalid("authorization is not for the relayer's chain").
			WithDetails("chainId", proof.Domain.ChainID)
	}

	used, err := e.relayer.AuthorizationState(ctx, token, auth.From, auth.Nonce)
	if err != nil {
		logger.Error("failed to read authorization state", "error", err)
		return nil, settleFailed("failed to read authorization state", err)
	}
	if used {
		logger.Warn("authorization nonce already used")
		return nil, x402.Invalid("authorization nonce already used")
	}

	if err := ctx.Err(); err != nil {
		return nil, settleFailed("canceled before submission", err)
	}

	hash, err := e.relayer.SubmitAuthorization(ctx, token, auth, signature)
	if err != nil {
		if isRevert(err) {
			logger.Warn("authorization reverted at submission", "error", err)
			return nil, x402.NewPaymentError(x402.KindPaymentInvalid, "authorization reverted", errors.Join(x402.ErrPaymentInvalid, err))
		}
		logger.Error("failed to submit authorization", "error", err)
		return nil, settleFailed("failed to submit authorization", err)
	}
	logger = logger.With("txHash", hash.Hex())

	// The transaction is out; observe it even if the caller goes away.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.timeout)
	defer cancel()

	start := time.Now()
	receipt, err := e.relayer.WaitMined(waitCtx, hash)
	if err != nil {
		logger.Error("authorization not confirmed", "error", err, "waited", time.Since(start))
		return nil, settleFailed("transaction not confirmed", err).WithDetails("txHash", hash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		logger.Warn("authorization transaction reverted")
		return nil, x402.Invalid("transaction reverted").WithDetails("txHash", hash.Hex())
	}

	if !hasTransfer(receipt, token, auth) {
		logger.Error("authorization mined without the expected transfer")
		return nil, settleFailed("transaction moved no funds", errors.New("no matching Transfer event")).WithDetails("txHash", hash.Hex())
	}

	logger.Info("authorization settled", "block", receipt.BlockNumber)
	return &x402.SettlementResult{
		OK:      true,
		TxHash:  hash.Hex(),
		Payer:   auth.From.Hex(),
		Network: x402.FormatNetwork(proof.Domain.ChainID),
	}, nil
}

func isRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "authorization is expired") ||
		strings.Contains(msg, "authorization is not yet valid") || strings.Contains(msg, "invalid signature")
}

func hasTransfer(receipt *types.Receipt, token common.Address, auth *eip3009.Authorization) bool {
	for _, transfer := range chain.ParseTransfers(receipt) {
		if transfer.Token == token && transfer.From == auth.From && transfer.To == auth.To && transfer.Value.Cmp(auth.Value) == 0 {
			return true
		}
	}
	return false
}
