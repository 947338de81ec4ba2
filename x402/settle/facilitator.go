package settle

import (
	"context"
	"math/big"

	"github.com/CeloMX/celo-mx/x402"
)

// FacilitatorSettler checks a signed authorization against the offer and has
// an Executor settle it.
type FacilitatorSettler struct {
	executor Executor
	opts     options
}

// NewFacilitatorSettler creates a settler delegating execution to executor.
// The default timeout is x402.DefaultTimeouts.SettleTimeout.
func NewFacilitatorSettler(executor Executor, opts ...Option) *FacilitatorSettler {
	return &FacilitatorSettler{
		executor: executor,
		opts:     buildOptions(x402.DefaultTimeouts.SettleTimeout, opts),
	}
}

// Settle rejects with payment_invalid unless chainId, verifyingContract,
// tokenAddress, to and value all equal the expectation exactly, the window is
// open and the signature recovers to message.from. It then executes the
// authorization.
//
// Once execution starts it is detached from ctx cancellation and bounded only
// by the settle timeout, so a client disconnect cannot leave a submitted
// transaction unobserved. A timeout is reported as settle_failed.
func (s *FacilitatorSettler) Settle(ctx context.Context, proof x402.PaymentProof, expected x402.Expectation) (*x402.SettlementResult, error) {
	if expected.Recipient == "" {
		return nil, &x402.ConfigurationError{Field: "recipient", Err: x402.ErrRecipientNotConfigured}
	}
	amount, ok := parseAmount(expected.AmountAtomic)
	if !ok {
		return nil, &x402.ConfigurationError{Field: "amountAtomic", Err: x402.ErrInvalidAmount}
	}
	if proof.IsTransfer() {
		return nil, x402.Invalid("expected a signed authorization")
	}

	if err := matchExpectation(proof, expected, amount); err != nil {
		s.opts.logger.Warn("authorization does not match offer", "error", err)
		return nil, err
	}

	if _, _, _, err := CheckAuthorization(proof, s.opts.now()); err != nil {
		s.opts.logger.Warn("authorization rejected", "error", err, "from", proof.Message.From)
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, settleFailed("request canceled before settlement", err)
	}

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.timeout)
	defer cancel()

	result, err := s.executor.Execute(execCtx, proof)
	if err != nil {
		if isTimeout(err) || execCtx.Err() != nil {
			s.opts.logger.Error("settlement timed out", "error", err, "timeout", s.opts.timeout)
			return nil, settleFailed("settlement timed out", err)
		}
		s.opts.logger.Error("settlement failed", "error", err, "kind", x402.KindOf(err))
		return nil, err
	}
	if result == nil || !result.OK {
		kind := x402.KindSettleFailed
		if result != nil && result.ErrorKind != "" {
			kind = result.ErrorKind
		}
		s.opts.logger.Warn("settlement rejected by executor", "kind", kind)
		return nil, x402.NewPaymentError(kind, "settlement rejected", x402.ErrSettlementFailed)
	}

	if result.Payer == "" {
		result.Payer = proof.Message.From
	}
	if result.Network == "" {
		result.Network = x402.FormatNetwork(expected.ChainID)
	}

	s.opts.logger.Info("payment settled", "txHash", result.TxHash, "payer", result.Payer)
	return result, nil
}

func matchExpectation(proof x402.PaymentProof, expected x402.Expectation, amount *big.Int) error {
	if proof.Domain.ChainID != expected.ChainID {
		return x402.Invalid("chainId mismatch").
			WithDetails("got", proof.Domain.ChainID).
			WithDetails("want", expected.ChainID)
	}
	if !sameAddress(proof.Domain.VerifyingContract, expected.TokenAddress) {
		return x402.Invalid("verifyingContract mismatch").
			WithDetails("got", proof.Domain.VerifyingContract).
			WithDetails("want", expected.TokenAddress)
	}
	if proof.TokenAddress != "" && !sameAddress(proof.TokenAddress, expected.TokenAddress) {
		return x402.Invalid("tokenAddress mismatch").
			WithDetails("got", proof.TokenAddress).
			WithDetails("want", expected.TokenAddress)
	}
	if !sameAddress(proof.Message.To, expected.Recipient) {
		return x402.Invalid("recipient mismatch").
			WithDetails("got", proof.Message.To).
			WithDetails("want", expected.Recipient)
	}

	value, ok := new(big.Int).SetString(proof.Message.Value, 10)
	if !ok || value.Cmp(amount) != 0 {
		return x402.Invalid("value mismatch").
			WithDetails("got", proof.Message.Value).
			WithDetails("want", amount.String())
	}
	return nil
}
