// Package settle verifies payment proofs against an offer and settles them.
//
// Two backends are provided. DirectVerifier checks that a transaction hash
// points to a successful ERC-20 transfer paying the expected amount; it never
// sends anything. FacilitatorSettler checks a signed EIP-3009 authorization
// field by field and hands it to an Executor (a local relayer or a remote
// facilitator) which submits it on chain and waits for it to be mined.
//
// Every failure is a *x402.PaymentError or *x402.ConfigurationError, so
// x402.KindOf classifies it for the HTTP layer.
package settle

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CeloMX/celo-mx/x402"
	"github.com/CeloMX/celo-mx/x402/internal/eip3009"
)

// Settler verifies a proof against what the server asked for and, when the
// backend requires it, settles it on chain.
type Settler interface {
	Settle(ctx context.Context, proof x402.PaymentProof, expected x402.Expectation) (*x402.SettlementResult, error)
}

// Executor executes a signed authorization on chain. It is implemented by
// RelayExecutor and by the remote facilitator client in x402/http.
type Executor interface {
	Execute(ctx context.Context, proof x402.PaymentProof) (*x402.SettlementResult, error)
}

// SettlerFunc adapts a function to the Settler interface.
type SettlerFunc func(ctx context.Context, proof x402.PaymentProof, expected x402.Expectation) (*x402.SettlementResult, error)

// Settle calls f.
func (f SettlerFunc) Settle(ctx context.Context, proof x402.PaymentProof, expected x402.Expectation) (*x402.SettlementResult, error) {
	return f(ctx, proof, expected)
}

type options struct {
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a settler or executor.
type Option func(*options)

// WithTimeout bounds a single Settle or Execute call.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides time.Now for window checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(defaultTimeout time.Duration, opts []Option) options {
	o := options{
		timeout: defaultTimeout,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// settleFailed wraps an infrastructure error. A context deadline reached while
// waiting is reported the same way.
func settleFailed(message string, err error) *x402.PaymentError {
	if err == nil {
		err = x402.ErrSettlementFailed
	}
	return x402.NewPaymentError(x402.KindSettleFailed, message, err)
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// parseAmount parses an atomic amount from an expectation.
func parseAmount(value string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, false
	}
	return amount, true
}

// CheckAuthorization decodes a proof and verifies what can be verified
// off chain: the validity window at now and that the signature recovers to
// message.from. The token contract remains the authority on nonce reuse.
func CheckAuthorization(proof x402.PaymentProof, now time.Time) (eip3009.Domain, *eip3009.Authorization, []byte, error) {
	domain, auth, signature, err := x402.ProofAuthorization(proof)
	if err != nil {
		return domain, nil, nil, x402.NewPaymentError(x402.KindPaymentInvalid, "malformed authorization", errors.Join(x402.ErrPaymentInvalid, err))
	}

	unix := big.NewInt(now.Unix())
	if auth.ValidBefore.Cmp(unix) <= 0 {
		return domain, nil, nil, x402.Invalid("authorization expired").
			WithDetails("validBefore", auth.ValidBefore.String()).
			WithDetails("now", unix.String())
	}
	if auth.ValidAfter.Cmp(unix) > 0 {
		return domain, nil, nil, x402.Invalid("authorization not yet valid").
			WithDetails("validAfter", auth.ValidAfter.String()).
			WithDetails("now", unix.String())
	}

	signer, err := eip3009.Recover(domain, auth, signature)
	if err != nil {
		return domain, nil, nil, x402.NewPaymentError(x402.KindPaymentInvalid, "signature does not recover", errors.Join(x402.ErrPaymentInvalid, err))
	}
	if signer != auth.From {
		return domain, nil, nil, x402.Invalid("signature is not from payer").
			WithDetails("from", auth.From.Hex()).
			WithDetails("signer", signer.Hex())
	}

	return domain, auth, signature, nil
}

func sameAddress(a, b string) bool {
	return common.IsHexAddress(a) && common.IsHexAddress(b) && common.HexToAddress(a) == common.HexToAddress(b)
}
