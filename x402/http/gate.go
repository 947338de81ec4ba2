// Package http provides the net/http surfaces of the x402 protocol: the Gate
// and its middleware, the paying client transport, and the remote facilitator
// client and handler.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/CeloMX/celo-mx/x402"
	"github.com/CeloMX/celo-mx/x402/encoding"
	"github.com/CeloMX/celo-mx/x402/settle"
)

// Config holds the configuration of a payment gate.
type Config struct {
	// Registry resolves TokenSymbol. Defaults to x402.DefaultTokens().
	Registry *x402.TokenRegistry

	// Amount is the price in human units, e.g. "1.00".
	Amount string

	// TokenSymbol names the token to charge in.
	TokenSymbol string

	// Recipient is the payout address. An empty value makes every gated
	// request fail with recipient_not_configured.
	Recipient string

	// ChainID selects the token deployment when the symbol exists on several chains.
	ChainID int64

	// Scheme forces x402.SchemeEIP3009 or x402.SchemeTransfer. Inferred from
	// the token's signing domain when empty.
	Scheme string

	// EIP712 overrides the token's signing domain.
	EIP712 *x402.EIP712Info

	// Resource is echoed in the offer. Defaults to the request URL.
	Resource string

	// Settler verifies and settles presented proofs.
	Settler settle.Settler

	// Timeouts bounds settlement. Zero fields use x402.DefaultTimeouts.
	Timeouts x402.TimeoutConfig

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Request is one gate evaluation.
type Request struct {
	// Proof is the raw X-PAYMENT header value. Empty means no proof.
	Proof string

	// Resource is the URL of the protected resource.
	Resource string

	// RequestID tags log records.
	RequestID string
}

// Decision is the outcome of a gate evaluation.
type Decision struct {
	// Status is the HTTP status to answer with when the request is not paid.
	// It is 200 for paid requests.
	Status int

	// Body is the JSON body of a 402 or 500 answer.
	Body x402.OfferResponse

	// Result is set when the payment settled.
	Result *x402.SettlementResult
}

// Paid reports whether the protected handler may run.
func (d Decision) Paid() bool {
	return d.Result != nil && d.Result.OK
}

// Gate decides, per request, whether a protected resource may be served.
// It keeps no state between requests and is safe for concurrent use.
type Gate struct {
	config   Config
	timeouts x402.TimeoutConfig
	logger   *slog.Logger
}

// NewGate creates a gate. Configuration problems are not reported here: they
// surface as 500 responses on every gated request so a misconfigured server
// never issues an offer it cannot honor.
func NewGate(config Config) *Gate {
	if config.Registry == nil {
		config.Registry = x402.MustTokenRegistry(x402.DefaultTokens()...)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		config:   config,
		timeouts: config.Timeouts.OrDefault(),
		logger:   logger,
	}
}

// Offer builds the offer for a resource.
func (g *Gate) Offer(resource string) (x402.PaymentOffer, error) {
	return x402.BuildOffer(g.config.Registry, x402.OfferParams{
		Amount:      g.config.Amount,
		TokenSymbol: g.config.TokenSymbol,
		Recipient:   g.config.Recipient,
		ChainID:     g.config.ChainID,
		Scheme:      g.config.Scheme,
		EIP712:      g.config.EIP712,
		Resource:    resource,
	})
}

// Evaluate runs the gate state machine for one request.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	logger := g.logger.With("requestId", req.RequestID, "resource", req.Resource)

	offer, err := g.Offer(req.Resource)
	if err != nil {
		kind := x402.KindOf(err)
		logger.Error("cannot build payment offer", "kind", kind, "error", err)
		return rejected(kind)
	}
	if g.config.Settler == nil {
		logger.Error("no settler configured", "kind", x402.KindConfiguration)
		return rejected(x402.KindConfiguration)
	}

	if req.Proof == "" {
		logger.Info("payment required", "token", offer.TokenSymbol, "amountAtomic", offer.AmountAtomic, "scheme", offer.Scheme)
		return Decision{Status: http.StatusPaymentRequired, Body: x402.OfferResponse{Payment: &offer}}
	}

	proof, err := encoding.DecodeProof(req.Proof)
	if err != nil {
		logger.Warn("invalid payment header", "error", err)
		return Decision{
			Status: http.StatusPaymentRequired,
			Body:   x402.OfferResponse{Payment: &offer, Error: x402.KindPayloadInvalid},
		}
	}

	settleCtx, cancel := context.WithTimeout(ctx, g.timeouts.SettleTimeout)
	defer cancel()

	result, err := g.config.Settler.Settle(settleCtx, proof, offer.Expectation())
	if err == nil && (result == nil || !result.OK) {
		kind := x402.KindSettleFailed
		if result != nil && result.ErrorKind != "" {
			kind = result.ErrorKind
		}
		err = x402.NewPaymentError(kind, "settlement returned no result", x402.ErrSettlementFailed)
	}
	if err != nil {
		kind := x402.KindOf(err)
		if errors.Is(err, context.DeadlineExceeded) {
			kind = x402.KindSettleFailed
		}
		if x402.StatusCode(kind) == http.StatusInternalServerError || kind == x402.KindSettleFailed {
			logger.Error("payment settlement failed", "kind", kind, "error", err)
		} else {
			logger.Warn("payment rejected", "kind", kind, "error", err)
		}
		return rejected(kind)
	}

	logger.Info("payment settled", "txHash", result.TxHash, "payer", result.Payer, "network", result.Network)
	return Decision{Status: http.StatusOK, Result: result}
}

func rejected(kind x402.ErrorKind) Decision {
	return Decision{Status: x402.StatusCode(kind), Body: x402.OfferResponse{Error: kind}}
}
