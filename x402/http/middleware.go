package http

import (
	"context"
	"net/http"

	"github.com/CeloMX/celo-mx/x402"
	"github.com/CeloMX/celo-mx/x402/http/internal/helpers"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PaymentContextKey is the context key for storing the settlement of a paid request.
const PaymentContextKey = contextKey("x402_payment")

// NewX402Middleware creates a payment gate middleware.
//
// Requests without a proof get a 402 carrying a fresh offer. Requests with a
// proof are settled before the protected handler runs; the handler only sees
// paid requests and can read the settlement with GetPaymentFromContext.
func NewX402Middleware(config Config) func(http.Handler) http.Handler {
	return NewGate(config).Middleware
}

// Middleware wraps next with the gate.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gateReq := g.RequestFor(r)
		requestID := gateReq.RequestID
		w.Header().Set(helpers.RequestIDHeader, requestID)

		decision := g.Evaluate(r.Context(), gateReq)
		if !decision.Paid() {
			if err := helpers.SendPaymentRequired(w, decision.Status, decision.Body); err != nil {
				g.logger.Error("failed to send payment required response", "requestId", requestID, "error", err)
			}
			return
		}

		if err := helpers.AddPaymentResponseHeader(w, decision.Result); err != nil {
			// The payment settled; serve the resource anyway.
			g.logger.Warn("failed to add payment response header", "requestId", requestID, "error", err)
		}

		next.ServeHTTP(w, r.WithContext(WithPayment(r.Context(), decision.Result)))
	})
}

// RequestFor reads the proof, resource URL and request id of r. Framework
// adapters use it to feed Evaluate.
func (g *Gate) RequestFor(r *http.Request) Request {
	resource := g.config.Resource
	if resource == "" {
		resource = helpers.BuildResourceURL(r)
	}
	return Request{
		Proof:     helpers.PaymentHeader(r),
		Resource:  resource,
		RequestID: helpers.RequestID(r),
	}
}

// WithPayment returns a copy of ctx carrying the settlement of a paid request.
func WithPayment(ctx context.Context, result *x402.SettlementResult) context.Context {
	return context.WithValue(ctx, PaymentContextKey, result)
}

// GetPaymentFromContext extracts the settlement of a paid request.
// Returns nil if the request did not pass through the gate.
func GetPaymentFromContext(ctx context.Context) *x402.SettlementResult {
	result, ok := ctx.Value(PaymentContextKey).(*x402.SettlementResult)
	if !ok {
		return nil
	}
	return result
}

// ReceiptHandler answers a paid request with its settlement, e.g.
// {"ok":true,"txHash":"0x..."}. Mount it behind the middleware.
func ReceiptHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := GetPaymentFromContext(r.Context())
		if result == nil {
			_ = helpers.WriteJSON(w, http.StatusInternalServerError, x402.OfferResponse{Error: x402.KindConfiguration})
			return
		}
		_ = helpers.WriteJSON(w, http.StatusOK, result)
	})
}
