// Package gin provides Gin-compatible middleware for x402 payment gating.
// This package is a thin adapter that translates gin.Context to stdlib http patterns
// and delegates all payment verification and settlement logic to the x402/http Gate.
package gin

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/CeloMX/celo-mx/x402"
	x402http "github.com/CeloMX/celo-mx/x402/http"
	"github.com/CeloMX/celo-mx/x402/http/internal/helpers"
)

// Config is an alias for x402http.Config for convenience.
type Config = x402http.Config

// PaymentContextKey is the gin context key for storing the settlement of a paid request.
const PaymentContextKey = "x402_payment"

// NewX402Middleware creates a payment gate for Gin.
//
// The middleware:
//   - Answers requests without X-PAYMENT with 402 and a fresh offer
//   - Settles presented proofs before the handler chain continues
//   - Calls c.AbortWithStatusJSON with {"error": kind} when settlement fails
//   - Sets X-PAYMENT-RESPONSE and X-Payment-Tx-Hash on success
//   - Stores the settlement via c.Set("x402_payment", result) and in the request context
//
// Example usage:
//
//	r := gin.Default()
//	r.GET("/api/secret-data", gin.NewX402Middleware(gin.Config{
//	    Amount:      "1.00",
//	    TokenSymbol: "cUSD",
//	    Recipient:   os.Getenv("X402_RECIPIENT_ADDRESS"),
//	    Settler:     settle.NewDirectVerifier(chainClient),
//	}), func(c *gin.Context) {
//	    c.JSON(200, gin.GetPaymentFromContext(c))
//	})
func NewX402Middleware(config Config) gin.HandlerFunc {
	gate := x402http.NewGate(config)
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		req := gate.RequestFor(c.Request)
		c.Header(helpers.RequestIDHeader, req.RequestID)

		decision := gate.Evaluate(c.Request.Context(), req)
		if !decision.Paid() {
			c.AbortWithStatusJSON(decision.Status, decision.Body)
			return
		}

		if err := helpers.AddPaymentResponseHeader(c.Writer, decision.Result); err != nil {
			logger.Warn("failed to add payment response header", "requestId", req.RequestID, "error", err)
		}

		c.Set(PaymentContextKey, decision.Result)
		c.Request = c.Request.WithContext(x402http.WithPayment(c.Request.Context(), decision.Result))

		c.Next()
	}
}

// GetPaymentFromContext extracts the settlement from the Gin context.
// Returns nil if the request did not pass through the gate.
func GetPaymentFromContext(c *gin.Context) *x402.SettlementResult {
	value, exists := c.Get(PaymentContextKey)
	if !exists {
		return nil
	}
	result, ok := value.(*x402.SettlementResult)
	if !ok {
		return nil
	}
	return result
}
