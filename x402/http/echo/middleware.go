// Package echo provides Echo-compatible middleware for x402 payment gating.
// Like the gin adapter it only translates echo.Context and delegates the
// payment decision to the x402/http Gate.
package echo

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/CeloMX/celo-mx/x402"
	x402http "github.com/CeloMX/celo-mx/x402/http"
	"github.com/CeloMX/celo-mx/x402/http/internal/helpers"
)

// Config is an alias for x402http.Config for convenience.
type Config = x402http.Config

// PaymentContextKey is the echo context key for storing the settlement of a paid request.
const PaymentContextKey = "x402_payment"

// NewX402Middleware creates a payment gate for Echo. Unpaid requests are
// answered with the gate's JSON body and never reach next.
//
//	e := echo.New()
//	e.GET("/api/x402/cmt", handler, x402echo.NewX402Middleware(config))
func NewX402Middleware(config Config) echo.MiddlewareFunc {
	gate := x402http.NewGate(config)
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			req := gate.RequestFor(r)
			c.Response().Header().Set(helpers.RequestIDHeader, req.RequestID)

			decision := gate.Evaluate(r.Context(), req)
			if !decision.Paid() {
				return c.JSON(decision.Status, decision.Body)
			}

			if err := helpers.AddPaymentResponseHeader(c.Response(), decision.Result); err != nil {
				logger.Warn("failed to add payment response header", "requestId", req.RequestID, "error", err)
			}

			c.Set(PaymentContextKey, decision.Result)
			c.SetRequest(r.WithContext(x402http.WithPayment(r.Context(), decision.Result)))
			return next(c)
		}
	}
}

// GetPaymentFromContext extracts the settlement from the Echo context.
func GetPaymentFromContext(c echo.Context) *x402.SettlementResult {
	result, _ := c.Get(PaymentContextKey).(*x402.SettlementResult)
	return result
}
