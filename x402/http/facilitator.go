package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/CeloMX/celo-mx/x402"
	"github.com/CeloMX/celo-mx/x402/facilitator"
	"github.com/CeloMX/celo-mx/x402/retry"
	"github.com/CeloMX/celo-mx/x402/settle"
)

// AuthorizationProvider is a function that returns an Authorization header value.
// This is useful for dynamic tokens (e.g., JWT refresh) where the value may change.
//
// The provider is called on each HTTP request, including retry attempts, and
// may be called concurrently.
type AuthorizationProvider func(*http.Request) string

// FacilitatorClient settles signed authorizations through a remote
// facilitator service. Wrap it in settle.NewFacilitatorSettler to use it in a Gate.
type FacilitatorClient struct {
	// BaseURL is the facilitator service URL (e.g., "https://facilitator.celomx.io").
	BaseURL string

	// Client is the HTTP client to use for requests. If nil, http.DefaultClient is used.
	Client *http.Client

	// Timeouts bounds each call when the caller's context has no deadline.
	Timeouts x402.TimeoutConfig

	// MaxRetries is the maximum number of retry attempts for failed requests (default: 0).
	// Settling is not idempotent, so only requests the facilitator never
	// processed are retried: dial failures, 429 and 503.
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts (default: 100ms).
	// Exponential backoff is applied with a multiplier of 2.0.
	RetryDelay time.Duration

	// Authorization is a static Authorization header value (e.g., "Bearer token").
	// If AuthorizationProvider is also set, the provider takes precedence.
	Authorization string

	// AuthorizationProvider returns the Authorization header per request.
	AuthorizationProvider AuthorizationProvider
}

var (
	_ facilitator.Interface = (*FacilitatorClient)(nil)
	_ settle.Executor       = (*FacilitatorClient)(nil)
)

// NewFacilitatorClient creates a client for the facilitator at baseURL.
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		BaseURL:  baseURL,
		Timeouts: x402.DefaultTimeouts,
	}
}

func (c *FacilitatorClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *FacilitatorClient) setAuthorizationHeader(req *http.Request) {
	var authValue string
	if c.AuthorizationProvider != nil {
		authValue = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
}

func (c *FacilitatorClient) retryConfig() retry.Config {
	retryDelay := c.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return retry.Config{
		MaxAttempts:  maxRetries + 1,
		InitialDelay: retryDelay,
		MaxDelay:     retryDelay * 4,
		Multiplier:   2.0,
	}
}

// withTimeout applies d only when ctx carries no deadline of its own.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline || d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// Execute posts the authorization to /settle and returns the mined result.
//
// A rejection carries the facilitator's errorKind. Unreachable or overloaded
// facilitators are retried up to MaxRetries and then reported as settle_failed.
// Failures after the request may have been handled (a dropped connection,
// 502, 504) are settle_failed without a retry.
func (c *FacilitatorClient) Execute(ctx context.Context, proof x402.PaymentProof) (*x402.SettlementResult, error) {
	if proof.IsTransfer() {
		return nil, x402.Invalid("facilitator settles signed authorizations only")
	}

	data, err := json.Marshal(facilitator.SettleRequest{
		X402Version: facilitator.Version,
		Proof:       proof,
	})
	if err != nil {
		return nil, x402.NewPaymentError(x402.KindPayloadInvalid, "failed to marshal request", err)
	}

	result, err := retry.WithRetry(ctx, c.retryConfig(), isFacilitatorUnavailableError, func() (*x402.SettlementResult, error) {
		reqCtx, cancel := withTimeout(ctx, c.Timeouts.OrDefault().SettleTimeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.BaseURL+"/settle", bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.setAuthorizationHeader(httpReq)

		httpResp, err := c.httpClient().Do(httpReq)
		if err != nil {
			if isDialError(err) {
				return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
			}
			return nil, x402.NewPaymentError(x402.KindSettleFailed, "facilitator outcome unknown", errors.Join(x402.ErrSettlementFailed, err))
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, parseErrorResponse(httpResp)
		}

		var settleResp x402.SettlementResult
		if err := json.NewDecoder(io.LimitReader(httpResp.Body, maxFacilitatorBody)).Decode(&settleResp); err != nil {
			return nil, x402.NewPaymentError(x402.KindSettleFailed, "failed to decode settle response", err)
		}
		return &settleResp, nil
	})
	if err != nil {
		if isFacilitatorUnavailableError(err) {
			return nil, x402.NewPaymentError(x402.KindSettleFailed, "facilitator unavailable", err)
		}
		return nil, err
	}

	if result.Payer == "" {
		result.Payer = proof.Message.From
	}
	return result, nil
}

// Supported queries the facilitator for the schemes and tokens it settles.
func (c *FacilitatorClient) Supported(ctx context.Context) (*facilitator.SupportedResponse, error) {
	reqCtx, cancel := withTimeout(ctx, c.Timeouts.OrDefault().VerifyTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthorizationHeader(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supported endpoint failed: status %d", httpResp.StatusCode)
	}

	var supportedResp facilitator.SupportedResponse
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, maxFacilitatorBody)).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}

	return &supportedResp, nil
}

const maxFacilitatorBody = 1 << 20

// parseErrorResponse turns a non-200 /settle answer into an error. Statuses
// that mean the request was refused unprocessed wrap ErrFacilitatorUnavailable
// so they are retried.
func parseErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return fmt.Errorf("%w: status %d", x402.ErrFacilitatorUnavailable, resp.StatusCode)
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return x402.NewPaymentError(x402.KindSettleFailed, fmt.Sprintf("facilitator outcome unknown: status %d", resp.StatusCode), x402.ErrSettlementFailed)
	}

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxFacilitatorBody))

	var errBody facilitator.ErrorResponse
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil && errBody.ErrorKind != "" {
		base := x402.ErrSettlementFailed
		if errBody.ErrorKind == x402.KindPaymentInvalid {
			base = x402.ErrPaymentInvalid
		}
		message := fmt.Sprintf("facilitator rejected settlement: status %d", resp.StatusCode)
		if errBody.Message != "" {
			message += ", reason: " + errBody.Message
		}
		return x402.NewPaymentError(errBody.ErrorKind, message, base)
	}

	if len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		return x402.NewPaymentError(x402.KindSettleFailed, fmt.Sprintf("facilitator status %d, body: %s", resp.StatusCode, bodyBytes), x402.ErrSettlementFailed)
	}
	return x402.NewPaymentError(x402.KindSettleFailed, fmt.Sprintf("facilitator status %d", resp.StatusCode), x402.ErrSettlementFailed)
}

func isFacilitatorUnavailableError(err error) bool {
	return errors.Is(err, x402.ErrFacilitatorUnavailable)
}

// isDialError reports whether the request failed before reaching the facilitator.
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
