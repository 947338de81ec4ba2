package x402

import (
	"fmt"
	"time"
)

// TimeoutConfig holds timeout configuration for payment operations.
type TimeoutConfig struct {
	// VerifyTimeout bounds read-only chain lookups and facilitator queries.
	VerifyTimeout time.Duration

	// SettleTimeout bounds a complete verify-and-settle call on the server.
	SettleTimeout time.Duration

	// RequestTimeout is the overall timeout for the paid retry request.
	RequestTimeout time.Duration

	// ConfirmTimeout bounds waiting for a submitted transaction to be mined.
	ConfirmTimeout time.Duration
}

// DefaultTimeouts provides sensible defaults for payment operations.
var DefaultTimeouts = TimeoutConfig{
	VerifyTimeout:  5 * time.Second,
	SettleTimeout:  30 * time.Second,
	RequestTimeout: 120 * time.Second,
	ConfirmTimeout: 60 * time.Second,
}

// WithVerifyTimeout returns a new TimeoutConfig with updated verify timeout.
func (tc TimeoutConfig) WithVerifyTimeout(d time.Duration) TimeoutConfig {
	tc.VerifyTimeout = d
	return tc
}

// WithSettleTimeout returns a new TimeoutConfig with updated settle timeout.
func (tc TimeoutConfig) WithSettleTimeout(d time.Duration) TimeoutConfig {
	tc.SettleTimeout = d
	return tc
}

// WithRequestTimeout returns a new TimeoutConfig with updated request timeout.
func (tc TimeoutConfig) WithRequestTimeout(d time.Duration) TimeoutConfig {
	tc.RequestTimeout = d
	return tc
}

// WithConfirmTimeout returns a new TimeoutConfig with updated confirmation timeout.
func (tc TimeoutConfig) WithConfirmTimeout(d time.Duration) TimeoutConfig {
	tc.ConfirmTimeout = d
	return tc
}

// OrDefault fills zero fields from DefaultTimeouts.
func (tc TimeoutConfig) OrDefault() TimeoutConfig {
	if tc.VerifyTimeout <= 0 {
		tc.VerifyTimeout = DefaultTimeouts.VerifyTimeout
	}
	if tc.SettleTimeout <= 0 {
		tc.SettleTimeout = DefaultTimeouts.SettleTimeout
	}
	if tc.RequestTimeout <= 0 {
		tc.RequestTimeout = DefaultTimeouts.RequestTimeout
	}
	if tc.ConfirmTimeout <= 0 {
		tc.ConfirmTimeout = DefaultTimeouts.ConfirmTimeout
	}
	return tc
}

// Validate ensures timeout values are reasonable.
func (tc TimeoutConfig) Validate() error {
	if tc.VerifyTimeout <= 0 {
		return fmt.Errorf("verify timeout must be positive, got %v", tc.VerifyTimeout)
	}
	if tc.SettleTimeout <= 0 {
		return fmt.Errorf("settle timeout must be positive, got %v", tc.SettleTimeout)
	}
	if tc.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", tc.RequestTimeout)
	}
	if tc.ConfirmTimeout <= 0 {
		return fmt.Errorf("confirm timeout must be positive, got %v", tc.ConfirmTimeout)
	}
	if tc.SettleTimeout < tc.VerifyTimeout {
		return fmt.Errorf("settle timeout (%v) should be >= verify timeout (%v)",
			tc.SettleTimeout, tc.VerifyTimeout)
	}
	return nil
}
