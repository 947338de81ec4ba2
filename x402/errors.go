package x402

import (
	"errors"
	"net/http"
)

// Sentinel errors for x402 payment operations.
var (
	// ErrRecipientNotConfigured indicates the server has no payout address.
	ErrRecipientNotConfigured = errors.New("x402: recipient not configured")

	// ErrUnknownToken indicates a token symbol or address missing from the registry.
	ErrUnknownToken = errors.New("x402: unknown token")

	// ErrInvalidAmount indicates an invalid amount string.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidAddress indicates a malformed account or contract address.
	ErrInvalidAddress = errors.New("x402: invalid address")

	// ErrInvalidNetwork indicates an unsupported or malformed network identifier.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("x402: invalid private key")

	// ErrNoWallet indicates no wallet is connected on the client.
	ErrNoWallet = errors.New("x402: no wallet connected")

	// ErrUserRejected indicates the wallet holder declined to sign.
	ErrUserRejected = errors.New("x402: user rejected signing")

	// ErrTokenNotAllowed indicates an offer for a token outside the client's allow-list.
	ErrTokenNotAllowed = errors.New("x402: offered token not allowed")

	// ErrAmountExceeded indicates the offer asks for more than the client allows per call.
	ErrAmountExceeded = errors.New("x402: payment amount exceeds per-call limit")

	// ErrUnsupportedScheme indicates an offer scheme the client cannot satisfy.
	ErrUnsupportedScheme = errors.New("x402: unsupported payment scheme")

	// ErrSigningFailed indicates the payment signing operation failed.
	ErrSigningFailed = errors.New("x402: payment signing failed")

	// ErrTransferReverted indicates the client's own transfer did not succeed on chain.
	ErrTransferReverted = errors.New("x402: payment transfer reverted")

	// ErrMalformedHeader indicates the X-PAYMENT header could not be decoded.
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrMalformedOffer indicates a 402 body that is not a usable PaymentOffer.
	ErrMalformedOffer = errors.New("x402: malformed payment offer")

	// ErrPaymentRequired indicates the paid retry was answered with another 402.
	ErrPaymentRequired = errors.New("x402: payment required")

	// ErrFacilitatorUnavailable indicates the facilitator service is unavailable.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")

	// ErrPaymentInvalid indicates a proof that does not satisfy the offer.
	ErrPaymentInvalid = errors.New("x402: payment invalid")

	// ErrSettlementFailed indicates payment settlement failed for infrastructure reasons.
	ErrSettlementFailed = errors.New("x402: payment settlement failed")
)

// ErrorKind is the machine readable failure reason returned to clients.
type ErrorKind string

const (
	// KindPaymentInvalid covers field mismatches, bad signatures, expired windows and reverts.
	KindPaymentInvalid ErrorKind = "payment_invalid"

	// KindRecipientNotConfigured is a server misconfiguration surfaced as 500.
	KindRecipientNotConfigured ErrorKind = "recipient_not_configured"

	// KindSettleFailed is a transient failure while submitting or confirming settlement.
	KindSettleFailed ErrorKind = "settle_failed"

	// KindConfiguration is any other server misconfiguration.
	KindConfiguration ErrorKind = "configuration_error"

	// KindPayloadInvalid marks a proof header that could not be decoded.
	KindPayloadInvalid ErrorKind = "payment_payload_invalid"
)

// StatusCode maps an error kind to the HTTP status returned by the gate.
func StatusCode(kind ErrorKind) int {
	switch kind {
	case KindRecipientNotConfigured, KindConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusPaymentRequired
	}
}

// Retryable reports whether a client may pay again after this kind of failure.
// A retry after payment_invalid needs a freshly signed proof.
func (k ErrorKind) Retryable() bool {
	return k == KindSettleFailed || k == KindPaymentInvalid
}

// PaymentError provides structured error information for settlement failures.
type PaymentError struct {
	// Kind is the error kind for programmatic handling.
	Kind ErrorKind

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given kind and message.
func NewPaymentError(kind ErrorKind, message string, err error) *PaymentError {
	return &PaymentError{
		Kind:    kind,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Invalid is shorthand for a payment_invalid PaymentError wrapping ErrPaymentInvalid.
func Invalid(message string) *PaymentError {
	return NewPaymentError(KindPaymentInvalid, message, ErrPaymentInvalid)
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ConfigurationError reports a server setup problem. It is always a 500.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return "x402: configuration error: " + e.Field + ": " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// DecodeError reports a malformed payment header or offer body.
// Reason is safe to log; it is never sent to clients.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "x402: decode: " + e.Reason + ": " + e.Err.Error()
	}
	return "x402: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// KindOf classifies an error returned by the offer builder or a settler.
// Unclassified errors are treated as settle_failed.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var paymentErr *PaymentError
	if errors.As(err, &paymentErr) && paymentErr.Kind != "" {
		return paymentErr.Kind
	}

	if errors.Is(err, ErrRecipientNotConfigured) {
		return KindRecipientNotConfigured
	}

	var configErr *ConfigurationError
	if errors.As(err, &configErr) {
		return KindConfiguration
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return KindPayloadInvalid
	}

	if errors.Is(err, ErrPaymentInvalid) {
		return KindPaymentInvalid
	}

	return KindSettleFailed
}
