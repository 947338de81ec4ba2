// Package helpers provides internal HTTP utilities for x402 protocol handling.
package helpers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/CeloMX/celo-mx/x402"
	"github.com/CeloMX/celo-mx/x402/encoding"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-Id"

// MaxOfferBody bounds how much of a 402 body a client reads.
const MaxOfferBody = 64 << 10

// ErrNilSettlement is returned when settlement is nil in AddPaymentResponseHeader.
var ErrNilSettlement = errors.New("settlement is nil")

// PaymentHeader returns the proof header value, preferring X-PAYMENT over
// PAYMENT-SIGNATURE.
func PaymentHeader(r *http.Request) string {
	if value := r.Header.Get(x402.PaymentHeader); value != "" {
		return value
	}
	return r.Header.Get(x402.PaymentHeaderAlt)
}

// ParsePaymentHeader extracts and decodes the proof of a request.
// Returns a *x402.DecodeError if the header is missing or malformed.
func ParsePaymentHeader(r *http.Request) (x402.PaymentProof, error) {
	value := PaymentHeader(r)
	if value == "" {
		return x402.PaymentProof{}, &x402.DecodeError{Reason: "missing header", Err: x402.ErrMalformedHeader}
	}
	return encoding.DecodeProof(value)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return nil
}

// SendPaymentRequired writes a gate response. body.Payment is the offer for
// 402s; body.Error is the failure kind, if any.
func SendPaymentRequired(w http.ResponseWriter, status int, body x402.OfferResponse) error {
	return WriteJSON(w, status, body)
}

// AddPaymentResponseHeader sets X-PAYMENT-RESPONSE and, when the settlement
// produced a transaction, X-Payment-Tx-Hash.
func AddPaymentResponseHeader(w http.ResponseWriter, settlement *x402.SettlementResult) error {
	if settlement == nil {
		return fmt.Errorf("AddPaymentResponseHeader: %w", ErrNilSettlement)
	}
	encoded, err := encoding.EncodeSettlement(*settlement)
	if err != nil {
		return fmt.Errorf("AddPaymentResponseHeader: encode settlement: %w", err)
	}
	w.Header().Set(x402.PaymentResponseHeader, encoded)
	if settlement.TxHash != "" {
		w.Header().Set(x402.TxHashHeader, settlement.TxHash)
	}
	return nil
}

// ReadOffer reads and decodes the offer of a 402 response. The body is
// restored so the response can still be returned to the caller unchanged.
func ReadOffer(resp *http.Response) (x402.PaymentOffer, error) {
	if resp == nil || resp.Body == nil {
		return x402.PaymentOffer{}, &x402.DecodeError{Reason: "missing response body", Err: x402.ErrMalformedOffer}
	}

	original := resp.Body
	body, err := io.ReadAll(io.LimitReader(original, MaxOfferBody+1))
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), original), original}
	if err != nil {
		return x402.PaymentOffer{}, &x402.DecodeError{Reason: "failed to read body", Err: errors.Join(x402.ErrMalformedOffer, err)}
	}
	if len(body) > MaxOfferBody {
		return x402.PaymentOffer{}, &x402.DecodeError{Reason: "offer body too large", Err: x402.ErrMalformedOffer}
	}

	return encoding.DecodeOffer(body)
}

// ParseSettlement returns the settlement reported by a paid response, or nil.
// X-PAYMENT-RESPONSE is preferred; a bare X-Payment-Tx-Hash is accepted.
func ParseSettlement(h http.Header) *x402.SettlementResult {
	if value := h.Get(x402.PaymentResponseHeader); value != "" {
		settlement, err := encoding.DecodeSettlement(value)
		if err == nil {
			return &settlement
		}
	}
	if hash := h.Get(x402.TxHashHeader); hash != "" {
		return &x402.SettlementResult{OK: true, TxHash: hash}
	}
	return nil
}

// BuildPaymentHeader creates the X-PAYMENT header value for a proof.
func BuildPaymentHeader(proof x402.PaymentProof) (string, error) {
	encoded, err := encoding.EncodeProof(proof)
	if err != nil {
		return "", fmt.Errorf("BuildPaymentHeader: encode proof: %w", err)
	}
	return encoded, nil
}

// BuildResourceURL constructs the full URL for the protected resource from the request.
func BuildResourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.RequestURI
}

// RequestID returns the caller's X-Request-Id or a new random id.
func RequestID(r *http.Request) string {
	if id := r.Header.Get(RequestIDHeader); id != "" {
		return id
	}
	return uuid.NewString()
}
