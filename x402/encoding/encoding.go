// Package encoding converts x402 payment data to and from its wire forms.
//
// Proofs travel in the X-PAYMENT header as base64 JSON (raw JSON and a bare
// transaction hash are also accepted). Offers travel as the JSON body of a 402
// response. Settlement results travel base64 encoded in X-PAYMENT-RESPONSE.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/CeloMX/celo-mx/x402"
	"github.com/CeloMX/celo-mx/x402/validation"
)

// base64 variants tried by DecodeProof, in order.
var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.URLEncoding,
	base64.RawStdEncoding,
	base64.RawURLEncoding,
}

// EncodeProof converts a PaymentProof to its header value. Transfer proofs are
// the bare transaction hash; authorization proofs are base64-encoded JSON.
//
// Returns an error if JSON marshaling fails.
func EncodeProof(proof x402.PaymentProof) (string, error) {
	if proof.IsTransfer() {
		return proof.TxHash, nil
	}
	proofJSON, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(proofJSON), nil
}

// EncodeProofJSON is EncodeProof without the base64 layer.
func EncodeProofJSON(proof x402.PaymentProof) (string, error) {
	if proof.IsTransfer() {
		return proof.TxHash, nil
	}
	proofJSON, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof: %w", err)
	}
	return string(proofJSON), nil
}

// DecodeProof parses a header value into a PaymentProof. Raw JSON is tried
// first, then base64 JSON, then a bare transaction hash.
//
// It never panics on malformed input. Every failure is a *x402.DecodeError so
// callers can answer with a fresh offer instead of a 500.
func DecodeProof(value string) (x402.PaymentProof, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return x402.PaymentProof{}, &x402.DecodeError{Reason: "empty header", Err: x402.ErrMalformedHeader}
	}

	if validation.IsTxHash(value) {
		return x402.PaymentProof{TxHash: value}, nil
	}

	raw := []byte(value)
	if !strings.HasPrefix(value, "{") {
		decoded, err := decodeBase64(value)
		if err != nil {
			return x402.PaymentProof{}, &x402.DecodeError{Reason: "neither JSON nor base64", Err: x402.ErrMalformedHeader}
		}
		raw = decoded
	}

	var w proofWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return x402.PaymentProof{}, &x402.DecodeError{Reason: "invalid proof JSON", Err: x402.ErrMalformedHeader}
	}

	proof := w.proof()
	if err := validation.ValidateProof(proof); err != nil {
		return x402.PaymentProof{}, &x402.DecodeError{Reason: err.Error(), Err: x402.ErrMalformedHeader}
	}
	return proof, nil
}

func decodeBase64(value string) ([]byte, error) {
	var lastErr error
	for _, enc := range base64Encodings {
		decoded, err := enc.DecodeString(value)
		if err == nil {
			return decoded, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// EncodeSettlement converts a SettlementResult to base64-encoded JSON for the
// X-PAYMENT-RESPONSE header.
//
// Returns an error if JSON marshaling fails.
func EncodeSettlement(settlement x402.SettlementResult) (string, error) {
	settlementJSON, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(settlementJSON), nil
}

// DecodeSettlement converts a base64-encoded JSON string to SettlementResult.
//
// Returns an error if base64 decoding or JSON unmarshaling fails.
func DecodeSettlement(encoded string) (x402.SettlementResult, error) {
	var settlement x402.SettlementResult

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return settlement, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &settlement); err != nil {
		return settlement, fmt.Errorf("failed to unmarshal settlement: %w", err)
	}

	return settlement, nil
}
