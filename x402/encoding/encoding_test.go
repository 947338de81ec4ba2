package encoding

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/CeloMX/celo-mx/x402"
)

const (
	recipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	payer     = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	txHash    = "0x9b2f1b5c4e3d2a1908f7e6d5c4b3a29180f7e6d5c4b3a29180f7e6d5c4b3a291"
)

func testProof() x402.PaymentProof {
	return x402.PaymentProof{
		Domain: x402.TypedDataDomain{
			Name:              "USDC",
			Version:           "2",
			ChainID:           42220,
			VerifyingContract: x402.USDCCeloAddress,
		},
		EIP712: x402.EIP712Info{Name: "USDC", Version: "2"},
		Message: x402.AuthorizationMessage{
			From:        payer,
			To:          recipient,
			Value:       "10000",
			ValidAfter:  "1760000000",
			ValidBefore: "1760000900",
			Nonce:       "0x" + strings.Repeat("0a", 32),
		},
		Signature:    "0x" + strings.Repeat("cd", 64) + "1c",
		TokenAddress: x402.USDCCeloAddress,
	}
}

func TestEncodeDecodeProof(t *testing.T) {
	original := testProof()

	encoded, err := EncodeProof(original)
	if err != nil {
		t.Fatalf("EncodeProof() error = %v", err)
	}

	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		t.Errorf("EncodeProof() result is not valid base64: %v", err)
	}

	decoded, err := DecodeProof(encoded)
	if err != nil {
		t.Fatalf("DecodeProof() error = %v", err)
	}
	if diff := cmp.Diff(original, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeProof_Formats(t *testing.T) {
	original := testProof()
	rawJSON, err := EncodeProofJSON(original)
	if err != nil {
		t.Fatalf("EncodeProofJSON() error = %v", err)
	}

	tests := []struct {
		name  string
		value string
	}{
		{"raw JSON", rawJSON},
		{"raw JSON with whitespace", "  " + rawJSON + "\n"},
		{"std base64", base64.StdEncoding.EncodeToString([]byte(rawJSON))},
		{"url base64", base64.URLEncoding.EncodeToString([]byte(rawJSON))},
		{"unpadded base64", base64.RawStdEncoding.EncodeToString([]byte(rawJSON))},
		{"unpadded url base64", base64.RawURLEncoding.EncodeToString([]byte(rawJSON))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := DecodeProof(tt.value)
			if err != nil {
				t.Fatalf("DecodeProof() error = %v", err)
			}
			if diff := cmp.Diff(original, decoded); diff != "" {
				t.Errorf("DecodeProof() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeProof_Legacy(t *testing.T) {
	legacy := `{
		"domain": {"name": "USD Coin", "version": "2", "chainId": "0xa4ec", "verifyingContract": "` + x402.CUSDAddress + `"},
		"types": {"TransferWithAuthorization": []},
		"message": {
			"from": "` + payer + `",
			"to": "` + recipient + `",
			"value": 1000000000000000000,
			"validAfter": 1760000000,
			"validBefore": "1760000900",
			"nonce": "0x` + strings.Repeat("0b", 32) + `"
		},
		"signature": "0x` + strings.Repeat("ef", 64) + `1b"
	}`

	proof, err := DecodeProof(base64.StdEncoding.EncodeToString([]byte(legacy)))
	if err != nil {
		t.Fatalf("DecodeProof() error = %v", err)
	}
	if proof.Domain.ChainID != 42220 {
		t.Errorf("ChainID = %d; want 42220", proof.Domain.ChainID)
	}
	if proof.TokenAddress != x402.CUSDAddress {
		t.Errorf("TokenAddress = %s; want verifyingContract fallback", proof.TokenAddress)
	}
	if proof.EIP712 != (x402.EIP712Info{Name: "USD Coin", Version: "2"}) {
		t.Errorf("EIP712 = %+v; want domain fallback", proof.EIP712)
	}
	if proof.Message.Value != "1000000000000000000" || proof.Message.ValidAfter != "1760000000" {
		t.Errorf("numeric fields not normalized: %+v", proof.Message)
	}
}

func TestDecodeProof_HexQuantities(t *testing.T) {
	hexProof := `{
		"domain": {"name": "USDC", "version": "2", "chainId": 42220, "verifyingContract": "` + x402.USDCCeloAddress + `"},
		"message": {
			"from": "` + payer + `",
			"to": "` + recipient + `",
			"value": "0x2710",
			"validAfter": "0x68e7cd00",
			"validBefore": "0X68E7D084",
			"nonce": "0x` + strings.Repeat("0c", 32) + `"
		},
		"signature": "0x` + strings.Repeat("ef", 64) + `1b"
	}`

	proof, err := DecodeProof(hexProof)
	if err != nil {
		t.Fatalf("DecodeProof() error = %v", err)
	}
	want := x402.AuthorizationMessage{
		From:        payer,
		To:          recipient,
		Value:       "10000",
		ValidAfter:  "1760021760",
		ValidBefore: "1760022660",
		Nonce:       "0x" + strings.Repeat("0c", 32),
	}
	if diff := cmp.Diff(want, proof.Message); diff != "" {
		t.Errorf("Message mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeProof_TxHash(t *testing.T) {
	proof, err := DecodeProof(txHash)
	if err != nil {
		t.Fatalf("DecodeProof() error = %v", err)
	}
	if !proof.IsTransfer() || proof.TxHash != txHash {
		t.Errorf("DecodeProof() = %+v; want transfer proof", proof)
	}

	encoded, err := EncodeProof(proof)
	if err != nil {
		t.Fatalf("EncodeProof() error = %v", err)
	}
	if encoded != txHash {
		t.Errorf("EncodeProof() = %s; want bare hash", encoded)
	}
}

func TestDecodeProofErrors(t *testing.T) {
	incomplete := testProof()
	incomplete.Signature = ""
	incompleteJSON, _ := json.Marshal(incomplete)

	tests := []struct {
		name  string
		value string
	}{
		{"empty", ""},
		{"invalid base64", "not-valid-base64!!!"},
		{"valid base64 but invalid JSON", base64.StdEncoding.EncodeToString([]byte("not json"))},
		{"truncated JSON", `{"domain":`},
		{"JSON array", base64.StdEncoding.EncodeToString([]byte(`[1,2,3]`))},
		{"missing signature", string(incompleteJSON)},
		{"short hash", "0x1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeProof(tt.value)
			var decodeErr *x402.DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("expected *x402.DecodeError, got %v", err)
			}
			if !errors.Is(err, x402.ErrMalformedHeader) {
				t.Errorf("expected ErrMalformedHeader, got %v", err)
			}
			if x402.KindOf(err) != x402.KindPayloadInvalid {
				t.Errorf("KindOf() = %s; want %s", x402.KindOf(err), x402.KindPayloadInvalid)
			}
		})
	}
}

func TestEncodeDecodeSettlement(t *testing.T) {
	original := x402.SettlementResult{
		OK:      true,
		TxHash:  txHash,
		Payer:   payer,
		Network: "celo:42220",
	}

	encoded, err := EncodeSettlement(original)
	if err != nil {
		t.Fatalf("EncodeSettlement() error = %v", err)
	}

	decoded, err := DecodeSettlement(encoded)
	if err != nil {
		t.Fatalf("DecodeSettlement() error = %v", err)
	}
	if decoded != original {
		t.Errorf("round trip mismatch: got %+v; want %+v", decoded, original)
	}

	if _, err := DecodeSettlement("%%%"); err == nil {
		t.Error("DecodeSettlement() expected error for invalid base64")
	}
	if _, err := DecodeSettlement(base64.StdEncoding.EncodeToString([]byte("nope"))); err == nil {
		t.Error("DecodeSettlement() expected error for invalid JSON")
	}
}
