package encoding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/CeloMX/celo-mx/x402"
)

// offerSchemaJSON describes the 402 envelope, including the legacy aliases
// token, amount and amountInWei.
const offerSchemaJSON = `{
  "type": "object",
  "required": ["payment"],
  "properties": {
    "payment": {
      "type": "object",
      "required": ["recipient"],
      "properties": {
        "scheme": {"type": "string", "enum": ["eip3009", "transfer"]},
        "network": {"type": "string"},
        "chainId": {"type": ["integer", "string"]},
        "token": {"type": "string", "minLength": 1},
        "tokenSymbol": {"type": "string", "minLength": 1},
        "tokenAddress": {"type": "string", "pattern": "^0x[a-fA-F0-9]{40}$"},
        "amount": {"type": ["string", "number"]},
        "amountInWei": {"type": ["string", "number"]},
        "amountAtomic": {"type": ["string", "number"]},
        "recipient": {"type": "string", "pattern": "^0x[a-fA-F0-9]{40}$"},
        "eip712": {
          "type": "object",
          "required": ["name", "version"],
          "properties": {
            "name": {"type": "string"},
            "version": {"type": "string"}
          }
        },
        "resource": {"type": "string"}
      },
      "allOf": [
        {"anyOf": [{"required": ["token"]}, {"required": ["tokenSymbol"]}, {"required": ["tokenAddress"]}]},
        {"anyOf": [{"required": ["amount"]}, {"required": ["amountInWei"]}, {"required": ["amountAtomic"]}]}
      ]
    }
  }
}`

var offerSchema = mustSchema(offerSchemaJSON)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("encoding: invalid offer schema: %v", err))
	}
	return schema
}

// EncodeOffer marshals the 402 response body {"payment": offer}.
func EncodeOffer(offer x402.PaymentOffer) ([]byte, error) {
	body, err := json.Marshal(x402.OfferResponse{Payment: &offer})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal offer: %w", err)
	}
	return body, nil
}

// DecodeOffer parses a 402 response body. The envelope is validated against a
// JSON schema first; legacy aliases are folded into the canonical fields.
// Returned errors wrap x402.ErrMalformedOffer.
func DecodeOffer(body []byte) (x402.PaymentOffer, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return x402.PaymentOffer{}, &x402.DecodeError{Reason: "empty body", Err: x402.ErrMalformedOffer}
	}

	result, err := offerSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return x402.PaymentOffer{}, &x402.DecodeError{Reason: "offer is not JSON", Err: x402.ErrMalformedOffer}
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
		}
		return x402.PaymentOffer{}, &x402.DecodeError{Reason: strings.Join(problems, "; "), Err: x402.ErrMalformedOffer}
	}

	var envelope struct {
		Payment offerWire `json:"payment"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return x402.PaymentOffer{}, &x402.DecodeError{Reason: "invalid offer fields", Err: x402.ErrMalformedOffer}
	}

	offer, err := envelope.Payment.offer()
	if err != nil {
		return x402.PaymentOffer{}, &x402.DecodeError{Reason: err.Error(), Err: x402.ErrMalformedOffer}
	}
	return offer, nil
}

type offerWire struct {
	Scheme       string           `json:"scheme"`
	Network      string           `json:"network"`
	ChainID      flexInt          `json:"chainId"`
	Token        string           `json:"token"`
	TokenSymbol  string           `json:"tokenSymbol"`
	TokenAddress string           `json:"tokenAddress"`
	Amount       flexString       `json:"amount"`
	AmountInWei  flexString       `json:"amountInWei"`
	AmountAtomic flexString       `json:"amountAtomic"`
	Recipient    string           `json:"recipient"`
	EIP712       *x402.EIP712Info `json:"eip712"`
	Resource     string           `json:"resource"`
}

func (w offerWire) offer() (x402.PaymentOffer, error) {
	offer := x402.PaymentOffer{
		Scheme:       w.Scheme,
		Network:      w.Network,
		ChainID:      int64(w.ChainID),
		TokenSymbol:  w.TokenSymbol,
		TokenAddress: w.TokenAddress,
		Amount:       string(w.Amount),
		AmountAtomic: string(w.AmountAtomic),
		Recipient:    w.Recipient,
		EIP712:       w.EIP712,
		Resource:     w.Resource,
	}

	if offer.TokenSymbol == "" {
		offer.TokenSymbol = w.Token
	}
	if offer.AmountAtomic == "" {
		offer.AmountAtomic = string(w.AmountInWei)
	}

	if offer.Network != "" {
		chainID, err := x402.ParseNetwork(offer.Network)
		if err != nil {
			return offer, err
		}
		if offer.ChainID == 0 {
			offer.ChainID = chainID
		} else if offer.ChainID != chainID {
			return offer, fmt.Errorf("network %s does not match chainId %d", offer.Network, offer.ChainID)
		}
	} else if offer.ChainID != 0 {
		offer.Network = x402.FormatNetwork(offer.ChainID)
	}

	if offer.Scheme == "" {
		offer.Scheme = x402.SchemeTransfer
		if offer.EIP712 != nil {
			offer.Scheme = x402.SchemeEIP3009
		}
	}

	return offer, nil
}

type proofWire struct {
	Domain struct {
		Name              string  `json:"name"`
		Version           string  `json:"version"`
		ChainID           flexInt `json:"chainId"`
		VerifyingContract string  `json:"verifyingContract"`
	} `json:"domain"`
	EIP712  x402.EIP712Info `json:"eip712"`
	Message struct {
		From        string     `json:"from"`
		To          string     `json:"to"`
		Value       flexString `json:"value"`
		ValidAfter  flexString `json:"validAfter"`
		ValidBefore flexString `json:"validBefore"`
		Nonce       string     `json:"nonce"`
	} `json:"message"`
	Signature    string `json:"signature"`
	TokenAddress string `json:"tokenAddress"`
}

func (w proofWire) proof() x402.PaymentProof {
	proof := x402.PaymentProof{
		Domain: x402.TypedDataDomain{
			Name:              w.Domain.Name,
			Version:           w.Domain.Version,
			ChainID:           int64(w.Domain.ChainID),
			VerifyingContract: w.Domain.VerifyingContract,
		},
		EIP712: w.EIP712,
		Message: x402.AuthorizationMessage{
			From:        w.Message.From,
			To:          w.Message.To,
			Value:       string(w.Message.Value),
			ValidAfter:  string(w.Message.ValidAfter),
			ValidBefore: string(w.Message.ValidBefore),
			Nonce:       w.Message.Nonce,
		},
		Signature:    w.Signature,
		TokenAddress: w.TokenAddress,
	}

	if proof.TokenAddress == "" {
		proof.TokenAddress = proof.Domain.VerifyingContract
	}
	if proof.EIP712.Name == "" && proof.EIP712.Version == "" {
		proof.EIP712 = x402.EIP712Info{Name: proof.Domain.Name, Version: proof.Domain.Version}
	}
	return proof
}

// flexString accepts a JSON string or number. 0x-prefixed hex quantities
// are rewritten in decimal.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(hexToDecimal(v))
		return nil
	}
	if string(data) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

// hexToDecimal leaves anything that is not a hex quantity for validation to reject.
func hexToDecimal(v string) string {
	if !strings.HasPrefix(v, "0x") && !strings.HasPrefix(v, "0X") {
		return v
	}
	n, ok := new(big.Int).SetString(v[2:], 16)
	if !ok {
		return v
	}
	return n.String()
}

// flexInt accepts a JSON number, a decimal string or a 0x-prefixed hex string.
type flexInt int64

func (i *flexInt) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw, base = raw[2:], 16
	}
	v, err := strconv.ParseInt(raw, base, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", string(data), err)
	}
	*i = flexInt(v)
	return nil
}
