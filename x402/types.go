// Package x402 implements a pay-per-request micropayment layer on top of HTTP 402.
//
// A protected resource answers unauthenticated requests with a machine readable
// PaymentOffer. The client satisfies the offer either by signing an EIP-3009
// TransferWithAuthorization (settled gaslessly by a facilitator) or by sending a
// plain ERC-20 transfer and presenting the transaction hash. The proof travels in
// the X-PAYMENT request header.
//
// Import path: github.com/CeloMX/celo-mx/x402
package x402

import (
	"math/big"
	"strings"
)

// Settlement schemes advertised in a PaymentOffer.
const (
	// SchemeEIP3009 asks the client for a signed TransferWithAuthorization.
	SchemeEIP3009 = "eip3009"

	// SchemeTransfer asks the client for the hash of a completed ERC-20 transfer.
	SchemeTransfer = "transfer"
)

// Header names used on the wire.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentHeaderAlt      = "PAYMENT-SIGNATURE"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
	TxHashHeader          = "X-Payment-Tx-Hash"
)

// EIP712Info identifies the signing domain of the token contract.
type EIP712Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DefaultEIP712 is used when neither the offer nor the token registry names a domain.
var DefaultEIP712 = EIP712Info{Name: "USD Coin", Version: "2"}

// PaymentOffer describes what must be paid to unlock a resource.
// It is rebuilt for every 402 response and never persisted.
type PaymentOffer struct {
	// Scheme is SchemeEIP3009 or SchemeTransfer.
	Scheme string `json:"scheme"`

	// Network is a "<name>:<chainId>" identifier, e.g. "celo:42220".
	Network string `json:"network"`

	// ChainID is the numeric EVM chain id.
	ChainID int64 `json:"chainId"`

	// TokenSymbol is the registry symbol of the token to pay with.
	TokenSymbol string `json:"tokenSymbol"`

	// TokenAddress is the token contract address.
	TokenAddress string `json:"tokenAddress"`

	// Amount is the human readable amount (e.g. "1.00").
	Amount string `json:"amount,omitempty"`

	// AmountAtomic is the amount in the token's smallest unit. This is the
	// canonical value compared during settlement.
	AmountAtomic string `json:"amountAtomic"`

	// Recipient is the address that receives the payment.
	Recipient string `json:"recipient"`

	// EIP712 names the signing domain. Only set for SchemeEIP3009.
	EIP712 *EIP712Info `json:"eip712,omitempty"`

	// Resource is the URL of the protected resource.
	Resource string `json:"resource,omitempty"`
}

// AmountAtomicInt parses AmountAtomic. It returns ErrInvalidAmount when the
// value is missing or not a non-negative integer.
func (o PaymentOffer) AmountAtomicInt() (*big.Int, error) {
	value, ok := new(big.Int).SetString(o.AmountAtomic, 10)
	if !ok || value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return value, nil
}

// Expectation is what a verifier checks a proof against. It is derived from
// the offer the server issued for the same request.
type Expectation struct {
	Recipient    string
	TokenSymbol  string
	TokenAddress string
	ChainID      int64
	AmountAtomic string
}

// Expectation returns the fields of the offer a proof must satisfy.
func (o PaymentOffer) Expectation() Expectation {
	return Expectation{
		Recipient:    o.Recipient,
		TokenSymbol:  o.TokenSymbol,
		TokenAddress: o.TokenAddress,
		ChainID:      o.ChainID,
		AmountAtomic: o.AmountAtomic,
	}
}

// OfferResponse is the JSON body of a 402 response and of gate errors.
type OfferResponse struct {
	Payment *PaymentOffer `json:"payment,omitempty"`
	Error   ErrorKind     `json:"error,omitempty"`
}

// TypedDataDomain is the EIP-712 domain carried inside a PaymentProof.
type TypedDataDomain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           int64  `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// AuthorizationMessage is the TransferWithAuthorization message signed by the payer.
// Numeric fields are decimal strings; Nonce is a 0x-prefixed 32-byte hex string.
type AuthorizationMessage struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// PaymentProof is the object carried in the X-PAYMENT header.
//
// For SchemeEIP3009 the signed authorization fields are populated. For
// SchemeTransfer only TxHash is set and the header carries the bare hash.
type PaymentProof struct {
	Domain       TypedDataDomain      `json:"domain"`
	EIP712       EIP712Info           `json:"eip712"`
	Message      AuthorizationMessage `json:"message"`
	Signature    string               `json:"signature"`
	TokenAddress string               `json:"tokenAddress"`

	// TxHash is the transfer transaction hash for direct-verify proofs.
	TxHash string `json:"-"`
}

// IsTransfer reports whether the proof is a bare transaction hash.
func (p PaymentProof) IsTransfer() bool {
	return p.TxHash != ""
}

// SettlementResult is produced once per successful gate pass.
type SettlementResult struct {
	OK        bool      `json:"ok"`
	TxHash    string    `json:"txHash,omitempty"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	Payer     string    `json:"payer,omitempty"`
	Network   string    `json:"network,omitempty"`
}

// Failed returns a non-ok result carrying the error kind.
func Failed(kind ErrorKind) *SettlementResult {
	return &SettlementResult{OK: false, ErrorKind: kind}
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 6 decimals becomes 1500000.
// Returns ErrInvalidAmount if the amount is negative, malformed, or carries
// more precision than the token supports.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	value, err := scaledAmount(amount, decimals)
	if err != nil {
		return nil, err
	}
	if value.Denom().Cmp(big.NewInt(1)) != 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(value.Num()), nil
}

// AmountToAtomic converts a decimal amount to atomic units, truncating any
// fraction below the token's smallest unit toward zero.
// For example, "0.0000001" with 6 decimals becomes 0.
func AmountToAtomic(amount string, decimals int) (*big.Int, error) {
	value, err := scaledAmount(amount, decimals)
	if err != nil {
		return nil, err
	}
	// Quo truncates toward zero; value is never negative here.
	return new(big.Int).Quo(value.Num(), value.Denom()), nil
}

func scaledAmount(amount string, decimals int) (*big.Rat, error) {
	if decimals < 0 {
		return nil, ErrInvalidAmount
	}

	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, ErrInvalidAmount
	}

	value := new(big.Rat)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}
	if value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	return value.Mul(value, scale), nil
}

// BigIntToAmount converts a *big.Int in atomic units to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.500000".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}

	rat := new(big.Rat).SetInt(value)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	rat.Quo(rat, scale)

	return rat.FloatString(decimals)
}
