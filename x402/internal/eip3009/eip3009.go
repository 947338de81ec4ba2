// Package eip3009 builds, signs and verifies EIP-712 TransferWithAuthorization
// messages as defined by EIP-3009.
package eip3009

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// PrimaryType is the EIP-712 primary type of an authorization.
const PrimaryType = "TransferWithAuthorization"

// ErrInvalidSignature is returned for signatures that are not 65 bytes or do not recover.
var ErrInvalidSignature = errors.New("eip3009: invalid signature")

// Types is the EIP-712 type schema shared by signers and verifiers.
var Types = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	PrimaryType: []apitypes.Type{
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// Domain is the EIP-712 domain of a token contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Authorization holds the TransferWithAuthorization message fields.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// NewAuthorization mints an authorization valid from now until now+window
// with a fresh random nonce.
func NewAuthorization(from, to common.Address, value *big.Int, now time.Time, window time.Duration) (*Authorization, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	start := now.Unix()
	return &Authorization{
		From:        from,
		To:          to,
		Value:       new(big.Int).Set(value),
		ValidAfter:  big.NewInt(start),
		ValidBefore: big.NewInt(start + int64(window/time.Second)),
		Nonce:       nonce,
	}, nil
}

// GenerateNonce returns 32 bytes from crypto/rand.
func GenerateNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

// TypedData assembles the full EIP-712 payload for an authorization.
func TypedData(domain Domain, auth *Authorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       Types,
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
	}
}

// Digest returns keccak256(0x1901 || domainSeparator || hashStruct(message)).
func Digest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// SignTypedData signs an EIP-712 payload and returns a 65-byte signature with
// v in {27, 28}.
func SignTypedData(privateKey *ecdsa.PrivateKey, typedData apitypes.TypedData) ([]byte, error) {
	digest, err := Digest(typedData)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}

	signature[64] += 27
	return signature, nil
}

// SignAuthorization signs an authorization and returns the 0x-prefixed hex signature.
func SignAuthorization(privateKey *ecdsa.PrivateKey, domain Domain, auth *Authorization) (string, error) {
	signature, err := SignTypedData(privateKey, TypedData(domain, auth))
	if err != nil {
		return "", err
	}
	return hexutil.Encode(signature), nil
}

// Recover returns the address that produced signature over the authorization.
func Recover(domain Domain, auth *Authorization, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(signature))
	}

	digest, err := Digest(TypedData(domain, auth))
	if err != nil {
		return common.Address{}, err
	}

	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SplitSignature splits a 65-byte signature into the v, r, s arguments of
// transferWithAuthorization. v is normalized to {27, 28}.
func SplitSignature(signature []byte) (v uint8, r, s [32]byte, err error) {
	if len(signature) != crypto.SignatureLength {
		return 0, r, s, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(signature))
	}
	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])
	v = signature[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}

// ParseNonce decodes a 0x-prefixed 32-byte hex nonce.
func ParseNonce(value string) ([32]byte, error) {
	var nonce [32]byte
	raw, err := hexutil.Decode(value)
	if err != nil {
		return nonce, fmt.Errorf("invalid nonce: %w", err)
	}
	if len(raw) != 32 {
		return nonce, fmt.Errorf("nonce must be 32 bytes, got %d", len(raw))
	}
	copy(nonce[:], raw)
	return nonce, nil
}

// ParseSignature decodes a 0x-prefixed hex signature.
func ParseSignature(value string) ([]byte, error) {
	if !strings.HasPrefix(value, "0x") && !strings.HasPrefix(value, "0X") {
		value = "0x" + value
	}
	raw, err := hexutil.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(raw) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(raw))
	}
	return raw, nil
}
