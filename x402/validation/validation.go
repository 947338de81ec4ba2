// Package validation provides structural checks for x402 offers and proofs.
// It validates addresses, transaction hashes, amounts and networks. It does
// not compare a proof against an offer; that is the settler's job.
package validation

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/CeloMX/celo-mx/x402"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// txHashRegex matches a 0x-prefixed 32-byte transaction hash
	txHashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

	// nonceRegex matches a 0x-prefixed 32-byte nonce
	nonceRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

	// signatureRegex matches a 0x-prefixed 65-byte signature
	signatureRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{130}$`)

	// networkRegex matches "<namespace>:<chainId>" identifiers
	networkRegex = regexp.MustCompile(`^[a-z0-9-]+:[0-9]+$`)
)

// IsTxHash reports whether value looks like a transaction hash.
func IsTxHash(value string) bool {
	return txHashRegex.MatchString(value)
}

// ValidateTxHash validates a 0x-prefixed 32-byte hex transaction hash.
func ValidateTxHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	if !IsTxHash(hash) {
		return fmt.Errorf("invalid transaction hash format: %s (expected 0x followed by 64 hex characters)", hash)
	}
	return nil
}

// ValidateAddress validates an EVM account or contract address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !evmAddressRegex.MatchString(address) {
		return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
	}
	return nil
}

// ValidateAmount validates that an amount string is a valid non-negative integer.
// Returns an error if the amount is empty, malformed, or negative.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() < 0 {
		return fmt.Errorf("amount cannot be negative, got: %s", amount)
	}

	return nil
}

// ValidateNetwork validates a "<namespace>:<chainId>" network identifier.
func ValidateNetwork(network string) error {
	if network == "" {
		return fmt.Errorf("network cannot be empty")
	}
	if !networkRegex.MatchString(network) {
		return fmt.Errorf("invalid network format: %s (expected namespace:chainId)", network)
	}
	_, err := x402.ParseNetwork(network)
	return err
}

// ValidateOffer checks that an offer is complete enough to be paid.
// A zero amount is rejected: every offer must charge something.
func ValidateOffer(offer x402.PaymentOffer) error {
	if err := ValidateAmount(offer.AmountAtomic); err != nil {
		return fmt.Errorf("invalid offer: %w", err)
	}
	if offer.AmountAtomic == "0" {
		return fmt.Errorf("invalid offer: amount must be positive")
	}

	if err := ValidateNetwork(offer.Network); err != nil {
		return fmt.Errorf("invalid offer: %w", err)
	}
	if chainID, _ := x402.ParseNetwork(offer.Network); offer.ChainID != 0 && chainID != offer.ChainID {
		return fmt.Errorf("invalid offer: network %s does not match chainId %d", offer.Network, offer.ChainID)
	}

	if err := ValidateAddress(offer.Recipient); err != nil {
		return fmt.Errorf("invalid offer: recipient %w", err)
	}
	if err := ValidateAddress(offer.TokenAddress); err != nil {
		return fmt.Errorf("invalid offer: tokenAddress %w", err)
	}

	switch offer.Scheme {
	case x402.SchemeEIP3009:
		if offer.EIP712 == nil || offer.EIP712.Name == "" || offer.EIP712.Version == "" {
			return fmt.Errorf("invalid offer: eip3009 requires eip712 name and version")
		}
	case x402.SchemeTransfer:
	case "":
		return fmt.Errorf("invalid offer: scheme cannot be empty")
	default:
		return fmt.Errorf("invalid offer: unsupported scheme %s", offer.Scheme)
	}

	return nil
}

// ValidateProof checks the shape of a decoded proof.
func ValidateProof(proof x402.PaymentProof) error {
	if proof.IsTransfer() {
		return ValidateTxHash(proof.TxHash)
	}

	if err := ValidateAddress(proof.Domain.VerifyingContract); err != nil {
		return fmt.Errorf("invalid proof: verifyingContract %w", err)
	}
	if proof.Domain.ChainID <= 0 {
		return fmt.Errorf("invalid proof: chainId must be positive, got %d", proof.Domain.ChainID)
	}
	if err := ValidateAddress(proof.Message.From); err != nil {
		return fmt.Errorf("invalid proof: from %w", err)
	}
	if err := ValidateAddress(proof.Message.To); err != nil {
		return fmt.Errorf("invalid proof: to %w", err)
	}
	if err := ValidateAmount(proof.Message.Value); err != nil {
		return fmt.Errorf("invalid proof: value %w", err)
	}
	if err := ValidateAmount(proof.Message.ValidAfter); err != nil {
		return fmt.Errorf("invalid proof: validAfter %w", err)
	}
	if err := ValidateAmount(proof.Message.ValidBefore); err != nil {
		return fmt.Errorf("invalid proof: validBefore %w", err)
	}
	if !nonceRegex.MatchString(proof.Message.Nonce) {
		return fmt.Errorf("invalid proof: nonce must be 32 bytes of hex")
	}
	if !signatureRegex.MatchString(proof.Signature) {
		return fmt.Errorf("invalid proof: signature must be 65 bytes of hex")
	}
	if proof.TokenAddress != "" {
		if err := ValidateAddress(proof.TokenAddress); err != nil {
			return fmt.Errorf("invalid proof: tokenAddress %w", err)
		}
	}

	return nil
}
