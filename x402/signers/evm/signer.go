// Package evm provides a private-key wallet for x402 clients.
//
// A Signer signs EIP-712 authorizations locally and, when given a chain
// client, sends plain ERC-20 transfers for offers that require them.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/CeloMX/celo-mx/x402"
	"github.com/CeloMX/celo-mx/x402/internal/eip3009"
)

// ConfirmFunc asks the wallet holder to approve a payment. Returning false
// rejects it with x402.ErrUserRejected.
type ConfirmFunc func(ctx context.Context, req ConfirmRequest) (bool, error)

// ConfirmRequest describes what the holder is asked to approve.
type ConfirmRequest struct {
	Token common.Address
	To    common.Address
	Value *big.Int
}

type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	sender     x402.TransferSender
	confirm    ConfirmFunc
	maxAmount  *big.Int
}

var (
	_ x402.WalletSigner   = (*Signer)(nil)
	_ x402.TransferSender = (*Signer)(nil)
)

type Option func(*Signer) error

// NewSigner creates a signer from a hex private key, with or without 0x.
func NewSigner(privateKeyHex string, opts ...Option) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, x402.ErrInvalidKey
	}
	return NewSignerFromKey(privateKey, opts...)
}

func NewSignerFromKey(key *ecdsa.PrivateKey, opts ...Option) (*Signer, error) {
	if key == nil {
		return nil, x402.ErrInvalidKey
	}

	s := &Signer{privateKey: key}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.address = crypto.PubkeyToAddress(key.PublicKey)
	return s, nil
}

// WithTransferSender lets the signer pay transfer offers. *chain.Client
// built with the same key is the usual sender.
func WithTransferSender(sender x402.TransferSender) Option {
	return func(s *Signer) error {
		s.sender = sender
		return nil
	}
}

// WithConfirm installs an approval prompt consulted before every signature
// and transfer.
func WithConfirm(confirm ConfirmFunc) Option {
	return func(s *Signer) error {
		s.confirm = confirm
		return nil
	}
}

// WithMaxAmount caps the atomic value of any single payment.
func WithMaxAmount(amount *big.Int) Option {
	return func(s *Signer) error {
		if amount != nil && amount.Sign() < 0 {
			return fmt.Errorf("%w: negative max amount", x402.ErrInvalidAmount)
		}
		s.maxAmount = amount
		return nil
	}
}

func (s *Signer) Address() common.Address {
	return s.address
}

func (s *Signer) GetMaxAmount() *big.Int {
	return s.maxAmount
}

// SignTypedData signs a TransferWithAuthorization payload after the amount
// cap and the confirmation prompt allow it.
func (s *Signer) SignTypedData(ctx context.Context, typedData apitypes.TypedData) ([]byte, error) {
	req, err := confirmRequestFromTypedData(typedData)
	if err != nil {
		return nil, err
	}
	if err := s.approve(ctx, req); err != nil {
		return nil, err
	}
	return eip3009.SignTypedData(s.privateKey, typedData)
}

// SendTransfer sends token.transfer(to, value) through the configured sender.
func (s *Signer) SendTransfer(ctx context.Context, token, to common.Address, value *big.Int) (common.Hash, error) {
	if s.sender == nil {
		return common.Hash{}, fmt.Errorf("%w: no transfer sender configured", x402.ErrUnsupportedScheme)
	}
	if err := s.approve(ctx, ConfirmRequest{Token: token, To: to, Value: value}); err != nil {
		return common.Hash{}, err
	}
	return s.sender.SendTransfer(ctx, token, to, value)
}

func (s *Signer) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if s.sender == nil {
		return nil, fmt.Errorf("%w: no transfer sender configured", x402.ErrUnsupportedScheme)
	}
	return s.sender.WaitMined(ctx, hash)
}

// ChainID reports the configured sender's chain, or nil without a sender.
func (s *Signer) ChainID() *big.Int {
	if s.sender == nil {
		return nil
	}
	return s.sender.ChainID()
}

func (s *Signer) approve(ctx context.Context, req ConfirmRequest) error {
	if req.Value == nil || req.Value.Sign() < 0 {
		return x402.ErrInvalidAmount
	}
	if s.maxAmount != nil && req.Value.Cmp(s.maxAmount) > 0 {
		return x402.ErrAmountExceeded
	}
	if s.confirm == nil {
		return nil
	}

	ok, err := s.confirm(ctx, req)
	if err != nil {
		return err
	}
	if !ok {
		return x402.ErrUserRejected
	}
	return nil
}

func confirmRequestFromTypedData(typedData apitypes.TypedData) (ConfirmRequest, error) {
	if typedData.PrimaryType != eip3009.PrimaryType {
		return ConfirmRequest{}, fmt.Errorf("%w: refusing to sign %s", x402.ErrSigningFailed, typedData.PrimaryType)
	}

	to, ok := typedData.Message["to"].(string)
	if !ok || !common.IsHexAddress(to) {
		return ConfirmRequest{}, fmt.Errorf("%w: missing recipient", x402.ErrSigningFailed)
	}

	var value *big.Int
	switch v := typedData.Message["value"].(type) {
	case *math.HexOrDecimal256:
		value = (*big.Int)(v)
	case *big.Int:
		value = v
	case string:
		parsed, ok := math.ParseBig256(v)
		if !ok {
			return ConfirmRequest{}, fmt.Errorf("%w: bad value %q", x402.ErrSigningFailed, v)
		}
		value = parsed
	default:
		return ConfirmRequest{}, fmt.Errorf("%w: missing value", x402.ErrSigningFailed)
	}

	return ConfirmRequest{
		Token: common.HexToAddress(typedData.Domain.VerifyingContract),
		To:    common.HexToAddress(to),
		Value: new(big.Int).Set(value),
	}, nil
}
