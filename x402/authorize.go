package x402

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/CeloMX/celo-mx/x402/internal/eip3009"
)

// DefaultValidityWindow is how long a signed authorization stays usable.
const DefaultValidityWindow = 900 * time.Second

// Authorizer turns a PaymentOffer into a signed PaymentProof.
type Authorizer struct {
	// Wallet signs the typed data. Nil means no wallet is connected.
	Wallet WalletSigner

	// Window is validBefore - validAfter. Defaults to DefaultValidityWindow.
	Window time.Duration

	// MaxAmount caps the atomic value the authorizer will sign. Nil means no cap.
	MaxAmount *big.Int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Authorize signs a TransferWithAuthorization satisfying offer with the
// default window.
func Authorize(ctx context.Context, offer PaymentOffer, wallet WalletSigner) (*PaymentProof, error) {
	a := &Authorizer{Wallet: wallet}
	return a.Authorize(ctx, offer)
}

// Authorize builds the EIP-712 domain and message for offer and obtains a
// signature from the wallet. The wallet call is the only blocking step.
//
// ErrNoWallet and ErrUserRejected are returned unwrapped-compatible (check
// with errors.Is) so callers can tell "you said no" from a rejected payment.
func (a *Authorizer) Authorize(ctx context.Context, offer PaymentOffer) (*PaymentProof, error) {
	if a == nil || a.Wallet == nil {
		return nil, ErrNoWallet
	}
	if offer.Scheme != "" && offer.Scheme != SchemeEIP3009 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, offer.Scheme)
	}
	if !common.IsHexAddress(offer.TokenAddress) {
		return nil, fmt.Errorf("%w: token %q", ErrInvalidAddress, offer.TokenAddress)
	}
	if !common.IsHexAddress(offer.Recipient) {
		return nil, fmt.Errorf("%w: recipient %q", ErrInvalidAddress, offer.Recipient)
	}
	if offer.ChainID <= 0 {
		return nil, fmt.Errorf("%w: chain %d", ErrInvalidNetwork, offer.ChainID)
	}

	value, err := offer.AmountAtomicInt()
	if err != nil {
		return nil, err
	}
	if a.MaxAmount != nil && value.Cmp(a.MaxAmount) > 0 {
		return nil, ErrAmountExceeded
	}

	info := DefaultEIP712
	if offer.EIP712 != nil {
		info = *offer.EIP712
	}

	domain := eip3009.Domain{
		Name:              info.Name,
		Version:           info.Version,
		ChainID:           big.NewInt(offer.ChainID),
		VerifyingContract: common.HexToAddress(offer.TokenAddress),
	}

	window := a.Window
	if window <= 0 {
		window = DefaultValidityWindow
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}

	from := a.Wallet.Address()
	auth, err := eip3009.NewAuthorization(from, common.HexToAddress(offer.Recipient), value, now(), window)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	signature, err := a.Wallet.SignTypedData(ctx, eip3009.TypedData(domain, auth))
	if err != nil {
		if errors.Is(err, ErrUserRejected) || errors.Is(err, ErrNoWallet) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	return &PaymentProof{
		Domain: TypedDataDomain{
			Name:              info.Name,
			Version:           info.Version,
			ChainID:           offer.ChainID,
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		EIP712: info,
		Message: AuthorizationMessage{
			From:        from.Hex(),
			To:          auth.To.Hex(),
			Value:       auth.Value.String(),
			ValidAfter:  auth.ValidAfter.String(),
			ValidBefore: auth.ValidBefore.String(),
			Nonce:       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
		Signature:    hexutil.Encode(signature),
		TokenAddress: domain.VerifyingContract.Hex(),
	}, nil
}

// ProofAuthorization converts the wire form of a proof back into the typed
// domain, message and signature. Used by verifiers before recovery or submission.
func ProofAuthorization(proof PaymentProof) (eip3009.Domain, *eip3009.Authorization, []byte, error) {
	var domain eip3009.Domain

	if !common.IsHexAddress(proof.Domain.VerifyingContract) {
		return domain, nil, nil, fmt.Errorf("%w: verifyingContract", ErrInvalidAddress)
	}
	if !common.IsHexAddress(proof.Message.From) || !common.IsHexAddress(proof.Message.To) {
		return domain, nil, nil, fmt.Errorf("%w: message parties", ErrInvalidAddress)
	}

	value, ok := parseUint(proof.Message.Value)
	if !ok {
		return domain, nil, nil, fmt.Errorf("%w: value %q", ErrInvalidAmount, proof.Message.Value)
	}
	validAfter, ok := parseUint(proof.Message.ValidAfter)
	if !ok {
		return domain, nil, nil, fmt.Errorf("invalid validAfter %q", proof.Message.ValidAfter)
	}
	validBefore, ok := parseUint(proof.Message.ValidBefore)
	if !ok {
		return domain, nil, nil, fmt.Errorf("invalid validBefore %q", proof.Message.ValidBefore)
	}
	nonce, err := eip3009.ParseNonce(proof.Message.Nonce)
	if err != nil {
		return domain, nil, nil, err
	}
	signature, err := eip3009.ParseSignature(proof.Signature)
	if err != nil {
		return domain, nil, nil, err
	}

	domain = eip3009.Domain{
		Name:              proof.Domain.Name,
		Version:           proof.Domain.Version,
		ChainID:           big.NewInt(proof.Domain.ChainID),
		VerifyingContract: common.HexToAddress(proof.Domain.VerifyingContract),
	}
	auth := &eip3009.Authorization{
		From:        common.HexToAddress(proof.Message.From),
		To:          common.HexToAddress(proof.Message.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}
	return domain, auth, signature, nil
}

func parseUint(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}
