package x402

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// OfferParams are the server-side inputs of BuildOffer.
type OfferParams struct {
	// Amount is a positive decimal string in human units.
	Amount string

	// TokenSymbol must resolve through the registry.
	TokenSymbol string

	// Recipient receives the payment. Empty means the server is misconfigured.
	Recipient string

	// ChainID selects the token deployment. Zero accepts the only registered one.
	ChainID int64

	// Scheme forces SchemeEIP3009 or SchemeTransfer. When empty, tokens with a
	// signing domain use SchemeEIP3009.
	Scheme string

	// EIP712 overrides the token's signing domain.
	EIP712 *EIP712Info

	// Resource is echoed in the offer.
	Resource string
}

// BuildOffer produces the PaymentOffer a client needs to pay for a resource.
// It is a pure function of its inputs and the registry.
//
// Errors are *ConfigurationError values: they describe a broken server, not a
// bad payer, and are surfaced as HTTP 500.
func BuildOffer(registry *TokenRegistry, params OfferParams) (PaymentOffer, error) {
	if params.Recipient == "" {
		return PaymentOffer{}, &ConfigurationError{Field: "recipient", Err: ErrRecipientNotConfigured}
	}
	if !common.IsHexAddress(params.Recipient) {
		return PaymentOffer{}, &ConfigurationError{Field: "recipient", Err: fmt.Errorf("%w: %q", ErrInvalidAddress, params.Recipient)}
	}

	token, err := registry.Lookup(params.TokenSymbol, params.ChainID)
	if err != nil {
		return PaymentOffer{}, &ConfigurationError{Field: "tokenSymbol", Err: err}
	}

	atomic, err := token.AtomicAmount(params.Amount)
	if err != nil {
		return PaymentOffer{}, &ConfigurationError{Field: "amount", Err: err}
	}
	if atomic.Sign() <= 0 {
		return PaymentOffer{}, &ConfigurationError{Field: "amount", Err: fmt.Errorf("%w: %q is not positive in atomic units", ErrInvalidAmount, params.Amount)}
	}

	offer := PaymentOffer{
		Scheme:       params.Scheme,
		Network:      FormatNetwork(token.ChainID),
		ChainID:      token.ChainID,
		TokenSymbol:  token.Symbol,
		TokenAddress: common.HexToAddress(token.Address).Hex(),
		Amount:       params.Amount,
		AmountAtomic: atomic.String(),
		Recipient:    common.HexToAddress(params.Recipient).Hex(),
		Resource:     params.Resource,
	}

	domain := params.EIP712
	if domain == nil {
		domain = token.EIP712
	}

	switch offer.Scheme {
	case "":
		offer.Scheme = SchemeTransfer
		if domain != nil {
			offer.Scheme = SchemeEIP3009
		}
	case SchemeEIP3009, SchemeTransfer:
	default:
		return PaymentOffer{}, &ConfigurationError{Field: "scheme", Err: fmt.Errorf("%w: %s", ErrUnsupportedScheme, offer.Scheme)}
	}

	if offer.Scheme == SchemeEIP3009 {
		if domain == nil {
			domain = &DefaultEIP712
		}
		d := *domain
		offer.EIP712 = &d
	}

	return offer, nil
}
