package x402

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TokenConfig defines a token known to the registry.
type TokenConfig struct {
	// Symbol is the token symbol (e.g. "cUSD").
	Symbol string

	// Name is an optional human-readable token name.
	Name string

	// Address is the token contract address.
	Address string

	// Decimals is the number of decimal places for the token.
	Decimals int

	// ChainID is the chain the contract lives on.
	ChainID int64

	// EIP712 is the token's signing domain for TransferWithAuthorization.
	// Nil for tokens that only support plain transfers.
	EIP712 *EIP712Info
}

// Celo mainnet token addresses.
const (
	CELOAddress     = "0x471EcE3750Da237f93B8E339c536989b8978a438"
	CUSDAddress     = "0x765DE816845861e75A25fCA122bb6898B8B1282a"
	CEURAddress     = "0xD8763CBa276a3738E6DE85b4b3bF5FDed6D6cA73"
	CMTAddress      = "0xe8f33f459ffa69314f3d92eb51633ae4946de8f0"
	X402Address     = "0x37290B3f613344Ef22750f732aa9dF846f80DDA0"
	USDCCeloAddress = "0xcebA9300f2b948710d2653dD7B07f33A8B32118C"

	// USDCBaseSepoliaAddress is Circle's USDC on Base Sepolia.
	USDCBaseSepoliaAddress = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

// DefaultTokens returns the tokens the CeloMX application accepts.
func DefaultTokens() []TokenConfig {
	return []TokenConfig{
		{Symbol: "CELO", Name: "Celo", Address: CELOAddress, Decimals: 18, ChainID: ChainCelo},
		{Symbol: "cUSD", Name: "Celo Dollar", Address: CUSDAddress, Decimals: 18, ChainID: ChainCelo},
		{Symbol: "cEUR", Name: "Celo Euro", Address: CEURAddress, Decimals: 18, ChainID: ChainCelo},
		{Symbol: "CMT", Name: "Celo MX Token", Address: CMTAddress, Decimals: 18, ChainID: ChainCelo},
		{Symbol: "X402", Name: "X402 Token", Address: X402Address, Decimals: 18, ChainID: ChainCelo},
		{
			Symbol: "USDC", Name: "USD Coin", Address: USDCCeloAddress, Decimals: 6, ChainID: ChainCelo,
			EIP712: &EIP712Info{Name: "USDC", Version: "2"},
		},
		{
			Symbol: "USDC", Name: "USD Coin", Address: USDCBaseSepoliaAddress, Decimals: 6, ChainID: ChainBaseSepolia,
			EIP712: &EIP712Info{Name: "USDC", Version: "2"},
		},
	}
}

// TokenRegistry is a read-only symbol/address index loaded at startup.
// It is safe for concurrent use once constructed.
type TokenRegistry struct {
	bySymbol  map[string][]TokenConfig
	byAddress map[string]TokenConfig
}

// NewTokenRegistry builds a registry, rejecting malformed or duplicate entries.
func NewTokenRegistry(tokens ...TokenConfig) (*TokenRegistry, error) {
	r := &TokenRegistry{
		bySymbol:  make(map[string][]TokenConfig),
		byAddress: make(map[string]TokenConfig),
	}

	for _, token := range tokens {
		if token.Symbol == "" {
			return nil, &ConfigurationError{Field: "token.symbol", Err: ErrUnknownToken}
		}
		if !common.IsHexAddress(token.Address) {
			return nil, &ConfigurationError{Field: "token.address", Err: fmt.Errorf("%w: %s %q", ErrInvalidAddress, token.Symbol, token.Address)}
		}
		if token.Decimals < 0 || token.ChainID <= 0 {
			return nil, &ConfigurationError{Field: "token." + token.Symbol, Err: fmt.Errorf("decimals %d chain %d", token.Decimals, token.ChainID)}
		}

		addrKey := addressKey(token.ChainID, token.Address)
		if _, exists := r.byAddress[addrKey]; exists {
			return nil, &ConfigurationError{Field: "token.address", Err: fmt.Errorf("duplicate token %s on chain %d", token.Address, token.ChainID)}
		}

		symKey := strings.ToUpper(token.Symbol)
		for _, existing := range r.bySymbol[symKey] {
			if existing.ChainID == token.ChainID {
				return nil, &ConfigurationError{Field: "token.symbol", Err: fmt.Errorf("duplicate symbol %s on chain %d", token.Symbol, token.ChainID)}
			}
		}

		r.byAddress[addrKey] = token
		r.bySymbol[symKey] = append(r.bySymbol[symKey], token)
	}

	return r, nil
}

// MustTokenRegistry is like NewTokenRegistry but panics on error.
// It is intended for package-level registries built from literals.
func MustTokenRegistry(tokens ...TokenConfig) *TokenRegistry {
	r, err := NewTokenRegistry(tokens...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup resolves a symbol (case-insensitive) on a chain. A zero chainID
// matches when the symbol is registered on exactly one chain.
func (r *TokenRegistry) Lookup(symbol string, chainID int64) (TokenConfig, error) {
	if r == nil {
		return TokenConfig{}, fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
	}

	candidates := r.bySymbol[strings.ToUpper(symbol)]
	if chainID == 0 {
		if len(candidates) == 1 {
			return candidates[0], nil
		}
		if len(candidates) > 1 {
			return TokenConfig{}, fmt.Errorf("%w: %s is registered on %d chains", ErrUnknownToken, symbol, len(candidates))
		}
	}
	for _, token := range candidates {
		if token.ChainID == chainID {
			return token, nil
		}
	}

	return TokenConfig{}, fmt.Errorf("%w: %s on chain %d", ErrUnknownToken, symbol, chainID)
}

// LookupAddress resolves a contract address on a chain.
func (r *TokenRegistry) LookupAddress(address string, chainID int64) (TokenConfig, error) {
	if r != nil {
		if token, ok := r.byAddress[addressKey(chainID, address)]; ok {
			return token, nil
		}
	}
	return TokenConfig{}, fmt.Errorf("%w: %s on chain %d", ErrUnknownToken, address, chainID)
}

// Tokens returns all registered tokens ordered by chain then symbol.
func (r *TokenRegistry) Tokens() []TokenConfig {
	if r == nil {
		return nil
	}
	out := make([]TokenConfig, 0, len(r.byAddress))
	for _, token := range r.byAddress {
		out = append(out, token)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// ResolveOffer checks an offer received by a client against the registry used
// as an allow-list and fills fields older servers omit (token address, atomic
// amount, chain id, scheme, signing domain).
//
// It returns ErrTokenNotAllowed when the offered token is not registered, or
// when the offer's symbol and address disagree with the registry.
func (r *TokenRegistry) ResolveOffer(offer PaymentOffer) (PaymentOffer, error) {
	if offer.ChainID == 0 && offer.Network != "" {
		if chainID, err := ParseNetwork(offer.Network); err == nil {
			offer.ChainID = chainID
		}
	}

	var (
		token TokenConfig
		err   error
	)
	switch {
	case offer.TokenAddress != "":
		token, err = r.LookupAddress(offer.TokenAddress, offer.ChainID)
		if err != nil && offer.ChainID == 0 {
			token, err = r.lookupAddressAnyChain(offer.TokenAddress)
		}
		if err == nil && offer.TokenSymbol != "" && !strings.EqualFold(token.Symbol, offer.TokenSymbol) {
			err = fmt.Errorf("symbol %s does not match %s at %s", offer.TokenSymbol, token.Symbol, token.Address)
		}
	case offer.TokenSymbol != "":
		token, err = r.Lookup(offer.TokenSymbol, offer.ChainID)
	default:
		err = fmt.Errorf("offer names no token")
	}
	if err != nil {
		return offer, fmt.Errorf("%w: %v", ErrTokenNotAllowed, err)
	}

	offer.TokenSymbol = token.Symbol
	offer.TokenAddress = token.Address
	offer.ChainID = token.ChainID
	if offer.Network == "" {
		offer.Network = FormatNetwork(token.ChainID)
	}

	if offer.AmountAtomic == "" {
		if offer.Amount == "" {
			return offer, fmt.Errorf("%w: no amount", ErrMalformedOffer)
		}
		atomic, err := AmountToAtomic(offer.Amount, token.Decimals)
		if err != nil {
			return offer, err
		}
		offer.AmountAtomic = atomic.String()
	}

	if offer.Scheme == "" {
		offer.Scheme = SchemeTransfer
		if offer.EIP712 != nil {
			offer.Scheme = SchemeEIP3009
		}
	}
	if offer.Scheme == SchemeEIP3009 && offer.EIP712 == nil {
		domain := DefaultEIP712
		if token.EIP712 != nil {
			domain = *token.EIP712
		}
		offer.EIP712 = &domain
	}

	return offer, nil
}

func (r *TokenRegistry) lookupAddressAnyChain(address string) (TokenConfig, error) {
	if r != nil {
		for _, token := range r.byAddress {
			if strings.EqualFold(token.Address, address) {
				return token, nil
			}
		}
	}
	return TokenConfig{}, fmt.Errorf("%w: %s", ErrUnknownToken, address)
}

// AtomicAmount converts a human amount for a registered token, truncating
// toward zero.
func (t TokenConfig) AtomicAmount(amount string) (*big.Int, error) {
	return AmountToAtomic(amount, t.Decimals)
}

func addressKey(chainID int64, address string) string {
	return fmt.Sprintf("%d/%s", chainID, strings.ToLower(address))
}
