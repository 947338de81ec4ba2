// Package facilitator defines the contract between a resource server and a
// remote settlement service.
//
// A facilitator holds a funded relayer key. It receives signed EIP-3009
// authorizations, submits them on chain and reports the mined transaction.
// The HTTP client and handler for this contract live in x402/http.
package facilitator

import (
	"context"

	"github.com/CeloMX/celo-mx/x402"
)

// Interface is the remote settlement contract. *http.FacilitatorClient
// implements it and also satisfies settle.Executor.
type Interface interface {
	// Execute submits the authorization in proof and waits for it to be mined.
	Execute(ctx context.Context, proof x402.PaymentProof) (*x402.SettlementResult, error)

	// Supported lists the schemes, networks and tokens the facilitator settles.
	Supported(ctx context.Context) (*SupportedResponse, error)
}

// Version is the protocol version sent with every settle request.
const Version = 1

// SettleRequest is the request payload sent to POST /settle.
type SettleRequest struct {
	X402Version int               `json:"x402Version"`
	Proof       x402.PaymentProof `json:"proof"`
}

// ErrorResponse is the body of a non-200 /settle answer.
type ErrorResponse struct {
	OK        bool           `json:"ok"`
	ErrorKind x402.ErrorKind `json:"errorKind"`
	Message   string         `json:"message,omitempty"`
}

// SupportedKind is one settleable combination.
type SupportedKind struct {
	Scheme  string   `json:"scheme"`
	Network string   `json:"network"`
	Tokens  []string `json:"tokens"`
}

// SupportedResponse is the body of GET /supported.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Supports reports whether the facilitator settles scheme on network.
func (r *SupportedResponse) Supports(scheme, network string) bool {
	if r == nil {
		return false
	}
	for _, kind := range r.Kinds {
		if kind.Scheme == scheme && kind.Network == network {
			return true
		}
	}
	return false
}

// KindsFor lists the eip3009 kinds a registry can settle, one per network.
// With chainIDs, only tokens on those chains are listed.
func KindsFor(registry *x402.TokenRegistry, chainIDs ...int64) []SupportedKind {
	var kinds []SupportedKind
	index := make(map[string]int)
	for _, token := range registry.Tokens() {
		if token.EIP712 == nil || !onChain(token.ChainID, chainIDs) {
			continue
		}
		network := x402.FormatNetwork(token.ChainID)
		i, ok := index[network]
		if !ok {
			i = len(kinds)
			index[network] = i
			kinds = append(kinds, SupportedKind{Scheme: x402.SchemeEIP3009, Network: network})
		}
		kinds[i].Tokens = append(kinds[i].Tokens, token.Address)
	}
	return kinds
}

func onChain(chainID int64, chainIDs []int64) bool {
	if len(chainIDs) == 0 {
		return true
	}
	for _, id := range chainIDs {
		if id == chainID {
			return true
		}
	}
	return false
}
