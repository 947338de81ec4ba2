package x402

import (
	"fmt"
	"strconv"
	"strings"
)

// EVM chain ids the registry ships tokens for.
const (
	ChainCelo          int64 = 42220
	ChainCeloAlfajores int64 = 44787
	ChainBase          int64 = 8453
	ChainBaseSepolia   int64 = 84532
)

// ChainConfig holds configuration for a specific blockchain.
type ChainConfig struct {
	// ChainID is the EIP-155 chain id.
	ChainID int64

	// Prefix is the network name used in "<prefix>:<chainId>" identifiers.
	Prefix string

	// DisplayName is a human readable chain name.
	DisplayName string
}

// Predefined chain configurations.
var (
	CeloMainnet = ChainConfig{ChainID: ChainCelo, Prefix: "celo", DisplayName: "Celo"}

	CeloAlfajores = ChainConfig{ChainID: ChainCeloAlfajores, Prefix: "celo", DisplayName: "Celo Alfajores"}

	BaseMainnet = ChainConfig{ChainID: ChainBase, Prefix: "base", DisplayName: "Base"}

	BaseSepolia = ChainConfig{ChainID: ChainBaseSepolia, Prefix: "base", DisplayName: "Base Sepolia"}
)

var chainConfigByID = map[int64]ChainConfig{
	ChainCelo:          CeloMainnet,
	ChainCeloAlfajores: CeloAlfajores,
	ChainBase:          BaseMainnet,
	ChainBaseSepolia:   BaseSepolia,
}

// GetChainConfig returns the chain configuration for a chain id.
func GetChainConfig(chainID int64) (ChainConfig, error) {
	config, ok := chainConfigByID[chainID]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: chain %d", ErrInvalidNetwork, chainID)
	}
	return config, nil
}

// FormatNetwork returns the "<prefix>:<chainId>" identifier for a chain.
// Unknown chains use the CAIP-2 "eip155" namespace.
func FormatNetwork(chainID int64) string {
	prefix := "eip155"
	if config, ok := chainConfigByID[chainID]; ok {
		prefix = config.Prefix
	}
	return prefix + ":" + strconv.FormatInt(chainID, 10)
}

// ParseNetwork extracts the chain id from a "<namespace>:<chainId>" identifier.
// Both friendly prefixes ("celo:42220", "base:84532") and CAIP-2
// ("eip155:42220") are accepted.
func ParseNetwork(network string) (int64, error) {
	if network == "" {
		return 0, fmt.Errorf("%w: network cannot be empty", ErrInvalidNetwork)
	}

	parts := strings.SplitN(network, ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return 0, fmt.Errorf("%w: invalid network format: %s", ErrInvalidNetwork, network)
	}

	chainID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || chainID <= 0 {
		return 0, fmt.Errorf("%w: invalid chain ID: %s", ErrInvalidNetwork, parts[1])
	}

	return chainID, nil
}
