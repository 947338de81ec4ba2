package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// tokenABIJSON is the subset of ERC-20 and EIP-3009 the payment layer calls.
const tokenABIJSON = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transferWithAuthorization","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"from","type":"address"},
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},
		{"name":"validBefore","type":"uint256"},
		{"name":"nonce","type":"bytes32"},
		{"name":"v","type":"uint8"},
		{"name":"r","type":"bytes32"},
		{"name":"s","type":"bytes32"}],
	 "outputs":[]},
	{"type":"function","name":"authorizationState","stateMutability":"view",
	 "inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Transfer","anonymous":false,
	 "inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]}
]`

// TokenABI is the parsed token interface.
var TokenABI = mustABI(tokenABIJSON)

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

func mustABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid token ABI: %v", err))
	}
	return parsed
}

// Transfer is a decoded ERC-20 Transfer event.
type Transfer struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

// ParseTransfers extracts the ERC-20 Transfer events of a receipt. Logs that
// are removed, are not Transfer events, or do not decode are skipped.
func ParseTransfers(receipt *types.Receipt) []Transfer {
	if receipt == nil {
		return nil
	}

	var transfers []Transfer
	for _, log := range receipt.Logs {
		if log == nil || log.Removed || len(log.Topics) != 3 || log.Topics[0] != TransferTopic {
			continue
		}
		values, err := TokenABI.Unpack("Transfer", log.Data)
		if err != nil || len(values) != 1 {
			continue
		}
		value, ok := values[0].(*big.Int)
		if !ok {
			continue
		}
		transfers = append(transfers, Transfer{
			Token: log.Address,
			From:  common.BytesToAddress(log.Topics[1].Bytes()),
			To:    common.BytesToAddress(log.Topics[2].Bytes()),
			Value: value,
		})
	}
	return transfers
}
