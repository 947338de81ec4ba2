// Package chain is the blockchain RPC adapter of the payment layer. It reads
// receipts, submits ERC-20 transfers and EIP-3009 authorizations, and waits for
// transactions to be mined.
//
// A Client is safe for concurrent use. Submissions from one Client are
// serialized from nonce selection through broadcast, so a single relayer key
// can settle concurrent payments. Separate processes sharing a key still race.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/CeloMX/celo-mx/x402"
	"github.com/CeloMX/celo-mx/x402/internal/eip3009"
)

// DefaultPollInterval is how often WaitMined asks for a receipt.
const DefaultPollInterval = time.Second

var (
	// ErrNotFound is returned when a transaction or receipt is unknown to the node.
	ErrNotFound = ethereum.NotFound

	// ErrNoKey is returned by write operations on a read-only client.
	ErrNoKey = errors.New("chain: no signing key configured")
)

// Backend is the subset of *ethclient.Client the adapter needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Client wraps a Backend with a chain id and an optional signing key.
type Client struct {
	backend      Backend
	chainID      *big.Int
	key          *ecdsa.PrivateKey
	from         common.Address
	gasLimit     uint64
	pollInterval time.Duration
	logger       *slog.Logger

	// sendMu guards nextNonce and orders submissions.
	sendMu    sync.Mutex
	nextNonce uint64
}

// Option configures a Client.
type Option func(*Client) error

// WithPrivateKey sets the signing key from a hex string, with or without 0x.
func WithPrivateKey(hexKey string) Option {
	return func(c *Client) error {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			return fmt.Errorf("%w: %v", x402.ErrInvalidKey, err)
		}
		c.key = key
		return nil
	}
}

// WithKey sets the signing key.
func WithKey(key *ecdsa.PrivateKey) Option {
	return func(c *Client) error {
		if key == nil {
			return x402.ErrInvalidKey
		}
		c.key = key
		return nil
	}
}

// WithGasLimit fixes the gas limit. Zero means estimate per transaction.
func WithGasLimit(limit uint64) Option {
	return func(c *Client) error {
		c.gasLimit = limit
		return nil
	}
}

// WithPollInterval sets the WaitMined polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive, got %v", d)
		}
		c.pollInterval = d
		return nil
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// Dial connects to an RPC endpoint and builds a Client for its chain.
func Dial(ctx context.Context, rpcURL string, opts ...Option) (*Client, error) {
	backend, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	client, err := NewClient(ctx, backend, opts...)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return client, nil
}

// NewClient builds a Client over backend, asking it for the chain id.
func NewClient(ctx context.Context, backend Backend, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, errors.New("chain: backend is required")
	}

	c := &Client{
		backend:      backend,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.key != nil {
		c.from = crypto.PubkeyToAddress(c.key.PublicKey)
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	c.chainID = chainID
	return c, nil
}

// Close releases the RPC connection when the backend holds one.
func (c *Client) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

// ChainID returns the chain id reported by the node.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Address returns the signing account, or the zero address for read-only clients.
func (c *Client) Address() common.Address {
	return c.from
}

// Receipt returns the receipt of a mined transaction. It returns an error
// wrapping ErrNotFound when the transaction is unknown or still pending.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get receipt %s: %w", hash.Hex(), err)
	}
	if receipt == nil {
		return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), ErrNotFound)
	}
	return receipt, nil
}

// WaitMined polls until the transaction has a receipt or ctx is done.
// Transient RPC errors are retried; the last one is reported on timeout.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := c.Receipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ErrNotFound) {
			c.logger.Debug("receipt poll failed", "txHash", hash.Hex(), "error", err)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w (last error: %v)", hash.Hex(), ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

// SendTransfer signs and broadcasts token.transfer(to, value).
func (c *Client) SendTransfer(ctx context.Context, token, to common.Address, value *big.Int) (common.Hash, error) {
	data, err := TokenABI.Pack("transfer", to, value)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack transfer: %w", err)
	}
	return c.send(ctx, token, data)
}

// SubmitAuthorization calls token.transferWithAuthorization with the signed
// authorization. The token contract enforces the validity window and nonce.
func (c *Client) SubmitAuthorization(ctx context.Context, token common.Address, auth *eip3009.Authorization, signature []byte) (common.Hash, error) {
	v, r, s, err := eip3009.SplitSignature(signature)
	if err != nil {
		return common.Hash{}, err
	}

	data, err := TokenABI.Pack("transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce, v, r, s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack transferWithAuthorization: %w", err)
	}
	return c.send(ctx, token, data)
}

// AuthorizationState reports whether the authorizer's nonce has been used or canceled.
func (c *Client) AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	out, err := c.call(ctx, token, "authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState result %T", out[0])
	}
	return used, nil
}

// BalanceOf returns the token balance of account.
func (c *Client) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	out, err := c.call(ctx, token, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", out[0])
	}
	return balance, nil
}

func (c *Client) call(ctx context.Context, token common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := TokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	out, err := TokenABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s result", method)
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, ErrNoKey
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}
	// Nodes behind a load balancer may not yet count our last broadcast.
	if c.nextNonce > nonce {
		nonce = c.nextNonce
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get gas price: %w", err)
	}

	gasLimit := c.gasLimit
	if gasLimit == 0 {
		gasLimit, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
		}
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	c.nextNonce = nonce + 1

	c.logger.Info("transaction sent", "txHash", signedTx.Hash().Hex(), "to", to.Hex(), "nonce", nonce)
	return signedTx.Hash(), nil
}
