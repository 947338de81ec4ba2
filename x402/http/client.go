package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/CeloMX/celo-mx/x402"
	"github.com/CeloMX/celo-mx/x402/http/internal/helpers"
)

// Client is an HTTP client that automatically pays for x402 protected resources.
// It wraps a standard http.Client and adds payment handling via PaymentTransport.
type Client struct {
	*http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a paying HTTP client.
func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{
		Client: &http.Client{},
	}
	getOrCreateTransport(client)

	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}

	return client, nil
}

// WithHTTPClient sets the underlying HTTP client. Its transport becomes the
// base of the paying transport.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		if httpClient == nil {
			return fmt.Errorf("http client is nil")
		}
		previous := getOrCreateTransport(c)
		c.Client = httpClient
		base := httpClient.Transport
		if existing, ok := base.(*PaymentTransport); ok {
			base = existing.Base
		}
		transport := *previous
		transport.Base = base
		c.Transport = &transport
		return nil
	}
}

// WithWallet sets the signer used for eip3009 offers. A wallet that can also
// send transfers is used for transfer offers unless WithTransferSender is set.
func WithWallet(wallet x402.WalletSigner) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)
		transport.Wallet = wallet
		if sender, ok := wallet.(x402.TransferSender); ok && transport.Sender == nil {
			transport.Sender = sender
		}
		return nil
	}
}

// WithTransferSender sets who pays transfer offers.
func WithTransferSender(sender x402.TransferSender) ClientOption {
	return func(c *Client) error {
		getOrCreateTransport(c).Sender = sender
		return nil
	}
}

// WithTokenRegistry sets the registry used as the token allow-list.
func WithTokenRegistry(registry *x402.TokenRegistry) ClientOption {
	return func(c *Client) error {
		getOrCreateTransport(c).Registry = registry
		return nil
	}
}

// WithAllowedTokens restricts payments to the given symbols.
func WithAllowedTokens(symbols ...string) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)
		transport.AllowedTokens = append(transport.AllowedTokens, symbols...)
		return nil
	}
}

// WithMaxAmount caps the atomic amount paid per request.
func WithMaxAmount(amount *big.Int) ClientOption {
	return func(c *Client) error {
		if amount != nil && amount.Sign() < 0 {
			return x402.ErrInvalidAmount
		}
		getOrCreateTransport(c).MaxAmount = amount
		return nil
	}
}

// WithTimeouts sets the payment timeouts.
func WithTimeouts(timeouts x402.TimeoutConfig) ClientOption {
	return func(c *Client) error {
		if err := timeouts.Validate(); err != nil {
			return err
		}
		getOrCreateTransport(c).Timeouts = timeouts
		return nil
	}
}

// WithLogger sets the logger of the paying transport.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		getOrCreateTransport(c).Logger = logger
		return nil
	}
}

// WithPaymentCallback sets a callback for a specific payment event type.
func WithPaymentCallback(eventType x402.PaymentEventType, callback x402.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)

		switch eventType {
		case x402.PaymentEventAttempt:
			transport.OnPaymentAttempt = callback
		case x402.PaymentEventSuccess:
			transport.OnPaymentSuccess = callback
		case x402.PaymentEventFailure:
			transport.OnPaymentFailure = callback
		default:
			return fmt.Errorf("unknown payment event type: %s", eventType)
		}

		return nil
	}
}

// WithPaymentCallbacks sets all payment callbacks at once.
// Pass nil for any callback you don't want to set.
func WithPaymentCallbacks(onAttempt, onSuccess, onFailure x402.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)

		if onAttempt != nil {
			transport.OnPaymentAttempt = onAttempt
		}
		if onSuccess != nil {
			transport.OnPaymentSuccess = onSuccess
		}
		if onFailure != nil {
			transport.OnPaymentFailure = onFailure
		}

		return nil
	}
}

// getOrCreateTransport gets the PaymentTransport or wraps the current transport in one.
func getOrCreateTransport(c *Client) *PaymentTransport {
	transport, ok := c.Transport.(*PaymentTransport)
	if !ok {
		base := c.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		transport = &PaymentTransport{Base: base}
		c.Transport = transport
	}
	return transport
}

// FetchResult is the outcome of FetchWithPayment.
type FetchResult struct {
	// Response is the final response. The caller must close its body.
	Response *http.Response

	// Paid reports whether a payment was made for this call.
	Paid bool

	// TxHash is the settlement or transfer transaction, when known.
	TxHash string

	// Settlement is the server's X-PAYMENT-RESPONSE, when present.
	Settlement *x402.SettlementResult
}

// FetchWithPayment sends req, paying at most once if the server asks for it.
//
// A response that did not need payment is returned with Paid false. When the
// paid retry is answered with another 402 the response is returned together
// with an error wrapping x402.ErrPaymentRequired whose kind is the server's
// errorKind. Wallet refusals (x402.ErrNoWallet, x402.ErrUserRejected) are
// returned as they are.
func (c *Client) FetchWithPayment(req *http.Request) (*FetchResult, error) {
	ctx, record := withPaymentRecord(req.Context())

	resp, err := c.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}

	result := &FetchResult{Response: resp}
	if record.proof == nil {
		return result, nil
	}

	result.Paid = true
	result.Settlement = GetSettlement(resp)
	switch {
	case result.Settlement != nil && result.Settlement.TxHash != "":
		result.TxHash = result.Settlement.TxHash
	case record.proof.IsTransfer():
		result.TxHash = record.proof.TxHash
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		kind := rejectionKind(resp)
		return result, x402.NewPaymentError(kind, "paid request was answered with 402", x402.ErrPaymentRequired).
			WithDetails("url", req.URL.String()).
			WithDetails("tokenSymbol", record.offer.TokenSymbol)
	}

	return result, nil
}

// GetSettlement extracts settlement information from an HTTP response.
// Returns nil if no settlement header is present or if parsing fails.
func GetSettlement(resp *http.Response) *x402.SettlementResult {
	if resp == nil {
		return nil
	}
	return helpers.ParseSettlement(resp.Header)
}

// rejectionKind reads {"error": kind} from a 402 and restores the body.
func rejectionKind(resp *http.Response) x402.ErrorKind {
	body, err := io.ReadAll(io.LimitReader(resp.Body, helpers.MaxOfferBody))
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
	if err != nil {
		return x402.KindPaymentInvalid
	}

	var rejection x402.OfferResponse
	if err := json.Unmarshal(body, &rejection); err != nil || rejection.Error == "" {
		return x402.KindPaymentInvalid
	}
	return rejection.Error
}
