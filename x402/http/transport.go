package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/CeloMX/celo-mx/x402"
	"github.com/CeloMX/celo-mx/x402/http/internal/helpers"
)

// PaymentTransport is a RoundTripper that pays for 402 responses.
//
// It sends the request unmodified. On a 402 it decodes the offer, checks the
// offered token against the allow-list, pays once (a signed authorization or an
// ERC-20 transfer, depending on the offer's scheme) and retries the request
// with the proof attached. The retry's response is returned as is, even when
// it is another 402: the transport never pays twice for one request.
type PaymentTransport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Wallet signs eip3009 authorizations.
	Wallet x402.WalletSigner

	// Sender pays transfer offers. Nil means transfer offers are refused.
	Sender x402.TransferSender

	// Registry is the allow-list of payable tokens. Defaults to x402.DefaultTokens().
	Registry *x402.TokenRegistry

	// AllowedTokens further restricts the payable symbols. Empty allows
	// every registered token.
	AllowedTokens []string

	// MaxAmount caps the atomic amount paid per request. Nil means no cap.
	MaxAmount *big.Int

	// Timeouts bounds the receipt wait and the paid retry.
	Timeouts x402.TimeoutConfig

	// Window is the authorization validity window. Defaults to x402.DefaultValidityWindow.
	Window time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnPaymentAttempt is called before paying.
	OnPaymentAttempt x402.PaymentCallback

	// OnPaymentSuccess is called when the paid retry is not answered with a 402.
	OnPaymentSuccess x402.PaymentCallback

	// OnPaymentFailure is called when paying or the paid retry fails.
	OnPaymentFailure x402.PaymentCallback
}

var defaultRegistry = x402.MustTokenRegistry(x402.DefaultTokens()...)

// RoundTrip implements http.RoundTripper.
func (t *PaymentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := t.logger()

	first, getBody, err := replayable(req)
	if err != nil {
		return nil, err
	}

	resp, err := base.RoundTrip(first)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	offer, err := helpers.ReadOffer(resp)
	if err != nil {
		logger.Warn("402 without a usable offer", "url", req.URL.String(), "error", err)
		return resp, nil
	}

	resp.Body.Close()

	offer, err = t.resolve(offer)
	if err != nil {
		return nil, err
	}

	// Nothing has been paid yet; a canceled call stops here.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	event := x402.NewPaymentEvent(req.URL.String(), offer)
	if wallet := t.payer(); wallet != "" {
		event.Payer = wallet
	}
	t.emit(t.OnPaymentAttempt, event)

	proof, err := t.pay(ctx, offer)
	if err != nil {
		t.fail(event, err)
		return nil, err
	}
	if proof.IsTransfer() {
		event.Transaction = proof.TxHash
	}
	if record := paymentRecordFrom(ctx); record != nil {
		record.proof = proof
		record.offer = offer
	}

	header, err := helpers.BuildPaymentHeader(*proof)
	if err != nil {
		t.fail(event, err)
		return nil, x402.NewPaymentError(x402.KindPayloadInvalid, "failed to build payment header", err)
	}

	// The proof is out. The retry runs to completion even if the caller gives up.
	timeouts := t.Timeouts.OrDefault()
	retryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.RequestTimeout)

	retry := req.Clone(retryCtx)
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			cancel()
			t.fail(event, err)
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
		retry.Body = body
		retry.GetBody = getBody
	}
	retry.Header.Set(x402.PaymentHeader, header)

	logger.Info("retrying with payment", "url", req.URL.String(), "scheme", offer.Scheme, "token", offer.TokenSymbol, "amountAtomic", offer.AmountAtomic)
	paid, err := base.RoundTrip(retry)
	if err != nil {
		cancel()
		t.fail(event, err)
		return nil, err
	}
	paid.Body = &cancelOnClose{ReadCloser: paid.Body, cancel: cancel}

	if paid.StatusCode == http.StatusPaymentRequired {
		t.fail(event, x402.ErrPaymentRequired)
		return paid, nil
	}

	success := event.Next(x402.PaymentEventSuccess)
	if settlement := helpers.ParseSettlement(paid.Header); settlement != nil {
		if settlement.TxHash != "" {
			success.Transaction = settlement.TxHash
		}
		if settlement.Payer != "" {
			success.Payer = settlement.Payer
		}
	}
	t.emit(t.OnPaymentSuccess, success)

	return paid, nil
}

// resolve checks offer against the allow-list and fills omitted fields.
func (t *PaymentTransport) resolve(offer x402.PaymentOffer) (x402.PaymentOffer, error) {
	registry := t.Registry
	if registry == nil {
		registry = defaultRegistry
	}
	resolved, err := registry.ResolveOffer(offer)
	if err != nil {
		return offer, err
	}

	if len(t.AllowedTokens) > 0 {
		allowed := false
		for _, symbol := range t.AllowedTokens {
			if strings.EqualFold(symbol, resolved.TokenSymbol) {
				allowed = true
				break
			}
		}
		if !allowed {
			return offer, fmt.Errorf("%w: %s", x402.ErrTokenNotAllowed, resolved.TokenSymbol)
		}
	}
	return resolved, nil
}

// pay produces the proof for offer. It is the only step that spends funds.
func (t *PaymentTransport) pay(ctx context.Context, offer x402.PaymentOffer) (*x402.PaymentProof, error) {
	switch offer.Scheme {
	case x402.SchemeEIP3009:
		authorizer := &x402.Authorizer{Wallet: t.Wallet, Window: t.Window, MaxAmount: t.MaxAmount}
		return authorizer.Authorize(ctx, offer)
	case x402.SchemeTransfer:
		return t.transfer(ctx, offer)
	default:
		return nil, fmt.Errorf("%w: %q", x402.ErrUnsupportedScheme, offer.Scheme)
	}
}

func (t *PaymentTransport) transfer(ctx context.Context, offer x402.PaymentOffer) (*x402.PaymentProof, error) {
	if t.Sender == nil {
		return nil, fmt.Errorf("%w: no transfer sender for %s", x402.ErrUnsupportedScheme, offer.Scheme)
	}
	if chainID := t.Sender.ChainID(); chainID == nil || !chainID.IsInt64() || chainID.Int64() != offer.ChainID {
		return nil, fmt.Errorf("%w: sender is on chain %v, offer is on chain %d", x402.ErrUnsupportedScheme, chainID, offer.ChainID)
	}
	if !common.IsHexAddress(offer.Recipient) {
		return nil, fmt.Errorf("%w: recipient %q", x402.ErrInvalidAddress, offer.Recipient)
	}
	value, err := offer.AmountAtomicInt()
	if err != nil {
		return nil, err
	}
	if value.Sign() == 0 {
		return nil, x402.ErrInvalidAmount
	}
	if t.MaxAmount != nil && value.Cmp(t.MaxAmount) > 0 {
		return nil, x402.ErrAmountExceeded
	}

	hash, err := t.Sender.SendTransfer(ctx, common.HexToAddress(offer.TokenAddress), common.HexToAddress(offer.Recipient), value)
	if err != nil {
		return nil, err
	}

	timeouts := t.Timeouts.OrDefault()
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.ConfirmTimeout)
	defer cancel()

	receipt, err := t.Sender.WaitMined(waitCtx, hash)
	if err != nil {
		return nil, fmt.Errorf("waiting for transfer %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", x402.ErrTransferReverted, hash.Hex())
	}

	t.logger().Info("payment transfer mined", "txHash", hash.Hex(), "block", receipt.BlockNumber)
	return &x402.PaymentProof{TxHash: hash.Hex()}, nil
}

func (t *PaymentTransport) payer() string {
	if t.Wallet != nil {
		return t.Wallet.Address().Hex()
	}
	return ""
}

func (t *PaymentTransport) fail(event x402.PaymentEvent, err error) {
	failure := event.Next(x402.PaymentEventFailure)
	failure.Error = err
	t.emit(t.OnPaymentFailure, failure)
}

func (t *PaymentTransport) emit(callback x402.PaymentCallback, event x402.PaymentEvent) {
	if callback != nil {
		callback(event)
	}
}

func (t *PaymentTransport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// replayable clones req for the first attempt and returns a way to obtain
// its body again for the paid retry.
func replayable(req *http.Request) (*http.Request, func() (io.ReadCloser, error), error) {
	first := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return first, nil, nil
	}
	if req.GetBody != nil {
		return first, req.GetBody, nil
	}

	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to buffer request body: %w", err)
	}
	getBody := func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	first.Body, _ = getBody()
	first.GetBody = getBody
	return first, getBody, nil
}

// cancelOnClose releases the retry context once the caller is done with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

type paymentRecordKey struct{}

// paymentRecord lets Client observe what the transport paid for a request.
type paymentRecord struct {
	proof *x402.PaymentProof
	offer x402.PaymentOffer
}

func withPaymentRecord(ctx context.Context) (context.Context, *paymentRecord) {
	record := &paymentRecord{}
	return context.WithValue(ctx, paymentRecordKey{}, record), record
}

func paymentRecordFrom(ctx context.Context) *paymentRecord {
	record, _ := ctx.Value(paymentRecordKey{}).(*paymentRecord)
	return record
}

// IsPaymentDeclined reports whether err means the wallet holder or the
// client's own limits refused to pay, as opposed to the server rejecting a payment.
func IsPaymentDeclined(err error) bool {
	return errors.Is(err, x402.ErrNoWallet) ||
		errors.Is(err, x402.ErrUserRejected) ||
		errors.Is(err, x402.ErrTokenNotAllowed) ||
		errors.Is(err, x402.ErrAmountExceeded)
}
