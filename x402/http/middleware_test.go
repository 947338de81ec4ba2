package http

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/CeloMX/celo-mx/x402"
	"github.com/CeloMX/celo-mx/x402/chain"
	"github.com/CeloMX/celo-mx/x402/encoding"
	"github.com/CeloMX/celo-mx/x402/settle"
	"github.com/CeloMX/celo-mx/x402/signers/evm"
)

// testPrivateKey is the Foundry/Anvil first default account private key.
// This is a well-known test key - NEVER use in production.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const (
	testPayer     = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testRecipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testTxHash    = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
)

// executorFunc adapts a function to settle.Executor.
type executorFunc func(ctx context.Context, proof x402.PaymentProof) (*x402.SettlementResult, error)

func (f executorFunc) Execute(ctx context.Context, proof x402.PaymentProof) (*x402.SettlementResult, error) {
	return f(ctx, proof)
}

// countingExecutor settles every proof with testTxHash and counts calls.
func countingExecutor(calls *int32) settle.Executor {
	return executorFunc(func(context.Context, x402.PaymentProof) (*x402.SettlementResult, error) {
		atomic.AddInt32(calls, 1)
		return &x402.SettlementResult{OK: true, TxHash: testTxHash}, nil
	})
}

// scenarioConfig is the gate of a cUSD resource signed under the "USD Coin" domain.
func scenarioConfig(settler settle.Settler) Config {
	return Config{
		Amount:      "1.00",
		TokenSymbol: "cUSD",
		Recipient:   testRecipient,
		Scheme:      x402.SchemeEIP3009,
		EIP712:      &x402.EIP712Info{Name: "USD Coin", Version: "2"},
		Resource:    "https://example.com/api/data",
		Settler:     settler,
	}
}

func testWallet(t *testing.T) *evm.Signer {
	t.Helper()
	signer, err := evm.NewSigner(testPrivateKey)
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}
	return signer
}

// signedHeader signs offer with the test wallet and encodes it for X-PAYMENT.
func signedHeader(t *testing.T, offer x402.PaymentOffer) string {
	t.Helper()
	proof, err := x402.Authorize(context.Background(), offer, testWallet(t))
	if err != nil {
		t.Fatalf("Failed to sign offer: %v", err)
	}
	header, err := encoding.EncodeProof(*proof)
	if err != nil {
		t.Fatalf("Failed to encode proof: %v", err)
	}
	return header
}

func gateOffer(t *testing.T, config Config) x402.PaymentOffer {
	t.Helper()
	offer, err := NewGate(config).Offer(config.Resource)
	if err != nil {
		t.Fatalf("Failed to build offer: %v", err)
	}
	return offer
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return body
}

func TestMiddleware_NoPaymentHeader(t *testing.T) {
	var calls int32
	config := scenarioConfig(settle.NewFacilitatorSettler(countingExecutor(&calls)))

	handler := NewX402Middleware(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called without payment")
	}))

	req := httptest.NewRequest("GET", "/api/data", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", w.Code)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("Expected X-Request-Id to be set")
	}

	offer, err := encoding.DecodeOffer(w.Body.Bytes())
	if err != nil {
		t.Fatalf("Failed to decode offer: %v", err)
	}
	if offer.Recipient != testRecipient {
		t.Errorf("Expected recipient %s, got %s", testRecipient, offer.Recipient)
	}
	if offer.TokenAddress != x402.CUSDAddress {
		t.Errorf("Expected token address %s, got %s", x402.CUSDAddress, offer.TokenAddress)
	}
	if offer.AmountAtomic != "1000000000000000000" {
		t.Errorf("Expected 1e18 atomic units, got %s", offer.AmountAtomic)
	}
	if offer.EIP712 == nil || offer.EIP712.Name != "USD Coin" {
		t.Errorf("Expected USD Coin signing domain, got %+v", offer.EIP712)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("Expected no settlement, got %d calls", calls)
	}
}

func TestMiddleware_ValidPayment(t *testing.T) {
	var calls int32
	config := scenarioConfig(settle.NewFacilitatorSettler(countingExecutor(&calls)))

	var seen *x402.SettlementResult
	handler := NewX402Middleware(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetPaymentFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("secret"))
	}))

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set("X-PAYMENT", signedHeader(t, gateOffer(t, config)))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "secret" {
		t.Errorf("Expected protected body, got %q", w.Body.String())
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("Expected one settlement, got %d", calls)
	}
	if seen == nil || seen.TxHash != testTxHash || seen.Payer != testPayer {
		t.Errorf("Expected settlement in context, got %+v", seen)
	}
	if got := w.Header().Get("X-Payment-Tx-Hash"); got != testTxHash {
		t.Errorf("Expected tx hash header %s, got %s", testTxHash, got)
	}
	if w.Header().Get("X-PAYMENT-RESPONSE") == "" {
		t.Error("Expected X-PAYMENT-RESPONSE header")
	}
}

func TestMiddleware_AltHeader(t *testing.T) {
	var calls int32
	config := scenarioConfig(settle.NewFacilitatorSettler(countingExecutor(&calls)))
	handler := NewX402Middleware(config)(ReceiptHandler())

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set("PAYMENT-SIGNATURE", signedHeader(t, gateOffer(t, config)))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["ok"] != true || body["txHash"] != testTxHash {
		t.Errorf("Expected receipt body, got %v", body)
	}
}

func TestMiddleware_Underpayment(t *testing.T) {
	var calls int32
	config := scenarioConfig(settle.NewFacilitatorSettler(countingExecutor(&calls)))

	offer := gateOffer(t, config)
	offer.AmountAtomic = "500000000000000000"

	handler := NewX402Middleware(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called for an underpayment")
	}))

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set("X-PAYMENT", signedHeader(t, offer))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["error"] != "payment_invalid" {
		t.Errorf("Expected payment_invalid, got %v", body["error"])
	}
	if _, ok := body["payment"]; ok {
		t.Error("Expected no offer in a rejection")
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("Expected no settlement, got %d calls", calls)
	}
}

func TestMiddleware_MalformedHeader(t *testing.T) {
	var calls int32
	config := scenarioConfig(settle.NewFacilitatorSettler(countingExecutor(&calls)))
	handler := NewX402Middleware(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called with a malformed header")
	}))

	for _, value := range []string{"not-valid-base64!!!", "{\"domain\":", "0x1234"} {
		req := httptest.NewRequest("GET", "/api/data", nil)
		req.Header.Set("X-PAYMENT", value)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusPaymentRequired {
			t.Errorf("%q: expected status 402, got %d", value, w.Code)
			continue
		}
		offer, err := encoding.DecodeOffer(w.Body.Bytes())
		if err != nil {
			t.Errorf("%q: expected a fresh offer, got %v", value, err)
			continue
		}
		if offer.Recipient != testRecipient {
			t.Errorf("%q: expected recipient %s, got %s", value, testRecipient, offer.Recipient)
		}
		if body := decodeBody(t, w); body["error"] != "payment_payload_invalid" {
			t.Errorf("%q: expected payment_payload_invalid, got %v", value, body["error"])
		}
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("Expected no settlement, got %d calls", calls)
	}
}

func TestMiddleware_RecipientNotConfigured(t *testing.T) {
	var calls int32
	config := scenarioConfig(settle.NewFacilitatorSettler(countingExecutor(&calls)))
	config.Recipient = ""

	handler := NewX402Middleware(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called without a recipient")
	}))

	for _, header := range []string{"", testTxHash} {
		req := httptest.NewRequest("GET", "/api/data", nil)
		if header != "" {
			req.Header.Set("X-PAYMENT", header)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("Expected status 500, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["error"] != "recipient_not_configured" {
			t.Errorf("Expected recipient_not_configured, got %v", body["error"])
		}
		if _, ok := body["payment"]; ok {
			t.Error("Expected no offer to leak")
		}
	}
}

func TestMiddleware_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown token", mutate: func(c *Config) { c.TokenSymbol = "DOGE" }},
		{name: "zero amount", mutate: func(c *Config) { c.Amount = "0" }},
		{name: "no settler", mutate: func(c *Config) { c.Settler = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			config := scenarioConfig(settle.NewFacilitatorSettler(countingExecutor(&calls)))
			tt.mutate(&config)

			w := httptest.NewRecorder()
			NewX402Middleware(config)(ReceiptHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/api/data", nil))

			if w.Code != http.StatusInternalServerError {
				t.Errorf("Expected status 500, got %d", w.Code)
			}
			if body := decodeBody(t, w); body["error"] != "configuration_error" {
				t.Errorf("Expected configuration_error, got %v", body["error"])
			}
		})
	}
}

func TestMiddleware_SettlementFailures(t *testing.T) {
	tests := []struct {
		name     string
		settler  settle.Settler
		timeouts x402.TimeoutConfig
		want     x402.ErrorKind
	}{
		{
			name: "facilitator unavailable",
			settler: settle.SettlerFunc(func(context.Context, x402.PaymentProof, x402.Expectation) (*x402.SettlementResult, error) {
				return nil, fmt.Errorf("%w: connection refused", x402.ErrFacilitatorUnavailable)
			}),
			want: x402.KindSettleFailed,
		},
		{
			name: "reverted",
			settler: settle.SettlerFunc(func(context.Context, x402.PaymentProof, x402.Expectation) (*x402.SettlementResult, error) {
				return nil, x402.Invalid("transaction reverted")
			}),
			want: x402.KindPaymentInvalid,
		},
		{
			name: "not ok result",
			settler: settle.SettlerFunc(func(context.Context, x402.PaymentProof, x402.Expectation) (*x402.SettlementResult, error) {
				return &x402.SettlementResult{}, nil
			}),
			want: x402.KindSettleFailed,
		},
		{
			name: "stuck settlement",
			settler: settle.SettlerFunc(func(ctx context.Context, _ x402.PaymentProof, _ x402.Expectation) (*x402.SettlementResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
			timeouts: x402.DefaultTimeouts.WithVerifyTimeout(10 * time.Millisecond).WithSettleTimeout(20 * time.Millisecond),
			want:     x402.KindSettleFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := scenarioConfig(tt.settler)
			config.Timeouts = tt.timeouts

			handler := NewX402Middleware(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("Handler should not be called when settlement fails")
			}))

			req := httptest.NewRequest("GET", "/api/data", nil)
			req.Header.Set("X-PAYMENT", signedHeader(t, gateOffer(t, config)))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusPaymentRequired {
				t.Errorf("Expected status 402, got %d", w.Code)
			}
			if body := decodeBody(t, w); body["error"] != string(tt.want) {
				t.Errorf("Expected %s, got %v", tt.want, body["error"])
			}
		})
	}
}

func TestMiddleware_ExpiredAuthorization(t *testing.T) {
	var calls int32
	config := scenarioConfig(settle.NewFacilitatorSettler(countingExecutor(&calls)))

	authorizer := &x402.Authorizer{
		Wallet: testWallet(t),
		Now:    func() time.Time { return time.Now().Add(-time.Hour) },
	}
	proof, err := authorizer.Authorize(context.Background(), gateOffer(t, config))
	if err != nil {
		t.Fatalf("Failed to sign offer: %v", err)
	}
	header, err := encoding.EncodeProof(*proof)
	if err != nil {
		t.Fatalf("Failed to encode proof: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set("X-PAYMENT", header)
	w := httptest.NewRecorder()
	NewX402Middleware(config)(ReceiptHandler()).ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "payment_invalid" {
		t.Errorf("Expected payment_invalid, got %v", body["error"])
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("Expected no settlement, got %d calls", calls)
	}
}

// receiptSource serves a single receipt for testTxHash.
type receiptSource struct {
	receipt *types.Receipt
}

func (s receiptSource) Receipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if hash != common.HexToHash(testTxHash) || s.receipt == nil {
		return nil, chain.ErrNotFound
	}
	return s.receipt, nil
}

func transferReceipt(token string, value *big.Int) *types.Receipt {
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		TxHash: common.HexToHash(testTxHash),
		Logs: []*types.Log{{
			Address: common.HexToAddress(token),
			Topics: []common.Hash{
				chain.TransferTopic,
				common.BytesToHash(common.HexToAddress(testPayer).Bytes()),
				common.BytesToHash(common.HexToAddress(testRecipient).Bytes()),
			},
			Data: common.LeftPadBytes(value.Bytes(), 32),
		}},
	}
}

func TestMiddleware_DirectVerify(t *testing.T) {
	oneToken, _ := new(big.Int).SetString("1000000000000000000", 10)
	short := new(big.Int).Sub(oneToken, big.NewInt(1))

	tests := []struct {
		name       string
		receipt    *types.Receipt
		wantStatus int
		wantError  string
	}{
		{name: "exact transfer", receipt: transferReceipt(x402.X402Address, oneToken), wantStatus: http.StatusOK},
		{name: "short by one unit", receipt: transferReceipt(x402.X402Address, short), wantStatus: http.StatusPaymentRequired, wantError: "payment_invalid"},
		{name: "wrong token", receipt: transferReceipt(x402.CUSDAddress, oneToken), wantStatus: http.StatusPaymentRequired, wantError: "payment_invalid"},
		{name: "unknown transaction", wantStatus: http.StatusPaymentRequired, wantError: "payment_invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Config{
				Amount:      "1.00",
				TokenSymbol: "X402",
				Recipient:   testRecipient,
				Settler:     settle.NewDirectVerifier(receiptSource{receipt: tt.receipt}),
			}
			handler := NewX402Middleware(config)(ReceiptHandler())

			req := httptest.NewRequest("GET", "/api/x402/cmt", nil)
			req.Header.Set("X-PAYMENT", testTxHash)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			body := decodeBody(t, w)
			if tt.wantError != "" {
				if body["error"] != tt.wantError {
					t.Errorf("Expected %s, got %v", tt.wantError, body["error"])
				}
				return
			}
			if !strings.EqualFold(body["txHash"].(string), testTxHash) {
				t.Errorf("Expected tx hash %s, got %v", testTxHash, body["txHash"])
			}
		})
	}
}

func TestMiddleware_RequestIDEcho(t *testing.T) {
	config := scenarioConfig(settle.NewFacilitatorSettler(countingExecutor(new(int32))))
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set("X-Request-Id", "req-42")
	w := httptest.NewRecorder()
	NewX402Middleware(config)(ReceiptHandler()).ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-Id"); got != "req-42" {
		t.Errorf("Expected X-Request-Id req-42, got %q", got)
	}
}

func TestGetPaymentFromContext(t *testing.T) {
	if got := GetPaymentFromContext(context.Background()); got != nil {
		t.Errorf("Expected nil, got %+v", got)
	}

	result := &x402.SettlementResult{OK: true, TxHash: testTxHash}
	ctx := context.WithValue(context.Background(), PaymentContextKey, result)
	if got := GetPaymentFromContext(ctx); got != result {
		t.Errorf("Expected stored settlement, got %+v", got)
	}
}

func TestReceiptHandler_WithoutGate(t *testing.T) {
	w := httptest.NewRecorder()
	ReceiptHandler().ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
}
