package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"

	"github.com/CeloMX/celo-mx/x402"
	"github.com/CeloMX/celo-mx/x402/encoding"
	"github.com/CeloMX/celo-mx/x402/settle"
)

const (
	testRecipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testTxHash    = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestLoadEnv(t *testing.T) {
	values := map[string]string{
		"X402_RECIPIENT_ADDRESS": testRecipient,
		"X402_FACILITATOR_URL":   "http://localhost:4000",
	}
	got := loadEnv(func(key string) string { return values[key] })

	want := demoEnv{
		Recipient:      testRecipient,
		RPCURL:         "https://forno.celo.org",
		RelayerRPCURL:  "https://sepolia.base.org",
		FacilitatorURL: "http://localhost:4000",
		Port:           "3000",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("loadEnv mismatch (-want +got):\n%s", diff)
	}
}

func TestRoutes_Offers(t *testing.T) {
	env := demoEnv{Recipient: testRecipient}
	stub := settle.SettlerFunc(func(context.Context, x402.PaymentProof, x402.Expectation) (*x402.SettlementResult, error) {
		return &x402.SettlementResult{OK: true, TxHash: testTxHash}, nil
	})
	router := newRouter(routes(env, stub, stub, nil))

	tests := []struct {
		path        string
		wantToken   string
		wantScheme  string
		wantAtomic  string
		wantNetwork string
	}{
		{path: "/api/x402/usdc", wantToken: "USDC", wantScheme: x402.SchemeEIP3009, wantAtomic: "10000", wantNetwork: "base:84532"},
		{path: "/api/x402/cmt", wantToken: "X402", wantScheme: x402.SchemeTransfer, wantAtomic: "1000000000000000000", wantNetwork: "celo:42220"},
		{path: "/api/secret-data", wantToken: "cUSD", wantScheme: x402.SchemeTransfer, wantAtomic: "1000000000000000000", wantNetwork: "celo:42220"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != http.StatusPaymentRequired {
				t.Fatalf("Expected status 402, got %d", rec.Code)
			}
			offer, err := encoding.DecodeOffer(rec.Body.Bytes())
			if err != nil {
				t.Fatalf("Failed to decode offer: %v", err)
			}
			if offer.TokenSymbol != tt.wantToken || offer.Scheme != tt.wantScheme ||
				offer.AmountAtomic != tt.wantAtomic || offer.Network != tt.wantNetwork {
				t.Errorf("Unexpected offer: %+v", offer)
			}
		})
	}
}

func TestRoutes_PaidResponse(t *testing.T) {
	stub := settle.SettlerFunc(func(_ context.Context, proof x402.PaymentProof, _ x402.Expectation) (*x402.SettlementResult, error) {
		return &x402.SettlementResult{OK: true, TxHash: proof.TxHash, Network: "celo:42220"}, nil
	})
	router := newRouter(routes(demoEnv{Recipient: testRecipient}, stub, nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/secret-data", nil)
	req.Header.Set("X-PAYMENT", testTxHash)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["ok"] != true || body["txHash"] != testTxHash {
		t.Errorf("Expected {ok:true, txHash}, got %v", body)
	}
}

func TestRoutes_Misconfigured(t *testing.T) {
	stub := settle.SettlerFunc(func(context.Context, x402.PaymentProof, x402.Expectation) (*x402.SettlementResult, error) {
		t.Error("Settler should not be called")
		return nil, nil
	})

	tests := []struct {
		name     string
		env      demoEnv
		path     string
		wantKind x402.ErrorKind
	}{
		{name: "no recipient", env: demoEnv{}, path: "/api/secret-data", wantKind: x402.KindRecipientNotConfigured},
		{name: "no facilitator", env: demoEnv{Recipient: testRecipient}, path: "/api/x402/usdc", wantKind: x402.KindConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(routes(tt.env, stub, nil, nil))

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("Expected status 500, got %d", rec.Code)
			}
			var body x402.OfferResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if body.Error != tt.wantKind {
				t.Errorf("Expected %s, got %s", tt.wantKind, body.Error)
			}
		})
	}
}
