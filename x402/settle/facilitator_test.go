package settle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CeloMX/celo-mx/x402"
)

type fakeExecutor struct {
	calls  int
	result *x402.SettlementResult
	err    error
	run    func(ctx context.Context) error
}

func (f *fakeExecutor) Execute(ctx context.Context, _ x402.PaymentProof) (*x402.SettlementResult, error) {
	f.calls++
	if f.run != nil {
		if err := f.run(ctx); err != nil {
			return nil, err
		}
	}
	return f.result, f.err
}

func okExecutor() *fakeExecutor {
	return &fakeExecutor{result: &x402.SettlementResult{OK: true, TxHash: testTxHash}}
}

func TestFacilitatorSettlerSettle(t *testing.T) {
	offer := usdcOffer()
	executor := okExecutor()
	settler := NewFacilitatorSettler(executor, WithClock(fixedClock))

	result, err := settler.Settle(context.Background(), signedProof(t, offer), offer.Expectation())
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, testTxHash, result.TxHash)
	require.Equal(t, testPayer, result.Payer)
	require.Equal(t, "celo:42220", result.Network)
	require.Equal(t, 1, executor.calls)
}

func TestFacilitatorSettlerExactMatch(t *testing.T) {
	offer := usdcOffer()
	proof := signedProof(t, offer)

	tests := []struct {
		name   string
		mutate func(p *x402.PaymentProof, e *x402.Expectation)
	}{
		{name: "chainId", mutate: func(p *x402.PaymentProof, _ *x402.Expectation) { p.Domain.ChainID = x402.ChainBase }},
		{name: "verifyingContract", mutate: func(p *x402.PaymentProof, _ *x402.Expectation) { p.Domain.VerifyingContract = x402.CUSDAddress }},
		{name: "tokenAddress", mutate: func(p *x402.PaymentProof, _ *x402.Expectation) { p.TokenAddress = x402.CUSDAddress }},
		{name: "recipient", mutate: func(p *x402.PaymentProof, _ *x402.Expectation) { p.Message.To = otherAddress }},
		{name: "underpaid", mutate: func(_ *x402.PaymentProof, e *x402.Expectation) { e.AmountAtomic = "10001" }},
		{name: "overpaid", mutate: func(_ *x402.PaymentProof, e *x402.Expectation) { e.AmountAtomic = "9999" }},
		{name: "non-numeric value", mutate: func(p *x402.PaymentProof, _ *x402.Expectation) { p.Message.Value = "ten thousand" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, e := proof, offer.Expectation()
			tt.mutate(&p, &e)

			executor := okExecutor()
			settler := NewFacilitatorSettler(executor, WithClock(fixedClock))

			result, err := settler.Settle(context.Background(), p, e)
			require.Nil(t, result)
			require.ErrorIs(t, err, x402.ErrPaymentInvalid)
			require.Equal(t, x402.KindPaymentInvalid, x402.KindOf(err))
			require.Zero(t, executor.calls)
		})
	}
}

func TestFacilitatorSettlerAddressCase(t *testing.T) {
	offer := usdcOffer()
	proof := signedProof(t, offer)

	expected := offer.Expectation()
	expected.Recipient = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
	expected.TokenAddress = "0xceba9300f2b948710d2653dd7b07f33a8b32118c"

	settler := NewFacilitatorSettler(okExecutor(), WithClock(fixedClock))
	_, err := settler.Settle(context.Background(), proof, expected)
	require.NoError(t, err)
}

func TestFacilitatorSettlerWindow(t *testing.T) {
	offer := usdcOffer()
	proof := signedProof(t, offer)

	for name, now := range map[string]time.Time{
		"expired":       testNow.Add(x402.DefaultValidityWindow + time.Minute),
		"not yet valid": testNow.Add(-time.Minute),
	} {
		t.Run(name, func(t *testing.T) {
			executor := okExecutor()
			settler := NewFacilitatorSettler(executor, WithClock(func() time.Time { return now }))

			_, err := settler.Settle(context.Background(), proof, offer.Expectation())
			require.Equal(t, x402.KindPaymentInvalid, x402.KindOf(err))
			require.Zero(t, executor.calls)
		})
	}
}

func TestFacilitatorSettlerWrongSigner(t *testing.T) {
	offer := usdcOffer()
	proof := signedProof(t, offer)
	proof.Message.From = otherAddress

	executor := okExecutor()
	settler := NewFacilitatorSettler(executor, WithClock(fixedClock))

	_, err := settler.Settle(context.Background(), proof, offer.Expectation())
	require.Equal(t, x402.KindPaymentInvalid, x402.KindOf(err))
	require.Zero(t, executor.calls)
}

func TestFacilitatorSettlerConfiguration(t *testing.T) {
	offer := usdcOffer()
	proof := signedProof(t, offer)

	expected := offer.Expectation()
	expected.Recipient = ""
	_, err := NewFacilitatorSettler(okExecutor()).Settle(context.Background(), proof, expected)
	require.ErrorIs(t, err, x402.ErrRecipientNotConfigured)
	require.Equal(t, x402.KindRecipientNotConfigured, x402.KindOf(err))

	expected = offer.Expectation()
	expected.AmountAtomic = "0"
	_, err = NewFacilitatorSettler(okExecutor()).Settle(context.Background(), proof, expected)
	require.Equal(t, x402.KindConfiguration, x402.KindOf(err))
}

func TestFacilitatorSettlerRejectsTxHash(t *testing.T) {
	settler := NewFacilitatorSettler(okExecutor())
	_, err := settler.Settle(context.Background(), x402.PaymentProof{TxHash: testTxHash}, usdcOffer().Expectation())
	require.Equal(t, x402.KindPaymentInvalid, x402.KindOf(err))
}

func TestFacilitatorSettlerTimeout(t *testing.T) {
	offer := usdcOffer()
	executor := &fakeExecutor{run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	settler := NewFacilitatorSettler(executor, WithClock(fixedClock), WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := settler.Settle(context.Background(), signedProof(t, offer), offer.Expectation())
	require.Equal(t, x402.KindSettleFailed, x402.KindOf(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestFacilitatorSettlerSurvivesCallerCancel(t *testing.T) {
	offer := usdcOffer()
	ctx, cancel := context.WithCancel(context.Background())

	executor := &fakeExecutor{
		result: &x402.SettlementResult{OK: true, TxHash: testTxHash},
		run: func(execCtx context.Context) error {
			cancel()
			return execCtx.Err()
		},
	}
	settler := NewFacilitatorSettler(executor, WithClock(fixedClock))

	result, err := settler.Settle(ctx, signedProof(t, offer), offer.Expectation())
	require.NoError(t, err)
	require.True(t, result.OK)
}

func TestFacilitatorSettlerCanceledBeforeExecute(t *testing.T) {
	offer := usdcOffer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	executor := okExecutor()
	settler := NewFacilitatorSettler(executor, WithClock(fixedClock))

	_, err := settler.Settle(ctx, signedProof(t, offer), offer.Expectation())
	require.Equal(t, x402.KindSettleFailed, x402.KindOf(err))
	require.Zero(t, executor.calls)
}

func TestFacilitatorSettlerExecutorFailures(t *testing.T) {
	offer := usdcOffer()
	proof := signedProof(t, offer)

	tests := []struct {
		name     string
		executor *fakeExecutor
		wantKind x402.ErrorKind
	}{
		{
			name:     "revert passes through",
			executor: &fakeExecutor{err: x402.Invalid("transaction reverted")},
			wantKind: x402.KindPaymentInvalid,
		},
		{
			name:     "unclassified error",
			executor: &fakeExecutor{err: errors.New("boom")},
			wantKind: x402.KindSettleFailed,
		},
		{
			name:     "not ok result with kind",
			executor: &fakeExecutor{result: x402.Failed(x402.KindPaymentInvalid)},
			wantKind: x402.KindPaymentInvalid,
		},
		{
			name:     "not ok result without kind",
			executor: &fakeExecutor{result: &x402.SettlementResult{}},
			wantKind: x402.KindSettleFailed,
		},
		{
			name:     "nil result",
			executor: &fakeExecutor{},
			wantKind: x402.KindSettleFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settler := NewFacilitatorSettler(tt.executor, WithClock(fixedClock))
			result, err := settler.Settle(context.Background(), proof, offer.Expectation())
			require.Nil(t, result)
			require.Equal(t, tt.wantKind, x402.KindOf(err))
		})
	}
}
