package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/CeloMX/celo-mx/x402"
	"github.com/CeloMX/celo-mx/x402/facilitator"
	"github.com/CeloMX/celo-mx/x402/http/internal/helpers"
	"github.com/CeloMX/celo-mx/x402/settle"
	"github.com/CeloMX/celo-mx/x402/validation"
)

// FacilitatorHandlerConfig configures NewFacilitatorHandler.
type FacilitatorHandlerConfig struct {
	// Registry lists the tokens the facilitator settles. Defaults to x402.DefaultTokens().
	Registry *x402.TokenRegistry

	// Limiter throttles /settle. Nil disables rate limiting.
	Limiter *rate.Limiter

	// ChainID restricts /supported and /settle to one chain. Zero uses the
	// executor's chain when it reports one, as settle.RelayExecutor does.
	ChainID int64

	// Timeouts bounds each execution. Zero fields use x402.DefaultTimeouts.
	Timeouts x402.TimeoutConfig

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

const maxSettleRequest = 64 << 10

// NewFacilitatorHandler serves POST /settle and GET /supported on top of an
// executor, usually a settle.RelayExecutor holding the relayer key.
//
// /settle answers 200 with the SettlementResult, 400 for an undecodable
// proof, 402 for payment_invalid, 429 when the limiter refuses and 500 for
// settle_failed. Execution continues after the caller disconnects.
func NewFacilitatorHandler(executor settle.Executor, config FacilitatorHandlerConfig) http.Handler {
	registry := config.Registry
	if registry == nil {
		registry = defaultRegistry
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeouts := config.Timeouts.OrDefault()

	chainID := config.ChainID
	if reporter, ok := executor.(interface{ ChainID() *big.Int }); ok && chainID == 0 {
		if id := reporter.ChainID(); id != nil && id.IsInt64() {
			chainID = id.Int64()
		}
	}
	var chains []int64
	if chainID != 0 {
		chains = append(chains, chainID)
	}
	supported := facilitator.SupportedResponse{Kinds: facilitator.KindsFor(registry, chains...)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /supported", func(w http.ResponseWriter, r *http.Request) {
		_ = helpers.WriteJSON(w, http.StatusOK, supported)
	})
	mux.HandleFunc("POST /settle", func(w http.ResponseWriter, r *http.Request) {
		log := logger.With("requestId", helpers.RequestID(r))

		if config.Limiter != nil && !config.Limiter.Allow() {
			log.Warn("settle request rate limited")
			writeSettleError(w, http.StatusTooManyRequests, x402.KindSettleFailed, "rate limited")
			return
		}

		var req facilitator.SettleRequest
		body, err := io.ReadAll(io.LimitReader(r.Body, maxSettleRequest))
		if err == nil {
			err = json.Unmarshal(body, &req)
		}
		if err == nil {
			err = validation.ValidateProof(req.Proof)
		}
		if err != nil {
			log.Warn("undecodable settle request", "error", err)
			writeSettleError(w, http.StatusBadRequest, x402.KindPayloadInvalid, "")
			return
		}

		token, err := registry.LookupAddress(req.Proof.Domain.VerifyingContract, req.Proof.Domain.ChainID)
		if err != nil || token.EIP712 == nil || (chainID != 0 && token.ChainID != chainID) {
			log.Warn("token not settleable", "token", req.Proof.Domain.VerifyingContract, "chainId", req.Proof.Domain.ChainID)
			writeSettleError(w, http.StatusPaymentRequired, x402.KindPaymentInvalid, "token not supported")
			return
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeouts.SettleTimeout)
		defer cancel()

		log = log.With("token", token.Symbol, "from", req.Proof.Message.From)
		result, err := executor.Execute(ctx, req.Proof)
		if err == nil && (result == nil || !result.OK) {
			kind := x402.KindSettleFailed
			if result != nil && result.ErrorKind != "" {
				kind = result.ErrorKind
			}
			err = x402.NewPaymentError(kind, "settlement rejected", x402.ErrSettlementFailed)
		}
		if err != nil {
			kind := x402.KindOf(err)
			status := settleStatus(kind)
			if status == http.StatusInternalServerError {
				log.Error("settlement failed", "error", err, "kind", kind)
			} else {
				log.Warn("settlement rejected", "error", err, "kind", kind)
			}
			writeSettleError(w, status, kind, "")
			return
		}

		if result.Network == "" {
			result.Network = x402.FormatNetwork(token.ChainID)
		}
		if result.Payer == "" {
			result.Payer = common.HexToAddress(req.Proof.Message.From).Hex()
		}
		log.Info("authorization settled", "txHash", result.TxHash)
		_ = helpers.WriteJSON(w, http.StatusOK, result)
	})
	return mux
}

func settleStatus(kind x402.ErrorKind) int {
	switch kind {
	case x402.KindPaymentInvalid:
		return http.StatusPaymentRequired
	case x402.KindPayloadInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeSettleError(w http.ResponseWriter, status int, kind x402.ErrorKind, message string) {
	_ = helpers.WriteJSON(w, status, facilitator.ErrorResponse{OK: false, ErrorKind: kind, Message: message})
}
