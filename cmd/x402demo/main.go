// Command x402demo runs the CeloMX paid API, a paying client and a
// settlement facilitator.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/CeloMX/celo-mx/x402"
	"github.com/CeloMX/celo-mx/x402/chain"
	x402http "github.com/CeloMX/celo-mx/x402/http"
	ginx402 "github.com/CeloMX/celo-mx/x402/http/gin"
	"github.com/CeloMX/celo-mx/x402/settle"
	"github.com/CeloMX/celo-mx/x402/signers/evm"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	env := loadEnv(os.Getenv)
	switch os.Args[1] {
	case "server":
		runServer(env, os.Args[2:])
	case "client":
		runClient(env, os.Args[2:])
	case "facilitator":
		runFacilitator(env, os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("x402demo - pay-per-request APIs on Celo with HTTP 402")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  x402demo server [flags]       - Serve the paid API routes")
	fmt.Println("  x402demo client [flags]       - Fetch a paid route, paying once if asked")
	fmt.Println("  x402demo facilitator [flags]  - Settle signed authorizations with a relayer key")
	fmt.Println()
	fmt.Println("Configuration is read from the environment and .env:")
	fmt.Println("  X402_RECIPIENT_ADDRESS, X402_RPC_URL, X402_RELAYER_RPC_URL,")
	fmt.Println("  X402_RELAYER_PRIVATE_KEY, X402_FACILITATOR_URL, X402_PRIVATE_KEY, PORT")
}

// demoEnv is the process configuration.
type demoEnv struct {
	Recipient      string
	RPCURL         string
	RelayerRPCURL  string
	RelayerKey     string
	FacilitatorURL string
	PrivateKey     string
	Port           string
}

func loadEnv(getenv func(string) string) demoEnv {
	env := demoEnv{
		Recipient:      getenv("X402_RECIPIENT_ADDRESS"),
		RPCURL:         getenv("X402_RPC_URL"),
		RelayerRPCURL:  getenv("X402_RELAYER_RPC_URL"),
		RelayerKey:     getenv("X402_RELAYER_PRIVATE_KEY"),
		FacilitatorURL: getenv("X402_FACILITATOR_URL"),
		PrivateKey:     getenv("X402_PRIVATE_KEY"),
		Port:           getenv("PORT"),
	}
	if env.RPCURL == "" {
		env.RPCURL = "https://forno.celo.org"
	}
	if env.RelayerRPCURL == "" {
		env.RelayerRPCURL = "https://sepolia.base.org"
	}
	if env.Port == "" {
		env.Port = "3000"
	}
	return env
}

// route is one paid endpoint of the demo server.
type route struct {
	Path    string
	Config  x402http.Config
	Message string
}

// routes builds the paid endpoints. A nil settler leaves the route answering
// 500 configuration_error.
func routes(env demoEnv, direct, facilitated settle.Settler, logger *slog.Logger) []route {
	return []route{
		{
			Path: "/api/x402/usdc",
			Config: x402http.Config{
				Amount:      "0.01",
				TokenSymbol: "USDC",
				ChainID:     x402.ChainBaseSepolia,
				Recipient:   env.Recipient,
				Settler:     facilitated,
				Logger:      logger,
			},
			Message: "USDC payment settled",
		},
		{
			Path: "/api/x402/cmt",
			Config: x402http.Config{
				Amount:      "1.00",
				TokenSymbol: "X402",
				Recipient:   env.Recipient,
				Scheme:      x402.SchemeTransfer,
				Settler:     direct,
				Logger:      logger,
			},
			Message: "X402 token payment verified",
		},
		{
			Path: "/api/secret-data",
			Config: x402http.Config{
				Amount:      "1.00",
				TokenSymbol: "cUSD",
				Recipient:   env.Recipient,
				Scheme:      x402.SchemeTransfer,
				Settler:     direct,
				Logger:      logger,
			},
			Message: "Access granted to secret data",
		},
	}
}

func newRouter(paid []route) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	for _, rt := range paid {
		message := rt.Message
		r.GET(rt.Path, ginx402.NewX402Middleware(rt.Config), func(c *gin.Context) {
			payment := ginx402.GetPaymentFromContext(c)
			c.JSON(http.StatusOK, gin.H{
				"ok":      true,
				"txHash":  payment.TxHash,
				"payer":   payment.Payer,
				"network": payment.Network,
				"message": message,
			})
		})
	}
	return r
}

func runServer(env demoEnv, args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	port := fs.String("port", env.Port, "Server port")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	_ = fs.Parse(args)

	logger := newLogger(*verbose)
	if !*verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if env.Recipient == "" {
		logger.Error("X402_RECIPIENT_ADDRESS is not set; paid routes will answer 500")
	}

	var direct settle.Settler
	celo, err := chain.Dial(ctx, env.RPCURL, chain.WithLogger(logger))
	if err != nil {
		logger.Error("direct verification disabled", "rpc", env.RPCURL, "error", err)
	} else {
		defer celo.Close()
		direct = settle.NewDirectVerifier(celo, settle.WithLogger(logger))
	}

	facilitated, closeRelayer := facilitatedSettler(ctx, env, logger)
	defer closeRelayer()

	server := &http.Server{
		Addr:              ":" + *port,
		Handler:           newRouter(routes(env, direct, facilitated, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Printf("Serving paid API on http://localhost:%s\n", *port)
	fmt.Println("  GET /api/x402/usdc   - 0.01 USDC (signed authorization, Base Sepolia)")
	fmt.Println("  GET /api/x402/cmt    - 1.00 X402 (transfer, Celo)")
	fmt.Println("  GET /api/secret-data - 1.00 cUSD (transfer, Celo)")
	serve(ctx, server, logger)
}

// facilitatedSettler prefers a remote facilitator and falls back to a local
// relayer key.
func facilitatedSettler(ctx context.Context, env demoEnv, logger *slog.Logger) (settle.Settler, func()) {
	switch {
	case env.FacilitatorURL != "":
		client := x402http.NewFacilitatorClient(env.FacilitatorURL)
		client.MaxRetries = 2
		logger.Info("settling authorizations through facilitator", "url", env.FacilitatorURL)
		return settle.NewFacilitatorSettler(client, settle.WithLogger(logger)), func() {}
	case env.RelayerKey != "":
		relayer, err := chain.Dial(ctx, env.RelayerRPCURL, chain.WithPrivateKey(env.RelayerKey), chain.WithLogger(logger))
		if err != nil {
			logger.Error("relayer unavailable", "rpc", env.RelayerRPCURL, "error", err)
			return nil, func() {}
		}
		logger.Info("settling authorizations with local relayer", "relayer", relayer.Address().Hex())
		executor := settle.NewRelayExecutor(relayer, settle.WithLogger(logger))
		return settle.NewFacilitatorSettler(executor, settle.WithLogger(logger)), relayer.Close
	default:
		logger.Error("neither X402_FACILITATOR_URL nor X402_RELAYER_PRIVATE_KEY is set; /api/x402/usdc will answer 500")
		return nil, func() {}
	}
}

func runFacilitator(env demoEnv, args []string) {
	fs := flag.NewFlagSet("facilitator", flag.ExitOnError)
	port := fs.String("port", env.Port, "Facilitator port")
	rpcURL := fs.String("rpc", env.RelayerRPCURL, "RPC endpoint of the settlement chain")
	rps := fs.Float64("rps", 5, "Settle requests per second (0 disables limiting)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	_ = fs.Parse(args)

	logger := newLogger(*verbose)
	if env.RelayerKey == "" {
		log.Fatal("X402_RELAYER_PRIVATE_KEY is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relayer, err := chain.Dial(ctx, *rpcURL, chain.WithPrivateKey(env.RelayerKey), chain.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to connect relayer: %v", err)
	}
	defer relayer.Close()

	config := x402http.FacilitatorHandlerConfig{Logger: logger}
	if *rps > 0 {
		config.Limiter = rate.NewLimiter(rate.Limit(*rps), int(*rps)+1)
	}

	server := &http.Server{
		Addr:              ":" + *port,
		Handler:           x402http.NewFacilitatorHandler(settle.NewRelayExecutor(relayer, settle.WithLogger(logger)), config),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Printf("Facilitator on http://localhost:%s (chain %s, relayer %s)\n", *port, relayer.ChainID(), relayer.Address().Hex())
	serve(ctx, server, logger)
}

func runClient(env demoEnv, args []string) {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	url := fs.String("url", "", "Paid URL to fetch")
	key := fs.String("key", env.PrivateKey, "Payer private key (hex)")
	rpcURL := fs.String("rpc", env.RPCURL, "RPC endpoint used to send transfers")
	maxAmount := fs.String("max-amount", "", "Maximum amount per call in atomic units (optional)")
	tokens := fs.String("token", "", "Only pay in this token symbol (optional)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	_ = fs.Parse(args)

	if *key == "" || *url == "" {
		fmt.Println("Error: --url and --key (or X402_PRIVATE_KEY) are required")
		fmt.Println()
		fs.PrintDefaults()
		os.Exit(1)
	}

	logger := newLogger(*verbose)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var signerOpts []evm.Option
	if sender, err := chain.Dial(ctx, *rpcURL, chain.WithPrivateKey(*key), chain.WithLogger(logger)); err != nil {
		logger.Warn("transfer offers disabled", "rpc", *rpcURL, "error", err)
	} else {
		defer sender.Close()
		signerOpts = append(signerOpts, evm.WithTransferSender(sender))
	}

	opts := []x402http.ClientOption{x402http.WithLogger(logger)}
	if *maxAmount != "" {
		limit, ok := new(big.Int).SetString(*maxAmount, 10)
		if !ok {
			log.Fatalf("Invalid max amount: %s", *maxAmount)
		}
		opts = append(opts, x402http.WithMaxAmount(limit))
	}
	if *tokens != "" {
		opts = append(opts, x402http.WithAllowedTokens(*tokens))
	}
	opts = append(opts, x402http.WithPaymentCallbacks(
		func(e x402.PaymentEvent) {
			fmt.Printf("Paying %s atomic units of %s to %s on %s\n", e.Amount, e.Asset, e.Recipient, e.Network)
		},
		nil,
		func(e x402.PaymentEvent) {
			fmt.Printf("Payment failed: %v\n", e.Error)
		},
	))

	signer, err := evm.NewSigner(*key, signerOpts...)
	if err != nil {
		log.Fatalf("Failed to create signer: %v", err)
	}
	opts = append(opts, x402http.WithWallet(signer))

	client, err := x402http.NewClient(opts...)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *url, nil)
	if err != nil {
		log.Fatalf("Invalid URL: %v", err)
	}

	fmt.Printf("Payer: %s\nFetching: %s\n", signer.Address().Hex(), *url)
	result, err := client.FetchWithPayment(req)
	if err != nil && (result == nil || !errors.Is(err, x402.ErrPaymentRequired)) {
		log.Fatalf("Request failed: %v", err)
	}
	defer result.Response.Body.Close()

	if err != nil {
		fmt.Printf("\n[REJECTED] %s\n", x402.KindOf(err))
	} else if result.Paid {
		fmt.Printf("\n[PAID] Transaction: %s\n", result.TxHash)
	}

	body, err := io.ReadAll(result.Response.Body)
	if err != nil {
		log.Fatalf("Failed to read response body: %v", err)
	}
	fmt.Printf("\nResponse Status: %s\n", result.Response.Status)

	var pretty map[string]any
	if json.Unmarshal(body, &pretty) == nil {
		body, _ = json.MarshalIndent(pretty, "", "  ")
	}
	fmt.Println(string(body))
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// serve runs server until ctx is canceled, then drains it.
func serve(ctx context.Context, server *http.Server, logger *slog.Logger) {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}
}
