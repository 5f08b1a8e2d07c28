// Command x402-agent runs a paying agent: it serves MCP tools over stdio
// and an admin HTTP endpoint with health and Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/lmittmann/tint"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	x402 "github.com/kamiyo-ai/x402-go"
	"github.com/kamiyo-ai/x402-go/config"
	"github.com/kamiyo-ai/x402-go/facilitator"
	x402http "github.com/kamiyo-ai/x402-go/http"
	"github.com/kamiyo-ai/x402-go/mcp"
	"github.com/kamiyo-ai/x402-go/mechanisms/svm"
	"github.com/kamiyo-ai/x402-go/mechanisms/svm/escrow"
	evmsigner "github.com/kamiyo-ai/x402-go/signers/evm"
	svmsigner "github.com/kamiyo-ai/x402-go/signers/svm"
	"github.com/kamiyo-ai/x402-go/store/redisstore"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	isDebug := flag.Bool("debug", false, "Enable debug logging")
	serveMCP := flag.Bool("mcp", true, "Serve MCP tools over stdio")
	requestURL := flag.String("request", "", "Perform one paid request, print the result and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *isDebug || cfg.Client.Debug {
		level = slog.LevelDebug
	}
	// stdout carries MCP traffic, so logs go to stderr.
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newAgent(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize agent", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if *requestURL != "" {
		if err := app.requestOnce(ctx, *requestURL); err != nil {
			slog.Error("Request failed", "url", *requestURL, "error", err)
			os.Exit(1)
		}
		return
	}

	if err := app.run(ctx, *serveMCP); err != nil {
		slog.Error("Agent stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Agent stopped gracefully")
}

// agent holds every wired component.
type agent struct {
	cfg         *config.Config
	client      *x402http.PaymentClient
	facilitator *facilitator.MultiNetworkFacilitator
	signatures  *redisstore.Store
	logger      *slog.Logger
}

func newAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*agent, error) {
	signer, err := loadSolanaSigner(cfg.Solana)
	if err != nil {
		return nil, err
	}
	rpcClient, err := svm.NewRPC(cfg.Solana.Network, cfg.Solana.RPCURL)
	if err != nil {
		return nil, err
	}

	programID := escrow.DefaultProgramID
	if cfg.Solana.ProgramID != "" {
		programID, err = solana.PublicKeyFromBase58(cfg.Solana.ProgramID)
		if err != nil {
			return nil, fmt.Errorf("invalid solana.program_id: %w", err)
		}
	}
	ledger, err := escrow.NewClient(rpcClient, signer, escrow.Config{
		ProgramID: programID,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow client: %w", err)
	}
	payer, err := svm.NewPayer(rpcClient, signer)
	if err != nil {
		return nil, err
	}

	opts := []x402http.Option{
		x402http.WithQualityThreshold(cfg.Client.QualityThreshold),
		x402http.WithMaxPrice(cfg.Client.MaxPriceLamports()),
		x402http.WithTimeLock(cfg.Client.TimeLock),
		x402http.WithTimeout(cfg.Client.Timeout),
		x402http.WithRetry(cfg.Client.RetryConfig()),
		x402http.WithBreaker(cfg.Client.BreakerConfig()),
		x402http.WithDirectPayer(x402.FamilySolana, payer),
		x402http.WithBalanceProvider(x402.FamilySolana, payer),
		x402http.WithLogger(logger),
		x402http.WithDebug(cfg.Client.Debug),
	}

	if key := cfg.EVM.EVMKey(); key != "" {
		evmSigner, err := evmsigner.NewClientSignerFromPrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to load evm key: %w", err)
		}
		authorizer, err := evmsigner.NewAuthorizationPayer(evmSigner)
		if err != nil {
			return nil, err
		}
		opts = append(opts, x402http.WithDirectPayer(x402.FamilyEVM, authorizer))
		logger.Info("EVM payments enabled", "address", evmSigner.PublicAddress())
	}

	a := &agent{cfg: cfg, logger: logger}
	if cfg.Redis.URL != "" {
		store, err := redisstore.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.signatures = store
		opts = append(opts, x402http.WithSignatureStore(store))
		logger.Info("Using redis signature store")
	}

	client, err := x402http.NewPaymentClient(x402http.Config{
		Signer:    signer,
		Ledger:    ledger,
		ProgramID: programID.String(),
	}, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client = client
	client.OnDisputeFailed(func(dc x402.DisputeFailureContext) {
		logger.Warn("Escrow dispute needs attention", "transaction_id", dc.TransactionID, "error", dc.Error)
	})

	a.facilitator, err = facilitator.New(facilitator.Config{
		Transport: x402http.NewHTTPFacilitatorClient(&x402http.FacilitatorConfig{
			URL:       cfg.Facilitator.URL,
			Timeout:   cfg.Facilitator.Timeout,
			RateLimit: cfg.Facilitator.RateLimit,
			Burst:     cfg.Facilitator.Burst,
		}),
		Timeout:     cfg.Facilitator.Timeout,
		CacheTTL:    cfg.Facilitator.CacheTTL,
		Concurrency: cfg.Facilitator.BatchConcurrency,
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("Agent initialized",
		"version", version,
		"network", cfg.Solana.Network,
		"wallet", signer.PublicAddress(),
		"program", programID.String(),
		"facilitator", cfg.Facilitator.URL,
	)
	return a, nil
}

func loadSolanaSigner(cfg config.SolanaConfig) (*svmsigner.ClientSigner, error) {
	if key := cfg.SolanaKey(); key != "" {
		return svmsigner.NewClientSignerFromPrivateKey(key)
	}
	if cfg.KeypairFile != "" {
		return svmsigner.NewClientSignerFromKeygenFile(cfg.KeypairFile)
	}
	return nil, fmt.Errorf("no solana key: set %s or solana.keypair_file", cfg.KeypairEnv)
}

// run serves the admin endpoint and, optionally, MCP over stdio until ctx
// is cancelled or stdin closes.
func (a *agent) run(ctx context.Context, serveMCP bool) error {
	admin := &http.Server{
		Addr:              a.cfg.Admin.Listen,
		Handler:           newAdminRouter(a.client, a.facilitator, a.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("Admin server listening", "addr", admin.Addr)
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	if serveMCP {
		server, err := mcp.NewServer(mcp.Config{
			Client:      a.client,
			Facilitator: a.facilitator,
			Version:     version,
			Logger:      a.logger,
		})
		if err != nil {
			return err
		}
		go func() {
			errCh <- server.Run(ctx, &mcpsdk.StdioTransport{})
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Received signal, shutting down...")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Error during admin shutdown", "error", err)
	}
	return runErr
}

func (a *agent) requestOnce(ctx context.Context, url string) error {
	resp, err := a.client.Request(ctx, url, x402http.RequestOptions{})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// Close waits for in-flight disputes before dropping connections.
func (a *agent) Close() {
	if a.client != nil {
		a.client.Close()
	}
	if a.signatures != nil {
		if err := a.signatures.Close(); err != nil {
			a.logger.Warn("Failed to close redis", "error", err)
		}
	}
}
