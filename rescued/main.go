package rescued

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cpor3/rescue-nfts/chain"
	"github.com/cpor3/rescue-nfts/custody"
	"github.com/cpor3/rescue-nfts/observability/logging"
	telemetry "github.com/cpor3/rescue-nfts/observability/otel"
	"github.com/cpor3/rescue-nfts/store"
)

// Main initialises and runs the recovery daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "rescued/config.yaml", "path to rescued configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("RESCUE_ENV"))
	var sink *logging.FileSink
	if cfg.LogFile != "" {
		sink = &logging.FileSink{Path: cfg.LogFile}
	}
	logger := logging.Setup("rescued", env, sink)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "rescued",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	accounts, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open account store: %w", err)
	}
	defer func() { _ = accounts.Close() }()

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := chain.Dial(dialCtx, cfg.Chain.Endpoint)
	cancel()
	if err != nil {
		return fmt.Errorf("dial chain rpc: %w", err)
	}
	defer client.Close()
	backend := chain.NewBackend(client, cfg.Chain.PollInterval.Duration)

	token, serum, escrow, fighter := cfg.Contracts.ContractAddresses()
	contracts, err := chain.NewContracts(chain.ContractAddresses{
		Token: token, Serum: serum, Escrow: escrow, Fighter: fighter,
	})
	if err != nil {
		return fmt.Errorf("init contracts: %w", err)
	}

	vaults, err := buildVaultProvider(cfg.Custody)
	if err != nil {
		return err
	}

	funding, err := chain.NewWallet(cfg.Funding.Key, big.NewInt(cfg.Chain.ChainID))
	if err != nil {
		return fmt.Errorf("funding wallet: %w", err)
	}
	logger.Info("funding wallet loaded", "address", funding.Address().Hex())

	metrics := NewMetrics()
	sequencer := NewSequencer(backend, funding.Address(), cfg.Engine.NonceTimeout.Duration, logger, metrics)

	dispatcher := NewDispatcher(DispatcherDeps{
		Config:    cfg,
		Store:     accounts,
		Backend:   backend,
		Contracts: contracts,
		Vaults:    vaults,
		Sequencer: sequencer,
		Log:       logger,
		Metrics:   metrics,
	})
	if cfg.PauseOnStart {
		dispatcher.Pause()
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(NewAdminRouter(dispatcher, accounts, logger), "rescued.admin"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := configureGasStation(stopCtx, cfg.Custody, vaults, logger); err != nil {
		return err
	}

	go sequencer.Run(stopCtx)

	errs := make(chan error, 2)
	go func() {
		logger.Info("admin server listening", "addr", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()
	go func() {
		errs <- dispatcher.Run(stopCtx)
	}()

	select {
	case <-stopCtx.Done():
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed && err != context.Canceled {
			logger.Error("daemon failed", "err", err)
			stop()
			shutdownHTTP(httpServer)
			return err
		}
	}
	shutdownHTTP(httpServer)
	return nil
}

func shutdownHTTP(server *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
	}
}

// buildVaultProvider constructs the custody client when the section is
// configured; a missing base url disables provisioning and accounts must carry
// their replacement address up front.
func buildVaultProvider(cfg CustodyConfig) (VaultProvider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, nil
	}
	secret, err := os.ReadFile(cfg.SecretKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read custody signing key: %w", err)
	}
	client, err := custody.New(cfg.BaseURL, cfg.APIKey, secret)
	if err != nil {
		return nil, fmt.Errorf("init custody client: %w", err)
	}
	return client, nil
}

// configureGasStation pins the provider's auto-fuel bounds when the config
// asks for it. Bounds outside our control can silently drain the funding
// budget, so misconfiguration here is fatal.
func configureGasStation(ctx context.Context, cfg CustodyConfig, vaults VaultProvider, logger *slog.Logger) error {
	if cfg.GasStation.Min == "" && cfg.GasStation.Max == "" {
		return nil
	}
	client, ok := vaults.(*custody.Client)
	if !ok || client == nil {
		return nil
	}
	if err := client.SetGasStationBounds(ctx, cfg.GasStation.Min, cfg.GasStation.Max, cfg.GasStation.MaxPrice, cfg.AssetSymbol); err != nil {
		return fmt.Errorf("configure gas station: %w", err)
	}
	bounds, err := client.GetGasStationBounds(ctx, cfg.AssetSymbol)
	if err != nil {
		return fmt.Errorf("verify gas station: %w", err)
	}
	logger.Info("gas station configured", "threshold", bounds.GasThreshold, "cap", bounds.GasCap, "max_price", bounds.MaxGasPrice)
	return nil
}
