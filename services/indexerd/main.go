package indexerd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"claimindexer/chain/listener"
	"claimindexer/crypto/claims"
	"claimindexer/crypto/custody"
	"claimindexer/ledger"
	"claimindexer/observability/logging"
	telemetry "claimindexer/observability/otel"
)

// Main initialises and runs the indexer daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/indexerd/config.yaml", "path to indexerd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("INDEXER_ENV"))
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup("indexerd", env, logging.WithLevel(cfg.LogLevel))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("indexerd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	metrics := NewMetrics()
	domain := claims.NewDomain(big.NewInt(cfg.Chain.ChainID), common.HexToAddress(cfg.Chain.Claimer))
	signers := map[string]string{}

	claimerKey, err := loadKey("claimer", &cfg.Claimer, logger, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = claimerKey.Close() }()
	claimSigner, err := claims.NewSigner(claimerKey, domain)
	if err != nil {
		return fmt.Errorf("claimer signer: %w", err)
	}
	signers["claimer"] = claimSigner.Address().Hex()

	if !cfg.Minter.empty() {
		minterKey, err := loadKey("minter", &cfg.Minter, logger, metrics)
		if err != nil {
			return err
		}
		defer func() { _ = minterKey.Close() }()
		minter, err := claims.NewSigner(minterKey, domain)
		if err != nil {
			return fmt.Errorf("minter signer: %w", err)
		}
		signers["minter"] = minter.Address().Hex()
	}

	logger.Info("opening ledger",
		slog.String("driver", cfg.Database.Driver),
		slog.String("dsn", logging.MaskDSN(cfg.Database.DSN)))
	led, err := ledger.Open(cfg.Database.Driver, cfg.Database.DSN,
		ledger.WithLogger(logger),
		ledger.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = led.Close() }()
	sqlDB, err := led.DB().DB()
	if err != nil {
		return fmt.Errorf("ledger handle: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := ethclient.DialContext(dialCtx, cfg.Chain.RPCURL)
	cancel()
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()

	lst, err := listener.New(client, led, buildStreams(cfg.Chain, logger),
		listener.WithLogger(logger),
		listener.WithMetrics(metrics),
		listener.WithBuffer(cfg.Chain.Buffer),
		listener.WithResubscribeInterval(cfg.Chain.ResubscribeInterval.Duration))
	if err != nil {
		return fmt.Errorf("init listener: %w", err)
	}

	ops := NewOpsServer(sqlDB, signers)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      ops,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(stopCtx, lst, httpServer, ops, logger)
}

// Runner is the long-lived chain consumer driven by serve.
type Runner interface {
	Run(ctx context.Context) error
}

// serve runs the listener and the ops server until ctx is cancelled or
// either fails. It returns only after the listener has stopped, so an event
// already handed to the ledger completes before the caller closes it.
func serve(ctx context.Context, lst Runner, httpServer *http.Server, ops *OpsServer, logger *slog.Logger) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	listenerDone := make(chan error, 1)
	go func() {
		ops.SetRunning(true)
		defer ops.SetRunning(false)
		listenerDone <- lst.Run(runCtx)
	}()
	httpErrs := make(chan error, 1)
	go func() {
		logger.Info("indexerd listening", slog.String("listen", httpServer.Addr))
		httpErrs <- httpServer.ListenAndServe()
	}()

	var errs []error
	select {
	case <-ctx.Done():
		cancelRun()
		errs = append(errs, listenerErr(<-listenerDone))
	case err := <-listenerDone:
		errs = append(errs, listenerErr(err))
	case err := <-httpErrs:
		logger.Error("ops server stopped", slog.Any("error", err))
		cancelRun()
		errs = append(errs, listenerErr(<-listenerDone))
		if !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("ops server: %w", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func listenerErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("listener: %w", err)
}

func loadKey(role string, sc *SignerConfig, logger *slog.Logger, metrics *Metrics) (*custody.Key, error) {
	logger.Info("loading signer key", slog.String("key", role), sc.source())
	secret, err := sc.Secret()
	// The hex form cannot be wiped; drop the reference at least.
	sc.SignerKey = ""
	if err != nil {
		return nil, fmt.Errorf("%s key: %w", role, err)
	}
	key, err := custody.New(secret,
		custody.WithName(role),
		custody.WithLogger(logger),
		custody.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("%s key custody: %w", role, err)
	}
	info := key.Info()
	logger.Info("custody key loaded",
		slog.String("key", role),
		slog.Int("capacity", info.Capacity),
		slog.Bool("encrypted", info.Encrypted),
		slog.Bool("locked", info.Locked))
	return key, nil
}

func buildStreams(cfg ChainConfig, logger *slog.Logger) []listener.Stream {
	streams := []listener.Stream{
		listener.ParticipatedStream(common.HexToAddress(cfg.Genesis), *cfg.ParticipatedDecimals),
		listener.TokensClaimedStream(common.HexToAddress(cfg.Claimer), *cfg.ClaimedDecimals),
	}
	if cfg.Deposit == "" {
		logger.Warn("no deposit address configured, credit deposits are not indexed")
		return streams
	}
	return append(streams, listener.DepositStream(
		common.HexToAddress(cfg.USDC),
		common.HexToAddress(cfg.Deposit),
		*cfg.DepositDecimals))
}
