package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"salaryflow/cmd/internal/passphrase"
	"salaryflow/config"
	"salaryflow/core/allowance"
	flowerrors "salaryflow/core/errors"
	"salaryflow/core/streams"
	"salaryflow/core/tx"
	"salaryflow/crypto"
	"salaryflow/gateway/middleware"
	"salaryflow/ledger/evm"
	"salaryflow/native/fees"
	"salaryflow/observability/logging"
	telemetry "salaryflow/observability/otel"
	"salaryflow/services/streamd"
)

func main() {
	var cfgPath string
	var readOnly bool
	flag.StringVar(&cfgPath, "config", "streamd.yaml", "path to streamd configuration (YAML or TOML)")
	flag.BoolVar(&readOnly, "read-only", false, "serve reads only, even when a keystore is configured")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup("streamd", cfg.Environment,
		logging.WithLevel(logging.ParseLevel(os.Getenv("STREAMD_LOG_LEVEL"))),
		logging.WithFile(os.Getenv("STREAMD_LOG_FILE"), 100, 5),
	)

	if err := run(cfg, readOnly, logger); err != nil {
		logger.Error("streamd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, readOnly bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "streamd",
		Environment:    cfg.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		MetricInterval: cfg.Telemetry.Interval.Duration,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	var opts []evm.Option
	opts = append(opts, evm.WithLogger(logger))
	if cfg.Signer.Keystore != "" && !readOnly {
		secret, err := passphrase.NewSource(cfg.Signer.PassphraseEnv).Get()
		if err != nil {
			return err
		}
		signer, err := crypto.LoadSigner(cfg.Signer.Keystore, secret)
		if err != nil {
			return err
		}
		opts = append(opts, evm.WithSigner(signer))
		logger.Info("signer loaded", "account", signer.Address().Hex())
	} else {
		readOnly = true
		logger.Warn("no signer configured; serving reads only")
	}

	client, conn, err := evm.Dial(ctx, cfg.Ledger.RPCURL, evm.Config{
		Contract:         cfg.ContractAddress(),
		ChainID:          cfg.ChainID(),
		Confirmations:    cfg.Ledger.Confirmations,
		PollInterval:     cfg.Ledger.PollInterval.Duration,
		ReadRPS:          cfg.Ledger.ReadRPS,
		ReadBurst:        cfg.Ledger.ReadBurst,
		GasMarginPercent: cfg.Ledger.GasMargin,
		FromBlock:        cfg.Ledger.FromBlock,
	}, opts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	classifier := flowerrors.NewClassifier(
		flowerrors.WithRevertMessages(cfg.Reverts),
		flowerrors.WithRevertDecoder(evm.DecodeRevert),
	)

	registry := tx.NewRegistry(client, tx.WithClassifier(classifier), tx.WithLogger(logger))
	allowances := allowance.NewManager(client, registry, allowance.WithLogger(logger))
	service := streams.NewService(client, streams.WithLogger(logger))
	actions := streams.NewActions(client, registry, allowances)

	limit := middleware.RateLimit{RatePerSecond: cfg.RateLimits.RatePerSecond, Burst: cfg.RateLimits.Burst}
	server, err := streamd.New(streamd.Config{
		Streams:    service,
		Actions:    actions,
		Allowances: allowances,
		Registry:   registry,
		Classifier: classifier,
		Fees:       fees.Policy{DefaultBps: cfg.Fees.DefaultBps, Tokens: cfg.FeeOverrides()},
		Account:    client.Account(),
		Contract:   client.Contract(),
		ReadOnly:   readOnly,
		ActionWait: cfg.ActionWait.Duration,
		FromBlock:  cfg.Ledger.FromBlock,
		Auth: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: os.Getenv(cfg.Auth.SecretEnv),
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger),
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			streamd.LimitReads:   limit,
			streamd.LimitActions: limit,
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			LogRequests: cfg.Environment == "dev",
		}, prometheus.DefaultRegisterer, logger),
		CORS: middleware.CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
		},
		Gatherer: prometheus.DefaultGatherer,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           otelhttp.NewHandler(server.Handler(), "streamd"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.ActionWait.Duration + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("streamd listening", "addr", cfg.Listen, "contract", client.Contract().Hex(), "readOnly", readOnly)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return streamd.NewRefresher(service, cfg.TrackedStreams(), cfg.Refresh.Interval.Duration, logger).Run(gctx)
	})
	group.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "reason", context.Cause(gctx))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
