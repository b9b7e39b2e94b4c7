package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"artisanpay/config"
	"artisanpay/core/events"
	"artisanpay/crypto"
	"artisanpay/ledger"
	"artisanpay/native/escrow"
	"artisanpay/native/reputation"
	"artisanpay/observability/logging"
	"artisanpay/observability/otel"
	"artisanpay/rpc"
	"artisanpay/state"
	"artisanpay/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	metricsAddr := flag.String("metrics", ":9091", "Prometheus metrics listen address (empty disables)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("APAY_ENV"))
	var logger *slog.Logger

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Log.Path != "" {
		logger = logging.SetupWithRotation("escrowd", env, logging.FileRotation{
			Path:       cfg.Log.Path,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
	} else {
		logger = logging.Setup("escrowd", env)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "escrowd",
			Environment: cfg.Telemetry.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Error("telemetry init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	valueLedger := ledger.NewLedger(manager)
	if cfg.AllocFile != "" {
		alloc, err := ledger.LoadGenesisFile(cfg.AllocFile)
		if err != nil {
			logger.Error("failed to load alloc file", "path", cfg.AllocFile, "error", err)
			os.Exit(1)
		}
		if err := valueLedger.ApplyGenesis(alloc); err != nil {
			logger.Error("failed to apply alloc", "error", err)
			os.Exit(1)
		}
	}

	custody, err := resolveCustody(cfg)
	if err != nil {
		logger.Error("failed to resolve custody address", "error", err)
		os.Exit(1)
	}

	collector := events.NewCollector(cfg.EventBufferEntries)
	ratings := reputation.NewLedger(manager)

	engine := escrow.NewEngine()
	engine.SetStore(manager)
	engine.SetLedger(valueLedger)
	engine.SetCustody(custody.Bytes())
	engine.SetEmitter(collector)

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics listening", "address", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	server := rpc.NewServer(engine, valueLedger, ratings, collector)
	go func() {
		logger.Info("rpc listening", "address", cfg.RPCAddress, "network", cfg.NetworkName, "custody", custody.String())
		if err := server.Start(cfg.RPCAddress); err != nil {
			logger.Error("rpc server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("escrowd shutting down")
}

// resolveCustody prefers an explicit custody address and falls back to the
// service keystore's own address.
func resolveCustody(cfg *config.Config) (crypto.Address, error) {
	if trimmed := strings.TrimSpace(cfg.CustodyAddress); trimmed != "" {
		return crypto.DecodeAddress(trimmed)
	}
	key, err := crypto.LoadFromKeystore(cfg.ServiceKeystore, "")
	if err != nil {
		return crypto.Address{}, fmt.Errorf("load service keystore: %w", err)
	}
	return key.PubKey().Address(), nil
}
