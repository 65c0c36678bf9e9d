package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"meshpay/config"
	"meshpay/observability/logging"
	"meshpay/ops"
	"meshpay/relay"
	"meshpay/reliability"
	"meshpay/storage"
	"meshpay/transport"
	"meshpay/wallet"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MESHPAY_ENV"))
	logger := logging.Setup("meshpayd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		logger.Warn("configured log level ignored", slog.Any("error", err))
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "relay"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	tr, err := transport.NewUDP(cfg.ListenAddress)
	if err != nil {
		logger.Error("Failed to bind mesh transport", slog.Any("error", err))
		os.Exit(1)
	}
	defer tr.Close()

	engine := wallet.NewClient(cfg.WalletRPCURL)
	provider := relay.NewSingleDaemonProvider(engine)

	link := reliability.NewLink(tr, cfg.TransportMTU, cfg.ReassemblyWindow(), logger)
	r, err := relay.New(link, provider, db, relay.Options{
		IntentTTL:  cfg.IntentLifetime(),
		BalanceTTL: cfg.BalanceWindow(),
	}, logger)
	if err != nil {
		logger.Error("Failed to assemble relay", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opsServer := ops.NewServer(cfg.OpsAddress, r, logger)
	go func() {
		if err := opsServer.ListenAndServe(); err != nil {
			logger.Error("Ops server failed", slog.Any("error", err))
			cancel()
		}
	}()

	go r.Run(ctx)
	logger.Info("relay running",
		slog.String("node", cfg.NodeName),
		slog.String("listen", tr.LocalAddr()),
		slog.String("wallet_rpc", cfg.WalletRPCURL))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}
	cancel()
	_ = opsServer.Shutdown(context.Background())
}
