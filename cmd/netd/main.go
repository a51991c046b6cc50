package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Eark/ckb/config"
	"github.com/Eark/ckb/observability/logging"
	telemetry "github.com/Eark/ckb/observability/otel"
	"github.com/Eark/ckb/p2p"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	metricsAddress := flag.String("metrics", "", "Address for the Prometheus metrics listener (disabled when empty)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CKB_ENV"))
	logger := logging.Setup("netd", env)
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "netd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialise telemetry: %v", err))
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	networkDir := filepath.Join(cfg.DataDir, "network")
	if err := os.MkdirAll(networkDir, 0o700); err != nil {
		panic(fmt.Sprintf("failed to prepare network directory: %v", err))
	}

	identity, err := p2p.LoadOrCreateIdentity(cfg.Network.SecretFile)
	if err != nil {
		panic(fmt.Sprintf("failed to load node identity: %v", err))
	}
	logger.Info("Node identity ready", logging.MaskField("peer_id", identity.PeerID))

	book, err := p2p.OpenAddressBook(p2p.BookConfig{
		Path: cfg.Store.Path,
		Pool: p2p.PoolConfig{
			Size:        cfg.Store.PoolSize,
			Wait:        cfg.Store.PoolWait.Std(),
			BusyRetries: cfg.Store.BusyRetries,
			BusyBackoff: cfg.Store.BusyBackoff.Std(),
		},
		Policy:   scorePolicy(cfg.Policy),
		Capacity: cfg.Store.BookCapacity,
		Logger:   logger.With(slog.String("component", "addrbook")),
	})
	if err != nil {
		panic(fmt.Sprintf("failed to open address book: %v", err))
	}
	defer book.Close()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	imported, err := book.ImportNodesFile(startCtx, cfg.Network.NodesFile)
	if err != nil {
		logger.Warn("Nodes file import failed", slog.Any("error", err))
	} else if imported > 0 {
		logger.Info("Imported known peers", slog.Int("count", imported))
	}

	transport := p2p.NewTCPTransport(identity.PeerID, logger.With(slog.String("component", "transport")))
	manager, err := p2p.NewManager(book, transport, p2p.ManagerConfig{
		SelfID:            identity.PeerID,
		MinPeers:          cfg.Network.MinPeers,
		MaxPeers:          cfg.Network.MaxPeers,
		Bootnodes:         cfg.Network.Bootnodes,
		ReservedNodes:     cfg.Network.ReservedNodes,
		OnlyReservedPeers: cfg.Network.OnlyReservedPeers,
		Logger:            logger.With(slog.String("component", "peer_manager")),
	})
	if err != nil {
		panic(fmt.Sprintf("failed to build peer manager: %v", err))
	}
	transport.Attach(manager)

	if err := manager.Start(startCtx); err != nil {
		panic(fmt.Sprintf("failed to start peer manager: %v", err))
	}
	cancelStart()
	if err := transport.Listen(cfg.Network.ListenAddresses); err != nil {
		panic(fmt.Sprintf("failed to start listeners: %v", err))
	}
	logger.Info("Network daemon running",
		slog.Int("max_peers", cfg.Network.MaxPeers),
		slog.Int("min_peers", cfg.Network.MinPeers),
		slog.Bool("only_reserved", cfg.Network.OnlyReservedPeers))

	if addr := strings.TrimSpace(*metricsAddress); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics listener failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", slog.String("signal", sig.String()))

	transport.Close()
	manager.Stop()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	if pruned, err := book.Prune(stopCtx); err != nil {
		logger.Warn("Address book prune failed", slog.Any("error", err))
	} else if pruned > 0 {
		logger.Info("Pruned address book", slog.Int("count", pruned))
	}
	if err := book.ExportNodesFile(stopCtx, cfg.Network.NodesFile); err != nil {
		logger.Warn("Nodes file export failed", slog.Any("error", err))
	}
}

// scorePolicy applies the optional configuration overrides on top of the
// built-in thresholds. The ban ladder doubles from ban_base until ban_cap.
func scorePolicy(pol config.Policy) p2p.ScorePolicy {
	policy := p2p.DefaultScorePolicy()
	if pol.ScoreMin != 0 {
		policy.ScoreMin = pol.ScoreMin
	}
	if pol.ScoreMax != 0 {
		policy.ScoreMax = pol.ScoreMax
	}
	if pol.DefaultScore != 0 {
		policy.DefaultScore = pol.DefaultScore
	}
	if pol.BanFloor != 0 {
		policy.BanFloor = pol.BanFloor
	}
	if pol.EvictionFloor != 0 {
		policy.EvictionFloor = pol.EvictionFloor
	}
	if pol.RelapseWindow > 0 {
		policy.RelapseWindow = pol.RelapseWindow.Std()
	}
	if base, ceiling := pol.BanBase.Std(), pol.BanCap.Std(); base > 0 {
		if ceiling < base {
			ceiling = base
		}
		steps := []time.Duration{}
		for step := base; step < ceiling && len(steps) < 8; step *= 2 {
			steps = append(steps, step)
		}
		steps = append(steps, ceiling)
		policy.BanSteps = steps
	}
	return policy
}
