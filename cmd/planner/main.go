package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/migrationplanner/internal/chain"
	"github.com/gateway-fm/migrationplanner/internal/config"
	"github.com/gateway-fm/migrationplanner/internal/metrics"
	"github.com/gateway-fm/migrationplanner/internal/planner"
	"github.com/gateway-fm/migrationplanner/internal/rpc"
	"github.com/gateway-fm/migrationplanner/internal/solidity"
	"github.com/gateway-fm/migrationplanner/internal/storage"
	"github.com/gateway-fm/migrationplanner/internal/transport"
	"github.com/gateway-fm/migrationplanner/pkg/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	// Validate already checked the level name.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("planner failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.NewPrometheusMetrics(prometheus.DefaultRegisterer)

	source, err := newSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	provider := newProvider(cfg, m, logger)

	var store *storage.SQLiteStorage
	if cfg.DatabasePath != "" {
		if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		store, err = storage.NewSQLiteStorage(cfg.DatabasePath, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()
		logger.Info("initialized storage", "path", cfg.DatabasePath)

		if n, err := store.PruneExpiredHistory(ctx); err != nil {
			logger.Warn("failed to prune history cache", "error", err)
		} else if n > 0 {
			logger.Info("pruned history cache", "entries", n)
		}
	}

	pcfg := planner.Config{
		Source:  source,
		Chain:   provider,
		Metrics: m,
		ChainID: cfg.ChainID,
		Defaults: planner.Defaults{
			Contract:            cfg.ContractName,
			Address:             cfg.ContractAddress,
			GasPerSlot:          cfg.GasPerSlot,
			GasLimit:            cfg.GasLimit,
			HistoryWindowBlocks: cfg.HistoryWindowBlocks,
			MaxTransactions:     cfg.MaxTransactions,
		},
		Logger: logger,
	}
	// A nil *SQLiteStorage must not become a non-nil interface.
	if store != nil {
		pcfg.Store = store
		pcfg.Cache = store
	}

	if cfg.Serve {
		return serve(ctx, cfg, pcfg, store, logger)
	}
	return runOnce(ctx, cfg, planner.New(pcfg), logger)
}

func newSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (planner.Source, error) {
	if cfg.ArtifactPath != "" {
		return &planner.ArtifactSource{Path: cfg.ArtifactPath}, nil
	}
	compiler, err := solidity.NewCompiler(ctx, cfg.SolcPath, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("using solc", "version", compiler.Version())
	return &planner.CompileSource{Compiler: compiler, Path: cfg.SourcePath}, nil
}

// newProvider returns nil when no chain access is configured.
func newProvider(cfg *config.Config, m *metrics.PrometheusMetrics, logger *slog.Logger) chain.Provider {
	switch {
	case cfg.UseExplorer():
		logger.Info("sampling history from explorer", "url", cfg.ExplorerURL, "chainId", cfg.ChainID)
		return chain.NewExplorerProvider(chain.ExplorerConfig{
			URL:             cfg.ExplorerURL,
			APIKey:          cfg.ExplorerAPIKey,
			ChainID:         cfg.ChainID,
			MaxTransactions: cfg.MaxTransactions,
			RatePerSec:      cfg.ExplorerRate,
			MaxRetries:      3,
			Logger:          logger,
		})
	case cfg.RPCURL != "":
		logger.Info("sampling history from node", "url", cfg.RPCURL, "network", cfg.Network)
		rcfg := rpc.DefaultClientConfig(cfg.RPCURL)
		rcfg.Logger = logger
		rcfg.Observer = m
		return chain.NewRPCProvider(rpc.NewHTTPClient(rcfg), chain.RPCProviderConfig{
			MaxTransactions: cfg.MaxTransactions,
			Logger:          logger,
		})
	default:
		return nil
	}
}

func runOnce(ctx context.Context, cfg *config.Config, p *planner.Planner, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	defer cancel()

	plan, err := p.Run(ctx, types.PlanRequest{})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	depsPath := filepath.Join(cfg.OutputDir, "dependencies.json")
	if err := writeJSON(depsPath, plan.Dependencies); err != nil {
		return err
	}
	planPath := filepath.Join(cfg.OutputDir, "plan.json")
	if err := writeJSON(planPath, plan); err != nil {
		return err
	}

	printMatrix(os.Stderr, plan)
	logger.Info("plan written",
		"id", plan.ID,
		"contract", plan.Contract,
		"batches", len(plan.Batches),
		"dependencies", depsPath,
		"plan", planPath,
	)
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// printMatrix writes the dependency matrix and batch sequence as aligned text.
func printMatrix(w io.Writer, plan *types.PlanArtifact) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	names := make([]string, 0, len(plan.Dependencies))
	for fn := range plan.Dependencies {
		names = append(names, fn)
	}
	slices.Sort(names)

	fmt.Fprintln(tw, "FUNCTION\tSTATE VARIABLES")
	for _, fn := range names {
		vars := strings.Join(plan.Dependencies[fn], ", ")
		if vars == "" {
			vars = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\n", fn, vars)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "BATCH\tWRITE\tACTIVATE")
	for _, b := range plan.Batches {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", b.Index, strings.Join(b.Slots, ", "), strings.Join(b.Activate, ", "))
	}
}

func serve(ctx context.Context, cfg *config.Config, pcfg planner.Config, store *storage.SQLiteStorage, logger *slog.Logger) error {
	// Interface fields stay nil when persistence is disabled.
	var st storage.Storage
	if store != nil {
		st = store
	}

	health := &healthChecker{chain: pcfg.Chain, source: pcfg.Source, contract: cfg.ContractName}
	proxy := &plannerProxy{}
	server := transport.NewServer(proxy, st, health, logger, cfg.CORSAllowedOrigins)
	defer server.Close()

	pcfg.Events = server.Events()
	proxy.Planner = planner.New(pcfg)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}

// plannerProxy lets the HTTP server exist before the planner, which needs the
// server's event hub.
type plannerProxy struct {
	*planner.Planner
}

// healthChecker backs /ready.
type healthChecker struct {
	chain    chain.Provider
	source   planner.Source
	contract string
}

func (h *healthChecker) CheckChain(ctx context.Context) error {
	if h.chain == nil {
		return nil
	}
	_, err := h.chain.LatestBlock(ctx)
	return err
}

func (h *healthChecker) CheckSource(ctx context.Context) error {
	_, err := h.source.Load(ctx, h.contract)
	return err
}
