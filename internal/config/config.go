// Package config handles configuration loading and validation.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/migrationplanner/internal/network"
)

// Config holds planner configuration.
type Config struct {
	// Chain access. RPCURL scans blocks directly; ExplorerAPIKey switches
	// history sampling to the explorer's txlist endpoint.
	RPCURL         string
	Network        string // named network from the registry, e.g. "mainnet"
	ChainID        uint64 // 0 = resolved from Network
	ExplorerURL    string
	ExplorerAPIKey string
	ExplorerRate   float64 // requests per second

	// Contract source. Exactly one of SourcePath and ArtifactPath is set.
	SourcePath   string // .sol file compiled with solc
	ArtifactPath string // pre-compiled standard-JSON output
	ContractName string
	SolcPath     string

	ContractAddress     string
	GasPerSlot          uint64
	GasLimit            uint64 // 0 = latest block's gas limit
	HistoryWindowBlocks uint64
	MaxTransactions     int

	FetchTimeout time.Duration
	OutputDir    string
	LogLevel     string

	// Server mode.
	Serve              bool
	ListenAddr         string
	DatabasePath       string // empty disables persistence
	CORSAllowedOrigins string // Comma-separated list of allowed origins, or "*" for all (default: "*")

	// Profile is the resolved network, nil for chains outside the registry.
	Profile *network.Profile
}

// Defaults
const (
	DefaultNetwork             = "mainnet"
	DefaultExplorerRate        = 5.0
	DefaultGasPerSlot          = 30000
	DefaultHistoryWindowBlocks = 100
	DefaultMaxTransactions     = 100
	DefaultFetchTimeout        = 30 * time.Second
	DefaultOutputDir           = "./out"
	DefaultLogLevel            = "info"
	DefaultListenAddr          = ":13002"
	DefaultDatabasePath        = "./data/planner.db"
	DefaultCORSAllowedOrigins  = "*" // Allow all origins by default for dev
	MaxHistoryWindowBlocks     = 1_000_000
	MaxTransactionsLimit       = 10_000
)

// Load reads configuration from environment variables and command-line flags.
// Command-line flags take precedence over environment variables.
func Load() (*Config, error) {
	return load(flag.CommandLine, os.Args[1:], os.Getenv)
}

func load(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Network:             DefaultNetwork,
		ExplorerRate:        DefaultExplorerRate,
		GasPerSlot:          DefaultGasPerSlot,
		HistoryWindowBlocks: DefaultHistoryWindowBlocks,
		MaxTransactions:     DefaultMaxTransactions,
		FetchTimeout:        DefaultFetchTimeout,
		OutputDir:           DefaultOutputDir,
		LogLevel:            DefaultLogLevel,
		ListenAddr:          DefaultListenAddr,
		DatabasePath:        DefaultDatabasePath,
		CORSAllowedOrigins:  DefaultCORSAllowedOrigins,
	}

	// Load from environment variables first
	if v := getenv("RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	if v := getenv("NETWORK"); v != "" {
		cfg.Network = v
	}
	if v := getenv("CHAIN_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.ChainID = id
		}
	}
	if v := getenv("EXPLORER_URL"); v != "" {
		cfg.ExplorerURL = v
	}
	if v := getenv("EXPLORER_API_KEY"); v != "" {
		cfg.ExplorerAPIKey = v
	}
	if v := getenv("EXPLORER_RATE"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r > 0 {
			cfg.ExplorerRate = r
		}
	}
	if v := getenv("SOLC_PATH"); v != "" {
		cfg.SolcPath = v
	}
	if v := getenv("CONTRACT_ADDRESS"); v != "" {
		cfg.ContractAddress = v
	}
	if v := getenv("GAS_PER_SLOT"); v != "" {
		if g, err := strconv.ParseUint(v, 10, 64); err == nil && g > 0 {
			cfg.GasPerSlot = g
		}
	}
	if v := getenv("HISTORY_WINDOW_BLOCKS"); v != "" {
		if w, err := strconv.ParseUint(v, 10, 64); err == nil && w > 0 {
			cfg.HistoryWindowBlocks = w
		}
	}
	if v := getenv("MAX_TRANSACTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxTransactions = n
		}
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = v
	}

	// Define command-line flags
	var (
		rpcURL       = fs.String("rpc", cfg.RPCURL, "JSON-RPC URL used for the latest block and history scans")
		networkName  = fs.String("network", cfg.Network, "Named network ("+strings.Join(network.DefaultRegistry().Names(), ", ")+")")
		chainID      = fs.Uint64("chainid", cfg.ChainID, "Chain ID (0 = from -network)")
		explorerURL  = fs.String("explorer", cfg.ExplorerURL, "Etherscan-compatible API URL (default: network's explorer)")
		explorerKey  = fs.String("explorer-key", cfg.ExplorerAPIKey, "Explorer API key; enables explorer history sampling")
		source       = fs.String("source", "", "Solidity source file to compile")
		artifact     = fs.String("artifact", "", "Pre-compiled solc standard-JSON output")
		contractName = fs.String("contract", "", "Contract to plan (default: the only deployable contract)")
		solcPath     = fs.String("solc", cfg.SolcPath, "solc binary (default: solc on PATH)")
		address      = fs.String("address", cfg.ContractAddress, "Deployed contract address whose calls rank functions")
		gasPerSlot   = fs.Uint64("gas-per-slot", cfg.GasPerSlot, "Gas budgeted per storage slot write")
		gasLimit     = fs.Uint64("gaslimit", 0, "Block gas limit override (0 = latest block)")
		window       = fs.Uint64("history-window", cfg.HistoryWindowBlocks, "Number of recent blocks to sample")
		maxTxs       = fs.Int("max-txs", cfg.MaxTransactions, "Maximum sampled transactions")
		fetchTimeout = fs.Duration("timeout", cfg.FetchTimeout, "Timeout for compiling and fetching chain data")
		outputDir    = fs.String("out", cfg.OutputDir, "Directory for dependencies.json and plan.json")
		logLevel     = fs.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
		serve        = fs.Bool("serve", false, "Run the HTTP API instead of a one-shot plan")
		listenAddr   = fs.String("listen", cfg.ListenAddr, "HTTP listen address")
		dbPath       = fs.String("db", cfg.DatabasePath, "SQLite database path (empty disables persistence)")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Apply flags to config
	cfg.RPCURL = *rpcURL
	cfg.Network = *networkName
	cfg.ChainID = *chainID
	cfg.ExplorerURL = *explorerURL
	cfg.ExplorerAPIKey = *explorerKey
	cfg.SourcePath = *source
	cfg.ArtifactPath = *artifact
	cfg.ContractName = *contractName
	cfg.SolcPath = *solcPath
	cfg.ContractAddress = *address
	cfg.GasPerSlot = *gasPerSlot
	cfg.GasLimit = *gasLimit
	cfg.HistoryWindowBlocks = *window
	cfg.MaxTransactions = *maxTxs
	cfg.FetchTimeout = *fetchTimeout
	cfg.OutputDir = *outputDir
	cfg.LogLevel = *logLevel
	cfg.Serve = *serve
	cfg.ListenAddr = *listenAddr
	cfg.DatabasePath = *dbPath

	if err := cfg.resolveNetwork(network.DefaultRegistry()); err != nil {
		return nil, err
	}

	// Validate config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveNetwork fills ChainID and ExplorerURL from the named network. An
// explicit chain id outside the registry is allowed; it just has no profile.
func (c *Config) resolveNetwork(r *network.Registry) error {
	if c.ChainID != 0 {
		c.Profile = r.ByChainID(c.ChainID)
	} else {
		c.Profile = r.Get(c.Network)
		if c.Profile == nil {
			return fmt.Errorf("unknown network: %s (supported: %s)", c.Network, strings.Join(r.Names(), ", "))
		}
		c.ChainID = c.Profile.ChainID
	}
	if c.Profile != nil {
		c.Network = c.Profile.Name
	}
	if c.ExplorerURL == "" {
		c.ExplorerURL = network.DefaultExplorerURL
		if c.Profile != nil {
			c.ExplorerURL = c.Profile.ExplorerURL
		}
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.SourcePath == "" && c.ArtifactPath == "" {
		return fmt.Errorf("a contract source is required: -source or -artifact")
	}
	if c.SourcePath != "" && c.ArtifactPath != "" {
		return fmt.Errorf("-source and -artifact are mutually exclusive")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("chain ID must be positive")
	}
	if c.GasPerSlot == 0 {
		return fmt.Errorf("gas per slot must be positive")
	}
	if c.HistoryWindowBlocks == 0 || c.HistoryWindowBlocks > MaxHistoryWindowBlocks {
		return fmt.Errorf("history window must be between 1 and %d blocks", MaxHistoryWindowBlocks)
	}
	if c.MaxTransactions <= 0 || c.MaxTransactions > MaxTransactionsLimit {
		return fmt.Errorf("max transactions must be between 1 and %d", MaxTransactionsLimit)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ContractAddress != "" && !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("invalid contract address: %s", c.ContractAddress)
	}
	if c.ContractAddress != "" && !c.HasChain() {
		return fmt.Errorf("sampling call history for %s needs -rpc or -explorer-key", c.ContractAddress)
	}
	if !c.HasChain() && c.GasLimit == 0 {
		return fmt.Errorf("gas limit is required without -rpc or -explorer-key")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Serve && c.ListenAddr == "" {
		return fmt.Errorf("listen address is required in server mode")
	}
	return nil
}

// HasChain reports whether a chain data provider can be built.
func (c *Config) HasChain() bool {
	return c.RPCURL != "" || c.ExplorerAPIKey != ""
}

// UseExplorer reports whether history comes from the explorer API rather
// than a block scan.
func (c *Config) UseExplorer() bool {
	return c.ExplorerAPIKey != ""
}

// ParseLogLevel maps a level name to its slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
	return level, nil
}
