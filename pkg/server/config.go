package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the gateway config file.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Ledger LedgerSection `toml:"ledger"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	ListenAddr  string `toml:"listen_addr"`
	MetricsAddr string `toml:"metrics_addr"`
}

type LedgerSection struct {
	RPCURL           string `toml:"rpc_url"`
	ContractAddress  string `toml:"contract_address"`
	RequestTimeoutMs int    `toml:"request_timeout_ms"`
	TradeCachePath   string `toml:"trade_cache_path"`
}

type LimitsSection struct {
	MaxMessageLength      int `toml:"max_message_length"`
	MaxJoinedRooms        int `toml:"max_joined_rooms"`
	MaxConnectionsPerIP   int `toml:"max_connections_per_ip"`
	SessionTimeoutSeconds int `toml:"session_timeout_seconds"`
	WriteTimeoutMs        int `toml:"write_timeout_ms"`
}

// DefaultTOMLConfig returns the default gateway configuration.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			ListenAddr:  ":8087",
			MetricsAddr: "127.0.0.1:9091",
		},
		Ledger: LedgerSection{
			RPCURL:           "http://127.0.0.1:8545",
			ContractAddress:  "",
			RequestTimeoutMs: 3000,
			TradeCachePath:   "~/.keygate/trades.db",
		},
		Limits: LimitsSection{
			MaxMessageLength:      4096,
			MaxJoinedRooms:        32,
			MaxConnectionsPerIP:   16,
			SessionTimeoutSeconds: 300,
			WriteTimeoutMs:        5000,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a documented
// default file if none exists, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// Might be a permissions issue; defaults still let us run.
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides following the
// pattern KEYGATE_SECTION_KEY (e.g. KEYGATE_SERVER_LISTEN_ADDR=:9000).
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("KEYGATE_SERVER_LISTEN_ADDR"); val != "" {
		config.Server.ListenAddr = val
	}
	if val := os.Getenv("KEYGATE_SERVER_METRICS_ADDR"); val != "" {
		config.Server.MetricsAddr = val
	}

	if val := os.Getenv("KEYGATE_LEDGER_RPC_URL"); val != "" {
		config.Ledger.RPCURL = val
	}
	if val := os.Getenv("KEYGATE_LEDGER_CONTRACT_ADDRESS"); val != "" {
		config.Ledger.ContractAddress = val
	}
	if val := os.Getenv("KEYGATE_LEDGER_REQUEST_TIMEOUT_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			config.Ledger.RequestTimeoutMs = ms
		}
	}
	if val := os.Getenv("KEYGATE_LEDGER_TRADE_CACHE_PATH"); val != "" {
		config.Ledger.TradeCachePath = val
	}

	if val := os.Getenv("KEYGATE_LIMITS_MAX_MESSAGE_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxMessageLength = limit
		}
	}
	if val := os.Getenv("KEYGATE_LIMITS_MAX_JOINED_ROOMS"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxJoinedRooms = limit
		}
	}
	if val := os.Getenv("KEYGATE_LIMITS_MAX_CONNECTIONS_PER_IP"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxConnectionsPerIP = limit
		}
	}
	if val := os.Getenv("KEYGATE_LIMITS_SESSION_TIMEOUT_SECONDS"); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil {
			config.Limits.SessionTimeoutSeconds = timeout
		}
	}
	if val := os.Getenv("KEYGATE_LIMITS_WRITE_TIMEOUT_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			config.Limits.WriteTimeoutMs = ms
		}
	}

	return config
}

// writeDefaultConfig writes a documented default config file.
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# KeyGate Gateway Configuration
# This file was auto-generated with default values.
# Restart the gateway for changes to take effect.
#
# Environment variables can override these settings:
# KEYGATE_SECTION_KEY (e.g., KEYGATE_SERVER_LISTEN_ADDR=:9000)

[server]
# Address for the public HTTP server (/ws, /healthz)
listen_addr = ":8087"

# Address for the internal metrics server (/metrics) - never expose publicly
metrics_addr = "127.0.0.1:9091"

[ledger]
# JSON-RPC endpoint of the node holding the keys contract
rpc_url = "http://127.0.0.1:8545"

# Address of the keys contract (required)
contract_address = ""

# Timeout for each ledger query in milliseconds. A timed-out query denies
# access; it never grants it.
request_timeout_ms = 3000

# Path for the sqlite trade-event cache. Empty disables caching and every
# purchase-history lookup scans the full event log.
trade_cache_path = "~/.keygate/trades.db"

[limits]
# Maximum relayed message content length in bytes
max_message_length = 4096

# Maximum rooms one session may be joined to at once
max_joined_rooms = 32

# Connections accepted per client IP; 0 disables the limit
max_connections_per_ip = 16

# Idle sessions are disconnected after this many seconds
session_timeout_seconds = 300

# Per-write deadline towards clients in milliseconds; a stalled client fails
# its own writes instead of blocking broadcasts
write_timeout_ms = 5000
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// GatewayConfig is the runtime configuration of a Gateway.
type GatewayConfig struct {
	ListenAddr          string
	MetricsAddr         string
	MaxMessageLength    int
	MaxJoinedRooms      int
	MaxConnectionsPerIP int // 0 means unlimited
	SessionTimeout      time.Duration
	WriteTimeout        time.Duration
}

// DefaultConfig returns default gateway runtime configuration.
func DefaultConfig() GatewayConfig {
	cfg := DefaultTOMLConfig()
	return cfg.ToGatewayConfig()
}

// ToGatewayConfig converts the file representation to runtime config.
func (c *TOMLConfig) ToGatewayConfig() GatewayConfig {
	cfg := GatewayConfig{
		ListenAddr:          ":8087",
		MetricsAddr:         "127.0.0.1:9091",
		MaxMessageLength:    4096,
		MaxJoinedRooms:      32,
		MaxConnectionsPerIP: 16,
		SessionTimeout:      300 * time.Second,
		WriteTimeout:        5 * time.Second,
	}

	if strings.TrimSpace(c.Server.ListenAddr) != "" {
		cfg.ListenAddr = c.Server.ListenAddr
	}
	if strings.TrimSpace(c.Server.MetricsAddr) != "" {
		cfg.MetricsAddr = c.Server.MetricsAddr
	}
	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxJoinedRooms > 0 {
		cfg.MaxJoinedRooms = c.Limits.MaxJoinedRooms
	}
	cfg.MaxConnectionsPerIP = c.Limits.MaxConnectionsPerIP
	if c.Limits.SessionTimeoutSeconds > 0 {
		cfg.SessionTimeout = time.Duration(c.Limits.SessionTimeoutSeconds) * time.Second
	}
	if c.Limits.WriteTimeoutMs > 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutMs) * time.Millisecond
	}
	return cfg
}

// RequestTimeout returns the ledger request timeout with its default.
func (c *TOMLConfig) RequestTimeout() time.Duration {
	if c.Ledger.RequestTimeoutMs > 0 {
		return time.Duration(c.Ledger.RequestTimeoutMs) * time.Millisecond
	}
	return 3 * time.Second
}

// TradeCachePath returns the trade cache path with ~ expanded; empty means
// caching is disabled.
func (c *TOMLConfig) TradeCachePath() (string, error) {
	if strings.TrimSpace(c.Ledger.TradeCachePath) == "" {
		return "", nil
	}
	return expandHome(c.Ledger.TradeCachePath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
