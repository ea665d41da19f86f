// Package config loads node configuration from the environment and the
// negotiator chain from a YAML or JSONC file.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-market/pkg/observability"
)

// Role is the side a node plays.
type Role string

const (
	RoleProvider  Role = "provider"
	RoleRequestor Role = "requestor"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds node configuration.
type Config struct {
	Role      Role
	NodeSeed  []byte // HKDF input for the node identity; random when empty
	NodeLabel string

	Store       string
	DatabaseURL string
	RedisAddr   string
	LogLevel    string

	LockTimeout  time.Duration
	ProposalTTL  time.Duration
	AgreementTTL time.Duration

	NegotiatorsPath string
	InboundRPS      float64
	InboundBurst    int

	TelemetryEnabled bool
	OTLPEndpoint     string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	c := &Config{
		Role:            Role(getenv("MARKET_ROLE", string(RoleProvider))),
		NodeLabel:       getenv("MARKET_NODE_LABEL", "node"),
		Store:           getenv("MARKET_STORE", StoreMemory),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),
		LogLevel:        getenv("LOG_LEVEL", "INFO"),
		NegotiatorsPath: os.Getenv("MARKET_NEGOTIATORS"),
		OTLPEndpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
	c.TelemetryEnabled = os.Getenv("MARKET_TELEMETRY") == "true"

	var err error
	if seed := os.Getenv("MARKET_NODE_SEED"); seed != "" {
		if c.NodeSeed, err = hex.DecodeString(seed); err != nil {
			return nil, fmt.Errorf("MARKET_NODE_SEED: %w", err)
		}
	}
	if c.LockTimeout, err = durationEnv("MARKET_LOCK_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if c.ProposalTTL, err = durationEnv("MARKET_PROPOSAL_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.AgreementTTL, err = durationEnv("MARKET_AGREEMENT_TTL", time.Hour); err != nil {
		return nil, err
	}
	if v := os.Getenv("MARKET_INBOUND_RPS"); v != "" {
		if c.InboundRPS, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("MARKET_INBOUND_RPS: %w", err)
		}
	} else {
		c.InboundRPS = 50
	}
	if v := os.Getenv("MARKET_INBOUND_BURST"); v != "" {
		if c.InboundBurst, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("MARKET_INBOUND_BURST: %w", err)
		}
	} else {
		c.InboundBurst = 100
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks field combinations.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleProvider, RoleRequestor:
	default:
		return fmt.Errorf("MARKET_ROLE: unknown role %q", c.Role)
	}
	switch c.Store {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for store %q", c.Store)
		}
	default:
		return fmt.Errorf("MARKET_STORE: unknown store %q", c.Store)
	}
	if c.NodeSeed != nil && len(c.NodeSeed) < 16 {
		return fmt.Errorf("MARKET_NODE_SEED: need at least 16 bytes, got %d", len(c.NodeSeed))
	}
	if c.InboundRPS <= 0 || c.InboundBurst <= 0 {
		return fmt.Errorf("inbound rate limit must be positive (rps=%v burst=%d)", c.InboundRPS, c.InboundBurst)
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level; unknown names mean Info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Observability returns the telemetry configuration.
func (c *Config) Observability() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.TelemetryEnabled
	oc.OTLPEndpoint = c.OTLPEndpoint
	oc.Environment = getenv("MARKET_ENV", oc.Environment)
	oc.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	return oc
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", key, d)
	}
	return d, nil
}
