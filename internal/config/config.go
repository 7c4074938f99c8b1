// Package config loads the platform configuration from an optional TOML file
// with SELFCLAW_* environment overrides. Environment always wins so container
// deployments can run without a file at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration.
type Config struct {
	Listen  string `toml:"listen"`
	DataDir string `toml:"data_dir"`

	// Chain settings.
	ChainID         int64  `toml:"chain_id"`
	RPCURL          string `toml:"rpc_url"`
	SignerURL       string `toml:"signer_url"` // custody signer sidecar
	EscrowAddress   string `toml:"escrow_address"`
	FactoryAddress  string `toml:"factory_address"`  // CREATE2 token factory
	RegistryAddress string `toml:"registry_address"` // ERC-8004 identity registry
	GasGrantWei     string `toml:"gas_grant_wei"`

	// Verification settings.
	SessionTTLMinutes int `toml:"session_ttl_minutes"`

	// Argon2id hash of the external verifier's callback secret, hex encoded.
	// Set via `selfclaw hash-secret` or SELFCLAW_CALLBACK_SECRET_HASH.
	CallbackSecretHash string `toml:"callback_secret_hash"`

	// Rate limiting.
	RequestsPerMinute int `toml:"requests_per_minute"`
}

// SessionTTL returns the verification session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// Default returns the configuration defaults applied before file and env.
func Default() *Config {
	return &Config{
		Listen:            ":8080",
		DataDir:           "data",
		ChainID:           42220, // Celo mainnet
		GasGrantWei:       "100000000000000000", // 0.1 native token
		SessionTTLMinutes: 10,
		RequestsPerMinute: 120,
	}
}

// Load reads the TOML file at path (skipped when path is empty or missing),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("SELFCLAW_LISTEN", &c.Listen)
	envStr("SELFCLAW_DATA_DIR", &c.DataDir)
	envStr("SELFCLAW_RPC_URL", &c.RPCURL)
	envStr("SELFCLAW_SIGNER_URL", &c.SignerURL)
	envStr("SELFCLAW_ESCROW_ADDRESS", &c.EscrowAddress)
	envStr("SELFCLAW_FACTORY_ADDRESS", &c.FactoryAddress)
	envStr("SELFCLAW_REGISTRY_ADDRESS", &c.RegistryAddress)
	envStr("SELFCLAW_GAS_GRANT_WEI", &c.GasGrantWei)
	envStr("SELFCLAW_CALLBACK_SECRET_HASH", &c.CallbackSecretHash)

	if v := os.Getenv("SELFCLAW_CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.ChainID = n
		}
	}
	if v := os.Getenv("SELFCLAW_SESSION_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SessionTTLMinutes = n
		}
	}
	if v := os.Getenv("SELFCLAW_REQUESTS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RequestsPerMinute = n
		}
	}
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return errors.New("listen address required")
	}
	if c.SessionTTLMinutes <= 0 {
		return errors.New("session_ttl_minutes must be positive")
	}
	if c.EscrowAddress == "" {
		return errors.New("escrow_address required")
	}
	if c.CallbackSecretHash == "" {
		return errors.New("callback_secret_hash required")
	}
	return nil
}
