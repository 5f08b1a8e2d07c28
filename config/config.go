// Package config loads the agent configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	x402 "github.com/kamiyo-ai/x402-go"
	x402http "github.com/kamiyo-ai/x402-go/http"
	"github.com/kamiyo-ai/x402-go/mechanisms/svm"
	"github.com/kamiyo-ai/x402-go/resilience"
	"github.com/kamiyo-ai/x402-go/store/redisstore"
)

// Config is the root of the agent configuration.
type Config struct {
	Solana      SolanaConfig      `yaml:"solana"`
	EVM         EVMConfig         `yaml:"evm"`
	Client      ClientConfig      `yaml:"client"`
	Facilitator FacilitatorConfig `yaml:"facilitator"`
	Redis       redisstore.Config `yaml:"redis"`
	Admin       AdminConfig       `yaml:"admin"`
}

type SolanaConfig struct {
	Network string `yaml:"network"`
	RPCURL  string `yaml:"rpc_url"`

	// ProgramID is the escrow program. Empty uses the built-in default.
	ProgramID string `yaml:"program_id"`

	// KeypairEnv names the environment variable holding the base58 private key.
	KeypairEnv string `yaml:"keypair_env"`

	// KeypairFile is a solana-keygen JSON file, used when KeypairEnv is unset.
	KeypairFile string `yaml:"keypair_file"`
}

type EVMConfig struct {
	// PrivateKeyEnv names the environment variable holding the hex private
	// key. EVM payments are disabled when it is empty.
	PrivateKeyEnv string `yaml:"private_key_env"`
}

type ClientConfig struct {
	QualityThreshold int           `yaml:"quality_threshold"`
	MaxPriceSOL      float64       `yaml:"max_price_sol"`
	TimeLock         time.Duration `yaml:"time_lock"`
	Timeout          time.Duration `yaml:"timeout"`
	Debug            bool          `yaml:"debug"`
	Retry            RetryConfig   `yaml:"retry"`
	Breaker          BreakerConfig `yaml:"breaker"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

type FacilitatorConfig struct {
	URL              string        `yaml:"url"`
	Timeout          time.Duration `yaml:"timeout"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	RateLimit        float64       `yaml:"rate_limit"`
	Burst            int           `yaml:"burst"`
	BatchConcurrency int           `yaml:"batch_concurrency"`
}

type AdminConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads .env when present, then the YAML file at path with
// environment variables expanded, applies defaults and validates.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content after environment expansion.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Solana.Network == "" {
		c.Solana.Network = svm.SolanaDevnet
	}
	if c.Solana.KeypairEnv == "" && c.Solana.KeypairFile == "" {
		c.Solana.KeypairEnv = "SOLANA_PRIVATE_KEY"
	}

	if c.Client.QualityThreshold == 0 {
		c.Client.QualityThreshold = x402http.DefaultQualityThreshold
	}
	if c.Client.MaxPriceSOL == 0 {
		c.Client.MaxPriceSOL = 0.1
	}
	if c.Client.TimeLock == 0 {
		c.Client.TimeLock = x402http.DefaultTimeLock
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = x402http.DefaultTimeout
	}

	retry := resilience.DefaultRetryConfig()
	if c.Client.Retry.MaxAttempts == 0 {
		c.Client.Retry.MaxAttempts = retry.MaxAttempts
	}
	if c.Client.Retry.InitialDelay == 0 {
		c.Client.Retry.InitialDelay = retry.InitialDelay
	}
	if c.Client.Retry.MaxDelay == 0 {
		c.Client.Retry.MaxDelay = retry.MaxDelay
	}
	if c.Client.Retry.Multiplier == 0 {
		c.Client.Retry.Multiplier = retry.Multiplier
	}

	breaker := resilience.DefaultBreakerConfig()
	if c.Client.Breaker.FailureThreshold == 0 {
		c.Client.Breaker.FailureThreshold = breaker.FailureThreshold
	}
	if c.Client.Breaker.SuccessThreshold == 0 {
		c.Client.Breaker.SuccessThreshold = breaker.SuccessThreshold
	}
	if c.Client.Breaker.ResetTimeout == 0 {
		c.Client.Breaker.ResetTimeout = breaker.ResetTimeout
	}

	if c.Facilitator.URL == "" {
		c.Facilitator.URL = x402http.DefaultFacilitatorURL
	}
	if c.Facilitator.Timeout == 0 {
		c.Facilitator.Timeout = 10 * time.Second
	}
	if c.Facilitator.CacheTTL == 0 {
		c.Facilitator.CacheTTL = 30 * time.Second
	}
	if c.Facilitator.BatchConcurrency == 0 {
		c.Facilitator.BatchConcurrency = 8
	}

	if c.Admin.Listen == "" {
		c.Admin.Listen = ":9402"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if !svm.IsValidNetwork(c.Solana.Network) {
		return fmt.Errorf("solana.network: unsupported network %q", c.Solana.Network)
	}
	if c.Client.QualityThreshold < 0 || c.Client.QualityThreshold > 100 {
		return fmt.Errorf("client.quality_threshold must be within [0, 100], got %d", c.Client.QualityThreshold)
	}
	if c.Client.MaxPriceSOL < 0 {
		return fmt.Errorf("client.max_price_sol must be positive, got %v", c.Client.MaxPriceSOL)
	}
	if c.Client.TimeLock < x402http.MinTimeLock || c.Client.TimeLock > x402http.MaxTimeLock {
		return fmt.Errorf("client.time_lock must be within [%s, %s], got %s",
			x402http.MinTimeLock, x402http.MaxTimeLock, c.Client.TimeLock)
	}
	if c.Client.Timeout < x402http.MinTimeout || c.Client.Timeout > x402http.MaxTimeout {
		return fmt.Errorf("client.timeout must be within [%s, %s], got %s",
			x402http.MinTimeout, x402http.MaxTimeout, c.Client.Timeout)
	}
	if err := c.Client.RetryConfig().Validate(); err != nil {
		return fmt.Errorf("client.retry: %w", err)
	}
	if err := c.Client.BreakerConfig().Validate(); err != nil {
		return fmt.Errorf("client.breaker: %w", err)
	}
	if c.Facilitator.RateLimit < 0 {
		return fmt.Errorf("facilitator.rate_limit must not be negative, got %v", c.Facilitator.RateLimit)
	}
	if c.Facilitator.BatchConcurrency < 1 {
		return fmt.Errorf("facilitator.batch_concurrency must be at least 1, got %d", c.Facilitator.BatchConcurrency)
	}
	return nil
}

// MaxPriceLamports converts the SOL price cap to lamports.
func (c ClientConfig) MaxPriceLamports() uint64 {
	return x402.WholeToAtomic(c.MaxPriceSOL, x402.SolanaDecimals)
}

func (c ClientConfig) RetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   c.Retry.Multiplier,
	}
}

func (c ClientConfig) BreakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		ResetTimeout:     c.Breaker.ResetTimeout,
	}
}

// SolanaKey returns the configured private key from the environment, or
// "" when a keypair file is configured instead.
func (c SolanaConfig) SolanaKey() string {
	if c.KeypairEnv == "" {
		return ""
	}
	return os.Getenv(c.KeypairEnv)
}

// EVMKey returns the configured EVM private key, or "".
func (c EVMConfig) EVMKey() string {
	if c.PrivateKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.PrivateKeyEnv)
}
