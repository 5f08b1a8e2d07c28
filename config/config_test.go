package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402http "github.com/kamiyo-ai/x402-go/http"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_RPC_URL", "https://rpc.example.com")
	t.Setenv("TEST_REDIS_URL", "redis://localhost:6379/1")

	cfg, err := Load(writeConfig(t, `
solana:
  network: solana
  rpc_url: ${TEST_RPC_URL}
redis:
  url: ${TEST_REDIS_URL}
`))
	require.NoError(t, err)
	assert.Equal(t, "https://rpc.example.com", cfg.Solana.RPCURL)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Redis.URL)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "solana-devnet", cfg.Solana.Network)
	assert.Equal(t, "SOLANA_PRIVATE_KEY", cfg.Solana.KeypairEnv)
	assert.Equal(t, x402http.DefaultQualityThreshold, cfg.Client.QualityThreshold)
	assert.Equal(t, x402http.DefaultTimeLock, cfg.Client.TimeLock)
	assert.Equal(t, x402http.DefaultTimeout, cfg.Client.Timeout)
	assert.Equal(t, x402http.DefaultMaxPriceLamports, cfg.Client.MaxPriceLamports())
	assert.Equal(t, 3, cfg.Client.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Client.Breaker.FailureThreshold)
	assert.Equal(t, x402http.DefaultFacilitatorURL, cfg.Facilitator.URL)
	assert.Equal(t, 30*time.Second, cfg.Facilitator.CacheTTL)
	assert.Equal(t, ":9402", cfg.Admin.Listen)
}

func TestParseDurations(t *testing.T) {
	cfg, err := Parse([]byte(`
client:
  time_lock: 2h
  timeout: 45s
  retry:
    max_attempts: 5
    initial_delay: 250ms
    max_delay: 4s
    multiplier: 1.5
  breaker:
    reset_timeout: 90s
facilitator:
  rate_limit: 20
  burst: 5
`))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, cfg.Client.TimeLock)
	assert.Equal(t, 45*time.Second, cfg.Client.Timeout)

	retry := cfg.Client.RetryConfig()
	assert.Equal(t, 5, retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, retry.InitialDelay)
	assert.Equal(t, 4*time.Second, retry.MaxDelay)
	assert.Equal(t, 1.5, retry.Multiplier)

	assert.Equal(t, 90*time.Second, cfg.Client.BreakerConfig().ResetTimeout)
	assert.Equal(t, 20.0, cfg.Facilitator.RateLimit)
	assert.Equal(t, 5, cfg.Facilitator.Burst)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"network", "solana:\n  network: mars\n", "solana.network"},
		{"threshold", "client:\n  quality_threshold: 150\n", "quality_threshold"},
		{"time lock", "client:\n  time_lock: 10s\n", "client.time_lock"},
		{"timeout", "client:\n  timeout: 1h\n", "client.timeout"},
		{"retry", "client:\n  retry:\n    initial_delay: 10s\n    max_delay: 1s\n", "client.retry"},
		{"rate limit", "facilitator:\n  rate_limit: -1\n", "rate_limit"},
		{"yaml", "client: [", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestKeysFromEnvironment(t *testing.T) {
	t.Setenv("AGENT_SOL_KEY", "sol-secret")
	t.Setenv("AGENT_EVM_KEY", "evm-secret")

	cfg, err := Parse([]byte(`
solana:
  keypair_env: AGENT_SOL_KEY
evm:
  private_key_env: AGENT_EVM_KEY
`))
	require.NoError(t, err)
	assert.Equal(t, "sol-secret", cfg.Solana.SolanaKey())
	assert.Equal(t, "evm-secret", cfg.EVM.EVMKey())

	assert.Empty(t, EVMConfig{}.EVMKey())
}
