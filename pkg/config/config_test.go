package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validConfig = `
database:
  host: localhost
  user: coordinator
  password: secret
  database: coordinator
chains:
  - name: polygon
    chain_id: 137
    rpc_url: https://polygon-rpc.example
    safe_confirmations: 64
    sync_window: 1000
    tick_interval: 15s
    run_oracle: true
    oracle_contract: "0x00000000000000000000000000000000000000cc"
keys:
  infrastructure: "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
  game: "45a915e4d060149eb4365960e6a7a45f334393093061116b197e3240065ff2d8"
  executors:
    - "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Chains, 1)
	require.Equal(t, int64(137), cfg.Chains[0].ChainID)
	require.Equal(t, 10, cfg.Oracle.BatchSize)
	require.Equal(t, 5, cfg.Oracle.LowWaterMark)
	require.Equal(t, time.Hour, cfg.Oracle.RevealInterval)
	require.Equal(t, 3, cfg.Retry.Attempts)
	require.Equal(t, 3*time.Minute, cfg.Nonce.Staleness)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadRejectsMissingChains(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  host: localhost
keys:
  infrastructure: "aa"
  game: "bb"
  executors: ["cc"]
`))
	require.ErrorContains(t, err, "at least one chain")
}

func TestLoadRejectsOracleChainWithoutContract(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  host: localhost
chains:
  - name: polygon
    chain_id: 137
    rpc_url: https://polygon-rpc.example
    safe_confirmations: 64
    sync_window: 1000
    tick_interval: 15s
    run_oracle: true
keys:
  infrastructure: "aa"
  game: "bb"
  executors: ["cc"]
`))
	require.ErrorContains(t, err, "oracle_contract")
}

func TestLoadRejectsMissingExecutors(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  host: localhost
chains:
  - name: polygon
    chain_id: 137
    rpc_url: https://polygon-rpc.example
    safe_confirmations: 64
    sync_window: 1000
    tick_interval: 15s
keys:
  infrastructure: "aa"
  game: "bb"
`))
	require.ErrorContains(t, err, "executors")
}

func TestConnectionString(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "coordinator",
		Password: "secret",
		Database: "coordinator",
		SSLMode:  "require",
	}
	require.Equal(t,
		"host=db.internal port=5432 user=coordinator password=secret dbname=coordinator sslmode=require",
		cfg.GetConnectionString())
}
