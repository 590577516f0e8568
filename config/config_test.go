package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/quota")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.LedgerBackend)
	assert.Equal(t, "http", cfg.TokenCounter)
	assert.Equal(t, "cl100k_base", cfg.TokenizerEncoding)
	assert.Equal(t, 5*time.Second, cfg.TokenCounterTimeout)
	assert.EqualValues(t, 5, cfg.CommitMaxAttempts)
	assert.EqualValues(t, 3, cfg.CountMaxAttempts)
	assert.EqualValues(t, 100000, cfg.DefaultRateLimitTPM)
	assert.False(t, cfg.RunSeed)
}

func TestLoad_MemoryBackendNeedsNoDatabase(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "memory")
	t.Setenv("TOKEN_COUNTER", "tiktoken")
	t.Setenv("RUN_SEED", "true")
	t.Setenv("COMMIT_MAX_ELAPSED", "2s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.RunSeed)
	assert.Equal(t, 2*time.Second, cfg.CommitMaxElapsed)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"postgres without dsn": {"LEDGER_BACKEND": "postgres"},
		"redis without addr":   {"LEDGER_BACKEND": "redis"},
		"unknown backend":      {"LEDGER_BACKEND": "etcd"},
		"unknown counter":      {"LEDGER_BACKEND": "memory", "TOKEN_COUNTER": "guess"},
		"http counter no url":  {"LEDGER_BACKEND": "memory", "TOKEN_COUNTER_URL": ""},
		"bad tpm":              {"LEDGER_BACKEND": "memory", "DEFAULT_RATE_LIMIT_TPM": "lots"},
		"bad timeout":          {"LEDGER_BACKEND": "memory", "TOKEN_COUNTER_TIMEOUT": "soon"},
		"zero commit attempts": {"LEDGER_BACKEND": "memory", "COMMIT_MAX_ATTEMPTS": "0"},
		"negative attempts":    {"LEDGER_BACKEND": "memory", "COUNT_MAX_ATTEMPTS": "-1"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("POSTGRES_DSN", "")
			t.Setenv("REDIS_ADDR", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
