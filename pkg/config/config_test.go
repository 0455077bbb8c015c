package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

const sample = `
server:
  listen: ":9090"
  self: "vault-guard"
  log_level: debug
  log_format: text
genesis:
  owners: [alice, bob, carol]
  required_approvals: 2
  proposal_deadline: 48h
storage:
  driver: sqlite
  dsn: "file:multiguard.db"
redis:
  addr: "localhost:6379"
rate_limit:
  enabled: true
  backend: redis
  rpm: 60
  burst: 5
targets:
  - address: treasury
    kind: http
    endpoint: "https://treasury.internal/call"
    rps: 2
    burst: 4
  - address: sweeper
    kind: wasm
    module: "./sweeper.wasm"
policy:
  - name: cap
    kinds: [TRANSACTION]
    expr: "proposal.value <= 1000"
telemetry:
  enabled: false
  service_name: guard
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "multiguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "vault-guard", cfg.Server.Self)
	assert.Equal(t, "X-Multiguard-Caller", cfg.Server.CallerHeader, "defaults survive partial sections")
	assert.Equal(t, contracts.Genesis{
		Owners:            []contracts.Address{"alice", "bob", "carol"},
		RequiredApprovals: 2,
		ProposalDeadline:  48 * time.Hour,
	}, cfg.GenesisState())
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "multiguard.events", cfg.Redis.Channel)
	assert.Equal(t, 60, cfg.RateLimit.Policy().RPM)
	require.Len(t, cfg.Targets, 2)
	assert.Equal(t, 2.0, cfg.Targets[0].RPS)
	assert.Equal(t, "./sweeper.wasm", cfg.Targets[1].Module)
	require.Len(t, cfg.Policy, 1)
	assert.Equal(t, []contracts.Kind{contracts.KindTransaction}, cfg.Policy[0].Kinds)
	assert.Equal(t, "guard", cfg.Telemetry.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MULTIGUARD_LISTEN", ":7070")
	t.Setenv("MULTIGUARD_GENESIS_OWNERS", "dave,erin")
	t.Setenv("MULTIGUARD_GENESIS_REQUIRED_APPROVALS", "1")
	t.Setenv("MULTIGUARD_STORAGE_DRIVER", "postgres")
	t.Setenv("MULTIGUARD_STORAGE_DSN", "postgres://guard@db/guard")
	t.Setenv("MULTIGUARD_TELEMETRY_SAMPLE_RATE", "0.25")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, []string{"dave", "erin"}, cfg.Genesis.Owners)
	assert.Equal(t, 1, cfg.Genesis.RequiredApprovals)
	assert.Equal(t, 48*time.Hour, cfg.Genesis.ProposalDeadline)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 0.25, cfg.Telemetry.SampleRate)
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("MULTIGUARD_GENESIS_OWNERS", "alice")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Genesis.ProposalDeadline)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "server:\n  lsiten: \":1\"\n"))
	assert.ErrorContains(t, err, "lsiten")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Genesis.Owners = []string{"alice", "bob"}
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no owners", func(c *Config) { c.Genesis.Owners = nil }, "owner"},
		{"quorum above owners", func(c *Config) { c.Genesis.RequiredApprovals = 3 }, "threshold"},
		{"short deadline", func(c *Config) { c.Genesis.ProposalDeadline = time.Minute }, "deadline"},
		{"bad level", func(c *Config) { c.Server.LogLevel = "LOUD" }, "log_level"},
		{"bad format", func(c *Config) { c.Server.LogFormat = "xml" }, "log_format"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"sqlite without dsn", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.dsn"},
		{"redis limiter without redis", func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.Backend = "redis"
		}, "redis.addr"},
		{"http target without endpoint", func(c *Config) {
			c.Targets = []TargetConfig{{Address: "t", Kind: "http"}}
		}, "endpoint"},
		{"self target", func(c *Config) {
			c.Targets = []TargetConfig{{Address: "multiguard", Kind: "http", Endpoint: "http://x"}}
		}, "own address"},
		{"self target in another form", func(c *Config) {
			c.Targets = []TargetConfig{{Address: " multiguard ", Kind: "http", Endpoint: "http://x"}}
		}, "own address"},
		{"duplicate target after normalization", func(c *Config) {
			c.Targets = []TargetConfig{
				{Address: "caf\u00e9", Kind: "wasm", Module: "a.wasm"},
				{Address: "cafe\u0301", Kind: "wasm", Module: "b.wasm"},
			}
		}, "duplicate"},
		{"duplicate target", func(c *Config) {
			c.Targets = []TargetConfig{
				{Address: "t", Kind: "wasm", Module: "a.wasm"},
				{Address: "t", Kind: "wasm", Module: "b.wasm"},
			}
		}, "duplicate"},
		{"unknown target kind", func(c *Config) {
			c.Targets = []TargetConfig{{Address: "t", Kind: "grpc"}}
		}, "kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalid)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestApplyEnv_ExplicitEnvironment(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv(map[string]string{
		"MULTIGUARD_REDIS_ADDR":       "cache:6379",
		"MULTIGUARD_RATE_LIMIT_BURST": "9",
		"MULTIGUARD_WASM_TIMEOUT":     "2s",
	}))
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, 9, cfg.RateLimit.Burst)
	assert.Equal(t, 2*time.Second, cfg.Wasm.Timeout)
	assert.Equal(t, ":8080", cfg.Server.Listen)
}

func TestServerConfig_Logger(t *testing.T) {
	var buf bytes.Buffer
	logger := ServerConfig{LogLevel: "WARN", LogFormat: "json"}.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	ServerConfig{LogLevel: "debug", LogFormat: "text"}.Logger(&buf).Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}
