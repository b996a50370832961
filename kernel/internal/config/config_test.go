package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/policy"
)

const sampleYAML = `
server:
  addr: ":9443"
logger:
  level: debug
ledger:
  backend: file
  dir: /var/lib/zt/ledger
  digest: blake2b_256
  append_timeout: 500ms
policy:
  denied_syscalls: [ptrace, kexec_load]
  rules:
    - id: allow-svc-open
      priority: 10
      action: allow
      match:
        kinds: [syscall]
        subjects: ["svc"]
        syscalls: [openat]
    - id: alert-exec
      priority: 20
      action: allow_and_alert
      match:
        kinds: [exec]
alerts:
  sinks: [log]
  denial_threshold: 5
auth:
  hmac_secret: test-secret
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9443", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "file", cfg.Ledger.Backend)
	assert.Equal(t, "blake2b_256", cfg.Ledger.Digest)
	assert.Equal(t, 500*time.Millisecond, cfg.Ledger.AppendTimeout)
	assert.Equal(t, []string{"ptrace", "kexec_load"}, cfg.Policy.DeniedSyscalls)
	assert.Equal(t, 5, cfg.Alerts.DenialThreshold)

	require.Len(t, cfg.Policy.Rules, 2)
	r := cfg.Policy.Rules[0]
	assert.Equal(t, "allow-svc-open", r.ID)
	assert.Equal(t, policy.ActionAllow, r.Action)
	assert.Equal(t, []event.Kind{event.KindSyscall}, r.Match.Kinds)
	assert.Equal(t, policy.ActionAllowAndAlert, cfg.Policy.Rules[1].Action)

	// defaults survive
	assert.Equal(t, 60*time.Second, cfg.Alerts.DenialWindow)
	assert.Equal(t, 16, cfg.Intercept.Workers)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://zt@localhost/zt")
	t.Setenv("LEDGER_APPEND_TIMEOUT", "3s")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Ledger.Backend)
	assert.Equal(t, "postgres://zt@localhost/zt", cfg.Database.URL)
	assert.Equal(t, 3*time.Second, cfg.Ledger.AppendTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadSigningKeyPath(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "ledger.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("c2VlZA==\n"), 0o600))
	t.Setenv("LEDGER_SIGNING_KEY_PATH", keyPath)

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "c2VlZA==", cfg.Ledger.SigningKey)
}

func TestAuthEnabledByDefault(t *testing.T) {
	cfg, err := Load(writeConfig(t, "ledger:\n  backend: memory\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Auth.Enabled)
	assert.False(t, cfg.Auth.AllowAnonymous)
	assert.Error(t, cfg.Validate())

	cfg.Auth.Enabled = false
	cfg.Auth.AllowAnonymous = true
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, sampleYAML))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown backend", func(c *Config) { c.Ledger.Backend = "etcd" }},
		{"postgres without url", func(c *Config) { c.Ledger.Backend = "postgres"; c.Database.URL = "" }},
		{"unknown digest", func(c *Config) { c.Ledger.Digest = "md5" }},
		{"zero timeout", func(c *Config) { c.Ledger.AppendTimeout = 0 }},
		{"unknown sink", func(c *Config) { c.Alerts.Sinks = []string{"pager"} }},
		{"nats sink without url", func(c *Config) { c.Alerts.Sinks = []string{"nats"} }},
		{"stream without postgres", func(c *Config) { c.Stream.Enabled = true }},
		{"auth without key", func(c *Config) { c.Auth.HMACSecret = "" }},
		{"auth disabled without allow_anonymous", func(c *Config) { c.Auth.Enabled = false }},
		{"mtls without ca", func(c *Config) { c.Server.TLS.RequireMTLS = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
