// Package config loads the kernel configuration from kernel.yaml and the
// environment. Any key can be overridden by its upper-cased env form with dots
// replaced by underscores (ledger.backend -> LEDGER_BACKEND).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/digest"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/policy"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Intercept  InterceptConfig  `mapstructure:"intercept"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLS             TLSConfig     `mapstructure:"tls"`
}

// TLSConfig enables TLS when CertFile is set; RequireMTLS also demands a
// client certificate signed by ClientCAFile.
type TLSConfig struct {
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	ClientCAFile string `mapstructure:"client_ca_file"`
	RequireMTLS  bool   `mapstructure:"require_mtls"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// AuthConfig configures bearer-token validation on the HTTP surface. Tokens
// are EdDSA when a public key is configured, HS256 otherwise.
type AuthConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	HMACSecret    string `mapstructure:"hmac_secret"`
	Issuer        string `mapstructure:"issuer"`
	Audience      string `mapstructure:"audience"`
	// DevSkipMTLS trusts X-Client-CN / X-Roles headers. Never enable in production.
	DevSkipMTLS bool `mapstructure:"dev_skip_mtls"`
	// AllowAnonymous must be set to run with auth disabled, in which case
	// every caller is SuperAdmin. Development only.
	AllowAnonymous bool `mapstructure:"allow_anonymous"`

	PublicKey []byte `mapstructure:"-"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Driver   string `mapstructure:"driver"` // postgres (lib/pq) or pgx
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

type LedgerConfig struct {
	Backend       string        `mapstructure:"backend"` // memory, file, postgres
	Dir           string        `mapstructure:"dir"`
	Digest        string        `mapstructure:"digest"`
	AppendTimeout time.Duration `mapstructure:"append_timeout"`
	SignerID      string        `mapstructure:"signer_id"`
	// SigningKey is a base64 Ed25519 seed; SigningKeyPath a file holding one.
	// With neither set an ephemeral key is generated at start.
	SigningKey     string `mapstructure:"signing_key"`
	SigningKeyPath string `mapstructure:"signing_key_path"`
}

// PolicyConfig holds inline rules and/or a YAML rules file. Empty guard lists
// fall back to the built-in defaults.
type PolicyConfig struct {
	RulesFile           string        `mapstructure:"rules_file"`
	Rules               []policy.Rule `mapstructure:"rules"`
	DeniedSyscalls      []string      `mapstructure:"denied_syscalls"`
	PrivilegedProcesses []string      `mapstructure:"privileged_processes"`
	TrustedParents      []string      `mapstructure:"trusted_parents"`
	BlockedBinaries     []string      `mapstructure:"blocked_binaries"`
}

type AlertsConfig struct {
	Sinks                 []string      `mapstructure:"sinks"` // log, nats, kafka
	RateLimit             float64       `mapstructure:"rate_limit"`
	Burst                 int           `mapstructure:"burst"`
	QueueSize             int           `mapstructure:"queue_size"`
	DenialThreshold       int           `mapstructure:"denial_threshold"`
	DenialWindow          time.Duration `mapstructure:"denial_window"`
	SyscallBurstThreshold int           `mapstructure:"syscall_burst_threshold"`
	SyscallBurstWindow    time.Duration `mapstructure:"syscall_burst_window"`
	NATSURL               string        `mapstructure:"nats_url"`
	NATSSubject           string        `mapstructure:"nats_subject"`
	KafkaBrokers          []string      `mapstructure:"kafka_brokers"`
	KafkaTopic            string        `mapstructure:"kafka_topic"`
}

type InterceptConfig struct {
	Workers     int    `mapstructure:"workers"`
	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`
	NATSQueue   string `mapstructure:"nats_queue"`
	// RingbufPath and VerdictMapPath are bpffs paths of maps pinned by the probe loader.
	RingbufPath    string `mapstructure:"ringbuf_path"`
	VerdictMapPath string `mapstructure:"verdict_map_path"`
}

type StreamConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BatchSize      int           `mapstructure:"batch_size"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	ClaimLease     time.Duration `mapstructure:"claim_lease"`
	KafkaBrokers   []string      `mapstructure:"kafka_brokers"`
	KafkaTopic     string        `mapstructure:"kafka_topic"`
	S3Bucket       string        `mapstructure:"s3_bucket"`
	S3Prefix       string        `mapstructure:"s3_prefix"`
	Compress       bool          `mapstructure:"compress"`
}

// RedisConfig enables fleet-wide quarantine sync when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
	SetKey   string `mapstructure:"set_key"`
}

// ClickHouseConfig enables decision telemetry when DSN is set.
type ClickHouseConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads the file at path, or searches for kernel.yaml in . and ./configs
// when path is empty. A missing searched file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kernel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	// list-valued env overrides arrive as one comma separated string
	cfg.Alerts.Sinks = splitList(cfg.Alerts.Sinks)
	cfg.Alerts.KafkaBrokers = splitList(cfg.Alerts.KafkaBrokers)
	cfg.Stream.KafkaBrokers = splitList(cfg.Stream.KafkaBrokers)

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	if cfg.Ledger.SigningKey == "" && cfg.Ledger.SigningKeyPath != "" {
		b, err := os.ReadFile(cfg.Ledger.SigningKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read signing key: %w", err)
		}
		cfg.Ledger.SigningKey = strings.TrimSpace(string(b))
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.client_ca_file", "")
	v.SetDefault("server.tls.require_mtls", false)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.allow_anonymous", false)
	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.hmac_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.dev_skip_mtls", false)

	v.SetDefault("database.url", "")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("ledger.backend", "memory")
	v.SetDefault("ledger.dir", "./data/ledger")
	v.SetDefault("ledger.digest", digest.Default)
	v.SetDefault("ledger.append_timeout", 2*time.Second)
	v.SetDefault("ledger.signer_id", "kernel-signer-1")
	v.SetDefault("ledger.signing_key", "")
	v.SetDefault("ledger.signing_key_path", "")

	v.SetDefault("policy.rules_file", "")

	v.SetDefault("alerts.sinks", []string{"log"})
	v.SetDefault("alerts.rate_limit", 100.0)
	v.SetDefault("alerts.burst", 20)
	v.SetDefault("alerts.queue_size", 1024)
	v.SetDefault("alerts.denial_threshold", 10)
	v.SetDefault("alerts.denial_window", 60*time.Second)
	v.SetDefault("alerts.syscall_burst_threshold", 500)
	v.SetDefault("alerts.syscall_burst_window", time.Second)
	v.SetDefault("alerts.nats_url", "")
	v.SetDefault("alerts.nats_subject", "zt.alerts")
	v.SetDefault("alerts.kafka_brokers", []string{})
	v.SetDefault("alerts.kafka_topic", "zt.alerts")

	v.SetDefault("intercept.workers", 16)
	v.SetDefault("intercept.nats_url", "")
	v.SetDefault("intercept.nats_subject", "zt.intercept")
	v.SetDefault("intercept.nats_queue", "kernel")
	v.SetDefault("intercept.ringbuf_path", "")
	v.SetDefault("intercept.verdict_map_path", "")

	v.SetDefault("stream.enabled", false)
	v.SetDefault("stream.batch_size", 10)
	v.SetDefault("stream.poll_interval", 3*time.Second)
	v.SetDefault("stream.max_concurrency", 5)
	v.SetDefault("stream.claim_lease", 5*time.Minute)
	v.SetDefault("stream.kafka_brokers", []string{})
	v.SetDefault("stream.kafka_topic", "zt.ledger")
	v.SetDefault("stream.s3_bucket", "")
	v.SetDefault("stream.s3_prefix", "")
	v.SetDefault("stream.compress", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "zt:quarantine:updates")
	v.SetDefault("redis.set_key", "zt:quarantine")

	v.SetDefault("clickhouse.dsn", "")
	v.SetDefault("clickhouse.table", "zt_decisions")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}

// Validate rejects configurations the kernel cannot start with.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case "memory":
	case "file":
		if c.Ledger.Dir == "" {
			return errors.New("ledger.dir required for file backend")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url required for postgres backend")
		}
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend)
	}
	switch c.Database.Driver {
	case "postgres", "pgx":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if _, err := digest.Lookup(c.Ledger.Digest); err != nil {
		return err
	}
	if c.Ledger.AppendTimeout <= 0 {
		return errors.New("ledger.append_timeout must be positive")
	}
	if c.Intercept.Workers <= 0 {
		return errors.New("intercept.workers must be positive")
	}
	if c.Alerts.DenialWindow <= 0 || c.Alerts.SyscallBurstWindow <= 0 {
		return errors.New("alert windows must be positive")
	}
	for _, s := range c.Alerts.Sinks {
		switch s {
		case "log":
		case "nats":
			if c.Alerts.NATSURL == "" {
				return errors.New("alerts.nats_url required for nats sink")
			}
		case "kafka":
			if len(c.Alerts.KafkaBrokers) == 0 {
				return errors.New("alerts.kafka_brokers required for kafka sink")
			}
		default:
			return fmt.Errorf("unknown alert sink %q", s)
		}
	}
	if c.Stream.Enabled && c.Ledger.Backend != "postgres" {
		return errors.New("stream.enabled requires the postgres ledger backend")
	}
	if c.Auth.Enabled && len(c.Auth.PublicKey) == 0 && c.Auth.HMACSecret == "" {
		return errors.New("auth.enabled requires auth.public_key_path or auth.hmac_secret")
	}
	if !c.Auth.Enabled && !c.Auth.AllowAnonymous {
		return errors.New("auth.enabled=false grants every caller SuperAdmin; set auth.allow_anonymous to confirm")
	}
	if c.Server.TLS.RequireMTLS && (c.Server.TLS.CertFile == "" || c.Server.TLS.ClientCAFile == "") {
		return errors.New("server.tls.require_mtls requires cert_file and client_ca_file")
	}
	return nil
}
