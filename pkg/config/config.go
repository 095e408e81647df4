// Package config loads slrpd configuration from defaults, an optional YAML
// file and SLRPD_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SLRPD_AUDIT_BACKEND.
const EnvPrefix = "SLRPD"

// Config is the process configuration.
type Config struct {
	DataDir      string `mapstructure:"data_dir"`
	ContractsDir string `mapstructure:"contracts_dir"`
	CorpusDir    string `mapstructure:"corpus_dir"`
	ReportsDir   string `mapstructure:"reports_dir"`
	WasmDir      string `mapstructure:"wasm_dir"`

	Audit AuditConfig `mapstructure:"audit"`
	Store StoreConfig `mapstructure:"store"`

	// MinRetrievalScoreDefault applies when the Destination Profile sets
	// no tolerance.
	MinRetrievalScoreDefault float64       `mapstructure:"min_retrieval_score_default"`
	ExecutorTimeout          time.Duration `mapstructure:"executor_timeout"`

	HTTP     HTTPConfig     `mapstructure:"http"`
	Approver ApproverConfig `mapstructure:"approver"`

	// AllowFaultInjection enables the per-session event suppression
	// endpoint. Never enable outside test deployments.
	AllowFaultInjection bool `mapstructure:"allow_fault_injection"`

	Archive  ArchiveConfig `mapstructure:"archive"`
	OTel     OTelConfig    `mapstructure:"otel"`
	LogLevel string        `mapstructure:"log_level"`
}

type AuditConfig struct {
	// Backend is one of file, sqlite, postgres or memory.
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	DSN     string `mapstructure:"dsn"`
}

type StoreConfig struct {
	// Backend is memory or redis.
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	// LockLease bounds a per-session lock. It must exceed ExecutorTimeout.
	LockLease time.Duration `mapstructure:"lock_lease"`
}

type HTTPConfig struct {
	Addr  string  `mapstructure:"addr"`
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type ApproverConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type ArchiveConfig struct {
	// Backend is none, s3 or gcs.
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

type OTelConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".data")
	v.SetDefault("contracts_dir", "contracts")
	v.SetDefault("corpus_dir", "")
	v.SetDefault("reports_dir", "")
	v.SetDefault("wasm_dir", "")
	v.SetDefault("audit.backend", "file")
	v.SetDefault("audit.dir", "")
	v.SetDefault("audit.dsn", "")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.lock_lease", "30s")
	v.SetDefault("min_retrieval_score_default", 0.15)
	v.SetDefault("executor_timeout", "10s")
	v.SetDefault("http.addr", ":8010")
	v.SetDefault("http.rps", 20.0)
	v.SetDefault("http.burst", 40)
	v.SetDefault("approver.secret", "")
	v.SetDefault("approver.issuer", "slrpd")
	v.SetDefault("approver.token_ttl", "8h")
	v.SetDefault("allow_fault_injection", false)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.endpoint", "localhost:4317")
	v.SetDefault("otel.insecure", false)
	v.SetDefault("log_level", "info")
}

// Load builds and validates the configuration. An explicit file must
// exist; without one, ./slrpd.yaml is read when present.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	} else {
		v.SetConfigName("slrpd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDerived fills directories that default to locations under DataDir.
func (c *Config) applyDerived() {
	if c.CorpusDir == "" {
		c.CorpusDir = filepath.Join(c.DataDir, "corpus")
	}
	if c.ReportsDir == "" {
		c.ReportsDir = filepath.Join(c.DataDir, "reports")
	}
	if c.WasmDir == "" {
		c.WasmDir = filepath.Join(c.DataDir, "wasm")
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = filepath.Join(c.DataDir, "audit")
	}
	if c.Audit.Backend == "sqlite" && c.Audit.DSN == "" {
		c.Audit.DSN = filepath.Join(c.DataDir, "audit.db")
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.ContractsDir == "" {
		errs = append(errs, errors.New("contracts_dir must be set"))
	}
	switch c.Audit.Backend {
	case "file", "sqlite", "memory":
	case "postgres":
		if c.Audit.DSN == "" {
			errs = append(errs, errors.New("audit.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.backend %q is not one of file, sqlite, postgres, memory", c.Audit.Backend))
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
		if c.Store.LockLease <= c.ExecutorTimeout {
			errs = append(errs, fmt.Errorf("store.lock_lease %s must exceed executor_timeout %s", c.Store.LockLease, c.ExecutorTimeout))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, redis", c.Store.Backend))
	}
	if c.MinRetrievalScoreDefault < 0 || c.MinRetrievalScoreDefault > 1 {
		errs = append(errs, errors.New("min_retrieval_score_default must be within [0, 1]"))
	}
	if c.ExecutorTimeout <= 0 {
		errs = append(errs, errors.New("executor_timeout must be positive"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr must be set"))
	}
	if c.HTTP.RPS <= 0 || c.HTTP.Burst <= 0 {
		errs = append(errs, errors.New("http.rps and http.burst must be positive"))
	}
	switch c.Archive.Backend {
	case "none":
	case "s3", "gcs":
		if c.Archive.Bucket == "" {
			errs = append(errs, fmt.Errorf("archive.bucket is required for the %s backend", c.Archive.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.backend %q is not one of none, s3, gcs", c.Archive.Backend))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ApproverAuthEnabled reports whether approve/reject require a token.
func (c *Config) ApproverAuthEnabled() bool {
	return c.Approver.Secret != ""
}
