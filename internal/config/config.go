// Package config holds process settings. Settings come from an optional
// YAML file with ${ENV} expansion, overridden by the environment
// variables the platform documents.
package config

import (
	"fmt"
	"os"
	"time"
)

// Backend modes for cache, counters, and the config store.
const (
	ModeMem      = "MEM"
	ModeRedis    = "REDIS"
	ModeExternal = "EXTERNAL"
)

// Config is the complete process configuration.
type Config struct {
	Server      ServerConfig              `yaml:"server"`
	Backend     BackendConfig             `yaml:"backend"`
	Redis       RedisConfig               `yaml:"redis"`
	Auth        AuthConfig                `yaml:"auth"`
	CORS        CORSConfig                `yaml:"cors"`
	Limits      LimitsConfig              `yaml:"limits"`
	IPRate      IPRateConfig              `yaml:"ip_rate_limit"`
	Upstream    UpstreamConfig            `yaml:"upstream"`
	Breaker     BreakerConfig             `yaml:"circuit_breaker"`
	GRPC        GRPCConfig                `yaml:"grpc"`
	Vault       VaultConfig               `yaml:"vault"`
	Admin       AdminConfig               `yaml:"admin"`
	Geo         GeoConfig                 `yaml:"geo"`
	Metrics     MetricsConfig             `yaml:"metrics"`
	Audit       AuditConfig               `yaml:"audit"`
	Logging     LoggingConfig             `yaml:"logging"`
	Features    FeatureConfig             `yaml:"features"`
	Compression CompressionConfig         `yaml:"compression"`
	RateTiers   map[string]RateTierConfig `yaml:"rate_tiers"`
	Production  bool                      `yaml:"production"`
}

// ServerConfig covers bind address, worker count, and TLS.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	Workers      int           `yaml:"workers"`
	HTTPSEnabled bool          `yaml:"https_enabled"`
	HTTPSOnly    bool          `yaml:"https_only"`
	SSLCertFile  string        `yaml:"ssl_certfile"`
	SSLKeyFile   string        `yaml:"ssl_keyfile"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// BackendConfig selects where shared state lives.
type BackendConfig struct {
	Mode string `yaml:"mode"` // MEM, REDIS, EXTERNAL
}

// Distributed reports whether shared state uses an external backend.
func (b BackendConfig) Distributed() bool {
	return b.Mode == ModeRedis || b.Mode == ModeExternal
}

// RedisConfig is the external key-value/document backend.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// Addr renders host:port.
func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// AuthConfig covers token issuance.
type AuthConfig struct {
	JWTSecret           string        `yaml:"jwt_secret"`
	AccessTokenExpires  time.Duration `yaml:"access_token_expires"`
	RefreshTokenExpires time.Duration `yaml:"refresh_token_expires"`
}

// CORSConfig is the global CORS policy; per-API origins narrow it.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	Strict           bool     `yaml:"strict"`
}

// LimitsConfig caps request body sizes per route family. Zero means the
// global cap applies; a zero global cap means 10 MiB.
type LimitsConfig struct {
	MaxBodySizeBytes        int64 `yaml:"max_body_size_bytes"`
	MaxBodySizeBytesREST    int64 `yaml:"max_body_size_bytes_rest"`
	MaxBodySizeBytesSOAP    int64 `yaml:"max_body_size_bytes_soap"`
	MaxBodySizeBytesGraphQL int64 `yaml:"max_body_size_bytes_graphql"`
}

// ForFamily returns the effective cap for a route family.
func (l LimitsConfig) ForFamily(family string) int64 {
	var v int64
	switch family {
	case "rest":
		v = l.MaxBodySizeBytesREST
	case "soap":
		v = l.MaxBodySizeBytesSOAP
	case "graphql":
		v = l.MaxBodySizeBytesGraphQL
	}
	if v <= 0 {
		v = l.MaxBodySizeBytes
	}
	if v <= 0 {
		v = 10 << 20
	}
	return v
}

// IPRateConfig is the pre-auth IP fixed-window limit.
type IPRateConfig struct {
	Disabled bool          `yaml:"disabled"`
	Limit    int           `yaml:"limit"`
	Window   time.Duration `yaml:"window"`
}

// RateTierConfig is one named rate tier assignable to users. Limits are
// concentric; a zero limit disables that window.
type RateTierConfig struct {
	PerMinute       int64         `yaml:"per_minute"`
	PerHour         int64         `yaml:"per_hour"`
	PerDay          int64         `yaml:"per_day"`
	ThrottleEnabled bool          `yaml:"throttle_enabled"`
	MaxQueueTime    time.Duration `yaml:"max_queue_time"`
}

// UpstreamConfig tunes dispatch.
type UpstreamConfig struct {
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
}

// BreakerConfig tunes the per-API circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests"`
}

// GRPCConfig registers compiled descriptor sets at startup, for
// upstreams that do not serve reflection.
type GRPCConfig struct {
	DescriptorSets []string `yaml:"descriptor_sets"`
}

// VaultConfig covers encryption-at-rest material and snapshots.
type VaultConfig struct {
	VaultKey         string        `yaml:"vault_key"`
	MemEncryptionKey string        `yaml:"mem_encryption_key"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	AutoSaveInterval time.Duration `yaml:"auto_save_interval"`
}

// AdminConfig seeds the administrative account in embedded mode.
type AdminConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// GeoConfig enables country-level deny policy.
type GeoConfig struct {
	MMDBPath         string   `yaml:"mmdb_path"`
	BlockedCountries []string `yaml:"blocked_countries"`
}

// MetricsConfig tunes the in-memory aggregation.
type MetricsConfig struct {
	PercentileSamples int `yaml:"percentile_samples"`
}

// AuditConfig configures the append-only audit stream.
type AuditConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	BufferSize int    `yaml:"buffer_size"`
}

// LoggingConfig covers the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// CompressionConfig tunes response compression.
type CompressionConfig struct {
	Enabled bool `yaml:"enabled"`
	Level   int  `yaml:"level"`
	MinSize int  `yaml:"min_size"`
}

// FeatureConfig carries runtime feature flags.
type FeatureConfig struct {
	StrictResponseEnvelope bool `yaml:"strict_response_envelope"`
	EnableGRPCReflection   bool `yaml:"enable_grpc_reflection"`
	CreditsReserve         bool `yaml:"credits_reserve"` // accepted, reservation not implemented
}

// Default returns a configuration with development defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			Workers:      1,
			DrainTimeout: 15 * time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Backend: BackendConfig{Mode: ModeMem},
		Auth: AuthConfig{
			AccessTokenExpires:  15 * time.Minute,
			RefreshTokenExpires: 7 * 24 * time.Hour,
		},
		IPRate: IPRateConfig{
			Limit:  20,
			Window: time.Minute,
		},
		Upstream: UpstreamConfig{
			RequestTimeout:  30 * time.Second,
			RetryBackoff:    100 * time.Millisecond,
			MaxRetryBackoff: 5 * time.Second,
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      30 * time.Second,
			HalfOpenRequests: 1,
		},
		Vault: VaultConfig{
			SnapshotPath:     "doorman.snapshot",
			AutoSaveInterval: 5 * time.Minute,
		},
		Metrics: MetricsConfig{PercentileSamples: 500},
		Audit: AuditConfig{
			Path:       "doorman-audit.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			BufferSize: 1024,
		},
		Logging:     LoggingConfig{Level: "info"},
		Compression: CompressionConfig{Enabled: true, Level: 6, MinSize: 1024},
	}
}

// Validate applies the startup gates. Failures here map to a nonzero
// process exit before the listener binds.
func (c *Config) Validate() error {
	if c.Server.Workers > 1 && !c.Backend.Distributed() {
		return fmt.Errorf("config: %d workers require a distributed backend; in-process counters multiply rate limits and let revoked tokens pass on other workers", c.Server.Workers)
	}
	if c.Backend.Mode != ModeMem && !c.Backend.Distributed() {
		return fmt.Errorf("config: unknown backend mode %q", c.Backend.Mode)
	}
	if c.Production {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("config: JWT_SECRET_KEY is required in production")
		}
		if c.Backend.Mode == ModeMem {
			if c.Vault.MemEncryptionKey == "" {
				return fmt.Errorf("config: MEM_ENCRYPTION_KEY is required in production MEM mode")
			}
			if c.Admin.Email == "" || c.Admin.Password == "" {
				return fmt.Errorf("config: DOORMAN_ADMIN_EMAIL and DOORMAN_ADMIN_PASSWORD are required in production MEM mode")
			}
		}
		if c.Server.HTTPSEnabled {
			for _, f := range []string{c.Server.SSLCertFile, c.Server.SSLKeyFile} {
				if f == "" {
					return fmt.Errorf("config: SSL_CERTFILE and SSL_KEYFILE are required when HTTPS is enabled")
				}
				if _, err := os.Stat(f); err != nil {
					return fmt.Errorf("config: TLS file %s: %w", f, err)
				}
			}
		}
	}
	if c.Metrics.PercentileSamples <= 0 {
		c.Metrics.PercentileSamples = 500
	}
	return nil
}
