package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Loader reads a YAML settings file and layers environment overrides.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads path (optional; "" skips the file), applies environment
// overrides, and validates. Callers exit nonzero on error.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := l.expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	l.applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} references with environment values.
func (l *Loader) expandEnvVars(data string) string {
	return l.envPattern.ReplaceAllStringFunc(data, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// applyEnv layers the documented environment variables over the file.
func (l *Loader) applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("MEM_OR_EXTERNAL"); ok {
		cfg.Backend.Mode = strings.ToUpper(strings.TrimSpace(v))
	}
	envInt("THREADS", &cfg.Server.Workers)
	envStr("DOORMAN_BIND_ADDRESS", &cfg.Server.Address)
	envBool("HTTPS_ENABLED", &cfg.Server.HTTPSEnabled)
	envBool("HTTPS_ONLY", &cfg.Server.HTTPSOnly)
	envStr("SSL_CERTFILE", &cfg.Server.SSLCertFile)
	envStr("SSL_KEYFILE", &cfg.Server.SSLKeyFile)

	envStr("JWT_SECRET_KEY", &cfg.Auth.JWTSecret)
	if v, ok := lookupInt("ACCESS_TOKEN_EXPIRES_MINUTES"); ok {
		cfg.Auth.AccessTokenExpires = time.Duration(v) * time.Minute
	}
	if v, ok := lookupInt("REFRESH_TOKEN_EXPIRES_DAYS"); ok {
		cfg.Auth.RefreshTokenExpires = time.Duration(v) * 24 * time.Hour
	}

	envList("ALLOWED_ORIGINS", &cfg.CORS.AllowedOrigins)
	envBool("ALLOW_CREDENTIALS", &cfg.CORS.AllowCredentials)
	envList("ALLOW_METHODS", &cfg.CORS.AllowMethods)
	envList("ALLOW_HEADERS", &cfg.CORS.AllowHeaders)
	envBool("CORS_STRICT", &cfg.CORS.Strict)

	envInt64("MAX_BODY_SIZE_BYTES", &cfg.Limits.MaxBodySizeBytes)
	envInt64("MAX_BODY_SIZE_BYTES_REST", &cfg.Limits.MaxBodySizeBytesREST)
	envInt64("MAX_BODY_SIZE_BYTES_SOAP", &cfg.Limits.MaxBodySizeBytesSOAP)
	envInt64("MAX_BODY_SIZE_BYTES_GRAPHQL", &cfg.Limits.MaxBodySizeBytesGraphQL)

	envStr("VAULT_KEY", &cfg.Vault.VaultKey)
	envStr("MEM_ENCRYPTION_KEY", &cfg.Vault.MemEncryptionKey)
	envStr("DOORMAN_SNAPSHOT_PATH", &cfg.Vault.SnapshotPath)
	envStr("DOORMAN_ADMIN_EMAIL", &cfg.Admin.Email)
	envStr("DOORMAN_ADMIN_PASSWORD", &cfg.Admin.Password)

	envStr("REDIS_HOST", &cfg.Redis.Host)
	envInt("REDIS_PORT", &cfg.Redis.Port)
	envInt("REDIS_DB", &cfg.Redis.DB)
	envStr("REDIS_PASSWORD", &cfg.Redis.Password)

	envBool("DOORMAN_ENABLE_GRPC_REFLECTION", &cfg.Features.EnableGRPCReflection)
	envBool("STRICT_RESPONSE_ENVELOPE", &cfg.Features.StrictResponseEnvelope)
	envBool("LOGIN_IP_RATE_DISABLED", &cfg.IPRate.Disabled)
	envInt("METRICS_PCT_SAMPLES", &cfg.Metrics.PercentileSamples)

	envBool("DOORMAN_PRODUCTION", &cfg.Production)
	envStr("DOORMAN_LOG_LEVEL", &cfg.Logging.Level)
}

func envStr(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := lookupInt(name); ok {
		*dst = v
	}
}

func envInt64(name string, dst *int64) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

func envList(name string, dst *[]string) {
	if v, ok := os.LookupEnv(name); ok {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func lookupInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}
