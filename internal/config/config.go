// Package config loads service configuration from defaults, an optional YAML
// file, and the environment, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{"config.yaml", "config.yml", "/etc/crewtrack/config.yaml"}

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	Auth       AuthConfig       `koanf:"auth"`
	Identity   IdentityConfig   `koanf:"identity"`
	Directions DirectionsConfig `koanf:"directions"`
	Tracking   TrackingConfig   `koanf:"tracking"`
	Bootstrap  BootstrapConfig  `koanf:"bootstrap"`
}

type ServerConfig struct {
	Port              int           `koanf:"port"`
	AllowedOrigins    []string      `koanf:"allowed_origins"`
	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

type DatabaseConfig struct {
	// URL selects the Postgres store; empty means in-memory.
	URL     string `koanf:"url"`
	Migrate bool   `koanf:"migrate"`
	// Listen enables LISTEN/NOTIFY change propagation from Postgres.
	Listen bool `koanf:"listen"`
}

type RedisConfig struct {
	// URL selects the Redis realtime broker; empty means in-process fan-out.
	URL string `koanf:"url"`
}

type AuthConfig struct {
	Mode      string        `koanf:"mode"` // dev or hmac
	JWTSecret string        `koanf:"jwt_secret"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`
}

type IdentityConfig struct {
	Provider       string `koanf:"provider"` // local or gotrue
	URL            string `koanf:"url"`
	ServiceRoleKey string `koanf:"service_role_key"`
	RedirectURL    string `koanf:"redirect_url"`
}

type DirectionsConfig struct {
	Provider string        `koanf:"provider"` // google or local
	APIKey   string        `koanf:"api_key"`
	BaseURL  string        `koanf:"base_url"`
	Timeout  time.Duration `koanf:"timeout"`
	SpeedKph float64       `koanf:"speed_kph"`
}

type TrackingConfig struct {
	// MinPositionInterval throttles persisted position samples per crew member.
	MinPositionInterval time.Duration `koanf:"min_position_interval"`
	PositionBurst       int           `koanf:"position_burst"`
}

// BootstrapConfig seeds the first organization and its admin at startup so a
// fresh deployment has someone who can sign in and add the crew.
type BootstrapConfig struct {
	OrganizationName string `koanf:"organization_name"`
	AdminUserID      string `koanf:"admin_user_id"`
	AdminName        string `koanf:"admin_name"`
	AdminEmail       string `koanf:"admin_email"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:              8080,
			AllowedOrigins:    []string{"*"},
			RateLimitRequests: 300,
			RateLimitWindow:   time.Minute,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Log:      LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{Migrate: true, Listen: true},
		Auth:     AuthConfig{Mode: "dev", CacheTTL: 30 * time.Second},
		Identity: IdentityConfig{Provider: "local"},
		Directions: DirectionsConfig{
			Provider: "local",
			BaseURL:  "https://maps.googleapis.com",
			Timeout:  10 * time.Second,
			SpeedKph: 40,
		},
		Tracking: TrackingConfig{MinPositionInterval: 5 * time.Second, PositionBurst: 2},
	}
}

// Load builds the configuration. Environment variables use the CREWTRACK_
// prefix with "__" as section separator (CREWTRACK_AUTH__JWT_SECRET); the bare
// PORT, DATABASE_URL and REDIS_URL variables are honoured too.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if s := k.String("server.allowed_origins"); s != "" && !k.Exists("server.allowed_origins.0") {
		_ = k.Set("server.allowed_origins", splitCSV(s))
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var legacyEnv = map[string]string{
	"PORT":                      "server.port",
	"DATABASE_URL":              "database.url",
	"DB_MIGRATE":                "database.migrate",
	"REDIS_URL":                 "redis.url",
	"LOG_LEVEL":                 "log.level",
	"LOG_FORMAT":                "log.format",
	"AUTH_MODE":                 "auth.mode",
	"AUTH_JWT_SECRET":           "auth.jwt_secret",
	"ALLOW_ORIGINS":             "server.allowed_origins",
	"GOOGLE_MAPS_API_KEY":       "directions.api_key",
	"SUPABASE_URL":              "identity.url",
	"SUPABASE_SERVICE_ROLE_KEY": "identity.service_role_key",
	"BOOTSTRAP_ADMIN_USER_ID":   "bootstrap.admin_user_id",
}

// envKey maps an environment variable name to a koanf path, or "" to skip it.
func envKey(name string) string {
	if p, ok := legacyEnv[name]; ok {
		return p
	}
	const prefix = "CREWTRACK_"
	if !strings.HasPrefix(name, prefix) {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, prefix)), "__", ".")
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Auth.Mode {
	case "dev":
	case "hmac":
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwt_secret required for hmac mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth.mode %q", c.Auth.Mode))
	}
	switch c.Identity.Provider {
	case "local":
	case "gotrue":
		if c.Identity.URL == "" || c.Identity.ServiceRoleKey == "" {
			errs = append(errs, errors.New("identity.url and identity.service_role_key required for gotrue"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown identity.provider %q", c.Identity.Provider))
	}
	switch c.Directions.Provider {
	case "local":
	case "google":
		if c.Directions.APIKey == "" {
			errs = append(errs, errors.New("directions.api_key required for google"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown directions.provider %q", c.Directions.Provider))
	}
	if c.Bootstrap.AdminUserID != "" && c.Bootstrap.OrganizationName == "" {
		errs = append(errs, errors.New("bootstrap.organization_name required with bootstrap.admin_user_id"))
	}
	return errors.Join(errs...)
}
