package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // TIMEZONE must resolve on hosts without a zoneinfo database

	"github.com/spf13/viper"

	"github.com/intellisoft/digitalhealth/internal/platform/db"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"

	AuthDevelopment = "development"
	AuthAPIKey      = "apikey"
	AuthJWT         = "jwt"

	CacheNone    = "none"
	CacheMemory  = "memory"
	CacheLevelDB = "leveldb"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	StoreDriver    string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema       string        `mapstructure:"DB_SCHEMA"`
	SQLitePath     string        `mapstructure:"SQLITE_PATH"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	Timezone       string        `mapstructure:"TIMEZONE"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	APIKeyHeader   string        `mapstructure:"API_KEY_HEADER"`
	APIKeySecret   string        `mapstructure:"API_KEY_SECRET"`
	JWTSigningKey  string        `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer      string        `mapstructure:"JWT_ISSUER"`
	JWTAudience    string        `mapstructure:"JWT_AUDIENCE"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	CacheDriver    string        `mapstructure:"CACHE_DRIVER"`
	CachePath      string        `mapstructure:"CACHE_PATH"`
	CacheTTL       time.Duration `mapstructure:"CACHE_TTL"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	MetricsEnabled bool          `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DB_SCHEMA", "SQLITE_PATH", "MIGRATIONS_DIR", "TIMEZONE", "AUTH_MODE",
	"API_KEY_HEADER", "API_KEY_SECRET", "JWT_SIGNING_KEY", "JWT_ISSUER", "JWT_AUDIENCE",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CACHE_DRIVER", "CACHE_PATH",
	"CACHE_TTL", "REQUEST_TIMEOUT", "BODY_LIMIT", "METRICS_ENABLED",
}

// Load reads the environment, falling back to an optional .env file in the
// working directory. It does not validate; call Validate before use.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("SQLITE_PATH", "digitalhealth.db")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("TIMEZONE", "Africa/Nairobi")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV
	v.SetDefault("API_KEY_HEADER", "X-API-KEY")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("CACHE_DRIVER", CacheNone)
	v.SetDefault("CACHE_PATH", "./data/cache")
	v.SetDefault("CACHE_TTL", "30s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	origins := v.GetString("CORS_ORIGINS")
	cfg.CORSOrigins = nil
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ResolvedAuthMode returns AUTH_MODE when set; otherwise development under
// ENV=development and apikey everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthDevelopment
	}
	return AuthAPIKey
}

// Location loads TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
		if !db.ValidSchema(c.DBSchema) {
			return fmt.Errorf("DB_SCHEMA %q is not a valid schema name", c.DBSchema)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", StoreSQLite)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", StorePostgres, StoreSQLite, StoreMemory, c.StoreDriver)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case AuthDevelopment:
	case AuthAPIKey:
		if c.APIKeySecret == "" {
			return fmt.Errorf("API_KEY_SECRET is required when AUTH_MODE is %q", AuthAPIKey)
		}
	case AuthJWT:
		if c.JWTSigningKey == "" {
			return fmt.Errorf("JWT_SIGNING_KEY is required when AUTH_MODE is %q", AuthJWT)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q, %q or %q, got %q", AuthDevelopment, AuthAPIKey, AuthJWT, mode)
	}

	switch c.CacheDriver {
	case CacheNone, CacheMemory:
	case CacheLevelDB:
		if c.CachePath == "" {
			return fmt.Errorf("CACHE_PATH is required when CACHE_DRIVER is %q", CacheLevelDB)
		}
	default:
		return fmt.Errorf("CACHE_DRIVER must be %q, %q or %q, got %q", CacheNone, CacheMemory, CacheLevelDB, c.CacheDriver)
	}
	if c.CacheDriver != CacheNone && c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL)
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
