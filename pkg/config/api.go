package config

import (
	"fmt"
	"strings"
	"time"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// EnvDevelopment is the only environment allowed to run with the built-in
// development secrets.
const EnvDevelopment = "development"

const (
	devSessionSecret = "supersecuresecret"
	devAdminSecret   = "supersecureadminsecret"
)

// Team delete policies.
const (
	DeletePolicyCascade = "cascade"
	DeletePolicyOrphan  = "orphan"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment   string `env:"APP_ENV" envDefault:"development"`
	Addr          string `env:"API_ADDR" envDefault:":4000"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	StoreDriver   string `env:"STORE_DRIVER" envDefault:"memory"`
	DatabaseURL   string `env:"DATABASE_URL" envDefault:"postgres://scrs:scrs@db:5432/scrs?sslmode=disable"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"scrs.db"`
	MigrationsDir string `env:"DB_MIGRATIONS_DIR"`

	SessionSecret    string        `env:"SESSION_SECRET" envDefault:"supersecuresecret"`
	SessionTokenTTL  time.Duration `env:"SESSION_TOKEN_TTL" envDefault:"12h"`
	AdminTokenSecret string        `env:"ADMIN_TOKEN_SECRET" envDefault:"supersecureadminsecret"`
	AdminTokenIssuer string        `env:"ADMIN_TOKEN_ISSUER"`

	DeviceCap         int           `env:"DEVICE_CAP" envDefault:"2"`
	InactivityTimeout time.Duration `env:"INACTIVITY_TIMEOUT" envDefault:"30m"`
	TeamDeletePolicy  string        `env:"TEAM_DELETE_POLICY" envDefault:"cascade"`

	StoreRetryAttempts  int           `env:"STORE_RETRY_ATTEMPTS" envDefault:"3"`
	StoreRetryBaseDelay time.Duration `env:"STORE_RETRY_BASE_DELAY" envDefault:"50ms"`
	TxMaxAttempts       int           `env:"TX_MAX_ATTEMPTS" envDefault:"8"`

	RateLimitRedisAddr string `env:"RATE_LIMIT_REDIS_ADDR"`
	RateLimitRedisPass string `env:"RATE_LIMIT_REDIS_PASSWORD"`
	RateLimitRedisDB   int    `env:"RATE_LIMIT_REDIS_DB" envDefault:"0"`
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() (APIConfig, error) {
	cfg, err := Parse[APIConfig]()
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the server cannot run with.
func (c APIConfig) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StorePostgres, StoreSQLite:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.TeamDeletePolicy {
	case DeletePolicyCascade, DeletePolicyOrphan:
	default:
		return fmt.Errorf("unsupported TEAM_DELETE_POLICY %q", c.TeamDeletePolicy)
	}
	if c.DeviceCap < 1 {
		return fmt.Errorf("DEVICE_CAP must be at least 1")
	}
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	if strings.TrimSpace(c.AdminTokenSecret) == "" {
		return fmt.Errorf("ADMIN_TOKEN_SECRET is required")
	}
	if !c.IsDevelopment() {
		if c.SessionSecret == devSessionSecret {
			return fmt.Errorf("SESSION_SECRET must be set outside %s", EnvDevelopment)
		}
		if c.AdminTokenSecret == devAdminSecret {
			return fmt.Errorf("ADMIN_TOKEN_SECRET must be set outside %s", EnvDevelopment)
		}
		if c.SessionSecret == c.AdminTokenSecret {
			return fmt.Errorf("SESSION_SECRET and ADMIN_TOKEN_SECRET must differ")
		}
	}
	return nil
}

// IsDevelopment reports whether APP_ENV selects the development environment.
func (c APIConfig) IsDevelopment() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), EnvDevelopment)
}
