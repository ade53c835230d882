package config

import "time"

// ClientConfig configures the participant CLI.
type ClientConfig struct {
	APIBase           string        `env:"SCRS_API" envDefault:"http://localhost:4000"`
	StateDir          string        `env:"SCRS_STATE_DIR"`
	InactivityTimeout time.Duration `env:"SCRS_INACTIVITY_TIMEOUT" envDefault:"30m"`
	StateKey          string        `env:"SCRS_STATE_KEY" envDefault:"scrs-local-state"`
	AdminToken        string        `env:"SCRS_ADMIN_TOKEN"`
}

// LoadClientConfig constructs a ClientConfig from environment variables.
func LoadClientConfig() (ClientConfig, error) {
	return Parse[ClientConfig]()
}
