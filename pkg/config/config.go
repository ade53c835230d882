package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Parse reads environment variables into a new T using its `env` tags.
func Parse[T any]() (T, error) {
	cfg, err := env.ParseAs[T]()
	if err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// ParseWith reads variables from the provided map instead of the process
// environment.
func ParseWith[T any](vars map[string]string) (T, error) {
	cfg, err := env.ParseAsWithOptions[T](env.Options{Environment: vars})
	if err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
