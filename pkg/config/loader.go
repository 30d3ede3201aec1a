package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"

	"github.com/opsdeck/collabcore/pkg/validator"
)

// Load parses environment variables into the provided struct.
// The struct should use `env` tags to define mappings.
//
// Example:
//
//	type Config struct {
//	    AuthBaseURL string `env:"AUTH_BASE_URL" envDefault:"https://dummyjson.com/auth"`
//	    LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
//	}
func Load(cfg any) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// LoadAndValidate parses environment variables into the provided struct and
// then validates it using `validate` tags.
func LoadAndValidate(cfg any) error {
	if err := Load(cfg); err != nil {
		return err
	}
	if err := validator.Validate(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}
