package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load,
// e.g. BOOKSHELF_AUTH_JWT_SECRET.
const EnvPrefix = "BOOKSHELF"

// defaults are applied before any file or environment value.
var defaults = map[string]any{
	"server.port":                 8080,
	"server.log_level":            "info",
	"server.public_base_url":      "",
	"server.max_upload_mb":        10,
	"database.driver":             "postgres",
	"database.url":                "",
	"database.auto_migrate":       true,
	"auth.jwt_secret":             "",
	"auth.token_lifetime_minutes": 1440,
	"auth.bcrypt_cost":            10,
	"auth.clock_skew_seconds":     0,
	"images.dir":                  "images",
	"images.temp_dir":             "",
	"images.max_dimension":        800,
	"images.quality":              60,
	"images.max_pixels":           268402689,
	"cache.redis_url":             "",
	"cache.ttl_seconds":           60,
}

// legacyEnv maps configuration keys to the unprefixed variable names
// accepted for compatibility with existing deployments.
var legacyEnv = map[string]string{
	"server.port":     "PORT",
	"auth.jwt_secret": "JWT_SECRET",
	"database.url":    "DATABASE_URL",
}

// Load configuration from environment variables and optionally a config.yaml
// file in the working directory.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings replace the automatic name for a key, so the prefixed
	// name has to be listed first to keep its precedence.
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind environment variable %s: %w", legacy, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
