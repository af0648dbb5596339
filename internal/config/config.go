// Package config loads service configuration from an optional YAML file with
// environment variable overrides. Env always wins over file values.
package config

import (
	"os"
	"strconv"

	yaml "gopkg.in/yaml.v3"
)

type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"databaseUrl"`
	RedisURL    string `yaml:"redisUrl"`

	Auth struct {
		Mode       string `yaml:"mode"` // dev, hmac, jwks
		HMACSecret string `yaml:"hmacSecret"`
		JWKSURL    string `yaml:"jwksUrl"`
	} `yaml:"auth"`

	Ingest struct {
		// Per-connection location-update rate limit.
		RateRPS   float64 `yaml:"rateRps"`
		RateBurst int     `yaml:"rateBurst"`
	} `yaml:"ingest"`

	Webhooks struct {
		MaxAttempts int `yaml:"maxAttempts"`
	} `yaml:"webhooks"`
}

// Load reads path (if it exists) and applies env overrides and defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, err
			}
		} else if !os.IsNotExist(err) {
			return Config{}, err
		}
	}

	overrideString(&cfg.Port, "PORT")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.RedisURL, "REDIS_URL")
	overrideString(&cfg.Auth.Mode, "AUTH_MODE")
	overrideString(&cfg.Auth.HMACSecret, "AUTH_HMAC_SECRET")
	overrideString(&cfg.Auth.JWKSURL, "AUTH_JWKS_URL")
	overrideFloat(&cfg.Ingest.RateRPS, "RATE_RPS")
	overrideInt(&cfg.Ingest.RateBurst, "RATE_BURST")
	overrideInt(&cfg.Webhooks.MaxAttempts, "WEBHOOK_MAX_ATTEMPTS")

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "dev"
	}
	if cfg.Ingest.RateRPS <= 0 {
		cfg.Ingest.RateRPS = 10
	}
	if cfg.Ingest.RateBurst <= 0 {
		cfg.Ingest.RateBurst = 20
	}
	if cfg.Webhooks.MaxAttempts <= 0 {
		cfg.Webhooks.MaxAttempts = 10
	}
	return cfg, nil
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
