package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Config holds server configuration loaded from environment variables.
type Config struct {
	Addr string `envconfig:"ADDR" default:":8080"`
	Env  string `envconfig:"APP_ENV" default:"dev"`

	DatabaseDSN string `envconfig:"DB_DSN" validate:"required"`
	JWTSecret   string `envconfig:"JWT_SECRET" validate:"required"`
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	MinioEndpoint  string `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	MinioAccessKey string `envconfig:"MINIO_ACCESS_KEY" validate:"required"`
	MinioSecretKey string `envconfig:"MINIO_SECRET_KEY" validate:"required"`
	MinioBucket    string `envconfig:"MINIO_BUCKET" default:"chat-images"`
	MinioUseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`

	// StoreTimeout bounds every persistence call issued on behalf of a
	// single request.
	StoreTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`
}

// Load parses the environment into a Config and validates required fields.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
