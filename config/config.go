// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	NotifierLog    = "log"
	NotifierOutbox = "outbox"

	// DevSigningKey is only accepted outside production.
	DevSigningKey = "development-signing-key-change-me-now"
)

// Config is the service configuration.
type Config struct {
	Env              string        `env:"HANDOVER_ENV"                envDefault:"development"`
	HTTPAddr         string        `env:"HANDOVER_HTTP_ADDR"          envDefault:":8080"`
	DBDriver         string        `env:"HANDOVER_DB_DRIVER"          envDefault:"sqlite"`
	DBDSN            string        `env:"HANDOVER_DB_DSN"             envDefault:"file:handover.db?cache=shared"`
	SigningKey       string        `env:"HANDOVER_SIGNING_KEY"`
	TokenIssuer      string        `env:"HANDOVER_TOKEN_ISSUER"       envDefault:"go-handover"`
	TokenAudience    []string      `env:"HANDOVER_TOKEN_AUDIENCE"     envSeparator:","`
	AccessTokenTTL   time.Duration `env:"HANDOVER_ACCESS_TOKEN_TTL"   envDefault:"1h"`
	ClaimTokenTTL    time.Duration `env:"HANDOVER_CLAIM_TOKEN_TTL"    envDefault:"168h"`
	ResetCodeTTL     time.Duration `env:"HANDOVER_RESET_CODE_TTL"     envDefault:"1h"`
	FrontendBaseURL  string        `env:"HANDOVER_FRONTEND_BASE_URL"  envDefault:"http://localhost:3000"`
	BcryptCost       int           `env:"HANDOVER_BCRYPT_COST"        envDefault:"12"`
	OperationTimeout time.Duration `env:"HANDOVER_OPERATION_TIMEOUT"  envDefault:"10s"`
	NotifyTimeout    time.Duration `env:"HANDOVER_NOTIFY_TIMEOUT"     envDefault:"5s"`
	HistoryLimit     int           `env:"HANDOVER_HISTORY_LIMIT"      envDefault:"100"`
	Notifier         string        `env:"HANDOVER_NOTIFIER"           envDefault:"log"`
	OutboxBucket     string        `env:"HANDOVER_OUTBOX_BUCKET"`
	OutboxPrefix     string        `env:"HANDOVER_OUTBOX_PREFIX"      envDefault:"notifications"`
	S3Region         string        `env:"HANDOVER_S3_REGION"          envDefault:"us-east-1"`
	S3Endpoint       string        `env:"HANDOVER_S3_ENDPOINT"`
	S3AccessKey      string        `env:"HANDOVER_S3_ACCESS_KEY" mask:"filled32"`
	S3SecretKey      string        `env:"HANDOVER_S3_SECRET_KEY" mask:"filled32"`
	LogLevel         string        `env:"HANDOVER_LOG_LEVEL"          envDefault:"info"`
	Debug            bool          `env:"HANDOVER_DEBUG"              envDefault:"false"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	c.Notifier = strings.ToLower(strings.TrimSpace(c.Notifier))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))

	audience := c.TokenAudience[:0]
	for _, aud := range c.TokenAudience {
		if aud = strings.TrimSpace(aud); aud != "" {
			audience = append(audience, aud)
		}
	}
	c.TokenAudience = audience

	if c.SigningKey == "" && !c.IsProduction() {
		c.SigningKey = DevSigningKey
	}
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Env, validation.Required, validation.In(EnvDevelopment, EnvProduction)),
		validation.Field(&c.HTTPAddr, validation.Required),
		validation.Field(&c.DBDriver, validation.Required, validation.In("sqlite", "postgres")),
		validation.Field(&c.DBDSN, validation.Required),
		validation.Field(&c.SigningKey, validation.Required, validation.Length(32, 0),
			validation.By(func(any) error {
				if c.IsProduction() && c.SigningKey == DevSigningKey {
					return errors.New("must be set in production")
				}
				return nil
			})),
		validation.Field(&c.AccessTokenTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.ClaimTokenTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.ResetCodeTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.FrontendBaseURL, validation.Required, is.URL),
		validation.Field(&c.BcryptCost, validation.Min(4), validation.Max(31)),
		validation.Field(&c.OperationTimeout, validation.Required),
		validation.Field(&c.NotifyTimeout, validation.Required),
		validation.Field(&c.HistoryLimit, validation.Min(1), validation.Max(500)),
		validation.Field(&c.Notifier, validation.Required, validation.In(NotifierLog, NotifierOutbox),
			validation.By(func(any) error {
				if c.IsProduction() && c.Notifier == NotifierLog {
					return errors.New("log notifier prints secrets and is not allowed in production")
				}
				return nil
			})),
		validation.Field(&c.OutboxBucket, validation.By(func(any) error {
			if c.Notifier == NotifierOutbox && c.OutboxBucket == "" {
				return errors.New("is required for the outbox notifier")
			}
			return nil
		})),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
	)
}

// Masked returns a copy safe to print.
func (c Config) Masked() Config {
	if c.SigningKey != "" {
		c.SigningKey = "********"
	}
	if c.S3SecretKey != "" {
		c.S3SecretKey = "********"
	}
	return c
}
