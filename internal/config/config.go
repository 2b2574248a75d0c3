// Package config loads the server configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Log       Log       `yaml:"log"`
	Auth      Auth      `yaml:"auth"`
	Library   Library   `yaml:"library"`
	Mail      Mail      `yaml:"mail"`
	Telemetry Telemetry `yaml:"telemetry"`
}

type Server struct {
	Addr              string        `yaml:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type Database struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite3 postgres"`
	DSN    string `yaml:"dsn" validate:"required_unless=Driver memory"`
}

type Log struct {
	Format string `yaml:"format" validate:"oneof=json text"`
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
}

type Auth struct {
	TokenSecret       string        `yaml:"token_secret" validate:"required,min=8"`
	TokenTTL          time.Duration `yaml:"token_ttl" validate:"gt=0"`
	RequestsPerMinute int           `yaml:"requests_per_minute" validate:"gt=0"`
	Burst             int           `yaml:"burst" validate:"gt=0"`
	EmailPolicy       string        `yaml:"email_policy" validate:"oneof=strict lenient"`
}

type Library struct {
	MediaRoot         string `yaml:"media_root" validate:"required"`
	SearchPageSize    int    `yaml:"search_page_size" validate:"gt=0"`
	DashboardPageSize int    `yaml:"dashboard_page_size" validate:"gt=0"`
	LoanRetries       int    `yaml:"loan_retries" validate:"gt=0"`
}

// Mail configures outgoing SMTP. An empty host logs messages instead of
// sending them.
type Mail struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	From            string        `yaml:"from" validate:"omitempty,email"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

type Telemetry struct {
	ServiceName  string `yaml:"service_name" validate:"required"`
	Exporter     string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Exporter otlp"`
	Insecure     bool   `yaml:"insecure"`
}

// Default returns a configuration that runs a local SQLite-backed server.
func Default() Config {
	return Config{
		Server: Server{
			Addr:              ":8000",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Database: Database{Driver: "sqlite3", DSN: "locallibrary.db"},
		Log:      Log{Format: "json", Level: "info"},
		Auth: Auth{
			TokenSecret:       "locallibrary-dev-secret",
			TokenTTL:          12 * time.Hour,
			RequestsPerMinute: 30,
			Burst:             10,
			EmailPolicy:       "strict",
		},
		Library: Library{
			MediaRoot:         "media",
			SearchPageSize:    3,
			DashboardPageSize: 5,
			LoanRetries:       5,
		},
		Mail: Mail{
			Port:            25,
			From:            "noreply@locallibrary.example",
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Telemetry: Telemetry{ServiceName: "locallibrary", Exporter: "none"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	if port := getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	str("LIBRARY_ADDR", &cfg.Server.Addr)

	if url := getenv("DATABASE_URL"); url != "" {
		cfg.Database.DSN = url
		if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
			cfg.Database.Driver = "postgres"
		}
	}
	str("LIBRARY_DB_DRIVER", &cfg.Database.Driver)
	str("LIBRARY_DB_DSN", &cfg.Database.DSN)

	str("LIBRARY_LOG_FORMAT", &cfg.Log.Format)
	str("LIBRARY_LOG_LEVEL", &cfg.Log.Level)

	str("LIBRARY_TOKEN_SECRET", &cfg.Auth.TokenSecret)
	str("LIBRARY_EMAIL_POLICY", &cfg.Auth.EmailPolicy)

	str("LIBRARY_MEDIA_ROOT", &cfg.Library.MediaRoot)

	str("LIBRARY_SMTP_HOST", &cfg.Mail.Host)
	if err := num("LIBRARY_SMTP_PORT", &cfg.Mail.Port); err != nil {
		return err
	}
	str("LIBRARY_SMTP_USERNAME", &cfg.Mail.Username)
	str("LIBRARY_SMTP_PASSWORD", &cfg.Mail.Password)
	str("LIBRARY_SMTP_FROM", &cfg.Mail.From)

	str("LIBRARY_TRACE_EXPORTER", &cfg.Telemetry.Exporter)
	str("LIBRARY_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	return nil
}
