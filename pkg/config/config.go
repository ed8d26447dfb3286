// Package config loads process settings from the environment and the
// governance policy from a YAML file.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/observability"
)

// Storage modes.
const (
	StorageLite     = "lite"
	StoragePostgres = "postgres"
)

// Config holds process settings.
type Config struct {
	DataDir     string `env:"EXOARMUR_DATA_DIR" envDefault:".exoarmur"`
	DatabaseURL string `env:"DATABASE_URL"`
	PolicyFile  string `env:"EXOARMUR_POLICY_FILE"`

	// AuditBackend selects where the audit trail lives: "sql" shares the
	// database with the store, "file" appends JSONL under DataDir.
	AuditBackend string `env:"EXOARMUR_AUDIT_BACKEND" envDefault:"sql"`
	// StoreBackend selects the versioned store: "sql" or "redis".
	StoreBackend string `env:"EXOARMUR_STORE_BACKEND" envDefault:"sql"`

	RedisAddr     string `env:"EXOARMUR_REDIS_ADDR"`
	RedisPassword string `env:"EXOARMUR_REDIS_PASSWORD"`
	RedisDB       int    `env:"EXOARMUR_REDIS_DB" envDefault:"0"`

	Actor    string `env:"EXOARMUR_ACTOR" envDefault:"exoarmur"`
	Effector string `env:"EXOARMUR_EFFECTOR" envDefault:"simulated"`

	LogLevel  string `env:"EXOARMUR_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"EXOARMUR_LOG_FORMAT" envDefault:"text"`

	Environment    string  `env:"EXOARMUR_ENV" envDefault:"development"`
	OTelEnabled    bool    `env:"EXOARMUR_OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTelInsecure   bool    `env:"EXOARMUR_OTEL_INSECURE" envDefault:"true"`
	OTelSampleRate float64 `env:"EXOARMUR_OTEL_SAMPLE_RATE" envDefault:"1.0"`

	EvidenceSink   string `env:"EXOARMUR_EVIDENCE_SINK" envDefault:"fs"`
	EvidenceDir    string `env:"EXOARMUR_EVIDENCE_DIR"`
	EvidenceBucket string `env:"EXOARMUR_EVIDENCE_BUCKET"`
	EvidencePrefix string `env:"EXOARMUR_EVIDENCE_PREFIX" envDefault:"evidence"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads and validates the process settings.
func Load() (*Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, &contracts.ConfigurationError{Field: "environment", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	if c.DataDir == "" && c.DatabaseURL == "" {
		return &contracts.ConfigurationError{Field: "EXOARMUR_DATA_DIR", Err: fmt.Errorf("required in lite mode")}
	}
	if err := oneOf("EXOARMUR_AUDIT_BACKEND", c.AuditBackend, "sql", "file"); err != nil {
		return err
	}
	if err := oneOf("EXOARMUR_STORE_BACKEND", c.StoreBackend, "sql", "redis"); err != nil {
		return err
	}
	if c.StoreBackend == "redis" && c.RedisAddr == "" {
		return &contracts.ConfigurationError{Field: "EXOARMUR_REDIS_ADDR", Err: fmt.Errorf("required for the redis store")}
	}
	if err := oneOf("EXOARMUR_EFFECTOR", c.Effector, "simulated", "real"); err != nil {
		return err
	}
	if err := oneOf("EXOARMUR_LOG_FORMAT", c.LogFormat, "text", "json"); err != nil {
		return err
	}
	if err := oneOf("EXOARMUR_EVIDENCE_SINK", c.EvidenceSink, "fs", "s3", "gcs"); err != nil {
		return err
	}
	if c.EvidenceSink != "fs" && c.EvidenceBucket == "" {
		return &contracts.ConfigurationError{Field: "EXOARMUR_EVIDENCE_BUCKET", Err: fmt.Errorf("required for %s evidence", c.EvidenceSink)}
	}
	if c.OTelSampleRate < 0 || c.OTelSampleRate > 1 {
		return &contracts.ConfigurationError{Field: "EXOARMUR_OTEL_SAMPLE_RATE", Err: fmt.Errorf("must be in [0, 1]")}
	}
	if c.Actor == "" {
		return &contracts.ConfigurationError{Field: "EXOARMUR_ACTOR", Err: fmt.Errorf("must not be empty")}
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &contracts.ConfigurationError{Field: field, Err: fmt.Errorf("%q is not one of %s", value, strings.Join(allowed, ", "))}
}

// StorageMode is postgres when DATABASE_URL is set, lite otherwise.
func (c *Config) StorageMode() string {
	if c.DatabaseURL != "" {
		return StoragePostgres
	}
	return StorageLite
}

// NeedsDatabase reports whether any component lives in the SQL database.
func (c *Config) NeedsDatabase() bool {
	return c.StoreBackend == "sql" || c.AuditBackend == "sql"
}

// SQLitePath is the lite-mode database file.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "exoarmur.db")
}

// AuditFilePath is the JSONL audit trail used by the file backend.
func (c *Config) AuditFilePath() string {
	return filepath.Join(c.DataDir, "audit.jsonl")
}

// EvidencePath is the directory the fs evidence sink writes to.
func (c *Config) EvidencePath() string {
	if c.EvidenceDir != "" {
		return c.EvidenceDir
	}
	return filepath.Join(c.DataDir, "evidence")
}

// Telemetry converts the OTel settings.
func (c *Config) Telemetry(version string) *observability.Config {
	cfg := observability.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Environment = c.Environment
	cfg.Enabled = c.OTelEnabled
	cfg.OTLPEndpoint = c.OTelEndpoint
	cfg.Insecure = c.OTelInsecure
	cfg.SampleRate = c.OTelSampleRate
	return cfg
}
