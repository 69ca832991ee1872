package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/nathantapsas/lakehouse/ledger"
	"github.com/nathantapsas/lakehouse/orchestrator"
)

// AppConfig is the full runtime configuration, loaded from one YAML file.
type AppConfig struct {
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// SpecDir holds one YAML ingestion spec per source.
	SpecDir string `yaml:"spec_dir"`

	// StagingRoot is the bundle staging tree.
	StagingRoot string `yaml:"staging_root"`

	// TargetSchema is the schema target tables are created in.
	TargetSchema string `yaml:"target_schema"`

	Ledger       ledger.Config       `yaml:"ledger"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`

	Metrics struct {
		Enabled    bool   `yaml:"enabled"`
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`
}

func (c *AppConfig) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.TargetSchema == "" {
		c.TargetSchema = "main"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9464"
	}
	c.Orchestrator.ApplyDefaults()
}

func (c *AppConfig) Validate() error {
	if c.SpecDir == "" {
		return fmt.Errorf("spec_dir is required")
	}
	if c.StagingRoot == "" {
		return fmt.Errorf("staging_root is required")
	}
	if c.Orchestrator.RawRoot == "" {
		return fmt.Errorf("orchestrator.raw_root is required")
	}
	if c.Ledger.AttachSQL == "" {
		return fmt.Errorf("ledger.attach_sql is required")
	}
	return nil
}

// LoadConfig reads, defaults, and validates the config file.
func LoadConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// buildLogger constructs the process logger from the logging section.
func buildLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zapCfg zap.Config
	switch format {
	case "json":
		zapCfg = zap.NewProductionConfig()
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q: expected json or console", format)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	return zapCfg.Build()
}
