// Package config loads the gateway configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/ingest"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/logging"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/nodes"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/numerics"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/quorum"
)

// Storage types.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Node sources.
const (
	NodeSourceConfig   = "config"
	NodeSourcePostgres = "postgres"
)

// Config represents the application configuration
type Config struct {
	Service struct {
		Name       string `yaml:"name"`
		HealthPort int    `yaml:"health_port"`
	} `yaml:"service"`

	Logging logging.Config `yaml:"logging"`

	Postgres struct {
		// DSN takes precedence over the individual fields
		DSN      string `yaml:"dsn"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Database string `yaml:"database"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		SSLMode  string `yaml:"sslmode"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"postgres"`

	Storage struct {
		Type             string `yaml:"type"`
		NumericPrecision int    `yaml:"numeric_precision"`
		EnsureSchema     *bool  `yaml:"ensure_schema"`
	} `yaml:"storage"`

	Nodes struct {
		// Source is where the node list comes from. With "postgres" the
		// configured list only seeds an empty ledger_nodes table.
		Source         string             `yaml:"source"`
		RequestTimeout time.Duration      `yaml:"request_timeout"`
		List           []nodes.NodeConfig `yaml:"list"`
	} `yaml:"nodes"`

	Quorum quorum.Config `yaml:"quorum"`

	Workers ingest.LoopPolicies `yaml:"workers"`

	Mempool struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"mempool"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "ledger-aggregation-gateway"
	}
	if c.Service.HealthPort == 0 {
		c.Service.HealthPort = 8088
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 10
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageMemory
	}
	if c.Storage.NumericPrecision == 0 {
		c.Storage.NumericPrecision = numerics.DefaultStoragePrecision
	}
	if c.Storage.EnsureSchema == nil {
		ensure := true
		c.Storage.EnsureSchema = &ensure
	}
	if c.Nodes.Source == "" {
		c.Nodes.Source = NodeSourceConfig
	}
	if c.Nodes.RequestTimeout == 0 {
		c.Nodes.RequestTimeout = 30 * time.Second
	}
	if c.Mempool.Enabled == nil {
		enabled := true
		c.Mempool.Enabled = &enabled
	}
	c.Quorum.ApplyDefaults()
	c.Workers.ApplyDefaults()
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs []error
	if c.Service.HealthPort < 0 || c.Service.HealthPort > 65535 {
		errs = append(errs, fmt.Errorf("service.health_port %d is out of range", c.Service.HealthPort))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StoragePostgres:
		if c.Postgres.DSN == "" && (c.Postgres.Host == "" || c.Postgres.Database == "") {
			errs = append(errs, errors.New("postgres.dsn or postgres.host and postgres.database are required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be %s or %s, got %q", StorageMemory, StoragePostgres, c.Storage.Type))
	}
	if err := c.Codec().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage.numeric_precision: %w", err))
	}

	switch c.Nodes.Source {
	case NodeSourceConfig:
		if len(c.Nodes.List) == 0 {
			errs = append(errs, errors.New("nodes.list must name at least one node"))
		}
	case NodeSourcePostgres:
		if c.Storage.Type != StoragePostgres {
			errs = append(errs, errors.New("nodes.source postgres requires storage.type postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("nodes.source must be %s or %s, got %q", NodeSourceConfig, NodeSourcePostgres, c.Nodes.Source))
	}
	if err := nodes.Validate(c.NodeList()); err != nil {
		errs = append(errs, fmt.Errorf("nodes.list: %w", err))
	}

	if err := c.Quorum.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("quorum: %w", err))
	}
	if err := c.Workers.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NodeList returns the configured nodes.
func (c *Config) NodeList() []nodes.Node {
	return nodes.FromConfig(c.Nodes.List)
}

// Codec returns the amount codec for the configured column precision.
func (c *Config) Codec() numerics.StorageCodec {
	return numerics.StorageCodec{Precision: c.Storage.NumericPrecision}
}

// MempoolEnabled reports whether node mempools are polled.
func (c *Config) MempoolEnabled() bool {
	return c.Mempool.Enabled == nil || *c.Mempool.Enabled
}

// GetPostgresConnectionString returns a connection string for PostgreSQL
func (c *Config) GetPostgresConnectionString() string {
	if c.Postgres.DSN != "" {
		return c.Postgres.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Database,
		c.Postgres.SSLMode,
	)
}
