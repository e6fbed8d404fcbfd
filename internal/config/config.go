// Package config loads service configuration from defaults, YAML files and
// ARCHIMEDES_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml/aggregator"
	"github.com/madconcarl-des/archimedes/internal/aml/alerts"
	"github.com/madconcarl-des/archimedes/internal/aml/features"
	"github.com/madconcarl-des/archimedes/internal/aml/network"
	"github.com/madconcarl-des/archimedes/internal/aml/pipeline"
	"github.com/madconcarl-des/archimedes/internal/aml/rules"
	"github.com/madconcarl-des/archimedes/internal/aml/scoring"
	"github.com/madconcarl-des/archimedes/internal/database"
	"github.com/madconcarl-des/archimedes/internal/messaging"
	"github.com/madconcarl-des/archimedes/internal/observability"
)

const EnvPrefix = "ARCHIMEDES"

type Config struct {
	Service       ServiceConfig         `mapstructure:"service" yaml:"service"`
	HTTP          HTTPConfig            `mapstructure:"http" yaml:"http"`
	History       HistoryConfig         `mapstructure:"history" yaml:"history"`
	Database      database.Config       `mapstructure:"database" yaml:"database"`
	Redis         RedisConfig           `mapstructure:"redis" yaml:"redis"`
	Etcd          EtcdConfig            `mapstructure:"etcd" yaml:"etcd"`
	Kafka         messaging.KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
	Observability observability.Config  `mapstructure:"observability" yaml:"observability"`
	Retention     RetentionConfig       `mapstructure:"retention" yaml:"retention"`
	Bootstrap     BootstrapConfig       `mapstructure:"bootstrap" yaml:"bootstrap"`

	Features   features.Config   `mapstructure:"features" yaml:"features"`
	Rules      rules.Config      `mapstructure:"rules" yaml:"rules"`
	Scoring    scoring.Config    `mapstructure:"scoring" yaml:"scoring"`
	Network    network.Config    `mapstructure:"network" yaml:"network"`
	Aggregator aggregator.Config `mapstructure:"aggregator" yaml:"aggregator"`
	Alerts     alerts.Config     `mapstructure:"alerts" yaml:"alerts"`
	Pipeline   pipeline.Config   `mapstructure:"pipeline" yaml:"pipeline"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat   string `mapstructure:"log_format" yaml:"log_format"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	JWTSecret       string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer       string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
}

// HistoryConfig picks the transaction history backend: memory, badger or postgres.
type HistoryConfig struct {
	Backend     string        `mapstructure:"backend" yaml:"backend"`
	BadgerPath  string        `mapstructure:"badger_path" yaml:"badger_path"`
	PostgresDSN string        `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	Retention   time.Duration `mapstructure:"retention" yaml:"retention"`
}

type RedisConfig struct {
	Enabled              bool          `mapstructure:"enabled" yaml:"enabled"`
	database.RedisConfig `mapstructure:",squash" yaml:",inline"`
	Prefix               string        `mapstructure:"prefix" yaml:"prefix"`
	SnapshotTTL          time.Duration `mapstructure:"snapshot_ttl" yaml:"snapshot_ttl"`
}

type EtcdConfig struct {
	Enabled             bool          `mapstructure:"enabled" yaml:"enabled"`
	database.EtcdConfig `mapstructure:",squash" yaml:",inline"`
	LockPrefix          string        `mapstructure:"lock_prefix" yaml:"lock_prefix"`
	LockTTL             time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

type RetentionConfig struct {
	Scores        time.Duration `mapstructure:"scores" yaml:"scores"`
	PruneInterval time.Duration `mapstructure:"prune_interval" yaml:"prune_interval"`
}

// BootstrapConfig sizes the synthetic reference sample used to grow the
// isolation forest when no model artifact is configured.
type BootstrapConfig struct {
	Accounts     int   `mapstructure:"accounts" yaml:"accounts"`
	Transactions int   `mapstructure:"transactions" yaml:"transactions"`
	Seed         int64 `mapstructure:"seed" yaml:"seed"`
}

func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "archimedes",
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 20 * time.Second,
			CORSOrigins:     []string{"*"},
			JWTIssuer:       "archimedes",
		},
		History: HistoryConfig{
			Backend:   "badger",
			Retention: 35 * 24 * time.Hour,
		},
		Database: database.DefaultConfig(),
		Redis: RedisConfig{
			RedisConfig: database.RedisConfig{Addrs: []string{"localhost:6379"}},
			Prefix:      "archimedes:network",
			SnapshotTTL: 30 * time.Minute,
		},
		Etcd: EtcdConfig{
			EtcdConfig: database.EtcdConfig{Endpoints: []string{"localhost:2379"}, DialTimeout: 5 * time.Second},
			LockPrefix: "/archimedes/network/propagation",
			LockTTL:    30 * time.Second,
		},
		Kafka:         *messaging.DefaultKafkaConfig(),
		Observability: observability.DefaultConfig(),
		Retention: RetentionConfig{
			Scores:        365 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
		Bootstrap: BootstrapConfig{
			Accounts:     500,
			Transactions: 5000,
			Seed:         42,
		},
		Features:   features.DefaultConfig(),
		Rules:      rules.DefaultConfig(),
		Scoring:    scoring.DefaultConfig(),
		Network:    network.DefaultConfig(),
		Aggregator: aggregator.DefaultConfig(),
		Alerts:     alerts.DefaultConfig(),
		Pipeline:   pipeline.DefaultConfig(),
	}
}

// Validate checks every section and joins the failures.
func (c *Config) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	switch c.History.Backend {
	case "memory", "badger":
	case "postgres":
		if c.History.PostgresDSN == "" {
			add("history", errors.New("postgres_dsn is required for the postgres backend"))
		}
	default:
		add("history", fmt.Errorf("unknown backend %q", c.History.Backend))
	}
	if c.HTTP.Addr == "" {
		add("http", errors.New("addr is required"))
	}
	if c.Service.Environment == "production" && c.HTTP.JWTSecret == "" {
		add("http", errors.New("jwt_secret is required in production"))
	}
	if c.Redis.Enabled && len(c.Redis.Addrs) == 0 {
		add("redis", errors.New("addrs is required when enabled"))
	}
	if c.Etcd.Enabled && len(c.Etcd.Endpoints) == 0 {
		add("etcd", errors.New("endpoints is required when enabled"))
	}
	if c.Retention.Scores < 0 {
		add("retention", errors.New("scores must not be negative"))
	}

	add("database", c.Database.Validate())
	add("kafka", c.Kafka.Validate())
	add("observability", c.Observability.Validate())
	add("features", c.Features.Validate())
	add("rules", c.Rules.Validate())
	add("scoring", c.Scoring.Validate())
	add("network", c.Network.Validate())
	add("aggregator", c.Aggregator.Validate())
	add("alerts", c.Alerts.Validate())
	add("pipeline", c.Pipeline.Validate())
	return errors.Join(errs...)
}
