package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	identitymodels "idgraph/internal/identity/models"
)

// Config is the process configuration. Defaults are overlaid by the YAML
// file named in IDGRAPH_CONFIG_FILE, then by individual environment
// variables.
type Config struct {
	Server   Server         `yaml:"server"`
	Logging  Logging        `yaml:"logging"`
	Engine   Engine         `yaml:"engine"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Neo4j    Neo4jConfig    `yaml:"neo4j"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Engine holds the orchestration policy.
type Engine struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	Workers         int           `yaml:"workers"`
	MaxRetries      int           `yaml:"max_retries"`
	HopCap          int           `yaml:"merge_hop_cap"`
	TraversalDepth  int           `yaml:"traversal_depth"`
	SearchLimit     int           `yaml:"search_limit"`
	ActivationLevel string        `yaml:"activation_level"`
	ValidateEvery   uint64        `yaml:"validate_every"`
	GateAttempts    int           `yaml:"gate_attempts"`
	GateBackoff     time.Duration `yaml:"gate_backoff"`
	DedupeTTL       time.Duration `yaml:"dedupe_ttl"`
}

// RedisConfig configures the dedupe ledger. An empty URL keeps the ledger
// in memory.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig configures the event outbox. An empty DSN disables it.
type PostgresConfig struct {
	DSN           string        `yaml:"dsn"`
	MaxOpenConns  int           `yaml:"max_open_conns"`
	RelayInterval time.Duration `yaml:"relay_interval"`
	RelayBatch    int           `yaml:"relay_batch"`
}

// KafkaConfig configures the event and command topics. No brokers disables
// the transport.
type KafkaConfig struct {
	Brokers           []string `yaml:"brokers"`
	EventsTopic       string   `yaml:"events_topic"`
	CommandsTopic     string   `yaml:"commands_topic"`
	ConsumerGroup     string   `yaml:"consumer_group"`
	Partitions        int32    `yaml:"partitions"`
	ReplicationFactor int16    `yaml:"replication_factor"`
}

// Neo4jConfig configures the graph projection. An empty URI disables it.
type Neo4jConfig struct {
	URI            string `yaml:"uri"`
	Database       string `yaml:"database"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxConnections int    `yaml:"max_connections"`
}

func Default() Config {
	return Config{
		Server:  Server{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Logging: Logging{Level: "info", Format: "json"},
		Engine: Engine{
			TickInterval:    100 * time.Millisecond,
			Workers:         8,
			MaxRetries:      3,
			HopCap:          8,
			TraversalDepth:  3,
			SearchLimit:     4096,
			ActivationLevel: identitymodels.LevelBasic.String(),
			ValidateEvery:   10,
			GateAttempts:    5,
			GateBackoff:     time.Millisecond,
			DedupeTTL:       24 * time.Hour,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Postgres: PostgresConfig{MaxOpenConns: 10, RelayInterval: time.Second, RelayBatch: 100},
		Kafka: KafkaConfig{
			EventsTopic:       "identity.events",
			CommandsTopic:     "identity.commands",
			ConsumerGroup:     "idgraph",
			Partitions:        6,
			ReplicationFactor: 1,
		},
		Neo4j: Neo4jConfig{Database: "neo4j", MaxConnections: 20},
	}
}

// FromEnv builds the config so main stays lean.
func FromEnv() (Config, error) {
	cfg := Default()
	if path := os.Getenv("IDGRAPH_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Server.Addr, "IDGRAPH_ADDR")
	setString(&cfg.Logging.Level, "IDGRAPH_LOG_LEVEL")
	setString(&cfg.Logging.Format, "IDGRAPH_LOG_FORMAT")
	setString(&cfg.Engine.ActivationLevel, "IDGRAPH_ACTIVATION_LEVEL")
	setString(&cfg.Redis.URL, "IDGRAPH_REDIS_URL")
	setString(&cfg.Postgres.DSN, "IDGRAPH_POSTGRES_DSN")
	setString(&cfg.Neo4j.URI, "IDGRAPH_NEO4J_URI")
	setString(&cfg.Neo4j.Username, "IDGRAPH_NEO4J_USER")
	setString(&cfg.Neo4j.Password, "IDGRAPH_NEO4J_PASSWORD")
	if v := os.Getenv("IDGRAPH_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	for name, target := range map[string]*time.Duration{
		"IDGRAPH_TICK_INTERVAL": &cfg.Engine.TickInterval,
		"IDGRAPH_DEDUPE_TTL":    &cfg.Engine.DedupeTTL,
	} {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*target = d
		}
	}
	for name, target := range map[string]*int{
		"IDGRAPH_WORKERS":     &cfg.Engine.Workers,
		"IDGRAPH_MAX_RETRIES": &cfg.Engine.MaxRetries,
		"IDGRAPH_HOP_CAP":     &cfg.Engine.HopCap,
	} {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*target = n
		}
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be positive")
	}
	if c.Engine.Workers < 1 || c.Engine.MaxRetries < 1 || c.Engine.HopCap < 1 || c.Engine.TraversalDepth < 1 {
		return fmt.Errorf("engine workers, max_retries, merge_hop_cap and traversal_depth must be at least 1")
	}
	if _, err := c.Engine.Activation(); err != nil {
		return err
	}
	return nil
}

// Activation parses the configured activation level.
func (e Engine) Activation() (identitymodels.VerificationLevel, error) {
	level, ok := identitymodels.ParseVerificationLevel(e.ActivationLevel)
	if !ok {
		return 0, fmt.Errorf("unknown activation level %q", e.ActivationLevel)
	}
	return level, nil
}

func setString(target *string, name string) {
	if v := os.Getenv(name); v != "" {
		*target = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
