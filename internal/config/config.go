package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings of one agent instance.
type Config struct {
	OrganizationID string `yaml:"organization_id"`

	Broker struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Password string `yaml:"password"`
	} `yaml:"broker"`

	Streams struct {
		Pattern       string `yaml:"pattern"`
		ConsumerGroup string `yaml:"consumer_group"`
		ConsumerName  string `yaml:"consumer_name"`
	} `yaml:"streams"`

	Batching struct {
		MaxBatchSize          int `yaml:"max_batch_size"`
		MinBatchSize          int `yaml:"min_batch_size"`
		IdleTimeoutSeconds    int `yaml:"idle_timeout_seconds"`
		ForceSealAfterSeconds int `yaml:"force_seal_after_seconds"`
	} `yaml:"batching"`

	ObjectStore struct {
		Bucket          string `yaml:"bucket"`
		Region          string `yaml:"region"`
		Endpoint        string `yaml:"endpoint"`
		ForcePathStyle  bool   `yaml:"force_path_style"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
	} `yaml:"object_store"`

	Blockchain struct {
		Network        string `yaml:"network"`
		Account        string `yaml:"account"`
		Contract       string `yaml:"contract"`
		CredentialsDir string `yaml:"credentials_dir"`
	} `yaml:"blockchain"`

	Journal struct {
		PostgresDSN string `yaml:"postgres_dsn"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
	} `yaml:"journal"`

	Ops struct {
		Listen string `yaml:"listen"`
	} `yaml:"ops"`

	Logging struct {
		Service string `yaml:"service"`
		Version string `yaml:"version"`
	} `yaml:"logging"`
}

// Load reads and validates config from disk. ${VAR} references in the
// file are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.Expand(string(buf), func(key string) string {
		return os.Getenv(key)
	})
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Broker.Host == "" {
		c.Broker.Host = "localhost"
	}
	if c.Broker.Port == 0 {
		c.Broker.Port = 6379
	}
	if c.Streams.Pattern == "" {
		c.Streams.Pattern = "etrap.public.*"
	}
	if c.Streams.ConsumerGroup == "" {
		c.Streams.ConsumerGroup = "etrap-agent"
	}
	if c.Streams.ConsumerName == "" {
		c.Streams.ConsumerName = "agent-1"
	}
	if c.Batching.MaxBatchSize == 0 {
		c.Batching.MaxBatchSize = 1000
	}
	if c.Batching.MinBatchSize == 0 {
		c.Batching.MinBatchSize = 1
	}
	if c.Batching.IdleTimeoutSeconds == 0 {
		c.Batching.IdleTimeoutSeconds = 60
	}
	if c.Batching.ForceSealAfterSeconds == 0 {
		c.Batching.ForceSealAfterSeconds = 300
	}
	if c.ObjectStore.Bucket == "" && c.OrganizationID != "" {
		c.ObjectStore.Bucket = "etrap-" + c.OrganizationID
	}
	if c.ObjectStore.Region == "" {
		c.ObjectStore.Region = "us-west-2"
	}
	if c.Blockchain.Network == "" {
		c.Blockchain.Network = "testnet"
	}
	if c.Blockchain.Contract == "" {
		c.Blockchain.Contract = c.Blockchain.Account
	}
	if c.Blockchain.CredentialsDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Blockchain.CredentialsDir = filepath.Join(home, ".near-credentials")
		}
	}
	if c.Journal.MaxConns == 0 {
		c.Journal.MaxConns = 4
	}
	if c.Ops.Listen == "" {
		c.Ops.Listen = ":9464"
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "etrap-cdc-agent"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "1.0.0"
	}
}

func (c *Config) validate() error {
	if c.OrganizationID == "" {
		return errors.New("organization_id is required")
	}
	if c.Blockchain.Network != "testnet" && c.Blockchain.Network != "mainnet" {
		return fmt.Errorf("blockchain.network %q must be testnet or mainnet", c.Blockchain.Network)
	}
	if c.Batching.MinBatchSize > c.Batching.MaxBatchSize {
		return fmt.Errorf("batching.min_batch_size %d exceeds max_batch_size %d",
			c.Batching.MinBatchSize, c.Batching.MaxBatchSize)
	}
	for name, v := range map[string]int{
		"batching.max_batch_size":           c.Batching.MaxBatchSize,
		"batching.min_batch_size":           c.Batching.MinBatchSize,
		"batching.idle_timeout_seconds":     c.Batching.IdleTimeoutSeconds,
		"batching.force_seal_after_seconds": c.Batching.ForceSealAfterSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.ObjectStore.Bucket == "" {
		return errors.New("object_store.bucket is required")
	}
	return nil
}

// BrokerAddr renders the broker host:port pair.
func (c *Config) BrokerAddr() string {
	return c.Broker.Host + ":" + strconv.Itoa(c.Broker.Port)
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Batching.IdleTimeoutSeconds) * time.Second
}

func (c *Config) ForceSealAfter() time.Duration {
	return time.Duration(c.Batching.ForceSealAfterSeconds) * time.Second
}

// AnchoringEnabled reports whether a blockchain account is configured.
// Without one the agent publishes artifacts and acknowledges after
// upload, the way a local deployment runs before its account exists.
func (c *Config) AnchoringEnabled() bool {
	return c.Blockchain.Account != ""
}
