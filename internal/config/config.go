package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nftopia/ingest-go/internal/constants"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion service
type Config struct {
	RPC       RPCConfig       `yaml:"rpc"`
	Log       LogConfig       `yaml:"log"`
	Listeners ListenersConfig `yaml:"listeners"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Queue     QueueConfig     `yaml:"queue"`
	API       APIConfig       `yaml:"api"`
}

// RPCConfig holds chain provider configuration
type RPCConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ListenersConfig holds configuration shared by all contract listeners plus
// the per-contract list
type ListenersConfig struct {
	// PollInterval is how often each listener checks for a new chain head
	PollInterval time.Duration `yaml:"poll_interval"`
	// BatchSize is the number of blocks fetched per recovery batch
	BatchSize uint64 `yaml:"batch_size"`
	// MaxFailures is the consecutive failure count that opens the circuit
	MaxFailures int `yaml:"max_failures"`
	// ResetTimeout is how long an open circuit stays open
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	// Contracts is the list of monitored contracts
	Contracts []ContractConfig `yaml:"contracts"`
}

// ContractConfig identifies a single monitored contract
type ContractConfig struct {
	// Name selects the validation strategy ("nft", "auction", "transaction")
	Name string `yaml:"name"`
	// Address is the on-chain contract address
	Address string `yaml:"address"`
	// Queue is the destination queue for validated events
	Queue string `yaml:"queue"`
}

// WebhookConfig holds inbound webhook processing configuration
type WebhookConfig struct {
	// Secret is the shared HMAC secret; processing refuses to start without it
	Secret string `yaml:"secret"`
	// MaxRetries is the per-event retry budget for processing failures
	MaxRetries int `yaml:"max_retries"`
	// RetryBaseDelay is the base delay for exponential backoff between retries
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	// DedupTTL bounds how long processed event ids are remembered
	DedupTTL time.Duration `yaml:"dedup_ttl"`
	// HandoffBuffer is the capacity of the async processing queue
	HandoffBuffer int `yaml:"handoff_buffer"`
	// HandoffWorkers is the number of background processing workers
	HandoffWorkers int `yaml:"handoff_workers"`
}

// RateLimitTier configures one rate limiting tier
type RateLimitTier struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// RateLimitConfig holds the multi-tier webhook rate limiter configuration
type RateLimitConfig struct {
	Burst       RateLimitTier `yaml:"burst"`
	Standard    RateLimitTier `yaml:"standard"`
	Transaction RateLimitTier `yaml:"transaction"`
	// SweepInterval is how often expired window entries are removed
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// QueueConfig holds queue producer configuration
type QueueConfig struct {
	// Type selects the backend: "local", "redis", "kafka"
	Type string `yaml:"type"`
	// MaxAttempts is the consumer-side retry budget before DLQ routing
	MaxAttempts int              `yaml:"max_attempts"`
	Redis       QueueRedisConfig `yaml:"redis"`
	Kafka       QueueKafkaConfig `yaml:"kafka"`
}

// QueueRedisConfig holds Redis queue backend configuration
type QueueRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// QueueKafkaConfig holds Kafka queue backend configuration
type QueueKafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topic_prefix"`
}

// APIConfig holds API server configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// NewConfig creates a new Config with defaults applied
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in default values for any unset fields
func (c *Config) SetDefaults() {
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Listeners.PollInterval == 0 {
		c.Listeners.PollInterval = constants.DefaultPollInterval
	}
	if c.Listeners.BatchSize == 0 {
		c.Listeners.BatchSize = constants.DefaultRecoveryBatchSize
	}
	if c.Listeners.MaxFailures == 0 {
		c.Listeners.MaxFailures = constants.DefaultMaxFailures
	}
	if c.Listeners.ResetTimeout == 0 {
		c.Listeners.ResetTimeout = constants.DefaultCircuitResetTimeout
	}

	if c.Webhook.MaxRetries == 0 {
		c.Webhook.MaxRetries = constants.DefaultWebhookMaxRetries
	}
	if c.Webhook.RetryBaseDelay == 0 {
		c.Webhook.RetryBaseDelay = constants.DefaultWebhookRetryBaseDelay
	}
	if c.Webhook.DedupTTL == 0 {
		c.Webhook.DedupTTL = constants.DefaultDedupTTL
	}
	if c.Webhook.HandoffBuffer == 0 {
		c.Webhook.HandoffBuffer = constants.DefaultHandoffBuffer
	}
	if c.Webhook.HandoffWorkers == 0 {
		c.Webhook.HandoffWorkers = constants.DefaultHandoffWorkers
	}

	if c.RateLimit.Burst.Limit == 0 {
		c.RateLimit.Burst = RateLimitTier{Limit: constants.BurstTierLimit, Window: constants.BurstTierWindow}
	}
	if c.RateLimit.Standard.Limit == 0 {
		c.RateLimit.Standard = RateLimitTier{Limit: constants.StandardTierLimit, Window: constants.StandardTierWindow}
	}
	if c.RateLimit.Transaction.Limit == 0 {
		c.RateLimit.Transaction = RateLimitTier{Limit: constants.TransactionTierLimit, Window: constants.TransactionTierWindow}
	}
	if c.RateLimit.SweepInterval == 0 {
		c.RateLimit.SweepInterval = constants.RateLimitSweepInterval
	}

	if c.Queue.Type == "" {
		c.Queue.Type = "local"
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = constants.DefaultJobMaxAttempts
	}
	if c.Queue.Redis.Addr == "" {
		c.Queue.Redis.Addr = "localhost:6379"
	}
	if c.Queue.Redis.PoolSize == 0 {
		c.Queue.Redis.PoolSize = 10
	}
	if c.Queue.Kafka.TopicPrefix == "" {
		c.Queue.Kafka.TopicPrefix = "ingest"
	}

	if c.API.Host == "" {
		c.API.Host = constants.DefaultAPIHost
	}
	if c.API.Port == 0 {
		c.API.Port = constants.DefaultAPIPort
	}
}

// LoadFromEnv loads configuration from environment variables
// Environment variables take precedence over file configuration
func (c *Config) LoadFromEnv() error {
	if endpoint := os.Getenv("INGEST_RPC_ENDPOINT"); endpoint != "" {
		c.RPC.Endpoint = endpoint
	}
	if timeout := os.Getenv("INGEST_RPC_TIMEOUT"); timeout != "" {
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid INGEST_RPC_TIMEOUT: %w", err)
		}
		c.RPC.Timeout = duration
	}

	if level := os.Getenv("INGEST_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("INGEST_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	if interval := os.Getenv("INGEST_POLL_INTERVAL"); interval != "" {
		duration, err := time.ParseDuration(interval)
		if err != nil {
			return fmt.Errorf("invalid INGEST_POLL_INTERVAL: %w", err)
		}
		c.Listeners.PollInterval = duration
	}
	if batchSize := os.Getenv("INGEST_BATCH_SIZE"); batchSize != "" {
		val, err := strconv.ParseUint(batchSize, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid INGEST_BATCH_SIZE: %w", err)
		}
		c.Listeners.BatchSize = val
	}
	if maxFailures := os.Getenv("INGEST_MAX_FAILURES"); maxFailures != "" {
		val, err := strconv.Atoi(maxFailures)
		if err != nil {
			return fmt.Errorf("invalid INGEST_MAX_FAILURES: %w", err)
		}
		c.Listeners.MaxFailures = val
	}

	// The webhook secret is only ever read from the environment so it stays
	// out of config files
	if secret := os.Getenv("STARKNET_WEBHOOK_SECRET"); secret != "" {
		c.Webhook.Secret = secret
	}

	if queueType := os.Getenv("INGEST_QUEUE_TYPE"); queueType != "" {
		c.Queue.Type = queueType
	}
	if addr := os.Getenv("INGEST_REDIS_ADDR"); addr != "" {
		c.Queue.Redis.Addr = addr
	}
	if password := os.Getenv("INGEST_REDIS_PASSWORD"); password != "" {
		c.Queue.Redis.Password = password
	}

	if enabled := os.Getenv("INGEST_API_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid INGEST_API_ENABLED: %w", err)
		}
		c.API.Enabled = val
	}
	if host := os.Getenv("INGEST_API_HOST"); host != "" {
		c.API.Host = host
	}
	if port := os.Getenv("INGEST_API_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid INGEST_API_PORT: %w", err)
		}
		c.API.Port = val
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	if c.Listeners.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Listeners.BatchSize == 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Listeners.MaxFailures <= 0 {
		return fmt.Errorf("max failures must be positive")
	}
	if c.Listeners.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout must be positive")
	}
	for i, contract := range c.Listeners.Contracts {
		if contract.Name == "" {
			return fmt.Errorf("contract %d: name is required", i)
		}
		if contract.Address == "" {
			return fmt.Errorf("contract %q: address is required", contract.Name)
		}
		if contract.Queue == "" {
			return fmt.Errorf("contract %q: queue is required", contract.Name)
		}
	}

	for _, tier := range []struct {
		name string
		tier RateLimitTier
	}{
		{"burst", c.RateLimit.Burst},
		{"standard", c.RateLimit.Standard},
		{"transaction", c.RateLimit.Transaction},
	} {
		if tier.tier.Limit <= 0 {
			return fmt.Errorf("rate limit tier %q: limit must be positive", tier.name)
		}
		if tier.tier.Window <= 0 {
			return fmt.Errorf("rate limit tier %q: window must be positive", tier.name)
		}
	}

	validQueueTypes := map[string]bool{
		"local": true,
		"redis": true,
		"kafka": true,
	}
	if !validQueueTypes[c.Queue.Type] {
		return fmt.Errorf("invalid queue type %q, must be one of: local, redis, kafka", c.Queue.Type)
	}
	if c.Queue.Type == "redis" && c.Queue.Redis.Addr == "" {
		return fmt.Errorf("redis queue enabled but no address configured")
	}
	if c.Queue.Type == "kafka" && len(c.Queue.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka queue enabled but no brokers configured")
	}

	if c.API.Enabled {
		if c.API.Port < constants.MinPort || c.API.Port > constants.MaxPort {
			return fmt.Errorf("invalid API port %d", c.API.Port)
		}
	}

	return nil
}

// Load is a convenience method that loads configuration in the following order:
// 1. Load from file (if provided)
// 2. Load from environment variables (override file)
// 3. Set defaults for any missing values
// 4. Validate
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
