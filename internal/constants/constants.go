package constants

import "time"

// API Server Constants
const (
	// DefaultAPIHost is the default API server host
	DefaultAPIHost = "localhost"

	// DefaultAPIPort is the default API server port
	DefaultAPIPort = 8080

	// MinPort is the minimum valid port number
	MinPort = 1

	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout
	DefaultWriteTimeout = 15 * time.Second

	// DefaultIdleTimeout is the default HTTP idle timeout
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultMaxHeaderBytes is the default maximum request header size (1 MB)
	DefaultMaxHeaderBytes = 1 << 20 // 1 MB

	// MaxWebhookBodyBytes is the maximum accepted webhook request body size
	MaxWebhookBodyBytes = 1 << 20 // 1 MB
)

// Listener Constants
const (
	// DefaultPollInterval is how often a listener checks for a new chain head
	DefaultPollInterval = 5 * time.Second

	// DefaultRecoveryBatchSize is the number of blocks fetched per recovery batch
	DefaultRecoveryBatchSize = 100

	// DefaultMaxFailures is the consecutive failure count that opens the circuit
	DefaultMaxFailures = 5

	// DefaultCircuitResetTimeout is how long the circuit stays open before
	// dispatch resumes
	DefaultCircuitResetTimeout = 10 * time.Second

	// DefaultEventRetryAttempts is the per-event retry budget after a
	// processing failure
	DefaultEventRetryAttempts = 3

	// DefaultEventRetryBaseDelay is the base delay for exponential backoff
	// between event retries (delay = base * 2^attempt)
	DefaultEventRetryBaseDelay = time.Second

	// DefaultRecoveryBatchesPerSecond paces recovery batch fetches so a large
	// gap fill does not hammer the provider
	DefaultRecoveryBatchesPerSecond = 10

	// SlowEventThreshold marks an event as slow for performance tracking
	SlowEventThreshold = 500 * time.Millisecond

	// PerformanceHistorySize bounds the per-listener latency sample window
	PerformanceHistorySize = 1000
)

// Webhook Constants
const (
	// SignatureHeader carries the HMAC-SHA256 signature of the request body
	SignatureHeader = "X-Starknet-Signature"

	// SourceHeader optionally identifies the webhook source for rate limiting
	SourceHeader = "X-Webhook-Source"

	// DefaultWebhookMaxRetries is the per-event retry budget for webhook
	// processing failures
	DefaultWebhookMaxRetries = 3

	// DefaultWebhookRetryBaseDelay is the base delay for exponential backoff
	// between webhook processing retries
	DefaultWebhookRetryBaseDelay = time.Second

	// DefaultDedupTTL bounds how long a processed event id is remembered
	DefaultDedupTTL = 24 * time.Hour

	// DefaultDedupSweepInterval is how often expired dedup entries are removed
	DefaultDedupSweepInterval = 10 * time.Minute

	// DefaultHandoffBuffer is the capacity of the async processing queue
	// between the HTTP handler and the webhook workers
	DefaultHandoffBuffer = 256

	// DefaultHandoffWorkers is the number of background webhook workers
	DefaultHandoffWorkers = 4

	// ProcessingTimeHistorySize bounds the webhook latency sample window used
	// for p99 computation
	ProcessingTimeHistorySize = 100
)

// Rate Limiter Constants
const (
	// BurstTierLimit allows short bursts per client IP
	BurstTierLimit = 20

	// BurstTierWindow is the burst tier window
	BurstTierWindow = 10 * time.Second

	// StandardTierLimit is the sustained per-IP limit
	StandardTierLimit = 100

	// StandardTierWindow is the standard tier window
	StandardTierWindow = time.Minute

	// TransactionTierLimit caps events per transaction hash per IP
	TransactionTierLimit = 5

	// TransactionTierWindow is the transaction tier window
	TransactionTierWindow = time.Minute

	// RateLimitSweepInterval is how often expired window entries are removed
	RateLimitSweepInterval = 2 * time.Minute
)

// Queue Constants
const (
	// DefaultJobMaxAttempts is the consumer-side retry budget before a job is
	// routed to the dead-letter queue
	DefaultJobMaxAttempts = 3

	// DLQSuffix is appended to a queue name to form its dead-letter queue
	DLQSuffix = "-dlq"

	// DefaultQueuePopTimeout is the blocking-pop timeout for Redis workers
	DefaultQueuePopTimeout = 5 * time.Second

	// DefaultLocalQueueBuffer is the per-queue buffer of the in-memory backend
	DefaultLocalQueueBuffer = 1024
)
