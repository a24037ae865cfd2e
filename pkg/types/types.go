package types

import (
	"fmt"
	"time"
)

// ChainEvent is a single contract event as observed from the chain provider.
// Instances are immutable once constructed.
type ChainEvent struct {
	// Name is the event name (selector) emitted by the contract
	Name string `json:"name"`

	// Data holds the decoded event fields keyed by field name
	Data map[string]string `json:"data"`

	// BlockNumber is the block the event was included in
	BlockNumber uint64 `json:"blockNumber"`

	// TxHash is the transaction that emitted the event
	TxHash string `json:"transactionHash"`
}

// TransactionStatus enumerates the lifecycle states a marketplace transaction
// can be pushed into by a webhook event.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusConfirmed TransactionStatus = "CONFIRMED"
	StatusFailed    TransactionStatus = "FAILED"
	StatusRejected  TransactionStatus = "REJECTED"
)

// Valid reports whether the status is a known enum value.
func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// EventLog is a single contract log carried inside a webhook event.
type EventLog struct {
	ContractAddress string            `json:"contractAddress"`
	EventType       string            `json:"eventType"`
	Data            map[string]string `json:"data"`
}

// WebhookEvent is the transaction-status payload pushed by the external
// chain indexer.
type WebhookEvent struct {
	TxHash         string            `json:"txHash"`
	Status         TransactionStatus `json:"status"`
	BlockTimestamp string            `json:"blockTimestamp"`
	BlockNumber    int64             `json:"blockNumber"`
	Logs           []EventLog        `json:"logs"`
}

// EventID returns the deduplication key for this event. Two deliveries of the
// same transaction at the same block map to the same id.
func (e *WebhookEvent) EventID() string {
	return fmt.Sprintf("%s-%d", e.TxHash, e.BlockNumber)
}

// Validate checks the webhook payload against the fixed schema. It returns
// the first violation found.
func (e *WebhookEvent) Validate() error {
	if e.TxHash == "" {
		return fmt.Errorf("txHash is required")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("unknown status %q", e.Status)
	}
	if e.BlockTimestamp == "" {
		return fmt.Errorf("blockTimestamp is required")
	}
	if _, err := time.Parse(time.RFC3339, e.BlockTimestamp); err != nil {
		return fmt.Errorf("blockTimestamp is not a valid RFC3339 timestamp: %w", err)
	}
	if e.BlockNumber <= 0 {
		return fmt.Errorf("blockNumber must be positive")
	}
	if e.Logs == nil {
		return fmt.Errorf("logs must be an array")
	}
	for i, log := range e.Logs {
		if log.ContractAddress == "" {
			return fmt.Errorf("logs[%d]: contractAddress is required", i)
		}
		if log.EventType == "" {
			return fmt.Errorf("logs[%d]: eventType is required", i)
		}
	}
	return nil
}

// StoredEvent is a processed chain event as persisted by the optional event
// store collaborator.
type StoredEvent struct {
	ContractName string            `json:"contractName"`
	EventName    string            `json:"eventName"`
	EventData    map[string]string `json:"eventData"`
	BlockNumber  uint64            `json:"blockNumber"`
	TxHash       string            `json:"transactionHash"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Transaction is the marketplace-side record a webhook event settles. The
// webhook processor looks it up by hash and moves its status along.
type Transaction struct {
	Hash        string            `json:"hash"`
	Status      TransactionStatus `json:"status"`
	BlockNumber int64             `json:"blockNumber"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}
