package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/nftopia/ingest-go/pkg/types"
)

// MemoryTransactionStore is a map-backed TransactionStore for local runs and
// tests.
type MemoryTransactionStore struct {
	mu  sync.Mutex
	txs map[string]*types.Transaction
}

// NewMemoryTransactionStore creates an empty store.
func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{txs: make(map[string]*types.Transaction)}
}

// Seed inserts a pending transaction record.
func (s *MemoryTransactionStore) Seed(hash string) {
	s.mu.Lock()
	s.txs[hash] = &types.Transaction{Hash: hash, Status: types.StatusPending}
	s.mu.Unlock()
}

// FindByHash returns the record for hash or ErrTransactionNotFound.
func (s *MemoryTransactionStore) FindByHash(_ context.Context, hash string) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[hash]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

// UpdateStatus moves the record for hash to the given status.
func (s *MemoryTransactionStore) UpdateStatus(_ context.Context, hash string, status types.TransactionStatus, blockNumber int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[hash]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.Status = status
	tx.BlockNumber = blockNumber
	tx.UpdatedAt = time.Now()
	return nil
}
