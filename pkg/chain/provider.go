// Package chain defines the boundary to the external chain indexer. The
// service does not ship an RPC client of its own; callers supply a Provider
// implementation at startup.
package chain

import (
	"context"
	"errors"

	"github.com/nftopia/ingest-go/pkg/types"
)

// Common provider errors
var (
	// ErrProviderUnavailable indicates the upstream endpoint could not be
	// reached or initialized
	ErrProviderUnavailable = errors.New("chain provider unavailable")

	// ErrBlockRangeTooLarge indicates the requested block range exceeds what
	// the provider will serve in one call
	ErrBlockRangeTooLarge = errors.New("requested block range too large")
)

// Provider is the read-only view of the chain the listeners poll against.
// Implementations must be safe for concurrent use; calls carry their own
// network timeouts.
type Provider interface {
	// BlockNumber returns the current chain head.
	BlockNumber(ctx context.Context) (uint64, error)

	// Events returns the events emitted by the given contract address within
	// the inclusive block range [from, to], in block-number then log-index
	// order.
	Events(ctx context.Context, address string, from, to uint64) ([]types.ChainEvent, error)

	// Close releases any underlying connections.
	Close()
}
