package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/nftopia/ingest-go/pkg/types"
)

// eventChunkSize is the page size requested from starknet_getEvents.
const eventChunkSize = 1024

// RPCProvider implements Provider over a Starknet JSON-RPC endpoint.
type RPCProvider struct {
	client   *rpc.Client
	endpoint string
	logger   *zap.Logger
}

// NewRPCProvider dials the endpoint and verifies it answers before returning.
func NewRPCProvider(ctx context.Context, endpoint string, logger *zap.Logger) (*RPCProvider, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrProviderUnavailable, endpoint, err)
	}

	p := &RPCProvider{
		client:   client,
		endpoint: endpoint,
		logger:   logger.Named("provider"),
	}

	head, err := p.BlockNumber(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}

	p.logger.Info("connected to chain RPC",
		zap.String("endpoint", endpoint),
		zap.Uint64("head", head),
	)
	return p, nil
}

// BlockNumber returns the current chain head.
func (p *RPCProvider) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	if err := p.client.CallContext(ctx, &head, "starknet_blockNumber"); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return head, nil
}

// eventFilter is the starknet_getEvents request payload.
type eventFilter struct {
	FromBlock         blockID `json:"from_block"`
	ToBlock           blockID `json:"to_block"`
	Address           string  `json:"address,omitempty"`
	ChunkSize         int     `json:"chunk_size"`
	ContinuationToken string  `json:"continuation_token,omitempty"`
}

type blockID struct {
	BlockNumber uint64 `json:"block_number"`
}

// eventsPage is one starknet_getEvents response page.
type eventsPage struct {
	Events            []rawEvent `json:"events"`
	ContinuationToken string     `json:"continuation_token"`
}

// Events returns the decoded events emitted by address in the inclusive
// block range [from, to], following continuation tokens until the range is
// exhausted.
func (p *RPCProvider) Events(ctx context.Context, address string, from, to uint64) ([]types.ChainEvent, error) {
	if to < from {
		return nil, fmt.Errorf("%w: range [%d, %d]", ErrBlockRangeTooLarge, from, to)
	}

	filter := eventFilter{
		FromBlock: blockID{BlockNumber: from},
		ToBlock:   blockID{BlockNumber: to},
		Address:   address,
		ChunkSize: eventChunkSize,
	}

	var out []types.ChainEvent
	for {
		var page eventsPage
		if err := p.client.CallContext(ctx, &page, "starknet_getEvents", filter); err != nil {
			return nil, fmt.Errorf("%w: getEvents [%d, %d]: %v", ErrProviderUnavailable, from, to, err)
		}
		for _, raw := range page.Events {
			out = append(out, decodeEvent(raw))
		}
		if page.ContinuationToken == "" {
			break
		}
		filter.ContinuationToken = page.ContinuationToken
	}

	p.logger.Debug("fetched events",
		zap.String("address", address),
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("count", len(out)),
	)
	return out, nil
}

// Close releases the underlying RPC connection.
func (p *RPCProvider) Close() {
	p.client.Close()
}
