package chain

import (
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/nftopia/ingest-go/pkg/types"
)

// eventFields maps known event names to their field order on the wire:
// indexed fields first (event keys after the selector), then data fields.
var eventFields = map[string][]string{
	"Transfer":             {"from", "to", "tokenId"},
	"Approval":             {"owner", "approved", "tokenId"},
	"ApprovalForAll":       {"owner", "operator", "approved"},
	"BidPlaced":            {"bidder", "amount", "auctionId"},
	"AuctionCreated":       {"creator", "auctionId", "startPrice", "duration"},
	"AuctionEnded":         {"auctionId", "winner", "winningBid"},
	"TransactionProcessed": {"txHash", "status"},
	"PaymentReceived":      {"from", "to", "amount", "token"},
	"RefundIssued":         {"to", "amount", "reason"},
}

// selectorIndex maps normalized event selectors to event names, built once
// from eventFields.
var selectorIndex = buildSelectorIndex()

func buildSelectorIndex() map[string]string {
	idx := make(map[string]string, len(eventFields))
	for name := range eventFields {
		idx[eventSelector(name)] = name
	}
	return idx
}

// eventSelector computes the Starknet event selector for a name: the keccak
// hash of the name truncated to 250 bits, as normalized hex.
func eventSelector(name string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(name))
	sum := h.Sum(nil)
	sum[0] &= 0x03
	return normalizeFelt(hex.EncodeToString(sum))
}

// normalizeFelt canonicalizes a field element's hex form so selectors from
// different sources compare equal: lowercase, no 0x prefix, no leading
// zeros.
func normalizeFelt(felt string) string {
	felt = strings.ToLower(strings.TrimPrefix(felt, "0x"))
	felt = strings.TrimLeft(felt, "0")
	if felt == "" {
		return "0"
	}
	return felt
}

// rawEvent is one emitted event as returned by starknet_getEvents.
type rawEvent struct {
	FromAddress     string   `json:"from_address"`
	Keys            []string `json:"keys"`
	Data            []string `json:"data"`
	BlockNumber     uint64   `json:"block_number"`
	TransactionHash string   `json:"transaction_hash"`
}

// decodeEvent turns a raw event into a ChainEvent. Known selectors get their
// fields named positionally; unknown ones pass through with the selector as
// the name and positional keys, leaving the drop decision to the validator.
func decodeEvent(raw rawEvent) types.ChainEvent {
	event := types.ChainEvent{
		Data:        make(map[string]string),
		BlockNumber: raw.BlockNumber,
		TxHash:      raw.TransactionHash,
	}

	if len(raw.Keys) == 0 {
		event.Name = "unknown"
		for i, v := range raw.Data {
			event.Data["data"+strconv.Itoa(i)] = v
		}
		return event
	}

	selector := normalizeFelt(raw.Keys[0])
	name, known := selectorIndex[selector]
	if !known {
		event.Name = raw.Keys[0]
		values := append(raw.Keys[1:], raw.Data...)
		for i, v := range values {
			event.Data["data"+strconv.Itoa(i)] = v
		}
		return event
	}

	event.Name = name
	fields := eventFields[name]
	values := make([]string, 0, len(raw.Keys)-1+len(raw.Data))
	values = append(values, raw.Keys[1:]...)
	values = append(values, raw.Data...)
	for i, field := range fields {
		if i >= len(values) {
			break
		}
		event.Data[field] = values[i]
	}
	return event
}

