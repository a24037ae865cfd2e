package listener

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nftopia/ingest-go/pkg/types"
)

// Validator checks a chain event's structure before it is dispatched.
// A nil return means the event may proceed.
type Validator interface {
	Validate(event types.ChainEvent) error
}

// RuleValidator validates events against per-event-type required-field
// rules. Event names without a rule are allowed through with a warning so a
// contract upgrade that adds events does not silently break ingestion.
type RuleValidator struct {
	contract string
	rules    map[string][]string
	logger   *zap.Logger
}

// NewRuleValidator creates a validator for one contract's rule set.
func NewRuleValidator(contract string, rules map[string][]string, logger *zap.Logger) *RuleValidator {
	return &RuleValidator{
		contract: contract,
		rules:    rules,
		logger:   logger.Named("validator"),
	}
}

// Validate implements Validator. Shape mismatches are reported as invalid,
// never raised.
func (v *RuleValidator) Validate(event types.ChainEvent) error {
	required, known := v.rules[event.Name]
	if !known {
		v.logger.Warn("unknown event type, allowing",
			zap.String("contract", v.contract),
			zap.String("event", event.Name),
		)
		return nil
	}

	if event.Data == nil {
		return fmt.Errorf("event %s: missing data", event.Name)
	}
	for _, field := range required {
		if _, ok := event.Data[field]; !ok {
			return fmt.Errorf("event %s: missing required field %q", event.Name, field)
		}
	}
	return nil
}

// Contract rule sets. Keys are event names, values the fields an event of
// that name must carry.
var (
	nftRules = map[string][]string{
		"Transfer":       {"from", "to", "tokenId"},
		"Approval":       {"owner", "approved", "tokenId"},
		"ApprovalForAll": {"owner", "operator", "approved"},
	}

	auctionRules = map[string][]string{
		"BidPlaced":      {"bidder", "amount", "auctionId"},
		"AuctionCreated": {"creator", "auctionId", "startPrice", "duration"},
		"AuctionEnded":   {"auctionId", "winner", "winningBid"},
	}

	transactionRules = map[string][]string{
		"TransactionProcessed": {"txHash", "status"},
		"PaymentReceived":      {"from", "to", "amount", "token"},
		"RefundIssued":         {"to", "amount", "reason"},
	}
)

// ValidatorFor returns the validator for a named contract. Contracts without
// a registered rule set get an empty one, which treats every event as
// unknown-but-allowed.
func ValidatorFor(contract string, logger *zap.Logger) *RuleValidator {
	var rules map[string][]string
	switch contract {
	case "nft":
		rules = nftRules
	case "auction":
		rules = auctionRules
	case "transaction":
		rules = transactionRules
	default:
		rules = map[string][]string{}
	}
	return NewRuleValidator(contract, rules, logger)
}
