package storage

import (
	"context"
	"errors"

	"github.com/cocoa007/x402-nostr-relay/pkg/event"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrProofConsumed = errors.New("payment proof already consumed")
)

// MaxQueryLimit caps query results when a filter carries no limit of its own,
// protecting the relay from unbounded scans.
const MaxQueryLimit = 5000

// Payout status values.
const (
	PayoutPending = "pending"
	PayoutSettled = "settled"
)

// Payout is one forwarding obligation created by an admitted event that
// named a recipient. Rows are keyed by a synthetic id; the obligation to a
// recipient is the sum of their pending rows.
type Payout struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Address   string `json:"address,omitempty"`
	Amount    string `json:"amount"`
	EventID   string `json:"event_id"`
	Status    string `json:"status"`
	TxRef     string `json:"tx_ref,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Store defines the interface for event, proof and payout storage.
// Implementations must be safe for concurrent use and must present the
// retention-class admission rules identically regardless of backend.
type Store interface {
	// SaveEvent admits an event. It returns (true, nil) when the event was
	// newly stored, or accepted as ephemeral; (false, nil) when rejected as
	// a duplicate id or a stale replacement. Retention-class conflict
	// resolution is applied atomically with respect to readers.
	SaveEvent(ctx context.Context, evt *event.Event) (bool, error)

	// SaveEventWithProof performs the same admission and additionally marks
	// the payment proof consumed, as a single atomic unit. It returns
	// ErrProofConsumed when the proof was already used.
	SaveEventWithProof(ctx context.Context, evt *event.Event, proofID string) (bool, error)

	// QueryEvents retrieves events matching the filters (OR'd together),
	// sorted by created_at descending, ties broken by reverse insertion
	// order. The first filter's limit caps the merged result; MaxQueryLimit
	// applies regardless.
	QueryEvents(ctx context.Context, filters []*event.Filter) ([]*event.Event, error)

	// CountEvents returns the count of events matching the filters.
	CountEvents(ctx context.Context, filters []*event.Filter) (int, error)

	// Size returns the number of currently stored (non-ephemeral) events.
	Size(ctx context.Context) (int, error)

	// IsProofConsumed reports whether a payment proof has authorized a
	// write before. Consumption is monotonic.
	IsProofConsumed(ctx context.Context, proofID string) (bool, error)

	// MarkProofConsumed records a payment proof as used.
	MarkProofConsumed(ctx context.Context, proofID string) error

	// RecordPayout appends a payout row. Bookkeeping only.
	RecordPayout(ctx context.Context, p *Payout) error

	// ListPayouts returns payout rows, newest first. An empty status
	// returns all rows.
	ListPayouts(ctx context.Context, status string) ([]*Payout, error)

	// SettlePayout marks the payout rows created by an event as settled,
	// recording the forwarding transaction reference.
	SettlePayout(ctx context.Context, eventID, txRef string) error

	// SetPayoutAddress fills in the resolved destination address on the
	// pending payout rows of a recipient.
	SetPayoutAddress(ctx context.Context, recipient, address string) error

	// Persistent reports whether the backend survives process restarts.
	// The in-memory fallback answers false; callers must not be able to
	// distinguish backends any other way.
	Persistent() bool

	// Close closes the storage connection.
	Close() error
}

// PendingByRecipient aggregates pending payout rows into per-recipient
// totals. Amounts are decimal strings of the smallest payable unit.
func PendingByRecipient(payouts []*Payout) map[string][]*Payout {
	byRecipient := make(map[string][]*Payout)
	for _, p := range payouts {
		if p.Status != PayoutPending {
			continue
		}
		byRecipient[p.Recipient] = append(byRecipient[p.Recipient], p)
	}
	return byRecipient
}
