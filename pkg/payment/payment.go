// Package payment turns a write request plus a payment-proof reference into
// an accept/reject decision. Pricing is a pure function of the event;
// verification consults the payment network's explorer API; each proof
// authorizes at most one admitted write, ever.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/cocoa007/x402-nostr-relay/pkg/event"
	"github.com/cocoa007/x402-nostr-relay/pkg/ledger"
	"github.com/cocoa007/x402-nostr-relay/pkg/storage"
)

// Config holds the pricing table and the payment rail identifiers handed to
// payers in the payment-required response.
type Config struct {
	// Network is the chain identifier payers must use, e.g. "base-sepolia".
	Network string
	// Asset is the token contract address of the accepted asset.
	Asset string
	// AssetSymbol and AssetDecimals describe the asset for humans.
	AssetSymbol   string
	AssetDecimals int
	// PayTo is the relay's receiving address.
	PayTo string
	// Prices maps event kind to its base price in the smallest payable
	// unit. Kinds not listed cost DefaultPrice.
	Prices map[int]int64
	// DefaultPrice is the base price for unlisted kinds.
	DefaultPrice int64
	// RecipientSurcharge is added once when the event names at least one
	// "p"-tag recipient, and is the amount later owed to each of them.
	RecipientSurcharge int64
	// VerifyTimeout bounds each explorer lookup.
	VerifyTimeout time.Duration
}

// DefaultConfig returns the stock price table.
func DefaultConfig() Config {
	return Config{
		Network:            "base-sepolia",
		AssetSymbol:        "USDC",
		AssetDecimals:      6,
		Prices:             map[int]int64{0: 50, 1: 10, 4: 5, 30023: 25},
		DefaultPrice:       10,
		RecipientSurcharge: 5,
		VerifyTimeout:      10 * time.Second,
	}
}

// Requirements is the structured payment-required document, modeled on the
// x402 pay-then-retry flow: it tells the payer how much to send, where, and
// on which rail, so the write can be retried with a proof.
type Requirements struct {
	Scheme        string `json:"scheme"`
	Network       string `json:"network"`
	Asset         string `json:"asset"`
	AssetSymbol   string `json:"asset_symbol"`
	AssetDecimals int    `json:"asset_decimals"`
	PayTo         string `json:"pay_to"`
	Amount        string `json:"max_amount_required"`
	Description   string `json:"description"`
}

// Result is the outcome of a write submission.
type Result struct {
	// PaymentRequired is true when no proof was supplied; Requirements is
	// set in that case. This is the expected first response of the
	// protocol, not an error.
	PaymentRequired bool
	Requirements    *Requirements

	// Accepted is true when the payment verified and the event was
	// admitted (Stored false means duplicate or stale replacement, or an
	// ephemeral event; the proof is consumed either way).
	Accepted bool
	Stored   bool
}

// RejectionError carries the structured reason a payment was refused.
// Rejections never consume the proof, so the payer may retry with a
// corrected payment.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return e.Reason
}

func rejectf(format string, args ...interface{}) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a payment rejection as opposed to an
// internal failure.
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}

// Controller is the payment admission controller.
type Controller struct {
	cfg    Config
	store  storage.Store
	ledger ledger.Client
	locks  keyedMutex
}

// NewController creates a controller. The store is where consumed proofs
// live and where validated events are admitted.
func NewController(cfg Config, store storage.Store, lc ledger.Client) *Controller {
	if cfg.Prices == nil {
		cfg.Prices = DefaultConfig().Prices
	}
	if cfg.DefaultPrice == 0 {
		cfg.DefaultPrice = DefaultConfig().DefaultPrice
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultConfig().VerifyTimeout
	}
	return &Controller{cfg: cfg, store: store, ledger: lc}
}

// Price computes the required amount for an event: the base price for its
// kind plus the recipient-forwarding surcharge when it carries a "p" tag.
// Pure and total.
func (c *Controller) Price(evt *event.Event) *big.Int {
	base, ok := c.cfg.Prices[evt.Kind]
	if !ok {
		base = c.cfg.DefaultPrice
	}
	price := big.NewInt(base)
	if len(evt.Recipients()) > 0 {
		price.Add(price, big.NewInt(c.cfg.RecipientSurcharge))
	}
	return price
}

// Requirements builds the payment-required document for an event.
func (c *Controller) Requirements(evt *event.Event) *Requirements {
	return &Requirements{
		Scheme:        "exact",
		Network:       c.cfg.Network,
		Asset:         c.cfg.Asset,
		AssetSymbol:   c.cfg.AssetSymbol,
		AssetDecimals: c.cfg.AssetDecimals,
		PayTo:         c.cfg.PayTo,
		Amount:        c.Price(evt).String(),
		Description:   fmt.Sprintf("publish kind %d event %s", evt.Kind, evt.ID),
	}
}

// Submit runs the full admission state machine for one write attempt.
// Without a proof it answers payment-required. With one it verifies the
// referenced transaction, and on success consumes the proof and admits the
// event in a single atomic store operation. A *RejectionError return means
// the payment was refused; other errors are internal.
func (c *Controller) Submit(ctx context.Context, evt *event.Event, proof string) (*Result, error) {
	proof = normalizeProof(proof)
	if proof == "" {
		return &Result{PaymentRequired: true, Requirements: c.Requirements(evt)}, nil
	}

	// Serialize the check-verify-consume sequence per proof id: two
	// concurrent submissions of the same proof must yield exactly one
	// acceptance even if both explorer lookups succeed.
	c.locks.lock(proof)
	defer c.locks.unlock(proof)

	used, err := c.store.IsProofConsumed(ctx, proof)
	if err != nil {
		return nil, fmt.Errorf("failed to check proof: %w", err)
	}
	if used {
		return nil, rejectf("payment proof %s already used", proof)
	}

	price := c.Price(evt)
	if err := c.verify(ctx, proof, price); err != nil {
		return nil, err
	}

	stored, err := c.store.SaveEventWithProof(ctx, evt, proof)
	if err != nil {
		if errors.Is(err, storage.ErrProofConsumed) {
			return nil, rejectf("payment proof %s already used", proof)
		}
		return nil, fmt.Errorf("failed to admit event: %w", err)
	}

	return &Result{Accepted: true, Stored: stored}, nil
}

// verify fetches the referenced transaction and applies the validation
// rules in order: terminal success status, recognized shape, correct
// recipient, sufficient amount.
func (c *Controller) verify(ctx context.Context, proof string, price *big.Int) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.VerifyTimeout)
	defer cancel()

	tx, err := c.ledger.GetTransaction(ctx, proof)
	if err != nil {
		if errors.Is(err, ledger.ErrTxNotFound) {
			return rejectf("transaction %s not found on %s", proof, c.cfg.Network)
		}
		// unreachable explorer: the conservative outcome is rejection
		log.Printf("ledger lookup for %s failed: %v", proof, err)
		return rejectf("payment unverifiable: %v", err)
	}

	if tx.Status != ledger.StatusSuccess {
		return rejectf("transaction %s is not successful (status: %s)", proof, tx.RawStatus)
	}

	var amount *big.Int
	switch tx.Shape {
	case ledger.ShapeTransfer:
		if !equalAddress(tx.To, c.cfg.PayTo) {
			return rejectf("transaction pays %s, relay address is %s", tx.To, c.cfg.PayTo)
		}
		amount, err = parseAmount(tx.Value)
		if err != nil {
			return rejectf("invalid transfer amount %q", tx.Value)
		}
	case ledger.ShapeContractTransfer:
		amount = new(big.Int)
		matched := false
		var wrongRecipient string
		for _, tr := range tx.Transfers {
			if c.cfg.Asset != "" && !equalAddress(tr.Token, c.cfg.Asset) {
				continue
			}
			if !equalAddress(tr.To, c.cfg.PayTo) {
				wrongRecipient = tr.To
				continue
			}
			v, err := parseAmount(tr.Amount)
			if err != nil {
				return rejectf("invalid transfer amount %q", tr.Amount)
			}
			amount.Add(amount, v)
			matched = true
		}
		if !matched {
			if wrongRecipient != "" {
				return rejectf("transaction pays %s, relay address is %s", wrongRecipient, c.cfg.PayTo)
			}
			return rejectf("transaction %s contains no qualifying %s transfer", proof, c.cfg.AssetSymbol)
		}
	default:
		return rejectf("unsupported transaction shape for %s", proof)
	}

	if amount.Cmp(price) < 0 {
		return rejectf("insufficient payment: got %s, need %s", amount.String(), price.String())
	}

	return nil
}

// normalizeProof trims and case-folds a proof token.
func normalizeProof(proof string) string {
	return strings.ToLower(strings.TrimSpace(proof))
}

// parseAmount parses a decimal string as an arbitrary-precision
// non-negative integer. No floating point anywhere near money.
func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("not a base-10 integer: %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %q", s)
	}
	return v, nil
}

func equalAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
