package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cocoa007/x402-nostr-relay/pkg/event"
	"github.com/cocoa007/x402-nostr-relay/pkg/storage"
)

// Store is the in-memory implementation of storage.Store. It is the
// availability fallback used when no durable database is configured: the
// observable behavior is identical to the SQLite backend, but nothing
// survives a restart. Construct one instance at startup and inject it;
// there is no package-level state.
type Store struct {
	mu       sync.RWMutex
	events   map[string]*storedEvent
	keys     map[string]string // replacement key -> event id
	consumed map[string]int64  // proof id -> consumed_at
	payouts  []*storage.Payout
	seq      int64
}

type storedEvent struct {
	evt *event.Event
	seq int64
}

// Ensure Store implements storage.Store
var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		events:   make(map[string]*storedEvent),
		keys:     make(map[string]string),
		consumed: make(map[string]int64),
	}
}

// replaceKey returns the conflict-resolution key for replaceable and
// parameterized-replaceable events, or "" for the other classes.
func replaceKey(evt *event.Event) string {
	switch evt.Class() {
	case event.ClassReplaceable:
		return "r/" + evt.PubKey + "/" + itoa(evt.Kind)
	case event.ClassParamReplaceable:
		return "p/" + evt.PubKey + "/" + itoa(evt.Kind) + "/" + evt.DTag()
	default:
		return ""
	}
}

func itoa(n int) string {
	// small positive kinds only; avoids importing strconv in the hot path
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// SaveEvent admits an event under the retention-class rules.
func (s *Store) SaveEvent(ctx context.Context, evt *event.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admitLocked(evt), nil
}

// SaveEventWithProof marks the proof consumed and admits the event inside
// one critical section, so a proof can never be consumed without its
// admission outcome being applied.
func (s *Store) SaveEventWithProof(ctx context.Context, evt *event.Event, proofID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, used := s.consumed[proofID]; used {
		return false, storage.ErrProofConsumed
	}
	stored := s.admitLocked(evt)
	s.consumed[proofID] = time.Now().Unix()
	return stored, nil
}

func (s *Store) admitLocked(evt *event.Event) bool {
	if evt.Class() == event.ClassEphemeral {
		// accepted for broadcast, never persisted
		return true
	}

	if _, exists := s.events[evt.ID]; exists {
		return false
	}

	if key := replaceKey(evt); key != "" {
		if oldID, ok := s.keys[key]; ok {
			old := s.events[oldID]
			if old != nil && old.evt.CreatedAt >= evt.CreatedAt {
				// stale replacement, existing row wins
				return false
			}
			delete(s.events, oldID)
		}
		s.keys[key] = evt.ID
	}

	s.seq++
	s.events[evt.ID] = &storedEvent{evt: evt, seq: s.seq}
	return true
}

// QueryEvents retrieves events matching the filters
func (s *Store) QueryEvents(ctx context.Context, filters []*event.Filter) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*storedEvent
	seen := make(map[string]bool)

	for _, filter := range filters {
		for _, se := range s.events {
			if seen[se.evt.ID] {
				continue
			}
			if se.evt.Matches(filter) {
				results = append(results, se)
				seen[se.evt.ID] = true
			}
		}
	}

	// newest first; equal timestamps break by reverse insertion order
	sort.Slice(results, func(i, j int) bool {
		if results[i].evt.CreatedAt != results[j].evt.CreatedAt {
			return results[i].evt.CreatedAt > results[j].evt.CreatedAt
		}
		return results[i].seq > results[j].seq
	})

	limit := storage.MaxQueryLimit
	if len(filters) > 0 && filters[0].Limit != nil {
		// negative limits from the wire are treated as unset
		if l := *filters[0].Limit; l >= 0 && l < limit {
			limit = l
		}
	}
	if len(results) > limit {
		results = results[:limit]
	}

	events := make([]*event.Event, len(results))
	for i, se := range results {
		events[i] = se.evt
	}
	return events, nil
}

// CountEvents returns the count of events matching the filters
func (s *Store) CountEvents(ctx context.Context, filters []*event.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, filter := range filters {
		for _, se := range s.events {
			if !seen[se.evt.ID] && se.evt.Matches(filter) {
				seen[se.evt.ID] = true
			}
		}
	}
	return len(seen), nil
}

// Size returns the number of currently stored events
func (s *Store) Size(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

// IsProofConsumed reports whether a payment proof has been used
func (s *Store) IsProofConsumed(ctx context.Context, proofID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, used := s.consumed[proofID]
	return used, nil
}

// MarkProofConsumed records a payment proof as used
func (s *Store) MarkProofConsumed(ctx context.Context, proofID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, used := s.consumed[proofID]; !used {
		s.consumed[proofID] = time.Now().Unix()
	}
	return nil
}

// RecordPayout appends a payout row
func (s *Store) RecordPayout(ctx context.Context, p *storage.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	if cp.Status == "" {
		cp.Status = storage.PayoutPending
	}
	if cp.CreatedAt == 0 {
		cp.CreatedAt = time.Now().Unix()
	}
	s.payouts = append(s.payouts, &cp)
	return nil
}

// ListPayouts returns payout rows, newest first
func (s *Store) ListPayouts(ctx context.Context, status string) ([]*storage.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Payout
	for i := len(s.payouts) - 1; i >= 0; i-- {
		p := s.payouts[i]
		if status != "" && p.Status != status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// SettlePayout marks the payout rows created by an event as settled
func (s *Store) SettlePayout(ctx context.Context, eventID, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, p := range s.payouts {
		if p.EventID == eventID && p.Status == storage.PayoutPending {
			p.Status = storage.PayoutSettled
			p.TxRef = txRef
			found = true
		}
	}
	if !found {
		return storage.ErrNotFound
	}
	return nil
}

// SetPayoutAddress fills the destination on a recipient's pending rows
func (s *Store) SetPayoutAddress(ctx context.Context, recipient, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payouts {
		if p.Recipient == recipient && p.Status == storage.PayoutPending && p.Address == "" {
			p.Address = address
		}
	}
	return nil
}

// Persistent reports that this backend loses data on restart
func (s *Store) Persistent() bool {
	return false
}

// Close is a no-op for the in-memory store
func (s *Store) Close() error {
	return nil
}
