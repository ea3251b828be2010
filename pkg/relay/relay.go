package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/cocoa007/x402-nostr-relay/pkg/directory"
	"github.com/cocoa007/x402-nostr-relay/pkg/event"
	"github.com/cocoa007/x402-nostr-relay/pkg/metrics"
	"github.com/cocoa007/x402-nostr-relay/pkg/payment"
	"github.com/cocoa007/x402-nostr-relay/pkg/protocol"
	"github.com/cocoa007/x402-nostr-relay/pkg/ratelimit"
	"github.com/cocoa007/x402-nostr-relay/pkg/storage"
)

// Version of the relay
const Version = "0.3.0"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Options configures optional relay collaborators.
type Options struct {
	// Resolver fills payout destinations; nil leaves payouts claimable
	// with an empty address.
	Resolver directory.Resolver
	// ResolveTimeout bounds each directory lookup.
	ResolveTimeout time.Duration
	// Limiter throttles the write path per client address.
	Limiter *ratelimit.PerIP
	// VerifySignatures enables schnorr verification of incoming events.
	VerifySignatures bool
	// MaxEventSize caps the publish request body in bytes.
	MaxEventSize int
	// RecipientSurcharge is the per-recipient payout amount in the
	// smallest payable unit.
	RecipientSurcharge int64
}

// Relay is the main orchestrator: it owns the subscription fanout, the
// payment-gated write path and the payout bookkeeping.
type Relay struct {
	store     storage.Store
	payments  *payment.Controller
	opts      Options
	met       *metrics.Metrics
	router    *mux.Router
	server    *http.Server
	clients   map[*protocol.Client]bool
	clientsMu sync.RWMutex
	version   string
}

// New creates a new relay instance
func New(store storage.Store, payments *payment.Controller, opts Options) *Relay {
	if opts.MaxEventSize <= 0 {
		opts.MaxEventSize = 100000
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 5 * time.Second
	}

	r := &Relay{
		store:    store,
		payments: payments,
		opts:     opts,
		met:      metrics.New(),
		clients:  make(map[*protocol.Client]bool),
		version:  Version,
	}

	router := mux.NewRouter()
	router.HandleFunc("/", r.handleRoot).Methods(http.MethodGet)
	router.HandleFunc("/publish", r.handlePublish).Methods(http.MethodPost)
	router.HandleFunc("/payouts", r.handleListPayouts).Methods(http.MethodGet)
	router.HandleFunc("/payouts/settle", r.handleSettlePayout).Methods(http.MethodPost)
	router.HandleFunc("/healthz", r.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", r.met.Handler()).Methods(http.MethodGet)
	r.router = router

	return r
}

// ServeHTTP dispatches to the relay's routes
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}

// handleRoot upgrades to WebSocket for subscribers, or serves the relay
// information document when asked for application/nostr+json.
func (r *Relay) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("Accept") == "application/nostr+json" {
		info := map[string]interface{}{
			"name":           "x402 Nostr Relay",
			"description":    "Reads are free; writes require an on-chain micropayment via POST /publish.",
			"software":       "https://github.com/cocoa007/x402-nostr-relay",
			"version":        r.version,
			"supported_nips": []int{1, 11, 45},
			"payments_url":   "/publish",
		}
		w.Header().Set("Content-Type", "application/nostr+json")
		json.NewEncoder(w).Encode(info)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := protocol.NewClient(conn, r)

	r.clientsMu.Lock()
	r.clients[client] = true
	r.clientsMu.Unlock()

	defer func() {
		r.clientsMu.Lock()
		delete(r.clients, client)
		r.clientsMu.Unlock()
		client.Close()
	}()

	client.Start(req.Context())
}

// publishResponse is the JSON body of write-admission results.
type publishResponse struct {
	Status       string                `json:"status"`
	ID           string                `json:"id,omitempty"`
	Stored       *bool                 `json:"stored,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	Forwarding   string                `json:"forwarding,omitempty"`
	Requirements *payment.Requirements `json:"requirements,omitempty"`
}

// handlePublish is the payment-gated write-admission entry point.
func (r *Relay) handlePublish(w http.ResponseWriter, req *http.Request) {
	if r.opts.Limiter != nil && !r.opts.Limiter.Allow(req.RemoteAddr) {
		writeJSON(w, http.StatusTooManyRequests, publishResponse{Status: "rejected", Reason: "rate limit exceeded"})
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, int64(r.opts.MaxEventSize))

	var evt event.Event
	if err := json.NewDecoder(req.Body).Decode(&evt); err != nil {
		writeJSON(w, http.StatusBadRequest, publishResponse{Status: "rejected", Reason: fmt.Sprintf("invalid event: %v", err)})
		return
	}
	if err := evt.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, publishResponse{Status: "rejected", Reason: fmt.Sprintf("invalid event: %v", err)})
		return
	}
	if r.opts.VerifySignatures {
		if err := evt.VerifySignature(); err != nil {
			writeJSON(w, http.StatusBadRequest, publishResponse{Status: "rejected", Reason: fmt.Sprintf("invalid event: %v", err)})
			return
		}
	}

	proof := req.Header.Get("X-Payment-Proof")
	if proof == "" {
		proof = req.URL.Query().Get("proof")
	}

	res, err := r.payments.Submit(req.Context(), &evt, proof)
	if err != nil {
		if payment.IsRejection(err) {
			r.met.PaymentsRejected.Inc()
			writeJSON(w, http.StatusBadRequest, publishResponse{Status: "rejected", ID: evt.ID, Reason: err.Error()})
			return
		}
		log.Printf("publish failed for %s: %v", evt.ID, err)
		writeJSON(w, http.StatusInternalServerError, publishResponse{Status: "rejected", ID: evt.ID, Reason: "internal error"})
		return
	}

	if res.PaymentRequired {
		r.met.PaymentsRequired.Inc()
		writeJSON(w, http.StatusPaymentRequired, publishResponse{
			Status:       "payment_required",
			ID:           evt.ID,
			Requirements: res.Requirements,
		})
		return
	}

	r.met.PaymentsVerified.Inc()
	resp := publishResponse{Status: "accepted", ID: evt.ID, Stored: &res.Stored}

	if res.Stored {
		r.met.EventsAdmitted.Inc()
		if recipients := evt.Recipients(); len(recipients) > 0 {
			r.recordPayouts(req.Context(), &evt, recipients)
			resp.Forwarding = storage.PayoutPending
		}
		r.broadcastEvent(&evt)
	} else {
		r.met.EventsRejected.Inc()
	}

	writeJSON(w, http.StatusOK, resp)
}

// recordPayouts books one pending payout per recipient and resolves their
// destinations in the background, off the admission path.
func (r *Relay) recordPayouts(ctx context.Context, evt *event.Event, recipients []string) {
	amount := strconv.FormatInt(r.opts.RecipientSurcharge, 10)
	for _, recipient := range recipients {
		p := &storage.Payout{
			Recipient: recipient,
			Amount:    amount,
			EventID:   evt.ID,
		}
		if err := r.store.RecordPayout(ctx, p); err != nil {
			log.Printf("Failed to record payout for %s: %v", recipient, err)
			continue
		}
		if r.opts.Resolver != nil {
			go r.resolvePayoutAddress(recipient)
		}
	}
}

func (r *Relay) resolvePayoutAddress(recipient string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ResolveTimeout)
	defer cancel()

	dest, err := r.opts.Resolver.Resolve(ctx, recipient)
	if err != nil || dest == nil {
		// no address found; the payout stays claimable
		return
	}
	if err := r.store.SetPayoutAddress(ctx, recipient, dest.Address); err != nil {
		log.Printf("Failed to set payout address for %s: %v", recipient, err)
	}
}

// handleListPayouts returns payout rows, optionally filtered by status.
func (r *Relay) handleListPayouts(w http.ResponseWriter, req *http.Request) {
	status := req.URL.Query().Get("status")
	if status != "" && status != storage.PayoutPending && status != storage.PayoutSettled {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status must be pending or settled"})
		return
	}

	payouts, err := r.store.ListPayouts(req.Context(), status)
	if err != nil {
		log.Printf("Failed to list payouts: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if payouts == nil {
		payouts = []*storage.Payout{}
	}

	// ?group=recipient answers the forwarder's question directly: who is
	// owed what. Only pending rows represent an obligation, so grouping
	// filters to those.
	if req.URL.Query().Get("group") == "recipient" {
		writeJSON(w, http.StatusOK, storage.PendingByRecipient(payouts))
		return
	}
	writeJSON(w, http.StatusOK, payouts)
}

// handleSettlePayout records that an external forwarder settled the payout
// rows of an event.
func (r *Relay) handleSettlePayout(w http.ResponseWriter, req *http.Request) {
	var body struct {
		EventID string `json:"event_id"`
		TxRef   string `json:"tx_ref"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.EventID == "" || body.TxRef == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "event_id and tx_ref are required"})
		return
	}

	if err := r.store.SettlePayout(req.Context(), body.EventID, body.TxRef); err != nil {
		if err == storage.ErrNotFound {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pending payouts for event"})
			return
		}
		log.Printf("Failed to settle payout for %s: %v", body.EventID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": storage.PayoutSettled})
}

func (r *Relay) handleHealthz(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"persistent": r.store.Persistent(),
	})
}

// HandleEvent refuses writes over the subscription transport: this is a
// deliberate protocol-level refusal, the gated HTTP path is the only way in.
func (r *Relay) HandleEvent(ctx context.Context, c *protocol.Client, evt *event.Event) error {
	c.SendOK(evt.ID, false, "payment-required: submit events via POST /publish with a payment proof")
	return nil
}

// HandleReq answers a subscription with the stored snapshot followed by EOSE.
func (r *Relay) HandleReq(ctx context.Context, c *protocol.Client, subID string, filters []*event.Filter) error {
	events, err := r.store.QueryEvents(ctx, filters)
	if err != nil {
		return fmt.Errorf("failed to query events: %w", err)
	}

	for _, evt := range events {
		if err := c.SendEvent(subID, evt); err != nil {
			log.Printf("Failed to send stored event to client: %v", err)
			break
		}
	}

	if err := c.SendEOSE(subID); err != nil {
		log.Printf("Failed to send EOSE to client: %v", err)
	}

	log.Printf("Sent %d stored events for subscription %s", len(events), subID)
	return nil
}

// HandleClose processes a CLOSE message from a client
func (r *Relay) HandleClose(ctx context.Context, c *protocol.Client, subID string) error {
	c.RemoveSubscription(subID)
	return nil
}

// HandleCount answers a COUNT request
func (r *Relay) HandleCount(ctx context.Context, c *protocol.Client, countID string, filters []*event.Filter) error {
	count, err := r.store.CountEvents(ctx, filters)
	if err != nil {
		return fmt.Errorf("failed to count events: %w", err)
	}
	return c.SendCount(countID, count)
}

// broadcastEvent pushes an admitted event to every subscription whose
// filters match. Called only after a successful store admission, so no
// subscriber can observe an event the store did not retain. Delivery is
// at-most-once per (connection, subscription); slow consumers are skipped.
func (r *Relay) broadcastEvent(evt *event.Event) {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()

	for client := range r.clients {
		for subID, filters := range client.GetSubscriptions() {
			if evt.MatchesAny(filters) {
				if client.TrySendEvent(subID, evt) {
					r.met.Broadcasts.Inc()
				}
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Start starts the relay HTTP server and blocks until it stops.
func (r *Relay) Start(addr string) error {
	r.server = &http.Server{
		Addr:              addr,
		Handler:           r.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("Relay starting on %s", addr)
	return r.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (r *Relay) Shutdown(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}

// Close shuts down the relay and its storage
func (r *Relay) Close() error {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()

	for client := range r.clients {
		client.Close()
	}

	return r.store.Close()
}
