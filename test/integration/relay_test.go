package integration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cocoa007/x402-nostr-relay/internal/store/memory"
	"github.com/cocoa007/x402-nostr-relay/internal/testutil"
	"github.com/cocoa007/x402-nostr-relay/pkg/event"
	"github.com/cocoa007/x402-nostr-relay/pkg/payment"
	"github.com/cocoa007/x402-nostr-relay/pkg/relay"
	"github.com/cocoa007/x402-nostr-relay/pkg/storage"
)

const (
	relayAddress = "0xRelayAddress00000000000000000000000000001"
	usdcContract = "0xUSDCContract00000000000000000000000000002"

	waitTimeout = 2 * time.Second
)

type testRelay struct {
	srv    *httptest.Server
	store  storage.Store
	ledger *testutil.FakeLedger
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()

	store := memory.New()
	lc := testutil.NewFakeLedger()

	cfg := payment.DefaultConfig()
	cfg.Asset = usdcContract
	cfg.PayTo = relayAddress
	cfg.VerifyTimeout = time.Second

	payments := payment.NewController(cfg, store, lc)
	r := relay.New(store, payments, relay.Options{
		RecipientSurcharge: cfg.RecipientSurcharge,
	})

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		r.Close()
	})

	return &testRelay{srv: srv, store: store, ledger: lc}
}

func (tr *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(tr.srv.URL, "http") + "/"
}

type publishResponse struct {
	Status       string                `json:"status"`
	ID           string                `json:"id"`
	Stored       *bool                 `json:"stored"`
	Reason       string                `json:"reason"`
	Forwarding   string                `json:"forwarding"`
	Requirements *payment.Requirements `json:"requirements"`
}

func (tr *testRelay) publish(t *testing.T, evt *event.Event, proof string) (int, *publishResponse) {
	t.Helper()

	body, err := json.Marshal(evt)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, tr.srv.URL+"/publish", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if proof != "" {
		req.Header.Set("X-Payment-Proof", proof)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out publishResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, &out
}

func TestPublishPaymentFlow(t *testing.T) {
	tr := newTestRelay(t)
	evt, _ := testutil.MustNewTestEvent(1, "hello", nil)

	// first attempt without a proof: payment required, with the full
	// requirements document
	status, resp := tr.publish(t, evt, "")
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, "payment_required", resp.Status)
	require.NotNil(t, resp.Requirements)
	assert.Equal(t, "exact", resp.Requirements.Scheme)
	assert.Equal(t, "10", resp.Requirements.Amount)
	assert.Equal(t, relayAddress, resp.Requirements.PayTo)

	// pay and retry
	tr.ledger.Put(testutil.TokenTransferTx("0xproofa", usdcContract, relayAddress, "10"))
	status, resp = tr.publish(t, evt, "0xproofa")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "accepted", resp.Status)
	require.NotNil(t, resp.Stored)
	assert.True(t, *resp.Stored)

	// same event again with a fresh proof: accepted but not stored, and
	// the fresh proof is burned anyway
	tr.ledger.Put(testutil.TokenTransferTx("0xproofb", usdcContract, relayAddress, "10"))
	status, resp = tr.publish(t, evt, "0xproofb")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "accepted", resp.Status)
	require.NotNil(t, resp.Stored)
	assert.False(t, *resp.Stored)

	other, _ := testutil.MustNewTestEvent(1, "another", nil)
	status, resp = tr.publish(t, other, "0xproofb")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "rejected", resp.Status)
	assert.Contains(t, resp.Reason, "already used")
}

func TestPublishRejectsUnderpayment(t *testing.T) {
	tr := newTestRelay(t)
	evt, _ := testutil.MustNewTestEvent(1, "hello", nil)

	tr.ledger.Put(testutil.TokenTransferTx("0xcheap", usdcContract, relayAddress, "9"))

	status, resp := tr.publish(t, evt, "0xcheap")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "rejected", resp.Status)
	assert.Contains(t, resp.Reason, "insufficient payment")

	// the underpaid proof is not burned
	tr.ledger.Put(testutil.TokenTransferTx("0xfull", usdcContract, relayAddress, "10"))
	status, _ = tr.publish(t, evt, "0xfull")
	assert.Equal(t, http.StatusOK, status)
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	tr := newTestRelay(t)

	// missing signature
	evt := &event.Event{ID: "id1", PubKey: "pk1", Kind: 1, Tags: [][]string{}}
	status, resp := tr.publish(t, evt, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "rejected", resp.Status)
	assert.Contains(t, resp.Reason, "invalid event")
}

func TestSubscribeSnapshotAndLive(t *testing.T) {
	tr := newTestRelay(t)

	// one stored event before the subscription
	stored, _ := testutil.MustNewTestEvent(1, "stored note", nil)
	tr.ledger.Put(testutil.TokenTransferTx("0xstored", usdcContract, relayAddress, "10"))
	status, _ := tr.publish(t, stored, "0xstored")
	require.Equal(t, http.StatusOK, status)

	ws, err := testutil.NewWSClient(tr.wsURL())
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SendReq("sub1", &event.Filter{Kinds: []int{1}}))

	snapshot, err := ws.CollectEvents("sub1", waitTimeout)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, stored.ID, snapshot[0].ID)

	// a write admitted after EOSE is delivered live
	live, _ := testutil.MustNewTestEvent(1, "live note", nil)
	tr.ledger.Put(testutil.TokenTransferTx("0xlive", usdcContract, relayAddress, "10"))
	status, _ = tr.publish(t, live, "0xlive")
	require.Equal(t, http.StatusOK, status)

	got, err := ws.ExpectEvent("sub1", waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, live.ID, got.ID)
	assert.Equal(t, "live note", got.Content)
}

func TestSubscribeFilterExcludesNonMatching(t *testing.T) {
	tr := newTestRelay(t)

	ws, err := testutil.NewWSClient(tr.wsURL())
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SendReq("sub1", &event.Filter{Kinds: []int{7}}))
	require.NoError(t, ws.ExpectEOSE("sub1", waitTimeout))

	// kind 1 does not match the kind-7 subscription
	evt, _ := testutil.MustNewTestEvent(1, "unrelated", nil)
	tr.ledger.Put(testutil.TokenTransferTx("0xunrelated", usdcContract, relayAddress, "10"))
	status, _ := tr.publish(t, evt, "0xunrelated")
	require.Equal(t, http.StatusOK, status)

	_, err = ws.ExpectEvent("sub1", 300*time.Millisecond)
	assert.Error(t, err, "no delivery for a non-matching event")
}

func TestSubscribeNegativeLimit(t *testing.T) {
	tr := newTestRelay(t)

	evt, _ := testutil.MustNewTestEvent(1, "survives", nil)
	tr.ledger.Put(testutil.TokenTransferTx("0xneg", usdcContract, relayAddress, "10"))
	status, _ := tr.publish(t, evt, "0xneg")
	require.Equal(t, http.StatusOK, status)

	ws, err := testutil.NewWSClient(tr.wsURL())
	require.NoError(t, err)
	defer ws.Close()

	// a hostile limit straight off the wire must not take the relay down
	negative := -1
	require.NoError(t, ws.SendReq("sub1", &event.Filter{Kinds: []int{1}, Limit: &negative}))

	snapshot, err := ws.CollectEvents("sub1", waitTimeout)
	require.NoError(t, err)
	assert.Len(t, snapshot, 1)

	// the relay is still serving
	resp, err := http.Get(tr.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCloseStopsDelivery(t *testing.T) {
	tr := newTestRelay(t)

	ws, err := testutil.NewWSClient(tr.wsURL())
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SendReq("sub1", &event.Filter{Kinds: []int{1}}))
	require.NoError(t, ws.ExpectEOSE("sub1", waitTimeout))
	require.NoError(t, ws.SendClose("sub1"))

	// give the relay a moment to process the CLOSE
	time.Sleep(100 * time.Millisecond)

	evt, _ := testutil.MustNewTestEvent(1, "after close", nil)
	tr.ledger.Put(testutil.TokenTransferTx("0xafterclose", usdcContract, relayAddress, "10"))
	status, _ := tr.publish(t, evt, "0xafterclose")
	require.Equal(t, http.StatusOK, status)

	_, err = ws.ExpectEvent("sub1", 300*time.Millisecond)
	assert.Error(t, err, "closed subscriptions receive nothing")
}

func TestSocketWritesRefused(t *testing.T) {
	tr := newTestRelay(t)

	ws, err := testutil.NewWSClient(tr.wsURL())
	require.NoError(t, err)
	defer ws.Close()

	evt, _ := testutil.MustNewTestEvent(1, "over the socket", nil)
	require.NoError(t, ws.SendEvent(evt))

	accepted, message, err := ws.ExpectOK(evt.ID, waitTimeout)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Contains(t, message, "payment-required")

	// and nothing was stored
	size, err := tr.store.Size(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestCountEvents(t *testing.T) {
	tr := newTestRelay(t)

	for _, proof := range []string{"0xcount1", "0xcount2"} {
		evt, _ := testutil.MustNewTestEvent(1, "note", [][]string{{"t", "counted"}})
		tr.ledger.Put(testutil.TokenTransferTx(proof, usdcContract, relayAddress, "10"))
		status, _ := tr.publish(t, evt, proof)
		require.Equal(t, http.StatusOK, status)
	}

	ws, err := testutil.NewWSClient(tr.wsURL())
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SendCount("count1", &event.Filter{Kinds: []int{1}}))
	count, err := ws.ExpectCount("count1", waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPayoutFlow(t *testing.T) {
	tr := newTestRelay(t)

	recipient := testutil.MustGenerateKeyPair()
	evt, _ := testutil.MustNewTestEvent(1, "paid mention", [][]string{{"p", recipient.PubKeyHex}})

	// 10 base + 5 surcharge
	tr.ledger.Put(testutil.TokenTransferTx("0xmention", usdcContract, relayAddress, "15"))
	status, resp := tr.publish(t, evt, "0xmention")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, storage.PayoutPending, resp.Forwarding)

	// the surcharge is booked as a pending payout for the recipient
	httpResp, err := http.Get(tr.srv.URL + "/payouts?status=pending")
	require.NoError(t, err)
	defer httpResp.Body.Close()
	require.Equal(t, http.StatusOK, httpResp.StatusCode)

	var payouts []*storage.Payout
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&payouts))
	require.Len(t, payouts, 1)
	assert.Equal(t, recipient.PubKeyHex, payouts[0].Recipient)
	assert.Equal(t, "5", payouts[0].Amount)
	assert.Equal(t, evt.ID, payouts[0].EventID)

	// the grouped view keys obligations by recipient
	groupedResp, err := http.Get(tr.srv.URL + "/payouts?group=recipient")
	require.NoError(t, err)
	defer groupedResp.Body.Close()
	require.Equal(t, http.StatusOK, groupedResp.StatusCode)

	var grouped map[string][]*storage.Payout
	require.NoError(t, json.NewDecoder(groupedResp.Body).Decode(&grouped))
	require.Len(t, grouped[recipient.PubKeyHex], 1)
	assert.Equal(t, "5", grouped[recipient.PubKeyHex][0].Amount)

	// settle and verify the transition
	settleBody, _ := json.Marshal(map[string]string{"event_id": evt.ID, "tx_ref": "0xsettlement"})
	settleResp, err := http.Post(tr.srv.URL+"/payouts/settle", "application/json", bytes.NewReader(settleBody))
	require.NoError(t, err)
	settleResp.Body.Close()
	assert.Equal(t, http.StatusOK, settleResp.StatusCode)

	settled, err := tr.store.ListPayouts(t.Context(), storage.PayoutSettled)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, "0xsettlement", settled[0].TxRef)
}

func TestSettleUnknownPayout(t *testing.T) {
	tr := newTestRelay(t)

	body, _ := json.Marshal(map[string]string{"event_id": "nope", "tx_ref": "0xtx"})
	resp, err := http.Post(tr.srv.URL+"/payouts/settle", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRelayInfoDocument(t *testing.T) {
	tr := newTestRelay(t)

	req, err := http.NewRequest(http.MethodGet, tr.srv.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/nostr+json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/nostr+json", resp.Header.Get("Content-Type"))

	var info map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, relay.Version, info["version"])
	assert.Contains(t, info, "supported_nips")
}

func TestHealthz(t *testing.T) {
	tr := newTestRelay(t)

	resp, err := http.Get(tr.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["persistent"])
}

func TestEphemeralEventBroadcastOnly(t *testing.T) {
	tr := newTestRelay(t)

	ws, err := testutil.NewWSClient(tr.wsURL())
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SendReq("sub1", &event.Filter{Kinds: []int{20001}}))
	require.NoError(t, ws.ExpectEOSE("sub1", waitTimeout))

	evt, _ := testutil.MustNewTestEvent(20001, "fleeting", nil)
	tr.ledger.Put(testutil.TokenTransferTx("0xeph", usdcContract, relayAddress, "10"))
	status, resp := tr.publish(t, evt, "0xeph")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, resp.Stored)
	assert.True(t, *resp.Stored)

	got, err := ws.ExpectEvent("sub1", waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, got.ID)

	// but a later snapshot is empty
	ws2, err := testutil.NewWSClient(tr.wsURL())
	require.NoError(t, err)
	defer ws2.Close()

	require.NoError(t, ws2.SendReq("sub2", &event.Filter{Kinds: []int{20001}}))
	snapshot, err := ws2.CollectEvents("sub2", waitTimeout)
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}
