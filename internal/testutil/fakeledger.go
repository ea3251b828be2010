package testutil

import (
	"context"
	"sync"

	"github.com/cocoa007/x402-nostr-relay/pkg/ledger"
)

// FakeLedger is an in-memory ledger.Client for tests.
type FakeLedger struct {
	mu  sync.Mutex
	txs map[string]*ledger.Transaction
}

// NewFakeLedger creates an empty fake ledger.
func NewFakeLedger() *FakeLedger {
	return &FakeLedger{txs: make(map[string]*ledger.Transaction)}
}

// Put registers a transaction under its hash.
func (f *FakeLedger) Put(tx *ledger.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[tx.Hash] = tx
}

// GetTransaction implements ledger.Client.
func (f *FakeLedger) GetTransaction(ctx context.Context, hash string) (*ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[hash]
	if !ok {
		return nil, ledger.ErrTxNotFound
	}
	cp := *tx
	return &cp, nil
}

// TokenTransferTx builds a successful contract invocation that emitted one
// fungible-token transfer.
func TokenTransferTx(hash, token, to, amount string) *ledger.Transaction {
	return &ledger.Transaction{
		Hash:      hash,
		Status:    ledger.StatusSuccess,
		RawStatus: "ok",
		Shape:     ledger.ShapeContractTransfer,
		Transfers: []ledger.Transfer{
			{To: to, Amount: amount, Token: token, Kind: "ERC-20"},
		},
	}
}

// DirectTransferTx builds a successful direct value transfer.
func DirectTransferTx(hash, to, amount string) *ledger.Transaction {
	return &ledger.Transaction{
		Hash:      hash,
		Status:    ledger.StatusSuccess,
		RawStatus: "ok",
		Shape:     ledger.ShapeTransfer,
		To:        to,
		Value:     amount,
	}
}
