// Package ledger looks up transactions on the payment network's public
// explorer API. Only lookup by hash is consumed; the relay is not a chain
// client.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrTxNotFound covers missing transactions, non-200 explorer responses and
// malformed payloads alike: all of them mean the payment cannot be verified.
var ErrTxNotFound = errors.New("transaction not found")

// Status is the terminal state a transaction reports.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// Shape is a closed discriminator over the recognized transaction shapes.
// Anything the relay does not recognize is ShapeUnsupported and is rejected
// by default during verification.
type Shape int

const (
	ShapeUnsupported Shape = iota
	// ShapeTransfer is a direct value transfer to a recipient.
	ShapeTransfer
	// ShapeContractTransfer is a contract invocation whose emitted events
	// include at least one fungible-token transfer.
	ShapeContractTransfer
)

// Transfer is one fungible-token transfer emitted by a transaction.
type Transfer struct {
	To     string
	Amount string // decimal string in the token's smallest unit
	Token  string // token contract address
	Kind   string // e.g. "ERC-20"
}

// Transaction is the structured record returned by a lookup.
type Transaction struct {
	Hash      string
	Status    Status
	RawStatus string // literal status string, surfaced in rejections
	Shape     Shape
	To        string // direct-transfer recipient
	Value     string // direct-transfer amount, decimal string
	Transfers []Transfer
}

// Client looks up one transaction by its opaque identifier.
type Client interface {
	GetTransaction(ctx context.Context, hash string) (*Transaction, error)
}

// HTTPClient talks to a Blockscout-compatible explorer API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates an explorer client. Every lookup is bounded by the
// given timeout so an unresponsive explorer can never hang admission.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// explorer API payload, Blockscout v2 shape
type txResponse struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
	To     *struct {
		Hash string `json:"hash"`
	} `json:"to"`
	Value          string `json:"value"`
	TokenTransfers []struct {
		To *struct {
			Hash string `json:"hash"`
		} `json:"to"`
		Total *struct {
			Value string `json:"value"`
		} `json:"total"`
		Token *struct {
			Address string `json:"address"`
			Type    string `json:"type"`
		} `json:"token"`
		Type string `json:"type"`
	} `json:"token_transfers"`
}

// GetTransaction fetches a transaction by hash. Non-200 responses and
// malformed payloads return ErrTxNotFound rather than failing the caller.
func (c *HTTPClient) GetTransaction(ctx context.Context, hash string) (*Transaction, error) {
	url := fmt.Sprintf("%s/api/v2/transactions/%s", c.baseURL, hash)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("explorer lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, ErrTxNotFound
	}

	var payload txResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, ErrTxNotFound
	}

	return fromResponse(&payload), nil
}

func fromResponse(p *txResponse) *Transaction {
	tx := &Transaction{
		Hash:      p.Hash,
		Status:    mapStatus(p.Status),
		RawStatus: p.Status,
	}

	for _, tt := range p.TokenTransfers {
		if tt.To == nil || tt.Total == nil || tt.Token == nil {
			continue
		}
		tx.Transfers = append(tx.Transfers, Transfer{
			To:     tt.To.Hash,
			Amount: tt.Total.Value,
			Token:  tt.Token.Address,
			Kind:   tt.Token.Type,
		})
	}

	switch {
	case len(tx.Transfers) > 0:
		tx.Shape = ShapeContractTransfer
	case p.To != nil && p.Value != "" && p.Value != "0":
		tx.Shape = ShapeTransfer
		tx.To = p.To.Hash
		tx.Value = p.Value
	default:
		tx.Shape = ShapeUnsupported
	}

	return tx
}

func mapStatus(raw string) Status {
	switch strings.ToLower(raw) {
	case "ok", "success", "1":
		return StatusSuccess
	case "", "pending", "null":
		return StatusPending
	default:
		return StatusFailed
	}
}
