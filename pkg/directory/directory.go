// Package directory resolves a recipient's payment address through
// third-party directory services. Lookups are best effort: they are bounded
// by a timeout and every failure is treated as "no address found", so they
// can never block or fail event admission.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// Destination is a payment destination descriptor for a recipient.
type Destination struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Source  string `json:"source"`
}

// Resolver resolves zero-or-one payment destinations for a recipient
// identity. A nil Destination with a nil error means "no address found".
type Resolver interface {
	Resolve(ctx context.Context, pubkey string) (*Destination, error)
}

// HTTPResolver queries a list of directory endpoints in order and returns
// the first hit.
type HTTPResolver struct {
	endpoints []string
	client    *http.Client
}

// NewHTTPResolver creates a resolver over the given directory base URLs.
func NewHTTPResolver(endpoints []string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPResolver{
		endpoints: endpoints,
		client:    &http.Client{Timeout: timeout},
	}
}

// Resolve looks up a recipient. The pubkey may be hex or bech32 ("npub...").
func (r *HTTPResolver) Resolve(ctx context.Context, pubkey string) (*Destination, error) {
	hex, err := NormalizePubKey(pubkey)
	if err != nil {
		return nil, nil
	}

	for _, endpoint := range r.endpoints {
		dest := r.lookup(ctx, endpoint, hex)
		if dest != nil {
			return dest, nil
		}
		if ctx.Err() != nil {
			return nil, nil
		}
	}
	return nil, nil
}

func (r *HTTPResolver) lookup(ctx context.Context, endpoint, pubkey string) *Destination {
	u := fmt.Sprintf("%s?pubkey=%s", strings.TrimRight(endpoint, "/"), url.QueryEscape(pubkey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}

	var dest Destination
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&dest); err != nil {
		return nil
	}
	if dest.Address == "" {
		return nil
	}
	if dest.Source == "" {
		dest.Source = endpoint
	}
	return &dest
}

// NormalizePubKey accepts a hex pubkey or an npub and returns the hex form.
func NormalizePubKey(pubkey string) (string, error) {
	pubkey = strings.TrimSpace(pubkey)
	if strings.HasPrefix(pubkey, "npub") {
		prefix, value, err := nip19.Decode(pubkey)
		if err != nil {
			return "", fmt.Errorf("invalid npub: %w", err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("unexpected bech32 prefix %q", prefix)
		}
		hex, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("unexpected npub payload")
		}
		return hex, nil
	}
	if pubkey == "" {
		return "", fmt.Errorf("empty pubkey")
	}
	return strings.ToLower(pubkey), nil
}
