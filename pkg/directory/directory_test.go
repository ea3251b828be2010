package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFirstHitWins(t *testing.T) {
	miss := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer miss.Close()

	hit := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc123", r.URL.Query().Get("pubkey"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"address":"0xDest","asset":"USDC"}`))
	}))
	defer hit.Close()

	r := NewHTTPResolver([]string{miss.URL, hit.URL}, time.Second)

	dest, err := r.Resolve(context.Background(), "abc123")
	require.NoError(t, err)
	require.NotNil(t, dest)
	assert.Equal(t, "0xDest", dest.Address)
	assert.Equal(t, "USDC", dest.Asset)
	assert.Equal(t, hit.URL, dest.Source, "source defaults to the answering endpoint")
}

func TestResolveNoAddressFound(t *testing.T) {
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"address":""}`))
	}))
	defer empty.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer broken.Close()

	r := NewHTTPResolver([]string{empty.URL, broken.URL}, time.Second)

	dest, err := r.Resolve(context.Background(), "abc123")
	require.NoError(t, err, "lookup failures are not errors")
	assert.Nil(t, dest)
}

func TestResolveInvalidPubkey(t *testing.T) {
	r := NewHTTPResolver([]string{"http://unused.invalid"}, time.Second)

	dest, err := r.Resolve(context.Background(), "npub1notvalid")
	require.NoError(t, err)
	assert.Nil(t, dest)
}

func TestNormalizePubKey(t *testing.T) {
	hex, err := NormalizePubKey("ABCdef012345")
	require.NoError(t, err)
	assert.Equal(t, "abcdef012345", hex)

	_, err = NormalizePubKey("")
	assert.Error(t, err)

	_, err = NormalizePubKey("npub1garbage")
	assert.Error(t, err)
}

func TestNormalizePubKeyNpub(t *testing.T) {
	raw := "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	npub, err := nip19.EncodePublicKey(raw)
	require.NoError(t, err)

	hex, err := NormalizePubKey(npub)
	require.NoError(t, err)
	assert.Equal(t, raw, hex)
}
