package testutil

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/cocoa007/x402-nostr-relay/pkg/event"
)

// KeyPair holds a hex-encoded nostr keypair for tests.
type KeyPair struct {
	PrivateKey string
	PubKeyHex  string
}

// GenerateKeyPair generates a new keypair for testing
func GenerateKeyPair() (*KeyPair, error) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("failed to derive pubkey: %w", err)
	}
	return &KeyPair{PrivateKey: sk, PubKeyHex: pk}, nil
}

// MustGenerateKeyPair generates a keypair or panics (for test convenience)
func MustGenerateKeyPair() *KeyPair {
	kp, err := GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	return kp
}

// SignEvent fills pubkey, id and signature on the event.
func (kp *KeyPair) SignEvent(evt *event.Event) error {
	ne := nostr.Event{
		PubKey:    kp.PubKeyHex,
		CreatedAt: nostr.Timestamp(evt.CreatedAt),
		Kind:      evt.Kind,
		Content:   evt.Content,
		Tags:      make(nostr.Tags, 0, len(evt.Tags)),
	}
	for _, tag := range evt.Tags {
		ne.Tags = append(ne.Tags, nostr.Tag(tag))
	}

	if err := ne.Sign(kp.PrivateKey); err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}

	evt.PubKey = ne.PubKey
	evt.ID = ne.ID
	evt.Sig = ne.Sig
	return nil
}

// NewTestEvent creates a signed test event with a fresh keypair.
func NewTestEvent(kind int, content string, tags [][]string) (*event.Event, *KeyPair, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	evt, err := NewTestEventAt(kp, kind, content, tags, 1234567890)
	if err != nil {
		return nil, nil, err
	}
	return evt, kp, nil
}

// NewTestEventAt creates a signed test event with an existing keypair and
// an explicit created_at, for replacement and ordering tests.
func NewTestEventAt(kp *KeyPair, kind int, content string, tags [][]string, createdAt int64) (*event.Event, error) {
	evt := &event.Event{
		Kind:      kind,
		Content:   content,
		Tags:      tags,
		CreatedAt: createdAt,
	}
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	if err := kp.SignEvent(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// MustNewTestEvent creates a test event or panics (for test convenience)
func MustNewTestEvent(kind int, content string, tags [][]string) (*event.Event, *KeyPair) {
	evt, kp, err := NewTestEvent(kind, content, tags)
	if err != nil {
		panic(err)
	}
	return evt, kp
}

// MustNewTestEventAt creates a test event at a timestamp or panics.
func MustNewTestEventAt(kp *KeyPair, kind int, content string, tags [][]string, createdAt int64) *event.Event {
	evt, err := NewTestEventAt(kp, kind, content, tags, createdAt)
	if err != nil {
		panic(err)
	}
	return evt
}
