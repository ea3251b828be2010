package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event represents a Nostr event as defined in NIP-01
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Class is the retention class of an event, determined solely by its kind.
type Class int

const (
	ClassRegular Class = iota
	ClassReplaceable
	ClassParamReplaceable
	ClassEphemeral
)

// ClassOf returns the retention class for a kind.
// Replaceable: 0, 3 and 10000-19999. Ephemeral: 20000-29999.
// Parameterized replaceable: 30000-39999. Everything else is regular.
func ClassOf(kind int) Class {
	switch {
	case kind == 0 || kind == 3:
		return ClassReplaceable
	case kind >= 10000 && kind < 20000:
		return ClassReplaceable
	case kind >= 20000 && kind < 30000:
		return ClassEphemeral
	case kind >= 30000 && kind < 40000:
		return ClassParamReplaceable
	default:
		return ClassRegular
	}
}

// Class returns the retention class of the event.
func (e *Event) Class() Class {
	return ClassOf(e.Kind)
}

// DTag returns the parameterization key for parameterized-replaceable events:
// the second element of the first "d" tag, or "" when absent.
func (e *Event) DTag() string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// Recipients returns the values of all "p" tags, the payment recipients
// named by the event.
func (e *Event) Recipients() []string {
	return e.GetTagValues("p")
}

// Filter represents a subscription filter as defined in NIP-01
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Tags    map[string][]string
	Since   *int64 `json:"since,omitempty"`
	Until   *int64 `json:"until,omitempty"`
	Limit   *int   `json:"limit,omitempty"`
}

// UnmarshalJSON implements a custom unmarshaler for Filter so that
// "#<name>" keys land in the Tags map.
func (f *Filter) UnmarshalJSON(data []byte) error {
	type Alias Filter
	aux := &struct {
		*Alias
	}{Alias: (*Alias)(f)}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	if f.Tags == nil {
		f.Tags = make(map[string][]string)
	}

	for key, value := range m {
		if len(key) > 1 && key[0] == '#' {
			tagName := key[1:]
			var tagValues []string
			if err := json.Unmarshal(value, &tagValues); err != nil {
				return fmt.Errorf("invalid tag value for %s: %w", key, err)
			}
			f.Tags[tagName] = tagValues
		}
	}

	return nil
}

// MarshalJSON emits "#<name>" keys for the Tags map alongside the
// standard fields.
func (f *Filter) MarshalJSON() ([]byte, error) {
	type Alias Filter
	base, err := json.Marshal((*Alias)(f))
	if err != nil {
		return nil, err
	}

	if len(f.Tags) == 0 {
		return base, nil
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for name, values := range f.Tags {
		raw, err := json.Marshal(values)
		if err != nil {
			return nil, err
		}
		m["#"+name] = raw
	}
	return json.Marshal(m)
}

// Validate checks the required fields. The id is treated as an opaque unique
// string and the signature as an opaque required field; cryptographic
// verification is optional and lives in VerifySignature.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("missing id")
	}
	if e.PubKey == "" {
		return fmt.Errorf("missing pubkey")
	}
	if e.Sig == "" {
		return fmt.Errorf("missing signature")
	}
	if e.Kind < 0 {
		return fmt.Errorf("invalid kind")
	}
	return nil
}

// ComputeID computes the event ID according to NIP-01
func (e *Event) ComputeID() (string, error) {
	serialized, err := e.Serialize()
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256([]byte(serialized))
	return hex.EncodeToString(hash[:]), nil
}

// Serialize creates the canonical serialization for ID computation
func (e *Event) Serialize() (string, error) {
	// NIP-01 format: [0,<pubkey>,<created_at>,<kind>,<tags>,<content>]
	data := []interface{}{
		0,
		e.PubKey,
		e.CreatedAt,
		e.Kind,
		e.Tags,
		e.Content,
	}

	serialized, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to serialize event: %w", err)
	}

	return string(serialized), nil
}

// VerifySignature verifies the Schnorr signature and that the id matches the
// canonical hash. Only called when the relay is configured to verify writes.
func (e *Event) VerifySignature() error {
	computedID, err := e.ComputeID()
	if err != nil {
		return fmt.Errorf("failed to compute ID: %w", err)
	}
	if e.ID != computedID {
		return fmt.Errorf("ID does not match computed hash")
	}

	// 32-byte x-only pubkey (BIP-340)
	pubKeyBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if len(pubKeyBytes) != 32 {
		return fmt.Errorf("pubkey must be 32 bytes")
	}

	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("invalid pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sigBytes) != 64 {
		return fmt.Errorf("signature must be 64 bytes")
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("invalid ID hex: %w", err)
	}

	if !sig.Verify(idBytes, pubKey) {
		return fmt.Errorf("signature verification failed")
	}

	return nil
}

// Matches checks if the event matches the given filter. A filter with no
// fields set matches everything; all present fields are ANDed together.
func (e *Event) Matches(f *Filter) bool {
	if len(f.IDs) > 0 {
		match := false
		for _, id := range f.IDs {
			if matchesPrefix(e.ID, id) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if len(f.Authors) > 0 {
		match := false
		for _, author := range f.Authors {
			if matchesPrefix(e.PubKey, author) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if len(f.Kinds) > 0 {
		match := false
		for _, kind := range f.Kinds {
			if e.Kind == kind {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}

	for tagName, filterValues := range f.Tags {
		found := false
		for _, filterValue := range filterValues {
			if e.hasTag(tagName, filterValue) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// MatchesAny is the OR of Matches over the filter list. An empty list
// matches nothing.
func (e *Event) MatchesAny(filters []*Filter) bool {
	for _, f := range filters {
		if e.Matches(f) {
			return true
		}
	}
	return false
}

// hasTag checks if the event has a tag with the given name and value.
// Tag values match exactly; prefix matching applies only to ids and authors.
func (e *Event) hasTag(name, value string) bool {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name && tag[1] == value {
			return true
		}
	}
	return false
}

// matchesPrefix checks if target starts with prefix (supports prefix matching)
func matchesPrefix(target, prefix string) bool {
	if len(prefix) > len(target) {
		return false
	}
	return target[:len(prefix)] == prefix
}

// GetTagValues returns all values for a given tag name
func (e *Event) GetTagValues(tagName string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == tagName {
			values = append(values, tag[1])
		}
	}
	return values
}
