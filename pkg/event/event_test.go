package event

import (
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		kind int
		want Class
	}{
		{0, ClassReplaceable},
		{1, ClassRegular},
		{3, ClassReplaceable},
		{4, ClassRegular},
		{9999, ClassRegular},
		{10000, ClassReplaceable},
		{19999, ClassReplaceable},
		{20000, ClassEphemeral},
		{29999, ClassEphemeral},
		{30000, ClassParamReplaceable},
		{30023, ClassParamReplaceable},
		{39999, ClassParamReplaceable},
		{40000, ClassRegular},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassOf(tt.kind), "kind %d", tt.kind)
	}
}

func TestDTag(t *testing.T) {
	evt := &Event{Tags: [][]string{{"e", "abc"}, {"d", "article-1"}, {"d", "article-2"}}}
	assert.Equal(t, "article-1", evt.DTag())

	evt = &Event{Tags: [][]string{{"e", "abc"}}}
	assert.Equal(t, "", evt.DTag())

	// a bare ["d"] tag has no value
	evt = &Event{Tags: [][]string{{"d"}}}
	assert.Equal(t, "", evt.DTag())
}

func TestRecipients(t *testing.T) {
	evt := &Event{Tags: [][]string{
		{"p", "aa11"},
		{"e", "bb22"},
		{"p", "cc33"},
	}}
	assert.Equal(t, []string{"aa11", "cc33"}, evt.Recipients())

	evt = &Event{Tags: [][]string{}}
	assert.Empty(t, evt.Recipients())
}

func TestValidate(t *testing.T) {
	valid := &Event{ID: "id1", PubKey: "pk1", Kind: 1, Sig: "sig1", Tags: [][]string{}}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		evt  Event
	}{
		{"missing id", Event{PubKey: "pk", Kind: 1, Sig: "sig"}},
		{"missing pubkey", Event{ID: "id", Kind: 1, Sig: "sig"}},
		{"missing sig", Event{ID: "id", PubKey: "pk", Kind: 1}},
		{"negative kind", Event{ID: "id", PubKey: "pk", Kind: -1, Sig: "sig"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.evt.Validate())
		})
	}
}

func TestFilterUnmarshalTags(t *testing.T) {
	data := []byte(`{"kinds":[1,2],"authors":["aa"],"#e":["ee11"],"#p":["pp11","pp22"],"limit":10}`)

	var f Filter
	require.NoError(t, json.Unmarshal(data, &f))

	assert.Equal(t, []int{1, 2}, f.Kinds)
	assert.Equal(t, []string{"aa"}, f.Authors)
	assert.Equal(t, []string{"ee11"}, f.Tags["e"])
	assert.Equal(t, []string{"pp11", "pp22"}, f.Tags["p"])
	require.NotNil(t, f.Limit)
	assert.Equal(t, 10, *f.Limit)
}

func TestFilterMarshalTags(t *testing.T) {
	f := Filter{
		Kinds: []int{1},
		Tags:  map[string][]string{"e": {"ee11"}},
	}

	data, err := json.Marshal(&f)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Contains(t, m, "#e")
	assert.Contains(t, m, "kinds")
	assert.NotContains(t, m, "Tags")
}

func TestMatches(t *testing.T) {
	evt := &Event{
		ID:        "abcdef1234567890",
		PubKey:    "pubkey1234567890",
		CreatedAt: 1000,
		Kind:      1,
		Tags:      [][]string{{"e", "refevent"}, {"p", "refpubkey"}},
		Content:   "hello",
	}

	since := int64(500)
	until := int64(1500)
	past := int64(2000)

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter matches all", Filter{}, true},
		{"exact id", Filter{IDs: []string{"abcdef1234567890"}}, true},
		{"id prefix", Filter{IDs: []string{"abcdef"}}, true},
		{"wrong id", Filter{IDs: []string{"ffff"}}, false},
		{"author prefix", Filter{Authors: []string{"pubkey"}}, true},
		{"wrong author", Filter{Authors: []string{"other"}}, false},
		{"matching kind", Filter{Kinds: []int{1, 2}}, true},
		{"wrong kind", Filter{Kinds: []int{2, 3}}, false},
		{"since inclusive", Filter{Since: &since}, true},
		{"since excludes", Filter{Since: &past}, false},
		{"until inclusive", Filter{Until: &until}, true},
		{"until excludes", Filter{Until: &since}, false},
		{"tag match", Filter{Tags: map[string][]string{"e": {"refevent"}}}, true},
		{"tag match is exact, not prefix", Filter{Tags: map[string][]string{"e": {"ref"}}}, false},
		{"tag value longer than stored", Filter{Tags: map[string][]string{"e": {"refeventextra"}}}, false},
		{"tag mismatch", Filter{Tags: map[string][]string{"e": {"other"}}}, false},
		{"tag OR within name", Filter{Tags: map[string][]string{"e": {"other", "refevent"}}}, true},
		{"unknown tag name", Filter{Tags: map[string][]string{"x": {"anything"}}}, false},
		{"all fields AND", Filter{IDs: []string{"abc"}, Kinds: []int{1}, Since: &since}, true},
		{"AND fails on one field", Filter{IDs: []string{"abc"}, Kinds: []int{2}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evt.Matches(&tt.filter))
		})
	}
}

func TestMatchesAny(t *testing.T) {
	evt := &Event{ID: "id1", PubKey: "pk1", Kind: 1, CreatedAt: 1000}

	// empty list matches nothing
	assert.False(t, evt.MatchesAny(nil))
	assert.False(t, evt.MatchesAny([]*Filter{}))

	// OR across filters
	assert.True(t, evt.MatchesAny([]*Filter{
		{Kinds: []int{5}},
		{Kinds: []int{1}},
	}))
	assert.False(t, evt.MatchesAny([]*Filter{
		{Kinds: []int{5}},
		{Kinds: []int{6}},
	}))
}

func TestSerializeAndComputeID(t *testing.T) {
	evt := &Event{
		PubKey:    "abc123",
		CreatedAt: 1234567890,
		Kind:      1,
		Tags:      [][]string{{"e", "ref"}},
		Content:   "hello world",
	}

	serialized, err := evt.Serialize()
	require.NoError(t, err)
	assert.Equal(t, `[0,"abc123",1234567890,1,[["e","ref"]],"hello world"]`, serialized)

	id, err := evt.ComputeID()
	require.NoError(t, err)
	assert.Len(t, id, 64)

	// deterministic
	id2, err := evt.ComputeID()
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	// content change moves the id
	evt.Content = "different"
	id3, err := evt.ComputeID()
	require.NoError(t, err)
	assert.NotEqual(t, id, id3)
}

func TestVerifySignature(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	ne := nostr.Event{
		CreatedAt: nostr.Timestamp(1234567890),
		Kind:      1,
		Tags:      nostr.Tags{},
		Content:   "signed content",
	}
	require.NoError(t, ne.Sign(sk))

	evt := &Event{
		ID:        ne.ID,
		PubKey:    ne.PubKey,
		CreatedAt: 1234567890,
		Kind:      1,
		Tags:      [][]string{},
		Content:   "signed content",
		Sig:       ne.Sig,
	}
	require.NoError(t, evt.VerifySignature())

	// tampered content no longer matches the id
	tampered := *evt
	tampered.Content = "tampered"
	assert.Error(t, tampered.VerifySignature())

	// valid id but a signature from a different key
	other := *evt
	other.Sig = "00" + other.Sig[2:]
	assert.Error(t, other.VerifySignature())
}

func TestGetTagValues(t *testing.T) {
	evt := &Event{Tags: [][]string{
		{"t", "nostr"},
		{"t", "relay"},
		{"e", "ref"},
		{"t"}, // malformed, skipped
	}}
	assert.Equal(t, []string{"nostr", "relay"}, evt.GetTagValues("t"))
	assert.Nil(t, evt.GetTagValues("missing"))
}
