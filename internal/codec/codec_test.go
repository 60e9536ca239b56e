package codec

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nostr-market/internal/nostr"
	"nostr-market/internal/types"
)

const (
	aliceSecret = "edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85"
	bobSecret   = "0000000000000000000000000000000000000000000000000000000000000003"
)

var created = time.Unix(1700000000, 0)

func identity(t *testing.T, secret string) *nostr.Identity {
	t.Helper()
	id, err := nostr.NewIdentityFromSecret(secret)
	require.NoError(t, err)
	return id
}

func TestEncodeListing(t *testing.T) {
	c := New(nil)
	listing := types.ServiceListing{
		ID:          "garden-1",
		Title:       "Garden help",
		Description: "Weeding & planting <weekends>",
		Category:    "gardening",
		Price:       12.5,
		Tags:        []string{"outdoor", "plants"},
	}

	evt, err := c.Encode(listing, created)
	require.NoError(t, err)

	assert.Equal(t, types.KindServiceListing, evt.Kind)
	assert.Equal(t, int64(1700000000), evt.CreatedAt)
	assert.Equal(t, [][]string{
		{"d", "garden-1"},
		{"title", "Garden help"},
		{"category", "gardening"},
		{"price", "12.5"},
		{"currency", "LETS_CREDITS"},
		{"t", "outdoor"},
		{"t", "plants"},
	}, evt.Tags)
	assert.Equal(t,
		`{"title":"Garden help","description":"Weeding & planting <weekends>","category":"gardening","price":12.5,"currency":"LETS_CREDITS","location":"global","tags":["outdoor","plants"],"contact_method":"nostr_dm"}`,
		evt.Content)
}

func TestEncodeIsDeterministic(t *testing.T) {
	c := New(nil)
	alice := identity(t, aliceSecret)
	offer := types.TradeOffer{
		ServiceID:    "garden-1",
		ProviderKey:  identity(t, bobSecret).PublicKey(),
		RequesterKey: alice.PublicKey(),
		Amount:       10,
		Terms:        "two hours",
	}

	a, err := c.Encode(offer, created)
	require.NoError(t, err)
	b, err := c.Encode(offer, created)
	require.NoError(t, err)
	require.NoError(t, alice.SignEvent(a))
	require.NoError(t, alice.SignEvent(b))

	ca, err := nostr.SerializeEvent(a)
	require.NoError(t, err)
	cb, err := nostr.SerializeEvent(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "1700000000000", a.TagValue("d"), "d tag falls back to the creation time")
	assert.Equal(t, "pending", a.TagValue("status"))
}

func TestDecodeRoundTripsEveryKind(t *testing.T) {
	alice := identity(t, aliceSecret)
	bob := identity(t, bobSecret)
	c := New(nil)
	rep := 4.5

	objects := []types.Object{
		types.ServiceListing{ID: "l1", Title: "Bike repair", Category: "repair", Price: 20, Currency: "LETS_CREDITS", Location: "Lisbon", Tags: []string{"bike"}, ContactMethod: "nostr_dm"},
		types.ServiceRequest{ID: "r1", Title: "Need a plumber", Category: "home", Budget: 40, Currency: "LETS_CREDITS", Deadline: "2026-11-01", Location: "global"},
		types.TradeOffer{ID: "t1", ServiceID: "l1", ProviderKey: bob.PublicKey(), RequesterKey: alice.PublicKey(), Amount: 20, Terms: "cash on delivery", Escrow: true, Status: types.TradeAccepted},
		types.Reputation{ID: "rep1", TradeID: "t1", RatedKey: bob.PublicKey(), Rating: 5, Review: "great", TradeAmount: 20},
		types.Profile{Name: "alice", About: "gardener", Skills: []string{"weeding"}, Location: "Porto", LetsReputation: &rep},
		types.DirectMessage{Sender: alice.PublicKey(), Recipient: bob.PublicKey(), Content: "hi bob"},
		types.Note{Content: "market day #lets", Hashtags: []string{"lets"}},
	}

	for _, obj := range objects {
		evt, err := c.Encode(obj, created)
		require.NoError(t, err, "%T", obj)
		require.NoError(t, alice.SignEvent(evt))

		got, err := c.Decode(evt)
		require.NoError(t, err, "%T", obj)
		assert.Equal(t, obj, got)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := New(nil).Decode(&types.Event{Kind: 7, Content: "+"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeRejectsSchemaMismatch(t *testing.T) {
	bob := identity(t, bobSecret).PublicKey()
	cases := map[string]types.Event{
		"not json":      {Kind: types.KindServiceListing, Content: "garden help"},
		"wrong type":    {Kind: types.KindServiceListing, Content: `{"title":"x","price":"cheap"}`},
		"missing title": {Kind: types.KindServiceListing, Content: `{"price":1}`},
		"rating out of range": {
			Kind:    types.KindReputation,
			Tags:    [][]string{{"p", bob}},
			Content: `{"trade_id":"t1","rated_pubkey":"` + bob + `","rating":9}`,
		},
		"fractional rating": {
			Kind:    types.KindReputation,
			Tags:    [][]string{{"p", bob}},
			Content: `{"trade_id":"t1","rated_pubkey":"` + bob + `","rating":4.5}`,
		},
		"tag disagrees with content": {
			Kind:    types.KindReputation,
			Tags:    [][]string{{"p", strings.Repeat("a", 64)}},
			Content: `{"trade_id":"t1","rated_pubkey":"` + bob + `","rating":3}`,
		},
		"unknown trade status": {
			Kind:    types.KindTradeOffer,
			Tags:    [][]string{{"p", bob}},
			Content: `{"service_id":"s","provider_pubkey":"` + bob + `","amount":1,"status":"haggling"}`,
		},
	}

	c := New(nil)
	for name, evt := range cases {
		t.Run(name, func(t *testing.T) {
			evt.ID = "deadbeefdeadbeef"
			_, err := c.Decode(&evt)
			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr), "got %v", err)
			assert.Equal(t, evt.Kind, decodeErr.Kind)
			assert.Equal(t, "deadbeefdeadbeef", decodeErr.EventID)
		})
	}
}

func TestEncodeValidates(t *testing.T) {
	c := New(nil)
	_, err := c.Encode(types.Reputation{TradeID: "t", RatedKey: identity(t, bobSecret).PublicKey(), Rating: 0}, created)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = c.Encode(types.TradeOffer{ServiceID: "s", ProviderKey: "npub-not-hex"}, created)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDirectMessagesAreEncryptedWithCipher(t *testing.T) {
	alice := identity(t, aliceSecret)
	bob := identity(t, bobSecret)

	evt, err := New(alice).Encode(types.DirectMessage{Recipient: bob.PublicKey(), Content: "secret plan"}, created)
	require.NoError(t, err)
	require.NoError(t, alice.SignEvent(evt))
	assert.NotContains(t, evt.Content, "secret plan")
	assert.Equal(t, bob.PublicKey(), evt.TagValue("p"))

	// recipient reads it
	obj, err := New(bob).Decode(evt)
	require.NoError(t, err)
	assert.Equal(t, "secret plan", obj.(types.DirectMessage).Content)

	// so does the sender
	obj, err = New(alice).Decode(evt)
	require.NoError(t, err)
	assert.Equal(t, "secret plan", obj.(types.DirectMessage).Content)

	// a bystander cannot read it and is told so
	carol := identity(t, "0000000000000000000000000000000000000000000000000000000000000005")
	_, err = New(carol).Decode(evt)
	assert.ErrorIs(t, err, ErrNotParticipant)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, evt.ID, decodeErr.EventID)

	// without a cipher the content is passed through as is
	obj, err = New(nil).Decode(evt)
	require.NoError(t, err)
	assert.Equal(t, evt.Content, obj.(types.DirectMessage).Content)
}
