package reputation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nostr-market/internal/codec"
	"nostr-market/internal/nostr"
	"nostr-market/internal/relay"
	"nostr-market/internal/relay/relaytest"
	"nostr-market/internal/types"
)

const ratedSecret = "0000000000000000000000000000000000000000000000000000000000000003"

func reviewer(t *testing.T, n int) *nostr.Identity {
	t.Helper()
	id, err := nostr.NewIdentityFromSecret(fmt.Sprintf("%064x", 0x100+n))
	require.NoError(t, err)
	return id
}

func rating(t *testing.T, from *nostr.Identity, rated string, stars int, at int64) types.Event {
	t.Helper()
	evt, err := codec.New(nil).Encode(types.Reputation{
		ID:       fmt.Sprintf("trade-%d", at),
		TradeID:  fmt.Sprintf("trade-%d", at),
		RatedKey: rated,
		Rating:   stars,
	}, time.Unix(at, 0))
	require.NoError(t, err)
	require.NoError(t, from.SignEvent(evt))
	return *evt
}

func newPool(t *testing.T, relays ...*relaytest.Relay) *relay.Pool {
	t.Helper()
	urls := make([]string, len(relays))
	for i, r := range relays {
		urls[i] = r.URL()
	}
	opts := relay.DefaultOptions()
	opts.Conn.PingInterval = 0
	opts.Validate = nostr.ValidateEvent
	p := relay.NewPool(context.Background(), urls, opts)
	t.Cleanup(p.Close)
	return p
}

func TestAggregateAveragesAcrossRelays(t *testing.T) {
	rated, err := nostr.NewIdentityFromSecret(ratedSecret)
	require.NoError(t, err)
	key := rated.PublicKey()

	events := []types.Event{
		rating(t, reviewer(t, 1), key, 5, 1700000001),
		rating(t, reviewer(t, 2), key, 4, 1700000002),
		rating(t, reviewer(t, 3), key, 3, 1700000003),
		rating(t, reviewer(t, 4), key, 5, 1700000004),
	}
	a := relaytest.New()
	t.Cleanup(a.Close)
	b := relaytest.New()
	t.Cleanup(b.Close)
	a.Store(events[0], events[1], events[2])
	// overlap with a must not be counted twice
	b.Store(events[1], events[3])

	// a rating for someone else and an undecodable one
	b.Store(rating(t, reviewer(t, 5), reviewer(t, 6).PublicKey(), 1, 1700000005))
	junk := types.Event{CreatedAt: 1700000006, Kind: types.KindReputation, Tags: [][]string{{"p", key}}, Content: "five stars"}
	require.NoError(t, reviewer(t, 7).SignEvent(&junk))
	a.Store(junk)

	agg := New(newPool(t, a, b), codec.New(nil), 3*time.Second)
	summary, err := agg.Aggregate(context.Background(), key)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Count)
	assert.InDelta(t, 4.25, summary.AverageRating, 1e-9)
	assert.False(t, summary.Partial)
	require.Len(t, summary.Reviews, 4)
	assert.Equal(t, int64(1700000004), summary.Reviews[0].CreatedAt, "newest first")
	assert.Equal(t, reviewer(t, 4).PublicKey(), summary.Reviews[0].Reviewer)
}

func TestAggregateWithoutRatings(t *testing.T) {
	r := relaytest.New()
	t.Cleanup(r.Close)

	agg := New(newPool(t, r), codec.New(nil), 3*time.Second)
	summary, err := agg.Aggregate(context.Background(), reviewer(t, 9).PublicKey())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Count)
	assert.Equal(t, 0.0, summary.AverageRating)
	assert.Empty(t, summary.Reviews)
}

func TestAggregateTimesOutWithPartialResult(t *testing.T) {
	key := reviewer(t, 10).PublicKey()
	r := relaytest.New()
	t.Cleanup(r.Close)
	r.SetSendEOSE(false)
	r.Store(rating(t, reviewer(t, 11), key, 2, 1700000010))

	agg := New(newPool(t, r), codec.New(nil), 500*time.Millisecond)
	summary, err := agg.Aggregate(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, summary.Partial)
	assert.Equal(t, 1, summary.Count)
	assert.Equal(t, 2.0, summary.AverageRating)
}

func TestAggregateHonorsCallerCancellation(t *testing.T) {
	r := relaytest.New()
	t.Cleanup(r.Close)
	r.SetSendEOSE(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(newPool(t, r), codec.New(nil), time.Second).Aggregate(ctx, reviewer(t, 12).PublicKey())
	assert.ErrorIs(t, err, context.Canceled)
}
