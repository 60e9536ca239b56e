package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nostr-market/internal/cache"
	"nostr-market/internal/codec"
	"nostr-market/internal/ledger"
	"nostr-market/internal/nostr"
	"nostr-market/internal/offline"
	"nostr-market/internal/relay"
	"nostr-market/internal/relay/relaytest"
	"nostr-market/internal/types"
)

type recordingLedger struct {
	mu      sync.Mutex
	records []ledger.TradeRecord
	err     error
}

func (l *recordingLedger) RecordTrade(ctx context.Context, rec ledger.TradeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.records = append(l.records, rec)
	return nil
}

func (l *recordingLedger) Close() error { return nil }

func (l *recordingLedger) recorded() []ledger.TradeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.TradeRecord(nil), l.records...)
}

func newStore(t *testing.T) *cache.MemoryCache {
	t.Helper()
	store := cache.NewMemoryCache(time.Minute)
	t.Cleanup(func() { store.Close() })
	return store
}

func testOptions(store cache.CacheBackend, relays ...*relaytest.Relay) Options {
	urls := make([]string, len(relays))
	for i, r := range relays {
		urls[i] = r.URL()
	}
	pool := relay.DefaultOptions()
	pool.Conn.Backoff = relay.Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	pool.Conn.PingInterval = 0
	pool.PublishTimeout = 500 * time.Millisecond
	return Options{
		Relays:            urls,
		Pool:              pool,
		Store:             store,
		ReputationTimeout: 3 * time.Second,
		ProfileTimeout:    3 * time.Second,
		SyncMaxAttempts:   3,
		Now:               func() time.Time { return time.Unix(1700000000, 0) },
	}
}

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.True(t, relaytest.WaitFor(3*time.Second, c.Syncer().Online), "client never came online")
	// let the drain started by the first connection finish
	c.Syncer().Wait()
	return c
}

func startRelay(t *testing.T) *relaytest.Relay {
	t.Helper()
	r := relaytest.New()
	t.Cleanup(r.Close)
	return r
}

type brokenStore struct{ cache.CacheBackend }

func (brokenStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("disk full")
}

func TestNewRequiresDurableIdentity(t *testing.T) {
	_, err := New(context.Background(), Options{Store: brokenStore{newStore(t)}})
	assert.ErrorIs(t, err, nostr.ErrIdentityStore)

	_, err = New(context.Background(), Options{})
	assert.Error(t, err)
}

func TestIdentitySurvivesRestart(t *testing.T) {
	r := startRelay(t)
	store := newStore(t)
	first := newClient(t, testOptions(store, r))
	second := newClient(t, testOptions(store, r))
	assert.Equal(t, first.Identity().PublicKey(), second.Identity().PublicKey())
}

func TestPublishServiceReachesSubscribers(t *testing.T) {
	r := startRelay(t)
	seller := newClient(t, testOptions(newStore(t), r))
	buyer := newClient(t, testOptions(newStore(t), r))

	got := make(chan types.ServiceListing, 1)
	sub, err := buyer.SubscribeListings(context.Background(), "repair", func(evt types.Event, l types.ServiceListing) {
		got <- l
	})
	require.NoError(t, err)
	defer sub.Close()
	require.True(t, relaytest.WaitFor(time.Second, func() bool { return r.ActiveSubscriptions() == 1 }))

	evt, result, err := seller.PublishService(context.Background(), types.ServiceListing{
		ID: "bike-1", Title: "Bike repair", Category: "repair", Price: 15,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{r.URL()}, result.AcceptedBy)
	assert.Equal(t, seller.Identity().PublicKey(), evt.PubKey)

	select {
	case l := <-got:
		assert.Equal(t, "Bike repair", l.Title)
		assert.Equal(t, "LETS_CREDITS", l.Currency)
	case <-time.After(3 * time.Second):
		t.Fatal("listing not delivered")
	}
}

func TestPublishFailsWhenNoRelayAccepts(t *testing.T) {
	r := startRelay(t)
	r.SetOKMode(relaytest.Reject)
	c := newClient(t, testOptions(newStore(t), r))

	_, result, err := c.PublishServiceRequest(context.Background(), types.ServiceRequest{Title: "Need a plumber"})
	assert.ErrorIs(t, err, relay.ErrNoRelayAccepted)
	assert.Contains(t, result.RejectedBy[r.URL()], "blocked")
}

func TestPublishReputationRejectsSelfRating(t *testing.T) {
	r := startRelay(t)
	c := newClient(t, testOptions(newStore(t), r))
	_, _, err := c.PublishReputation(context.Background(), types.Reputation{
		TradeID: "t1", RatedKey: c.Identity().PublicKey(), Rating: 5,
	})
	assert.ErrorIs(t, err, codec.ErrInvalid)
}

func TestSubmitTradeQueuesAndReplaysOnce(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	r.SetOKMode(relaytest.Reject)
	books := &recordingLedger{}
	opts := testOptions(newStore(t), r)
	opts.Ledger = books
	c := newClient(t, opts)
	provider, err := nostr.NewIdentityFromSecret("0000000000000000000000000000000000000000000000000000000000000003")
	require.NoError(t, err)

	res, err := c.SubmitTrade(ctx, types.TradeOffer{
		ID: "trade-7", ServiceID: "bike-1", ProviderKey: provider.PublicKey(), Amount: 15, Status: types.TradeCompleted,
	})
	require.NoError(t, err)
	require.True(t, res.Queued)
	assert.Equal(t, offline.TagTrades, res.Entry.Tag)

	// still rejected: the entry stays with one more attempt
	report, err := c.Syncer().ConnectivityRestored(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	pending, err := c.Queue().Pending(ctx, offline.TagTrades)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Empty(t, books.recorded())

	r.SetOKMode(relaytest.Accept)
	report, err = c.Syncer().ConnectivityRestored(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)
	pending, err = c.Queue().Pending(ctx, offline.TagTrades)
	require.NoError(t, err)
	assert.Empty(t, pending)

	records := books.recorded()
	require.Len(t, records, 1)
	assert.Equal(t, ledger.TradeRecord{
		TradeID: "trade-7", From: c.Identity().PublicKey(), To: provider.PublicKey(), Amount: 15,
	}, records[0])

	stored := r.Received()
	require.NotEmpty(t, stored)
	assert.Equal(t, res.Event.ID, stored[len(stored)-1].ID, "the replay carries the originally signed event")

	// nothing left to replay
	report, err = c.Syncer().ConnectivityRestored(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Replayed)
	assert.Len(t, books.recorded(), 1)
}

func TestSubmitTradeQueuesWhenLedgerIsDown(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	books := &recordingLedger{err: errors.New("broker down")}
	opts := testOptions(newStore(t), r)
	opts.Ledger = books
	c := newClient(t, opts)
	provider, err := nostr.NewIdentityFromSecret("0000000000000000000000000000000000000000000000000000000000000003")
	require.NoError(t, err)

	res, err := c.SubmitTrade(ctx, types.TradeOffer{
		ID: "trade-8", ServiceID: "s", ProviderKey: provider.PublicKey(), Amount: 3, Status: types.TradeCompleted,
	})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Len(t, r.Received(), 1)
}

func TestQueuedActionsReplayWhenRelaysConnect(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	store := newStore(t)

	// queue a message from a previous session
	identity, err := nostr.LoadOrCreateIdentity(ctx, store)
	require.NoError(t, err)
	peer, err := nostr.NewIdentityFromSecret("0000000000000000000000000000000000000000000000000000000000000005")
	require.NoError(t, err)
	evt, err := codec.New(identity).Encode(types.DirectMessage{Recipient: peer.PublicKey(), Content: "see you at the market"}, time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.NoError(t, identity.SignEvent(evt))
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	_, err = offline.NewQueue(store, 3).Enqueue(ctx, offline.TagMessages, payload)
	require.NoError(t, err)

	reports := make(chan offline.DrainReport, 1)
	opts := testOptions(store, r)
	opts.OnSync = func(rep offline.DrainReport, err error) { reports <- rep }
	newClient(t, opts)

	select {
	case rep := <-reports:
		assert.Equal(t, 1, rep.Replayed)
	case <-time.After(3 * time.Second):
		t.Fatal("connectivity did not trigger a drain")
	}
	received := r.Received()
	require.Len(t, received, 1)
	assert.Equal(t, evt.ID, received[0].ID)
}

func TestDirectMessagesAreEncryptedEndToEnd(t *testing.T) {
	r := startRelay(t)
	alice := newClient(t, testOptions(newStore(t), r))
	bob := newClient(t, testOptions(newStore(t), r))

	inbox := make(chan types.DirectMessage, 1)
	sub, err := bob.SubscribeMessages(context.Background(), func(evt types.Event, dm types.DirectMessage) {
		inbox <- dm
	})
	require.NoError(t, err)
	defer sub.Close()
	require.True(t, relaytest.WaitFor(time.Second, func() bool { return r.ActiveSubscriptions() == 1 }))

	res, err := alice.SendDirectMessage(context.Background(), bob.Identity().PublicKey(), "meet at noon")
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.NotContains(t, res.Event.Content, "meet at noon")

	select {
	case dm := <-inbox:
		assert.Equal(t, "meet at noon", dm.Content)
		assert.Equal(t, alice.Identity().PublicKey(), dm.Sender)
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestGetReputation(t *testing.T) {
	r := startRelay(t)
	subject := newClient(t, testOptions(newStore(t), r))
	key := subject.Identity().PublicKey()

	for i, stars := range []int{5, 4, 3, 5} {
		rater := newClient(t, testOptions(newStore(t), r))
		_, _, err := rater.PublishReputation(context.Background(), types.Reputation{
			ID: "r" + string(rune('a'+i)), TradeID: "t", RatedKey: key, Rating: stars,
		})
		require.NoError(t, err)
	}

	summary, err := subject.GetReputation(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Count)
	assert.InDelta(t, 4.25, summary.AverageRating, 1e-9)

	empty, err := subject.GetReputation(context.Background(), "0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Count)
	assert.Equal(t, 0.0, empty.AverageRating)
}

func TestGetProfileReturnsNewest(t *testing.T) {
	r := startRelay(t)
	opts := testOptions(newStore(t), r)
	c := newClient(t, opts)

	_, _, err := c.UpdateProfile(context.Background(), types.Profile{Name: "old"})
	require.NoError(t, err)
	c.now = func() time.Time { return time.Unix(1700000100, 0) }
	_, _, err = c.UpdateProfile(context.Background(), types.Profile{Name: "new", Skills: []string{"carpentry"}})
	require.NoError(t, err)

	profile, err := c.GetProfile(context.Background(), c.Identity().PublicKey())
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "new", profile.Name)

	missing, err := c.GetProfile(context.Background(), "0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestClientInContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	r := startRelay(t)
	c := newClient(t, testOptions(newStore(t), r))
	ctx := WithClient(context.Background(), c)
	assert.Same(t, c, FromContext(ctx))
}

func TestNewMessagesWaitBehindQueuedOnes(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	c := newClient(t, testOptions(newStore(t), r))
	peer, err := nostr.NewIdentityFromSecret("0000000000000000000000000000000000000000000000000000000000000005")
	require.NoError(t, err)

	r.SetOKMode(relaytest.Reject)
	first, err := c.SendDirectMessage(ctx, peer.PublicKey(), "message A")
	require.NoError(t, err)
	require.True(t, first.Queued)

	r.SetOKMode(relaytest.Accept)
	second, err := c.SendDirectMessage(ctx, peer.PublicKey(), "message B")
	require.NoError(t, err)
	assert.False(t, second.Queued, "B goes out once A has been replayed")

	pending, err := c.Queue().Pending(ctx, offline.TagMessages)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var accepted []string
	for _, evt := range r.Received() {
		if evt.ID == first.Event.ID || evt.ID == second.Event.ID {
			accepted = append(accepted, evt.ID)
		}
	}
	// A was rejected once, then replayed before B
	assert.Equal(t, []string{first.Event.ID, first.Event.ID, second.Event.ID}, accepted)
}

func TestNewMessagesStayQueuedWhileOlderOnesFail(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	c := newClient(t, testOptions(newStore(t), r))
	peer, err := nostr.NewIdentityFromSecret("0000000000000000000000000000000000000000000000000000000000000005")
	require.NoError(t, err)

	r.SetOKMode(relaytest.Reject)
	_, err = c.SendDirectMessage(ctx, peer.PublicKey(), "message A")
	require.NoError(t, err)

	// the relay is connected but still rejecting
	second, err := c.SendDirectMessage(ctx, peer.PublicKey(), "message B")
	require.NoError(t, err)
	require.True(t, second.Queued)

	pending, err := c.Queue().Pending(ctx, offline.TagMessages)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, second.Entry.ID, pending[1].ID)
	for _, evt := range r.Received() {
		assert.NotEqual(t, second.Event.ID, evt.ID, "B must not be sent ahead of A")
	}
}

func TestSubscribeTradesSeesOffersToProvider(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	provider := newClient(t, testOptions(newStore(t), r))
	requester := newClient(t, testOptions(newStore(t), r))

	offers := make(chan types.TradeOffer, 1)
	sub, err := provider.SubscribeTrades(ctx, func(evt types.Event, offer types.TradeOffer) {
		offers <- offer
	})
	require.NoError(t, err)
	defer sub.Close()
	require.True(t, relaytest.WaitFor(time.Second, func() bool { return r.ActiveSubscriptions() == 1 }))

	res, err := requester.SubmitTrade(ctx, types.TradeOffer{
		ID: "trade-9", ServiceID: "bike-1", ProviderKey: provider.Identity().PublicKey(), Amount: 4,
	})
	require.NoError(t, err)
	require.False(t, res.Queued)

	select {
	case offer := <-offers:
		assert.Equal(t, "trade-9", offer.ID)
		assert.Equal(t, requester.Identity().PublicKey(), offer.RequesterKey)
		assert.Equal(t, types.TradePending, offer.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("trade offer not delivered")
	}
}
