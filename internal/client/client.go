// Package client is the marketplace client: one explicit instance that owns
// the identity, the relay pool and the offline queue. Callers that need it
// deeper in a call chain get it from the context.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"nostr-market/internal/cache"
	"nostr-market/internal/codec"
	"nostr-market/internal/ledger"
	"nostr-market/internal/nostr"
	"nostr-market/internal/offline"
	"nostr-market/internal/relay"
	"nostr-market/internal/reputation"
	"nostr-market/internal/types"
)

// Options configures a Client
type Options struct {
	Relays []string
	Pool   relay.Options
	// Store holds the identity and the sync queue. It must be durable.
	Store  cache.CacheBackend
	Ledger ledger.Ledger

	ReputationTimeout time.Duration
	ProfileTimeout    time.Duration
	SyncMaxAttempts   int
	// OnSync receives the outcome of drains started by connectivity changes
	OnSync func(offline.DrainReport, error)
	Now    func() time.Time
}

// Client publishes and reads marketplace objects
type Client struct {
	identity   *nostr.Identity
	pool       *relay.Pool
	codec      *codec.Codec
	reputation *reputation.Aggregator
	queue      *offline.Queue
	syncer     *offline.Syncer
	ledger     ledger.Ledger

	profileTimeout time.Duration
	now            func() time.Time

	profiles    singleflight.Group
	reputations singleflight.Group
}

// New loads (or creates) the identity and starts connecting to the relays.
// It fails if the identity cannot be loaded or persisted.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Store == nil {
		return nil, errors.New("client: a store is required")
	}
	identity, err := nostr.LoadOrCreateIdentity(ctx, opts.Store)
	if err != nil {
		return nil, err
	}

	c := &Client{
		identity:       identity,
		codec:          codec.New(identity),
		queue:          offline.NewQueue(opts.Store, opts.SyncMaxAttempts),
		ledger:         opts.Ledger,
		profileTimeout: opts.ProfileTimeout,
		now:            opts.Now,
	}
	if c.ledger == nil {
		c.ledger = ledger.LogLedger{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.profileTimeout <= 0 {
		c.profileTimeout = 5 * time.Second
	}
	c.syncer = offline.NewSyncer(ctx, c.queue, map[string]offline.Handler{
		offline.TagTrades:   c.replayTrade,
		offline.TagMessages: c.replayMessage,
	}, opts.OnSync)

	// Relays may connect before NewPool returns; hold their signals until
	// the pool is in place so replays can publish through it.
	ready := make(chan struct{})
	poolOpts := opts.Pool
	onConnectivity := poolOpts.OnConnectivity
	poolOpts.OnConnectivity = func(online bool) {
		<-ready
		c.syncer.SetOnline(online)
		if onConnectivity != nil {
			onConnectivity(online)
		}
	}
	c.pool = relay.NewPool(ctx, opts.Relays, poolOpts)
	c.reputation = reputation.New(c.pool, c.codec, opts.ReputationTimeout)
	close(ready)

	slog.Info("market client started", "pubkey", nostr.FormatPubkey(identity.PublicKey()), "relays", len(opts.Relays))
	return c, nil
}

// Identity returns the local identity
func (c *Client) Identity() *nostr.Identity { return c.identity }

// Pool returns the relay pool
func (c *Client) Pool() *relay.Pool { return c.pool }

// Codec returns the codec bound to the local identity
func (c *Client) Codec() *codec.Codec { return c.codec }

// Queue returns the offline sync queue
func (c *Client) Queue() *offline.Queue { return c.queue }

// Syncer returns the connectivity-driven drainer
func (c *Client) Syncer() *offline.Syncer { return c.syncer }

// Close stops the pool, waits for running drains and closes the ledger.
// The store belongs to the caller.
func (c *Client) Close() error {
	c.pool.Close()
	c.syncer.Wait()
	return c.ledger.Close()
}

// Sign encodes obj and signs it with the local identity
func (c *Client) Sign(obj types.Object) (*types.Event, error) {
	evt, err := c.codec.Encode(obj, c.now())
	if err != nil {
		return nil, err
	}
	if err := c.identity.SignEvent(evt); err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	return evt, nil
}

// Publish signs obj and sends it to every relay. It fails with
// relay.ErrNoRelayAccepted when no relay took it.
func (c *Client) Publish(ctx context.Context, obj types.Object) (*types.Event, relay.PublishResult, error) {
	evt, err := c.Sign(obj)
	if err != nil {
		return nil, relay.PublishResult{}, err
	}
	result, err := c.pool.Publish(ctx, evt)
	if err != nil {
		return evt, result, err
	}
	slog.Info("published", "kind", evt.Kind, "event_id", nostr.ShortID(evt.ID), "accepted", len(result.AcceptedBy))
	return evt, result, nil
}

// PublishService announces a service listing
func (c *Client) PublishService(ctx context.Context, listing types.ServiceListing) (*types.Event, relay.PublishResult, error) {
	return c.Publish(ctx, listing)
}

// PublishServiceRequest announces a request for a service
func (c *Client) PublishServiceRequest(ctx context.Context, req types.ServiceRequest) (*types.Event, relay.PublishResult, error) {
	return c.Publish(ctx, req)
}

// PublishTradeOffer proposes or updates a trade. The local identity is the requester.
func (c *Client) PublishTradeOffer(ctx context.Context, offer types.TradeOffer) (*types.Event, relay.PublishResult, error) {
	if offer.RequesterKey == "" {
		offer.RequesterKey = c.identity.PublicKey()
	}
	return c.Publish(ctx, offer)
}

// PublishReputation rates the counterparty of a trade
func (c *Client) PublishReputation(ctx context.Context, rep types.Reputation) (*types.Event, relay.PublishResult, error) {
	if rep.RatedKey == c.identity.PublicKey() {
		return nil, relay.PublishResult{}, fmt.Errorf("%w: cannot rate yourself", codec.ErrInvalid)
	}
	return c.Publish(ctx, rep)
}

// UpdateProfile replaces the local identity's profile
func (c *Client) UpdateProfile(ctx context.Context, profile types.Profile) (*types.Event, relay.PublishResult, error) {
	return c.Publish(ctx, profile)
}

// Subscribe opens a raw, deduplicated event stream
func (c *Client) Subscribe(ctx context.Context, filter types.Filter) (*relay.Subscription, error) {
	return c.pool.Subscribe(ctx, filter)
}

// SubscribeDecoded streams decoded objects. Events that fail to decode are
// logged and skipped; they never end the stream.
func (c *Client) SubscribeDecoded(ctx context.Context, filter types.Filter, fn func(types.Event, types.Object)) (*relay.Subscription, error) {
	return c.pool.SubscribeFunc(ctx, filter, func(evt types.Event) {
		obj, err := c.codec.Decode(&evt)
		if err != nil {
			slog.Debug("dropping undecodable event", "event_id", nostr.ShortID(evt.ID), "kind", evt.Kind, "error", err)
			return
		}
		fn(evt, obj)
	})
}

// SubscribeListings streams service listings, optionally by category. Relays
// only index single-letter tags, so the category is matched locally.
func (c *Client) SubscribeListings(ctx context.Context, category string, fn func(types.Event, types.ServiceListing)) (*relay.Subscription, error) {
	filter := types.Filter{Kinds: []int{types.KindServiceListing}, Limit: 100}
	return c.SubscribeDecoded(ctx, filter, func(evt types.Event, obj types.Object) {
		listing, ok := obj.(types.ServiceListing)
		if !ok || (category != "" && listing.Category != category) {
			return
		}
		fn(evt, listing)
	})
}

// SubscribeMessages streams direct messages addressed to the local identity
func (c *Client) SubscribeMessages(ctx context.Context, fn func(types.Event, types.DirectMessage)) (*relay.Subscription, error) {
	filter := types.Filter{
		Kinds: []int{types.KindDirectMessage},
		Tags:  map[string][]string{"p": {c.identity.PublicKey()}},
	}
	return c.SubscribeDecoded(ctx, filter, func(evt types.Event, obj types.Object) {
		if dm, ok := obj.(types.DirectMessage); ok {
			fn(evt, dm)
		}
	})
}

// SubscribeTrades streams trade offers where the local identity is the provider
func (c *Client) SubscribeTrades(ctx context.Context, fn func(types.Event, types.TradeOffer)) (*relay.Subscription, error) {
	filter := types.Filter{
		Kinds: []int{types.KindTradeOffer},
		Tags:  map[string][]string{"p": {c.identity.PublicKey()}},
	}
	return c.SubscribeDecoded(ctx, filter, func(evt types.Event, obj types.Object) {
		if offer, ok := obj.(types.TradeOffer); ok {
			fn(evt, offer)
		}
	})
}

// GetReputation aggregates the ratings of pubkey. Concurrent lookups of the
// same key share one subscription.
func (c *Client) GetReputation(ctx context.Context, pubkey string) (reputation.Summary, error) {
	v, err, _ := c.reputations.Do(pubkey, func() (interface{}, error) {
		return c.reputation.Aggregate(ctx, pubkey)
	})
	if err != nil {
		return reputation.Summary{}, err
	}
	return v.(reputation.Summary), nil
}

// GetProfile returns the newest profile of pubkey, or nil when no relay has one
func (c *Client) GetProfile(ctx context.Context, pubkey string) (*types.Profile, error) {
	v, err, _ := c.profiles.Do(pubkey, func() (interface{}, error) {
		return c.fetchProfile(ctx, pubkey)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Profile), nil
}

func (c *Client) fetchProfile(ctx context.Context, pubkey string) (*types.Profile, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.profileTimeout)
	defer cancel()

	sub, err := c.pool.Subscribe(waitCtx, types.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{types.KindProfile},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	var newest *types.Profile
	var newestAt int64
	consider := func(evt types.Event) {
		obj, err := c.codec.Decode(&evt)
		if err != nil {
			slog.Debug("skipping invalid profile", "event_id", nostr.ShortID(evt.ID), "error", err)
			return
		}
		if p, ok := obj.(types.Profile); ok && (newest == nil || evt.CreatedAt > newestAt) {
			newest, newestAt = &p, evt.CreatedAt
		}
	}

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return newest, ctx.Err()
			}
			consider(evt)
		case <-sub.EOSE():
			for {
				select {
				case evt, ok := <-sub.Events():
					if !ok {
						return newest, ctx.Err()
					}
					consider(evt)
				default:
					return newest, nil
				}
			}
		case <-waitCtx.Done():
			return newest, ctx.Err()
		}
	}
}

type contextKey struct{}

// WithClient returns a context carrying c
func WithClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the client stored by WithClient, or nil
func FromContext(ctx context.Context) *Client {
	c, _ := ctx.Value(contextKey{}).(*Client)
	return c
}
