package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"nostr-market/internal/nostr"
	"nostr-market/internal/types"
)

// Subscription is a live, deduplicated stream of events matching one filter
// across every relay in the pool. Events are delivered on a bounded channel;
// when the consumer falls behind, new events are dropped and counted rather
// than buffered.
type Subscription struct {
	ID     string
	Filter types.Filter

	pool   *Pool
	events chan types.Event
	eose   chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	seen     *lru.Cache
	waiting  map[string]struct{}
	eoseDone bool
	closed   bool

	closeOnce sync.Once
	dropped   atomic.Int64
}

func newSubscription(p *Pool, id string, filter types.Filter, waiting []string) *Subscription {
	// lru.New only fails for a non-positive size
	seen, _ := lru.New(p.opts.DedupSize)
	sub := &Subscription{
		ID:      id,
		Filter:  filter,
		pool:    p,
		events:  make(chan types.Event, p.opts.DeliveryBuffer),
		eose:    make(chan struct{}),
		done:    make(chan struct{}),
		seen:    seen,
		waiting: make(map[string]struct{}, len(waiting)),
	}
	for _, url := range waiting {
		sub.waiting[url] = struct{}{}
	}
	sub.checkEOSE()
	return sub
}

// Events returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan types.Event {
	return s.events
}

// EOSE is closed once every relay that was expected to answer has sent its
// end-of-stored-events marker (or dropped out).
func (s *Subscription) EOSE() <-chan struct{} {
	return s.eose
}

// Done is closed when the subscription is cancelled
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many events were discarded because the consumer was slow
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close cancels the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.pool.Unsubscribe(s)
}

func (s *Subscription) deliver(relayURL string, evt types.Event) {
	if !s.Filter.Matches(&evt) {
		slog.Debug("relay sent event outside filter", "relay", relayURL, "sub", s.ID, "event_id", nostr.ShortID(evt.ID))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if found, _ := s.seen.ContainsOrAdd(evt.ID, struct{}{}); found {
		s.pool.stats.duplicates.Add(1)
		return
	}
	select {
	case s.events <- evt:
		s.pool.stats.delivered.Add(1)
	default:
		// Forget the id so a later copy from another relay can still get through
		s.seen.Remove(evt.ID)
		s.dropped.Add(1)
		s.pool.stats.dropped.Add(1)
		slog.Warn("subscription queue full, event dropped", "sub", s.ID, "event_id", nostr.ShortID(evt.ID))
	}
}

// expect adds a relay to the EOSE wait set unless EOSE already resolved
func (s *Subscription) expect(relayURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eoseDone {
		s.waiting[relayURL] = struct{}{}
	}
}

// markEOSE removes a relay from the wait set
func (s *Subscription) markEOSE(relayURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiting, relayURL)
	s.checkEOSE()
}

// checkEOSE must be called with mu held (or before the subscription is shared)
func (s *Subscription) checkEOSE() {
	if !s.eoseDone && len(s.waiting) == 0 {
		s.eoseDone = true
		close(s.eose)
	}
}

func (s *Subscription) shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.done)
		close(s.events)
		s.seen.Purge()
		s.mu.Unlock()
	})
}
