package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"nostr-market/internal/nostr"
	"nostr-market/internal/types"
)

var (
	ErrNoRelayAccepted = errors.New("no relay accepted the event")
	ErrPoolClosed      = errors.New("relay pool closed")
	ErrRelayBlocked    = errors.New("relay URL blocked: unsafe destination")
)

// Options configures a Pool
type Options struct {
	Conn           ConnOptions
	PublishTimeout time.Duration
	DedupSize      int
	DeliveryBuffer int
	// Validate rejects events before they reach any subscription.
	// Defaults to nostr.ValidateEvent.
	Validate func(*types.Event) error
	// OnConnectivity is called when the pool goes from no connected relay
	// to at least one (true) and back (false).
	OnConnectivity func(online bool)
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{
		Conn:           DefaultConnOptions(),
		PublishTimeout: 5 * time.Second,
		DedupSize:      4096,
		DeliveryBuffer: 256,
	}
}

// PublishResult reports which relays acknowledged a publish. Relays that
// refused, timed out or were unreachable are in RejectedBy with a reason.
type PublishResult struct {
	AcceptedBy []string
	RejectedBy map[string]string
}

// Stats are pool-wide counters
type Stats struct {
	Delivered  int64
	Duplicates int64
	Invalid    int64
	Dropped    int64
	Accepted   int64
	Rejected   int64
}

type poolStats struct {
	delivered  atomic.Int64
	duplicates atomic.Int64
	invalid    atomic.Int64
	dropped    atomic.Int64
	accepted   atomic.Int64
	rejected   atomic.Int64
}

type okReply struct {
	accepted bool
	message  string
}

type relayEntry struct {
	conn   *Conn
	state  types.RelayState
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool owns one Conn per relay. Subscriptions span every relay and survive
// individual reconnects: a relay that (re)connects is sent every active filter.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options

	mu        sync.RWMutex
	relays    map[string]*relayEntry
	subs      map[string]*Subscription
	connected int
	closed    bool

	pendingMu sync.Mutex
	pending   map[string]map[string]chan okReply // event id -> relay -> reply

	stats poolStats
}

// NewPool connects to every URL in the background and returns immediately.
// Invalid or unsafe URLs are skipped with a warning.
func NewPool(ctx context.Context, urls []string, opts Options) *Pool {
	defaults := DefaultOptions()
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaults.PublishTimeout
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = defaults.DedupSize
	}
	if opts.DeliveryBuffer <= 0 {
		opts.DeliveryBuffer = defaults.DeliveryBuffer
	}
	if opts.Validate == nil {
		opts.Validate = nostr.ValidateEvent
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		ctx:     ctx,
		cancel:  cancel,
		opts:    opts,
		relays:  make(map[string]*relayEntry),
		subs:    make(map[string]*Subscription),
		pending: make(map[string]map[string]chan okReply),
	}
	for _, url := range urls {
		if err := p.AddRelay(url); err != nil {
			slog.Warn("skipping relay", "relay", url, "error", err)
		}
	}
	return p
}

// AddRelay starts a connection to url. Adding a relay already in the pool is a no-op.
func (p *Pool) AddRelay(rawURL string) error {
	url, err := NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	if !safeDestination(url) {
		return ErrRelayBlocked
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if _, ok := p.relays[url]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(p.ctx)
	entry := &relayEntry{
		conn:   NewConn(url, p, p.opts.Conn),
		state:  types.RelayDisconnected,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.relays[url] = entry
	for _, sub := range p.subs {
		sub.expect(url)
	}

	go func() {
		defer close(entry.done)
		entry.conn.Run(ctx)
	}()
	return nil
}

// RemoveRelay closes the connection to url and forgets it
func (p *Pool) RemoveRelay(rawURL string) {
	url, err := NormalizeURL(rawURL)
	if err != nil {
		return
	}
	p.mu.Lock()
	entry, ok := p.relays[url]
	before := p.connected > 0
	if ok {
		delete(p.relays, url)
		if entry.state == types.RelayConnected {
			p.connected--
		}
	}
	after := p.connected > 0
	subs := p.subscriptionsLocked()
	p.mu.Unlock()
	if !ok {
		return
	}

	entry.cancel()
	<-entry.done
	for _, sub := range subs {
		sub.markEOSE(url)
	}
	p.failPending(url, "relay removed")
	if before != after {
		p.notifyConnectivity(after)
	}
}

// Statuses returns a snapshot of every relay, sorted by URL
func (p *Pool) Statuses() []types.RelayStatus {
	p.mu.RLock()
	statuses := make([]types.RelayStatus, 0, len(p.relays))
	for _, entry := range p.relays {
		statuses = append(statuses, entry.conn.Status())
	}
	p.mu.RUnlock()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].URL < statuses[j].URL })
	return statuses
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Delivered:  p.stats.delivered.Load(),
		Duplicates: p.stats.duplicates.Load(),
		Invalid:    p.stats.invalid.Load(),
		Dropped:    p.stats.dropped.Load(),
		Accepted:   p.stats.accepted.Load(),
		Rejected:   p.stats.rejected.Load(),
	}
}

// Online reports whether at least one relay is connected
func (p *Pool) Online() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected > 0
}

// Publish sends evt to every relay concurrently and waits, per relay, up to
// PublishTimeout for an OK. It succeeds if at least one relay accepted.
func (p *Pool) Publish(ctx context.Context, evt *types.Event) (PublishResult, error) {
	result := PublishResult{RejectedBy: make(map[string]string)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return result, ErrPoolClosed
	}
	conns := make([]*Conn, 0, len(p.relays))
	for _, entry := range p.relays {
		conns = append(conns, entry.conn)
	}
	p.mu.RUnlock()

	var resultMu sync.Mutex
	record := func(url string, accepted bool, reason string) {
		resultMu.Lock()
		defer resultMu.Unlock()
		if accepted {
			result.AcceptedBy = append(result.AcceptedBy, url)
			p.stats.accepted.Add(1)
		} else {
			result.RejectedBy[url] = reason
			p.stats.rejected.Add(1)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range conns {
		g.Go(func() error {
			url := conn.URL()
			reply := p.expectOK(evt.ID, url)
			defer p.forgetOK(evt.ID, url)

			if err := conn.Send([]interface{}{"EVENT", evt}); err != nil {
				record(url, false, err.Error())
				return nil
			}

			timer := time.NewTimer(p.opts.PublishTimeout)
			defer timer.Stop()
			select {
			case r := <-reply:
				if !r.accepted {
					slog.Debug("relay rejected event", "relay", url, "event_id", nostr.ShortID(evt.ID), "reason", r.message)
				}
				record(url, r.accepted, r.message)
			case <-timer.C:
				record(url, false, "timeout")
			case <-gctx.Done():
				record(url, false, gctx.Err().Error())
			}
			return nil
		})
	}
	g.Wait()

	sort.Strings(result.AcceptedBy)
	if len(result.AcceptedBy) == 0 {
		return result, fmt.Errorf("%w (%d relays tried)", ErrNoRelayAccepted, len(conns))
	}
	return result, nil
}

// Subscribe sends filter to every connected relay and returns the merged,
// deduplicated stream. The subscription ends when ctx is done or Close is called.
func (p *Pool) Subscribe(ctx context.Context, filter types.Filter) (*Subscription, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	var waiting []string
	var connected []*Conn
	for url, entry := range p.relays {
		if entry.state != types.RelayBackoff {
			waiting = append(waiting, url)
		}
		if entry.state == types.RelayConnected {
			connected = append(connected, entry.conn)
		}
	}
	sub := newSubscription(p, "sub-"+randomID(), filter, waiting)
	p.subs[sub.ID] = sub
	p.mu.Unlock()

	req := []interface{}{"REQ", sub.ID, filter}
	for _, conn := range connected {
		if err := conn.Send(req); err != nil {
			// The relay will get the filter again when it reconnects
			slog.Debug("REQ send failed", "relay", conn.URL(), "sub", sub.ID, "error", err)
		}
	}

	context.AfterFunc(ctx, sub.Close)
	slog.Debug("subscription opened", "sub", sub.ID, "relays", len(connected))
	return sub, nil
}

// SubscribeFunc is Subscribe with a callback. fn is called from a single
// goroutine, so it sees events one at a time. Once the subscription is
// cancelled fn is not called again, even for events still queued.
func (p *Pool) SubscribeFunc(ctx context.Context, filter types.Filter, fn func(types.Event)) (*Subscription, error) {
	sub, err := p.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			select {
			case <-sub.Done():
				return
			case evt, ok := <-sub.Events():
				if !ok {
					return
				}
				select {
				case <-sub.Done():
					return
				default:
				}
				fn(evt)
			}
		}
	}()
	return sub, nil
}

// Unsubscribe stops delivery, tells the relays and releases the dedup set.
// It is idempotent.
func (p *Pool) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	p.mu.Lock()
	_, active := p.subs[sub.ID]
	delete(p.subs, sub.ID)
	var connected []*Conn
	if active {
		for _, entry := range p.relays {
			if entry.state == types.RelayConnected {
				connected = append(connected, entry.conn)
			}
		}
	}
	p.mu.Unlock()

	sub.shutdown()
	for _, conn := range connected {
		conn.Send([]interface{}{"CLOSE", sub.ID})
	}
}

// Close ends every subscription and connection. The pool cannot be reused.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	subs := p.subscriptionsLocked()
	entries := make([]*relayEntry, 0, len(p.relays))
	for _, entry := range p.relays {
		entries = append(entries, entry)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		p.Unsubscribe(sub)
	}
	p.cancel()
	for _, entry := range entries {
		<-entry.done
	}
}

// HandleState implements Handler
func (p *Pool) HandleState(url string, state types.RelayState) {
	p.mu.Lock()
	entry, ok := p.relays[url]
	if !ok {
		p.mu.Unlock()
		return
	}
	before := p.connected > 0
	if entry.state == types.RelayConnected && state != types.RelayConnected {
		p.connected--
	}
	if entry.state != types.RelayConnected && state == types.RelayConnected {
		p.connected++
	}
	entry.state = state
	after := p.connected > 0
	subs := p.subscriptionsLocked()
	p.mu.Unlock()

	switch state {
	case types.RelayConnected:
		// Re-issue active filters to this relay only
		for _, sub := range subs {
			sub.expect(url)
			if err := entry.conn.Send([]interface{}{"REQ", sub.ID, sub.Filter}); err != nil {
				slog.Debug("REQ resend failed", "relay", url, "sub", sub.ID, "error", err)
			}
		}
		if len(subs) > 0 {
			slog.Debug("re-issued subscriptions", "relay", url, "count", len(subs))
		}
	case types.RelayBackoff, types.RelayDisconnected:
		for _, sub := range subs {
			sub.markEOSE(url)
		}
		p.failPending(url, "connection lost")
	}

	if before != after {
		p.notifyConnectivity(after)
	}
}

// HandleMessage implements Handler
func (p *Pool) HandleMessage(url string, msg []json.RawMessage) {
	var msgType string
	if err := json.Unmarshal(msg[0], &msgType); err != nil {
		return
	}

	switch msgType {
	case "EVENT":
		if len(msg) < 3 {
			return
		}
		var subID string
		var evt types.Event
		if json.Unmarshal(msg[1], &subID) != nil || json.Unmarshal(msg[2], &evt) != nil {
			slog.Debug("malformed EVENT", "relay", url)
			return
		}
		sub := p.subscription(subID)
		if sub == nil {
			return
		}
		if err := p.opts.Validate(&evt); err != nil {
			p.stats.invalid.Add(1)
			slog.Warn("dropping invalid event", "relay", url, "event_id", nostr.ShortID(evt.ID), "error", err)
			return
		}
		sub.deliver(url, evt)

	case "EOSE":
		var subID string
		if json.Unmarshal(msg[1], &subID) != nil {
			return
		}
		if sub := p.subscription(subID); sub != nil {
			sub.markEOSE(url)
		}

	case "OK":
		if len(msg) < 3 {
			return
		}
		var eventID string
		var accepted bool
		var message string
		if json.Unmarshal(msg[1], &eventID) != nil || json.Unmarshal(msg[2], &accepted) != nil {
			return
		}
		if len(msg) > 3 {
			json.Unmarshal(msg[3], &message)
		}
		p.resolveOK(eventID, url, okReply{accepted: accepted, message: message})

	case "CLOSED":
		var subID, reason string
		if json.Unmarshal(msg[1], &subID) != nil {
			return
		}
		if len(msg) > 2 {
			json.Unmarshal(msg[2], &reason)
		}
		slog.Info("relay closed subscription", "relay", url, "sub", subID, "reason", reason)
		if sub := p.subscription(subID); sub != nil {
			sub.markEOSE(url)
		}

	case "NOTICE":
		var notice string
		json.Unmarshal(msg[1], &notice)
		slog.Info("relay notice", "relay", url, "notice", notice)
	}
}

func (p *Pool) subscription(id string) *Subscription {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.subs[id]
}

func (p *Pool) subscriptionsLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (p *Pool) notifyConnectivity(online bool) {
	slog.Info("relay connectivity changed", "online", online)
	if p.opts.OnConnectivity != nil {
		p.opts.OnConnectivity(online)
	}
}

func (p *Pool) expectOK(eventID, url string) <-chan okReply {
	ch := make(chan okReply, 1)
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if p.pending[eventID] == nil {
		p.pending[eventID] = make(map[string]chan okReply)
	}
	p.pending[eventID][url] = ch
	return ch
}

func (p *Pool) forgetOK(eventID, url string) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	delete(p.pending[eventID], url)
	if len(p.pending[eventID]) == 0 {
		delete(p.pending, eventID)
	}
}

func (p *Pool) resolveOK(eventID, url string, reply okReply) {
	p.pendingMu.Lock()
	ch := p.pending[eventID][url]
	p.pendingMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

// failPending rejects every publish still waiting on url
func (p *Pool) failPending(url, reason string) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for _, relays := range p.pending {
		if ch := relays[url]; ch != nil {
			select {
			case ch <- okReply{accepted: false, message: reason}:
			default:
			}
		}
	}
}

func randomID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
