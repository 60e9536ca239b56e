// Package relaytest runs an in-process Nostr relay for tests.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"nostr-market/internal/types"
)

// OKMode controls how the relay answers EVENT messages
type OKMode int

const (
	// Accept stores the event and replies OK true
	Accept OKMode = iota
	// Reject replies OK false without storing
	Reject
	// Silent stores nothing and never replies
	Silent
)

// Relay is a minimal NIP-01 relay backed by memory
type Relay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	events   []types.Event
	conns    map[*websocket.Conn]*client
	okMode   OKMode
	sendEOSE bool
	reqs     map[string]int
	received []types.Event
}

type client struct {
	writeMu sync.Mutex
	ws      *websocket.Conn
	subs    map[string][]types.Filter
}

// New starts a relay. Close it with t.Cleanup(r.Close).
func New() *Relay {
	r := &Relay{
		conns:    make(map[*websocket.Conn]*client),
		sendEOSE: true,
		reqs:     make(map[string]int),
	}
	r.server = httptest.NewServer(http.HandlerFunc(r.serve))
	return r
}

// URL returns the ws:// address of the relay
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

// Close drops all connections and stops the server
func (r *Relay) Close() {
	r.DropConnections()
	r.server.Close()
}

// SetOKMode changes how future EVENT messages are answered
func (r *Relay) SetOKMode(mode OKMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.okMode = mode
}

// SetSendEOSE controls whether REQs are answered with EOSE
func (r *Relay) SetSendEOSE(send bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendEOSE = send
}

// Store adds events as if they had been published earlier
func (r *Relay) Store(events ...types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

// Received returns every event published to this relay
func (r *Relay) Received() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.received...)
}

// ReqCount returns how many REQs carried the given subscription id
func (r *Relay) ReqCount(subID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[subID]
}

// TotalReqs returns the number of REQs received for any subscription
func (r *Relay) TotalReqs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.reqs {
		total += n
	}
	return total
}

// ActiveSubscriptions returns the number of open subscriptions across clients
func (r *Relay) ActiveSubscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.conns {
		n += len(c.subs)
	}
	return n
}

// Connections returns the number of connected clients
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Inject sends evt to every open subscription without checking filters or
// signatures, the way a misbehaving relay would.
func (r *Relay) Inject(evt types.Event) {
	r.mu.Lock()
	var targets []struct {
		c     *client
		subID string
	}
	for _, c := range r.conns {
		for subID := range c.subs {
			targets = append(targets, struct {
				c     *client
				subID string
			}{c, subID})
		}
	}
	r.mu.Unlock()
	for _, t := range targets {
		t.c.send([]interface{}{"EVENT", t.subID, evt})
	}
}

// DropConnections closes every client connection. Clients may reconnect.
func (r *Relay) DropConnections() {
	r.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(r.conns))
	for ws := range r.conns {
		conns = append(conns, ws)
	}
	r.mu.Unlock()
	for _, ws := range conns {
		ws.Close()
	}
}

// WaitFor polls cond until it holds or timeout elapses
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func (c *client) send(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.WriteJSON(v)
}

func (r *Relay) serve(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := &client{ws: ws, subs: make(map[string][]types.Filter)}

	r.mu.Lock()
	r.conns[ws] = c
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.conns, ws)
		r.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg []json.RawMessage
		if json.Unmarshal(data, &msg) != nil || len(msg) < 2 {
			continue
		}
		var msgType string
		json.Unmarshal(msg[0], &msgType)

		switch msgType {
		case "EVENT":
			var evt types.Event
			if json.Unmarshal(msg[1], &evt) != nil {
				continue
			}
			r.handleEvent(c, evt)
		case "REQ":
			var subID string
			json.Unmarshal(msg[1], &subID)
			var filters []types.Filter
			for _, raw := range msg[2:] {
				var f types.Filter
				if json.Unmarshal(raw, &f) == nil {
					filters = append(filters, f)
				}
			}
			r.handleReq(c, subID, filters)
		case "CLOSE":
			var subID string
			json.Unmarshal(msg[1], &subID)
			r.mu.Lock()
			delete(c.subs, subID)
			r.mu.Unlock()
		}
	}
}

func (r *Relay) handleEvent(c *client, evt types.Event) {
	r.mu.Lock()
	mode := r.okMode
	r.received = append(r.received, evt)
	if mode == Accept {
		r.events = append(r.events, evt)
	}
	type target struct {
		c     *client
		subID string
	}
	var targets []target
	if mode == Accept {
		for _, other := range r.conns {
			for subID, filters := range other.subs {
				if matchesAny(filters, &evt) {
					targets = append(targets, target{other, subID})
				}
			}
		}
	}
	r.mu.Unlock()

	switch mode {
	case Accept:
		c.send([]interface{}{"OK", evt.ID, true, ""})
	case Reject:
		c.send([]interface{}{"OK", evt.ID, false, "blocked: test relay"})
	}
	for _, t := range targets {
		t.c.send([]interface{}{"EVENT", t.subID, evt})
	}
}

func (r *Relay) handleReq(c *client, subID string, filters []types.Filter) {
	r.mu.Lock()
	c.subs[subID] = filters
	r.reqs[subID]++
	var matches []types.Event
	for i := range r.events {
		if matchesAny(filters, &r.events[i]) {
			matches = append(matches, r.events[i])
		}
	}
	sendEOSE := r.sendEOSE
	r.mu.Unlock()

	for _, evt := range matches {
		c.send([]interface{}{"EVENT", subID, evt})
	}
	if sendEOSE {
		c.send([]interface{}{"EOSE", subID})
	}
}

func matchesAny(filters []types.Filter, evt *types.Event) bool {
	for i := range filters {
		if filters[i].Matches(evt) {
			return true
		}
	}
	return false
}
