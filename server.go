package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"

	"nostr-market/internal/client"
	"nostr-market/internal/codec"
	"nostr-market/internal/nips"
	"nostr-market/internal/offline"
	"nostr-market/internal/relay"
	"nostr-market/internal/types"
	"nostr-market/internal/util"
)

// server exposes the client over a small local HTTP API and proxies the web
// app through the offline engine.
type server struct {
	client       *client.Client
	engine       *offline.Engine
	upstream     *url.URL
	storeDriver  string
	cacheVersion string
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /metrics", s.metricsHandler)
	mux.HandleFunc("GET /identity", s.identityHandler)
	mux.HandleFunc("GET /identity/qr", s.identityQRHandler)
	mux.HandleFunc("GET /relays", s.relaysHandler)
	mux.HandleFunc("GET /reputation/{pubkey}", s.reputationHandler)
	mux.HandleFunc("GET /profile/{pubkey}", s.profileHandler)
	mux.HandleFunc("POST /listings", limitBody(s.listingHandler, maxBodySize))
	mux.HandleFunc("POST /requests", limitBody(s.requestHandler, maxBodySize))
	mux.HandleFunc("POST /trades", limitBody(s.tradeHandler, maxBodySize))
	mux.HandleFunc("POST /reputation", limitBody(s.rateHandler, maxBodySize))
	mux.HandleFunc("POST /messages", limitBody(s.messageHandler, maxBodySize))

	if s.upstream != nil && s.engine != nil {
		proxy := httputil.NewSingleHostReverseProxy(s.upstream)
		proxy.Transport = s.engine
		mux.Handle("/app/", http.StripPrefix("/app", proxy))
	}
	return mux
}

func (s *server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if !s.client.Pool().Online() {
		status = "offline"
	}
	util.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"relays": s.client.Pool().Statuses(),
	})
}

func (s *server) identityHandler(w http.ResponseWriter, r *http.Request) {
	id := s.client.Identity()
	util.WriteJSON(w, http.StatusOK, map[string]string{
		"pubkey": id.PublicKey(),
		"npub":   id.Npub(),
	})
}

func (s *server) identityQRHandler(w http.ResponseWriter, r *http.Request) {
	png, err := qrcode.Encode("nostr:"+s.client.Identity().Npub(), qrcode.Medium, 256)
	if err != nil {
		LoggerFromContext(r.Context()).Error("failed to generate QR code", "error", err)
		util.RespondInternalError(w, "could not render QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "max-age=3600")
	w.Write(png)
}

func (s *server) relaysHandler(w http.ResponseWriter, r *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"online": s.client.Pool().Online(),
		"relays": s.client.Pool().Statuses(),
		"stats":  s.client.Pool().Stats(),
	})
}

func (s *server) reputationHandler(w http.ResponseWriter, r *http.Request) {
	pubkey, ok := pathPubkey(w, r)
	if !ok {
		return
	}
	summary, err := s.client.GetReputation(r.Context(), pubkey)
	if err != nil {
		util.RespondServiceUnavailable(w, err.Error())
		return
	}
	util.WriteJSON(w, http.StatusOK, summary)
}

func (s *server) profileHandler(w http.ResponseWriter, r *http.Request) {
	pubkey, ok := pathPubkey(w, r)
	if !ok {
		return
	}
	profile, err := s.client.GetProfile(r.Context(), pubkey)
	if err != nil {
		util.RespondServiceUnavailable(w, err.Error())
		return
	}
	if profile == nil {
		util.RespondNotFound(w, "profile not found")
		return
	}
	util.WriteJSON(w, http.StatusOK, profile)
}

func (s *server) listingHandler(w http.ResponseWriter, r *http.Request) {
	var listing types.ServiceListing
	if !decodeBody(w, r, &listing) {
		return
	}
	evt, result, err := s.client.PublishService(r.Context(), listing)
	s.respondPublish(w, r, evt, result, err)
}

func (s *server) requestHandler(w http.ResponseWriter, r *http.Request) {
	var req types.ServiceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	evt, result, err := s.client.PublishServiceRequest(r.Context(), req)
	s.respondPublish(w, r, evt, result, err)
}

func (s *server) rateHandler(w http.ResponseWriter, r *http.Request) {
	var rep types.Reputation
	if !decodeBody(w, r, &rep) {
		return
	}
	if key, err := nips.DecodePubkey(rep.RatedKey); err == nil {
		rep.RatedKey = key
	}
	evt, result, err := s.client.PublishReputation(r.Context(), rep)
	s.respondPublish(w, r, evt, result, err)
}

func (s *server) tradeHandler(w http.ResponseWriter, r *http.Request) {
	var offer types.TradeOffer
	if !decodeBody(w, r, &offer) {
		return
	}
	if key, err := nips.DecodePubkey(offer.ProviderKey); err == nil {
		offer.ProviderKey = key
	}
	res, err := s.client.SubmitTrade(r.Context(), offer)
	s.respondSubmit(w, r, res, err)
}

func (s *server) messageHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Recipient string `json:"recipient"`
		Content   string `json:"content"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	recipient, err := nips.DecodePubkey(body.Recipient)
	if err != nil {
		util.RespondBadRequest(w, "recipient must be an npub or hex public key")
		return
	}
	res, err := s.client.SendDirectMessage(r.Context(), recipient, body.Content)
	s.respondSubmit(w, r, res, err)
}

func (s *server) respondPublish(w http.ResponseWriter, r *http.Request, evt *types.Event, result relay.PublishResult, err error) {
	switch {
	case err == nil:
		util.WriteJSON(w, http.StatusCreated, map[string]interface{}{"event": evt, "result": result})
	case errors.Is(err, codec.ErrInvalid), errors.Is(err, codec.ErrUnknownKind):
		util.RespondBadRequest(w, err.Error())
	case errors.Is(err, relay.ErrNoRelayAccepted):
		util.WriteJSON(w, http.StatusBadGateway, map[string]interface{}{"error": err.Error(), "result": result})
	default:
		LoggerFromContext(r.Context()).Error("publish failed", "error", err)
		util.RespondInternalError(w, "publish failed")
	}
}

func (s *server) respondSubmit(w http.ResponseWriter, r *http.Request, res client.SubmitResult, err error) {
	switch {
	case err == nil && res.Queued:
		util.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"event": res.Event, "queued": true, "entry": res.Entry.ID})
	case err == nil:
		util.WriteJSON(w, http.StatusCreated, map[string]interface{}{"event": res.Event, "queued": false})
	case errors.Is(err, codec.ErrInvalid):
		util.RespondBadRequest(w, err.Error())
	default:
		LoggerFromContext(r.Context()).Error("submit failed", "error", err)
		util.RespondInternalError(w, "submit failed")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		util.RespondBadRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func pathPubkey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := nips.DecodePubkey(strings.TrimSpace(r.PathValue("pubkey")))
	if err != nil {
		util.RespondBadRequest(w, "invalid public key")
		return "", false
	}
	return key, true
}
