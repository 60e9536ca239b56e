// Package codec maps marketplace objects onto signed Nostr events and back.
//
// Each object kind has exactly one event kind. Encode writes the object as a
// JSON document in content and mirrors the indexable fields into tags so
// relays can filter without parsing content. Decode is strict: unknown kinds
// and content that does not match the kind's schema are rejected.
package codec

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"nostr-market/internal/nostr"
	"nostr-market/internal/types"
)

var (
	ErrUnknownKind = errors.New("unknown event kind")
	ErrInvalid     = errors.New("invalid object")
	// ErrNotParticipant means a direct message is neither from nor to the
	// local identity, so its content cannot be decrypted
	ErrNotParticipant = errors.New("direct message is not addressed to this identity")
)

// DecodeError describes an event whose content could not be decoded
type DecodeError struct {
	EventID string
	Kind    int
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event %s (kind %d): %v", nostr.ShortID(e.EventID), e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Cipher seals direct-message content between the local identity and a peer
type Cipher interface {
	PublicKey() string
	Encrypt(peerPubkey, plaintext string) (string, error)
	Decrypt(peerPubkey, payload string) (string, error)
}

// Codec encodes and decodes domain objects
type Codec struct {
	cipher Cipher
}

// New returns a codec. With a nil cipher direct messages travel in plaintext.
func New(cipher Cipher) *Codec {
	return &Codec{cipher: cipher}
}

// KnownKind reports whether kind is in the kind table
func KnownKind(kind int) bool {
	switch kind {
	case types.KindProfile, types.KindShortNote, types.KindDirectMessage,
		types.KindServiceListing, types.KindServiceRequest,
		types.KindTradeOffer, types.KindReputation:
		return true
	}
	return false
}

// Encode returns the unsigned event for obj. The same object and timestamp
// always produce byte-identical content and tags.
func (c *Codec) Encode(obj types.Object, createdAt time.Time) (*types.Event, error) {
	if err := Validate(obj); err != nil {
		return nil, err
	}
	evt := &types.Event{
		Kind:      obj.Kind(),
		CreatedAt: createdAt.Unix(),
		Tags:      [][]string{},
	}
	dTag := func(id string) []string {
		if id == "" {
			id = strconv.FormatInt(createdAt.UnixMilli(), 10)
		}
		return []string{"d", id}
	}

	var content interface{}
	switch o := obj.(type) {
	case types.ServiceListing:
		o = withListingDefaults(o)
		content = o
		evt.Tags = append(evt.Tags,
			dTag(o.ID),
			[]string{"title", o.Title},
			[]string{"category", o.Category},
			[]string{"price", formatAmount(o.Price)},
			[]string{"currency", o.Currency},
		)
		for _, t := range o.Tags {
			evt.Tags = append(evt.Tags, []string{"t", t})
		}

	case types.ServiceRequest:
		o = withRequestDefaults(o)
		content = o
		evt.Tags = append(evt.Tags,
			dTag(o.ID),
			[]string{"title", o.Title},
			[]string{"category", o.Category},
			[]string{"budget", formatAmount(o.Budget)},
			[]string{"currency", o.Currency},
		)

	case types.TradeOffer:
		if o.Status == "" {
			o.Status = types.TradePending
		}
		content = o
		evt.Tags = append(evt.Tags,
			dTag(o.ID),
			[]string{"p", o.ProviderKey},
			[]string{"e", o.ServiceID},
			[]string{"amount", formatAmount(o.Amount)},
			[]string{"status", string(o.Status)},
		)

	case types.Reputation:
		content = o
		evt.Tags = append(evt.Tags,
			dTag(o.ID),
			[]string{"p", o.RatedKey},
			[]string{"e", o.TradeID},
			[]string{"rating", strconv.Itoa(o.Rating)},
			[]string{"trade_amount", formatAmount(o.TradeAmount)},
		)

	case types.Profile:
		if o.Skills == nil {
			o.Skills = []string{}
		}
		content = o

	case types.DirectMessage:
		evt.Tags = append(evt.Tags, []string{"p", o.Recipient})
		evt.Content = o.Content
		if c.cipher != nil {
			sealed, err := c.cipher.Encrypt(o.Recipient, o.Content)
			if err != nil {
				return nil, fmt.Errorf("encrypt direct message: %w", err)
			}
			evt.Content = sealed
		}
		return evt, nil

	case types.Note:
		for _, t := range o.Hashtags {
			evt.Tags = append(evt.Tags, []string{"t", t})
		}
		evt.Content = o.Content
		return evt, nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, obj)
	}

	body, err := marshalContent(content)
	if err != nil {
		return nil, err
	}
	evt.Content = body
	return evt, nil
}

// Decode parses evt into its domain object. Unknown kinds return ErrUnknownKind;
// everything else that fails returns a *DecodeError.
func (c *Codec) Decode(evt *types.Event) (types.Object, error) {
	if !KnownKind(evt.Kind) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, evt.Kind)
	}
	obj, err := c.decode(evt)
	if err != nil {
		return nil, &DecodeError{EventID: evt.ID, Kind: evt.Kind, Err: err}
	}
	if err := Validate(obj); err != nil {
		return nil, &DecodeError{EventID: evt.ID, Kind: evt.Kind, Err: err}
	}
	return obj, nil
}

func (c *Codec) decode(evt *types.Event) (types.Object, error) {
	dTag := evt.TagValue("d")

	switch evt.Kind {
	case types.KindServiceListing:
		var o types.ServiceListing
		if err := unmarshalContent(evt.Content, &o); err != nil {
			return nil, err
		}
		o.ID = dTag
		return withListingDefaults(o), nil

	case types.KindServiceRequest:
		var o types.ServiceRequest
		if err := unmarshalContent(evt.Content, &o); err != nil {
			return nil, err
		}
		o.ID = dTag
		return withRequestDefaults(o), nil

	case types.KindTradeOffer:
		var o types.TradeOffer
		if err := unmarshalContent(evt.Content, &o); err != nil {
			return nil, err
		}
		o.ID = dTag
		if p := evt.TagValue("p"); p != o.ProviderKey {
			return nil, fmt.Errorf("p tag %q does not match provider_pubkey", nostr.ShortID(p))
		}
		return o, nil

	case types.KindReputation:
		var o types.Reputation
		if err := unmarshalContent(evt.Content, &o); err != nil {
			return nil, err
		}
		o.ID = dTag
		if p := evt.TagValue("p"); p != o.RatedKey {
			return nil, fmt.Errorf("p tag %q does not match rated_pubkey", nostr.ShortID(p))
		}
		return o, nil

	case types.KindProfile:
		var o types.Profile
		if err := unmarshalContent(evt.Content, &o); err != nil {
			return nil, err
		}
		return o, nil

	case types.KindDirectMessage:
		o := types.DirectMessage{
			Sender:    evt.PubKey,
			Recipient: evt.TagValue("p"),
			Content:   evt.Content,
		}
		if c.cipher != nil {
			self := c.cipher.PublicKey()
			peer := ""
			switch self {
			case o.Recipient:
				peer = o.Sender
			case o.Sender:
				peer = o.Recipient
			}
			if peer == "" {
				return nil, ErrNotParticipant
			}
			plain, err := c.cipher.Decrypt(peer, evt.Content)
			if err != nil {
				return nil, fmt.Errorf("decrypt direct message: %w", err)
			}
			o.Content = plain
		}
		return o, nil

	case types.KindShortNote:
		return types.Note{
			Content:  evt.Content,
			Hashtags: evt.TagValues("t"),
		}, nil
	}
	return nil, ErrUnknownKind
}

// Validate checks the invariants of obj's schema
func Validate(obj types.Object) error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	switch o := obj.(type) {
	case types.ServiceListing:
		if o.Title == "" {
			return invalid("listing title is required")
		}
		if o.Price < 0 {
			return invalid("listing price %v is negative", o.Price)
		}
	case types.ServiceRequest:
		if o.Title == "" {
			return invalid("request title is required")
		}
		if o.Budget < 0 {
			return invalid("request budget %v is negative", o.Budget)
		}
	case types.TradeOffer:
		if o.ServiceID == "" {
			return invalid("trade service_id is required")
		}
		if !isPubkey(o.ProviderKey) {
			return invalid("trade provider_pubkey is not a public key")
		}
		if o.RequesterKey != "" && !isPubkey(o.RequesterKey) {
			return invalid("trade requester_pubkey is not a public key")
		}
		if o.Amount < 0 {
			return invalid("trade amount %v is negative", o.Amount)
		}
		if o.Status != "" && !o.Status.Valid() {
			return invalid("trade status %q", o.Status)
		}
	case types.Reputation:
		if o.TradeID == "" {
			return invalid("reputation trade_id is required")
		}
		if !isPubkey(o.RatedKey) {
			return invalid("reputation rated_pubkey is not a public key")
		}
		if o.Rating < 1 || o.Rating > 5 {
			return invalid("rating %d outside 1..5", o.Rating)
		}
	case types.DirectMessage:
		if !isPubkey(o.Recipient) {
			return invalid("direct message recipient is not a public key")
		}
		if o.Content == "" {
			return invalid("direct message is empty")
		}
	case types.Profile, types.Note:
	case nil:
		return invalid("nil object")
	default:
		return fmt.Errorf("%w: %T", ErrUnknownKind, obj)
	}
	return nil
}

func withListingDefaults(o types.ServiceListing) types.ServiceListing {
	if o.Currency == "" {
		o.Currency = types.DefaultCurrency
	}
	if o.Location == "" {
		o.Location = "global"
	}
	if o.Tags == nil {
		o.Tags = []string{}
	}
	if o.ContactMethod == "" {
		o.ContactMethod = "nostr_dm"
	}
	return o
}

func withRequestDefaults(o types.ServiceRequest) types.ServiceRequest {
	if o.Currency == "" {
		o.Currency = types.DefaultCurrency
	}
	if o.Location == "" {
		o.Location = "global"
	}
	return o
}

// marshalContent encodes without HTML escaping, matching the event serialization
func marshalContent(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode content: %w", err)
	}
	return string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

func unmarshalContent(content string, v interface{}) error {
	if err := json.Unmarshal([]byte(content), v); err != nil {
		return fmt.Errorf("content schema: %w", err)
	}
	return nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func isPubkey(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
