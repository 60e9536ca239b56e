package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"nostr-market/internal/types"
)

var (
	ErrInvalidID        = errors.New("event id does not match content")
	ErrInvalidSignature = errors.New("event signature does not verify")
	ErrMalformedEvent   = errors.New("malformed event")
)

// SerializeEvent returns the canonical array [0,pubkey,created_at,kind,tags,content]
// that the event id is the sha256 of. "<", ">" and "&" are written literally.
func SerializeEvent(evt *types.Event) ([]byte, error) {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]interface{}{0, evt.PubKey, evt.CreatedAt, evt.Kind, tags, evt.Content}); err != nil {
		return nil, fmt.Errorf("serialize event: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func eventHash(evt *types.Event) ([32]byte, error) {
	canonical, err := SerializeEvent(evt)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(canonical), nil
}

// ValidateEvent checks that the id matches the canonical form and the signature
// verifies against the pubkey. Events failing either check must be discarded.
func ValidateEvent(evt *types.Event) error {
	hash, err := eventHash(evt)
	if err != nil {
		return err
	}
	if hex.EncodeToString(hash[:]) != evt.ID {
		return ErrInvalidID
	}
	return verifySignature(hash[:], evt.PubKey, evt.Sig)
}

func verifySignature(hash []byte, pubkey, sig string) error {
	pkBytes, err := hex.DecodeString(pubkey)
	if err != nil || len(pkBytes) != 32 {
		return fmt.Errorf("%w: pubkey", ErrMalformedEvent)
	}
	sigBytes, err := hex.DecodeString(sig)
	if err != nil || len(sigBytes) != 64 {
		return fmt.Errorf("%w: sig", ErrMalformedEvent)
	}
	pk, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("%w: pubkey not on curve", ErrMalformedEvent)
	}
	s, err := schnorr.ParseSignature(sigBytes)
	if err != nil || !s.Verify(hash, pk) {
		return ErrInvalidSignature
	}
	return nil
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}

// FormatPubkey abbreviates a pubkey for display as first8...last8
func FormatPubkey(pubkey string) string {
	if len(pubkey) <= 16 {
		return pubkey
	}
	return pubkey[:8] + "..." + pubkey[len(pubkey)-8:]
}
