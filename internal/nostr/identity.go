package nostr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"nostr-market/internal/nips"
	"nostr-market/internal/types"
)

// identitySecretKey is the store key holding the hex private key
const identitySecretKey = "identity:secret"

// ErrIdentityStore means the keypair could not be loaded or durably saved.
// Callers must not continue without an identity.
var ErrIdentityStore = errors.New("identity store unavailable")

// SecretStore is the subset of a cache backend the identity needs
type SecretStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Identity owns the client's keypair
type Identity struct {
	priv   *btcec.PrivateKey
	pubHex string

	conversations sync.Map // peer pubkey -> *Conversation
}

// LoadOrCreateIdentity returns the persisted identity, generating and saving a
// new one on first run. A fresh key is only returned once it has been read
// back from the store.
func LoadOrCreateIdentity(ctx context.Context, store SecretStore) (*Identity, error) {
	stored, found, err := store.Get(ctx, identitySecretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityStore, err)
	}
	if found {
		id, err := NewIdentityFromSecret(string(stored))
		if err != nil {
			return nil, fmt.Errorf("%w: stored key unreadable: %v", ErrIdentityStore, err)
		}
		slog.Debug("identity loaded", "pubkey", ShortID(id.pubHex))
		return id, nil
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	secret := hex.EncodeToString(priv.Serialize())
	if err := store.Set(ctx, identitySecretKey, []byte(secret), 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityStore, err)
	}
	readBack, found, err := store.Get(ctx, identitySecretKey)
	if err != nil || !found || string(readBack) != secret {
		return nil, fmt.Errorf("%w: key not persisted", ErrIdentityStore)
	}

	id := newIdentity(priv)
	slog.Info("identity created", "pubkey", ShortID(id.pubHex))
	return id, nil
}

// NewIdentityFromSecret builds an identity from a hex private key
func NewIdentityFromSecret(secretHex string) (*Identity, error) {
	b, err := hex.DecodeString(secretHex)
	if err != nil || len(b) != 32 {
		return nil, errors.New("private key must be 32 bytes of hex")
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return newIdentity(priv), nil
}

func newIdentity(priv *btcec.PrivateKey) *Identity {
	return &Identity{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

// PublicKey returns the x-only hex public key tagging every event this process signs
func (id *Identity) PublicKey() string {
	return id.pubHex
}

// Npub returns the bech32 form of the public key
func (id *Identity) Npub() string {
	npub, err := nips.EncodePubkey(id.pubHex)
	if err != nil {
		return ""
	}
	return npub
}

// Sign returns the hex BIP-340 signature over sha256(canonical).
// Signing uses deterministic nonces, so equal input yields an equal signature.
func (id *Identity) Sign(canonical []byte) (string, error) {
	hash := sha256.Sum256(canonical)
	sig, err := schnorr.Sign(id.priv, hash[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// SignEvent sets pubkey, id and sig on evt
func (id *Identity) SignEvent(evt *types.Event) error {
	evt.PubKey = id.pubHex
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	canonical, err := SerializeEvent(evt)
	if err != nil {
		return err
	}
	hash := sha256.Sum256(canonical)
	evt.ID = hex.EncodeToString(hash[:])
	evt.Sig, err = id.Sign(canonical)
	return err
}

// Encrypt seals plaintext for peer with NIP-44
func (id *Identity) Encrypt(peerPubkey, plaintext string) (string, error) {
	conv, err := id.conversation(peerPubkey)
	if err != nil {
		return "", err
	}
	return conv.Seal(plaintext)
}

// Decrypt opens a NIP-44 payload exchanged with peer
func (id *Identity) Decrypt(peerPubkey, payload string) (string, error) {
	conv, err := id.conversation(peerPubkey)
	if err != nil {
		return "", err
	}
	return conv.Open(payload)
}

// conversation returns the cached shared key with peer, deriving it once
func (id *Identity) conversation(peer string) (*Conversation, error) {
	if conv, ok := id.conversations.Load(peer); ok {
		return conv.(*Conversation), nil
	}
	conv, err := NewConversation(id.priv, peer)
	if err != nil {
		return nil, err
	}
	actual, _ := id.conversations.LoadOrStore(peer, conv)
	return actual.(*Conversation), nil
}
