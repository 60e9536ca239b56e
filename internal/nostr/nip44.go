package nostr

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// NIP-44 v2 payload layout: version(1) | nonce(32) | ciphertext | mac(32)
const (
	nip44Version  = 2
	nip44Salt     = "nip44-v2"
	nonceSize     = 32
	macSize       = 32
	maxPlaintext  = 65535
	minPayloadLen = 1 + nonceSize + 2 + 32 + macSize
	maxPayloadLen = 1 + nonceSize + 2 + 65536 + macSize
)

var (
	ErrInvalidMAC     = errors.New("nip44: invalid MAC")
	ErrInvalidPayload = errors.New("nip44: malformed payload")
	ErrPlaintextSize  = errors.New("nip44: plaintext must be 1 to 65535 bytes")
)

// Conversation holds the symmetric key two parties share. Either side derives
// the same key from its own secret and the other's public key.
type Conversation struct {
	key []byte
}

// NewConversation performs ECDH between priv and the x-only hex public key peer
func NewConversation(priv *btcec.PrivateKey, peer string) (*Conversation, error) {
	raw, err := hex.DecodeString(peer)
	if err != nil {
		return nil, fmt.Errorf("peer public key: %w", err)
	}
	pub, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("peer public key: %w", err)
	}
	var shared [32]byte
	x := btcec.GenerateSharedSecret(priv, pub)
	copy(shared[32-len(x):], x)
	return &Conversation{key: hkdf.Extract(sha256.New, shared[:], []byte(nip44Salt))}, nil
}

// messageKeys are expanded per message from the conversation key and nonce
type messageKeys struct {
	cipherKey   []byte
	cipherNonce []byte
	macKey      []byte
}

func (c *Conversation) keys(nonce []byte) (messageKeys, error) {
	buf := make([]byte, 76)
	if _, err := hkdf.Expand(sha256.New, c.key, nonce).Read(buf); err != nil {
		return messageKeys{}, err
	}
	return messageKeys{cipherKey: buf[:32], cipherNonce: buf[32:44], macKey: buf[44:]}, nil
}

func (k messageKeys) xor(in []byte) ([]byte, error) {
	stream, err := chacha20.NewUnauthenticatedCipher(k.cipherKey, k.cipherNonce)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(in))
	stream.XORKeyStream(out, in)
	return out, nil
}

func (k messageKeys) mac(nonce, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, k.macKey)
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil)
}

// Seal encrypts plaintext with a random nonce and returns the base64 payload
func (c *Conversation) Seal(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return c.sealWithNonce(plaintext, nonce)
}

func (c *Conversation) sealWithNonce(plaintext string, nonce []byte) (string, error) {
	n := len(plaintext)
	if n < 1 || n > maxPlaintext {
		return "", ErrPlaintextSize
	}
	k, err := c.keys(nonce)
	if err != nil {
		return "", err
	}

	padded := make([]byte, 2+paddedLen(n))
	binary.BigEndian.PutUint16(padded, uint16(n))
	copy(padded[2:], plaintext)
	ciphertext, err := k.xor(padded)
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, 1+nonceSize+len(ciphertext)+macSize)
	out = append(out, nip44Version)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	out = append(out, k.mac(nonce, ciphertext)...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open authenticates and decrypts a payload produced by Seal on either side
func (c *Conversation) Open(payload string) (string, error) {
	if payload == "" || payload[0] == '#' {
		return "", fmt.Errorf("%w: unsupported version", ErrInvalidPayload)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(data) < minPayloadLen || len(data) > maxPayloadLen {
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidPayload, len(data))
	}
	if data[0] != nip44Version {
		return "", fmt.Errorf("%w: version %d", ErrInvalidPayload, data[0])
	}

	nonce := data[1 : 1+nonceSize]
	ciphertext := data[1+nonceSize : len(data)-macSize]
	k, err := c.keys(nonce)
	if err != nil {
		return "", err
	}
	if !hmac.Equal(k.mac(nonce, ciphertext), data[len(data)-macSize:]) {
		return "", ErrInvalidMAC
	}

	padded, err := k.xor(ciphertext)
	if err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(padded))
	if n == 0 || len(padded) != 2+paddedLen(n) {
		return "", fmt.Errorf("%w: bad padding", ErrInvalidPayload)
	}
	return string(padded[2 : 2+n]), nil
}

// paddedLen rounds n up so that message sizes leak only their magnitude:
// 32 byte steps up to 256, then eighths of the next power of two.
func paddedLen(n int) int {
	if n <= 32 {
		return 32
	}
	next := 1 << bits.Len(uint(n-1))
	chunk := 32
	if next > 256 {
		chunk = next / 8
	}
	return chunk * ((n-1)/chunk + 1)
}
