package nostr

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conversationPair(t *testing.T) (*Conversation, *Conversation) {
	t.Helper()
	a, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	b, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ab, err := NewConversation(a, newIdentity(b).PublicKey())
	require.NoError(t, err)
	ba, err := NewConversation(b, newIdentity(a).PublicKey())
	require.NoError(t, err)
	return ab, ba
}

func TestConversationKeyIsSymmetric(t *testing.T) {
	ab, ba := conversationPair(t)
	assert.Equal(t, ab.key, ba.key)
	assert.Len(t, ab.key, 32)
}

func TestSealOpen(t *testing.T) {
	ab, ba := conversationPair(t)
	for _, msg := range []string{"a", "trade accepted", strings.Repeat("x", 300), strings.Repeat("é", 1000)} {
		payload, err := ab.Seal(msg)
		require.NoError(t, err)
		got, err := ba.Open(payload)
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}
}

func TestSealIsDeterministicForANonce(t *testing.T) {
	ab, _ := conversationPair(t)
	nonce := bytes.Repeat([]byte{1}, nonceSize)
	p1, err := ab.sealWithNonce("same", nonce)
	require.NoError(t, err)
	p2, err := ab.sealWithNonce("same", nonce)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	data, err := base64.StdEncoding.DecodeString(p1)
	require.NoError(t, err)
	assert.Equal(t, byte(nip44Version), data[0])
	assert.Len(t, data, minPayloadLen, "short messages pad to 32 bytes")
}

func TestOpenRejectsTampering(t *testing.T) {
	ab, ba := conversationPair(t)
	payload, err := ab.Seal("pay 10 credits")
	require.NoError(t, err)

	data, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	data[40] ^= 0x01
	_, err = ba.Open(base64.StdEncoding.EncodeToString(data))
	assert.ErrorIs(t, err, ErrInvalidMAC)

	_, err = ba.Open("#future-version")
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, err = ba.Open("AgAA")
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, err = ab.Seal("")
	assert.ErrorIs(t, err, ErrPlaintextSize)
}

func TestPaddedLen(t *testing.T) {
	cases := map[int]int{1: 32, 32: 32, 33: 64, 65: 96, 100: 128, 257: 320, 400: 448, 515: 640, 1000: 1024, 65535: 65536}
	for in, want := range cases {
		assert.Equal(t, want, paddedLen(in), "len %d", in)
	}
}
