// Package nips implements the NIP-19 bech32 entities used to display keys
// and event ids (npub, note).
package nips

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Human-readable prefixes
const (
	HRPPubkey = "npub"
	HRPNote   = "note"
)

var (
	ErrChecksum = errors.New("bech32: invalid checksum")
	ErrFormat   = errors.New("bech32: malformed string")
	ErrPrefix   = errors.New("bech32: unexpected prefix")
	ErrLength   = errors.New("nip19: entity must be 32 bytes")
)

const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var generator = [5]uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}

// checksummer accumulates the BCH polymod over 5-bit values
type checksummer uint32

func (c *checksummer) write(v byte) {
	top := uint32(*c) >> 25
	next := (uint32(*c)&0x1ffffff)<<5 ^ uint32(v)
	for i, g := range generator {
		if (top>>i)&1 == 1 {
			next ^= g
		}
	}
	*c = checksummer(next)
}

func (c *checksummer) writeHRP(hrp string) {
	for i := 0; i < len(hrp); i++ {
		c.write(hrp[i] >> 5)
	}
	c.write(0)
	for i := 0; i < len(hrp); i++ {
		c.write(hrp[i] & 31)
	}
}

// Encode returns hrp + "1" + the bech32 form of raw
func Encode(hrp string, raw []byte) (string, error) {
	data, err := regroup(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	sum := checksummer(1)
	sum.writeHRP(hrp)
	for _, v := range data {
		sum.write(v)
	}
	for i := 0; i < 6; i++ {
		sum.write(0)
	}
	mod := uint32(sum) ^ 1

	var b strings.Builder
	b.Grow(len(hrp) + 1 + len(data) + 6)
	b.WriteString(hrp)
	b.WriteByte('1')
	for _, v := range data {
		b.WriteByte(charset[v])
	}
	for i := 0; i < 6; i++ {
		b.WriteByte(charset[(mod>>(5*(5-i)))&31])
	}
	return b.String(), nil
}

// Decode splits a bech32 string into its prefix and payload bytes
func Decode(s string) (string, []byte, error) {
	s = strings.ToLower(s)
	sep := strings.LastIndexByte(s, '1')
	if sep < 1 || sep+7 > len(s) {
		return "", nil, ErrFormat
	}
	hrp, body := s[:sep], s[sep+1:]

	sum := checksummer(1)
	sum.writeHRP(hrp)
	values := make([]byte, len(body))
	for i := 0; i < len(body); i++ {
		idx := strings.IndexByte(charset, body[i])
		if idx < 0 {
			return "", nil, fmt.Errorf("%w: character %q", ErrFormat, body[i])
		}
		values[i] = byte(idx)
		sum.write(byte(idx))
	}
	if sum != 1 {
		return "", nil, ErrChecksum
	}
	raw, err := regroup(values[:len(values)-6], 5, 8, false)
	if err != nil {
		return "", nil, err
	}
	return hrp, raw, nil
}

// regroup repacks a bit stream from groups of from bits into groups of to bits
func regroup(data []byte, from, to uint, pad bool) ([]byte, error) {
	var acc uint32
	var bits uint
	mask := uint32(1)<<to - 1
	out := make([]byte, 0, len(data)*int(from)/int(to)+1)
	for _, v := range data {
		acc = acc<<from | uint32(v)
		bits += from
		for bits >= to {
			bits -= to
			out = append(out, byte(acc>>bits&mask))
		}
	}
	switch {
	case pad && bits > 0:
		out = append(out, byte(acc<<(to-bits)&mask))
	case !pad && (bits >= from || acc<<(to-bits)&mask != 0):
		return nil, fmt.Errorf("%w: bad padding", ErrFormat)
	}
	return out, nil
}

func encodeHex32(hrp, hexValue string) (string, error) {
	raw, err := hex.DecodeString(hexValue)
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", ErrLength
	}
	return Encode(hrp, raw)
}

// EncodePubkey encodes a hex public key as an npub
func EncodePubkey(hexPubkey string) (string, error) {
	return encodeHex32(HRPPubkey, hexPubkey)
}

// EncodeEventID encodes a hex event id as a note id
func EncodeEventID(hexEventID string) (string, error) {
	return encodeHex32(HRPNote, hexEventID)
}

// DecodePubkey accepts an npub or a 64-char hex key and returns the hex key
func DecodePubkey(s string) (string, error) {
	if len(s) == 64 {
		if _, err := hex.DecodeString(s); err != nil {
			return "", err
		}
		return strings.ToLower(s), nil
	}
	hrp, raw, err := Decode(s)
	if err != nil {
		return "", err
	}
	if hrp != HRPPubkey {
		return "", fmt.Errorf("%w: %q", ErrPrefix, hrp)
	}
	if len(raw) != 32 {
		return "", ErrLength
	}
	return hex.EncodeToString(raw), nil
}
