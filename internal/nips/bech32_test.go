package nips

import (
	"errors"
	"strings"
	"testing"
)

const testPubkey = "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"

func TestPubkeyRoundTrip(t *testing.T) {
	npub, err := EncodePubkey(testPubkey)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(npub, "npub1") || len(npub) != 63 {
		t.Fatalf("unexpected npub %s", npub)
	}

	back, err := DecodePubkey(npub)
	if err != nil {
		t.Fatal(err)
	}
	if back != testPubkey {
		t.Errorf("DecodePubkey = %s, want %s", back, testPubkey)
	}

	upper, err := DecodePubkey(strings.ToUpper(npub))
	if err != nil || upper != testPubkey {
		t.Errorf("upper-case npub = %s, %v", upper, err)
	}

	hexBack, err := DecodePubkey(strings.ToUpper(testPubkey))
	if err != nil || hexBack != testPubkey {
		t.Errorf("hex passthrough = %s, %v", hexBack, err)
	}
}

func TestDecodePubkeyRejectsBadChecksum(t *testing.T) {
	npub, _ := EncodePubkey(testPubkey)
	last := npub[len(npub)-1]
	replacement := byte('q')
	if last == 'q' {
		replacement = 'p'
	}
	broken := npub[:len(npub)-1] + string(replacement)
	if _, err := DecodePubkey(broken); !errors.Is(err, ErrChecksum) {
		t.Errorf("corrupted npub: got %v, want ErrChecksum", err)
	}
}

func TestDecodePubkeyRejectsOtherEntities(t *testing.T) {
	note, err := EncodeEventID(testPubkey)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(note, "note1") {
		t.Errorf("unexpected note id %s", note)
	}
	if _, err := DecodePubkey(note); !errors.Is(err, ErrPrefix) {
		t.Errorf("note decoded as pubkey: %v", err)
	}
	if _, err := EncodeEventID("abcd"); !errors.Is(err, ErrLength) {
		t.Errorf("short id: got %v, want ErrLength", err)
	}
	if _, err := DecodePubkey("npub1bogus"); err == nil {
		t.Error("garbage decoded")
	}
}

func TestDecodeMatchesEncode(t *testing.T) {
	raw := []byte{0, 1, 2, 250, 255}
	s, err := Encode("test", raw)
	if err != nil {
		t.Fatal(err)
	}
	hrp, got, err := Decode(s)
	if err != nil {
		t.Fatal(err)
	}
	if hrp != "test" || string(got) != string(raw) {
		t.Errorf("Decode(%s) = %s %v", s, hrp, got)
	}
}
