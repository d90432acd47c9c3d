package cryptox

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func testKey() string {
	return hex.EncodeToString(bytes.Repeat([]byte{0xAB}, 32))
}

func TestNewBoxRejectsBadKeys(t *testing.T) {
	if _, err := NewBox("not-hex"); err == nil {
		t.Fatal("expected error for non-hex key")
	}
	if _, err := NewBox(hex.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox(testKey())
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("document body")
	sealed, err := box.Seal(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed output contains plaintext")
	}
	got, err := box.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestOpenRejectsTamperedData(t *testing.T) {
	box, err := NewBox(testKey())
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := box.Seal([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	sealed[len(sealed)-1] ^= 0xFF
	if _, err := box.Open(sealed); err == nil {
		t.Fatal("expected error for tampered ciphertext")
	}
	if _, err := box.Open([]byte{1, 2, 3}); err != ErrCiphertextTooShort {
		t.Fatalf("got %v, want ErrCiphertextTooShort", err)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	box, err := NewBox(testKey())
	if err != nil {
		t.Fatal(err)
	}
	content := map[string]any{"type": "berth", "pier": "A7"}
	sealed, err := box.SealJSON(content)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := box.OpenJSON(sealed, &got); err != nil {
		t.Fatal(err)
	}
	if got["pier"] != "A7" {
		t.Fatalf("got %v", got)
	}
}
