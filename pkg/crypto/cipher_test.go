package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestBoxRoundTrip(t *testing.T) {
	box, err := NewBox("local-key")
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	sealed, err := box.Seal([]byte(`{"team_id":"t1"}`))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("t1")) {
		t.Fatalf("expected ciphertext to hide plaintext")
	}
	plain, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plain) != `{"team_id":"t1"}` {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestBoxRejectsForeignKey(t *testing.T) {
	a, _ := NewBox("a")
	b, _ := NewBox("b")
	sealed, err := a.Seal([]byte("x"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := b.Open(sealed); !errors.Is(err, ErrCiphertext) {
		t.Fatalf("expected ErrCiphertext, got %v", err)
	}
	if _, err := a.Open([]byte{1, 2}); !errors.Is(err, ErrCiphertext) {
		t.Fatalf("expected ErrCiphertext for short payload, got %v", err)
	}
}
