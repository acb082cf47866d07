package crypto

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer([]byte("master-secret"), "snapshot")
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte(`{"collections":{"apis":[]}}`)
	blob, err := s.Seal(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(blob, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	got, err := s.Open(blob)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestSealNonceUnique(t *testing.T) {
	s, _ := NewSealer([]byte("master-secret"), "snapshot")
	a, _ := s.Seal([]byte("same"))
	b, _ := s.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Fatal("two seals produced identical blobs")
	}
}

func TestOpenRejectsTamper(t *testing.T) {
	s, _ := NewSealer([]byte("master-secret"), "snapshot")
	blob, _ := s.Seal([]byte("payload"))
	blob[len(blob)-1] ^= 0xff
	if _, err := s.Open(blob); err == nil {
		t.Fatal("expected tamper detection")
	}
}

func TestPurposeSeparation(t *testing.T) {
	a, _ := NewSealer([]byte("master-secret"), "snapshot")
	b, _ := NewSealer([]byte("master-secret"), "credits")
	blob, _ := a.Seal([]byte("payload"))
	if _, err := b.Open(blob); err == nil {
		t.Fatal("sealer with different purpose opened blob")
	}
}

func TestVaultSealerPerUser(t *testing.T) {
	alice, err := NewVaultSealer([]byte("vault-master"), "alice@example.com", "alice")
	if err != nil {
		t.Fatal(err)
	}
	bob, _ := NewVaultSealer([]byte("vault-master"), "bob@example.com", "bob")

	enc, err := alice.SealString("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.OpenString(enc); err == nil {
		t.Fatal("bob's sealer opened alice's entry")
	}
	got, err := alice.OpenString(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got != "s3cret" {
		t.Errorf("got %q", got)
	}
}

func TestEmptyMasterRejected(t *testing.T) {
	if _, err := NewSealer(nil, "snapshot"); err == nil {
		t.Fatal("expected error for empty master key")
	}
}
