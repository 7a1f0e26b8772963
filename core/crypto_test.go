package core

import (
	"strings"
	"testing"
)

// TestAddressDerivation verifies the address is the 20-byte SHA-256 prefix
// of the DER public key, lowercase hex on the wire.
func TestAddressDerivation(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	addr, err := AddressOf(pub)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	hex := addr.Hex()
	if len(hex) != 40 {
		t.Fatalf("address hex length %d, want 40", len(hex))
	}
	if hex != strings.ToLower(hex) {
		t.Fatalf("address not lowercase: %s", hex)
	}
	hash, err := PublicKeyHashHex(pub)
	if err != nil {
		t.Fatalf("key hash: %v", err)
	}
	if !strings.HasPrefix(hash, hex) {
		t.Fatalf("address %s is not a prefix of key hash %s", hex, hash)
	}
	back, err := StringToAddress(hex)
	if err != nil || back != addr {
		t.Fatalf("address roundtrip failed")
	}
}

// TestSignVerify verifies signatures validate and tampering fails closed.
func TestSignVerify(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("the payload")
	sig := Sign(priv, msg)
	if !Verify(pub, msg, sig) {
		t.Fatalf("valid signature rejected")
	}
	if Verify(pub, []byte("other payload"), sig) {
		t.Fatalf("signature over different payload accepted")
	}
	if Verify(pub, msg, sig[:10]) {
		t.Fatalf("truncated signature accepted")
	}
	if Verify(pub[:5], msg, sig) {
		t.Fatalf("truncated key accepted")
	}
}

// TestPublicKeyEncodings verifies the PEM and base64 wire forms round-trip.
func TestPublicKeyEncodings(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pemStr, err := PublicKeyToPEM(pub)
	if err != nil {
		t.Fatalf("pem encode: %v", err)
	}
	fromPEM, err := ParsePublicKeyPEM(pemStr)
	if err != nil {
		t.Fatalf("pem decode: %v", err)
	}
	b64, err := PublicKeyB64(pub)
	if err != nil {
		t.Fatalf("b64 encode: %v", err)
	}
	fromB64, err := ParsePublicKeyB64(b64)
	if err != nil {
		t.Fatalf("b64 decode: %v", err)
	}
	if !fromPEM.Equal(pub) || !fromB64.Equal(pub) {
		t.Fatalf("decoded keys differ from original")
	}
	if _, err := ParsePublicKeyPEM("not a pem"); err == nil {
		t.Fatalf("garbage PEM accepted")
	}
	if _, err := ParsePublicKeyB64("!!!"); err == nil {
		t.Fatalf("garbage base64 accepted")
	}
}

// TestLoadOrCreateKeyPair verifies the key pair persists across loads.
func TestLoadOrCreateKeyPair(t *testing.T) {
	dir := t.TempDir()
	pub1, _, err := LoadOrCreateKeyPair(dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pub2, _, err := LoadOrCreateKeyPair(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !pub1.Equal(pub2) {
		t.Fatalf("reloaded key differs")
	}
}

// TestHashCanonicalHex verifies structural hashes are stable and hex.
func TestHashCanonicalHex(t *testing.T) {
	h1, err := HashCanonicalHex(map[string]int{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := HashCanonicalHex(map[string]int{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("map ordering changed the hash")
	}
	if len(h1) != 64 {
		t.Fatalf("hash hex length %d, want 64", len(h1))
	}
}
