package core

// crypto.go – signature scheme (Ed25519), content hashing (SHA-256) and
// address derivation. Addresses are the first 20 bytes of SHA-256 over the
// PKIX/DER encoding of the public key, lowercase hex on the wire.

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// AddressLength is the byte length of a ledger address.
const AddressLength = 20

// ZeroHashHex is the previousHash of the genesis block and the Merkle root of
// an empty leaf set.
const ZeroHashHex = "0000000000000000000000000000000000000000000000000000000000000000"

// Address identifies a key pair inside the ledger. It is the sole entity
// identifier; node names are logging hints only.
type Address [AddressLength]byte

// Hex returns the lowercase hex wire form of the address.
func (a Address) Hex() string { return hex.EncodeToString(a[:]) }

// Short returns an abbreviated form for logs.
func (a Address) Short() string {
	full := a.Hex()
	return fmt.Sprintf("%s..%s", full[:4], full[len(full)-4:])
}

// Bytes returns the raw address bytes.
func (a Address) Bytes() []byte { return a[:] }

// StringToAddress parses a lowercase hex address.
func StringToAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != AddressLength {
		return a, Errf(ErrMalformedInput, "invalid address %q", s)
	}
	copy(a[:], b)
	return a, nil
}

// GenerateKeyPair creates a fresh Ed25519 key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, WrapErr(ErrPersistence, err, "generate key pair")
	}
	return pub, priv, nil
}

// Sign produces an Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid signature of msg under pub. It
// returns false on any malformed input rather than failing; ed25519
// verification runs in constant time with respect to the signature.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Hash returns the SHA-256 digest of b.
func Hash(b []byte) [32]byte { return sha256.Sum256(b) }

// HashHex returns the lowercase hex SHA-256 digest of b.
func HashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashCanonical serialises v canonically (see canonical.go) and hashes the
// result. Every structural hash in the system goes through this function.
func HashCanonical(v interface{}) ([32]byte, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// HashCanonicalHex is HashCanonical with a lowercase hex result.
func HashCanonicalHex(v interface{}) (string, error) {
	sum, err := HashCanonical(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

// MarshalPublicKey returns the PKIX/DER encoding of pub.
func MarshalPublicKey(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, WrapErr(ErrMalformedInput, err, "marshal public key")
	}
	return der, nil
}

// ParsePublicKey decodes a PKIX/DER encoded Ed25519 public key.
func ParsePublicKey(der []byte) (ed25519.PublicKey, error) {
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, WrapErr(ErrMalformedInput, err, "parse public key")
	}
	pub, ok := k.(ed25519.PublicKey)
	if !ok {
		return nil, Errf(ErrMalformedInput, "public key is not ed25519")
	}
	return pub, nil
}

// PublicKeyB64 returns the base64 wire form of pub (PKIX/DER inside).
func PublicKeyB64(pub ed25519.PublicKey) (string, error) {
	der, err := MarshalPublicKey(pub)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKeyB64 decodes the base64 wire form of a public key.
func ParsePublicKeyB64(s string) (ed25519.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, WrapErr(ErrMalformedInput, err, "decode public key")
	}
	return ParsePublicKey(der)
}

// PublicKeyToPEM returns the PEM encoding of pub (PKIX DER inside a PUBLIC
// KEY block), the form carried by announce and challenge replies.
func PublicKeyToPEM(pub ed25519.PublicKey) (string, error) {
	der, err := MarshalPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKeyPEM decodes a PEM-encoded Ed25519 public key.
func ParsePublicKeyPEM(s string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, Errf(ErrMalformedInput, "no PUBLIC KEY block")
	}
	return ParsePublicKey(block.Bytes)
}

// PublicKeyHashHex is the full SHA-256 digest of the DER public key,
// lowercase hex. The address is its 20-byte prefix.
func PublicKeyHashHex(pub ed25519.PublicKey) (string, error) {
	der, err := MarshalPublicKey(pub)
	if err != nil {
		return "", err
	}
	return HashHex(der), nil
}

// AddressOf derives the 20-byte address of pub: the first 20 bytes of
// SHA-256 over the DER encoding.
func AddressOf(pub ed25519.PublicKey) (Address, error) {
	var a Address
	der, err := MarshalPublicKey(pub)
	if err != nil {
		return a, err
	}
	sum := sha256.Sum256(der)
	copy(a[:], sum[:AddressLength])
	return a, nil
}

const (
	keyFilePriv = "keypair.priv"
	keyFilePub  = "keypair.pub"
)

// LoadOrCreateKeyPair reads the node key pair from dir, generating and
// persisting a new one when absent. Key files are PEM with 0600 permissions.
func LoadOrCreateKeyPair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	privPath := filepath.Join(dir, keyFilePriv)
	if raw, err := os.ReadFile(privPath); err == nil {
		return parseKeyPEM(raw)
	} else if !os.IsNotExist(err) {
		return nil, nil, WrapErr(ErrPersistence, err, "read key pair")
	}

	pub, priv, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	if err := saveKeyPair(dir, pub, priv); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func parseKeyPEM(raw []byte) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, nil, Errf(ErrPersistence, "keypair.priv: no PRIVATE KEY block")
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, WrapErr(ErrPersistence, err, "parse private key")
	}
	priv, ok := k.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, Errf(ErrPersistence, "private key is not ed25519")
	}
	return priv.Public().(ed25519.PublicKey), priv, nil
}

func saveKeyPair(dir string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return WrapErr(ErrPersistence, err, "create data dir")
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return WrapErr(ErrPersistence, err, "marshal private key")
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(filepath.Join(dir, keyFilePriv), privPEM, 0o600); err != nil {
		return WrapErr(ErrPersistence, err, "write private key")
	}
	pubDER, err := MarshalPublicKey(pub)
	if err != nil {
		return err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(filepath.Join(dir, keyFilePub), pubPEM, 0o600); err != nil {
		return WrapErr(ErrPersistence, err, "write public key")
	}
	return nil
}
