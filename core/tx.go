package core

// tx.go – transaction construction, signing and verification.

import (
	"crypto/ed25519"
	"encoding/base64"
	"time"
)

// txSigningView is the portion of a transaction covered by its signature.
type txSigningView struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	PublicKey string `json:"publicKey"`
}

// SigningBytes returns the canonical payload the sender signs.
func (tx Transaction) SigningBytes() []byte {
	return MustCanonicalJSON(txSigningView{
		From:      tx.From,
		To:        tx.To,
		Amount:    tx.Amount,
		Nonce:     tx.Nonce,
		Timestamp: tx.Timestamp,
		PublicKey: tx.PublicKey,
	})
}

// HashHex is the canonical content hash of the full transaction, used as the
// Merkle leaf and the /proof lookup key.
func (tx Transaction) HashHex() (string, error) {
	return HashCanonicalHex(tx)
}

// IsCoinbase reports whether tx mints rather than transfers.
func (tx Transaction) IsCoinbase() bool { return tx.From == CoinbaseSender }

// VerifySignature checks the sender signature and that the embedded public
// key derives the from address. Coinbase transactions pass on the literal
// marker alone.
func (tx Transaction) VerifySignature() error {
	if tx.IsCoinbase() {
		if tx.Signature != CoinbaseSender {
			return Errf(ErrSignatureInvalid, "coinbase tx without coinbase marker")
		}
		return nil
	}
	pub, err := ParsePublicKeyB64(tx.PublicKey)
	if err != nil {
		return Errf(ErrSignatureInvalid, "tx public key: %v", err)
	}
	addr, err := AddressOf(pub)
	if err != nil {
		return Errf(ErrSignatureInvalid, "tx address derivation: %v", err)
	}
	if addr.Hex() != tx.From {
		return Errf(ErrSignatureInvalid, "tx from %s does not match key %s", tx.From, addr.Hex())
	}
	sig, err := base64.StdEncoding.DecodeString(tx.Signature)
	if err != nil {
		return Errf(ErrSignatureInvalid, "tx signature encoding")
	}
	if !Verify(pub, tx.SigningBytes(), sig) {
		return Errf(ErrSignatureInvalid, "tx signature mismatch")
	}
	return nil
}

// NewSignedTransaction builds and signs a transfer from the holder of priv.
func NewSignedTransaction(priv ed25519.PrivateKey, pub ed25519.PublicKey, to string, amount, nonce uint64) (Transaction, error) {
	pubB64, err := PublicKeyB64(pub)
	if err != nil {
		return Transaction{}, err
	}
	from, err := AddressOf(pub)
	if err != nil {
		return Transaction{}, err
	}
	tx := Transaction{
		From:      from.Hex(),
		To:        to,
		Amount:    amount,
		Nonce:     nonce,
		Timestamp: time.Now().UnixMilli(),
		PublicKey: pubB64,
	}
	tx.Signature = base64.StdEncoding.EncodeToString(Sign(priv, tx.SigningBytes()))
	return tx, nil
}

// NewCoinbaseTransaction mints amount to the recipient. The nonce is the
// mint timestamp, which keeps every mint unique without an account to track.
func NewCoinbaseTransaction(to string, amount uint64) Transaction {
	now := time.Now().UnixMilli()
	return Transaction{
		From:      CoinbaseSender,
		To:        to,
		Amount:    amount,
		Nonce:     uint64(now),
		Timestamp: now,
		Signature: CoinbaseSender,
	}
}
