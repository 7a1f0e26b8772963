package core

// block.go – block hashing, sealing and verification. The header hash covers
// the canonical encoding of the block without hash, leaderSignature and
// votes; the leader signature and every vote sign the hex hash string.

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
)

func (b *Block) headerTree() (map[string]interface{}, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, WrapErr(ErrMalformedInput, err, "block marshal")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, WrapErr(ErrMalformedInput, err, "block decode")
	}
	delete(m, "hash")
	delete(m, "leaderSignature")
	delete(m, "votes")
	return m, nil
}

// ComputeHash returns the canonical header hash of b.
func (b *Block) ComputeHash() (string, error) {
	m, err := b.headerTree()
	if err != nil {
		return "", err
	}
	return HashCanonicalHex(m)
}

// Seal computes the hash and attaches the leader signature. Votes start
// empty; the leader attaches the tally at commit time.
func (b *Block) Seal(priv ed25519.PrivateKey) error {
	h, err := b.ComputeHash()
	if err != nil {
		return err
	}
	b.Hash = h
	b.LeaderSignature = base64.StdEncoding.EncodeToString(Sign(priv, []byte(h)))
	if b.Votes == nil {
		b.Votes = map[string]string{}
	}
	return nil
}

// VerifyHash recomputes the header hash and compares it to the embedded one.
func (b *Block) VerifyHash() error {
	h, err := b.ComputeHash()
	if err != nil {
		return err
	}
	if h != b.Hash {
		return Errf(ErrConsensusViolation, "block hash mismatch: computed %s, embedded %s", h, b.Hash)
	}
	return nil
}

// VerifyLeaderSignature checks that leaderPubKey derives the leader address
// and signs the block hash.
func (b *Block) VerifyLeaderSignature() error {
	pub, err := ParsePublicKeyB64(b.LeaderPubKey)
	if err != nil {
		return Errf(ErrSignatureInvalid, "leader public key: %v", err)
	}
	addr, err := AddressOf(pub)
	if err != nil {
		return Errf(ErrSignatureInvalid, "leader address derivation: %v", err)
	}
	if addr.Hex() != b.Leader {
		return Errf(ErrSignatureInvalid, "leader %s does not match key %s", b.Leader, addr.Hex())
	}
	sig, err := base64.StdEncoding.DecodeString(b.LeaderSignature)
	if err != nil {
		return Errf(ErrSignatureInvalid, "leader signature encoding")
	}
	if !Verify(pub, []byte(b.Hash), sig) {
		return Errf(ErrSignatureInvalid, "leader signature mismatch")
	}
	return nil
}

// VerifyVotes checks the attached vote map against quorum. Only entries
// that resolve to a known validator key and whose signature verifies over
// the block hash count; fabricated addresses and garbage signatures cannot
// pad the tally.
func (b *Block) VerifyVotes(quorum int, resolve func(addrHex string) (ed25519.PublicKey, bool)) error {
	verified := 0
	for voter, sigB64 := range b.Votes {
		pub, known := resolve(voter)
		if !known {
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(sigB64)
		if err != nil || !Verify(pub, []byte(b.Hash), sig) {
			continue
		}
		verified++
	}
	if verified < quorum {
		return Errf(ErrConsensusViolation, "verified votes %d below quorum %d", verified, quorum)
	}
	return nil
}

// Header projects the light header form served on /headers.
func (b *Block) Header() BlockHeader {
	return BlockHeader{
		Epoch:           b.Epoch,
		Hash:            b.Hash,
		PreviousHash:    b.PreviousHash,
		TxRoot:          b.TxRoot,
		ReceiptRoot:     b.ReceiptRoot,
		StateRoot:       b.StateRoot,
		Timestamp:       b.Timestamp,
		Leader:          b.Leader,
		LeaderSignature: b.LeaderSignature,
	}
}
