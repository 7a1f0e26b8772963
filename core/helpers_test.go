package core

// helpers_test.go – shared construction helpers for the package tests.

import (
	"crypto/ed25519"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/AnonMoon64/Anvil/pkg/config"
)

// testConfig returns the protocol defaults with timings shrunk for tests.
func testConfig() *config.Config {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	cfg.Consensus.EpochDuration = time.Second
	cfg.Consensus.ViewChangeTimeout = 800 * time.Millisecond
	cfg.Receipts.ChallengeTimeout = 100 * time.Millisecond
	cfg.Mesh.GossipInterval = 200 * time.Millisecond
	cfg.Mesh.HeartbeatTimeout = 30 * time.Second
	cfg.Mesh.RequestTimeout = 2 * time.Second
	return cfg
}

// testContext builds a NodeContext with a fresh identity and the test
// configuration.
func testContext(t *testing.T, name string) *NodeContext {
	t.Helper()
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return contextFor(t, name, pub, priv)
}

func contextFor(t *testing.T, name string, pub ed25519.PublicKey, priv ed25519.PrivateKey) *NodeContext {
	t.Helper()
	pem, err := PublicKeyToPEM(pub)
	if err != nil {
		t.Fatalf("pem: %v", err)
	}
	b64, err := PublicKeyB64(pub)
	if err != nil {
		t.Fatalf("b64: %v", err)
	}
	hash, err := PublicKeyHashHex(pub)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	addr, err := AddressOf(pub)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	return &NodeContext{
		Name:       name,
		DataDir:    t.TempDir(),
		Config:     testConfig(),
		PrivKey:    priv,
		PubKey:     pub,
		PubKeyPEM:  pem,
		PubKeyB64:  b64,
		PubKeyHash: hash,
		Address:    addr,
		AddressHex: addr.Hex(),
		Metrics:    NewMetrics(name),
		Log:        log.WithField("node", name),
	}
}

// announceOf renders a context as the announce record peers would fold.
func announceOf(nctx *NodeContext) AnnounceMsg {
	return AnnounceMsg{
		ID:            nctx.Name,
		URL:           nctx.PublicURL,
		PublicKeyPEM:  nctx.PubKeyPEM,
		PublicKeyHash: nctx.PubKeyHash,
	}
}

// sealedBlock builds and seals a minimal block for the given leader
// context on top of the provided head.
func sealedBlock(t *testing.T, leader *NodeContext, epoch uint64, prevHash string, txs []Transaction) *Block {
	t.Helper()
	if txs == nil {
		txs = []Transaction{}
	}
	txRoot, err := TxMerkleRoot(txs)
	if err != nil {
		t.Fatalf("tx root: %v", err)
	}
	b := &Block{
		Epoch:                epoch,
		PreviousHash:         prevHash,
		Leader:               leader.AddressHex,
		LeaderPubKey:         leader.PubKeyB64,
		Timestamp:            time.Now().UnixMilli(),
		Receipts:             []Receipt{},
		Transactions:         txs,
		EffectivenessUpdates: map[string]float64{},
		Rewards:              map[string]uint64{},
		TxRoot:               txRoot,
		ReceiptRoot:          MerkleRoot(nil),
		StateRoot:            MerkleRoot(nil),
	}
	if err := b.Seal(leader.PrivKey); err != nil {
		t.Fatalf("seal: %v", err)
	}
	return b
}
