package core

import (
	"testing"
)

// TestFilterCoinbaseUnconditional verifies coinbase transactions always
// enter and never debit.
func TestFilterCoinbaseUnconditional(t *testing.T) {
	cb := NewCoinbaseTransaction("aa00000000000000000000000000000000000000", 1000)
	accepted := FilterTransactions([]Transaction{cb}, map[string]Account{})
	if len(accepted) != 1 {
		t.Fatalf("coinbase rejected")
	}
}

// TestFilterNonceAndBalance verifies the admission rule: exact nonce
// succession and overlay balance cover.
func TestFilterNonceAndBalance(t *testing.T) {
	nctx := testContext(t, "n1")
	to := "bb00000000000000000000000000000000000000"
	accounts := map[string]Account{nctx.AddressHex: {Balance: 500, Nonce: 0}}

	good, err := NewSignedTransaction(nctx.PrivKey, nctx.PubKey, to, 100, 1)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	gap, err := NewSignedTransaction(nctx.PrivKey, nctx.PubKey, to, 100, 3)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	broke, err := NewSignedTransaction(nctx.PrivKey, nctx.PubKey, to, 9999, 2)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	accepted := FilterTransactions([]Transaction{good, gap, broke}, accounts)
	if len(accepted) != 1 || accepted[0].Signature != good.Signature {
		t.Fatalf("accepted %d txs, want only the nonce-1 transfer", len(accepted))
	}
}

// TestFilterDoubleSpend verifies that of two transactions with the same
// (from, nonce), only the first in input order lands.
func TestFilterDoubleSpend(t *testing.T) {
	nctx := testContext(t, "n1")
	accounts := map[string]Account{nctx.AddressHex: {Balance: 1000, Nonce: 0}}
	first, err := NewSignedTransaction(nctx.PrivKey, nctx.PubKey, "bb00000000000000000000000000000000000000", 600, 1)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	second, err := NewSignedTransaction(nctx.PrivKey, nctx.PubKey, "cc00000000000000000000000000000000000000", 600, 1)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	accepted := FilterTransactions([]Transaction{first, second}, accounts)
	if len(accepted) != 1 || accepted[0].To != first.To {
		t.Fatalf("double spend not resolved to first submission")
	}
}

// TestFilterDeterministic verifies the filter yields the identical list on
// repeated runs over a fixed pre-state.
func TestFilterDeterministic(t *testing.T) {
	nctx := testContext(t, "n1")
	accounts := map[string]Account{nctx.AddressHex: {Balance: 300, Nonce: 0}}
	var txs []Transaction
	for nonce := uint64(1); nonce <= 5; nonce++ {
		tx, err := NewSignedTransaction(nctx.PrivKey, nctx.PubKey, "dd00000000000000000000000000000000000000", 100, nonce)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		txs = append(txs, tx)
	}
	base := FilterTransactions(txs, accounts)
	for i := 0; i < 10; i++ {
		again := FilterTransactions(txs, accounts)
		if len(again) != len(base) {
			t.Fatalf("run %d accepted %d, want %d", i, len(again), len(base))
		}
		for j := range again {
			if again[j].Signature != base[j].Signature {
				t.Fatalf("run %d diverged at index %d", i, j)
			}
		}
	}
	// Balance 300 covers exactly three 100-unit transfers.
	if len(base) != 3 {
		t.Fatalf("accepted %d transfers, want 3", len(base))
	}
}

// TestComputeRewards verifies the proportional split and the zero-total
// case.
func TestComputeRewards(t *testing.T) {
	rewards := ComputeRewards(100, map[string]float64{"a": 0.5, "b": 0.25, "c": 0.25})
	if rewards["a"] != 50 || rewards["b"] != 25 || rewards["c"] != 25 {
		t.Fatalf("unexpected split %v", rewards)
	}
	if len(ComputeRewards(100, map[string]float64{"a": 0, "b": 0})) != 0 {
		t.Fatalf("zero effectiveness emitted rewards")
	}
	if len(ComputeRewards(100, nil)) != 0 {
		t.Fatalf("empty effectiveness emitted rewards")
	}
}

// TestBuildBlockRoots verifies the boundary commitments: empty list is the
// zero root, a single transaction is its own hash.
func TestBuildBlockRoots(t *testing.T) {
	nctx := testContext(t, "leader")

	empty, err := BuildBlock(BuildInput{
		Epoch:        1,
		PreviousHash: ZeroHashHex,
		Leader:       nctx.AddressHex,
		LeaderPubKey: nctx.PubKeyB64,
		Accounts:     map[string]Account{},
	}, nctx.PrivKey)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if empty.TxRoot != ZeroHashHex {
		t.Fatalf("empty txRoot %s, want zero", empty.TxRoot)
	}

	cb := NewCoinbaseTransaction("aa00000000000000000000000000000000000000", 10)
	one, err := BuildBlock(BuildInput{
		Epoch:        1,
		PreviousHash: ZeroHashHex,
		Leader:       nctx.AddressHex,
		LeaderPubKey: nctx.PubKeyB64,
		Transactions: []Transaction{cb},
		Accounts:     map[string]Account{},
	}, nctx.PrivKey)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want, err := cb.HashHex()
	if err != nil {
		t.Fatalf("tx hash: %v", err)
	}
	if one.TxRoot != want {
		t.Fatalf("single-tx txRoot %s, want %s", one.TxRoot, want)
	}
	if err := one.VerifyHash(); err != nil {
		t.Fatalf("sealed block hash: %v", err)
	}
	if err := one.VerifyLeaderSignature(); err != nil {
		t.Fatalf("leader signature: %v", err)
	}
}

// TestStateRootTouchedOnly verifies the state commitment covers exactly the
// touched accounts, sorted by address.
func TestStateRootTouchedOnly(t *testing.T) {
	accounts := map[string]Account{
		"aa00000000000000000000000000000000000000": {Balance: 100, Nonce: 0},
		"bb00000000000000000000000000000000000000": {Balance: 200, Nonce: 4},
	}
	rewards := map[string]uint64{"aa00000000000000000000000000000000000000": 10}
	root1, err := StateRoot(accounts, rewards, nil)
	if err != nil {
		t.Fatalf("state root: %v", err)
	}
	// The untouched bb account must not influence the commitment.
	delete(accounts, "bb00000000000000000000000000000000000000")
	root2, err := StateRoot(accounts, rewards, nil)
	if err != nil {
		t.Fatalf("state root: %v", err)
	}
	if root1 != root2 {
		t.Fatalf("untouched account changed the state root")
	}
	leaf, err := HashCanonicalHex("aa00000000000000000000000000000000000000:110:0")
	if err != nil {
		t.Fatalf("leaf: %v", err)
	}
	if root1 != leaf {
		t.Fatalf("single touched account root %s, want its leaf %s", root1, leaf)
	}
}
