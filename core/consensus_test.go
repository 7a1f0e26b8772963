package core

import (
	"encoding/base64"
	"testing"
)

// testBench wires a Consensus with registered peers, no network.
type testBench struct {
	nctx   *NodeContext
	ledger *Ledger
	pool   *TxPool
	mesh   *PeerMesh
	cons   *Consensus
}

func newBench(t *testing.T, nctx *NodeContext, peers ...*NodeContext) *testBench {
	t.Helper()
	ledger, err := NewLedger(nctx.DataDir)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	pool := NewTxPool()
	mesh := NewPeerMesh(nctx, ledger)
	receipts := NewReceiptEngine(nctx, mesh)
	cons := NewConsensus(nctx, ledger, pool, receipts, mesh)
	mesh.SetEnqueue(cons.Enqueue)
	for _, p := range peers {
		if _, err := mesh.Register(announceOf(p)); err != nil {
			t.Fatalf("register %s: %v", p.Name, err)
		}
	}
	return &testBench{nctx: nctx, ledger: ledger, pool: pool, mesh: mesh, cons: cons}
}

// electedOf returns which of the contexts the deterministic election picks
// for (epoch, view).
func electedOf(epoch, view uint64, ctxs ...*NodeContext) *NodeContext {
	addrs := make([]string, 0, len(ctxs))
	for _, c := range ctxs {
		addrs = append(addrs, c.AddressHex)
	}
	winner := ElectLeader(epoch, view, addrs)
	for _, c := range ctxs {
		if c.AddressHex == winner {
			return c
		}
	}
	return nil
}

// TestElectLeaderDeterministic verifies the election is a pure function of
// (epoch, view, validator set) and insensitive to input order.
func TestElectLeaderDeterministic(t *testing.T) {
	validators := []string{"cc", "aa", "bb"}
	first := ElectLeader(7, 2, validators)
	if first == "" {
		t.Fatalf("no leader elected")
	}
	for i := 0; i < 10; i++ {
		if got := ElectLeader(7, 2, []string{"bb", "cc", "aa"}); got != first {
			t.Fatalf("election order-sensitive: %s vs %s", got, first)
		}
	}
	found := false
	for _, v := range validators {
		if v == first {
			found = true
		}
	}
	if !found {
		t.Fatalf("elected leader %s outside validator set", first)
	}
	if ElectLeader(7, 2, nil) != "" {
		t.Fatalf("empty validator set elected a leader")
	}
}

// TestQuorumCeiling verifies ⌈N·q⌉ for the default two-thirds fraction.
func TestQuorumCeiling(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 6: 4, 7: 5}
	for n, want := range cases {
		peers := make([]*NodeContext, 0, n-1)
		for i := 0; i < n-1; i++ {
			peers = append(peers, testContext(t, "p"))
		}
		b := newBench(t, testContext(t, "q"), peers...)
		if got := b.cons.quorum(); got != want {
			t.Fatalf("quorum(N=%d)=%d, want %d", n, got, want)
		}
	}
}

// TestHandleProposeVotes verifies a follower validates and votes for the
// elected leader's proposal.
func TestHandleProposeVotes(t *testing.T) {
	a, b, c := testContext(t, "a"), testContext(t, "b"), testContext(t, "c")
	leader := electedOf(1, 0, a, b, c)
	var follower *NodeContext
	for _, ctx := range []*NodeContext{a, b, c} {
		if ctx != leader {
			follower = ctx
			break
		}
	}
	others := []*NodeContext{}
	for _, ctx := range []*NodeContext{a, b, c} {
		if ctx != follower {
			others = append(others, ctx)
		}
	}
	bench := newBench(t, follower, others...)
	bench.cons.epoch.Store(1)
	bench.cons.state = StateAwaitingProposal

	block := sealedBlock(t, leader, 1, ZeroHashHex, nil)
	out := bench.cons.handlePropose(block)
	if !out.OK {
		t.Fatalf("valid proposal rejected: %v", out.Err)
	}
	reply := out.Payload.(ProposeReply)
	if reply.Vote == nil || reply.Vote.BlockHash != block.Hash || reply.Vote.Voter != follower.AddressHex {
		t.Fatalf("vote malformed: %+v", reply.Vote)
	}
	sig, err := base64.StdEncoding.DecodeString(reply.Vote.Signature)
	if err != nil || !Verify(follower.PubKey, []byte(block.Hash), sig) {
		t.Fatalf("vote signature does not verify")
	}
	if bench.cons.state != StateVoting {
		t.Fatalf("state %s after vote, want voting", bench.cons.state)
	}
}

// TestHandleProposeWrongLeader verifies a proposal from a non-elected node
// is dropped.
func TestHandleProposeWrongLeader(t *testing.T) {
	a, b, c := testContext(t, "a"), testContext(t, "b"), testContext(t, "c")
	leader := electedOf(1, 0, a, b, c)
	var impostor, follower *NodeContext
	for _, ctx := range []*NodeContext{a, b, c} {
		if ctx != leader {
			if impostor == nil {
				impostor = ctx
			} else {
				follower = ctx
			}
		}
	}
	others := []*NodeContext{}
	for _, ctx := range []*NodeContext{a, b, c} {
		if ctx != follower {
			others = append(others, ctx)
		}
	}
	bench := newBench(t, follower, others...)
	bench.cons.epoch.Store(1)
	bench.cons.state = StateAwaitingProposal

	block := sealedBlock(t, impostor, 1, ZeroHashHex, nil)
	out := bench.cons.handlePropose(block)
	if out.OK {
		t.Fatalf("impostor proposal accepted")
	}
	if out.Err.Kind != ErrConsensusViolation {
		t.Fatalf("rejection kind %s", out.Err.Kind)
	}
}

// TestHandleProposeEquivocation verifies conflicting proposals from one
// leader slash exactly once and return the evidence pair.
func TestHandleProposeEquivocation(t *testing.T) {
	a, b, c := testContext(t, "a"), testContext(t, "b"), testContext(t, "c")
	leader := electedOf(1, 0, a, b, c)
	var follower *NodeContext
	for _, ctx := range []*NodeContext{a, b, c} {
		if ctx != leader {
			follower = ctx
			break
		}
	}
	others := []*NodeContext{}
	for _, ctx := range []*NodeContext{a, b, c} {
		if ctx != follower {
			others = append(others, ctx)
		}
	}
	bench := newBench(t, follower, others...)
	bench.cons.epoch.Store(1)
	bench.cons.state = StateAwaitingProposal

	b1 := sealedBlock(t, leader, 1, ZeroHashHex, nil)
	b2 := sealedBlock(t, leader, 1, ZeroHashHex, []Transaction{NewCoinbaseTransaction("aa00000000000000000000000000000000000000", 1)})

	if out := bench.cons.handlePropose(b1); !out.OK {
		t.Fatalf("first proposal rejected: %v", out.Err)
	}
	out := bench.cons.handlePropose(b2)
	if out.OK {
		t.Fatalf("conflicting proposal accepted")
	}
	reply := out.Payload.(ProposeReply)
	if reply.Kind != ErrEquivocation || len(reply.Evidence) != 2 {
		t.Fatalf("equivocation reply %+v", reply)
	}
	if !bench.ledger.IsSlashed(leader.AddressHex) {
		t.Fatalf("leader not slashed")
	}
	if got := bench.nctx.Metrics.Snapshot().SlashEvents; got != 1 {
		t.Fatalf("slashEvents %d, want 1", got)
	}

	// A third conflicting proposal must not slash again.
	b3 := sealedBlock(t, leader, 1, ZeroHashHex, []Transaction{NewCoinbaseTransaction("bb00000000000000000000000000000000000000", 2)})
	bench.cons.handlePropose(b3)
	if got := bench.nctx.Metrics.Snapshot().SlashEvents; got != 1 {
		t.Fatalf("slashEvents %d after repeat evidence, want 1", got)
	}
}

// TestLeaderVoteQuorumCommit verifies the leader path: proposal, follower
// vote, quorum commit with the vote map attached.
func TestLeaderVoteQuorumCommit(t *testing.T) {
	leaderCtx := testContext(t, "leader")
	p1, p2 := testContext(t, "p1"), testContext(t, "p2")
	bench := newBench(t, leaderCtx, p1, p2)
	bench.cons.epoch.Store(1)

	block, err := BuildBlock(BuildInput{
		Epoch:        1,
		PreviousHash: ZeroHashHex,
		Leader:       leaderCtx.AddressHex,
		LeaderPubKey: leaderCtx.PubKeyB64,
		Accounts:     map[string]Account{},
	}, leaderCtx.PrivKey)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	bench.cons.proposal = block
	bench.cons.state = StateVoting
	bench.cons.votes = map[string]string{
		leaderCtx.AddressHex: base64.StdEncoding.EncodeToString(Sign(leaderCtx.PrivKey, []byte(block.Hash))),
	}

	vote := VoteMsg{
		Epoch:       1,
		BlockHash:   block.Hash,
		Voter:       p1.AddressHex,
		VoterPubKey: p1.PubKeyB64,
		Signature:   base64.StdEncoding.EncodeToString(Sign(p1.PrivKey, []byte(block.Hash))),
	}
	if out := bench.cons.handleVote(&vote); !out.OK {
		t.Fatalf("vote rejected: %v", out.Err)
	}
	if bench.ledger.Length() != 1 {
		t.Fatalf("quorum reached but chain length %d", bench.ledger.Length())
	}
	if bench.cons.state != StateCommitted {
		t.Fatalf("state %s after commit", bench.cons.state)
	}
	committed := bench.ledger.BlockAt(1)
	if len(committed.Votes) != 2 {
		t.Fatalf("committed votes %d, want 2", len(committed.Votes))
	}
	if got := bench.nctx.Metrics.Snapshot().BlocksCommitted; got != 1 {
		t.Fatalf("blocksCommitted %d", got)
	}
}

// TestHandleVoteRejectsForgery verifies bad voter keys and signatures are
// dropped.
func TestHandleVoteRejectsForgery(t *testing.T) {
	leaderCtx := testContext(t, "leader")
	p1, p2, p3 := testContext(t, "p1"), testContext(t, "p2"), testContext(t, "p3")
	bench := newBench(t, leaderCtx, p1, p2, p3)
	bench.cons.epoch.Store(1)

	block, err := BuildBlock(BuildInput{
		Epoch:        1,
		PreviousHash: ZeroHashHex,
		Leader:       leaderCtx.AddressHex,
		LeaderPubKey: leaderCtx.PubKeyB64,
		Accounts:     map[string]Account{},
	}, leaderCtx.PrivKey)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	bench.cons.proposal = block
	bench.cons.state = StateVoting
	bench.cons.votes = map[string]string{}

	forged := VoteMsg{
		Epoch:       1,
		BlockHash:   block.Hash,
		Voter:       p1.AddressHex,
		VoterPubKey: p1.PubKeyB64,
		Signature:   base64.StdEncoding.EncodeToString(Sign(p2.PrivKey, []byte(block.Hash))),
	}
	if out := bench.cons.handleVote(&forged); out.OK {
		t.Fatalf("forged vote accepted")
	}
	mismatch := VoteMsg{
		Epoch:       1,
		BlockHash:   block.Hash,
		Voter:       p1.AddressHex,
		VoterPubKey: p2.PubKeyB64,
		Signature:   base64.StdEncoding.EncodeToString(Sign(p2.PrivKey, []byte(block.Hash))),
	}
	if out := bench.cons.handleVote(&mismatch); out.OK {
		t.Fatalf("voter/key mismatch accepted")
	}
}

// TestHandleCommitFollower verifies quorum-bearing committed blocks are
// appended and re-delivery is idempotent.
func TestHandleCommitFollower(t *testing.T) {
	leaderCtx := testContext(t, "leader")
	p2 := testContext(t, "p2")
	follower := testContext(t, "follower")
	bench := newBench(t, follower, leaderCtx, p2)
	bench.cons.epoch.Store(1)

	block := sealedBlock(t, leaderCtx, 1, ZeroHashHex, nil)
	block.Votes = map[string]string{
		leaderCtx.AddressHex: base64.StdEncoding.EncodeToString(Sign(leaderCtx.PrivKey, []byte(block.Hash))),
		p2.AddressHex:        base64.StdEncoding.EncodeToString(Sign(p2.PrivKey, []byte(block.Hash))),
	}
	if out := bench.cons.handleCommit(block); !out.OK {
		t.Fatalf("commit rejected: %v", out.Err)
	}
	if bench.ledger.Length() != 1 {
		t.Fatalf("chain length %d", bench.ledger.Length())
	}
	if out := bench.cons.handleCommit(block); !out.OK {
		t.Fatalf("re-delivered commit not idempotent: %v", out.Err)
	}

	// Below quorum is refused.
	under := sealedBlock(t, leaderCtx, 2, block.Hash, nil)
	under.Votes = map[string]string{
		leaderCtx.AddressHex: base64.StdEncoding.EncodeToString(Sign(leaderCtx.PrivKey, []byte(under.Hash))),
	}
	if out := bench.cons.handleCommit(under); out.OK {
		t.Fatalf("under-quorum commit accepted")
	}
}

// TestHandleCommitPaddedVotes verifies fabricated voter entries cannot pad
// the vote map to quorum: only votes that resolve to a known key and verify
// are counted.
func TestHandleCommitPaddedVotes(t *testing.T) {
	leaderCtx := testContext(t, "leader")
	p2 := testContext(t, "p2")
	follower := testContext(t, "follower")
	bench := newBench(t, follower, leaderCtx, p2)
	bench.cons.epoch.Store(1)

	// One genuine vote plus two fabricated addresses with garbage
	// signatures: raw len meets quorum (2 of 3), verified count does not.
	block := sealedBlock(t, leaderCtx, 1, ZeroHashHex, nil)
	block.Votes = map[string]string{
		leaderCtx.AddressHex: base64.StdEncoding.EncodeToString(Sign(leaderCtx.PrivKey, []byte(block.Hash))),
		"dead000000000000000000000000000000000000": "bm90LWEtc2lnbmF0dXJl",
		"beef000000000000000000000000000000000000": "!!!!",
	}
	if out := bench.cons.handleCommit(block); out.OK {
		t.Fatalf("padded vote map accepted")
	}
	if bench.ledger.Length() != 0 {
		t.Fatalf("padded commit appended")
	}

	// A known voter with a garbage signature must not count either.
	block.Votes[p2.AddressHex] = base64.StdEncoding.EncodeToString(Sign(p2.PrivKey, []byte("some other payload")))
	if out := bench.cons.handleCommit(block); out.OK {
		t.Fatalf("known voter with bad signature counted toward quorum")
	}

	// Replacing it with a genuine second vote commits.
	block.Votes[p2.AddressHex] = base64.StdEncoding.EncodeToString(Sign(p2.PrivKey, []byte(block.Hash)))
	if out := bench.cons.handleCommit(block); !out.OK {
		t.Fatalf("genuinely quorate commit rejected: %v", out.Err)
	}
	if bench.ledger.Length() != 1 {
		t.Fatalf("chain length %d after quorate commit", bench.ledger.Length())
	}
}

// TestHandleFaucetRepeated verifies successive mints on one node all enter
// the pool and failures are reported, not swallowed.
func TestHandleFaucetRepeated(t *testing.T) {
	self := testContext(t, "self")
	bench := newBench(t, self)
	to := "aa00000000000000000000000000000000000000"

	if out := bench.cons.handleFaucet(FaucetMsg{To: to, Amount: 100}); !out.OK {
		t.Fatalf("first mint rejected: %v", out.Err)
	}
	if out := bench.cons.handleFaucet(FaucetMsg{To: to, Amount: 200}); !out.OK {
		t.Fatalf("second mint rejected: %v", out.Err)
	}
	if bench.pool.Len() != 2 {
		t.Fatalf("pool length %d after two mints, want 2", bench.pool.Len())
	}

	// A committed coinbase pins only its own hash; the faucet stays alive.
	committed := NewCoinbaseTransaction(to, 300)
	bench.pool.MarkCommitted(&Block{Transactions: []Transaction{committed}})
	if out := bench.cons.handleFaucet(FaucetMsg{To: to, Amount: 500}); !out.OK {
		t.Fatalf("mint after committed coinbase rejected: %v", out.Err)
	}
	if bench.pool.Len() != 3 {
		t.Fatalf("pool length %d after three mints, want 3", bench.pool.Len())
	}
}

// TestViewChangeQuorum verifies the tally advances the view at quorum and
// recomputes the leader.
func TestViewChangeQuorum(t *testing.T) {
	self := testContext(t, "self")
	p1, p2 := testContext(t, "p1"), testContext(t, "p2")
	bench := newBench(t, self, p1, p2)
	bench.cons.epoch.Store(1)
	bench.cons.state = StateAwaitingProposal

	for i, sender := range []*NodeContext{p1, p2} {
		msg := ViewChangeMsg{Epoch: 1, OldView: 0, NewView: 1, From: sender.AddressHex, PubKey: sender.PubKeyB64}
		msg.Signature = base64.StdEncoding.EncodeToString(Sign(sender.PrivKey, msg.SigningBytes()))
		if out := bench.cons.handleViewChange(&msg); !out.OK {
			t.Fatalf("view-change %d rejected: %v", i, out.Err)
		}
	}
	if _, view := bench.cons.EpochView(); view != 1 {
		t.Fatalf("view %d after quorum, want 1", view)
	}
	if got := bench.nctx.Metrics.Snapshot().ViewChanges; got != 1 {
		t.Fatalf("viewChanges %d", got)
	}

	// Tampered signatures never tally.
	bad := ViewChangeMsg{Epoch: 1, OldView: 1, NewView: 2, From: p1.AddressHex, PubKey: p1.PubKeyB64}
	bad.Signature = base64.StdEncoding.EncodeToString(Sign(p2.PrivKey, bad.SigningBytes()))
	if out := bench.cons.handleViewChange(&bad); out.OK {
		t.Fatalf("forged view-change accepted")
	}
}

// TestHandleTransaction verifies signature gating and hash-keyed
// dedupe.
func TestHandleTransaction(t *testing.T) {
	self := testContext(t, "self")
	sender := testContext(t, "sender")
	bench := newBench(t, self)

	tx, err := NewSignedTransaction(sender.PrivKey, sender.PubKey, "aa00000000000000000000000000000000000000", 5, 1)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if out := bench.cons.handleTransaction(&tx); !out.OK {
		t.Fatalf("valid tx rejected: %v", out.Err)
	}
	if out := bench.cons.handleTransaction(&tx); !out.OK {
		t.Fatalf("duplicate tx not idempotent")
	}
	if bench.pool.Len() != 1 {
		t.Fatalf("pool length %d after duplicate", bench.pool.Len())
	}

	tampered := tx
	tampered.Amount = 6
	out := bench.cons.handleTransaction(&tampered)
	if out.OK || out.Err.Kind != ErrSignatureInvalid {
		t.Fatalf("tampered tx outcome %+v", out)
	}
}
