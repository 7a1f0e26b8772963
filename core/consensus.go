package core

// consensus.go – leader election, the per-epoch state machine, vote
// collection, view change and equivocation slashing. Every state mutation
// happens on the single Run loop; network handlers and timers only enqueue
// events. Outbound I/O runs in goroutines whose results re-enter the loop
// as messages.

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ElectLeader deterministically picks the leader for (epoch, view) from the
// sorted validator address list. The first four bytes of the round hash
// index the list.
func ElectLeader(epoch, view uint64, validators []string) string {
	if len(validators) == 0 {
		return ""
	}
	sorted := append([]string(nil), validators...)
	sort.Strings(sorted)
	sum := Hash([]byte(fmt.Sprintf("epoch-%d-view-%d", epoch, view)))
	idx := binary.BigEndian.Uint32(sum[:4]) % uint32(len(sorted))
	return sorted[idx]
}

type vcSigningView struct {
	Epoch   uint64 `json:"epoch"`
	NewView uint64 `json:"newView"`
}

// SigningBytes returns the canonical payload a view-change sender signs.
func (m ViewChangeMsg) SigningBytes() []byte {
	return MustCanonicalJSON(vcSigningView{Epoch: m.Epoch, NewView: m.NewView})
}

type roundRef struct {
	epoch uint64
	view  uint64
}

// Consensus owns the epoch/view state, the active proposal, the vote tally
// and the equivocation ledger.
type Consensus struct {
	nctx     *NodeContext
	ledger   *Ledger
	pool     *TxPool
	receipts *ReceiptEngine
	mesh     *PeerMesh

	inbox chan InboundMsg
	stop  chan struct{}
	done  chan struct{}

	epoch atomic.Uint64
	view  atomic.Uint64

	state    ConsState
	proposal *Block
	votes    map[string]string
	vcTally  map[roundRef]map[string]struct{}
	equiv    *EquivocationLedger
}

// NewConsensus wires the engine over its collaborators.
func NewConsensus(nctx *NodeContext, ledger *Ledger, pool *TxPool, receipts *ReceiptEngine, mesh *PeerMesh) *Consensus {
	return &Consensus{
		nctx:     nctx,
		ledger:   ledger,
		pool:     pool,
		receipts: receipts,
		mesh:     mesh,
		inbox:    make(chan InboundMsg, 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateIdle,
		votes:    make(map[string]string),
		vcTally:  make(map[roundRef]map[string]struct{}),
		equiv:    NewEquivocationLedger(nctx.Config.Consensus.EquivocationEpochs),
	}
}

// Enqueue posts an event to the loop. It reports false when the inbox is
// saturated; callers treat that as a dropped message.
func (c *Consensus) Enqueue(msg InboundMsg) bool {
	select {
	case c.inbox <- msg:
		return true
	default:
		return false
	}
}

// EpochView returns the current epoch and view for status surfaces.
func (c *Consensus) EpochView() (uint64, uint64) {
	return c.epoch.Load(), c.view.Load()
}

// Run drives the consensus loop until Stop.
func (c *Consensus) Run() {
	defer close(c.done)
	ticker := time.NewTicker(c.nctx.Config.Consensus.EpochDuration)
	defer ticker.Stop()
	c.startEpoch()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.startEpoch()
		case msg := <-c.inbox:
			c.dispatch(msg)
		}
	}
}

// Stop terminates the loop.
func (c *Consensus) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Consensus) dispatch(msg InboundMsg) {
	switch msg.Kind {
	case MsgPropose:
		c.reply(msg, c.handlePropose(msg.Payload.(*Block)))
	case MsgVote:
		c.reply(msg, c.handleVote(msg.Payload.(*VoteMsg)))
	case MsgCommit:
		c.reply(msg, c.handleCommit(msg.Payload.(*Block)))
	case MsgViewChange:
		c.reply(msg, c.handleViewChange(msg.Payload.(*ViewChangeMsg)))
	case MsgTransaction:
		c.reply(msg, c.handleTransaction(msg.Payload.(*Transaction)))
	case MsgFaucet:
		c.reply(msg, c.handleFaucet(*msg.Payload.(*FaucetMsg)))
	case MsgProposeNow:
		c.handleProposeNow(msg.Payload.(roundRef))
	case MsgViewTimeout:
		c.handleViewTimeout(msg.Payload.(roundRef))
	case MsgReceiptVerified:
		c.receipts.AddVerified(msg.Payload.(Receipt))
	case MsgChainAdopt:
		c.handleChainAdopt(msg.Payload.([]*Block))
	}
}

func (c *Consensus) reply(msg InboundMsg, out Outcome) {
	if msg.Reply != nil {
		msg.Reply <- out
	}
}

func (c *Consensus) quorum() int {
	n := len(c.mesh.ValidatorSet())
	return int(math.Ceil(float64(n) * c.nctx.Config.Consensus.QuorumFraction))
}

// startEpoch opens the round that extends the current head: challenges go
// out, the elected leader schedules its proposal for after the challenge
// window, followers arm the view-change timer.
func (c *Consensus) startEpoch() {
	head, _ := c.ledger.Head()
	epoch := head + 1
	c.epoch.Store(epoch)
	c.view.Store(0)
	c.proposal = nil
	c.votes = make(map[string]string)

	validators := c.mesh.ValidatorSet()
	leader := ElectLeader(epoch, 0, validators)
	c.nctx.Log.WithFields(log.Fields{
		"epoch":      epoch,
		"leader":     leader,
		"validators": len(validators),
	}).Debug("epoch start")

	go c.receipts.IssueChallenges(context.Background(), epoch, c.mesh.Peers(), func(r Receipt) {
		c.Enqueue(InboundMsg{Kind: MsgReceiptVerified, Payload: r})
	})

	if leader == c.nctx.AddressHex {
		c.state = StateProposing
		ref := roundRef{epoch: epoch, view: 0}
		time.AfterFunc(c.nctx.Config.Receipts.ChallengeTimeout+200*time.Millisecond, func() {
			c.Enqueue(InboundMsg{Kind: MsgProposeNow, Payload: ref})
		})
	} else {
		c.state = StateAwaitingProposal
		c.armViewTimer(epoch, 0)
	}
}

func (c *Consensus) armViewTimer(epoch, view uint64) {
	ref := roundRef{epoch: epoch, view: view}
	time.AfterFunc(c.nctx.Config.Consensus.ViewChangeTimeout, func() {
		c.Enqueue(InboundMsg{Kind: MsgViewTimeout, Payload: ref})
	})
}

//---------------------------------------------------------------------
// Leader path
//---------------------------------------------------------------------

func (c *Consensus) handleProposeNow(ref roundRef) {
	if c.state != StateProposing || c.epoch.Load() != ref.epoch || c.view.Load() != ref.view {
		return
	}
	head, headHash := c.ledger.Head()
	if head+1 != ref.epoch {
		return
	}
	effectiveness := c.receipts.UpdateEffectiveness(c.mesh.ValidatorSet())
	block, err := BuildBlock(BuildInput{
		Epoch:         ref.epoch,
		PreviousHash:  headHash,
		Leader:        c.nctx.AddressHex,
		LeaderPubKey:  c.nctx.PubKeyB64,
		Transactions:  c.pool.Pending(),
		Receipts:      c.receipts.Pending(),
		Accounts:      c.ledger.Accounts(),
		Effectiveness: effectiveness,
		RewardPool:    c.nctx.Config.Receipts.RewardPerEpoch,
	}, c.nctx.PrivKey)
	if err != nil {
		c.nctx.Log.WithError(err).Error("block build failed")
		return
	}
	c.equiv.Record(block)
	c.proposal = block
	c.votes = map[string]string{
		c.nctx.AddressHex: base64.StdEncoding.EncodeToString(Sign(c.nctx.PrivKey, []byte(block.Hash))),
	}
	c.state = StateVoting
	c.nctx.Metrics.IncBlocksProduced()
	c.nctx.Log.WithFields(log.Fields{
		"epoch": block.Epoch,
		"hash":  block.Hash[:8],
		"txs":   len(block.Transactions),
	}).Info("proposal broadcast")

	proposal := block
	go c.mesh.BroadcastProposal(proposal, func(peerAddr string, reply *ProposeReply) {
		if reply.OK && reply.Vote != nil {
			c.Enqueue(InboundMsg{Kind: MsgVote, Payload: reply.Vote})
		} else if reply.Kind == ErrEquivocation {
			c.nctx.Log.WithField("peer", peerAddr).Warn("proposal rejected as equivocation")
		}
	})
	c.maybeCommit()
}

func (c *Consensus) handleVote(v *VoteMsg) Outcome {
	if c.state != StateVoting || c.proposal == nil || c.proposal.Leader != c.nctx.AddressHex {
		return Outcome{OK: false, Err: Errf(ErrConsensusViolation, "no active proposal")}
	}
	if v.Epoch != c.proposal.Epoch || v.BlockHash != c.proposal.Hash {
		return Outcome{OK: false, Err: Errf(ErrConsensusViolation, "vote for inactive proposal")}
	}
	pub, err := ParsePublicKeyB64(v.VoterPubKey)
	if err != nil {
		return Outcome{OK: false, Err: Errf(ErrSignatureInvalid, "voter key: %v", err)}
	}
	addr, err := AddressOf(pub)
	if err != nil || addr.Hex() != v.Voter {
		return Outcome{OK: false, Err: Errf(ErrSignatureInvalid, "voter address mismatch")}
	}
	sig, err := base64.StdEncoding.DecodeString(v.Signature)
	if err != nil || !Verify(pub, []byte(v.BlockHash), sig) {
		return Outcome{OK: false, Err: Errf(ErrSignatureInvalid, "vote signature mismatch")}
	}
	c.votes[v.Voter] = v.Signature
	c.maybeCommit()
	return Outcome{OK: true}
}

func (c *Consensus) maybeCommit() {
	if c.state != StateVoting || c.proposal == nil || c.proposal.Leader != c.nctx.AddressHex {
		return
	}
	if len(c.votes) < c.quorum() {
		return
	}
	block := c.proposal
	block.Votes = make(map[string]string, len(c.votes))
	for voter, sig := range c.votes {
		block.Votes[voter] = sig
	}
	if err := c.commitBlock(block); err != nil {
		c.nctx.Log.WithError(err).Warn("own block no longer extends head, discarded")
		c.proposal = nil
		c.state = StateAwaitingProposal
		return
	}
	c.nctx.Log.WithFields(log.Fields{
		"epoch": block.Epoch,
		"votes": len(block.Votes),
	}).Info("block committed")
	go c.mesh.BroadcastCommit(block)
}

// commitBlock appends and updates every pool and score table. Persistence
// failures abort the node before the commit is advertised.
func (c *Consensus) commitBlock(block *Block) error {
	if err := c.ledger.Append(block); err != nil {
		if KindOf(err) == ErrPersistence {
			c.nctx.Log.WithError(err).Fatal("ledger persistence failed")
		}
		return err
	}
	c.pool.MarkCommitted(block)
	c.receipts.MarkCommitted(block)
	c.receipts.ApplyUpdates(block.EffectivenessUpdates)
	c.mesh.SetEffectiveness(block.EffectivenessUpdates)
	c.nctx.Metrics.IncBlocksCommitted()
	c.state = StateCommitted
	return nil
}

//---------------------------------------------------------------------
// Follower path
//---------------------------------------------------------------------

func (c *Consensus) handlePropose(b *Block) Outcome {
	rejected := func(kind ErrorKind, format string, args ...interface{}) Outcome {
		err := Errf(kind, format, args...)
		return Outcome{OK: false, Err: err, Payload: ProposeReply{OK: false, Kind: kind, Error: err.Msg}}
	}

	if err := b.VerifyHash(); err != nil {
		return rejected(ErrConsensusViolation, "%s", err.Error())
	}
	if err := b.VerifyLeaderSignature(); err != nil {
		return rejected(ErrSignatureInvalid, "%s", err.Error())
	}

	if conflict := c.equiv.Record(b); conflict != nil && VerifyEquivocation(conflict, b) {
		c.applySlash(b.Leader)
		return Outcome{
			OK:  false,
			Err: Errf(ErrEquivocation, "leader %s equivocated at epoch %d", b.Leader, b.Epoch),
			Payload: ProposeReply{
				OK:       false,
				Kind:     ErrEquivocation,
				Error:    "equivocation detected",
				Evidence: []Block{*conflict, *b},
			},
		}
	}

	head, headHash := c.ledger.Head()
	if b.Epoch <= head {
		return rejected(ErrConsensusViolation, "stale proposal for epoch %d", b.Epoch)
	}
	if b.Epoch > head+1 {
		go c.mesh.CatchUp()
		return rejected(ErrConsensusViolation, "proposal epoch %d ahead of head %d", b.Epoch, head)
	}
	if b.PreviousHash != headHash {
		// Immediate successor by epoch with an unknown ancestor: the
		// provisional catch-up acceptance drives chain advancement, but a
		// vote on it cannot extend the local chain, so fetch instead.
		go c.mesh.CatchUp()
		return rejected(ErrConsensusViolation, "previousHash %s does not extend local head", b.PreviousHash)
	}
	if b.Epoch == c.epoch.Load() {
		expected := ElectLeader(b.Epoch, c.view.Load(), c.mesh.ValidatorSet())
		if b.Leader != expected {
			return rejected(ErrConsensusViolation, "leader %s is not elected leader %s", b.Leader, expected)
		}
	}
	for _, tx := range b.Transactions {
		if err := tx.VerifySignature(); err != nil {
			return rejected(ErrSignatureInvalid, "transaction rejected: %s", err.Error())
		}
	}
	accepted := FilterTransactions(b.Transactions, c.ledger.Accounts())
	if len(accepted) != len(b.Transactions) {
		return rejected(ErrConsensusViolation, "transaction list fails admission filter")
	}
	for _, r := range b.Receipts {
		if !r.Complete() {
			return rejected(ErrConsensusViolation, "receipt missing required fields")
		}
	}

	c.proposal = b
	c.state = StateVoting
	vote := VoteMsg{
		Epoch:       b.Epoch,
		BlockHash:   b.Hash,
		Voter:       c.nctx.AddressHex,
		VoterPubKey: c.nctx.PubKeyB64,
		Signature:   base64.StdEncoding.EncodeToString(Sign(c.nctx.PrivKey, []byte(b.Hash))),
	}
	return Outcome{OK: true, Payload: ProposeReply{OK: true, Vote: &vote}}
}

func (c *Consensus) handleCommit(b *Block) Outcome {
	if err := b.VerifyHash(); err != nil {
		return Outcome{OK: false, Err: Errf(ErrConsensusViolation, "%s", err.Error())}
	}
	if err := b.VerifyLeaderSignature(); err != nil {
		return Outcome{OK: false, Err: Errf(ErrSignatureInvalid, "%s", err.Error())}
	}
	if conflict := c.equiv.Record(b); conflict != nil && VerifyEquivocation(conflict, b) {
		c.applySlash(b.Leader)
		return Outcome{OK: false, Err: Errf(ErrEquivocation, "leader %s equivocated at epoch %d", b.Leader, b.Epoch)}
	}
	if err := b.VerifyVotes(c.quorum(), c.mesh.ResolvePubKey); err != nil {
		return Outcome{OK: false, Err: Errf(KindOf(err), "%s", err.Error())}
	}
	head, headHash := c.ledger.Head()
	if b.Epoch <= head {
		return Outcome{OK: true}
	}
	if b.Epoch > head+1 || b.PreviousHash != headHash {
		go c.mesh.CatchUp()
		return Outcome{OK: false, Err: Errf(ErrConsensusViolation, "commit does not extend local head")}
	}
	if err := c.commitBlock(b); err != nil {
		return Outcome{OK: false, Err: Errf(KindOf(err), "%s", err.Error())}
	}
	c.nctx.Log.WithFields(log.Fields{"epoch": b.Epoch, "leader": b.Leader}).Info("block accepted")
	return Outcome{OK: true}
}

//---------------------------------------------------------------------
// View change
//---------------------------------------------------------------------

func (c *Consensus) handleViewTimeout(ref roundRef) {
	if c.state != StateAwaitingProposal || c.epoch.Load() != ref.epoch || c.view.Load() != ref.view {
		return
	}
	c.state = StateViewChange
	msg := ViewChangeMsg{
		Epoch:   ref.epoch,
		OldView: ref.view,
		NewView: ref.view + 1,
		From:    c.nctx.AddressHex,
		PubKey:  c.nctx.PubKeyB64,
	}
	msg.Signature = base64.StdEncoding.EncodeToString(Sign(c.nctx.PrivKey, msg.SigningBytes()))
	c.nctx.Log.WithFields(log.Fields{"epoch": ref.epoch, "newView": msg.NewView}).Warn("view change started")
	c.tallyViewChange(msg)
	go c.mesh.BroadcastViewChange(msg)
}

func (c *Consensus) handleViewChange(msg *ViewChangeMsg) Outcome {
	pub, err := ParsePublicKeyB64(msg.PubKey)
	if err != nil {
		return Outcome{OK: false, Err: Errf(ErrSignatureInvalid, "view-change key: %v", err)}
	}
	addr, err := AddressOf(pub)
	if err != nil || addr.Hex() != msg.From {
		return Outcome{OK: false, Err: Errf(ErrSignatureInvalid, "view-change sender mismatch")}
	}
	sig, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil || !Verify(pub, msg.SigningBytes(), sig) {
		return Outcome{OK: false, Err: Errf(ErrSignatureInvalid, "view-change signature mismatch")}
	}
	c.tallyViewChange(*msg)
	return Outcome{OK: true}
}

func (c *Consensus) tallyViewChange(msg ViewChangeMsg) {
	ref := roundRef{epoch: msg.Epoch, view: msg.NewView}
	set, ok := c.vcTally[ref]
	if !ok {
		set = make(map[string]struct{})
		c.vcTally[ref] = set
	}
	set[msg.From] = struct{}{}

	if msg.Epoch != c.epoch.Load() || msg.NewView <= c.view.Load() {
		return
	}
	if len(set) < c.quorum() {
		return
	}
	c.view.Store(msg.NewView)
	c.nctx.Metrics.IncViewChanges()
	delete(c.vcTally, ref)

	leader := ElectLeader(msg.Epoch, msg.NewView, c.mesh.ValidatorSet())
	c.nctx.Log.WithFields(log.Fields{
		"epoch":  msg.Epoch,
		"view":   msg.NewView,
		"leader": leader,
	}).Info("view changed")
	if leader == c.nctx.AddressHex {
		c.state = StateProposing
		c.Enqueue(InboundMsg{Kind: MsgProposeNow, Payload: roundRef{epoch: msg.Epoch, view: msg.NewView}})
	} else {
		c.state = StateAwaitingProposal
		c.armViewTimer(msg.Epoch, msg.NewView)
	}
}

//---------------------------------------------------------------------
// Slashing, transactions, adoption
//---------------------------------------------------------------------

func (c *Consensus) applySlash(leaderAddr string) {
	if c.ledger.IsSlashed(leaderAddr) {
		return
	}
	debit := c.ledger.Slash(leaderAddr, c.nctx.Config.Consensus.SlashAmount)
	c.nctx.Metrics.IncSlashEvents()
	c.nctx.Log.WithFields(log.Fields{"leader": leaderAddr, "debit": debit}).Warn("leader slashed")
}

func (c *Consensus) handleTransaction(tx *Transaction) Outcome {
	if err := tx.VerifySignature(); err != nil {
		ne, _ := err.(*NodeError)
		return Outcome{OK: false, Err: ne}
	}
	c.pool.Add(*tx)
	return Outcome{OK: true}
}

func (c *Consensus) handleFaucet(msg FaucetMsg) Outcome {
	if msg.Amount == 0 {
		return Outcome{OK: false, Err: Errf(ErrMalformedInput, "faucet amount must be positive")}
	}
	if _, err := StringToAddress(msg.To); err != nil {
		return Outcome{OK: false, Err: Errf(ErrMalformedInput, "faucet recipient invalid")}
	}
	tx := NewCoinbaseTransaction(msg.To, msg.Amount)
	if !c.pool.Add(tx) {
		return Outcome{OK: false, Err: Errf(ErrMalformedInput, "duplicate mint")}
	}
	return Outcome{OK: true, Payload: tx}
}

func (c *Consensus) handleChainAdopt(chain []*Block) {
	if err := c.ledger.ReplaceChain(chain); err != nil {
		c.nctx.Log.WithError(err).Debug("chain adoption rejected")
		return
	}
	c.pool.MarkChain(chain)
	if len(chain) > 0 {
		last := chain[len(chain)-1]
		c.receipts.ApplyUpdates(last.EffectivenessUpdates)
		c.mesh.SetEffectiveness(last.EffectivenessUpdates)
	}
	// Any in-flight proposal referenced the replaced head.
	c.proposal = nil
	c.votes = make(map[string]string)
	c.state = StateAwaitingProposal
	c.nctx.Log.WithField("length", len(chain)).Info("adopted longer chain")
}
