package core

// receipts.go – per-epoch challenge issuance, receipt verification and the
// effectiveness engine. Effectiveness is keyed by address so identity
// rotation onto an equivalent key keeps its score.

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const workModulus = 1_000_000_007

// ComputeWork runs the bounded pseudo-random work rule of the wire contract.
func ComputeWork() int64 {
	var r int64
	for i := int64(0); i < 10_000; i++ {
		r = (r*31 + i) % workModulus
	}
	return r
}

type receiptSigningView struct {
	ChallengeID string `json:"challengeId"`
	From        string `json:"from"`
	To          string `json:"to"`
	Epoch       uint64 `json:"epoch"`
	Success     bool   `json:"success"`
	LatencyMs   int64  `json:"latencyMs"`
	Timestamp   int64  `json:"timestamp"`
	WorkResult  int64  `json:"workResult"`
}

// SigningBytes returns the canonical payload the responder signs.
func (r Receipt) SigningBytes() []byte {
	return MustCanonicalJSON(receiptSigningView{
		ChallengeID: r.ChallengeID,
		From:        r.From,
		To:          r.To,
		Epoch:       r.Epoch,
		Success:     r.Success,
		LatencyMs:   r.LatencyMs,
		Timestamp:   r.Timestamp,
		WorkResult:  r.WorkResult,
	})
}

// HashHex is the canonical content hash of the full receipt, used as the
// Merkle leaf in receiptRoot.
func (r Receipt) HashHex() (string, error) {
	return HashCanonicalHex(r)
}

// Complete reports whether the receipt carries every field a proposal
// validator requires.
func (r Receipt) Complete() bool {
	return r.ChallengeID != "" && r.From != "" && r.To != "" && r.Signature != ""
}

// challengeSender is the outbound transport the engine needs; PeerMesh
// implements it. Kept as an interface so the engine has no back-reference
// into the mesh.
type challengeSender interface {
	SendChallenge(ctx context.Context, peerURL string, msg ChallengeMsg) (*ChallengeReply, error)
}

// ReceiptEngine owns the pending receipt set and the local effectiveness
// estimate.
type ReceiptEngine struct {
	nctx   *NodeContext
	sender challengeSender

	mu            sync.Mutex
	pending       []Receipt
	pendingIDs    map[string]struct{}
	effectiveness map[string]float64
	succeeded     map[string]bool
	cursor        int
}

// NewReceiptEngine constructs the engine for the local identity.
func NewReceiptEngine(nctx *NodeContext, sender challengeSender) *ReceiptEngine {
	return &ReceiptEngine{
		nctx:          nctx,
		sender:        sender,
		pendingIDs:    make(map[string]struct{}),
		effectiveness: make(map[string]float64),
		succeeded:     make(map[string]bool),
	}
}

// RespondChallenge performs the work rule and returns the signed receipt.
// Called on the responder side of /challenge.
func (e *ReceiptEngine) RespondChallenge(msg ChallengeMsg) Receipt {
	started := time.Now()
	work := ComputeWork()
	r := Receipt{
		ChallengeID: msg.ChallengeID,
		From:        msg.From,
		To:          e.nctx.AddressHex,
		Epoch:       msg.Epoch,
		Success:     true,
		LatencyMs:   time.Since(started).Milliseconds(),
		Timestamp:   time.Now().UnixMilli(),
		WorkResult:  work,
	}
	r.Signature = base64.StdEncoding.EncodeToString(Sign(e.nctx.PrivKey, r.SigningBytes()))
	e.nctx.Metrics.IncChallengesReceived()
	return r
}

// VerifyReceipt checks the responder signature and that the responder key
// matches the receipt's to address.
func VerifyReceipt(r Receipt, responderPub ed25519.PublicKey) error {
	addr, err := AddressOf(responderPub)
	if err != nil {
		return Errf(ErrSignatureInvalid, "responder address: %v", err)
	}
	if addr.Hex() != r.To {
		return Errf(ErrSignatureInvalid, "receipt responder %s does not match key %s", r.To, addr.Hex())
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		return Errf(ErrSignatureInvalid, "receipt signature encoding")
	}
	if !Verify(responderPub, r.SigningBytes(), sig) {
		return Errf(ErrSignatureInvalid, "receipt signature mismatch")
	}
	return nil
}

// IssueChallenges picks round-robin targets from peers (excluding self) and
// drives the challenge exchange against each. Verified receipts are handed
// to onReceipt; the caller decides how they re-enter the consensus loop.
// The whole exchange is bounded by the protocol challenge deadline.
func (e *ReceiptEngine) IssueChallenges(ctx context.Context, epoch uint64, peers []PeerRecord, onReceipt func(Receipt)) {
	targets := e.pickTargets(peers)
	timeout := e.nctx.Config.Receipts.ChallengeTimeout
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(p PeerRecord) {
			defer wg.Done()
			msg := ChallengeMsg{
				ChallengeID: uuid.NewString(),
				From:        e.nctx.AddressHex,
				To:          addrFromPEM(p.PublicKeyPEM),
				Epoch:       epoch,
			}
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			e.nctx.Metrics.IncChallengesSent()
			reply, err := e.sender.SendChallenge(cctx, p.URL, msg)
			if err != nil {
				// Absent within the deadline: no effectiveness contribution,
				// no penalty at this layer.
				e.nctx.Log.WithFields(log.Fields{"peer": p.ID, "err": err}).Debug("challenge unanswered")
				return
			}
			pub, err := ParsePublicKeyPEM(reply.PublicKeyPEM)
			if err != nil {
				e.nctx.Log.WithField("peer", p.ID).Warn("challenge reply with bad key")
				return
			}
			if err := VerifyReceipt(reply.Receipt, pub); err != nil {
				e.nctx.Log.WithFields(log.Fields{"peer": p.ID, "err": err}).Warn("receipt rejected")
				return
			}
			onReceipt(reply.Receipt)
		}(target)
	}
	wg.Wait()
}

// pickTargets selects up to challengesPerEpoch peers round-robin over the
// address-sorted peer set.
func (e *ReceiptEngine) pickTargets(peers []PeerRecord) []PeerRecord {
	sorted := make([]PeerRecord, 0, len(peers))
	for _, p := range peers {
		if addrFromPEM(p.PublicKeyPEM) == e.nctx.AddressHex {
			continue
		}
		sorted = append(sorted, p)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return addrFromPEM(sorted[i].PublicKeyPEM) < addrFromPEM(sorted[j].PublicKeyPEM)
	})
	if len(sorted) == 0 {
		return nil
	}
	count := e.nctx.Config.Receipts.ChallengesPerEpoch
	if count > len(sorted) {
		count = len(sorted)
	}
	e.mu.Lock()
	start := e.cursor % len(sorted)
	e.cursor += count
	e.mu.Unlock()
	out := make([]PeerRecord, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, sorted[(start+i)%len(sorted)])
	}
	return out
}

// AddVerified admits a verified receipt to the pending set and records the
// responder's participation for the current epoch.
func (e *ReceiptEngine) AddVerified(r Receipt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.pendingIDs[r.ChallengeID]; dup {
		return
	}
	e.pendingIDs[r.ChallengeID] = struct{}{}
	e.pending = append(e.pending, r)
	if r.Success {
		e.succeeded[r.To] = true
	}
	e.nctx.Metrics.IncReceiptsVerified()
}

// Pending returns a copy of the pending receipt set.
func (e *ReceiptEngine) Pending() []Receipt {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Receipt, len(e.pending))
	copy(out, e.pending)
	return out
}

// MarkCommitted drops the block's receipts from the pending set.
func (e *ReceiptEngine) MarkCommitted(block *Block) {
	e.mu.Lock()
	defer e.mu.Unlock()
	included := make(map[string]struct{}, len(block.Receipts))
	for _, r := range block.Receipts {
		included[r.ChallengeID] = struct{}{}
	}
	kept := e.pending[:0]
	for _, r := range e.pending {
		if _, ok := included[r.ChallengeID]; ok {
			delete(e.pendingIDs, r.ChallengeID)
			continue
		}
		kept = append(kept, r)
	}
	e.pending = kept
}

// UpdateEffectiveness rolls every known address forward one epoch: ramped
// when the address produced a successful receipt this epoch, decayed
// otherwise, clamped to [0, 1]. The per-epoch success set resets afterwards.
// The returned map is the block's effectivenessUpdates payload.
func (e *ReceiptEngine) UpdateEffectiveness(known []string) map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.nctx.Config
	deltaDays := cfg.Consensus.EpochDuration.Seconds() / 86400.0
	ramp := cfg.Receipts.RampConstantDays
	decay := cfg.Receipts.DecayConstantDays

	addrs := make(map[string]struct{}, len(known)+len(e.effectiveness))
	for _, a := range known {
		addrs[a] = struct{}{}
	}
	for a := range e.effectiveness {
		addrs[a] = struct{}{}
	}

	out := make(map[string]float64, len(addrs))
	for a := range addrs {
		cur := e.effectiveness[a]
		var next float64
		if e.succeeded[a] {
			next = 1 - (1-cur)*math.Exp(-deltaDays/ramp)
		} else {
			next = cur * math.Exp(-deltaDays/decay)
		}
		next = clamp01(next)
		e.effectiveness[a] = next
		out[a] = next
	}
	e.succeeded = make(map[string]bool)
	return out
}

// ApplyUpdates overwrites local scores with a committed block's
// effectiveness map, keeping followers aligned with the leader's snapshot.
func (e *ReceiptEngine) ApplyUpdates(updates map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for a, v := range updates {
		e.effectiveness[a] = clamp01(v)
	}
}

// Effectiveness returns a copy of the current score table.
func (e *ReceiptEngine) Effectiveness() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.effectiveness))
	for a, v := range e.effectiveness {
		out[a] = v
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// addrFromPEM derives the ledger address of a PEM-encoded public key, or
// empty on any parse failure.
func addrFromPEM(pemStr string) string {
	pub, err := ParsePublicKeyPEM(pemStr)
	if err != nil {
		return ""
	}
	addr, err := AddressOf(pub)
	if err != nil {
		return ""
	}
	return addr.Hex()
}
