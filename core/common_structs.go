package core

// common_structs.go – centralised struct definitions referenced across the
// node's components. This file declares data structures only (no behaviour)
// so the per-concern files stay free of cross-cutting type churn. Wire field
// names follow the protocol exactly: hashes lowercase hex, signatures and
// public keys base64, PEM where the field name says so.

import (
	"crypto/ed25519"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/AnonMoon64/Anvil/pkg/config"
)

// CoinbaseSender is the sentinel "from" address of minting transactions.
// Coinbase transactions credit only, carry their timestamp as nonce and the
// literal marker as signature.
const CoinbaseSender = "coinbase"

//---------------------------------------------------------------------
// Ledger entities
//---------------------------------------------------------------------

// Account is the replicated per-address state. Accounts come into existence
// lazily on first credit.
type Account struct {
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// Transaction is a signed value transfer. The signature covers the canonical
// encoding of every field except the signature itself.
type Transaction struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
}

// Receipt attests that a responder served a challenge. The responder signs
// the canonical encoding of every field except the signature.
type Receipt struct {
	ChallengeID string `json:"challengeId"`
	From        string `json:"from"`
	To          string `json:"to"`
	Epoch       uint64 `json:"epoch"`
	Success     bool   `json:"success"`
	LatencyMs   int64  `json:"latencyMs"`
	Timestamp   int64  `json:"timestamp"`
	WorkResult  int64  `json:"workResult"`
	Signature   string `json:"signature"`
}

// Block is one committed participation round. Hash covers the canonical
// encoding of the block without hash, leaderSignature and votes.
type Block struct {
	Epoch                uint64             `json:"epoch"`
	PreviousHash         string             `json:"previousHash"`
	Leader               string             `json:"leader"`
	LeaderPubKey         string             `json:"leaderPubKey"`
	Timestamp            int64              `json:"timestamp"`
	Receipts             []Receipt          `json:"receipts"`
	Transactions         []Transaction      `json:"transactions"`
	EffectivenessUpdates map[string]float64 `json:"effectivenessUpdates"`
	Rewards              map[string]uint64  `json:"rewards"`
	TxRoot               string             `json:"txRoot"`
	ReceiptRoot          string             `json:"receiptRoot"`
	StateRoot            string             `json:"stateRoot"`
	Hash                 string             `json:"hash"`
	LeaderSignature      string             `json:"leaderSignature"`
	Votes                map[string]string  `json:"votes"`
}

// BlockHeader is the light form served on /headers.
type BlockHeader struct {
	Epoch           uint64 `json:"epoch"`
	Hash            string `json:"hash"`
	PreviousHash    string `json:"previousHash"`
	TxRoot          string `json:"txRoot"`
	ReceiptRoot     string `json:"receiptRoot"`
	StateRoot       string `json:"stateRoot"`
	Timestamp       int64  `json:"timestamp"`
	Leader          string `json:"leader"`
	LeaderSignature string `json:"leaderSignature"`
}

//---------------------------------------------------------------------
// Peer mesh
//---------------------------------------------------------------------

// PeerRecord is the per-node, non-replicated view of one peer, keyed by its
// ledger address.
type PeerRecord struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	PublicKeyPEM  string    `json:"publicKeyPem"`
	PublicKeyHash string    `json:"publicKeyHash"`
	LastSeen      time.Time `json:"lastSeen"`
	Effectiveness float64   `json:"effectiveness"`
}

// PeerSummary is the compact peer listing returned by /peers. Gossip
// payloads carry full AnnounceMsg records instead.
type PeerSummary struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	PublicKeyHash string `json:"publicKeyHash"`
}

//---------------------------------------------------------------------
// Wire messages (§6)
//---------------------------------------------------------------------

// AnnounceMsg registers the sender in the recipient's peer map.
type AnnounceMsg struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	PublicKeyPEM  string `json:"publicKeyPem"`
	PublicKeyHash string `json:"publicKeyHash"`
}

// ChallengeMsg asks a responder to perform the bounded work rule.
type ChallengeMsg struct {
	ChallengeID string `json:"challengeId"`
	From        string `json:"from"`
	To          string `json:"to"`
	Epoch       uint64 `json:"epoch"`
}

// ChallengeReply returns the signed receipt and the responder's key.
type ChallengeReply struct {
	Receipt      Receipt `json:"receipt"`
	PublicKeyPEM string  `json:"publicKeyPem"`
}

// ProposeReply answers /propose with either a vote or a typed rejection.
// Evidence carries the two conflicting headers when the rejection is an
// equivocation.
type ProposeReply struct {
	OK       bool      `json:"ok"`
	Vote     *VoteMsg  `json:"vote,omitempty"`
	Error    string    `json:"error,omitempty"`
	Kind     ErrorKind `json:"kind,omitempty"`
	Evidence []Block   `json:"evidence,omitempty"`
}

// VoteMsg carries a follower's signature over the proposed block hash.
type VoteMsg struct {
	Epoch       uint64 `json:"epoch"`
	BlockHash   string `json:"blockHash"`
	Voter       string `json:"voter"`
	VoterPubKey string `json:"voterPubKey"`
	Signature   string `json:"signature"`
}

// ViewChangeMsg requests replacement of an unresponsive leader. The
// signature covers the canonical encoding of {epoch, newView}.
type ViewChangeMsg struct {
	Epoch     uint64 `json:"epoch"`
	OldView   uint64 `json:"oldView"`
	NewView   uint64 `json:"newView"`
	From      string `json:"from"`
	PubKey    string `json:"pubKey"`
	Signature string `json:"signature"`
}

// GossipMsg is the periodic peer refresh payload. Peers carries full
// announce records so a recipient can fold unknown peers straight into its
// registry with their keys.
type GossipMsg struct {
	From          string        `json:"from"`
	ChainLength   int           `json:"chainLength"`
	LastBlockHash string        `json:"lastBlockHash"`
	Peers         []AnnounceMsg `json:"peers"`
}

// ProofReply answers /proof/{txHash}.
type ProofReply struct {
	Found      bool         `json:"found"`
	BlockEpoch uint64       `json:"blockEpoch,omitempty"`
	BlockHash  string       `json:"blockHash,omitempty"`
	TxRoot     string       `json:"txRoot,omitempty"`
	Proof      []MerkleStep `json:"proof,omitempty"`
}

// BalanceReply answers /balance/{address}.
type BalanceReply struct {
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// HealthReply is the node status summary on /health.
type HealthReply struct {
	Name              string             `json:"name"`
	Address           string             `json:"address"`
	Epoch             uint64             `json:"epoch"`
	View              uint64             `json:"view"`
	ChainLength       int                `json:"chainLength"`
	Peers             int                `json:"peers"`
	Effectiveness     map[string]float64 `json:"effectiveness"`
	Balance           uint64             `json:"balance"`
	SlashedNodesCount int                `json:"slashedNodesCount"`
	Stats             StatsSnapshot      `json:"stats"`
}

// FaucetMsg mints amount to a recipient via a coinbase transaction in the
// pending pool.
type FaucetMsg struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// OKReply is the generic acknowledgement body.
type OKReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

//---------------------------------------------------------------------
// Consensus loop plumbing (§5, §9)
//---------------------------------------------------------------------

// MsgKind discriminates the sealed set of events the consensus loop consumes.
type MsgKind uint8

const (
	MsgPropose MsgKind = iota
	MsgVote
	MsgCommit
	MsgViewChange
	MsgTransaction
	MsgFaucet
	MsgEpochTick
	MsgProposeNow
	MsgViewTimeout
	MsgReceiptVerified
	MsgChainAdopt
)

// Outcome is the typed result a loop event hands back to its enqueuer.
type Outcome struct {
	OK      bool
	Err     *NodeError
	Payload interface{}
}

// InboundMsg is one queued event. Reply, when non-nil, receives exactly one
// Outcome once the loop has processed the event.
type InboundMsg struct {
	Kind    MsgKind
	Payload interface{}
	Reply   chan Outcome
}

// ConsState enumerates the per-epoch consensus states.
type ConsState uint8

const (
	StateIdle ConsState = iota
	StateAwaitingProposal
	StateProposing
	StateVoting
	StateCommitted
	StateViewChange
)

func (s ConsState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingProposal:
		return "awaiting-proposal"
	case StateProposing:
		return "proposing"
	case StateVoting:
		return "voting"
	case StateCommitted:
		return "committed"
	case StateViewChange:
		return "view-change"
	}
	return "unknown"
}

//---------------------------------------------------------------------
// Node context (§9: no process-wide singletons)
//---------------------------------------------------------------------

// NodeContext bundles identity, configuration and shared services. It is
// created once at startup and passed explicitly into each component.
type NodeContext struct {
	Name      string
	Port      int
	PublicURL string
	DataDir   string

	Config *config.Config

	PrivKey      ed25519.PrivateKey
	PubKey       ed25519.PublicKey
	PubKeyPEM    string
	PubKeyB64    string
	PubKeyHash   string
	Address      Address
	AddressHex   string

	Metrics *Metrics
	Log     *log.Entry
}

//---------------------------------------------------------------------
// Pools
//---------------------------------------------------------------------

// TxPool holds transactions awaiting inclusion, deduplicated on the
// canonical transaction hash. Hashes of committed transactions stay in the
// seen set so a replayed submission never re-enters the pool.
type TxPool struct {
	mu      sync.Mutex
	pending []Transaction
	seen    map[string]struct{}
}
