package core

// block_builder.go – deterministic assembly of a candidate block from the
// pending pools, the ledger snapshot and the per-epoch effectiveness map.
// Every node running the same inputs produces the same accepted list and the
// same Merkle commitments; proposal validation re-runs the same filter.

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"time"
)

// BuildInput carries everything BuildBlock needs. Accounts is the committed
// ledger snapshot the overlay starts from.
type BuildInput struct {
	Epoch         uint64
	PreviousHash  string
	Leader        string
	LeaderPubKey  string
	Transactions  []Transaction
	Receipts      []Receipt
	Accounts      map[string]Account
	Effectiveness map[string]float64
	RewardPool    uint64
}

// FilterTransactions applies the single-pass admission rule: coinbase always
// enters and credits its recipient in the overlay; any other transaction
// must extend the sender's nonce by exactly one and be covered by the
// overlay balance. Order of the accepted list equals input order.
func FilterTransactions(txs []Transaction, accounts map[string]Account) []Transaction {
	overlay := make(map[string]Account, len(accounts))
	for addr, a := range accounts {
		overlay[addr] = a
	}
	accepted := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.IsCoinbase() {
			to := overlay[tx.To]
			to.Balance += tx.Amount
			overlay[tx.To] = to
			accepted = append(accepted, tx)
			continue
		}
		from := overlay[tx.From]
		if from.Balance < tx.Amount || tx.Nonce != from.Nonce+1 {
			continue
		}
		from.Balance -= tx.Amount
		from.Nonce = tx.Nonce
		overlay[tx.From] = from
		to := overlay[tx.To]
		to.Balance += tx.Amount
		overlay[tx.To] = to
		accepted = append(accepted, tx)
	}
	return accepted
}

// ComputeRewards splits the fixed epoch pool proportionally to each
// address's new effectiveness. Zero total effectiveness emits no rewards;
// shares that floor to zero are omitted.
func ComputeRewards(pool uint64, effectiveness map[string]float64) map[string]uint64 {
	var total float64
	for _, e := range effectiveness {
		total += e
	}
	rewards := make(map[string]uint64)
	if total <= 0 {
		return rewards
	}
	for addr, e := range effectiveness {
		amount := uint64(float64(pool) * e / total)
		if amount > 0 {
			rewards[addr] = amount
		}
	}
	return rewards
}

// stateLeaf hashes one touched account as addr:balance:nonce.
func stateLeaf(addr string, a Account) (string, error) {
	return HashCanonicalHex(fmt.Sprintf("%s:%d:%d", addr, a.Balance, a.Nonce))
}

// StateRoot commits to the touched accounts after applying rewards and the
// accepted transactions on top of the snapshot. Accounts are sorted by
// address ascending before hashing.
func StateRoot(accounts map[string]Account, rewards map[string]uint64, accepted []Transaction) (string, error) {
	post := make(map[string]Account, len(accounts))
	for addr, a := range accounts {
		post[addr] = a
	}
	touched := make(map[string]struct{})
	for addr, amount := range rewards {
		a := post[addr]
		a.Balance += amount
		post[addr] = a
		touched[addr] = struct{}{}
	}
	for _, tx := range accepted {
		if !tx.IsCoinbase() {
			from := post[tx.From]
			from.Balance -= tx.Amount
			from.Nonce = tx.Nonce
			post[tx.From] = from
			touched[tx.From] = struct{}{}
		}
		to := post[tx.To]
		to.Balance += tx.Amount
		post[tx.To] = to
		touched[tx.To] = struct{}{}
	}
	addrs := make([]string, 0, len(touched))
	for addr := range touched {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	leaves := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		leaf, err := stateLeaf(addr, post[addr])
		if err != nil {
			return "", err
		}
		leaves = append(leaves, leaf)
	}
	return MerkleRoot(leaves), nil
}

// TxMerkleRoot commits to the canonical hashes of txs in order.
func TxMerkleRoot(txs []Transaction) (string, error) {
	leaves := make([]string, 0, len(txs))
	for _, tx := range txs {
		h, err := tx.HashHex()
		if err != nil {
			return "", err
		}
		leaves = append(leaves, h)
	}
	return MerkleRoot(leaves), nil
}

// ReceiptMerkleRoot commits to the canonical hashes of receipts in order.
func ReceiptMerkleRoot(receipts []Receipt) (string, error) {
	leaves := make([]string, 0, len(receipts))
	for _, r := range receipts {
		h, err := r.HashHex()
		if err != nil {
			return "", err
		}
		leaves = append(leaves, h)
	}
	return MerkleRoot(leaves), nil
}

// BuildBlock assembles, roots and seals the candidate block for the epoch.
func BuildBlock(in BuildInput, priv ed25519.PrivateKey) (*Block, error) {
	accepted := FilterTransactions(in.Transactions, in.Accounts)
	rewards := ComputeRewards(in.RewardPool, in.Effectiveness)

	txRoot, err := TxMerkleRoot(accepted)
	if err != nil {
		return nil, err
	}
	receiptRoot, err := ReceiptMerkleRoot(in.Receipts)
	if err != nil {
		return nil, err
	}
	stateRoot, err := StateRoot(in.Accounts, rewards, accepted)
	if err != nil {
		return nil, err
	}

	receipts := in.Receipts
	if receipts == nil {
		receipts = []Receipt{}
	}
	eff := in.Effectiveness
	if eff == nil {
		eff = map[string]float64{}
	}
	b := &Block{
		Epoch:                in.Epoch,
		PreviousHash:         in.PreviousHash,
		Leader:               in.Leader,
		LeaderPubKey:         in.LeaderPubKey,
		Timestamp:            time.Now().UnixMilli(),
		Receipts:             receipts,
		Transactions:         accepted,
		EffectivenessUpdates: eff,
		Rewards:              rewards,
		TxRoot:               txRoot,
		ReceiptRoot:          receiptRoot,
		StateRoot:            stateRoot,
	}
	if err := b.Seal(priv); err != nil {
		return nil, err
	}
	return b, nil
}
