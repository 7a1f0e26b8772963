package core

// ledger.go – the committed chain and the derived account map. The chain
// file is canonical; accounts.json is a cache written on every persist and
// never read back: loading always rebuilds the account map by replaying the
// chain. Persistence failures during append
// are fatal for the node; the caller aborts before advertising the commit.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	chainFile    = "chain.json"
	accountsFile = "accounts.json"

	// ChainServeLimit bounds how many full blocks /chain returns.
	ChainServeLimit = 100
)

type txLocation struct {
	epoch uint64
	index int
}

// Ledger owns the block log and the account map. All other components reach
// it through its methods; nothing else mutates the chain.
type Ledger struct {
	mu  sync.RWMutex
	dir string

	chain    []*Block
	byHash   map[string]*Block
	txIndex  map[string]txLocation
	accounts map[string]*Account

	slashed      map[string]bool
	minted       uint64
	slashedTotal uint64
}

// NewLedger opens the ledger under dir, replaying the persisted chain. A
// chain file whose hash linkage is broken refuses to load.
func NewLedger(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, WrapErr(ErrPersistence, err, "create ledger dir")
	}
	l := &Ledger{
		dir:      dir,
		byHash:   make(map[string]*Block),
		txIndex:  make(map[string]txLocation),
		accounts: make(map[string]*Account),
		slashed:  make(map[string]bool),
	}
	raw, err := os.ReadFile(filepath.Join(dir, chainFile))
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, WrapErr(ErrPersistence, err, "read chain")
	}
	var chain []*Block
	if err := json.Unmarshal(raw, &chain); err != nil {
		return nil, WrapErr(ErrPersistence, err, "decode chain")
	}
	if err := verifyLinkage(chain); err != nil {
		return nil, err
	}
	l.chain = chain
	l.reindex()
	l.replayLocked()
	log.WithFields(log.Fields{"blocks": len(chain)}).Info("ledger loaded")
	return l, nil
}

// verifyLinkage checks previousHash continuity and epoch monotonicity.
func verifyLinkage(chain []*Block) error {
	prev := ZeroHashHex
	for i, b := range chain {
		if b.PreviousHash != prev && i == 0 && b.Epoch > 1 {
			// A synced tail may start mid-chain; only the declared genesis
			// must link to the zero hash.
			prev = b.PreviousHash
		}
		if b.PreviousHash != prev {
			return Errf(ErrPersistence, "chain linkage broken at epoch %d", b.Epoch)
		}
		if i > 0 && b.Epoch != chain[i-1].Epoch+1 {
			return Errf(ErrPersistence, "epoch gap at %d", b.Epoch)
		}
		prev = b.Hash
	}
	return nil
}

func (l *Ledger) reindex() {
	l.byHash = make(map[string]*Block, len(l.chain))
	l.txIndex = make(map[string]txLocation)
	for _, b := range l.chain {
		l.byHash[b.Hash] = b
		for i, tx := range b.Transactions {
			if h, err := tx.HashHex(); err == nil {
				l.txIndex[h] = txLocation{epoch: b.Epoch, index: i}
			}
		}
	}
}

// Head returns the epoch and hash of the latest committed block, or
// (0, zero hash) on an empty chain.
func (l *Ledger) Head() (uint64, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.chain) == 0 {
		return 0, ZeroHashHex
	}
	head := l.chain[len(l.chain)-1]
	return head.Epoch, head.Hash
}

// Length reports the number of committed blocks.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain)
}

// Append commits a block the consensus layer has already validated. State is
// applied, then the chain and account cache are persisted; an I/O failure is
// returned as a fatal persistence error with the in-memory state rolled
// forward (the caller aborts the process).
func (l *Ledger) Append(b *Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := ZeroHashHex
	wantEpoch := uint64(1)
	if n := len(l.chain); n > 0 {
		prev = l.chain[n-1].Hash
		wantEpoch = l.chain[n-1].Epoch + 1
	}
	if b.Epoch != wantEpoch {
		return Errf(ErrConsensusViolation, "append epoch %d, want %d", b.Epoch, wantEpoch)
	}
	if b.PreviousHash != prev {
		return Errf(ErrConsensusViolation, "append previousHash %s, head is %s", b.PreviousHash, prev)
	}
	l.applyBlock(b)
	l.chain = append(l.chain, b)
	l.byHash[b.Hash] = b
	for i, tx := range b.Transactions {
		if h, err := tx.HashHex(); err == nil {
			l.txIndex[h] = txLocation{epoch: b.Epoch, index: i}
		}
	}
	return l.persistLocked()
}

// applyBlock credits rewards, then applies transactions in listed order.
func (l *Ledger) applyBlock(b *Block) {
	for addr, amount := range b.Rewards {
		l.credit(addr, amount)
		l.minted += amount
	}
	for _, tx := range b.Transactions {
		if tx.IsCoinbase() {
			l.credit(tx.To, tx.Amount)
			l.minted += tx.Amount
			continue
		}
		from := l.account(tx.From)
		if from.Balance < tx.Amount {
			// Adopted chains are hash-linked but not re-filtered; never
			// underflow on a malformed transfer.
			continue
		}
		from.Balance -= tx.Amount
		from.Nonce = tx.Nonce
		l.credit(tx.To, tx.Amount)
	}
}

func (l *Ledger) account(addr string) *Account {
	a, ok := l.accounts[addr]
	if !ok {
		a = &Account{}
		l.accounts[addr] = a
	}
	return a
}

func (l *Ledger) credit(addr string, amount uint64) {
	l.account(addr).Balance += amount
}

// Replay clears the account map and reapplies every block from genesis.
// Locally applied slash debits are not part of the chain and do not survive
// a replay; the slash bookkeeping resets with them.
func (l *Ledger) Replay() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replayLocked()
}

func (l *Ledger) replayLocked() {
	l.accounts = make(map[string]*Account)
	l.slashed = make(map[string]bool)
	l.minted = 0
	l.slashedTotal = 0
	for _, b := range l.chain {
		l.applyBlock(b)
	}
}

// ReplaceChain swaps the whole chain vector for a longer one fetched from a
// peer, then replays. The incoming vector must be internally hash-linked.
func (l *Ledger) ReplaceChain(chain []*Block) error {
	if err := verifyLinkage(chain); err != nil {
		return Errf(ErrConsensusViolation, "replacement chain: %v", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(chain) <= len(l.chain) {
		return Errf(ErrConsensusViolation, "replacement chain not longer")
	}
	l.chain = chain
	l.reindex()
	l.replayLocked()
	return l.persistLocked()
}

// AccountOf returns the balance and nonce for addr; a missing address is
// (0, 0).
func (l *Ledger) AccountOf(addr string) Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.accounts[addr]; ok {
		return *a
	}
	return Account{}
}

// Accounts returns a copy of the full account map.
func (l *Ledger) Accounts() map[string]Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Account, len(l.accounts))
	for addr, a := range l.accounts {
		out[addr] = *a
	}
	return out
}

// BlockAt returns the block committed at epoch, or nil.
func (l *Ledger) BlockAt(epoch uint64) *Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.chain) == 0 || epoch < l.chain[0].Epoch {
		return nil
	}
	idx := epoch - l.chain[0].Epoch
	if idx >= uint64(len(l.chain)) {
		return nil
	}
	return l.chain[idx]
}

// BlockByHash returns the block with the given hash, or nil.
func (l *Ledger) BlockByHash(hash string) *Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byHash[hash]
}

// Tail returns up to limit most recent full blocks in commit order.
func (l *Ledger) Tail(limit int) []*Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := 0
	if len(l.chain) > limit {
		start = len(l.chain) - limit
	}
	out := make([]*Block, len(l.chain)-start)
	copy(out, l.chain[start:])
	return out
}

// Headers returns up to limit most recent block headers in commit order.
func (l *Ledger) Headers(limit int) []BlockHeader {
	tail := l.Tail(limit)
	out := make([]BlockHeader, 0, len(tail))
	for _, b := range tail {
		out = append(out, b.Header())
	}
	return out
}

// ProofFor builds the SPV inclusion proof of the transaction with the given
// canonical hash.
func (l *Ledger) ProofFor(txHash string) ProofReply {
	l.mu.RLock()
	defer l.mu.RUnlock()
	loc, ok := l.txIndex[txHash]
	if !ok {
		return ProofReply{Found: false}
	}
	b := l.chain[loc.epoch-l.chain[0].Epoch]
	leaves := make([]string, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		h, err := tx.HashHex()
		if err != nil {
			return ProofReply{Found: false}
		}
		leaves = append(leaves, h)
	}
	return ProofReply{
		Found:      true,
		BlockEpoch: b.Epoch,
		BlockHash:  b.Hash,
		TxRoot:     b.TxRoot,
		Proof:      MerkleProof(leaves, loc.index),
	}
}

// Slash debits min(balance, amount) from addr once per chain and returns the
// actual debit. Repeat evidence against an already slashed address is a
// no-op.
func (l *Ledger) Slash(addr string, amount uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slashed[addr] {
		return 0
	}
	l.slashed[addr] = true
	a := l.account(addr)
	debit := amount
	if a.Balance < debit {
		debit = a.Balance
	}
	a.Balance -= debit
	l.slashedTotal += debit
	if err := l.persistLocked(); err != nil {
		log.WithError(err).Error("persist after slash")
	}
	return debit
}

// IsSlashed reports whether addr has been slashed on the current chain.
func (l *Ledger) IsSlashed(addr string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.slashed[addr]
}

// SlashedCount reports how many addresses have been slashed locally.
func (l *Ledger) SlashedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.slashed)
}

// TotalMinted is the cumulative sum of rewards and coinbase credits.
func (l *Ledger) TotalMinted() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.minted
}

// TotalSlashed is the cumulative sum of slash debits actually applied.
func (l *Ledger) TotalSlashed() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.slashedTotal
}

// TotalBalance sums every account balance.
func (l *Ledger) TotalBalance() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var sum uint64
	for _, a := range l.accounts {
		sum += a.Balance
	}
	return sum
}

// persistLocked writes chain.json and the accounts cache atomically via
// temp-file rename. Callers hold l.mu.
func (l *Ledger) persistLocked() error {
	chainRaw, err := json.Marshal(l.chain)
	if err != nil {
		return WrapErr(ErrPersistence, err, "encode chain")
	}
	if err := atomicWrite(filepath.Join(l.dir, chainFile), chainRaw); err != nil {
		return err
	}

	addrs := make([]string, 0, len(l.accounts))
	for addr := range l.accounts {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	entries := make([]interface{}, 0, len(addrs))
	for _, addr := range addrs {
		entries = append(entries, []interface{}{addr, l.accounts[addr]})
	}
	acctRaw, err := json.Marshal(entries)
	if err != nil {
		return WrapErr(ErrPersistence, err, "encode accounts")
	}
	return atomicWrite(filepath.Join(l.dir, accountsFile), acctRaw)
}

func atomicWrite(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp", path)
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return WrapErr(ErrPersistence, err, "write "+filepath.Base(path))
	}
	if err := os.Rename(tmp, path); err != nil {
		return WrapErr(ErrPersistence, err, "rename "+filepath.Base(path))
	}
	return nil
}
