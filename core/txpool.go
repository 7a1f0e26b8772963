package core

// txpool.go – pending transaction pool. Admission is keyed on the canonical
// transaction hash: a replayed signed transfer hashes identically and stays
// deduplicated (including after commit), while every coinbase mint hashes
// uniquely through its timestamp-derived nonce and always has a seat.

// NewTxPool constructs an empty pool.
func NewTxPool() *TxPool {
	return &TxPool{seen: make(map[string]struct{})}
}

// poolKey identifies a transaction for dedup purposes. Hashing a
// self-constructed transaction cannot fail; the signature is the fallback
// identity for anything undecodable.
func poolKey(tx Transaction) string {
	h, err := tx.HashHex()
	if err != nil {
		return tx.Signature
	}
	return h
}

// Add admits tx unless its hash has been seen before. It reports whether
// the transaction entered the pool.
func (p *TxPool) Add(tx Transaction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := poolKey(tx)
	if _, dup := p.seen[key]; dup {
		return false
	}
	p.seen[key] = struct{}{}
	p.pending = append(p.pending, tx)
	return true
}

// Pending returns a copy of the pool in admission order.
func (p *TxPool) Pending() []Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Transaction, len(p.pending))
	copy(out, p.pending)
	return out
}

// Len reports the number of pending transactions.
func (p *TxPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// MarkCommitted drops the block's transactions from the pool and pins their
// hashes so resubmissions stay deduplicated.
func (p *TxPool) MarkCommitted(block *Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	included := make(map[string]struct{}, len(block.Transactions))
	for _, tx := range block.Transactions {
		key := poolKey(tx)
		included[key] = struct{}{}
		p.seen[key] = struct{}{}
	}
	kept := p.pending[:0]
	for _, tx := range p.pending {
		if _, ok := included[poolKey(tx)]; !ok {
			kept = append(kept, tx)
		}
	}
	p.pending = kept
}

// MarkChain pins the hashes of every transaction already committed in
// chain. Used after cold sync and gossip chain adoption.
func (p *TxPool) MarkChain(chain []*Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range chain {
		for _, tx := range b.Transactions {
			p.seen[poolKey(tx)] = struct{}{}
		}
	}
}
