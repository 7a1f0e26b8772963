package core

// equivocation.go – detection of a leader signing two distinct blocks for
// the same epoch. The ledger here is per-node and bounded to the most recent
// K epochs; only the pair of conflicting signed headers is actionable and
// broadcastable evidence.

// EquivocationLedger retains proposals seen per epoch, keyed by block hash.
type EquivocationLedger struct {
	window  int
	byEpoch map[uint64]map[string]*Block
}

// NewEquivocationLedger bounds retention to window epochs.
func NewEquivocationLedger(window int) *EquivocationLedger {
	return &EquivocationLedger{
		window:  window,
		byEpoch: make(map[uint64]map[string]*Block),
	}
}

// Record stores b and returns a previously seen block by the same leader at
// the same epoch with a different hash, if any. Epochs older than the
// retention window are pruned.
func (e *EquivocationLedger) Record(b *Block) *Block {
	var conflict *Block
	seen, ok := e.byEpoch[b.Epoch]
	if !ok {
		seen = make(map[string]*Block)
		e.byEpoch[b.Epoch] = seen
	}
	for hash, prev := range seen {
		if hash != b.Hash && prev.Leader == b.Leader {
			conflict = prev
			break
		}
	}
	seen[b.Hash] = b

	if b.Epoch > uint64(e.window) {
		floor := b.Epoch - uint64(e.window)
		for epoch := range e.byEpoch {
			if epoch <= floor {
				delete(e.byEpoch, epoch)
			}
		}
	}
	return conflict
}

// VerifyEquivocation checks that two blocks are cryptographic evidence of
// equivocation: same epoch and leader, distinct hashes, both headers valid
// and signed by the leader.
func VerifyEquivocation(a, b *Block) bool {
	if a.Epoch != b.Epoch || a.Leader != b.Leader || a.Hash == b.Hash {
		return false
	}
	if err := a.VerifyHash(); err != nil {
		return false
	}
	if err := b.VerifyHash(); err != nil {
		return false
	}
	if err := a.VerifyLeaderSignature(); err != nil {
		return false
	}
	if err := b.VerifyLeaderSignature(); err != nil {
		return false
	}
	return true
}
