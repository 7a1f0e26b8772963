package core

import "testing"

// TestEquivocationDetection verifies two distinct validly signed blocks for
// the same (leader, epoch) are recognised as evidence.
func TestEquivocationDetection(t *testing.T) {
	leader := testContext(t, "byzantine")
	led := NewEquivocationLedger(10)

	b1 := sealedBlock(t, leader, 5, ZeroHashHex, nil)
	b2 := sealedBlock(t, leader, 5, ZeroHashHex, []Transaction{NewCoinbaseTransaction("aa00000000000000000000000000000000000000", 1)})
	if b1.Hash == b2.Hash {
		t.Fatalf("test blocks collided")
	}

	if conflict := led.Record(b1); conflict != nil {
		t.Fatalf("first proposal flagged")
	}
	conflict := led.Record(b2)
	if conflict == nil {
		t.Fatalf("conflicting proposal not flagged")
	}
	if !VerifyEquivocation(conflict, b2) {
		t.Fatalf("evidence pair rejected")
	}
}

// TestEquivocationDifferentLeaders verifies distinct leaders at one epoch
// are not evidence.
func TestEquivocationDifferentLeaders(t *testing.T) {
	l1 := testContext(t, "l1")
	l2 := testContext(t, "l2")
	led := NewEquivocationLedger(10)
	led.Record(sealedBlock(t, l1, 5, ZeroHashHex, nil))
	if conflict := led.Record(sealedBlock(t, l2, 5, ZeroHashHex, nil)); conflict != nil {
		t.Fatalf("different leaders flagged as equivocation")
	}
}

// TestEquivocationVerifyRejectsForgery verifies evidence with a broken
// signature or matching hashes does not verify.
func TestEquivocationVerifyRejectsForgery(t *testing.T) {
	leader := testContext(t, "leader")
	b1 := sealedBlock(t, leader, 5, ZeroHashHex, nil)
	b2 := sealedBlock(t, leader, 5, ZeroHashHex, []Transaction{NewCoinbaseTransaction("aa00000000000000000000000000000000000000", 1)})

	if VerifyEquivocation(b1, b1) {
		t.Fatalf("identical blocks verified as evidence")
	}
	forged := *b2
	forged.LeaderSignature = b1.LeaderSignature
	if VerifyEquivocation(b1, &forged) {
		t.Fatalf("forged signature verified as evidence")
	}
}

// TestEquivocationWindowPruning verifies epochs older than the retention
// window are dropped.
func TestEquivocationWindowPruning(t *testing.T) {
	leader := testContext(t, "leader")
	led := NewEquivocationLedger(3)
	led.Record(sealedBlock(t, leader, 1, ZeroHashHex, nil))
	led.Record(sealedBlock(t, leader, 10, ZeroHashHex, nil))
	if _, ok := led.byEpoch[1]; ok {
		t.Fatalf("epoch 1 survived a window of 3 at epoch 10")
	}
	if _, ok := led.byEpoch[10]; !ok {
		t.Fatalf("current epoch pruned")
	}
}
