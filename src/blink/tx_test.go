package blink

import (
	"sync"
	"testing"

	"github.com/blinknet/blinkd/src/crypto"
	"github.com/blinknet/blinkd/src/sn"
)

func testTx(t *testing.T) *Tx {
	blob := []byte("serialized tx bytes")
	hash, err := ParseTx(blob)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return NewTx(100, blob, hash, [NumSubquorums]int{10, 10})
}

func testSig(b byte) crypto.Signature {
	var sig crypto.Signature
	for i := range sig {
		sig[i] = b
	}
	return sig
}

func TestParseTx(t *testing.T) {
	if _, err := ParseTx(nil); err == nil {
		t.Fatal("empty blob should not parse")
	}
	if _, err := ParseTx(make([]byte, MaxTxSize+1)); err == nil {
		t.Fatal("oversized blob should not parse")
	}
	h1, err := ParseTx([]byte("tx"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if h1 != crypto.TxHash([]byte("tx")) {
		t.Fatal("ParseTx hash mismatch")
	}
}

func TestSlotNeverOverwritten(t *testing.T) {
	tx := testTx(t)

	if !tx.AddPrecheckedSignature(SubquorumBase, 3, true, testSig(1)) {
		t.Fatal("first insert should succeed")
	}
	if tx.AddPrecheckedSignature(SubquorumBase, 3, false, testSig(2)) {
		t.Fatal("second insert into the same slot should fail")
	}
	if got := tx.Status(SubquorumBase, 3); got != SignatureApproved {
		t.Fatalf("slot status: %v", got)
	}
}

func TestSlotBounds(t *testing.T) {
	tx := testTx(t)

	if tx.AddPrecheckedSignature(SubquorumBase, -1, true, testSig(1)) {
		t.Fatal("negative position should fail")
	}
	if tx.AddPrecheckedSignature(SubquorumBase, 10, true, testSig(1)) {
		t.Fatal("out-of-range position should fail")
	}
	if tx.AddPrecheckedSignature(NumSubquorums, 0, true, testSig(1)) {
		t.Fatal("out-of-range subquorum should fail")
	}
	if got := tx.Status(SubquorumFuture, 99); got != SignatureNone {
		t.Fatalf("status of invalid slot: %v", got)
	}
}

func TestVerdictThresholds(t *testing.T) {
	tx := testTx(t)

	// approvals in only one subquorum are not enough
	for i := 0; i < sn.BlinkMinVotes; i++ {
		tx.AddPrecheckedSignature(SubquorumBase, i, true, testSig(byte(i)))
	}
	if tx.Approved() {
		t.Fatal("approved with only one subquorum at threshold")
	}
	if tx.Rejected() {
		t.Fatal("rejected without any rejections")
	}

	for i := 0; i < sn.BlinkMinVotes-1; i++ {
		tx.AddPrecheckedSignature(SubquorumFuture, i, true, testSig(byte(i)))
	}
	if tx.Approved() {
		t.Fatal("approved below threshold in the future subquorum")
	}

	tx.AddPrecheckedSignature(SubquorumFuture, sn.BlinkMinVotes-1, true, testSig(99))
	if !tx.Approved() {
		t.Fatal("not approved with both subquorums at threshold")
	}
	if tx.Rejected() {
		t.Fatal("approved and rejected simultaneously")
	}

	// the verdict is irreversible: late rejections can't flip it
	for i := sn.BlinkMinVotes; i < 10; i++ {
		tx.AddPrecheckedSignature(SubquorumBase, i, false, testSig(byte(i)))
	}
	if !tx.Approved() || tx.Rejected() {
		t.Fatal("verdict flipped after late rejections")
	}
}

func TestRejectionThreshold(t *testing.T) {
	tx := testTx(t)

	// with size 10 and threshold 7, rejection requires > 3 rejections
	for i := 0; i < 3; i++ {
		tx.AddPrecheckedSignature(SubquorumBase, i, false, testSig(byte(i)))
	}
	if tx.Rejected() {
		t.Fatal("rejected while approval is still possible")
	}

	tx.AddPrecheckedSignature(SubquorumBase, 3, false, testSig(4))
	if !tx.Rejected() {
		t.Fatal("not rejected after approval became impossible")
	}
	if tx.Approved() {
		t.Fatal("approved and rejected simultaneously")
	}
}

func TestConcurrentInsertOneWinner(t *testing.T) {
	tx := testTx(t)

	var wg sync.WaitGroup
	wins := make(chan int, 16)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			if tx.AddPrecheckedSignature(SubquorumBase, 5, g%2 == 0, testSig(byte(g))) {
				wins <- g
			}
		}(g)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("%d goroutines won the same slot", count)
	}
}

func TestInsertPrecheckedSingleTransition(t *testing.T) {
	tx := testTx(t)

	// 20 approvals inserted concurrently in single-signature batches;
	// exactly one batch may observe the undecided -> approved transition
	var wg sync.WaitGroup
	flips := make(chan struct{}, 20)
	for q := 0; q < int(NumSubquorums); q++ {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(q, i int) {
				defer wg.Done()
				batch := []PendingSignature{{
					Approval:  true,
					Subquorum: Subquorum(q),
					Position:  int32(i),
					Signature: testSig(byte(q*10 + i + 1)),
				}}
				_, prevApproved, _, nowApproved, _ := tx.InsertPrechecked(batch)
				if nowApproved && !prevApproved {
					flips <- struct{}{}
				}
			}(q, i)
		}
	}
	wg.Wait()
	close(flips)

	count := 0
	for range flips {
		count++
	}
	if count != 1 {
		t.Fatalf("%d batches observed the approval transition", count)
	}
	if !tx.Approved() {
		t.Fatal("tx not approved after all approvals")
	}
}

func TestInsertPrecheckedSkipsFilledSlots(t *testing.T) {
	tx := testTx(t)

	if !tx.AddPrecheckedSignature(SubquorumBase, 0, false, testSig(1)) {
		t.Fatal("seed insert failed")
	}

	accepted, _, _, _, _ := tx.InsertPrechecked([]PendingSignature{
		{Approval: true, Subquorum: SubquorumBase, Position: 0, Signature: testSig(2)},
		{Approval: true, Subquorum: SubquorumBase, Position: 1, Signature: testSig(3)},
		{Approval: true, Subquorum: SubquorumBase, Position: 99, Signature: testSig(4)},
	})
	if len(accepted) != 1 || accepted[0].Position != 1 {
		t.Fatalf("accepted: %v", accepted)
	}
	if tx.Status(SubquorumBase, 0) != SignatureRejected {
		t.Fatal("filled slot was overwritten")
	}
}

func TestSignHashApprovalBit(t *testing.T) {
	tx := testTx(t)

	if tx.SignHash(true) == tx.SignHash(false) {
		t.Fatal("approval and rejection hashes must differ")
	}
	if tx.SignHash(true) != tx.SignHash(true) {
		t.Fatal("sign hash not deterministic")
	}
}

func TestDebugSignatures(t *testing.T) {
	tx := NewTx(100, []byte("x"), crypto.TxHash([]byte("x")), [NumSubquorums]int{3, 2})

	tx.AddPrecheckedSignature(SubquorumBase, 0, true, testSig(1))
	tx.AddPrecheckedSignature(SubquorumBase, 2, false, testSig(2))

	if got := tx.DebugSignatures(); got != "[A - R] [- -]" {
		t.Fatalf("debug render: %q", got)
	}
}
