package quorumnet

import (
	"testing"
	"time"

	"github.com/blinknet/blinkd/src/bt"
	"github.com/blinknet/blinkd/src/crypto"
)

func taggedResponse(t *testing.T, tag uint64) []byte {
	payload, err := bt.Marshal(bt.Dict{"!": int64(tag)})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return payload
}

func TestSendBlinkRejectsUnparsable(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	pubs := env.pubKeys()
	env.setBlinkQuorums(pubs, pubs)

	client := env.newClient()

	resp := waitResponse(t, client.worker.SendBlink(nil), time.Second)
	if resp.Result != BlinkRejected || resp.Msg != "Could not parse transaction data" {
		t.Fatalf("resp: %+v", resp)
	}
}

func TestSendBlinkRejectsDuplicate(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	pubs := env.pubKeys()
	env.setBlinkQuorums(pubs, pubs)

	client := env.newClient()
	w := client.worker

	txBlob := []byte("submitted twice")

	// an outstanding entry with the same hash
	w.pending.Lock()
	w.pending.byTag[1] = newPendingBlink(crypto.TxHash(txBlob))
	w.pending.Unlock()

	resp := waitResponse(t, w.SendBlink(txBlob), time.Second)
	if resp.Result != BlinkRejected || resp.Msg != "Transaction was already submitted" {
		t.Fatalf("resp: %+v", resp)
	}
}

func TestSendBlinkRejectsWhenBusy(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	pubs := env.pubKeys()
	env.setBlinkQuorums(pubs, pubs)

	client := env.newClient()
	w := client.worker

	w.pending.Lock()
	for i := uint64(1); i <= maxActivePromises; i++ {
		w.pending.byTag[i] = newPendingBlink(crypto.TxHash([]byte{byte(i), byte(i >> 8)}))
	}
	w.pending.Unlock()

	resp := waitResponse(t, w.SendBlink([]byte("one too many")), time.Second)
	if resp.Result != BlinkRejected || resp.Msg != "Node is busy, try again later" {
		t.Fatalf("resp: %+v", resp)
	}
}

func TestSendBlinkSweepsExpired(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	pubs := env.pubKeys()
	env.setBlinkQuorums(pubs, pubs)

	client := env.newClient()
	w := client.worker

	stale := newPendingBlink(crypto.TxHash([]byte("stale")))
	stale.expiry = time.Now().Add(-time.Second)

	w.pending.Lock()
	w.pending.byTag[99] = stale
	w.pending.Unlock()

	// the next submission sweeps it
	w.SendBlink([]byte("fresh tx"))

	resp := waitResponse(t, stale.ch, time.Second)
	if resp.Result != BlinkTimeout || resp.Msg != "Blink quorum timeout" {
		t.Fatalf("resp: %+v", resp)
	}

	w.pending.RLock()
	_, still := w.pending.byTag[99]
	w.pending.RUnlock()
	if still {
		t.Fatal("expired entry not erased")
	}

	// late responses for the erased tag are ignored
	w.handleBlinkSuccess(newTestMessage("bl_good", env.nodes[0].keys.X25519Pub, true, taggedResponse(t, 99)))
	select {
	case r := <-stale.ch:
		t.Fatalf("unexpected second resolution: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResponseMajorityResolvesOnce(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	pubs := env.pubKeys()
	env.setBlinkQuorums(pubs, pubs)

	client := env.newClient()
	w := client.worker

	entry := newPendingBlink(crypto.TxHash([]byte("awaiting verdict")))
	entry.remoteCount = 4

	w.pending.Lock()
	w.pending.byTag[11] = entry
	w.pending.Unlock()

	from := env.nodes[0].keys.X25519Pub

	// two good responses: 2 is not > 4/2
	w.handleBlinkSuccess(newTestMessage("bl_good", from, true, taggedResponse(t, 11)))
	w.handleBlinkSuccess(newTestMessage("bl_good", from, true, taggedResponse(t, 11)))

	select {
	case r := <-entry.ch:
		t.Fatalf("resolved without a majority: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	// the third one crosses the strict majority
	w.handleBlinkSuccess(newTestMessage("bl_good", from, true, taggedResponse(t, 11)))

	resp := waitResponse(t, entry.ch, time.Second)
	if resp.Result != BlinkAccepted || resp.Msg != "" {
		t.Fatalf("resp: %+v", resp)
	}

	w.pending.RLock()
	_, still := w.pending.byTag[11]
	w.pending.RUnlock()
	if still {
		t.Fatal("resolved entry not erased")
	}

	// further responses are dropped
	w.handleBlinkFailure(newTestMessage("bl_bad", from, true, taggedResponse(t, 11)))
	select {
	case r := <-entry.ch:
		t.Fatalf("unexpected second resolution: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNostartMajorityCarriesReason(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	pubs := env.pubKeys()
	env.setBlinkQuorums(pubs, pubs)

	client := env.newClient()
	w := client.worker

	entry := newPendingBlink(crypto.TxHash([]byte("never started")))
	entry.remoteCount = 4

	w.pending.Lock()
	w.pending.byTag[12] = entry
	w.pending.Unlock()

	payload, err := bt.Marshal(bt.Dict{"!": int64(12), "e": "Invalid blink authorization height"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	from := env.nodes[0].keys.X25519Pub
	for i := 0; i < 3; i++ {
		w.handleBlinkNotStarted(newTestMessage("bl_nostart", from, true, payload))
	}

	resp := waitResponse(t, entry.ch, time.Second)
	if resp.Result != BlinkRejected || resp.Msg != "Invalid blink authorization height" {
		t.Fatalf("resp: %+v", resp)
	}
}
