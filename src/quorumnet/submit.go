package quorumnet

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blinknet/blinkd/src/blink"
	"github.com/blinknet/blinkd/src/bt"
	"github.com/blinknet/blinkd/src/crypto"
	"github.com/blinknet/blinkd/src/net"
	"github.com/blinknet/blinkd/src/sn"
)

// BlinkResult is the submitter-visible outcome of a blink submission.
type BlinkResult int

const (
	BlinkAccepted BlinkResult = iota
	BlinkRejected
	BlinkTimeout
)

func (r BlinkResult) String() string {
	switch r {
	case BlinkAccepted:
		return "accepted"
	case BlinkRejected:
		return "rejected"
	case BlinkTimeout:
		return "timeout"
	}
	return "unknown"
}

// BlinkResponse is delivered on the channel returned by SendBlink.
type BlinkResponse struct {
	Result BlinkResult
	Msg    string
}

const (
	// maxActivePromises is a sanity check against runaway active pending
	// blink submissions.
	maxActivePromises = 1000

	// submitTimeout is how long a submission waits for a quorum verdict.
	submitTimeout = 30 * time.Second

	// submitFanout is how many entry-point nodes a submission is sent to.
	submitFanout = 4
)

// pendingBlink tracks one outstanding submission. The channel is resolved at
// most once; the three response-class counters are disjoint and atomic.
type pendingBlink struct {
	hash   crypto.Hash
	expiry time.Time

	remoteCount int32

	nostartCount int32
	badCount     int32
	goodCount    int32

	once sync.Once
	ch   chan BlinkResponse
}

func newPendingBlink(hash crypto.Hash) *pendingBlink {
	return &pendingBlink{
		hash:   hash,
		expiry: time.Now().Add(submitTimeout),
		ch:     make(chan BlinkResponse, 1),
	}
}

// resolve delivers the response if it hasn't been delivered yet; reports
// whether this call was the one that did it.
func (p *pendingBlink) resolve(r BlinkResponse) bool {
	resolved := false
	p.once.Do(func() {
		p.ch <- r
		resolved = true
	})
	return resolved
}

// pendingBlinks is the tag-indexed table of outstanding submissions.
type pendingBlinks struct {
	sync.RWMutex
	byTag map[uint64]*pendingBlink
}

func newPendingBlinks() *pendingBlinks {
	return &pendingBlinks{byTag: make(map[uint64]*pendingBlink)}
}

func randomTag() uint64 {
	var b [8]byte
	for {
		if _, err := crand.Read(b[:]); err != nil {
			panic(err)
		}
		// Mask to the positive signed range: wire integers are signed.
		tag := binary.LittleEndian.Uint64(b[:]) & (1<<63 - 1)
		if tag != 0 {
			return tag
		}
	}
}

// SendBlink submits a transaction for fast-finality approval. The returned
// channel delivers at most one response: the quorum verdict, an immediate
// rejection, or a timeout. Expired submissions are only swept, and their
// timeout delivered, by a later SendBlink call.
func (w *Worker) SendBlink(txBlob []byte) <-chan BlinkResponse {
	failed := func(result BlinkResult, msg string) <-chan BlinkResponse {
		ch := make(chan BlinkResponse, 1)
		ch <- BlinkResponse{Result: result, Msg: msg}
		return ch
	}

	txHash, err := blink.ParseTx(txBlob)
	if err != nil {
		return failed(BlinkRejected, "Could not parse transaction data")
	}

	var entry *pendingBlink
	var tag uint64
	{
		now := time.Now()

		w.pending.Lock()

		duplicate := false
		for t, p := range w.pending.byTag {
			if p.expiry.Before(now) {
				p.resolve(BlinkResponse{Result: BlinkTimeout, Msg: "Blink quorum timeout"})
				delete(w.pending.byTag, t)
				continue
			}
			if p.hash == txHash {
				duplicate = true
			}
		}

		switch {
		case duplicate:
			w.pending.Unlock()
			return failed(BlinkRejected, "Transaction was already submitted")
		case len(w.pending.byTag) >= maxActivePromises:
			w.pending.Unlock()
			return failed(BlinkRejected, "Node is busy, try again later")
		}

		// Choose an unused tag randomly so the tag value doesn't give
		// anything away.
		for {
			tag = randomTag()
			if _, taken := w.pending.byTag[tag]; !taken {
				break
			}
		}
		entry = newPendingBlink(txHash)
		w.pending.byTag[tag] = entry

		w.pending.Unlock()
	}

	erase := func() {
		w.pending.Lock()
		delete(w.pending.byTag, tag)
		w.pending.Unlock()
	}

	height := w.height()
	quorums, checksum, err := w.getBlinkQuorums(height, nil)
	if err != nil {
		entry.resolve(BlinkResponse{Result: BlinkRejected, Msg: err.Error()})
		erase()
		return entry.ch
	}

	// Look up connection details for every possible entry point so we can
	// immediately exclude nodes that aren't active anymore.
	candidates := make(map[crypto.PubKey]struct{})
	for _, q := range quorums {
		for _, v := range q.Validators {
			candidates[v] = struct{}{}
		}
	}
	w.logger.WithField("count", len(candidates)).Debug("Blink entry point candidates")

	pubs := make([]crypto.PubKey, 0, len(candidates))
	for pub := range candidates {
		pubs = append(pubs, pub)
	}

	type remote struct {
		x25519 crypto.X25519PubKey
		addr   string
	}
	remotes := []remote{}
	w.registry.ForEach(pubs, func(rec sn.ServiceNode) {
		if !rec.Active {
			return
		}
		if rec.X25519.IsZero() || rec.ConnectString() == "" {
			return
		}
		remotes = append(remotes, remote{x25519: rec.X25519, addr: rec.ConnectString()})
	})

	w.logger.WithField("count", len(remotes)).Debug("Blink entry point candidates after checking status")

	if len(remotes) == 0 {
		entry.resolve(BlinkResponse{Result: BlinkRejected, Msg: "No blink quorum members are reachable"})
		erase()
		return entry.ch
	}

	// Pick random entry points to carry the blink into the quorum.
	rand.Shuffle(len(remotes), func(i, j int) {
		remotes[i], remotes[j] = remotes[j], remotes[i]
	})
	if len(remotes) > submitFanout {
		remotes = remotes[:submitFanout]
	}
	atomic.StoreInt32(&entry.remoteCount, int32(len(remotes)))

	payload, err := bt.Marshal(bt.Dict{
		"!": int64(tag),
		"#": string(txHash[:]),
		"h": int64(height),
		"q": int64(checksum),
		"t": string(txBlob),
	})
	if err != nil {
		entry.resolve(BlinkResponse{Result: BlinkRejected, Msg: "Could not serialize blink request"})
		erase()
		return entry.ch
	}

	for _, r := range remotes {
		w.logger.WithFields(logrus.Fields{
			"pubkey": r.x25519,
			"addr":   r.addr,
		}).Info("Relaying blink tx to entry point")

		if err := w.trans.Send(r.x25519, "blink", net.SendOpts{Hint: r.addr}, payload); err != nil {
			w.logger.WithError(err).WithField("pubkey", r.x25519).Warning("Failed to send blink to entry point")
		}
	}

	return entry.ch
}

// commonBlinkResponse counts one entry-point response of the given class and
// resolves the submission once a strict majority of the contacted entry
// points agrees.
func (w *Worker) commonBlinkResponse(tag uint64, result BlinkResult, msg string, counter func(*pendingBlink) *int32) {
	resolved := false

	w.pending.RLock()
	p, ok := w.pending.byTag[tag]
	if !ok {
		// Already handled, or obsolete.
		w.pending.RUnlock()
		return
	}

	count := atomic.AddInt32(counter(p), 1)
	if count > atomic.LoadInt32(&p.remoteCount)/2 {
		resolved = p.resolve(BlinkResponse{Result: result, Msg: msg})
	}
	w.pending.RUnlock()

	if resolved {
		w.pending.Lock()
		delete(w.pending.byTag, tag)
		w.pending.Unlock()
	}
}

// handleBlinkNotStarted handles bl_nostart: the tx didn't get far enough to
// be distributed among the quorum. Some nodes may accept while others
// refuse, so the promise only resolves on a majority.
func (w *Worker) handleBlinkNotStarted(m *net.Message) {
	if len(m.Data) != 1 {
		w.logger.WithField("parts", len(m.Data)).Error("Bad blink not started response: expected one data entry")
		return
	}
	d, err := bt.Unmarshal(m.Data[0])
	if err != nil {
		return
	}
	tag, err := bt.Uint64(d, "!")
	if err != nil {
		return
	}
	reason, err := bt.Bytes(d, "e")
	if err != nil {
		return
	}

	w.logger.WithField("error", string(reason)).Info("Received no-start blink response")

	w.commonBlinkResponse(tag, BlinkRejected, string(reason), func(p *pendingBlink) *int32 { return &p.nostartCount })
}

// handleBlinkFailure handles bl_bad: enough of the blink quorum has rejected
// that the tx cannot be accepted.
func (w *Worker) handleBlinkFailure(m *net.Message) {
	if len(m.Data) != 1 {
		w.logger.WithField("parts", len(m.Data)).Error("Blink failure message not understood: expected one data entry")
		return
	}
	d, err := bt.Unmarshal(m.Data[0])
	if err != nil {
		return
	}
	tag, err := bt.Uint64(d, "!")
	if err != nil {
		return
	}

	w.logger.Info("Received blink failure response")

	w.commonBlinkResponse(tag, BlinkRejected, "Transaction rejected by quorum", func(p *pendingBlink) *int32 { return &p.badCount })
}

// handleBlinkSuccess handles bl_good: enough of the blink quorum has
// accepted the tx for it to be final.
func (w *Worker) handleBlinkSuccess(m *net.Message) {
	if len(m.Data) != 1 {
		w.logger.WithField("parts", len(m.Data)).Error("Blink success message not understood: expected one data entry")
		return
	}
	d, err := bt.Unmarshal(m.Data[0])
	if err != nil {
		return
	}
	tag, err := bt.Uint64(d, "!")
	if err != nil {
		return
	}

	w.logger.Info("Received blink success response")

	w.commonBlinkResponse(tag, BlinkAccepted, "", func(p *pendingBlink) *int32 { return &p.goodCount })
}
