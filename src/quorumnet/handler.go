package quorumnet

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/blinknet/blinkd/src/blink"
	"github.com/blinknet/blinkd/src/bt"
	"github.com/blinknet/blinkd/src/crypto"
	"github.com/blinknet/blinkd/src/net"
	"github.com/blinknet/blinkd/src/sn"
)

// blinkHeightTolerance is how far a blink authorization height may diverge
// from the local chain height before the submission is refused.
const blinkHeightTolerance = 2

// getBlinkQuorums obtains both blink subquorums for an authorization height,
// verifies that they are of an acceptable size, and either verifies the
// given checksum against the computed one (inputChecksum non-nil) or returns
// the computed value.
func (w *Worker) getBlinkQuorums(height uint64, inputChecksum *uint64) ([blink.NumSubquorums]*sn.Quorum, uint64, error) {
	var quorums [blink.NumSubquorums]*sn.Quorum
	var checksum uint64

	for qi := uint8(0); qi < uint8(blink.NumSubquorums); qi++ {
		qheight := sn.BlinkQuorumHeight(height, qi)
		if qheight == 0 {
			return quorums, 0, fmt.Errorf("too early in blockchain to create a quorum")
		}

		q := w.quorums.GetQuorum(sn.QuorumBlink, qheight)
		if q == nil || len(q.Validators) < sn.BlinkMinVotes || len(q.Validators) > sn.BlinkSubquorumSize {
			return quorums, 0, fmt.Errorf("not enough blink nodes to form a quorum")
		}

		quorums[qi] = q
		checksum += sn.QuorumChecksum(q.Validators, uint64(qi)*sn.BlinkSubquorumSize)
	}
	checksum &= 1<<63 - 1

	if inputChecksum != nil && *inputChecksum != checksum {
		return quorums, 0, fmt.Errorf("wrong quorum checksum: expected %d, received %d", checksum, *inputChecksum)
	}

	return quorums, checksum, nil
}

// replyNostart sends a bl_nostart back to the submitter, if there is a tag
// to correlate it with.
func (w *Worker) replyNostart(m *net.Message, tag uint64, reason string) {
	if tag == 0 {
		return
	}

	payload, err := bt.Marshal(bt.Dict{"!": int64(tag), "e": reason})
	if err != nil {
		return
	}
	if err := m.Reply("bl_nostart", payload); err != nil {
		w.logger.WithError(err).Debug("Failed to send bl_nostart")
	}
}

// handleBlink processes a blink tx submitted by an external node or
// forwarded by a quorum member: validate the envelope, install the tx,
// forward it to blink peers, run local mempool validation, and sign.
func (w *Worker) handleBlink(m *net.Message) {
	w.logger.WithFields(logrus.Fields{
		"pubkey": m.Pubkey,
		"sn":     m.SN,
	}).Debug("Received a blink tx")

	if w.keys == nil {
		w.logger.Info("Ignoring blink tx: remote-only node")
		return
	}

	if len(m.Data) != 1 {
		// No valid data and so no reply tag; we can't send a response.
		w.logger.WithField("parts", len(m.Data)).Info("Rejecting blink message: expected one data entry")
		return
	}

	d, err := bt.Unmarshal(m.Data[0])
	if err != nil {
		w.logger.WithError(err).Info("Rejecting blink message: bad payload")
		return
	}

	tag := bt.Uint64Or(d, "!", 0)

	blinkHeight, err := bt.Uint64(d, "h")
	if err != nil {
		w.logger.WithError(err).Info("Rejecting blink tx: no height")
		w.replyNostart(m, tag, "Invalid blink authorization height")
		return
	}

	localHeight := w.height()
	if localHeight > blinkRetentionBlocks {
		w.cache.PruneBelow(localHeight - blinkRetentionBlocks)
	}

	if blinkHeight+blinkHeightTolerance < localHeight || blinkHeight > localHeight+blinkHeightTolerance {
		w.logger.WithFields(logrus.Fields{
			"blink_height": blinkHeight,
			"local_height": localHeight,
		}).Info("Rejecting blink tx: blink auth height out of range")
		w.replyNostart(m, tag, "Invalid blink authorization height")
		return
	}

	hashBytes, err := bt.Bytes(d, "#")
	if err != nil {
		w.logger.Info("Rejecting blink tx: no tx hash included in request")
		w.replyNostart(m, tag, "Invalid transaction hash")
		return
	}
	txHash, err := crypto.HashFromBytes(hashBytes)
	if err != nil {
		w.logger.Info("Rejecting blink tx: invalid tx hash included in request")
		w.replyNostart(m, tag, "Invalid transaction hash")
		return
	}

	// The hash lets us short-circuit if we've already seen this tx. We don't
	// trust it yet; it is verified against the parsed tx below before
	// anything is stored under it.
	if _, _, _, found := w.cache.Find(blinkHeight, txHash); found {
		w.logger.Debug("Already seen and forwarded this blink tx, ignoring it")
		if tag > 0 {
			// We received it from a quorum peer before the originating node
			// reached us, but this is the originating node to whom we still
			// want to reply.
			w.cache.AdoptReplyTag(blinkHeight, txHash, tag, m.Pubkey)
		}
		return
	}

	txData, err := bt.Bytes(d, "t")
	if err != nil {
		w.logger.Info("Rejecting blink tx: no tx data included in request")
		w.replyNostart(m, tag, "No transaction included in blink request")
		return
	}

	checksum, err := bt.Uint64(d, "q")
	if err != nil {
		w.logger.Info("Rejecting blink tx: no quorum checksum")
		w.replyNostart(m, tag, "Unable to retrieve blink quorum: no checksum")
		return
	}

	quorums, _, err := w.getBlinkQuorums(blinkHeight, &checksum)
	if err != nil {
		w.logger.WithError(err).Info("Rejecting blink tx")
		w.replyNostart(m, tag, "Unable to retrieve blink quorum: "+err.Error())
		return
	}

	// Exclude the peer that just sent it to us from the forward.
	exclude := make(map[crypto.PubKey]struct{})
	if senderPub, ok := w.registry.PubKeyOf(m.Pubkey); ok {
		exclude[senderPub] = struct{}{}
	}

	pinfo := newPeerInfo(w, sn.QuorumBlink, quorums[:], true, exclude)

	if pinfo.MyPositionCount == 0 {
		w.logger.Info("Rejecting blink tx: this service node is not a member of the blink quorum")
		w.replyNostart(m, tag, "Blink tx relayed to non-blink quorum member")
		return
	}
	w.logger.WithField("subquorums", pinfo.MyPositionCount).Trace("Found this node in blink subquorums")

	actualHash, err := blink.ParseTx(txData)
	if err != nil {
		w.logger.Info("Rejecting blink tx: failed to parse transaction data")
		w.replyNostart(m, tag, "Failed to parse transaction data")
		return
	}
	if actualHash != txHash {
		w.logger.WithFields(logrus.Fields{
			"submitted": txHash,
			"actual":    actualHash,
		}).Info("Rejecting blink tx: submitted tx hash did not match actual tx hash")
		w.replyNostart(m, tag, "Invalid transaction hash")
		return
	}

	// Abort if we don't have at least one strong peer to send it to. This
	// can only happen on a brand new node that hasn't seen proofs yet.
	if pinfo.StrongPeers == 0 {
		w.logger.Warning("Could not find connection info for any blink quorum peers; aborting blink tx")
		w.replyNostart(m, tag, "No quorum peers are currently reachable")
		return
	}

	var sizes [blink.NumSubquorums]int
	for qi := range quorums {
		sizes[qi] = len(quorums[qi].Validators)
	}
	btx := blink.NewTx(blinkHeight, txData, txHash, sizes)

	signatures, installed := w.cache.Install(blinkHeight, txHash, btx, tag, m.Pubkey)
	if !installed {
		// Another thread beat us to it between the check above and now.
		w.logger.Debug("Already seen and forwarded this blink tx, ignoring it")
		return
	}
	w.logger.Trace("Accepted new blink tx for verification")

	// Distribute first, *before* local verification: other quorum members
	// should start verifying as soon as possible, and the propagation must
	// not depend on this node's mempool opinion. The envelope checks above
	// have already established that everyone agrees on the quorum.
	forward, err := bt.Marshal(bt.Dict{
		"h": int64(blinkHeight),
		"q": int64(checksum),
		"t": string(txData),
		"#": string(txHash[:]),
	})
	if err == nil {
		w.logger.WithFields(logrus.Fields{
			"strong": pinfo.StrongPeers,
			"weak":   len(pinfo.Peers) - pinfo.StrongPeers,
		}).Debug("Relaying blink tx to blink peers")
		pinfo.relayToPeers("blink", forward)
	}

	// Check tx for validity.
	approved := false
	if w.mempool != nil {
		var mErr error
		approved, _, mErr = w.mempool.AddBlink(btx)
		if mErr != nil {
			w.logger.WithError(mErr).Debug("Mempool rejected blink tx")
			approved = false
		}
	}
	w.logger.WithFields(logrus.Fields{
		"hash":     txHash,
		"approved": approved,
	}).Info("Blink tx validated")

	// Add our own signature for every subquorum we occupy, alongside any
	// signatures that arrived before the tx did.
	sig := w.keys.Sign(btx.SignHash(approved))
	for qi := uint8(0); qi < uint8(blink.NumSubquorums); qi++ {
		if pinfo.MyPosition[qi] < 0 {
			continue
		}
		signatures = append(signatures, blink.PendingSignature{
			Approval:  approved,
			Subquorum: blink.Subquorum(qi),
			Position:  int32(pinfo.MyPosition[qi]),
			Signature: sig,
		})
	}

	w.processBlinkSignatures(btx, quorums, checksum, signatures, tag, m.Pubkey, crypto.X25519PubKey{})
}

// parseBlinkSignPayload decodes and validates a blink_sign dict. The i, p,
// r, s lists must be equal-length and non-empty; unknown keys reject the
// whole message.
func parseBlinkSignPayload(d bt.Dict) (height uint64, txHash crypto.Hash, checksum uint64, sigs []blink.PendingSignature, err error) {
	var iList, pList, rList, sList bt.List
	var sawHash, sawChecksum bool

	for key := range d {
		switch key {
		case "h":
			if height, err = bt.Uint64(d, "h"); err != nil {
				return
			}
		case "#":
			var hb []byte
			if hb, err = bt.Bytes(d, "#"); err != nil {
				return
			}
			if txHash, err = crypto.HashFromBytes(hb); err != nil {
				err = fmt.Errorf("invalid blink signature data: invalid tx hash")
				return
			}
			sawHash = true
		case "q":
			if checksum, err = bt.Uint64(d, "q"); err != nil {
				return
			}
			sawChecksum = true
		case "i":
			iList, err = bt.GetList(d, "i")
		case "p":
			pList, err = bt.GetList(d, "p")
		case "r":
			rList, err = bt.GetList(d, "r")
		case "s":
			sList, err = bt.GetList(d, "s")
		default:
			err = fmt.Errorf("invalid blink signature data: unrecognized key %q", key)
		}
		if err != nil {
			return
		}
	}

	if height == 0 || !sawHash || !sawChecksum {
		err = fmt.Errorf("invalid blink signature data: missing required fields")
		return
	}
	n := len(iList)
	if n == 0 || len(pList) != n || len(rList) != n || len(sList) != n {
		err = fmt.Errorf("invalid blink signature data: i, p, r, s lengths must be identical")
		return
	}

	sigs = make([]blink.PendingSignature, 0, n)
	for k := 0; k < n; k++ {
		var ps blink.PendingSignature

		qi, convErr := bt.ElemInt64("i", iList[k])
		if convErr != nil {
			err = convErr
			return
		}
		if qi < 0 || qi >= int64(blink.NumSubquorums) {
			err = fmt.Errorf("invalid blink signature data: invalid quorum index %d", qi)
			return
		}
		ps.Subquorum = blink.Subquorum(qi)

		pos, convErr := bt.ElemInt64("p", pList[k])
		if convErr != nil {
			err = convErr
			return
		}
		// Input validation only; the true bound depends on the actual quorum
		// and is checked later.
		if pos < 0 || pos >= sn.BlinkSubquorumSize {
			err = fmt.Errorf("invalid blink signature data: invalid quorum position %d", pos)
			return
		}
		ps.Position = int32(pos)

		r, convErr := bt.ElemInt64("r", rList[k])
		if convErr != nil {
			err = convErr
			return
		}
		if r != 0 && r != 1 {
			err = fmt.Errorf("invalid blink signature data: invalid approval value %d", r)
			return
		}
		ps.Approval = r == 1

		sigBytes, convErr := bt.ElemBytes("s", sList[k])
		if convErr != nil {
			err = convErr
			return
		}
		if ps.Signature, err = crypto.SignatureFromBytes(sigBytes); err != nil {
			err = fmt.Errorf("invalid blink signature data: invalid signature")
			return
		}
		if ps.Signature.IsZero() {
			err = fmt.Errorf("invalid blink signature data: invalid null signature")
			return
		}

		sigs = append(sigs, ps)
	}

	return
}

// handleBlinkSignature processes signatures relayed from quorum members. If
// the tx isn't known yet the signatures are buffered until it arrives.
func (w *Worker) handleBlinkSignature(m *net.Message) {
	w.logger.WithField("pubkey", m.Pubkey).Debug("Received blink tx signatures")

	if w.keys == nil {
		return
	}

	if len(m.Data) != 1 {
		w.logger.WithField("parts", len(m.Data)).Info("Rejecting blink signature: expected one data entry")
		return
	}

	d, err := bt.Unmarshal(m.Data[0])
	if err != nil {
		w.logger.WithError(err).Info("Rejecting blink signature: bad payload")
		return
	}

	height, txHash, checksum, sigs, err := parseBlinkSignPayload(d)
	if err != nil {
		w.logger.WithError(err).WithField("pubkey", m.Pubkey).Info("Rejecting blink signature")
		return
	}

	quorums, _, err := w.getBlinkQuorums(height, &checksum)
	if err != nil {
		w.logger.WithError(err).Info("Rejecting blink signature")
		return
	}

	if localHeight := w.height(); localHeight > blinkRetentionBlocks {
		w.cache.PruneBelow(localHeight - blinkRetentionBlocks)
	}

	btx, replyTag, replyPubkey, found := w.cache.Find(height, txHash)
	if !found {
		w.logger.Info("Blink tx not found in local blink cache; delaying signature verification")
		w.cache.AddPending(height, txHash, sigs)
		return
	}
	w.logger.Trace("Found blink tx in local blink cache")

	w.processBlinkSignatures(btx, quorums, checksum, sigs, replyTag, replyPubkey, m.Pubkey)
}

// processBlinkSignatures verifies and stores blink signatures, relays any
// that were new, and reports a freshly-final verdict back to the submitter's
// entry point. Called immediately upon receiving signatures when the tx is
// known; buffered signatures arrive here when the tx shows up.
//
// receivedFrom, when non-zero, is the peer that sent the signatures, so the
// relay doesn't pointlessly bounce them straight back.
func (w *Worker) processBlinkSignatures(
	btx *blink.Tx,
	quorums [blink.NumSubquorums]*sn.Quorum,
	checksum uint64,
	signatures []blink.PendingSignature,
	replyTag uint64,
	replyPubkey crypto.X25519PubKey,
	receivedFrom crypto.X25519PubKey,
) {
	// First discard signatures for positions that are invalid or already
	// filled. Slot inspection only needs the read side of the tx lock.
	kept := signatures[:0]
	for _, s := range signatures {
		if int(s.Position) >= len(quorums[s.Subquorum].Validators) {
			w.logger.Warning("Invalid blink signature: subquorum position is invalid")
			continue
		}
		if btx.Status(s.Subquorum, int(s.Position)) != blink.SignatureNone {
			continue
		}
		kept = append(kept, s)
	}
	signatures = kept

	if len(signatures) == 0 {
		return
	}

	// Now check and discard invalid signatures. Public-key verification is
	// CPU-bound, so it runs outside any lock.
	kept = signatures[:0]
	for _, s := range signatures {
		voter := quorums[s.Subquorum].Validators[s.Position]
		if !crypto.Verify(voter, btx.SignHash(s.Approval), s.Signature) {
			w.logger.Warning("Invalid blink signature: signature verification failed")
			continue
		}
		kept = append(kept, s)
	}
	signatures = kept

	if len(signatures) == 0 {
		return
	}

	w.logger.WithField("slots", btx.DebugSignatures()).Trace("Signatures before insertion")

	// Insert in one write-lock pass, dropping any that lost a race with
	// another thread between the check above and now. The verdict samples
	// come from the same critical section, so only one batch observes a
	// transition and the submitter is notified at most once.
	signatures, alreadyApproved, alreadyRejected, nowApproved, nowRejected := btx.InsertPrechecked(signatures)

	if len(signatures) == 0 {
		return
	}

	w.logger.WithFields(logrus.Fields{
		"hash":  btx.Hash(),
		"count": len(signatures),
		"slots": btx.DebugSignatures(),
	}).Debug("Validated and stored blink signatures")

	// We stored signatures we didn't have before, so relay them to blink
	// peers, excluding whoever sent them to us.
	exclude := make(map[crypto.PubKey]struct{})
	if !receivedFrom.IsZero() {
		if pub, ok := w.registry.PubKeyOf(receivedFrom); ok {
			exclude[pub] = struct{}{}
		}
	}

	pinfo := newPeerInfo(w, sn.QuorumBlink, quorums[:], true, exclude)

	w.logger.WithFields(logrus.Fields{
		"count":  len(signatures),
		"strong": pinfo.StrongPeers,
		"weak":   len(pinfo.Peers) - pinfo.StrongPeers,
	}).Debug("Relaying blink signatures to blink peers")

	iList := make(bt.List, 0, len(signatures))
	pList := make(bt.List, 0, len(signatures))
	rList := make(bt.List, 0, len(signatures))
	sList := make(bt.List, 0, len(signatures))
	for _, s := range signatures {
		iList = append(iList, int64(s.Subquorum))
		pList = append(pList, int64(s.Position))
		r := int64(0)
		if s.Approval {
			r = 1
		}
		rList = append(rList, r)
		sList = append(sList, string(s.Signature[:]))
	}

	txHash := btx.Hash()
	payload, err := bt.Marshal(bt.Dict{
		"h": int64(btx.Height()),
		"#": string(txHash[:]),
		"q": int64(checksum),
		"i": iList,
		"p": pList,
		"r": rList,
		"s": sList,
	})
	if err == nil {
		pinfo.relayToPeers("blink_sign", payload)
	}

	if replyTag == 0 || replyPubkey.IsZero() {
		return
	}

	if nowApproved && !alreadyApproved {
		w.logger.Info("Blink tx is now approved; sending result back to originating node")
		w.sendVerdict(replyPubkey, "bl_good", replyTag)
	} else if nowRejected && !alreadyRejected {
		w.logger.Info("Blink tx is now rejected; sending result back to originating node")
		w.sendVerdict(replyPubkey, "bl_bad", replyTag)
	}
}

func (w *Worker) sendVerdict(to crypto.X25519PubKey, cmd string, tag uint64) {
	payload, err := bt.Marshal(bt.Dict{"!": int64(tag)})
	if err != nil {
		return
	}
	if err := w.trans.Send(to, cmd, net.SendOpts{Optional: true}, payload); err != nil {
		w.logger.WithError(err).WithField("cmd", cmd).Debug("Failed to send blink verdict")
	}
}
