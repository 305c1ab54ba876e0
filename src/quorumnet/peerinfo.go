package quorumnet

import (
	"github.com/sirupsen/logrus"

	"github.com/blinknet/blinkd/src/crypto"
	"github.com/blinknet/blinkd/src/net"
	"github.com/blinknet/blinkd/src/sn"
)

type remoteInfo struct {
	x25519 crypto.X25519PubKey
	addr   string
}

// PeerInfo computes and relays to the peers of one or more quorums.
//
// The x25519 keys in Peers map to either a connect address (for a "strong"
// connection, opened if not already there) or an empty string (for an
// opportunistic "weak" connection, used only if already open).
type PeerInfo struct {
	// Remotes maps primary pubkeys to x25519 keys and connect addresses for
	// every active, reachable peer we may need.
	Remotes map[crypto.PubKey]remoteInfo

	// Peers maps x25519 keys to connect addresses; empty address means weak.
	Peers map[crypto.X25519PubKey]string

	// StrongPeers counts entries of Peers with a non-empty address.
	StrongPeers int

	// MyPosition is the caller's index in each quorum, -1 if absent.
	MyPosition []int

	// MyPositionCount is the number of quorums the caller is actually in.
	MyPositionCount int

	trans  net.Transport
	logger *logrus.Entry
}

// newPeerInfo constructs peer information for the given quorums and the
// local node's position in them.
//
// With opportunistic set, the peers we expect traffic *from* are included as
// weak peers, so relays also reach them when a connection happens to be
// open. The exclude set lists peers already known to have the data;
// the local node is always excluded.
func newPeerInfo(
	w *Worker,
	qtype sn.QuorumType,
	quorums []*sn.Quorum,
	opportunistic bool,
	exclude map[crypto.PubKey]struct{},
) *PeerInfo {
	p := &PeerInfo{
		Remotes: make(map[crypto.PubKey]remoteInfo),
		Peers:   make(map[crypto.X25519PubKey]string),
		trans:   w.trans,
		logger:  w.logger,
	}

	if exclude == nil {
		exclude = make(map[crypto.PubKey]struct{})
	}
	myPubKey := w.keys.Pub
	exclude[myPubKey] = struct{}{}

	// Find my positions in the quorums
	for _, q := range quorums {
		pos := -1
		for i, v := range q.Validators {
			if v == myPubKey {
				pos = i
				break
			}
		}
		p.MyPosition = append(p.MyPosition, pos)
		if pos >= 0 {
			p.MyPositionCount++
		}
	}

	// Figure out all the remotes we need to be able to look up, so the
	// registry lock is taken once for the whole batch.
	needRemotes := make(map[crypto.PubKey]struct{})
	addNeeded := func(q *sn.Quorum, indices []int) {
		for _, j := range indices {
			if _, excluded := exclude[q.Validators[j]]; !excluded {
				needRemotes[q.Validators[j]] = struct{}{}
			}
		}
	}
	for i, q := range quorums {
		size := len(q.Validators)
		addNeeded(q, quorumOutgoingConns(p.MyPosition[i], size))
		if opportunistic {
			addNeeded(q, quorumIncomingConns(p.MyPosition[i], size))
		}

		// Possible inter-quorum bridge targets.
		if i+1 < len(quorums) {
			half := min(size, len(quorums[i+1].Validators)) / 2
			if p.MyPosition[i] >= half && p.MyPosition[i] < 2*half && p.MyPosition[i+1] < 0 {
				addNeeded(quorums[i+1], []int{p.MyPosition[i] - half})
			}
		}
		if i > 0 {
			half := min(size, len(quorums[i-1].Validators)) / 2
			if p.MyPosition[i] >= 0 && p.MyPosition[i] < half && p.MyPosition[i-1] < 0 {
				addNeeded(quorums[i-1], []int{half + p.MyPosition[i]})
			}
		}
	}

	pubs := make([]crypto.PubKey, 0, len(needRemotes))
	for pub := range needRemotes {
		pubs = append(pubs, pub)
	}
	w.registry.ForEach(pubs, func(rec sn.ServiceNode) {
		if !rec.Active {
			return
		}
		if rec.X25519.IsZero() || rec.ConnectString() == "" {
			return
		}
		p.Remotes[rec.PubKey] = remoteInfo{x25519: rec.X25519, addr: rec.ConnectString()}
	})

	p.computePeers(quorums, opportunistic)

	return p
}

// computePeers builds the x25519 -> address map of all the quorum peers we
// talk to.
func (p *PeerInfo) computePeers(quorums []*sn.Quorum, opportunistic bool) {
	for i, q := range quorums {
		if p.MyPosition[i] < 0 {
			p.logger.WithField("subquorum", i).Trace("Not in subquorum")
			continue
		}

		size := len(q.Validators)

		// Relay to all my outgoing targets within the quorum (connecting if
		// not already connected).
		for _, j := range quorumOutgoingConns(p.MyPosition[i], size) {
			p.addPeer(q.Validators[j], true)
		}

		// Opportunistically relay to all my *incoming* sources within the
		// quorum *if* a connection is already open with them.
		if opportunistic {
			for _, j := range quorumIncomingConns(p.MyPosition[i], size) {
				p.addPeer(q.Validators[j], false)
			}
		}

		// Strong interconnections between subquorums: the second half of Q
		// (measured against the smaller subquorum) relays to the first half
		// of Q'. Skipped when this node is in both, since the intra-quorum
		// edges already reach the other subquorum's members.
		if i+1 < len(quorums) && p.MyPosition[i+1] < 0 {
			next := quorums[i+1]
			half := min(size, len(next.Validators)) / 2
			if p.MyPosition[i] >= half && p.MyPosition[i] < 2*half {
				p.addPeer(next.Validators[p.MyPosition[i]-half], true)
			}
		}

		// The mirror image, weak: the first half of Q' sends to the second
		// half of Q when a connection is already open.
		if i > 0 && p.MyPosition[i-1] < 0 {
			prev := quorums[i-1]
			half := min(size, len(prev.Validators)) / 2
			if p.MyPosition[i] < half {
				p.addPeer(prev.Validators[half+p.MyPosition[i]], false)
			}
		}
	}
}

// addPeer looks up a pubkey in known remotes and adds it to Peers. A strong
// add upgrades an existing weak entry; a weak add never downgrades. Returns
// true if a new entry was created or a weak entry was upgraded.
func (p *PeerInfo) addPeer(pubkey crypto.PubKey, strong bool) bool {
	rem, ok := p.Remotes[pubkey]
	if !ok {
		return false
	}

	addr, exists := p.Peers[rem.x25519]
	if !exists {
		if strong {
			p.Peers[rem.x25519] = rem.addr
			p.StrongPeers++
		} else {
			p.Peers[rem.x25519] = ""
		}
		return true
	}
	if strong && addr == "" {
		p.Peers[rem.x25519] = rem.addr
		p.StrongPeers++
		return true
	}
	return false
}

// relayToPeers sends a command and serialized payload to everyone we're
// supposed to relay to.
func (p *PeerInfo) relayToPeers(cmd string, payload []byte) {
	for x25519, addr := range p.Peers {
		p.logger.WithFields(logrus.Fields{
			"cmd":    cmd,
			"pubkey": x25519,
			"addr":   addr,
		}).Trace("Relaying to peer")

		var err error
		if addr == "" {
			err = p.trans.Send(x25519, cmd, net.SendOpts{Optional: true}, payload)
		} else {
			err = p.trans.Send(x25519, cmd, net.SendOpts{Hint: addr}, payload)
		}
		if err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"cmd":    cmd,
				"pubkey": x25519,
			}).Debug("Relay send failed")
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
